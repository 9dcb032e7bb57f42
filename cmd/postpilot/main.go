package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"postpilot/internal/app"
	"postpilot/internal/config"
	"postpilot/internal/platform"
	"postpilot/internal/post"
)

const usage = `usage: postpilot [-config path] <command> [flags]

commands:
  serve                         run the scheduler until SIGINT/SIGTERM
  run-cycle                     dispatch every due post once and exit
  schedule -account ID -at RFC3339 [-media url]... [-draft] content
  list [-status s] [-owner id] [-account id] [-limit n]
  show ID
  reschedule ID RFC3339
  delete ID
  account add -platform p -username u [-external id] [-owner id]
  account list [-owner id]
  account remove ID
`

func main() {
	var cfgPath, envFile string
	flag.StringVar(&cfgPath, "config", "./postpilot.yaml", "path to config (yaml or json)")
	flag.StringVar(&envFile, "env", ".env", "optional KEY=VALUE file loaded before the config")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if _, err := config.LoadEnvFiles(envFile); err != nil {
		fmt.Fprintln(os.Stderr, "fatal: env:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	if cmd == "serve" {
		err = serve(ctx, cfgPath)
	} else {
		err = oneShot(ctx, cfgPath, cmd, args)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfgPath string) error {
	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Close()
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	stopErr := a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return errors.Join(a.Err(), stopErr)
	}
	return stopErr
}

func oneShot(ctx context.Context, cfgPath, cmd string, args []string) (err error) {
	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, a.Close()) }()
	posts := a.Posts()

	switch cmd {
	case "run-cycle":
		rep, err := a.RunCycle(ctx)
		if err != nil {
			return err
		}
		return printJSON(rep)

	case "schedule":
		fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
		account := fs.String("account", "", "account id")
		owner := fs.String("owner", "", "owner id")
		at := fs.String("at", "", "publish time (RFC3339)")
		draft := fs.Bool("draft", false, "store as pending instead of scheduled")
		var media multiFlag
		fs.Var(&media, "media", "media url (repeatable)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		when, err := time.Parse(time.RFC3339, *at)
		if err != nil {
			return fmt.Errorf("-at: %w", err)
		}
		d := post.Draft{
			Content:     strings.Join(fs.Args(), " "),
			MediaURLs:   media,
			ScheduledAt: when,
			AccountID:   *account,
			OwnerID:     *owner,
		}
		if *draft {
			d.Status = post.StatusPending
		}
		p, err := posts.ScheduleNewPost(ctx, d)
		if err != nil {
			return err
		}
		return printJSON(p)

	case "list":
		fs := flag.NewFlagSet("list", flag.ContinueOnError)
		var f post.Filter
		status := fs.String("status", "", "pending|scheduled|published|failed")
		fs.StringVar(&f.OwnerID, "owner", "", "owner id")
		fs.StringVar(&f.AccountID, "account", "", "account id")
		fs.IntVar(&f.Limit, "limit", 0, "max posts (0 = all)")
		if err := fs.Parse(args); err != nil {
			return err
		}
		f.Status = post.Status(*status)
		list, err := posts.List(ctx, f)
		if err != nil {
			return err
		}
		return printJSON(list)

	case "show":
		id, err := oneArg(cmd, args)
		if err != nil {
			return err
		}
		p, err := posts.Get(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(p)

	case "reschedule":
		if len(args) != 2 {
			return fmt.Errorf("reschedule: want ID and RFC3339 time")
		}
		when, err := time.Parse(time.RFC3339, args[1])
		if err != nil {
			return fmt.Errorf("reschedule: %w", err)
		}
		p, err := posts.Reschedule(ctx, args[0], when)
		if err != nil {
			return err
		}
		return printJSON(p)

	case "delete":
		id, err := oneArg(cmd, args)
		if err != nil {
			return err
		}
		return posts.Delete(ctx, id)

	case "account":
		return accountCmd(ctx, posts, args)
	}

	fmt.Fprint(os.Stderr, usage)
	return fmt.Errorf("unknown command %q", cmd)
}

func accountCmd(ctx context.Context, posts *post.Scheduler, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("account: want add, list or remove")
	}
	sub, args := args[0], args[1:]
	switch sub {
	case "add":
		var acct post.Account
		fs := accountAddFlags(&acct)
		if err := fs.Parse(args); err != nil {
			return err
		}
		if err := posts.AddAccount(ctx, &acct); err != nil {
			return err
		}
		return printJSON(&acct)
	case "list":
		fs := flag.NewFlagSet("account list", flag.ContinueOnError)
		owner := fs.String("owner", "", "owner id")
		if err := fs.Parse(args); err != nil {
			return err
		}
		list, err := posts.Accounts(ctx, *owner)
		if err != nil {
			return err
		}
		return printJSON(list)
	case "remove":
		id, err := oneArg("account remove", args)
		if err != nil {
			return err
		}
		return posts.RemoveAccount(ctx, id)
	}
	return fmt.Errorf("account: unknown subcommand %q", sub)
}

func accountAddFlags(acct *post.Account) *flag.FlagSet {
	fs := flag.NewFlagSet("account add", flag.ContinueOnError)
	fs.StringVar(&acct.Platform, "platform", "", strings.Join(platform.Known, "|"))
	fs.StringVar(&acct.Username, "username", "", "display handle")
	fs.StringVar(&acct.ExternalID, "external", "", "platform-side account id")
	fs.StringVar(&acct.OwnerID, "owner", "", "owner id")
	return fs
}

func oneArg(cmd string, args []string) (string, error) {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return "", fmt.Errorf("%s: want exactly one ID", cmd)
	}
	return args[0], nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}
