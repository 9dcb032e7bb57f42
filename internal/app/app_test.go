package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/eventbus"
	"postpilot/internal/platform"
	"postpilot/internal/post"
)

const testConfig = `
logging:
  level: error
  console: true
scheduler:
  enabled: %t
  timezone: UTC
  cycle_schedule: "@every 1h"
storage:
  driver: memory
ops:
  enabled: false
`

func writeConfig(t *testing.T, schedulerEnabled bool) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "postpilot.yaml")
	body := fmt.Sprintf(testConfig, schedulerEnabled)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestApp(t *testing.T, schedulerEnabled bool, calls *atomic.Int64) *App {
	t.Helper()
	clock := post.NewFixedClock(time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC))
	a, err := New(context.Background(), writeConfig(t, schedulerEnabled),
		WithClock(clock),
		WithAdapter(platform.Facebook, platform.AdapterFunc(func(_ context.Context, ref, _ string, _ []string) (platform.Result, error) {
			calls.Add(1)
			return platform.Result{ID: "fb-" + ref}, nil
		})),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func seedDuePost(t *testing.T, a *App) *post.Post {
	t.Helper()
	ctx := context.Background()
	acct := &post.Account{Platform: platform.Facebook, Username: "brand", OwnerID: "u1"}
	if err := a.Posts().AddAccount(ctx, acct); err != nil {
		t.Fatalf("add account: %v", err)
	}
	p, err := a.Posts().ScheduleNewPost(ctx, post.Draft{
		Content:     "Spring sale starts now",
		ScheduledAt: time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC),
		AccountID:   acct.ID,
		OwnerID:     "u1",
	})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return p
}

func TestRunCycleInline(t *testing.T) {
	var calls atomic.Int64
	a := newTestApp(t, false, &calls)
	defer func() { _ = a.Close() }()

	p := seedDuePost(t, a)
	rep, err := a.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rep.Published != 1 || calls.Load() != 1 {
		t.Fatalf("report=%+v calls=%d", rep, calls.Load())
	}
	got, err := a.Posts().Get(context.Background(), p.ID)
	if err != nil || got.Status != post.StatusPublished {
		t.Fatalf("post=%+v err=%v", got, err)
	}
	st := a.Status()
	if st.LastCycle == nil || st.LastCycle.Report.Published != 1 || st.Storage != "memory" {
		t.Fatalf("status=%+v", st)
	}
}

func TestStartTriggerStop(t *testing.T) {
	var calls atomic.Int64
	a := newTestApp(t, true, &calls)
	p := seedDuePost(t, a)

	events, unsub := a.Bus().Subscribe(16)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.TriggerCycle(); err != nil {
		t.Fatalf("TriggerCycle: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for published := false; !published; {
		select {
		case e := <-events:
			if e.Type == eventbus.PostPublished {
				if got, ok := e.Data.(*post.Post); !ok || got.ID != p.ID {
					t.Fatalf("unexpected event data %#v", e.Data)
				}
				published = true
			}
		case <-deadline:
			t.Fatalf("post was not published by the engine")
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopCommand); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("adapter calls=%d", calls.Load())
	}
}

func TestApplyConfigTogglesScheduler(t *testing.T) {
	var calls atomic.Int64
	a := newTestApp(t, true, &calls)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() {
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = a.Stop(stopCtx, StopCommand)
	}()

	oldCfg := a.cfgm.Get()
	next := *oldCfg
	next.Scheduler.Enabled = false
	next.TaskEngine = &config.TaskEngineConfig{Enabled: boolPtr(true)}
	next.Scheduler.CycleSchedule = "2h"
	next.Dispatch.Workers = 2
	if err := validateConfig(&next); err != nil {
		t.Fatalf("validate: %v", err)
	}
	a.applyConfig(ctx, oldCfg, &next)

	if a.sched.Enabled() {
		t.Fatalf("scheduler still enabled")
	}
	snap := a.sched.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "@every 2h0m0s" {
		t.Fatalf("schedules=%+v", snap.Schedules)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  driver: mongo\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(context.Background(), path); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
	if err := os.WriteFile(path, []byte("storage:\n  drvier: memory\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(context.Background(), path); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}
