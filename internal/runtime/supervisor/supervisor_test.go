package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecoversPanicAndCancels(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	s.Go("boom", func(ctx context.Context) error { panic("kaboom") })
	s.Go0("waiter", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("err=%v", err)
	}
	if c := s.Counters(); c.Active != 0 || c.Started != 2 {
		t.Fatalf("counters=%+v", c)
	}
}

func TestGoCanceledIsClean(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()

	var runs atomic.Int32
	sentinel := errors.New("flaky")
	s := New(context.Background())
	s.GoRestart("flaky", func(ctx context.Context) error {
		runs.Add(1)
		return sentinel
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if !errors.Is(err, sentinel) {
		t.Fatalf("err=%v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs=%d want 3", got)
	}

	snap := s.Snapshot()
	var found bool
	for _, r := range snap.Routines {
		if r.Name == "flaky" {
			found = true
			if r.Restarts != 2 {
				t.Fatalf("restarts=%d", r.Restarts)
			}
		}
	}
	if !found {
		t.Fatalf("missing flaky in snapshot: %+v", snap.Routines)
	}
}
