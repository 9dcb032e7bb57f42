package systemd

import (
	"context"
	"testing"
	"time"
)

func TestNoopOutsideSystemd(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")

	if sent, err := Ready(); sent || err != nil {
		t.Fatalf("Ready: sent=%v err=%v", sent, err)
	}
	if WatchdogInterval() != 0 {
		t.Fatalf("watchdog should be off")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := Watchdog(ctx, nil); err != nil {
		t.Fatalf("Watchdog: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("Watchdog should return immediately when disabled")
	}
}
