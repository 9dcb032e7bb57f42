// Package systemd speaks the sd_notify protocol for Type=notify units. Every
// call is a no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Ready reports startup completion. It returns false when NOTIFY_SOCKET is unset.
func Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

// Stopping reports the start of shutdown.
func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(text string) (bool, error) { return daemon.SdNotify(false, "STATUS="+text) }

// WatchdogInterval is half the unit's WatchdogSec, or 0 when the watchdog is off.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// Watchdog pings the watchdog until ctx is done. healthy gates each ping so
// a wedged process stops petting it. Returns immediately when the watchdog is off.
func Watchdog(ctx context.Context, healthy func(ctx context.Context) error) error {
	every := WatchdogInterval()
	if every <= 0 {
		return nil
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil {
				hctx, cancel := context.WithTimeout(ctx, every)
				err := healthy(hctx)
				cancel()
				if err != nil {
					continue
				}
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
