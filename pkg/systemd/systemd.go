// Package systemd reports service state to systemd through sd_notify.
// Every call is a no-op when the process was not started by systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "bulksend/pkg/logx"
)

// Ready tells systemd that startup finished. It reports whether the
// notification was delivered.
func Ready() bool { return notify(daemon.SdNotifyReady) }

// Stopping tells systemd that shutdown began.
func Stopping() bool { return notify(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func Status(text string) bool { return notify("STATUS=" + text) }

func notify(state string) bool {
	ok, err := daemon.SdNotify(false, state)
	return ok && err == nil
}

// Watchdog pings the systemd watchdog at half the configured interval until
// ctx ends. healthy gates each ping; a nil healthy always pings. It returns
// immediately when the watchdog is not enabled for this unit.
func Watchdog(ctx context.Context, log logx.Logger, healthy func() bool) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("systemd watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	tick := max(interval/2, time.Second)
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy != nil && !healthy() {
				log.Warn("skipping watchdog ping; unhealthy")
				continue
			}
			notify(daemon.SdNotifyWatchdog)
		}
	}
}
