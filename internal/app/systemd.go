package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "taskrunner/pkg/logx"
)

// sdNotifier reports service state to systemd. Outside a Type=notify unit
// every call is a no-op.
type sdNotifier struct {
	log logx.Logger
}

func (n sdNotifier) notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("systemd notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Trace("systemd notified", logx.String("state", state))
	}
}

func (n sdNotifier) Ready()     { n.notify(daemon.SdNotifyReady) }
func (n sdNotifier) Stopping()  { n.notify(daemon.SdNotifyStopping) }
func (n sdNotifier) Reloading() { n.notify(daemon.SdNotifyReloading) }

// watchdog pings systemd at half the configured WatchdogSec until ctx is done.
func (n sdNotifier) watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		n.log.Warn("systemd watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	every := max(interval/2, time.Millisecond)
	n.log.Debug("systemd watchdog enabled", logx.Duration("every", every))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
