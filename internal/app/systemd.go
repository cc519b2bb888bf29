package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "reminderbot/pkg/logx"
)

// startSystemd reports readiness to systemd and, when the unit sets
// WatchdogSec, pings the watchdog while the scheduler stays healthy.
// Outside systemd every call is a no-op.
func (a *App) startSystemd() {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		a.log.Warn("sd_notify READY failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify READY sent")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				// a stuck tick withholds the ping so systemd restarts us
				if st := a.sched.Status(); st.Ticking && st.LastTick != nil && time.Since(st.LastTick.At) > interval {
					a.log.Warn("watchdog ping withheld; tick stuck", logx.Time("last_tick", st.LastTick.At))
					continue
				}
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
}

func notifyStopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}
