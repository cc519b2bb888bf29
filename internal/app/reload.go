package app

import (
	"context"
	"strings"

	"reminderbot/internal/config"
	logx "reminderbot/pkg/logx"
)

// reloadLoop applies committed configs to the live components. Settings
// that need a restart are only warned about.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(restart) > 0 {
		a.log.Warn("some config changes need a restart to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if err := a.sched.Apply(mapSchedulerConfig(newCfg)); err != nil {
		a.log.Warn("scheduler reconfigure failed; keeping previous trigger", logx.Err(err))
	}

	a.channels.SetRate(newCfg.Channels.RatePerSec)
	if active := newCfg.Channels.ActiveChannel(); active != "" && active != a.channels.Active() {
		if err := a.channels.Use(active); err != nil {
			a.log.Warn("active channel not available until restart", logx.String("channel", active), logx.Err(err))
		} else {
			a.log.Info("active channel switched", logx.String("channel", active))
		}
	}

	a.renderer.Configure(mapPolicy(newCfg.Renderer.Tone), config.DurationOr(newCfg.Renderer.Timeout, 0))
	if p := rendererProvider(newCfg); p != rendererProvider(oldCfg) {
		if err := a.gens.Use(p); err != nil {
			a.log.Warn("renderer provider not available until restart", logx.String("provider", p), logx.Err(err))
		}
	}

	a.log.Info("config reloaded", fields...)
}
