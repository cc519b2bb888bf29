package config

import (
	"reflect"
	"strings"

	logx "reminderbot/pkg/logx"
)

// SummarizeConfigChange returns the changed sections, safe attrs for
// logging (never secrets) and the changed sections that only take effect
// after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", newCfg.Timezone))
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.IsEnabled()),
			logx.Int("scheduler.delivery_concurrency", newCfg.Scheduler.DeliveryConcurrency),
			logx.String("scheduler.send_timeout", newCfg.Scheduler.SendTimeout),
		)
		if oldCfg.Scheduler.DeliveryConcurrency != newCfg.Scheduler.DeliveryConcurrency {
			restart = append(restart, "scheduler.delivery_concurrency")
		}
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	oc, nc := oldCfg.Channels, newCfg.Channels
	if !reflect.DeepEqual(oc, nc) {
		changed = append(changed, "channels")
		attrs = append(attrs,
			logx.String("channels.active", nc.ActiveChannel()),
			logx.Strings("channels.enabled", nc.EnabledNames()),
			logx.Bool("channels.telegram.token_set", strings.TrimSpace(nc.Telegram.Token) != ""),
			logx.Bool("channels.discord.token_set", strings.TrimSpace(nc.Discord.Token) != ""),
		)
		// Only the active selection and the rate are live.
		oc.Active, nc.Active = "", ""
		oc.RatePerSec, nc.RatePerSec = 0, 0
		oc.Telegram.OwnerUserIDs, nc.Telegram.OwnerUserIDs = nil, nil
		oc.Discord.OwnerUserIDs, nc.Discord.OwnerUserIDs = nil, nil
		if !reflect.DeepEqual(oc, nc) {
			restart = append(restart, "channels")
		}
	}

	if !reflect.DeepEqual(oldCfg.Renderer, newCfg.Renderer) {
		changed = append(changed, "renderer")
		attrs = append(attrs,
			logx.String("renderer.provider", newCfg.Renderer.Provider),
			logx.String("renderer.timeout", newCfg.Renderer.Timeout),
			logx.Bool("renderer.gemini.key_set", strings.TrimSpace(newCfg.Renderer.Gemini.APIKey) != ""),
		)
		if oldCfg.Renderer.Ollama != newCfg.Renderer.Ollama || oldCfg.Renderer.Gemini != newCfg.Renderer.Gemini {
			restart = append(restart, "renderer.backends")
		}
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.chat_enabled", newCfg.Logging.Chat.Enabled),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		restart = append(restart, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
		)
	}
	return changed, attrs, restart
}
