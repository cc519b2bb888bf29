package app

import (
	"context"
	"strconv"
	"strings"
	"time"

	"reminderbot/internal/config"
	"reminderbot/internal/dispatch"
	"reminderbot/internal/observability/ops"
	"reminderbot/internal/render"
	"reminderbot/internal/storage"
	logx "reminderbot/pkg/logx"
)

const (
	defaultSQLitePath = "./data/reminders.db"
	defaultFilePath   = "./data/reminders"
)

func mapStorageConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "sqlite", "sqlite3":
		driver = "sqlite"
		if path == "" {
			path = defaultSQLitePath
		}
	case "file":
		if path == "" {
			path = defaultFilePath
		}
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		BusyTimeout: config.DurationOr(sc.BusyTimeout, 0),
		Firestore: storage.FirestoreConfig{
			ProjectID:       sc.Firestore.ProjectID,
			DatabaseID:      sc.Firestore.DatabaseID,
			Collection:      sc.Firestore.Collection,
			CredentialsFile: sc.Firestore.CredentialsFile,
		},
	}
}

// mapSchedulerConfig expects a validated config; an unknown zone falls back
// to the default one.
func mapSchedulerConfig(cfg *config.Config) dispatch.Config {
	loc, err := cfg.Location()
	if err != nil {
		loc, _ = time.LoadLocation(config.DefaultTimezone)
	}
	sc := cfg.Scheduler
	return dispatch.Config{
		Enabled:             sc.IsEnabled(),
		Location:            loc,
		DeliveryConcurrency: sc.DeliveryConcurrency,
		SendTimeout:         config.DurationOr(sc.SendTimeout, 0),
		ShutdownGrace:       config.DurationOr(sc.ShutdownGrace, 0),
		ResolveNames:        sc.ResolveNames,
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    lc.Chat.Enabled,
			Recipient:  lc.Chat.Recipient,
			MinLevel:   lc.Chat.MinLevel,
			RatePerSec: lc.Chat.RatePerSec,
		},
	}
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	oc := cfg.Ops
	return ops.Config{
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		ReadTimeout:   config.DurationOr(oc.ReadTimeout, 10*time.Second),
		WriteTimeout:  config.DurationOr(oc.WriteTimeout, 90*time.Second),
		IdleTimeout:   config.DurationOr(oc.IdleTimeout, 60*time.Second),
	}
}

func mapPolicy(t config.ToneConfig) render.Policy {
	p := render.DefaultPolicy()
	if t.FamilySafe != nil {
		p.FamilySafe = *t.FamilySafe
	}
	if t.AllowSlang != nil {
		p.AllowSlang = *t.AllowSlang
	}
	if t.AllowCatchphrases != nil {
		p.AllowCatchphrases = *t.AllowCatchphrases
	}
	return p
}

// rendererProvider normalizes the provider name; empty means disabled.
func rendererProvider(cfg *config.Config) string {
	p := strings.ToLower(strings.TrimSpace(cfg.Renderer.Provider))
	if p == "" {
		return "disabled"
	}
	return p
}

// isOwner reports whether userID is listed as an owner for channel in cfg.
func isOwner(cfg *config.Config, channel, userID string) bool {
	if cfg == nil || userID == "" {
		return false
	}
	switch channel {
	case "telegram":
		id, err := strconv.ParseInt(userID, 10, 64)
		if err != nil {
			return false
		}
		for _, o := range cfg.Channels.Telegram.OwnerUserIDs {
			if o == id {
				return true
			}
		}
	case "discord":
		for _, o := range cfg.Channels.Discord.OwnerUserIDs {
			if strings.TrimSpace(o) == userID {
				return true
			}
		}
	}
	return false
}

// OpenStore opens the configured store without building the rest of the
// app, for offline reminder management.
func OpenStore(ctx context.Context, cfg *config.Config, log logx.Logger) (storage.Store, error) {
	return storage.Open(ctx, mapStorageConfig(cfg), log)
}
