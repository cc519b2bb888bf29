package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"reminderbot/internal/model"
	logx "reminderbot/pkg/logx"
)

// Open initializes the configured driver. An empty driver means sqlite.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	case "firestore":
		return openFirestore(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", driver)
	}
}

// prepare fills defaults shared by every driver.
func prepare(r model.Reminder) model.Reminder {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	r.Active = true
	return r
}
