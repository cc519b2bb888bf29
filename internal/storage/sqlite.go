package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"reminderbot/internal/model"
	logx "reminderbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	// writeMu serializes writers; WAL lets readers proceed meanwhile.
	writeMu sync.Mutex
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	// Pragmas in the DSN apply to every pooled connection.
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_txlock", "immediate")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)

	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage.sqlite"))}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	st.log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Create(ctx context.Context, r model.Reminder) (model.Reminder, error) {
	r = prepare(r)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Reminder{}, fmt.Errorf("storage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM reminders
		 WHERE active = 1 AND owner_id = ? AND channel_id = ? AND time_hhmm = ? AND label = ?`,
		r.OwnerID, r.ChannelID, r.Time.Key(), r.Label,
	).Scan(&n)
	if err != nil {
		return model.Reminder{}, fmt.Errorf("storage: duplicate check: %w", err)
	}
	if n > 0 {
		return model.Reminder{}, model.ErrDuplicate
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO reminders(id, owner_id, channel_id, time_hhmm, label, persona, active, created_at)
		 VALUES(?,?,?,?,?,?,1,?)`,
		r.ID, r.OwnerID, r.ChannelID, r.Time.Key(), r.Label, r.Persona, r.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return model.Reminder{}, model.ErrDuplicate
		}
		return model.Reminder{}, fmt.Errorf("storage: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Reminder{}, fmt.Errorf("storage: commit: %w", err)
	}
	return r, nil
}

func (s *sqliteStore) ListActive(ctx context.Context, ownerID, channelID string) ([]model.Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, channel_id, time_hhmm, label, persona, created_at FROM reminders
		 WHERE active = 1 AND owner_id = ? AND (? = '' OR channel_id = ?)
		 ORDER BY time_hhmm, label COLLATE NOCASE`,
		ownerID, channelID, channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	defer rows.Close()

	var out []model.Reminder
	for rows.Next() {
		var (
			r       model.Reminder
			key     string
			created string
		)
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.ChannelID, &key, &r.Label, &r.Persona, &created); err != nil {
			return nil, fmt.Errorf("storage: list scan: %w", err)
		}
		tod, err := model.ParseTimeOfDay(key)
		if err != nil {
			s.log.Warn("skipping row with malformed time", logx.String("id", r.ID), logx.String("time", key))
			continue
		}
		r.Time = tod
		r.Active = true
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list rows: %w", err)
	}
	return out, nil
}

func (s *sqliteStore) Delete(ctx context.Context, ownerID, channelID, timeKey, label string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders
		 WHERE active = 1 AND owner_id = ? AND (? = '' OR channel_id = ?) AND time_hhmm = ? AND label = ?`,
		ownerID, channelID, channelID, timeKey, label,
	)
	if err != nil {
		return false, fmt.Errorf("storage: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: delete: %w", err)
	}
	return n > 0, nil
}

func (s *sqliteStore) DueAt(ctx context.Context, timeKey, channelID string) ([]model.Due, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, channel_id, persona, label FROM reminders
		 WHERE active = 1 AND time_hhmm = ? AND (? = '' OR channel_id = ?)
		 ORDER BY channel_id, owner_id, label`,
		timeKey, channelID, channelID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: due query: %w", err)
	}
	defer rows.Close()

	var out []model.Due
	for rows.Next() {
		var d model.Due
		if err := rows.Scan(&d.ReminderID, &d.OwnerID, &d.ChannelID, &d.Persona, &d.Label); err != nil {
			return nil, fmt.Errorf("storage: due scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: due rows: %w", err)
	}
	return out, nil
}
