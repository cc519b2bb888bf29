package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"reminderbot/internal/model"
	logx "reminderbot/pkg/logx"
)

// fileStore keeps one document per owner in memory and persists changes as
// an append-only journal that is periodically compacted into a snapshot.
//
// Files:
//   - <prefix>.snapshot.json  owner -> reminders
//   - <prefix>.journal.jsonl  one fileOp per line
type fileStore struct {
	log logx.Logger

	mu sync.RWMutex

	snapshotPath string
	journal      *os.File
	docs         map[string][]fileReminder

	writes       int
	compactEvery int
}

type fileReminder struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	ChannelID string    `json:"channel_id"`
	Time      string    `json:"time_hhmm"`
	Label     string    `json:"label"`
	Persona   string    `json:"persona"`
	CreatedAt time.Time `json:"created_at"`
}

type fileOp struct {
	Op       string       `json:"op"` // "put" or "del"
	Reminder fileReminder `json:"reminder"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage: file path is required")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log.With(logx.String("comp", "storage.file")),
		snapshotPath: prefix + ".snapshot.json",
		docs:         map[string][]fileReminder{},
		compactEvery: 500,
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("storage: load snapshot: %w", err)
	}
	journalPath := prefix + ".journal.jsonl"
	if err := s.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("storage: replay journal: %w", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

func (s *fileStore) Create(_ context.Context, r model.Reminder) (model.Reminder, error) {
	r = prepare(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return model.Reminder{}, errors.New("storage: file store closed")
	}
	for _, fr := range s.docs[r.OwnerID] {
		if fr.ChannelID == r.ChannelID && fr.Time == r.Time.Key() && fr.Label == r.Label {
			return model.Reminder{}, model.ErrDuplicate
		}
	}

	fr := fileReminder{
		ID:        r.ID,
		OwnerID:   r.OwnerID,
		ChannelID: r.ChannelID,
		Time:      r.Time.Key(),
		Label:     r.Label,
		Persona:   r.Persona,
		CreatedAt: r.CreatedAt,
	}
	if err := s.appendLocked(fileOp{Op: "put", Reminder: fr}); err != nil {
		return model.Reminder{}, err
	}
	s.docs[r.OwnerID] = append(s.docs[r.OwnerID], fr)
	return r, nil
}

func (s *fileStore) ListActive(_ context.Context, ownerID, channelID string) ([]model.Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Reminder
	for _, fr := range s.docs[ownerID] {
		if channelID != "" && fr.ChannelID != channelID {
			continue
		}
		r, ok := fr.toModel()
		if !ok {
			continue
		}
		out = append(out, r)
	}
	sortReminders(out)
	return out, nil
}

func (s *fileStore) Delete(_ context.Context, ownerID, channelID, timeKey, label string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, errors.New("storage: file store closed")
	}

	doc := s.docs[ownerID]
	kept := make([]fileReminder, 0, len(doc))
	found := false
	for i, fr := range doc {
		r, ok := fr.toModel()
		if !ok || !sameReminder(r, ownerID, channelID, timeKey, label) {
			kept = append(kept, fr)
			continue
		}
		if err := s.appendLocked(fileOp{Op: "del", Reminder: fr}); err != nil {
			s.docs[ownerID] = append(kept, doc[i:]...)
			return found, err
		}
		found = true
	}
	if len(kept) == 0 {
		delete(s.docs, ownerID)
	} else {
		s.docs[ownerID] = kept
	}
	return found, nil
}

func (s *fileStore) DueAt(_ context.Context, timeKey, channelID string) ([]model.Due, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Due
	for _, doc := range s.docs {
		for _, fr := range doc {
			if fr.Time != timeKey || (channelID != "" && fr.ChannelID != channelID) {
				continue
			}
			out = append(out, model.Due{
				ReminderID: fr.ID,
				OwnerID:    fr.OwnerID,
				ChannelID:  fr.ChannelID,
				Persona:    fr.Persona,
				Label:      fr.Label,
			})
		}
	}
	sortDue(out)
	return out, nil
}

func (fr fileReminder) toModel() (model.Reminder, bool) {
	tod, err := model.ParseTimeOfDay(fr.Time)
	if err != nil {
		return model.Reminder{}, false
	}
	return model.Reminder{
		ID:        fr.ID,
		OwnerID:   fr.OwnerID,
		ChannelID: fr.ChannelID,
		Time:      tod,
		Label:     fr.Label,
		Persona:   fr.Persona,
		Active:    true,
		CreatedAt: fr.CreatedAt,
	}, true
}

func (s *fileStore) appendLocked(op fileOp) error {
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return fmt.Errorf("storage: journal append: %w", err)
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compaction failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) apply(op fileOp) {
	fr := op.Reminder
	switch op.Op {
	case "put":
		for _, have := range s.docs[fr.OwnerID] {
			if have.ID == fr.ID {
				return
			}
		}
		s.docs[fr.OwnerID] = append(s.docs[fr.OwnerID], fr)
	case "del":
		doc := s.docs[fr.OwnerID]
		for i := range doc {
			if doc[i].ID == fr.ID {
				s.docs[fr.OwnerID] = append(doc[:i:i], doc[i+1:]...)
				break
			}
		}
		if len(s.docs[fr.OwnerID]) == 0 {
			delete(s.docs, fr.OwnerID)
		}
	}
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.docs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var docs map[string][]fileReminder
	if err := json.NewDecoder(f).Decode(&docs); err != nil {
		return err
	}
	for owner, doc := range docs {
		s.docs[owner] = doc
	}
	return nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var op fileOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil || op.Reminder.ID == "" {
			s.log.Warn("skipping malformed journal line")
			continue
		}
		s.apply(op)
	}
	return sc.Err()
}
