package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"reminderbot/internal/model"
	logx "reminderbot/pkg/logx"
)

type firestoreStore struct {
	client *firestore.Client
	col    string
	log    logx.Logger
}

type firestoreReminder struct {
	OwnerID   string    `firestore:"owner_id"`
	ChannelID string    `firestore:"channel_id"`
	Time      string    `firestore:"time_hhmm"`
	Label     string    `firestore:"label"`
	Persona   string    `firestore:"persona"`
	Active    bool      `firestore:"active"`
	CreatedAt time.Time `firestore:"created_at"`
}

func openFirestore(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	fc := cfg.Firestore
	if strings.TrimSpace(fc.ProjectID) == "" {
		return nil, errors.New("storage: firestore project_id is required")
	}
	var opts []option.ClientOption
	if fc.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(fc.CredentialsFile))
	}

	var (
		client *firestore.Client
		err    error
	)
	if fc.DatabaseID != "" {
		client, err = firestore.NewClientWithDatabase(ctx, fc.ProjectID, fc.DatabaseID, opts...)
	} else {
		client, err = firestore.NewClient(ctx, fc.ProjectID, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: firestore client: %w", err)
	}

	col := strings.TrimSpace(fc.Collection)
	if col == "" {
		col = "reminders"
	}
	return &firestoreStore{
		client: client,
		col:    col,
		log:    log.With(logx.String("comp", "storage.firestore")),
	}, nil
}

func (s *firestoreStore) Close() error { return s.client.Close() }

func (s *firestoreStore) reminders() *firestore.CollectionRef { return s.client.Collection(s.col) }

// matching selects active reminders by identity. Unless exact is set, an
// empty channelID matches every channel.
func (s *firestoreStore) matching(ownerID, channelID, timeKey, label string, exact bool) firestore.Query {
	q := s.reminders().
		Where("active", "==", true).
		Where("owner_id", "==", ownerID)
	if exact || channelID != "" {
		q = q.Where("channel_id", "==", channelID)
	}
	return q.Where("time_hhmm", "==", timeKey).Where("label", "==", label)
}

func (s *firestoreStore) Create(ctx context.Context, r model.Reminder) (model.Reminder, error) {
	r = prepare(r)
	doc := firestoreReminder{
		OwnerID:   r.OwnerID,
		ChannelID: r.ChannelID,
		Time:      r.Time.Key(),
		Label:     r.Label,
		Persona:   r.Persona,
		Active:    true,
		CreatedAt: r.CreatedAt,
	}
	ref := s.reminders().Doc(r.ID)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, err := tx.Documents(s.matching(r.OwnerID, r.ChannelID, r.Time.Key(), r.Label, true).Limit(1)).GetAll()
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return model.ErrDuplicate
		}
		return tx.Create(ref, doc)
	})
	// AlreadyExists only happens when the generated id collides.
	if errors.Is(err, model.ErrDuplicate) || status.Code(err) == codes.AlreadyExists {
		return model.Reminder{}, model.ErrDuplicate
	}
	if err != nil {
		return model.Reminder{}, fmt.Errorf("storage: firestore create: %w", err)
	}
	return r, nil
}

func (s *firestoreStore) ListActive(ctx context.Context, ownerID, channelID string) ([]model.Reminder, error) {
	q := s.reminders().Where("active", "==", true).Where("owner_id", "==", ownerID)
	if channelID != "" {
		q = q.Where("channel_id", "==", channelID)
	}

	var out []model.Reminder
	err := s.each(ctx, q, func(id string, d firestoreReminder) {
		tod, err := model.ParseTimeOfDay(d.Time)
		if err != nil {
			s.log.Warn("skipping document with malformed time", logx.String("id", id), logx.String("time", d.Time))
			return
		}
		out = append(out, model.Reminder{
			ID:        id,
			OwnerID:   d.OwnerID,
			ChannelID: d.ChannelID,
			Time:      tod,
			Label:     d.Label,
			Persona:   d.Persona,
			Active:    true,
			CreatedAt: d.CreatedAt,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("storage: firestore list: %w", err)
	}
	sortReminders(out)
	return out, nil
}

func (s *firestoreStore) Delete(ctx context.Context, ownerID, channelID, timeKey, label string) (bool, error) {
	found := false
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		found = false
		snaps, err := tx.Documents(s.matching(ownerID, channelID, timeKey, label, false)).GetAll()
		if err != nil {
			return err
		}
		for _, snap := range snaps {
			if err := tx.Delete(snap.Ref); err != nil {
				return err
			}
			found = true
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("storage: firestore delete: %w", err)
	}
	return found, nil
}

func (s *firestoreStore) DueAt(ctx context.Context, timeKey, channelID string) ([]model.Due, error) {
	q := s.reminders().Where("active", "==", true).Where("time_hhmm", "==", timeKey)
	if channelID != "" {
		q = q.Where("channel_id", "==", channelID)
	}

	var out []model.Due
	err := s.each(ctx, q, func(id string, d firestoreReminder) {
		out = append(out, model.Due{
			ReminderID: id,
			OwnerID:    d.OwnerID,
			ChannelID:  d.ChannelID,
			Persona:    d.Persona,
			Label:      d.Label,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("storage: firestore due query: %w", err)
	}
	sortDue(out)
	return out, nil
}

func (s *firestoreStore) each(ctx context.Context, q firestore.Query, fn func(id string, d firestoreReminder)) error {
	iter := q.Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return err
		}
		var d firestoreReminder
		if err := snap.DataTo(&d); err != nil {
			return fmt.Errorf("decode %s: %w", snap.Ref.ID, err)
		}
		fn(snap.Ref.ID, d)
	}
}
