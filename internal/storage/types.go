package storage

import (
	"context"
	"sort"
	"strings"
	"time"

	"reminderbot/internal/model"
)

// Config selects and configures a driver.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	Firestore FirestoreConfig
}

type FirestoreConfig struct {
	ProjectID       string
	DatabaseID      string
	Collection      string
	CredentialsFile string
}

// Store is the reminder persistence API.
//
// Writes are serialized per store; reads may run concurrently with each
// other and with writes.
type Store interface {
	// Create persists r as active. Missing ID and CreatedAt are filled in.
	Create(ctx context.Context, r model.Reminder) (model.Reminder, error)
	// ListActive returns the owner's active reminders on channelID ordered
	// by time then label. An empty channelID matches every channel.
	ListActive(ctx context.Context, ownerID, channelID string) ([]model.Reminder, error)
	// Delete removes the matching active reminders and reports whether any
	// existed. An empty channelID matches every channel.
	Delete(ctx context.Context, ownerID, channelID, timeKey, label string) (bool, error)
	// DueAt returns active reminders whose time key equals timeKey exactly.
	// An empty channelID matches every channel.
	DueAt(ctx context.Context, timeKey, channelID string) ([]model.Due, error)
	Close() error
}

func sameReminder(r model.Reminder, ownerID, channelID, timeKey, label string) bool {
	return r.Active && r.OwnerID == ownerID && (channelID == "" || r.ChannelID == channelID) && r.Time.Key() == timeKey && r.Label == label
}

func sortReminders(rs []model.Reminder) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i].Time.Key(), rs[j].Time.Key()
		if a != b {
			return a < b
		}
		return strings.ToLower(rs[i].Label) < strings.ToLower(rs[j].Label)
	})
}

func sortDue(ds []model.Due) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].ChannelID != ds[j].ChannelID {
			return ds[i].ChannelID < ds[j].ChannelID
		}
		if ds[i].OwnerID != ds[j].OwnerID {
			return ds[i].OwnerID < ds[j].OwnerID
		}
		return ds[i].Label < ds[j].Label
	})
}
