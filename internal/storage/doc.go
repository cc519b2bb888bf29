// Package storage persists reminders and answers the dispatcher's
// exact-minute due query.
//
// Drivers:
//   - sqlite: modernc.org/sqlite, the default
//   - file: JSON snapshot + append-only journal, no external services
//   - firestore: Google Cloud Firestore document store
//
// All drivers share one duplicate policy: an active reminder with the same
// (owner, channel, time, label) already existing makes Create fail with
// model.ErrDuplicate.
package storage
