package model

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var (
	// ErrInvalidTime reports a time string that is not strict 24-hour HH:MM.
	ErrInvalidTime = errors.New("invalid time of day")
	// ErrDuplicate reports an active reminder with the same owner, channel,
	// time and label.
	ErrDuplicate = errors.New("duplicate reminder")
	ErrNotFound  = errors.New("reminder not found")
)

var timeKeyRe = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)

// TimeOfDay is a wall-clock minute, independent of date and zone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts only zero-padded 24-hour "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	m := timeKeyRe.FindStringSubmatch(s)
	if m == nil {
		return TimeOfDay{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	return TimeOfDay{Hour: h, Minute: mm}, nil
}

// TimeOfDayOf returns the wall-clock minute of t in t's location.
func TimeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}
}

// Key is the canonical "HH:MM" form used for storage and due matching.
func (t TimeOfDay) Key() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

func (t TimeOfDay) String() string { return t.Key() }

// Reminder is a recurring daily reminder.
type Reminder struct {
	ID        string
	OwnerID   string
	ChannelID string
	Time      TimeOfDay
	Label     string
	Persona   string
	Active    bool
	CreatedAt time.Time
}

// Due is one reminder selected for delivery by a tick.
type Due struct {
	ReminderID string
	OwnerID    string
	ChannelID  string
	Persona    string
	Label      string
	// SendAt is the tick minute in the scheduler's zone. Zero means now.
	SendAt time.Time
}
