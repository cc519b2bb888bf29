package reminders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"reminderbot/internal/eventbus"
	"reminderbot/internal/model"
	"reminderbot/internal/storage"
	logx "reminderbot/pkg/logx"
)

const (
	maxLabelRunes   = 200
	maxPersonaRunes = 80
)

const (
	msgBadTime     = "Invalid time format. Please use 24-hour HH:MM like `08:00`."
	msgNoLabel     = "Please tell me what to remind you about."
	msgNoPersona   = "Please pick a persona for the reminder."
	msgTooLong     = "That is a bit long. Keep labels under 200 characters and personas under 80."
	msgDuplicate   = "You already have a reminder for `%s` at %s."
	msgCreated     = "Sweet. `%s` will remind you at %s to `%s`."
	msgEmpty       = "You don't have any active reminders."
	msgDeleted     = "Deleted reminder `%s` at %s."
	msgNotFound    = "I couldn't find a matching reminder to delete."
	msgStoreFailed = "Something went wrong saving that. Please try again in a moment."
)

// Service validates user input and turns store results into replies. It
// is bound to one notification channel; reminders it creates are
// delivered through that channel.
type Service struct {
	store     storage.Store
	channelID string
	log       logx.Logger
	bus       eventbus.Bus
}

func New(store storage.Store, channelID string, log logx.Logger, bus eventbus.Bus) *Service {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	return &Service{
		store:     store,
		channelID: channelID,
		log:       log.With(logx.String("comp", "reminders")),
		bus:       bus,
	}
}

// ForChannel returns a copy bound to another channel.
func (s *Service) ForChannel(channelID string) *Service {
	cp := *s
	cp.channelID = channelID
	return &cp
}

func (s *Service) ChannelID() string { return s.channelID }

// Create registers a daily reminder.
func (s *Service) Create(ctx context.Context, ownerID, persona, timeStr, label string) (bool, string) {
	persona = strings.TrimSpace(persona)
	label = strings.TrimSpace(label)

	tod, err := model.ParseTimeOfDay(strings.TrimSpace(timeStr))
	if err != nil {
		return false, msgBadTime
	}
	switch {
	case label == "":
		return false, msgNoLabel
	case persona == "":
		return false, msgNoPersona
	case utf8.RuneCountInString(label) > maxLabelRunes || utf8.RuneCountInString(persona) > maxPersonaRunes:
		return false, msgTooLong
	}

	r, err := s.store.Create(ctx, model.Reminder{
		OwnerID:   ownerID,
		ChannelID: s.channelID,
		Time:      tod,
		Label:     label,
		Persona:   persona,
	})
	if errors.Is(err, model.ErrDuplicate) {
		return false, fmt.Sprintf(msgDuplicate, label, tod.Key())
	}
	if err != nil {
		s.log.Error("create failed", logx.String("owner", ownerID), logx.Err(err))
		return false, msgStoreFailed
	}

	s.log.Info("reminder created", logx.String("owner", ownerID), logx.String("id", r.ID), logx.String("time", tod.Key()))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderCreated, Data: r})
	return true, fmt.Sprintf(msgCreated, persona, tod.Key(), label)
}

// List renders the owner's active reminders, one per line.
func (s *Service) List(ctx context.Context, ownerID string) (bool, string) {
	rs, err := s.store.ListActive(ctx, ownerID, s.channelID)
	if err != nil {
		s.log.Error("list failed", logx.String("owner", ownerID), logx.Err(err))
		return false, msgStoreFailed
	}
	if len(rs) == 0 {
		return true, msgEmpty
	}
	lines := make([]string, 0, len(rs))
	for _, r := range rs {
		lines = append(lines, fmt.Sprintf("- %s :: %s [%s]", r.Time.Key(), r.Label, r.Persona))
	}
	return true, strings.Join(lines, "\n")
}

// Delete removes the reminder matching time and label exactly.
func (s *Service) Delete(ctx context.Context, ownerID, timeStr, label string) (bool, string) {
	label = strings.TrimSpace(label)
	tod, err := model.ParseTimeOfDay(strings.TrimSpace(timeStr))
	if err != nil {
		return false, msgBadTime
	}
	if label == "" {
		return false, msgNoLabel
	}

	found, err := s.store.Delete(ctx, ownerID, s.channelID, tod.Key(), label)
	if err != nil {
		s.log.Error("delete failed", logx.String("owner", ownerID), logx.Err(err))
		return false, msgStoreFailed
	}
	if !found {
		return false, msgNotFound
	}
	s.log.Info("reminder deleted", logx.String("owner", ownerID), logx.String("time", tod.Key()))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderDeleted, Data: map[string]string{"owner": ownerID, "time": tod.Key(), "label": label}})
	return true, fmt.Sprintf(msgDeleted, label, tod.Key())
}
