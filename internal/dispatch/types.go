package dispatch

import (
	"context"
	"errors"
	"time"

	"reminderbot/internal/model"
	"reminderbot/internal/render"
)

var (
	// ErrNotReady means a dependency (store, renderer or channel) is missing.
	ErrNotReady = errors.New("dispatch: scheduler not ready")
	// ErrTickInProgress means the trigger fired while a tick was still running.
	ErrTickInProgress = errors.New("dispatch: tick already in progress")
)

// DueSource is the read side of the reminder store.
type DueSource interface {
	DueAt(ctx context.Context, timeKey, channelID string) ([]model.Due, error)
}

type TextRenderer interface {
	Render(ctx context.Context, req render.Request) string
}

// ResultAlreadyDispatched reports a trigger for a minute whose reminders
// were already handed to delivery.
const ResultAlreadyDispatched = "already_dispatched"

// Channels routes a message to a named channel, or the active one when the
// name is empty. Deliver waits for send capacity on ctx and bounds only the
// channel send by timeout.
type Channels interface {
	Deliver(ctx context.Context, channel, recipientID, text string, timeout time.Duration) error
	DisplayName(ctx context.Context, channel, recipientID string) string
	Len() int
}

// Recorder receives tick and delivery outcomes (metrics).
type Recorder interface {
	TickFinished(result string, took time.Duration, due int)
	DeliveryFinished(channel, result string)
	InflightDelta(d int)
}

type Deps struct {
	Store    DueSource
	Renderer TextRenderer
	Channels Channels
}

type Config struct {
	Enabled  bool
	Location *time.Location
	// Spec is the cron trigger; the default fires at every minute boundary.
	Spec string
	// DeliveryConcurrency bounds delivery units running at once.
	DeliveryConcurrency int
	SendTimeout         time.Duration
	ShutdownGrace       time.Duration
	// ResolveNames asks the channel for the recipient's display name
	// before rendering.
	ResolveNames bool
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.Spec == "" {
		c.Spec = "* * * * *"
	}
	if c.DeliveryConcurrency <= 0 {
		c.DeliveryConcurrency = 32
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	return c
}

// TickReport summarizes one tick body.
type TickReport struct {
	Trigger string        `json:"trigger"`
	At      time.Time     `json:"at"`
	Key     string        `json:"key"`
	Due     int           `json:"due"`
	Took    time.Duration `json:"took"`
	Result  string        `json:"result"`
}

// Status is a point-in-time view for health endpoints.
type Status struct {
	Enabled  bool        `json:"enabled"`
	Running  bool        `json:"running"`
	Ticking  bool        `json:"ticking"`
	Timezone string      `json:"timezone"`
	Inflight int64       `json:"inflight"`
	LastTick *TickReport `json:"last_tick,omitempty"`
}

type nopRecorder struct{}

func (nopRecorder) TickFinished(string, time.Duration, int) {}
func (nopRecorder) DeliveryFinished(string, string)         {}
func (nopRecorder) InflightDelta(int)                       {}
