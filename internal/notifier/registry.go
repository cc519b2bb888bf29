package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "reminderbot/pkg/logx"
)

const historyCap = 200

// Registry maps channel names to implementations. Exactly one channel is
// active; the first registered starts active. Outbound sends share one
// token bucket.
type Registry struct {
	log logx.Logger

	mu       sync.RWMutex
	channels map[string]Channel
	order    []string
	active   string
	limiter  *rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem
}

func NewRegistry(ratePerSec int, log logx.Logger) *Registry {
	r := &Registry{
		log:      log.With(logx.String("comp", "notifier")),
		channels: map[string]Channel{},
	}
	r.SetRate(ratePerSec)
	return r
}

// SetRate replaces the shared send limiter. Burst equals the rate.
func (r *Registry) SetRate(perSec int) {
	if perSec <= 0 {
		perSec = 5
	}
	r.mu.Lock()
	r.limiter = rate.NewLimiter(rate.Limit(perSec), perSec)
	r.mu.Unlock()
}

func (r *Registry) Register(ch Channel) {
	if ch == nil {
		return
	}
	name := ch.Name()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[name]; !ok {
		r.order = append(r.order, name)
	}
	r.channels[name] = ch
	if r.active == "" {
		r.active = name
	}
}

func (r *Registry) Use(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[name]; !ok {
		return fmt.Errorf("notifier: %w %q", ErrUnknownChannel, name)
	}
	if r.active != name {
		r.log.Info("active channel switched", logx.String("from", r.active), logx.String("to", name))
	}
	r.active = name
	return nil
}

func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Names lists channels in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Send delivers through the active channel.
func (r *Registry) Send(ctx context.Context, recipientID, text string) error {
	return r.SendVia(ctx, "", recipientID, text)
}

// SendVia delivers through the named channel, or the active one when
// channel is empty. Errors are always *DeliveryError.
func (r *Registry) SendVia(ctx context.Context, channel, recipientID, text string) error {
	return r.Deliver(ctx, channel, recipientID, text, 0)
}

// Deliver is SendVia with a deadline on the channel send alone. Waiting for
// the shared limiter uses ctx only, so a queue of sends longer than timeout
// is slowed down rather than failed. A zero timeout leaves ctx as is.
func (r *Registry) Deliver(ctx context.Context, channel, recipientID, text string, timeout time.Duration) error {
	r.mu.RLock()
	if channel == "" {
		channel = r.active
	}
	ch, ok := r.channels[channel]
	lim := r.limiter
	r.mu.RUnlock()

	if !ok {
		err := Unknown(channel, recipientID, ErrUnknownChannel)
		r.record(channel, recipientID, err)
		return err
	}
	if err := lim.Wait(ctx); err != nil {
		err = Transient(channel, recipientID, fmt.Errorf("rate limit wait: %w", err))
		r.record(channel, recipientID, err)
		return err
	}

	sctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := ch.Send(sctx, recipientID, text)
	if err != nil {
		var de *DeliveryError
		if !errors.As(err, &de) {
			err = &DeliveryError{Channel: channel, Recipient: recipientID, Kind: Classify(err), Err: err}
		}
	}
	r.record(channel, recipientID, err)
	return err
}

// DisplayName asks the named channel for a recipient's name. It returns ""
// when the channel cannot resolve names.
func (r *Registry) DisplayName(ctx context.Context, channel, recipientID string) string {
	if channel == "" {
		channel = r.Active()
	}
	ch, ok := r.Get(channel)
	if !ok {
		return ""
	}
	res, ok := ch.(NameResolver)
	if !ok {
		return ""
	}
	name, err := res.DisplayName(ctx, recipientID)
	if err != nil {
		r.log.Debug("display name lookup failed", logx.String("channel", channel), logx.Err(err))
		return ""
	}
	return name
}

func (r *Registry) record(channel, recipient string, err error) {
	it := HistoryItem{At: time.Now(), Channel: channel, Recipient: recipient, OK: err == nil}
	if err != nil {
		it.Kind = Classify(err)
		it.Error = err.Error()
	}
	r.hmu.Lock()
	r.history = append(r.history, it)
	if len(r.history) > historyCap {
		r.history = append([]HistoryItem(nil), r.history[len(r.history)-historyCap:]...)
	}
	r.hmu.Unlock()
}

// History returns up to n most recent send attempts, newest last.
func (r *Registry) History(n int) []HistoryItem {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	if n <= 0 || n > len(r.history) {
		n = len(r.history)
	}
	return append([]HistoryItem(nil), r.history[len(r.history)-n:]...)
}
