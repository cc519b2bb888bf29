package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"reminderbot/internal/eventbus"
	"reminderbot/internal/model"
	"reminderbot/internal/notifier"
	"reminderbot/internal/render"
	logx "reminderbot/pkg/logx"
)

func (s *Scheduler) tick(ctx context.Context, trigger string) (rep TickReport, err error) {
	rep.Trigger = trigger
	if !s.ticking.CompareAndSwap(false, true) {
		s.log.Warn("tick skipped; previous tick still running", logx.String("trigger", trigger))
		s.rec.TickFinished("skipped", 0, 0)
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTickSkipped, Data: trigger})
		rep.Result = "skipped"
		return rep, ErrTickInProgress
	}
	defer s.ticking.Store(false)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("tick panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			rep.Result = "panic"
			err = fmt.Errorf("dispatch: tick panic: %v", r)
		}
		rep.Took = time.Since(start)
		if rep.Result != "not_ready" {
			cp := rep
			s.lastTick.Store(&cp)
		}
	}()

	s.mu.Lock()
	deps := s.deps
	loc := s.cfg.Location
	s.mu.Unlock()

	if missing := deps.missing(); missing != "" {
		s.log.Warn("tick skipped; scheduler not ready", logx.String("missing", missing), logx.String("trigger", trigger))
		s.rec.TickFinished("not_ready", 0, 0)
		rep.Result = "not_ready"
		return rep, fmt.Errorf("%w: %s", ErrNotReady, missing)
	}

	n := s.now().In(loc)
	at := time.Date(n.Year(), n.Month(), n.Day(), n.Hour(), n.Minute(), 0, 0, loc)
	rep.At = at
	rep.Key = model.TimeOfDayOf(at).Key()

	if at.Equal(s.dispatched) {
		s.log.Info("tick skipped; minute already dispatched", logx.String("key", rep.Key), logx.String("trigger", trigger))
		s.rec.TickFinished(ResultAlreadyDispatched, time.Since(start), 0)
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTickSkipped, Data: trigger})
		rep.Result = ResultAlreadyDispatched
		return rep, nil
	}

	due, qerr := deps.Store.DueAt(ctx, rep.Key, "")
	if qerr != nil {
		s.log.Error("due query failed; no deliveries this tick", logx.String("key", rep.Key), logx.Err(qerr))
		s.rec.TickFinished("store_error", time.Since(start), 0)
		rep.Result = "store_error"
		return rep, fmt.Errorf("dispatch: due query %s: %w", rep.Key, qerr)
	}

	s.dispatched = at
	rep.Due = len(due)
	for _, d := range due {
		d.SendAt = at
		s.spawn(d, deps)
	}

	if len(due) == 0 {
		rep.Result = "empty"
		s.log.Debug("tick: nothing due", logx.String("key", rep.Key), logx.String("trigger", trigger))
	} else {
		rep.Result = "ok"
		s.log.Info("tick dispatched", logx.String("key", rep.Key), logx.Int("due", len(due)), logx.String("trigger", trigger))
	}
	s.rec.TickFinished(rep.Result, time.Since(start), len(due))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTick, Data: rep})
	return rep, nil
}

func (d Deps) missing() string {
	switch {
	case d.Store == nil:
		return "store"
	case d.Renderer == nil:
		return "renderer"
	case d.Channels == nil || d.Channels.Len() == 0:
		return "channel"
	}
	return ""
}

// spawn starts one delivery unit. It never blocks the caller: a unit that
// finds every slot taken waits for one in its own goroutine.
func (s *Scheduler) spawn(d model.Due, deps Deps) {
	s.units.add()
	s.rec.InflightDelta(1)
	ctx := s.deliverCtx

	go func() {
		defer func() {
			s.units.done()
			s.rec.InflightDelta(-1)
		}()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("delivery panicked", logx.String("owner", d.OwnerID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				s.rec.DeliveryFinished(channelLabel(d.ChannelID), "panic")
			}
		}()

		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			s.rec.DeliveryFinished(channelLabel(d.ChannelID), "abandoned")
			return
		}
		defer func() { <-s.slots }()

		s.deliver(ctx, d, deps)
	}()
}

func (s *Scheduler) deliver(ctx context.Context, d model.Due, deps Deps) {
	log := s.log.With(logx.String("owner", d.OwnerID), logx.String("channel", channelLabel(d.ChannelID)), logx.String("label", d.Label))

	if delay := d.SendAt.Sub(s.now()); delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			s.rec.DeliveryFinished(channelLabel(d.ChannelID), "abandoned")
			return
		}
	}

	s.mu.Lock()
	sendTimeout := s.cfg.SendTimeout
	resolve := s.cfg.ResolveNames
	s.mu.Unlock()

	var name string
	if resolve {
		nctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		name = deps.Channels.DisplayName(nctx, d.ChannelID, d.OwnerID)
		cancel()
	}

	text := deps.Renderer.Render(ctx, render.Request{Persona: d.Persona, Label: d.Label, RecipientName: name})

	if err := deps.Channels.Deliver(ctx, d.ChannelID, d.OwnerID, text, sendTimeout); err != nil {
		kind := notifier.Classify(err)
		log.Warn("delivery failed", logx.String("kind", string(kind)), logx.Err(err))
		s.rec.DeliveryFinished(channelLabel(d.ChannelID), string(kind))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderFailed, Data: d})
		return
	}
	log.Debug("reminder delivered")
	s.rec.DeliveryFinished(channelLabel(d.ChannelID), "sent")
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderSent, Data: d})
}

func channelLabel(id string) string {
	if id == "" {
		return "active"
	}
	return id
}

// tracker counts outstanding delivery units. Unlike sync.WaitGroup it
// tolerates new units being added while someone waits.
type tracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func (t *tracker) add() {
	t.mu.Lock()
	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n++
	t.mu.Unlock()
}

func (t *tracker) done() {
	t.mu.Lock()
	t.n--
	if t.n == 0 {
		close(t.idle)
	}
	t.mu.Unlock()
}

func (t *tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

func (t *tracker) wait(ctx context.Context) error {
	t.mu.Lock()
	if t.n == 0 {
		t.mu.Unlock()
		return nil
	}
	idle := t.idle
	t.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
