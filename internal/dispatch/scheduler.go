package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"reminderbot/internal/eventbus"
	logx "reminderbot/pkg/logx"
)

// Scheduler fires a tick at every minute boundary, finds reminders due at
// that exact minute and fans out one delivery unit per reminder.
//
// A tick that finds the previous tick still running is skipped, never
// queued. Delivery units run outside the tick and are tracked so Stop can
// wait for them within a grace period.
type Scheduler struct {
	log logx.Logger
	bus eventbus.Bus
	rec Recorder
	now func() time.Time

	mu   sync.Mutex
	cfg  Config
	deps Deps
	c    *cron.Cron

	ticking  atomic.Bool
	lastTick atomic.Pointer[TickReport]
	// dispatched is the last minute whose due query succeeded. Only the
	// tick body holding ticking reads or writes it.
	dispatched time.Time

	deliverCtx    context.Context
	deliverCancel context.CancelFunc
	slots         chan struct{}
	units         tracker
}

type Option func(*Scheduler)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

func WithRecorder(r Recorder) Option { return func(s *Scheduler) { s.rec = r } }

func WithBus(b eventbus.Bus) Option { return func(s *Scheduler) { s.bus = b } }

func New(cfg Config, deps Deps, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	dctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		log:           log.With(logx.String("comp", "dispatch")),
		bus:           eventbus.Nop{},
		rec:           nopRecorder{},
		now:           time.Now,
		cfg:           cfg,
		deps:          deps,
		deliverCtx:    dctx,
		deliverCancel: cancel,
		slots:         make(chan struct{}, cfg.DeliveryConcurrency),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Bind replaces the dependencies checked by the readiness gate.
func (s *Scheduler) Bind(deps Deps) {
	s.mu.Lock()
	s.deps = deps
	s.mu.Unlock()
}

// Start installs the cron trigger. It is a no-op when disabled or started.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled; only manual dispatch is available")
		return nil
	}
	return s.startLocked()
}

func (s *Scheduler) startLocked() error {
	c := cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
	)
	if _, err := c.AddFunc(s.cfg.Spec, s.onTimer); err != nil {
		return fmt.Errorf("dispatch: trigger spec %q: %w", s.cfg.Spec, err)
	}
	c.Start()
	s.c = c
	s.log.Info("scheduler started", logx.String("tz", s.cfg.Location.String()), logx.String("spec", s.cfg.Spec))
	return nil
}

// Apply swaps live settings. A timezone or trigger change restarts the
// trigger; in-flight ticks and deliveries are unaffected.
func (s *Scheduler) Apply(cfg Config) error {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cfg
	// The slot pool is sized once; concurrency changes apply after restart.
	cfg.DeliveryConcurrency = old.DeliveryConcurrency
	s.cfg = cfg

	restart := old.Location.String() != cfg.Location.String() || old.Spec != cfg.Spec || old.Enabled != cfg.Enabled
	if !restart {
		return nil
	}
	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
	if !cfg.Enabled {
		s.log.Info("scheduler disabled by config")
		return nil
	}
	return s.startLocked()
}

func (s *Scheduler) onTimer() {
	_, _ = s.tick(s.deliverCtx, "timer")
}

// RunNow runs one tick synchronously with the same algorithm and guard as
// the timer. Deliveries it starts continue in the background; use
// WaitDeliveries to await them.
func (s *Scheduler) RunNow(ctx context.Context) (TickReport, error) {
	return s.tick(ctx, "manual")
}

// WaitDeliveries blocks until every outstanding delivery unit finished or
// ctx ends.
func (s *Scheduler) WaitDeliveries(ctx context.Context) error {
	return s.units.wait(ctx)
}

// Stop removes the trigger, waits for a running tick body, then gives
// outstanding deliveries up to the shutdown grace before abandoning them.
func (s *Scheduler) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	grace := s.cfg.ShutdownGrace
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	gctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	err := s.WaitDeliveries(gctx)
	if err != nil {
		s.log.Warn("abandoning in-flight deliveries", logx.Int("inflight", s.units.count()), logx.Duration("grace", grace))
	}
	s.deliverCancel()
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return err
}

// Ready reports ErrNotReady while a dependency is missing.
func (s *Scheduler) Ready() error {
	s.mu.Lock()
	deps := s.deps
	s.mu.Unlock()
	if missing := deps.missing(); missing != "" {
		return fmt.Errorf("%w: %s", ErrNotReady, missing)
	}
	return nil
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	st := Status{
		Enabled:  s.cfg.Enabled,
		Running:  s.c != nil,
		Timezone: s.cfg.Location.String(),
	}
	s.mu.Unlock()
	st.Ticking = s.ticking.Load()
	st.Inflight = int64(s.units.count())
	st.LastTick = s.lastTick.Load()
	return st
}
