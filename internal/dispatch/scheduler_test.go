package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"reminderbot/internal/model"
	"reminderbot/internal/notifier"
	"reminderbot/internal/render"
	logx "reminderbot/pkg/logx"
)

type fakeStore struct {
	mu      sync.Mutex
	byKey   map[string][]model.Due
	keys    []string
	err     error
	block   chan struct{}
	entered chan struct{}
}

func (f *fakeStore) DueAt(ctx context.Context, key, channel string) ([]model.Due, error) {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	block, entered := f.block, f.entered
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.Due(nil), f.byKey[key]...), nil
}

type fakeRenderer struct{}

func (fakeRenderer) Render(_ context.Context, req render.Request) string {
	return render.Fallback(req.Label) + "|" + req.RecipientName
}

type fakeChannels struct {
	mu     sync.Mutex
	sent   []string
	failTo map[string]error
	names  map[string]string
}

func (f *fakeChannels) Deliver(_ context.Context, channel, to, text string, _ time.Duration) error {
	if err := f.failTo[to]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, channel+"/"+to+"/"+text)
	return nil
}

func (f *fakeChannels) DisplayName(_ context.Context, _, to string) string { return f.names[to] }

func (f *fakeChannels) Len() int { return 1 }

func (f *fakeChannels) sorted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.sent...)
	sort.Strings(out)
	return out
}

type recorder struct {
	mu         sync.Mutex
	ticks      []string
	deliveries []string
}

func (r *recorder) TickFinished(result string, _ time.Duration, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, result)
}

func (r *recorder) DeliveryFinished(channel, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, channel+":"+result)
}

func (r *recorder) InflightDelta(int) {}

var est = time.FixedZone("EST", -5*3600)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func newTestScheduler(store DueSource, ch Channels, now time.Time, rec Recorder) *Scheduler {
	return New(
		Config{Location: est, SendTimeout: time.Second, ShutdownGrace: time.Second},
		Deps{Store: store, Renderer: fakeRenderer{}, Channels: ch},
		logx.Nop(),
		WithClock(fixedClock(now)),
		WithRecorder(rec),
	)
}

func waitDeliveries(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.WaitDeliveries(ctx))
}

func TestTickUsesExactMinuteInZone(t *testing.T) {
	t.Parallel()

	store := &fakeStore{byKey: map[string][]model.Due{
		"08:00": {{OwnerID: "U1", ChannelID: "telegram", Persona: "yoda", Label: "Drink water"}},
		"08:01": {{OwnerID: "U9", ChannelID: "telegram", Persona: "yoda", Label: "late"}},
	}}
	ch := &fakeChannels{}
	// 13:00:37 UTC is 08:00:37 in EST.
	s := newTestScheduler(store, ch, time.Date(2026, 1, 5, 13, 0, 37, 0, time.UTC), &recorder{})

	rep, err := s.RunNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, "08:00", rep.Key)
	require.Equal(t, 1, rep.Due)
	require.Equal(t, "ok", rep.Result)
	require.Equal(t, time.Date(2026, 1, 5, 8, 0, 0, 0, est), rep.At)

	waitDeliveries(t, s)
	require.Equal(t, []string{"telegram/U1/Remember to Drink water.|"}, ch.sorted())
	require.Equal(t, []string{"08:00"}, store.keys)
}

func TestConsecutiveMinutesDoNotRedeliver(t *testing.T) {
	t.Parallel()

	store := &fakeStore{byKey: map[string][]model.Due{
		"08:00": {{OwnerID: "U1", ChannelID: "telegram", Persona: "p", Label: "water"}},
	}}
	ch := &fakeChannels{}
	now := time.Date(2026, 1, 5, 8, 0, 5, 0, est)
	s := New(Config{Location: est}, Deps{Store: store, Renderer: fakeRenderer{}, Channels: ch}, logx.Nop(),
		WithClock(func() time.Time { return now }))

	_, err := s.RunNow(context.Background())
	require.NoError(t, err)
	waitDeliveries(t, s)

	now = now.Add(time.Minute)
	rep, err := s.RunNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, "08:01", rep.Key)
	require.Equal(t, "empty", rep.Result)
	waitDeliveries(t, s)

	require.Len(t, ch.sorted(), 1)
}

func TestDeliveryFailuresAreIsolated(t *testing.T) {
	t.Parallel()

	store := &fakeStore{byKey: map[string][]model.Due{
		"19:30": {
			{OwnerID: "U1", ChannelID: "discord", Persona: "p", Label: "a"},
			{OwnerID: "U2", ChannelID: "discord", Persona: "p", Label: "b"},
			{OwnerID: "U3", ChannelID: "discord", Persona: "p", Label: "c"},
		},
	}}
	ch := &fakeChannels{
		failTo: map[string]error{"U2": notifier.Unreachable("discord", "U2", errors.New("dms closed"))},
		names:  map[string]string{"U1": "Alex"},
	}
	rec := &recorder{}
	s := New(Config{Location: est, ResolveNames: true}, Deps{Store: store, Renderer: fakeRenderer{}, Channels: ch}, logx.Nop(),
		WithClock(fixedClock(time.Date(2026, 6, 1, 19, 30, 0, 0, est))), WithRecorder(rec))

	rep, err := s.RunNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, rep.Due)
	waitDeliveries(t, s)

	require.Equal(t, []string{
		"discord/U1/Remember to a.|Alex",
		"discord/U3/Remember to c.|",
	}, ch.sorted())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	sort.Strings(rec.deliveries)
	require.Equal(t, []string{"discord:sent", "discord:sent", "discord:unreachable"}, rec.deliveries)
}

func TestStoreFailureEndsTickWithoutDeliveries(t *testing.T) {
	t.Parallel()

	store := &fakeStore{err: errors.New("disk gone")}
	ch := &fakeChannels{}
	rec := &recorder{}
	s := newTestScheduler(store, ch, time.Date(2026, 1, 5, 13, 0, 0, 0, time.UTC), rec)

	rep, err := s.RunNow(context.Background())
	require.ErrorContains(t, err, "disk gone")
	require.Equal(t, "store_error", rep.Result)
	waitDeliveries(t, s)
	require.Empty(t, ch.sorted())
	require.Equal(t, []string{"store_error"}, rec.ticks)

	// The scheduler keeps working once the store recovers.
	store.err = nil
	_, err = s.RunNow(context.Background())
	require.NoError(t, err)
}

func TestReadinessGate(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	s := New(Config{Location: est}, Deps{Renderer: fakeRenderer{}, Channels: &fakeChannels{}}, logx.Nop(), WithRecorder(rec))

	require.ErrorIs(t, s.Ready(), ErrNotReady)
	rep, err := s.RunNow(context.Background())
	require.ErrorIs(t, err, ErrNotReady)
	require.Equal(t, "not_ready", rep.Result)

	s.Bind(Deps{Store: &fakeStore{}, Renderer: fakeRenderer{}, Channels: &fakeChannels{}})
	require.NoError(t, s.Ready())
	_, err = s.RunNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"not_ready", "empty"}, rec.ticks)
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	t.Parallel()

	store := &fakeStore{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	rec := &recorder{}
	s := newTestScheduler(store, &fakeChannels{}, time.Date(2026, 1, 5, 13, 0, 0, 0, time.UTC), rec)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background())
		done <- err
	}()
	<-store.entered
	require.True(t, s.Status().Ticking)

	rep, err := s.RunNow(context.Background())
	require.ErrorIs(t, err, ErrTickInProgress)
	require.Equal(t, "skipped", rep.Result)

	close(store.block)
	require.NoError(t, <-done)
	require.False(t, s.Status().Ticking)

	store.mu.Lock()
	require.Len(t, store.keys, 1)
	store.mu.Unlock()
}

type blockingChannels struct {
	fakeChannels
	release chan struct{}
}

func (b *blockingChannels) Deliver(ctx context.Context, channel, to, text string, timeout time.Duration) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.fakeChannels.Deliver(ctx, channel, to, text, timeout)
}

func TestStopAbandonsDeliveriesAfterGrace(t *testing.T) {
	t.Parallel()

	store := &fakeStore{byKey: map[string][]model.Due{
		"08:00": {{OwnerID: "U1", Persona: "p", Label: "slow"}},
	}}
	ch := &blockingChannels{release: make(chan struct{})}
	s := New(Config{Location: est, SendTimeout: time.Minute, ShutdownGrace: 50 * time.Millisecond},
		Deps{Store: store, Renderer: fakeRenderer{}, Channels: ch}, logx.Nop(),
		WithClock(fixedClock(time.Date(2026, 1, 5, 8, 0, 0, 0, est))))

	_, err := s.RunNow(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Status().Inflight == 1 }, time.Second, 5*time.Millisecond)

	err = s.Stop(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Abandoned units observe the canceled delivery context and exit.
	require.Eventually(t, func() bool { return s.Status().Inflight == 0 }, time.Second, 5*time.Millisecond)
	require.Empty(t, ch.sorted())
}

func TestBoundedDeliveryConcurrency(t *testing.T) {
	t.Parallel()

	var dues []model.Due
	for _, id := range []string{"U1", "U2", "U3", "U4", "U5"} {
		dues = append(dues, model.Due{OwnerID: id, Persona: "p", Label: "x"})
	}
	store := &fakeStore{byKey: map[string][]model.Due{"08:00": dues}}
	ch := &blockingChannels{release: make(chan struct{})}
	s := New(Config{Location: est, DeliveryConcurrency: 2, SendTimeout: time.Minute},
		Deps{Store: store, Renderer: fakeRenderer{}, Channels: ch}, logx.Nop(),
		WithClock(fixedClock(time.Date(2026, 1, 5, 8, 0, 0, 0, est))))

	rep, err := s.RunNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, rep.Due)
	require.Equal(t, 5, s.units.count())
	require.Eventually(t, func() bool { return len(s.slots) == 2 }, time.Second, 5*time.Millisecond)

	close(ch.release)
	waitDeliveries(t, s)
	require.Len(t, ch.sorted(), 5)
}

func TestStartDisabledIsNoop(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: false, Location: est}, Deps{}, logx.Nop())
	require.NoError(t, s.Start())
	require.False(t, s.Status().Running)

	require.NoError(t, s.Apply(Config{Enabled: true, Location: time.UTC}))
	require.True(t, s.Status().Running)
	require.Equal(t, "UTC", s.Status().Timezone)
	require.NoError(t, s.Stop(context.Background()))
	require.False(t, s.Status().Running)
}

func TestStartRejectsBadSpec(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Location: est, Spec: "every minute please"}, Deps{}, logx.Nop())
	require.Error(t, s.Start())
}

func TestSecondTriggerInSameMinuteIsSkipped(t *testing.T) {
	t.Parallel()

	store := &fakeStore{byKey: map[string][]model.Due{
		"08:00": {{OwnerID: "U1", ChannelID: "telegram", Persona: "p", Label: "water"}},
	}}
	ch := &fakeChannels{}
	rec := &recorder{}
	now := time.Date(2026, 1, 5, 8, 0, 10, 0, est)
	var mu sync.Mutex
	s := New(Config{Location: est}, Deps{Store: store, Renderer: fakeRenderer{}, Channels: ch}, logx.Nop(),
		WithRecorder(rec),
		WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}))

	rep, err := s.tick(context.Background(), "timer")
	require.NoError(t, err)
	require.Equal(t, "ok", rep.Result)
	waitDeliveries(t, s)

	mu.Lock()
	now = now.Add(30 * time.Second)
	mu.Unlock()
	rep, err = s.RunNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, ResultAlreadyDispatched, rep.Result)
	require.Equal(t, "08:00", rep.Key)
	waitDeliveries(t, s)

	require.Equal(t, []string{"telegram/U1/Remember to water.|"}, ch.sorted())
	require.Equal(t, []string{"08:00"}, store.keys)
	require.Equal(t, []string{"ok", ResultAlreadyDispatched}, rec.ticks)

	// The next minute dispatches normally.
	mu.Lock()
	now = now.Add(time.Minute)
	mu.Unlock()
	rep, err = s.RunNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, "08:01", rep.Key)
	require.Equal(t, "empty", rep.Result)
}

func TestSameClockMinuteOnAnotherDayDispatches(t *testing.T) {
	t.Parallel()

	store := &fakeStore{byKey: map[string][]model.Due{
		"08:00": {{OwnerID: "U1", Persona: "p", Label: "water"}},
	}}
	ch := &fakeChannels{}
	now := time.Date(2026, 1, 5, 8, 0, 0, 0, est)
	var mu sync.Mutex
	s := New(Config{Location: est}, Deps{Store: store, Renderer: fakeRenderer{}, Channels: ch}, logx.Nop(),
		WithClock(func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}))

	_, err := s.RunNow(context.Background())
	require.NoError(t, err)
	waitDeliveries(t, s)

	mu.Lock()
	now = now.AddDate(0, 0, 1)
	mu.Unlock()
	rep, err := s.RunNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", rep.Result)
	waitDeliveries(t, s)
	require.Len(t, ch.sorted(), 2)
}

func TestRateLimitedTickDeliversEveryDueReminder(t *testing.T) {
	t.Parallel()

	var dues []model.Due
	for i := 0; i < 45; i++ {
		dues = append(dues, model.Due{OwnerID: fmt.Sprintf("U%d", i), Persona: "p", Label: "x"})
	}
	store := &fakeStore{byKey: map[string][]model.Due{"08:00": dues}}
	reg := notifier.NewRegistry(30, logx.Nop())
	reg.Register(notifier.NewConsole(logx.Nop()))
	rec := &recorder{}
	// The queue behind the limiter is far longer than the send timeout.
	s := New(Config{Location: est, SendTimeout: 5 * time.Millisecond},
		Deps{Store: store, Renderer: fakeRenderer{}, Channels: reg}, logx.Nop(),
		WithClock(fixedClock(time.Date(2026, 1, 5, 8, 0, 0, 0, est))), WithRecorder(rec))

	rep, err := s.RunNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 45, rep.Due)
	waitDeliveries(t, s)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.deliveries, 45)
	for _, d := range rec.deliveries {
		require.Equal(t, "active:sent", d)
	}
}
