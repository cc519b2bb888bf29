package bot

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminderbot/internal/dispatch"
	"reminderbot/internal/reminders"
	"reminderbot/internal/storage"
	kit "reminderbot/internal/transport"
	logx "reminderbot/pkg/logx"
)

type recorder struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recorder) Reply(_ context.Context, chatID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, chatID+": "+text)
	return nil
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func (r *recorder) last() string {
	all := r.all()
	if len(all) == 0 {
		return ""
	}
	return all[len(all)-1]
}

type fakeDispatcher struct {
	rep dispatch.TickReport
	err error
}

func (f *fakeDispatcher) RunNow(context.Context) (dispatch.TickReport, error) { return f.rep, f.err }
func (f *fakeDispatcher) WaitDeliveries(context.Context) error                { return nil }

func newRouter(t *testing.T, disp Dispatcher, opts ...Option) (*Router, *recorder, storage.Store) {
	t.Helper()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	svc := reminders.New(st, "", logx.Nop(), nil)
	owners := func(channel, user string) bool { return channel == "telegram" && user == "1" }
	r := New(svc, disp, owners, logx.Nop(), opts...)
	rec := &recorder{}
	r.AddReplier("telegram", rec)
	return r, rec, st
}

func msg(from, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		Channel: "telegram", ChatID: from, FromID: from, Text: text, IsPrivate: true,
	}}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, name, args string
		ok             bool
	}{
		{"!l", "l", "", true},
		{"/list@ReminderBot", "list", "", true},
		{"  !dr 08:00 Drink water ", "dr", "08:00 Drink water", true},
		{"!", "", "", false},
		{"hello", "", "", false},
	}
	for _, tc := range cases {
		name, args, ok := parseCommand(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.name, name, tc.in)
		assert.Equal(t, tc.args, args, tc.in)
	}
}

func TestInteractiveCreateThenListAndDelete(t *testing.T) {
	t.Parallel()
	r, rec, st := newRouter(t, nil)
	ctx := context.Background()

	r.Handle(ctx, msg("7", "!r"))
	assert.Equal(t, "7: "+promptPersona, rec.last())
	r.Handle(ctx, msg("7", "yoda"))
	assert.Equal(t, "7: "+promptTime, rec.last())
	r.Handle(ctx, msg("7", "08:00"))
	assert.Equal(t, "7: "+promptLabel, rec.last())
	r.Handle(ctx, msg("7", "Drink water"))
	assert.Equal(t, "7: Sweet. `yoda` will remind you at 08:00 to `Drink water`.", rec.last())
	assert.Equal(t, 0, r.Pending())

	due, err := st.DueAt(ctx, "08:00", "")
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "telegram", due[0].ChannelID)
	assert.Equal(t, "7", due[0].OwnerID)

	r.Handle(ctx, msg("7", "!l"))
	assert.Equal(t, "7: - 08:00 :: Drink water [yoda]", rec.last())

	r.Handle(ctx, msg("7", "!dr 08:00 Drink water"))
	assert.Equal(t, "7: Deleted reminder `Drink water` at 08:00.", rec.last())
	r.Handle(ctx, msg("7", "!dr 08:00 Drink water"))
	assert.Equal(t, "7: I couldn't find a matching reminder to delete.", rec.last())
	r.Handle(ctx, msg("7", "!dr 08:00"))
	assert.Equal(t, "7: "+usageDelete, rec.last())
}

func TestInteractiveBadTimeIsReported(t *testing.T) {
	t.Parallel()
	r, rec, _ := newRouter(t, nil)
	ctx := context.Background()

	for _, text := range []string{"!r", "yoda", "8:00", "water"} {
		r.Handle(ctx, msg("7", text))
	}
	assert.Equal(t, "7: Invalid time format. Please use 24-hour HH:MM like `08:00`.", rec.last())
}

func TestOneShotRemind(t *testing.T) {
	t.Parallel()
	r, rec, _ := newRouter(t, nil)
	ctx := context.Background()

	r.Handle(ctx, msg("7", "!remind 21:30 pirate | Go to bed"))
	assert.Equal(t, "7: Sweet. `pirate` will remind you at 21:30 to `Go to bed`.", rec.last())

	r.Handle(ctx, msg("7", "!remind 21:30 pirate"))
	assert.Equal(t, "7: "+usageRemind, rec.last())
}

func TestPromptTimeout(t *testing.T) {
	t.Parallel()
	r, rec, _ := newRouter(t, nil, WithPromptTimeout(30*time.Millisecond))
	ctx := context.Background()

	r.Handle(ctx, msg("7", "!r"))
	require.Eventually(t, func() bool { return rec.last() == "7: "+msgTimedOut }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, r.Pending())

	// late answers are ignored
	n := len(rec.all())
	r.Handle(ctx, msg("7", "yoda"))
	assert.Len(t, rec.all(), n)
}

func TestCommandAbandonsFlow(t *testing.T) {
	t.Parallel()
	r, rec, _ := newRouter(t, nil)
	ctx := context.Background()

	r.Handle(ctx, msg("7", "!r"))
	r.Handle(ctx, msg("7", "!l"))
	assert.Equal(t, 0, r.Pending())
	assert.Equal(t, "7: You don't have any active reminders.", rec.last())

	// sessions are per user
	r.Handle(ctx, msg("7", "!r"))
	r.Handle(ctx, msg("8", "yoda"))
	assert.Equal(t, 1, r.Pending())
	assert.Equal(t, "7: "+promptPersona, rec.last())
}

func TestRunBatchOwnerOnly(t *testing.T) {
	t.Parallel()
	disp := &fakeDispatcher{rep: dispatch.TickReport{Key: "08:00", Due: 2}}
	r, rec, _ := newRouter(t, disp)
	ctx := context.Background()

	r.Handle(ctx, msg("7", "!runbatch"))
	assert.Equal(t, "7: "+msgOwnersOnly, rec.last())

	r.Handle(ctx, msg("1", "!runbatch"))
	assert.Equal(t, "1: Dispatch attempt complete. 2 reminder(s) were due at 08:00.", rec.last())

	disp.err = dispatch.ErrTickInProgress
	r.Handle(ctx, msg("1", "!runbatch"))
	assert.Contains(t, rec.last(), "already running")

	disp.err = nil
	disp.rep = dispatch.TickReport{Key: "08:00", Result: dispatch.ResultAlreadyDispatched}
	r.Handle(ctx, msg("1", "!runbatch"))
	assert.Equal(t, "1: Reminders for 08:00 were already dispatched this minute.", rec.last())
}

func TestHelpAndUnknown(t *testing.T) {
	t.Parallel()
	r, rec, _ := newRouter(t, nil)
	ctx := context.Background()

	r.Handle(ctx, msg("7", "!helpme"))
	assert.Contains(t, rec.last(), "`!dr HH:MM <label>` - delete a reminder")
	assert.NotContains(t, rec.last(), "runbatch")

	r.Handle(ctx, msg("1", "/help"))
	assert.Contains(t, rec.last(), "runbatch")

	r.Handle(ctx, msg("7", "!bogus"))
	assert.Equal(t, "7: "+msgUnknown, rec.last())

	names := []string{}
	for _, c := range r.Commands() {
		names = append(names, c.Command)
	}
	assert.Equal(t, []string{"remind", "list", "delete", "helpme"}, names)
}

func TestRunStopsOnClosedInput(t *testing.T) {
	t.Parallel()
	r, rec, _ := newRouter(t, nil)
	in := make(chan kit.Update, 2)
	in <- msg("7", "!l")
	close(in)
	require.NoError(t, r.Run(context.Background(), in))
	assert.Equal(t, []string{"7: You don't have any active reminders."}, rec.all())
}
