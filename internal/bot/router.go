// Package bot turns chat messages into reminder operations.
//
// Commands start with "!" or "/". The interactive create flow asks for a
// persona, a time and a label in turn; each answer must arrive within the
// prompt timeout and any new command abandons the flow.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"reminderbot/internal/dispatch"
	"reminderbot/internal/reminders"
	kit "reminderbot/internal/transport"
	logx "reminderbot/pkg/logx"
)

const (
	promptPersona = "Who should remind you? (ex: batman, gremlin best friend, soft voice)"
	promptTime    = "What time should I remind you? (24-hour HH:MM, ex: 08:00, 14:30)"
	promptLabel   = "What do you want to be reminded to do? (ex: Take meds, Drink water, Do stretches)"
	msgTimedOut   = "You took too long to respond. Please start over with `!r`."
	msgOwnersOnly = "Only bot owners can do that."
	msgUnknown    = "I don't know that command. Try `!helpme`."
	msgFailed     = "Something went wrong. Please try again."

	usageDelete = "Usage: `!dr HH:MM <label>`"
	usageRemind = "Usage: `!r` for the guided flow, or `!r HH:MM persona | label`"
)

// Replier sends a reply into the chat a command came from.
type Replier interface {
	Reply(ctx context.Context, chatID, text string) error
}

// Dispatcher is the manual trigger behind the runbatch command.
type Dispatcher interface {
	RunNow(ctx context.Context) (dispatch.TickReport, error)
	WaitDeliveries(ctx context.Context) error
}

// OwnerFunc reports whether userID on the named channel may run owner
// commands.
type OwnerFunc func(channel, userID string) bool

type Request struct {
	Msg     *kit.Message
	Command string
	Args    string
}

type Command struct {
	Name        string
	Aliases     []string
	Usage       string
	Description string
	OwnerOnly   bool
	Handle      HandlerFunc
}

type sessionKey struct{ channel, chat, user string }

type session struct {
	step    int
	persona string
	at      string
	gen     uint64
	timer   *time.Timer
}

type Router struct {
	log      logx.Logger
	svc      *reminders.Service
	disp     Dispatcher
	isOwner  OwnerFunc
	timeout  time.Duration
	cmdLimit time.Duration

	cmds  []*Command
	index map[string]*Command

	rmu      sync.RWMutex
	repliers map[string]Replier

	mu       sync.Mutex
	sessions map[sessionKey]*session
	gen      uint64
	base     context.Context
}

type Option func(*Router)

// WithPromptTimeout sets how long each interactive prompt waits for an
// answer. Default 30s.
func WithPromptTimeout(d time.Duration) Option { return func(r *Router) { r.timeout = d } }

func WithCommandTimeout(d time.Duration) Option { return func(r *Router) { r.cmdLimit = d } }

func New(svc *reminders.Service, disp Dispatcher, isOwner OwnerFunc, log logx.Logger, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if isOwner == nil {
		isOwner = func(string, string) bool { return false }
	}
	r := &Router{
		log:      log.With(logx.String("comp", "bot")),
		svc:      svc,
		disp:     disp,
		isOwner:  isOwner,
		timeout:  30 * time.Second,
		cmdLimit: 15 * time.Second,
		index:    map[string]*Command{},
		repliers: map[string]Replier{},
		sessions: map[sessionKey]*session{},
		base:     context.Background(),
	}
	for _, o := range opts {
		o(r)
	}
	r.register()
	return r
}

// AddReplier routes replies for messages from the named adapter.
func (r *Router) AddReplier(channel string, rp Replier) {
	r.rmu.Lock()
	r.repliers[channel] = rp
	r.rmu.Unlock()
}

// Commands lists the public commands for platform menus.
func (r *Router) Commands() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(r.cmds))
	for _, c := range r.cmds {
		if c.OwnerOnly {
			continue
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// Run handles updates until ctx ends or in is closed.
func (r *Router) Run(ctx context.Context, in <-chan kit.Update) error {
	r.mu.Lock()
	r.base = ctx
	r.mu.Unlock()
	defer r.dropSessions()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-in:
			if !ok {
				return nil
			}
			r.Handle(ctx, up)
		}
	}
}

func (r *Router) Handle(ctx context.Context, up kit.Update) {
	m := up.Message
	if m == nil || strings.TrimSpace(m.Text) == "" {
		return
	}
	key := sessionKey{m.Channel, m.ChatID, m.FromID}
	name, args, isCmd := parseCommand(m.Text)
	if !isCmd {
		r.answer(ctx, key, m)
		return
	}
	r.endSession(key)

	cmd, ok := r.index[name]
	if !ok {
		if m.IsPrivate {
			r.reply(ctx, m, msgUnknown)
		}
		return
	}
	if cmd.OwnerOnly && !r.isOwner(m.Channel, m.FromID) {
		r.reply(ctx, m, msgOwnersOnly)
		return
	}
	h := Chain(cmd.Handle, MWRequestLog(r.log), MWPanicRecover(r.log), MWTimeout(r.cmdLimit))
	if err := h(ctx, &Request{Msg: m, Command: cmd.Name, Args: args}); err != nil {
		r.reply(ctx, m, msgFailed)
	}
}

// parseCommand splits "!dr 08:00 Drink water" into ("dr", "08:00 Drink
// water"). A Telegram "@botname" suffix on the command is dropped.
func parseCommand(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if len(text) < 2 || (text[0] != '!' && text[0] != '/') {
		return "", "", false
	}
	body := text[1:]
	name, args, _ = strings.Cut(body, " ")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", "", false
	}
	return name, strings.TrimSpace(args), true
}

func (r *Router) reply(ctx context.Context, m *kit.Message, text string) {
	r.rmu.RLock()
	rp := r.repliers[m.Channel]
	r.rmu.RUnlock()
	if rp == nil {
		r.log.Warn("no replier for channel", logx.String("channel", m.Channel))
		return
	}
	if err := rp.Reply(ctx, m.ChatID, text); err != nil {
		r.log.Warn("reply failed", logx.String("channel", m.Channel), logx.String("chat_id", m.ChatID), logx.Err(err))
	}
}

func (r *Router) service(m *kit.Message) *reminders.Service {
	return r.svc.ForChannel(m.Channel)
}

// ---- interactive create flow ----

func (r *Router) startSession(ctx context.Context, m *kit.Message) {
	key := sessionKey{m.Channel, m.ChatID, m.FromID}
	r.mu.Lock()
	s := &session{}
	r.sessions[key] = s
	r.armLocked(key, s, m)
	r.mu.Unlock()
	r.reply(ctx, m, promptPersona)
}

// armLocked restarts the prompt timer for the session's current step.
func (r *Router) armLocked(key sessionKey, s *session, m *kit.Message) {
	if s.timer != nil {
		s.timer.Stop()
	}
	r.gen++
	s.gen = r.gen
	gen := s.gen
	msg := *m
	s.timer = time.AfterFunc(r.timeout, func() {
		r.mu.Lock()
		cur, ok := r.sessions[key]
		if !ok || cur.gen != gen {
			r.mu.Unlock()
			return
		}
		delete(r.sessions, key)
		base := r.base
		r.mu.Unlock()

		r.log.Info("interactive prompt timed out", logx.String("from_id", key.user), logx.Int("step", cur.step))
		ctx, cancel := context.WithTimeout(base, 10*time.Second)
		defer cancel()
		r.reply(ctx, &msg, msgTimedOut)
	})
}

func (r *Router) answer(ctx context.Context, key sessionKey, m *kit.Message) {
	text := strings.TrimSpace(m.Text)

	r.mu.Lock()
	s, ok := r.sessions[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	var prompt string
	done := false
	switch s.step {
	case 0:
		s.persona = text
		prompt = promptTime
	case 1:
		s.at = text
		prompt = promptLabel
	default:
		done = true
	}
	s.step++
	if done {
		s.timer.Stop()
		delete(r.sessions, key)
	} else {
		r.armLocked(key, s, m)
	}
	persona, at := s.persona, s.at
	r.mu.Unlock()

	if !done {
		r.reply(ctx, m, prompt)
		return
	}
	cctx, cancel := context.WithTimeout(ctx, r.cmdLimit)
	defer cancel()
	ok, msg := r.service(m).Create(cctx, m.FromID, persona, at, text)
	r.log.Info("interactive create finished", logx.String("from_id", m.FromID), logx.Bool("ok", ok))
	r.reply(ctx, m, msg)
}

func (r *Router) endSession(key sessionKey) {
	r.mu.Lock()
	if s, ok := r.sessions[key]; ok {
		s.timer.Stop()
		delete(r.sessions, key)
	}
	r.mu.Unlock()
}

func (r *Router) dropSessions() {
	r.mu.Lock()
	for k, s := range r.sessions {
		s.timer.Stop()
		delete(r.sessions, k)
	}
	r.mu.Unlock()
}

// Pending reports the number of open interactive flows.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ---- commands ----

func (r *Router) register() {
	add := func(c *Command) {
		r.cmds = append(r.cmds, c)
		r.index[c.Name] = c
		for _, a := range c.Aliases {
			r.index[a] = c
		}
	}
	add(&Command{Name: "remind", Aliases: []string{"r"}, Usage: "!r", Description: "add a new reminder", Handle: r.cmdRemind})
	add(&Command{Name: "list", Aliases: []string{"l"}, Usage: "!l", Description: "list your reminders", Handle: r.cmdList})
	add(&Command{Name: "delete", Aliases: []string{"dr"}, Usage: "!dr HH:MM <label>", Description: "delete a reminder", Handle: r.cmdDelete})
	add(&Command{Name: "helpme", Aliases: []string{"help", "start"}, Usage: "!helpme", Description: "show this help message", Handle: r.cmdHelp})
	add(&Command{Name: "runbatch", Usage: "!runbatch", Description: "dispatch reminders due this minute", OwnerOnly: true, Handle: r.cmdRunBatch})
}

func (r *Router) cmdRemind(ctx context.Context, req *Request) error {
	if req.Args == "" {
		r.startSession(ctx, req.Msg)
		return nil
	}
	at, rest, _ := strings.Cut(req.Args, " ")
	persona, label, ok := strings.Cut(rest, "|")
	if !ok {
		r.reply(ctx, req.Msg, usageRemind)
		return nil
	}
	_, msg := r.service(req.Msg).Create(ctx, req.Msg.FromID, persona, at, label)
	r.reply(ctx, req.Msg, msg)
	return nil
}

func (r *Router) cmdList(ctx context.Context, req *Request) error {
	_, msg := r.service(req.Msg).List(ctx, req.Msg.FromID)
	r.reply(ctx, req.Msg, msg)
	return nil
}

func (r *Router) cmdDelete(ctx context.Context, req *Request) error {
	at, label, _ := strings.Cut(req.Args, " ")
	if strings.TrimSpace(at) == "" || strings.TrimSpace(label) == "" {
		r.reply(ctx, req.Msg, usageDelete)
		return nil
	}
	_, msg := r.service(req.Msg).Delete(ctx, req.Msg.FromID, at, label)
	r.reply(ctx, req.Msg, msg)
	return nil
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	r.reply(ctx, req.Msg, r.helpText(r.isOwner(req.Msg.Channel, req.Msg.FromID)))
	return nil
}

func (r *Router) helpText(owner bool) string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range r.cmds {
		if c.OwnerOnly && !owner {
			continue
		}
		fmt.Fprintf(&b, "`%s` - %s\n", c.Usage, c.Description)
	}
	b.WriteString("Reminder times are daily, 24-hour HH:MM.")
	return b.String()
}

func (r *Router) cmdRunBatch(ctx context.Context, req *Request) error {
	if r.disp == nil {
		r.reply(ctx, req.Msg, "Dispatch is not available.")
		return nil
	}
	r.reply(ctx, req.Msg, "Running minute-precision dispatch for the current time...")
	rep, err := r.disp.RunNow(ctx)
	switch {
	case errors.Is(err, dispatch.ErrTickInProgress):
		r.reply(ctx, req.Msg, "A dispatch is already running. Try again in a moment.")
		return nil
	case errors.Is(err, dispatch.ErrNotReady):
		r.reply(ctx, req.Msg, "Dispatch is not ready yet: "+strings.TrimPrefix(err.Error(), dispatch.ErrNotReady.Error()+": "))
		return nil
	case err != nil:
		return err
	}
	if rep.Result == dispatch.ResultAlreadyDispatched {
		r.reply(ctx, req.Msg, fmt.Sprintf("Reminders for %s were already dispatched this minute.", rep.Key))
		return nil
	}
	if err := r.disp.WaitDeliveries(ctx); err != nil {
		r.reply(ctx, req.Msg, fmt.Sprintf("Dispatch started for %s (%d due); deliveries are still running.", rep.Key, rep.Due))
		return nil
	}
	r.reply(ctx, req.Msg, fmt.Sprintf("Dispatch attempt complete. %d reminder(s) were due at %s.", rep.Due, rep.Key))
	return nil
}
