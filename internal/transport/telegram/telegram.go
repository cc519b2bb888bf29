// Package telegram is both a notification channel and a command intake
// for Telegram bots, built on telebot.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"reminderbot/internal/notifier"
	rtsup "reminderbot/internal/runtime/supervisor"
	kit "reminderbot/internal/transport"
	logx "reminderbot/pkg/logx"
)

const Name = "telegram"

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	out     atomic.Value // chan<- kit.Update
	dropped atomic.Uint64

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log.With(logx.String("comp", "telegram")), bot: b}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.bot.Handle(tele.OnText, a.onText)
	return a, nil
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil {
		return nil
	}
	name := strings.TrimSpace(m.Sender.FirstName)
	if name == "" {
		name = m.Sender.Username
	}
	a.push(kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			Channel:   Name,
			ChatID:    strconv.FormatInt(m.Chat.ID, 10),
			FromID:    strconv.FormatInt(m.Sender.ID, 10),
			FromName:  name,
			Text:      m.Text,
			IsPrivate: m.Private(),
		},
	})
	return nil
}

func (a *Adapter) push(up kit.Update) {
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		a.dropped.Add(1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("updates.drop_report", func(c context.Context) {
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				a.reportDropped(cap(out))
				return
			case <-t.C:
				a.reportDropped(cap(out))
			}
		}
	})
	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// bot.Start blocks until Stop; a premature return is restarted.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second), rtsup.WithStopOnCleanExit(false))
	return nil
}

func (a *Adapter) reportDropped(capacity int) {
	if n := a.dropped.Swap(0); n > 0 {
		a.log.Warn("incoming updates dropped (channel full)", logx.Int64("count", int64(n)), logx.Int("chan_cap", capacity))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	// getUpdates may still be long-polling; never hold shutdown for it.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

// Send implements notifier.Channel. recipientID is a Telegram chat id.
func (a *Adapter) Send(ctx context.Context, recipientID, text string) error {
	id, err := strconv.ParseInt(strings.TrimSpace(recipientID), 10, 64)
	if err != nil {
		return notifier.Unreachable(Name, recipientID, fmt.Errorf("invalid chat id: %w", err))
	}
	chat := &tele.Chat{ID: id}
	for _, chunk := range kit.SplitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return notifier.Transient(Name, recipientID, err)
		}
		if _, err := a.bot.Send(chat, chunk); err != nil {
			return classify(recipientID, err)
		}
	}
	return nil
}

func (a *Adapter) Reply(ctx context.Context, chatID, text string) error {
	return a.Send(ctx, chatID, text)
}

// DisplayName implements notifier.NameResolver.
func (a *Adapter) DisplayName(ctx context.Context, recipientID string) (string, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(recipientID), 10, 64)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	chat, err := a.bot.ChatByID(id)
	if err != nil {
		return "", err
	}
	if n := strings.TrimSpace(chat.FirstName); n != "" {
		return n, nil
	}
	return chat.Username, nil
}

// UpdateMenuCommands publishes the command menu when it changed.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	out := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		_, _ = h.Write([]byte(c.Command + "\x00" + d + "\x00"))
		out = append(out, tele.Command{Text: c.Command, Description: d})
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.bot.SetCommands(out); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(out)))
	return nil
}

// classify maps telebot failures onto delivery kinds: a recipient who
// blocked the bot or never started it is unreachable; flood control,
// server errors and network failures are transient.
func classify(recipient string, err error) error {
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrChatNotFound):
		return notifier.Unreachable(Name, recipient, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return notifier.Transient(Name, recipient, err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return notifier.Transient(Name, recipient, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "forbidden"), strings.Contains(msg, "(403)"):
		return notifier.Unreachable(Name, recipient, err)
	case strings.Contains(msg, "too many requests"), strings.Contains(msg, "retry after"),
		strings.Contains(msg, "(429)"), strings.Contains(msg, "(5"):
		return notifier.Transient(Name, recipient, err)
	}
	return notifier.Unknown(Name, recipient, err)
}

const textLimit = 4000
