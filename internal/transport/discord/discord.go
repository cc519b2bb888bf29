// Package discord delivers reminders as direct messages and reads chat
// commands through a discordgo gateway session.
package discord

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"reminderbot/internal/notifier"
	kit "reminderbot/internal/transport"
	logx "reminderbot/pkg/logx"
)

const (
	Name      = "discord"
	textLimit = 2000
)

// session is the subset of *discordgo.Session the adapter uses.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
}

type Adapter struct {
	s   session
	log logx.Logger

	out atomic.Value // chan<- kit.Update

	mu      sync.Mutex
	running bool
	remove  func()

	// dm caches user id -> DM channel id.
	dmMu sync.Mutex
	dm   map[string]string
}

func New(token string, log logx.Logger) (*Adapter, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	return newAdapter(s, log), nil
}

func newAdapter(s session, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{s: s, log: log.With(logx.String("comp", "discord")), dm: map[string]string{}}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	return a
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	a.out.Store(out)
	a.remove = a.s.AddHandler(a.onMessage)
	if err := a.s.Open(); err != nil {
		a.remove()
		return err
	}
	a.running = true
	a.log.Info("gateway connected")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	if !a.running {
		return nil
	}
	a.running = false
	if a.remove != nil {
		a.remove()
	}
	return a.s.Close()
}

func (a *Adapter) onMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil || m.Author.Bot {
		return
	}
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	name := m.Author.GlobalName
	if name == "" {
		name = m.Author.Username
	}
	up := kit.Update{
		Kind: kit.UpdateMessage,
		Message: &kit.Message{
			Channel:   Name,
			ChatID:    m.ChannelID,
			FromID:    m.Author.ID,
			FromName:  name,
			Text:      m.Content,
			IsPrivate: m.GuildID == "",
		},
	}
	select {
	case out <- up:
	default:
		a.log.Warn("incoming update dropped (channel full)", logx.Int("chan_cap", cap(out)))
	}
}

// Send implements notifier.Channel. recipientID is a Discord user id; the
// text goes to the user's DM channel.
func (a *Adapter) Send(ctx context.Context, recipientID, text string) error {
	chID, err := a.dmChannel(ctx, recipientID)
	if err != nil {
		return classify(recipientID, err)
	}
	if err := a.post(ctx, chID, text); err != nil {
		return classify(recipientID, err)
	}
	return nil
}

// Reply posts into the channel the command came from.
func (a *Adapter) Reply(ctx context.Context, chatID, text string) error {
	if err := a.post(ctx, chatID, text); err != nil {
		return classify(chatID, err)
	}
	return nil
}

func (a *Adapter) post(ctx context.Context, channelID, text string) error {
	for _, chunk := range kit.SplitText(text, textLimit) {
		if _, err := a.s.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) dmChannel(ctx context.Context, userID string) (string, error) {
	a.dmMu.Lock()
	id, ok := a.dm[userID]
	a.dmMu.Unlock()
	if ok {
		return id, nil
	}
	ch, err := a.s.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	a.dmMu.Lock()
	a.dm[userID] = ch.ID
	a.dmMu.Unlock()
	return ch.ID, nil
}

// DisplayName implements notifier.NameResolver.
func (a *Adapter) DisplayName(ctx context.Context, recipientID string) (string, error) {
	u, err := a.s.User(recipientID, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	if u.GlobalName != "" {
		return u.GlobalName, nil
	}
	return u.Username, nil
}

func classify(recipient string, err error) error {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) {
		return notifier.Transient(Name, recipient, err)
	}
	var rest *discordgo.RESTError
	if errors.As(err, &rest) {
		if rest.Message != nil {
			switch rest.Message.Code {
			case discordgo.ErrCodeCannotSendMessagesToThisUser,
				discordgo.ErrCodeUnknownUser,
				discordgo.ErrCodeUnknownChannel:
				return notifier.Unreachable(Name, recipient, err)
			}
		}
		if rest.Response != nil {
			switch sc := rest.Response.StatusCode; {
			case sc == http.StatusForbidden, sc == http.StatusNotFound:
				return notifier.Unreachable(Name, recipient, err)
			case sc == http.StatusTooManyRequests, sc >= 500:
				return notifier.Transient(Name, recipient, err)
			}
		}
		return notifier.Unknown(Name, recipient, err)
	}
	// network failures and context expiry
	return notifier.Transient(Name, recipient, err)
}
