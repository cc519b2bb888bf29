package transport

import "context"

type UpdateKind string

const UpdateMessage UpdateKind = "message"

// Update is one inbound event from a chat platform.
type Update struct {
	Kind    UpdateKind
	Message *Message
}

// Message carries platform ids as strings so telegram int64 ids and
// discord snowflakes share one shape.
type Message struct {
	Channel   string // adapter name, e.g. "telegram"
	ChatID    string
	FromID    string
	FromName  string
	Text      string
	IsPrivate bool
}

type Adapter interface {
	Name() string
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	Reply(ctx context.Context, chatID, text string) error
}

// BotCommand is one entry of a platform command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command
// menu (Telegram's setMyCommands).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
