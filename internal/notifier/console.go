package notifier

import (
	"context"

	logx "reminderbot/pkg/logx"
)

// Console writes messages to the log instead of a chat platform. Useful
// for local runs and as a channel that can never be unreachable.
type Console struct {
	log logx.Logger
}

func NewConsole(log logx.Logger) *Console {
	return &Console{log: log.With(logx.String("comp", "channel.console"))}
}

func (c *Console) Name() string { return "console" }

func (c *Console) Send(_ context.Context, recipientID, text string) error {
	c.log.Info("reminder", logx.String("to", recipientID), logx.String("text", text))
	return nil
}
