package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFormatChatLine(t *testing.T) {
	t.Parallel()

	line := []byte(`{"level":"warn","time":"2026-01-01T00:00:00Z","message":"delivery failed","channel":"telegram","err":"blocked"}` + "\n")
	got := FormatChatLine(line)
	require.Equal(t, "[WARN] delivery failed\n- channel=telegram\n- err=blocked", got)

	require.Equal(t, "not json", FormatChatLine([]byte("  not json \n")))
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "dispatch"))
	log.Info("tick", String("key", "08:00"), Err(errors.New("boom")), Err(nil))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	require.Equal(t, "dispatch", m["comp"])
	require.Equal(t, "08:00", m["key"])
	require.Equal(t, "boom", m["err"])
	require.Equal(t, "tick", m["message"])
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var log Logger
	require.True(t, log.IsZero())
	log.Error("dropped")
	require.False(t, Nop().IsZero())
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingSender) Send(_ context.Context, to, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, to+"|"+text)
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestChatSinkForwardsWarnings(t *testing.T) {
	sender := &recordingSender{}
	svc, log := New(Config{
		Level: "debug",
		Chat:  ChatConfig{Enabled: true, Recipient: "ops", MinLevel: "warn", RatePerSec: 10},
	}, nil)
	defer svc.Close()
	svc.SetSender(sender)

	log.Info("ignored")
	log.Warn("forwarded")

	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Contains(t, sender.sent[0], "ops|[WARN] forwarded")
}
