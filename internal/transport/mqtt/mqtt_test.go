package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reminderbot/internal/notifier"
	logx "reminderbot/pkg/logx"
)

type doneToken struct {
	err  error
	done chan struct{}
}

func newToken(err error, finished bool) *doneToken {
	t := &doneToken{err: err, done: make(chan struct{})}
	if finished {
		close(t.done)
	}
	return t
}

func (t *doneToken) Wait() bool                     { <-t.done; return true }
func (t *doneToken) WaitTimeout(time.Duration) bool { return true }
func (t *doneToken) Done() <-chan struct{}          { return t.done }
func (t *doneToken) Error() error                   { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	mu         sync.Mutex
	open       bool
	connectErr error
	pubTok     *doneToken
	pubs       []published
}

func (f *fakeClient) IsConnectionOpen() bool { return f.open }
func (f *fakeClient) Connect() paho.Token {
	if f.connectErr == nil {
		f.open = true
	}
	return newToken(f.connectErr, true)
}
func (f *fakeClient) Disconnect(uint) { f.open = false }
func (f *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs = append(f.pubs, published{topic: topic, qos: qos, payload: payload.([]byte)})
	if f.pubTok != nil {
		return f.pubTok
	}
	return newToken(nil, true)
}

// The client factory is package state, so these tests run serially.
func withFake(t *testing.T, fc *fakeClient) {
	t.Helper()
	prev := newClient
	newClient = func(*paho.ClientOptions) pahoClient { return fc }
	t.Cleanup(func() { newClient = prev })
}

func TestSendPublishesPerRecipientTopic(t *testing.T) {
	fc := &fakeClient{}
	withFake(t, fc)

	ch, err := New(context.Background(), Config{Broker: "tcp://localhost:1883", TopicPrefix: "home/reminders/", QoS: 1}, logx.Nop())
	require.NoError(t, err)
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	ch.now = func() time.Time { return at }

	require.NoError(t, ch.Send(context.Background(), "alice", "Drink water"))
	require.Len(t, fc.pubs, 1)
	assert.Equal(t, "home/reminders/alice", fc.pubs[0].topic)
	assert.Equal(t, byte(1), fc.pubs[0].qos)

	var p Payload
	require.NoError(t, json.Unmarshal(fc.pubs[0].payload, &p))
	assert.Equal(t, Payload{Recipient: "alice", Text: "Drink water", SentAt: at}, p)

	require.NoError(t, ch.Close())
	assert.False(t, fc.open)
}

func TestSendFailures(t *testing.T) {
	fc := &fakeClient{}
	withFake(t, fc)
	ch, err := New(context.Background(), Config{Broker: "tcp://localhost:1883"}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "reminders/bob", ch.Topic("bob"))

	err = ch.Send(context.Background(), "a/b", "x")
	assert.Equal(t, notifier.KindUnreachable, notifier.Classify(err))

	fc.pubTok = newToken(errors.New("broker said no"), true)
	err = ch.Send(context.Background(), "bob", "x")
	assert.Equal(t, notifier.KindTransient, notifier.Classify(err))

	// publish never acknowledged
	fc.pubTok = newToken(nil, false)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = ch.Send(ctx, "bob", "x")
	assert.Equal(t, notifier.KindTransient, notifier.Classify(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	fc.open = false
	err = ch.Send(context.Background(), "bob", "x")
	assert.Equal(t, notifier.KindTransient, notifier.Classify(err))
}

func TestNewConnectError(t *testing.T) {
	withFake(t, &fakeClient{connectErr: errors.New("refused")})
	_, err := New(context.Background(), Config{Broker: "tcp://localhost:1883"}, logx.Nop())
	require.ErrorContains(t, err, "refused")

	_, err = New(context.Background(), Config{}, logx.Nop())
	require.Error(t, err)
}
