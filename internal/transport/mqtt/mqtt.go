// Package mqtt publishes reminders to an MQTT broker, one topic per
// recipient, for home automation displays and custom clients.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"reminderbot/internal/notifier"
	logx "reminderbot/pkg/logx"
)

const Name = "mqtt"

type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// Payload is the JSON body published for each reminder.
type Payload struct {
	Recipient string    `json:"recipient"`
	Text      string    `json:"text"`
	SentAt    time.Time `json:"sent_at"`
}

type pahoClient interface {
	IsConnectionOpen() bool
	Connect() paho.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

var newClient = func(opts *paho.ClientOptions) pahoClient { return paho.NewClient(opts) }

type Channel struct {
	cfg Config
	cli pahoClient
	log logx.Logger
	now func() time.Time
}

// New connects to the broker. The client reconnects on its own afterwards;
// sends while disconnected fail as transient.
func New(ctx context.Context, cfg Config, log logx.Logger) (*Channel, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, errors.New("mqtt broker is empty")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "reminderbot-" + uuid.NewString()[:8]
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "reminders"
	}
	cfg.TopicPrefix = strings.TrimRight(cfg.TopicPrefix, "/")
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "mqtt"))

	opts := paho.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(func(paho.Client) { log.Info("broker connected", logx.String("broker", cfg.Broker)) })
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) { log.Warn("broker connection lost", logx.Err(err)) })

	c := newClient(opts)
	if err := wait(ctx, c.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return &Channel{cfg: cfg, cli: c, log: log, now: time.Now}, nil
}

func (c *Channel) Name() string { return Name }

func (c *Channel) Topic(recipientID string) string {
	return c.cfg.TopicPrefix + "/" + recipientID
}

func (c *Channel) Send(ctx context.Context, recipientID, text string) error {
	if recipientID == "" || strings.ContainsAny(recipientID, "/+#") {
		return notifier.Unreachable(Name, recipientID, errors.New("recipient is not a valid topic segment"))
	}
	if !c.cli.IsConnectionOpen() {
		return notifier.Transient(Name, recipientID, errors.New("not connected"))
	}
	b, err := json.Marshal(Payload{Recipient: recipientID, Text: text, SentAt: c.now().UTC()})
	if err != nil {
		return notifier.Unknown(Name, recipientID, err)
	}
	if err := wait(ctx, c.cli.Publish(c.Topic(recipientID), c.cfg.QoS, false, b)); err != nil {
		return notifier.Transient(Name, recipientID, err)
	}
	return nil
}

func (c *Channel) Close() error {
	c.cli.Disconnect(250)
	return nil
}

func wait(ctx context.Context, tok paho.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
