package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Channel delivers text to an opaque recipient id.
type Channel interface {
	Name() string
	Send(ctx context.Context, recipientID, text string) error
}

// NameResolver is implemented by channels that can look up a recipient's
// display name.
type NameResolver interface {
	DisplayName(ctx context.Context, recipientID string) (string, error)
}

type Kind string

const (
	KindUnreachable Kind = "unreachable"
	KindTransient   Kind = "transient"
	KindUnknown     Kind = "unknown"
)

var ErrUnknownChannel = errors.New("unknown channel")

// DeliveryError is the failure shape every channel returns.
type DeliveryError struct {
	Channel   string
	Recipient string
	Kind      Kind
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s: deliver to %s: %s: %v", e.Channel, e.Recipient, e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Unreachable, Transient and Unknown build DeliveryErrors for channel code.
func Unreachable(channel, recipient string, err error) error {
	return &DeliveryError{Channel: channel, Recipient: recipient, Kind: KindUnreachable, Err: err}
}

func Transient(channel, recipient string, err error) error {
	return &DeliveryError{Channel: channel, Recipient: recipient, Kind: KindTransient, Err: err}
}

func Unknown(channel, recipient string, err error) error {
	return &DeliveryError{Channel: channel, Recipient: recipient, Kind: KindUnknown, Err: err}
}

// Classify returns the failure kind of err. Context expiry counts as
// transient; anything unrecognized is unknown.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	return KindUnknown
}

// HistoryItem records one send attempt for the ops status view.
type HistoryItem struct {
	At        time.Time `json:"at"`
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	OK        bool      `json:"ok"`
	Kind      Kind      `json:"kind,omitempty"`
	Error     string    `json:"error,omitempty"`
}
