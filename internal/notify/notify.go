// Package notify delivers breach and escalation notifications to people.
//
// Delivery is best effort. Callers hand a Message to the Dispatcher, which
// retries failed sends with exponential backoff on its own workers; nothing
// in the escalation engine ever waits on a send.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kinds of notification, used for metrics and message styling
const (
	KindBreach     = "breach"
	KindEscalation = "escalation"
	KindRepeat     = "repeat"
)

// Action is an optional interactive control rendered by chat channels
type Action struct {
	ID    string // e.g. "ack_breach", "resolve_execution"
	Value string // entity UUID the action refers to
	Label string
}

// Message is one outbound notification
type Message struct {
	ID         string // stable key used in logs, e.g. "breach:<uuid>"
	Kind       string
	Recipients []string
	Subject    string
	Body       string
	Severity   string
	Actions    []Action

	// OnResult is called exactly once with the final delivery outcome
	OnResult func(err error)
}

// WithRecipients returns a copy of m addressed to the given recipients
func (m Message) WithRecipients(recipients []string) Message {
	m.Recipients = recipients
	return m
}

// Sender delivers a message to all of its recipients
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// ErrNoRecipients is returned when a message has nobody to go to
var ErrNoRecipients = errors.New("notification has no recipients")

// DeliveryError reports a channel failure for a set of recipients. Senders
// that deliver per recipient return one per failed recipient so that a retry
// only goes to the recipients that did not get the message.
type DeliveryError struct {
	Channel    string
	Recipients []string
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery via %s to %s failed: %v", e.Channel, strings.Join(e.Recipients, ","), e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// FailedRecipients collects the recipients named by the DeliveryErrors in err.
// It reports false when any failure in err is not scoped to recipients, in
// which case the whole message has to be retried.
func FailedRecipients(err error) ([]string, bool) {
	switch e := err.(type) {
	case nil:
		return nil, true
	case *DeliveryError:
		return e.Recipients, true
	case interface{ Unwrap() []error }:
		var failed []string
		for _, inner := range e.Unwrap() {
			recipients, ok := FailedRecipients(inner)
			if !ok {
				return nil, false
			}
			failed = append(failed, recipients...)
		}
		return failed, true
	case interface{ Unwrap() error }:
		return FailedRecipients(e.Unwrap())
	default:
		return nil, false
	}
}
