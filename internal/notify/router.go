package notify

import (
	"context"
	"errors"
	"strings"

	"github.com/akmatori/riskwatch/internal/metrics"
)

// Recipient address prefixes
const (
	SlackPrefix = "slack:"
	MailPrefix  = "mailto:"
)

// Router fans a message out to the sender responsible for each recipient.
// "slack:#channel" goes to Slack, "mailto:a@b" or any bare address with an
// "@" goes to mail, everything else goes to the fallback sender.
type Router struct {
	slack    Sender
	mail     Sender
	fallback Sender
}

// NewRouter creates a router. Nil senders route to the fallback.
func NewRouter(slack, mail, fallback Sender) *Router {
	return &Router{slack: slack, mail: mail, fallback: fallback}
}

// Name returns the channel name
func (r *Router) Name() string {
	return "router"
}

// Send delivers msg through every channel its recipients need. A failure on
// one channel does not stop delivery on the others; all failures are joined
// and each names the failed recipients as they appear in msg.
func (r *Router) Send(ctx context.Context, msg Message) error {
	if len(msg.Recipients) == 0 {
		return ErrNoRecipients
	}

	groups := make(map[Sender]*routeGroup)
	var order []Sender
	for _, recipient := range msg.Recipients {
		sender, addr := r.route(recipient)
		if sender == nil {
			continue
		}
		g, ok := groups[sender]
		if !ok {
			g = &routeGroup{}
			groups[sender] = g
			order = append(order, sender)
		}
		g.original = append(g.original, recipient)
		g.addrs = append(g.addrs, addr)
	}

	var errs []error
	for _, sender := range order {
		g := groups[sender]
		if err := sender.Send(ctx, msg.WithRecipients(g.addrs)); err != nil {
			metrics.NotificationsFailed.WithLabelValues(sender.Name()).Inc()
			errs = append(errs, &DeliveryError{Channel: sender.Name(), Recipients: g.failed(err), Err: err})
			continue
		}
		metrics.NotificationsSent.WithLabelValues(sender.Name()).Inc()
	}
	return errors.Join(errs...)
}

// routeGroup holds the recipients handed to one sender, both as written in
// the message and as the sender sees them
type routeGroup struct {
	original []string
	addrs    []string
}

// failed maps the recipients named in a sender error back to their original
// form. Unscoped errors fail the whole group.
func (g *routeGroup) failed(err error) []string {
	addrs, ok := FailedRecipients(err)
	if !ok || len(addrs) == 0 {
		return g.original
	}
	want := make(map[string]bool, len(addrs))
	for _, addr := range addrs {
		want[addr] = true
	}
	var failed []string
	for i, addr := range g.addrs {
		if want[addr] {
			failed = append(failed, g.original[i])
		}
	}
	if len(failed) == 0 {
		return g.original
	}
	return failed
}

func (r *Router) route(recipient string) (Sender, string) {
	recipient = strings.TrimSpace(recipient)
	switch {
	case strings.HasPrefix(recipient, SlackPrefix) && r.slack != nil:
		return r.slack, strings.TrimPrefix(recipient, SlackPrefix)
	case strings.HasPrefix(recipient, MailPrefix) && r.mail != nil:
		return r.mail, strings.TrimPrefix(recipient, MailPrefix)
	case strings.Contains(recipient, "@") && !strings.HasPrefix(recipient, SlackPrefix) && r.mail != nil:
		return r.mail, recipient
	default:
		return r.fallback, recipient
	}
}
