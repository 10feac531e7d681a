package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// SubjectPrefix is prepended to the event type to build the NATS subject
const SubjectPrefix = "riskwatch."

// natsConn is the part of *nats.Conn the publisher needs
type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
	Close()
}

// NATSPublisher publishes events as JSON on NATS
type NATSPublisher struct {
	conn natsConn
}

// NewNATSPublisher connects to url and keeps reconnecting in the background
func NewNATSPublisher(url string, log *zap.SugaredLogger) (*NATSPublisher, error) {
	conn, err := nats.Connect(url,
		nats.Name("riskwatch"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnw("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infow("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return &NATSPublisher{conn: conn}, nil
}

// Name returns the sink name
func (p *NATSPublisher) Name() string {
	return "nats"
}

// Subject returns the NATS subject for an event type
func Subject(eventType string) string {
	return SubjectPrefix + eventType
}

// Publish encodes evt and publishes it on its subject
func (p *NATSPublisher) Publish(_ context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return p.conn.Publish(Subject(evt.Type), data)
}

// Close drains pending messages and closes the connection
func (p *NATSPublisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
		p.conn.Close()
	}
}
