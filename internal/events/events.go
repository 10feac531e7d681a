// Package events publishes domain events (breaches, escalations, SLA scans)
// to NATS and to live WebSocket subscribers.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/akmatori/riskwatch/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types. On NATS each is published on "riskwatch.<type>".
const (
	TypeReadingIngested     = "reading.ingested"
	TypeBreachDetected      = "breach.detected"
	TypeBreachAcknowledged  = "breach.acknowledged"
	TypeEscalationStarted   = "escalation.started"
	TypeEscalationAdvanced  = "escalation.advanced"
	TypeEscalationRepeated  = "escalation.repeated"
	TypeEscalationAcked     = "escalation.acknowledged"
	TypeEscalationAssigned  = "escalation.assigned"
	TypeEscalationResolved  = "escalation.resolved"
	TypeEscalationCancelled = "escalation.cancelled"
	TypeSLAScanCompleted    = "sla.scan_completed"
)

// Event is one domain event
type Event struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	OccurredAt time.Time   `json:"occurred_at"`
	Data       interface{} `json:"data"`
}

// New creates an event with a fresh ID
func New(eventType string, at time.Time, data interface{}) Event {
	return Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		OccurredAt: at,
		Data:       data,
	}
}

// Publisher delivers events to a sink
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Nop discards every event
type Nop struct{}

// Publish does nothing
func (Nop) Publish(context.Context, Event) error { return nil }

// namedPublisher lets Multi label metrics per sink
type namedPublisher interface {
	Publisher
	Name() string
}

// Multi fans an event out to every sink. A failing sink does not stop the others.
type Multi struct {
	sinks []Publisher
	log   *zap.SugaredLogger
}

// NewMulti creates a fan-out publisher, skipping nil sinks
func NewMulti(log *zap.SugaredLogger, sinks ...Publisher) *Multi {
	m := &Multi{log: log}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Publish sends evt to all sinks and joins their errors
func (m *Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, sink := range m.sinks {
		name := "unknown"
		if n, ok := sink.(namedPublisher); ok {
			name = n.Name()
		}
		if err := sink.Publish(ctx, evt); err != nil {
			metrics.EventPublishErrors.WithLabelValues(name).Inc()
			m.log.Warnw("Failed to publish event", "sink", name, "type", evt.Type, "error", err)
			errs = append(errs, err)
			continue
		}
		metrics.EventsPublished.WithLabelValues(name).Inc()
	}
	return errors.Join(errs...)
}
