package notify

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerSender wraps a channel in a circuit breaker
type BreakerSender struct {
	next Sender
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerSender wraps next. The breaker opens once at least 3 requests in
// an interval failed at a ratio of 60% or more.
func NewBreakerSender(next Sender, timeout time.Duration, log *zap.SugaredLogger) *BreakerSender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnw("Notification circuit breaker state changed",
				"channel", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	return &BreakerSender{next: next, cb: cb}
}

// Name returns the wrapped channel name
func (s *BreakerSender) Name() string {
	return s.next.Name()
}

// State returns the current breaker state
func (s *BreakerSender) State() gobreaker.State {
	return s.cb.State()
}

// Send delivers through the breaker; an open breaker returns gobreaker.ErrOpenState
func (s *BreakerSender) Send(ctx context.Context, msg Message) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.next.Send(ctx, msg)
	})
	return err
}
