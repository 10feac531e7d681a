package jobs

import (
	"context"
	"time"

	"github.com/akmatori/riskwatch/internal/services"
	"go.uber.org/zap"
)

const defaultSweepBatch = 100

// NotificationSweeper re-dispatches breach notifications that were created
// but never marked sent, e.g. after a restart or a failed delivery
type NotificationSweeper struct {
	breaches *services.BreachService
	minAge   time.Duration
	batch    int
	log      *zap.SugaredLogger
}

// NewNotificationSweeper creates a new sweeper. Notifications younger than
// minAge are left to the dispatcher that owns them.
func NewNotificationSweeper(breaches *services.BreachService, minAge time.Duration, batch int, log *zap.SugaredLogger) *NotificationSweeper {
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	return &NotificationSweeper{
		breaches: breaches,
		minAge:   minAge,
		batch:    batch,
		log:      log,
	}
}

// Sweep re-dispatches one batch of unsent notifications
func (s *NotificationSweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	return s.breaches.RedeliverUnsent(ctx, now.Add(-s.minAge), s.batch)
}

// Start begins the periodic sweep
func (s *NotificationSweeper) Start(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.Sweep(context.Background(), time.Now().UTC())
			if err != nil {
				s.log.Errorw("Notification sweeper error", "error", err)
			} else if n > 0 {
				s.log.Infow("Notification sweeper re-dispatched notifications", "count", n)
			}
		case <-stop:
			s.log.Info("Notification sweeper stopped")
			return
		}
	}
}
