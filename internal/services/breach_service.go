package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/akmatori/riskwatch/internal/database"
	"github.com/akmatori/riskwatch/internal/events"
	"github.com/akmatori/riskwatch/internal/metrics"
	"github.com/akmatori/riskwatch/internal/notify"
	"github.com/akmatori/riskwatch/internal/output"
	"github.com/akmatori/riskwatch/internal/variance"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// BreachFilter narrows ListBreaches
type BreachFilter struct {
	MetricID       *uint
	BreachType     string
	Unacknowledged bool
	Page
}

// BreachService manages the breach notification lifecycle: dedup, delivery
// hand-off, acknowledgement and escalation of breach-level notifications.
type BreachService struct {
	db       *gorm.DB
	engine   *EscalationEngine
	notifier Notifier
	events   events.Publisher
	log      *zap.SugaredLogger

	// UUIDs of notifications currently owned by the dispatcher
	inflight sync.Map
}

// NewBreachService creates a new breach service
func NewBreachService(db *gorm.DB, engine *EscalationEngine, notifier Notifier, publisher events.Publisher, log *zap.SugaredLogger) *BreachService {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &BreachService{
		db:       db,
		engine:   engine,
		notifier: notifier,
		events:   publisher,
		log:      log,
	}
}

// RegisterVariance records a breach notification for a classified reading.
//
// Within-appetite records never create or clear notifications. At most one
// notification exists per (metric, reading, breach type); registering the
// same record again returns the existing one. Breach and critical
// notifications start, or join, the metric's escalation. Escalation failures
// are logged and retried on the next replay of the reading.
func (s *BreachService) RegisterVariance(ctx context.Context, metric *database.MetricDefinition, record *database.VarianceRecord, now time.Time) (*database.BreachNotification, *database.EscalationExecution, error) {
	if record.VarianceStatus == variance.StatusWithinAppetite {
		return nil, nil, nil
	}

	breachType := record.BreachType
	if breachType == "" {
		breachType = string(record.VarianceStatus)
	}

	n := &database.BreachNotification{
		MetricID:           metric.ID,
		ReadingID:          record.ReadingID,
		BreachType:         breachType,
		VarianceRecordID:   record.ID,
		ActualValue:        record.ActualValue,
		ThresholdValue:     record.AppetiteThreshold,
		VariancePercentage: record.VariancePercentage,
		CreatedAt:          now,
	}

	result := s.db.WithContext(ctx).Omit(clause.Associations).Clauses(clause.OnConflict{DoNothing: true}).Create(n)
	if result.Error != nil {
		return nil, nil, storeError("create breach notification", "breach notification", n.UUID, result.Error)
	}

	created := result.RowsAffected > 0
	if !created {
		existing, err := s.findByKey(ctx, metric.ID, record.ReadingID, breachType)
		if err != nil {
			return nil, nil, err
		}
		n = existing
		metrics.BreachNotificationsDeduplicated.WithLabelValues(breachType).Inc()
		s.log.Debugw("Breach notification already exists", "notification", n.UUID, "metric", metric.Name, "reading", record.ReadingID)
	} else {
		metrics.BreachNotificationsCreated.WithLabelValues(breachType).Inc()
		s.log.Infow("Breach notification created",
			"notification", n.UUID,
			"metric", metric.Name,
			"breach_type", breachType,
			"actual", n.ActualValue,
			"variance", n.VariancePercentage)
		if err := s.events.Publish(ctx, events.New(events.TypeBreachDetected, now, n)); err != nil {
			s.log.Debugw("Failed to publish breach event", "error", err)
		}
		s.Dispatch(metric, n)
	}

	var exec *database.EscalationExecution
	if variance.BreachType(breachType).Escalates() && n.ExecutionID == nil {
		exec = s.escalate(ctx, metric, n, now)
	}
	return n, exec, nil
}

// escalate starts or joins the metric's active escalation and links it to n
func (s *BreachService) escalate(ctx context.Context, metric *database.MetricDefinition, n *database.BreachNotification, now time.Time) *database.EscalationExecution {
	if s.engine == nil {
		return nil
	}

	policyID := metric.EscalationPolicyID
	if policyID == nil {
		settings, err := database.GetOrCreateEscalationSettings(s.db.WithContext(ctx))
		if err != nil {
			s.log.Errorw("Failed to load escalation settings", "error", err)
			return nil
		}
		if !settings.BreachEscalationEnabled || settings.DefaultPolicyID == nil {
			return nil
		}
		policyID = settings.DefaultPolicyID
	}

	exec, _, err := s.engine.Start(ctx, StartRequest{
		AlertID:     metric.AlertID(),
		AlertTitle:  fmt.Sprintf("%s %s", metric.Name, n.BreachType),
		AlertSource: database.AlertSourceMetric,
		PolicyID:    *policyID,
		Reason:      output.BreachReason(metric, n),
	}, now)
	if err != nil {
		s.log.Errorw("Failed to start escalation for breach",
			"notification", n.UUID,
			"metric", metric.Name,
			"policy", *policyID,
			"error", err)
		return nil
	}

	if err := s.db.WithContext(ctx).Model(&database.BreachNotification{}).
		Where("id = ?", n.ID).
		Update("execution_id", exec.ID).Error; err != nil {
		s.log.Errorw("Failed to link breach notification to escalation", "notification", n.UUID, "execution", exec.UUID, "error", err)
		return exec
	}
	n.ExecutionID = &exec.ID
	return exec
}

func (s *BreachService) findByKey(ctx context.Context, metricID, readingID uint, breachType string) (*database.BreachNotification, error) {
	var n database.BreachNotification
	err := s.db.WithContext(ctx).
		Where("metric_id = ? AND reading_id = ? AND breach_type = ?", metricID, readingID, breachType).
		First(&n).Error
	if err != nil {
		return nil, storeError("find breach notification", "breach notification", fmt.Sprintf("%d/%d/%s", metricID, readingID, breachType), err)
	}
	return &n, nil
}

// Dispatch hands a notification to the notifier unless it is already in flight.
// Successful delivery marks it sent.
func (s *BreachService) Dispatch(metric *database.MetricDefinition, n *database.BreachNotification) bool {
	if s.notifier == nil {
		return false
	}
	if len(metric.Recipients) == 0 {
		s.log.Warnw("Metric has no recipients, breach notification not sent", "metric", metric.Name, "notification", n.UUID)
		return false
	}
	if _, loaded := s.inflight.LoadOrStore(n.UUID, struct{}{}); loaded {
		return false
	}

	subject, body := output.FormatBreach(metric, n)
	id := n.UUID
	msg := notify.Message{
		ID:         "breach:" + id,
		Kind:       notify.KindBreach,
		Recipients: append([]string(nil), metric.Recipients...),
		Subject:    subject,
		Body:       body,
		Severity:   n.BreachType,
		Actions: []notify.Action{
			{ID: notify.ActionAckBreach, Value: id, Label: "Acknowledge"},
		},
		OnResult: func(err error) {
			defer s.inflight.Delete(id)
			if err != nil {
				s.log.Warnw("Breach notification not delivered", "notification", id, "error", err)
				return
			}
			if err := s.MarkSent(context.Background(), id, time.Now().UTC()); err != nil {
				s.log.Errorw("Failed to mark breach notification sent", "notification", id, "error", err)
			}
		},
	}

	if err := s.notifier.Enqueue(msg); err != nil {
		s.inflight.Delete(id)
		s.log.Warnw("Failed to enqueue breach notification", "notification", id, "error", err)
		return false
	}
	return true
}

// RedeliverUnsent re-dispatches notifications created before the cutoff that
// were never marked sent, e.g. because the process restarted mid-delivery.
func (s *BreachService) RedeliverUnsent(ctx context.Context, createdBefore time.Time, limit int) (int, error) {
	unsent, err := s.ListUnsent(ctx, createdBefore, limit)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for i := range unsent {
		n := &unsent[i]
		if !s.Dispatch(&n.Metric, n) {
			continue
		}
		dispatched++
	}
	if dispatched > 0 {
		s.log.Infow("Re-dispatched unsent breach notifications", "count", dispatched)
	}
	return dispatched, nil
}

// ListUnsent returns unsent notifications created before the cutoff, oldest first
func (s *BreachService) ListUnsent(ctx context.Context, createdBefore time.Time, limit int) ([]database.BreachNotification, error) {
	var unsent []database.BreachNotification
	query := s.db.WithContext(ctx).
		Preload("Metric").
		Where("notification_sent = ? AND created_at < ?", false, createdBefore).
		Order("created_at")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&unsent).Error; err != nil {
		return nil, storeError("list unsent breach notifications", "breach notification", "", err)
	}
	return unsent, nil
}

// MarkSent records successful delivery. It is a no-op for notifications already marked.
func (s *BreachService) MarkSent(ctx context.Context, uuid string, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&database.BreachNotification{}).
		Where("uuid = ? AND notification_sent = ?", uuid, false).
		Updates(map[string]interface{}{
			"notification_sent": true,
			"sent_at":           at,
			"updated_at":        at,
		})
	if result.Error != nil {
		return storeError("mark breach notification sent", "breach notification", uuid, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.Get(ctx, uuid); err != nil {
			return err
		}
	}
	return nil
}

// Acknowledge records who has seen a notification. It does not resolve any escalation.
func (s *BreachService) Acknowledge(ctx context.Context, uuid, user string, now time.Time) (*database.BreachNotification, error) {
	if user == "" {
		return nil, &ConfigurationError{Reason: "user is required"}
	}

	result := s.db.WithContext(ctx).Model(&database.BreachNotification{}).
		Where("uuid = ? AND acknowledged_at IS NULL", uuid).
		Updates(map[string]interface{}{
			"acknowledged_by": user,
			"acknowledged_at": now,
			"updated_at":      now,
		})
	if result.Error != nil {
		return nil, storeError("acknowledge breach notification", "breach notification", uuid, result.Error)
	}

	n, err := s.Get(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		return nil, &AlreadyTerminalError{Kind: "breach notification", ID: uuid, Status: "acknowledged"}
	}

	s.log.Infow("Breach notification acknowledged", "notification", uuid, "user", user)
	if err := s.events.Publish(ctx, events.New(events.TypeBreachAcknowledged, now, n)); err != nil {
		s.log.Debugw("Failed to publish breach event", "error", err)
	}
	return n, nil
}

// Get returns a notification by UUID
func (s *BreachService) Get(ctx context.Context, uuid string) (*database.BreachNotification, error) {
	var n database.BreachNotification
	if err := s.db.WithContext(ctx).Where("uuid = ?", uuid).First(&n).Error; err != nil {
		return nil, storeError("get breach notification", "breach notification", uuid, err)
	}
	return &n, nil
}

// List returns notifications matching the filter, newest first, with the total count
func (s *BreachService) List(ctx context.Context, filter BreachFilter) ([]database.BreachNotification, int64, error) {
	query := s.db.WithContext(ctx).Model(&database.BreachNotification{})
	if filter.MetricID != nil {
		query = query.Where("metric_id = ?", *filter.MetricID)
	}
	if filter.BreachType != "" {
		query = query.Where("breach_type = ?", filter.BreachType)
	}
	if filter.Unacknowledged {
		query = query.Where("acknowledged_at IS NULL")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, storeError("count breach notifications", "breach notification", "", err)
	}
	query = filter.Page.apply(query)

	var list []database.BreachNotification
	if err := query.Preload("Metric").Order("created_at DESC, id DESC").Find(&list).Error; err != nil {
		return nil, 0, storeError("list breach notifications", "breach notification", "", err)
	}
	return list, total, nil
}

// isNotFound reports whether err is a NotFoundError
func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
