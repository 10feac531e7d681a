package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/akmatori/riskwatch/internal/database"
	"github.com/akmatori/riskwatch/internal/events"
	"github.com/akmatori/riskwatch/internal/metrics"
	"github.com/akmatori/riskwatch/internal/notify"
	"github.com/akmatori/riskwatch/internal/output"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Notifier accepts notifications for asynchronous delivery. Enqueue must not block.
type Notifier interface {
	Enqueue(msg notify.Message) error
}

// DeadlineSink is told about the next pending deadline of each execution
type DeadlineSink interface {
	Schedule(id uint, due time.Time)
	Remove(id uint)
}

// Deadline is the next time an execution needs attention
type Deadline struct {
	ID  uint
	Due time.Time
}

// StartRequest describes the alert an escalation is started for
type StartRequest struct {
	AlertID     string
	AlertTitle  string
	AlertSource string
	PolicyID    uint
	Reason      string
}

// ExecutionFilter narrows ListExecutions
type ExecutionFilter struct {
	Status      database.ExecutionStatus
	AlertSource string
	AlertID     string
	PolicyID    *uint
	Page
}

// EscalationEngine drives executions through their policy levels.
//
// Every state change is a conditional update keyed on the state it was
// computed from, so concurrent ticks, retries and API calls can race freely:
// the loser sees zero affected rows, reloads and re-evaluates.
type EscalationEngine struct {
	db       *gorm.DB
	notifier Notifier
	events   events.Publisher
	log      *zap.SugaredLogger

	mu   sync.RWMutex
	sink DeadlineSink
}

// NewEscalationEngine creates a new escalation engine
func NewEscalationEngine(db *gorm.DB, notifier Notifier, publisher events.Publisher, log *zap.SugaredLogger) *EscalationEngine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &EscalationEngine{
		db:       db,
		notifier: notifier,
		events:   publisher,
		log:      log,
	}
}

// SetDeadlineSink registers the scheduler that tracks pending deadlines
func (e *EscalationEngine) SetDeadlineSink(sink DeadlineSink) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sink = sink
}

// NextDue returns when the execution next needs to notify or advance, or nil
// when nothing further is scheduled.
//
// Level delays are offsets from EscalatedAt. LastLevelNotifiedAt is nil only
// while the current level has not been notified yet.
func NextDue(exec *database.EscalationExecution) *time.Time {
	if exec.Status != database.ExecutionStatusActive || exec.AcknowledgedAt != nil {
		return nil
	}
	idx := exec.CurrentLevelIndex()
	if idx < 0 {
		return nil
	}

	var due time.Time
	switch {
	case exec.LastLevelNotifiedAt == nil:
		due = exec.EscalatedAt.Add(levelOffset(exec.PolicyLevels[idx]))
	case idx < len(exec.PolicyLevels)-1:
		due = exec.EscalatedAt.Add(levelOffset(exec.PolicyLevels[idx+1]))
	case exec.RepeatIntervalMinutes > 0:
		due = exec.LastLevelNotifiedAt.Add(time.Duration(exec.RepeatIntervalMinutes) * time.Minute)
	default:
		return nil
	}
	return &due
}

func levelOffset(level database.EscalationLevel) time.Duration {
	return time.Duration(level.DelayMinutes) * time.Minute
}

// Start returns the active execution for the alert, creating one when none exists.
// The boolean reports whether a new execution was created.
func (e *EscalationEngine) Start(ctx context.Context, req StartRequest, now time.Time) (*database.EscalationExecution, bool, error) {
	var exec *database.EscalationExecution
	var created bool
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		exec, created, err = e.StartInTx(tx, req, now)
		return err
	})
	if err != nil {
		return nil, false, storeError("start escalation", "policy", strconv.FormatUint(uint64(req.PolicyID), 10), err)
	}
	if created {
		e.Announce(ctx, exec, now)
	}
	return exec, created, nil
}

// StartInTx creates an execution inside the caller's transaction. Callers
// must call Announce after the transaction commits for every created execution.
func (e *EscalationEngine) StartInTx(tx *gorm.DB, req StartRequest, now time.Time) (*database.EscalationExecution, bool, error) {
	if req.AlertID == "" {
		return nil, false, &ConfigurationError{Reason: "alert id is required"}
	}

	existing, err := findActiveExecution(tx, req.AlertID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	var policy database.EscalationPolicy
	if err := tx.First(&policy, req.PolicyID).Error; err != nil {
		return nil, false, storeError("load policy", "policy", strconv.FormatUint(uint64(req.PolicyID), 10), err)
	}
	if !policy.IsActive {
		return nil, false, &ConfigurationError{Reason: fmt.Sprintf("policy %q is inactive", policy.Name)}
	}
	if len(policy.Levels) == 0 {
		return nil, false, &ConfigurationError{Reason: fmt.Sprintf("policy %q has no levels", policy.Name)}
	}

	levels := policy.Levels.Clone()
	exec := &database.EscalationExecution{
		AlertID:               req.AlertID,
		AlertTitle:            req.AlertTitle,
		AlertSource:           req.AlertSource,
		PolicyID:              policy.ID,
		PolicyLevels:          levels,
		RepeatIntervalMinutes: policy.RepeatIntervalMinutes,
		CurrentLevel:          levels[0].Level,
		EscalationReason:      req.Reason,
		Status:                database.ExecutionStatusActive,
		EscalatedAt:           now,
		LevelEscalatedAt:      now,
	}
	if levels[0].DelayMinutes == 0 {
		notifiedAt := now
		exec.LastLevelNotifiedAt = &notifiedAt
		exec.NotificationCount = 1
	}
	exec.NextEscalationAt = NextDue(exec)

	// savepoint so a lost race leaves the outer transaction usable
	err = tx.Transaction(func(inner *gorm.DB) error {
		return inner.Create(exec).Error
	})
	if err != nil {
		if !isUniqueViolation(err) {
			return nil, false, err
		}
		existing, findErr := findActiveExecution(tx, req.AlertID)
		if findErr != nil {
			return nil, false, findErr
		}
		if existing == nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return exec, true, nil
}

func findActiveExecution(db *gorm.DB, alertID string) (*database.EscalationExecution, error) {
	var exec database.EscalationExecution
	err := db.Where("alert_id = ? AND status = ?", alertID, database.ExecutionStatusActive).First(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// Announce performs the side effects of a newly created execution: the first
// level notification when it is due immediately, metrics, the started event and
// the deadline. It reports whether a notification was handed to the notifier
// and the enqueue error, if any.
func (e *EscalationEngine) Announce(ctx context.Context, exec *database.EscalationExecution, now time.Time) (bool, error) {
	metrics.EscalationsStarted.WithLabelValues(exec.AlertSource).Inc()
	e.log.Infow("Escalation started",
		"execution", exec.UUID,
		"alert", exec.AlertID,
		"policy", exec.PolicyID,
		"level", exec.CurrentLevel)

	var sent bool
	var enqueueErr error
	if exec.LastLevelNotifiedAt != nil {
		if idx := exec.CurrentLevelIndex(); idx >= 0 {
			enqueueErr = e.notifyLevel(exec, exec.PolicyLevels[idx], false, now)
			sent = enqueueErr == nil
		}
	}

	e.publish(ctx, events.TypeEscalationStarted, exec, now)
	e.syncDeadline(exec)
	return sent, enqueueErr
}

// Advance brings one execution up to date, notifying and advancing level by
// level until nothing more is due at now. It returns the reloaded execution
// and the number of transitions applied.
func (e *EscalationEngine) Advance(ctx context.Context, id uint, now time.Time) (*database.EscalationExecution, int, error) {
	steps := 0
	for attempt := 0; ; attempt++ {
		exec, err := e.GetByID(ctx, id)
		if err != nil {
			return nil, steps, err
		}

		due := NextDue(exec)
		if due == nil || now.Before(*due) || attempt > 2*len(exec.PolicyLevels)+2 {
			e.syncDeadline(exec)
			return exec, steps, nil
		}

		applied, err := e.step(ctx, exec, now)
		if err != nil {
			return nil, steps, err
		}
		if applied {
			steps++
		}
	}
}

// step applies the single transition due for exec. A false result means
// another writer changed the execution first.
func (e *EscalationEngine) step(ctx context.Context, exec *database.EscalationExecution, now time.Time) (bool, error) {
	idx := exec.CurrentLevelIndex()
	if idx < 0 {
		return false, &ConfigurationError{Reason: fmt.Sprintf("execution %s: level %d is not in its policy snapshot", exec.UUID, exec.CurrentLevel)}
	}

	next := *exec
	notifiedAt := now
	next.LastLevelNotifiedAt = &notifiedAt
	next.NotificationCount = exec.NotificationCount + 1

	kind := "notify"
	switch {
	case exec.LastLevelNotifiedAt == nil:
	case idx < len(exec.PolicyLevels)-1:
		kind = "advance"
		next.CurrentLevel = exec.PolicyLevels[idx+1].Level
		next.LevelEscalatedAt = now
		idx++
	default:
		kind = "repeat"
	}
	next.NextEscalationAt = NextDue(&next)

	updates := map[string]interface{}{
		"current_level":          next.CurrentLevel,
		"level_escalated_at":     next.LevelEscalatedAt,
		"last_level_notified_at": now,
		"notification_count":     next.NotificationCount,
		"next_escalation_at":     next.NextEscalationAt,
		"updated_at":             now,
	}

	// notification_count doubles as the row version
	result := e.db.WithContext(ctx).Model(&database.EscalationExecution{}).
		Where("id = ? AND status = ? AND current_level = ? AND notification_count = ? AND acknowledged_at IS NULL",
			exec.ID, database.ExecutionStatusActive, exec.CurrentLevel, exec.NotificationCount).
		Updates(updates)
	if result.Error != nil {
		return false, storeError("advance escalation", "execution", exec.UUID, result.Error)
	}
	if result.RowsAffected == 0 {
		e.log.Debugw("Escalation changed concurrently, re-evaluating", "execution", exec.UUID)
		return false, nil
	}

	level := next.PolicyLevels[idx]
	if err := e.notifyLevel(&next, level, kind == "repeat", now); err != nil {
		e.log.Warnw("Failed to enqueue escalation notification",
			"execution", next.UUID,
			"level", level.Level,
			"error", err)
	}

	switch kind {
	case "advance":
		metrics.EscalationLevelAdvances.WithLabelValues(strconv.Itoa(level.Level)).Inc()
		e.log.Infow("Escalation advanced", "execution", next.UUID, "from", exec.CurrentLevel, "to", level.Level)
		e.publish(ctx, events.TypeEscalationAdvanced, &next, now)
	case "repeat":
		metrics.EscalationRepeats.Inc()
		e.log.Infow("Escalation final level repeated", "execution", next.UUID, "level", level.Level, "count", next.NotificationCount)
		e.publish(ctx, events.TypeEscalationRepeated, &next, now)
	default:
		e.log.Infow("Escalation level notified", "execution", next.UUID, "level", level.Level)
		e.publish(ctx, events.TypeEscalationAdvanced, &next, now)
	}
	return true, nil
}

// Tick advances every execution whose deadline has passed and returns the
// number of transitions applied
func (e *EscalationEngine) Tick(ctx context.Context, now time.Time) (int, error) {
	var ids []uint
	err := e.db.WithContext(ctx).Model(&database.EscalationExecution{}).
		Where("status = ? AND acknowledged_at IS NULL AND next_escalation_at IS NOT NULL AND next_escalation_at <= ?",
			database.ExecutionStatusActive, now).
		Order("next_escalation_at").
		Pluck("id", &ids).Error
	if err != nil {
		return 0, storeError("list due escalations", "execution", "", err)
	}

	total := 0
	for _, id := range ids {
		_, steps, err := e.Advance(ctx, id, now)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			var cfg *ConfigurationError
			if errors.As(err, &cfg) {
				e.log.Errorw("Skipping unadvanceable escalation", "id", id, "error", err)
				continue
			}
			return total, err
		}
		total += steps
	}
	return total, nil
}

// PendingDeadlines lists the next deadline of every active execution
func (e *EscalationEngine) PendingDeadlines(ctx context.Context) ([]Deadline, error) {
	var rows []database.EscalationExecution
	err := e.db.WithContext(ctx).
		Select("id", "next_escalation_at").
		Where("status = ? AND acknowledged_at IS NULL AND next_escalation_at IS NOT NULL", database.ExecutionStatusActive).
		Find(&rows).Error
	if err != nil {
		return nil, storeError("list pending deadlines", "execution", "", err)
	}

	deadlines := make([]Deadline, 0, len(rows))
	for _, row := range rows {
		deadlines = append(deadlines, Deadline{ID: row.ID, Due: *row.NextEscalationAt})
	}
	return deadlines, nil
}

// Resolve terminates an active execution as resolved
func (e *EscalationEngine) Resolve(ctx context.Context, uuid, resolvedBy string, now time.Time) (*database.EscalationExecution, error) {
	return e.terminate(ctx, uuid, now, database.ExecutionStatusResolved, map[string]interface{}{
		"status":             database.ExecutionStatusResolved,
		"resolved_at":        now,
		"resolved_by":        resolvedBy,
		"next_escalation_at": nil,
		"updated_at":         now,
	})
}

// Cancel terminates an active execution as cancelled, e.g. for a false positive
func (e *EscalationEngine) Cancel(ctx context.Context, uuid, reason string, now time.Time) (*database.EscalationExecution, error) {
	return e.terminate(ctx, uuid, now, database.ExecutionStatusCancelled, map[string]interface{}{
		"status":             database.ExecutionStatusCancelled,
		"cancelled_at":       now,
		"cancel_reason":      reason,
		"next_escalation_at": nil,
		"updated_at":         now,
	})
}

// ResolveByAlert resolves the active execution of an alert, if any
func (e *EscalationEngine) ResolveByAlert(ctx context.Context, alertID, resolvedBy string, now time.Time) (*database.EscalationExecution, error) {
	exec, err := findActiveExecution(e.db.WithContext(ctx), alertID)
	if err != nil {
		return nil, storeError("find escalation", "execution", alertID, err)
	}
	if exec == nil {
		return nil, &NotFoundError{Kind: "active execution for alert", ID: alertID}
	}
	return e.Resolve(ctx, exec.UUID, resolvedBy, now)
}

func (e *EscalationEngine) terminate(ctx context.Context, uuid string, now time.Time, status database.ExecutionStatus, updates map[string]interface{}) (*database.EscalationExecution, error) {
	result := e.db.WithContext(ctx).Model(&database.EscalationExecution{}).
		Where("uuid = ? AND status = ?", uuid, database.ExecutionStatusActive).
		Updates(updates)
	if result.Error != nil {
		return nil, storeError(string(status)+" escalation", "execution", uuid, result.Error)
	}

	exec, err := e.Get(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		return nil, &AlreadyTerminalError{Kind: "execution", ID: uuid, Status: string(exec.Status)}
	}

	metrics.EscalationsTerminated.WithLabelValues(string(status)).Inc()
	e.log.Infow("Escalation terminated", "execution", uuid, "status", status, "level", exec.CurrentLevel)

	eventType := events.TypeEscalationResolved
	if status == database.ExecutionStatusCancelled {
		eventType = events.TypeEscalationCancelled
	}
	e.publish(ctx, eventType, exec, now)
	e.syncDeadline(exec)
	return exec, nil
}

// Assign sets the assignee of an active execution without changing its state
func (e *EscalationEngine) Assign(ctx context.Context, uuid, assignee string, now time.Time) (*database.EscalationExecution, error) {
	if assignee == "" {
		return nil, &ConfigurationError{Reason: "assignee is required"}
	}

	result := e.db.WithContext(ctx).Model(&database.EscalationExecution{}).
		Where("uuid = ? AND status = ?", uuid, database.ExecutionStatusActive).
		Updates(map[string]interface{}{"assigned_to": assignee, "updated_at": now})
	if result.Error != nil {
		return nil, storeError("assign escalation", "execution", uuid, result.Error)
	}

	exec, err := e.Get(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		return nil, &AlreadyTerminalError{Kind: "execution", ID: uuid, Status: string(exec.Status)}
	}

	e.log.Infow("Escalation assigned", "execution", uuid, "assignee", assignee)
	e.publish(ctx, events.TypeEscalationAssigned, exec, now)
	return exec, nil
}

// Acknowledge records that someone is handling the alert. It stops further
// advancement and repeats; acknowledging at the final level resolves the execution.
func (e *EscalationEngine) Acknowledge(ctx context.Context, uuid, user string, now time.Time) (*database.EscalationExecution, error) {
	if user == "" {
		return nil, &ConfigurationError{Reason: "user is required"}
	}

	for attempt := 0; attempt < 3; attempt++ {
		exec, err := e.Get(ctx, uuid)
		if err != nil {
			return nil, err
		}
		if exec.Status.IsTerminal() {
			return nil, &AlreadyTerminalError{Kind: "execution", ID: uuid, Status: string(exec.Status)}
		}
		if exec.AcknowledgedAt != nil {
			return nil, &AlreadyTerminalError{Kind: "execution", ID: uuid, Status: "acknowledged"}
		}

		updates := map[string]interface{}{
			"acknowledged_by":    user,
			"acknowledged_at":    now,
			"next_escalation_at": nil,
			"updated_at":         now,
		}
		final := exec.IsFinalLevel()
		if final {
			updates["status"] = database.ExecutionStatusResolved
			updates["resolved_at"] = now
			updates["resolved_by"] = user
		}

		result := e.db.WithContext(ctx).Model(&database.EscalationExecution{}).
			Where("id = ? AND status = ? AND current_level = ? AND acknowledged_at IS NULL",
				exec.ID, database.ExecutionStatusActive, exec.CurrentLevel).
			Updates(updates)
		if result.Error != nil {
			return nil, storeError("acknowledge escalation", "execution", uuid, result.Error)
		}
		if result.RowsAffected == 0 {
			continue
		}

		exec, err = e.Get(ctx, uuid)
		if err != nil {
			return nil, err
		}
		e.log.Infow("Escalation acknowledged", "execution", uuid, "user", user, "level", exec.CurrentLevel, "resolved", final)
		if final {
			metrics.EscalationsTerminated.WithLabelValues(string(database.ExecutionStatusResolved)).Inc()
			e.publish(ctx, events.TypeEscalationResolved, exec, now)
		} else {
			e.publish(ctx, events.TypeEscalationAcked, exec, now)
		}
		e.syncDeadline(exec)
		return exec, nil
	}
	return nil, &ConflictError{Reason: fmt.Sprintf("execution %s kept changing during acknowledgement", uuid)}
}

// Get returns an execution by UUID
func (e *EscalationEngine) Get(ctx context.Context, uuid string) (*database.EscalationExecution, error) {
	var exec database.EscalationExecution
	if err := e.db.WithContext(ctx).Where("uuid = ?", uuid).First(&exec).Error; err != nil {
		return nil, storeError("get escalation", "execution", uuid, err)
	}
	return &exec, nil
}

// GetByID returns an execution by primary key
func (e *EscalationEngine) GetByID(ctx context.Context, id uint) (*database.EscalationExecution, error) {
	var exec database.EscalationExecution
	if err := e.db.WithContext(ctx).First(&exec, id).Error; err != nil {
		return nil, storeError("get escalation", "execution", strconv.FormatUint(uint64(id), 10), err)
	}
	return &exec, nil
}

// List returns executions matching the filter, newest first, with the total count
func (e *EscalationEngine) List(ctx context.Context, filter ExecutionFilter) ([]database.EscalationExecution, int64, error) {
	query := e.db.WithContext(ctx).Model(&database.EscalationExecution{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.AlertSource != "" {
		query = query.Where("alert_source = ?", filter.AlertSource)
	}
	if filter.AlertID != "" {
		query = query.Where("alert_id = ?", filter.AlertID)
	}
	if filter.PolicyID != nil {
		query = query.Where("policy_id = ?", *filter.PolicyID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, storeError("count escalations", "execution", "", err)
	}

	query = filter.Page.apply(query)

	var execs []database.EscalationExecution
	if err := query.Order("escalated_at DESC, id DESC").Find(&execs).Error; err != nil {
		return nil, 0, storeError("list escalations", "execution", "", err)
	}
	return execs, total, nil
}

func (e *EscalationEngine) notifyLevel(exec *database.EscalationExecution, level database.EscalationLevel, repeat bool, now time.Time) error {
	if e.notifier == nil {
		return nil
	}

	kind := notify.KindEscalation
	if repeat {
		kind = notify.KindRepeat
	}
	subject, body := output.FormatEscalation(exec, level, repeat, now)
	id := fmt.Sprintf("escalation:%s:L%d", exec.UUID, level.Level)
	log := e.log

	return e.notifier.Enqueue(notify.Message{
		ID:         id,
		Kind:       kind,
		Recipients: append([]string(nil), level.Recipients...),
		Subject:    subject,
		Body:       body,
		Severity:   "high",
		Actions: []notify.Action{
			{ID: notify.ActionAckExecution, Value: exec.UUID, Label: "Acknowledge"},
			{ID: notify.ActionResolveExecution, Value: exec.UUID, Label: "Resolve"},
		},
		OnResult: func(err error) {
			if err != nil {
				log.Warnw("Escalation notification not delivered", "id", id, "error", err)
			}
		},
	})
}

func (e *EscalationEngine) syncDeadline(exec *database.EscalationExecution) {
	e.mu.RLock()
	sink := e.sink
	e.mu.RUnlock()
	if sink == nil {
		return
	}

	if due := NextDue(exec); due != nil {
		sink.Schedule(exec.ID, *due)
	} else {
		sink.Remove(exec.ID)
	}
}

func (e *EscalationEngine) publish(ctx context.Context, eventType string, exec *database.EscalationExecution, now time.Time) {
	if err := e.events.Publish(ctx, events.New(eventType, now, exec)); err != nil {
		e.log.Debugw("Failed to publish escalation event", "type", eventType, "error", err)
	}
}
