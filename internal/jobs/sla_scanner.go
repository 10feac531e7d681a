package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/akmatori/riskwatch/internal/database"
	"github.com/akmatori/riskwatch/internal/events"
	"github.com/akmatori/riskwatch/internal/metrics"
	"github.com/akmatori/riskwatch/internal/output"
	"github.com/akmatori/riskwatch/internal/services"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultScanInterval = 5 * time.Minute

// ScanSummary reports what one SLA scan cycle did
type ScanSummary struct {
	IncidentsChecked    int `json:"incidents_checked"`
	BreachesFound       int `json:"breaches_found"`
	EscalationsCreated  int `json:"escalations_created"`
	NotificationsSent   int `json:"notifications_sent"`
	NotificationsFailed int `json:"notifications_failed"`
	Skipped             int `json:"skipped"`
}

// SLAScanner finds open incidents past their SLA deadline and starts an
// escalation for each one that has none active
type SLAScanner struct {
	db     *gorm.DB
	engine *services.EscalationEngine
	events events.Publisher
	log    *zap.SugaredLogger

	// one scan at a time per process; concurrent processes rely on the
	// active-alert unique index
	mu sync.Mutex
}

// NewSLAScanner creates a new SLA scanner
func NewSLAScanner(db *gorm.DB, engine *services.EscalationEngine, publisher events.Publisher, log *zap.SugaredLogger) *SLAScanner {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &SLAScanner{
		db:     db,
		engine: engine,
		events: publisher,
		log:    log,
	}
}

type slaBreach struct {
	incident database.Incident
	dueAt    time.Time
	policyID *uint
}

// Scan runs one cycle. All escalations of a cycle are created in a single
// transaction: a store failure rolls the whole cycle back and is returned as
// a StoreUnavailableError. Incidents that cannot be escalated because of
// their configuration are counted as skipped and do not fail the cycle.
func (s *SLAScanner) Scan(ctx context.Context, now time.Time) (*ScanSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	summary, err := s.scan(ctx, now)
	metrics.SLAScanDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SLAScans.WithLabelValues("failed").Inc()
		s.log.Errorw("SLA scan failed", "error", err)
		return nil, err
	}

	metrics.SLAScans.WithLabelValues("ok").Inc()
	metrics.SLABreachesFound.Add(float64(summary.BreachesFound))
	s.log.Infow("SLA scan completed",
		"checked", summary.IncidentsChecked,
		"breaches", summary.BreachesFound,
		"created", summary.EscalationsCreated,
		"sent", summary.NotificationsSent,
		"failed", summary.NotificationsFailed,
		"skipped", summary.Skipped)
	if err := s.events.Publish(ctx, events.New(events.TypeSLAScanCompleted, now, summary)); err != nil {
		s.log.Debugw("Failed to publish scan event", "error", err)
	}
	return summary, nil
}

func (s *SLAScanner) scan(ctx context.Context, now time.Time) (*ScanSummary, error) {
	db := s.db.WithContext(ctx)
	settings, err := database.GetOrCreateEscalationSettings(db)
	if err != nil {
		return nil, &services.StoreUnavailableError{Op: "load escalation settings", Err: err}
	}
	incidents, err := services.ListOpenIncidents(db)
	if err != nil {
		return nil, &services.StoreUnavailableError{Op: "list open incidents", Err: err}
	}

	summary := &ScanSummary{IncidentsChecked: len(incidents)}
	var breaches []slaBreach
	for _, incident := range incidents {
		dueAt := settings.DueAt(&incident)
		if !now.After(dueAt) {
			continue
		}
		summary.BreachesFound++

		policyID := incident.EscalationPolicyID
		if policyID == nil {
			policyID = settings.DefaultPolicyID
		}
		if policyID == nil {
			summary.Skipped++
			s.log.Warnw("Overdue incident has no escalation policy", "incident", incident.UUID)
			continue
		}
		breaches = append(breaches, slaBreach{incident: incident, dueAt: dueAt, policyID: policyID})
	}

	var created []*database.EscalationExecution
	err = db.Transaction(func(tx *gorm.DB) error {
		for _, b := range breaches {
			exec, isNew, err := s.engine.StartInTx(tx, services.StartRequest{
				AlertID:     b.incident.AlertID(),
				AlertTitle:  b.incident.Title,
				AlertSource: database.AlertSourceIncident,
				PolicyID:    *b.policyID,
				Reason:      output.SLABreachReason(&b.incident, b.dueAt, now),
			}, now)
			if err != nil {
				if isRecordError(err) {
					summary.Skipped++
					s.log.Warnw("Skipping overdue incident", "incident", b.incident.UUID, "error", err)
					continue
				}
				return err
			}
			if isNew {
				created = append(created, exec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, &services.StoreUnavailableError{Op: "sla scan", Err: err}
	}

	summary.EscalationsCreated = len(created)
	for _, exec := range created {
		sent, err := s.engine.Announce(ctx, exec, now)
		switch {
		case err != nil:
			summary.NotificationsFailed++
		case sent:
			summary.NotificationsSent++
		}
	}
	return summary, nil
}

// isRecordError reports errors caused by one incident's configuration rather than the store
func isRecordError(err error) bool {
	var cfg *services.ConfigurationError
	return errors.As(err, &cfg) || errors.Is(err, services.ErrNotFound)
}

// Start runs Scan on every tick until stop is closed. Cycles are skipped
// while SLA scanning is disabled in the settings. The settings are re-read on
// every tick and a changed interval takes effect from the following tick.
func (s *SLAScanner) Start(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		interval = defaultScanInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			settings, err := database.GetOrCreateEscalationSettings(s.db)
			if err != nil {
				s.log.Errorw("SLA scanner could not load settings", "error", err)
				continue
			}
			if next := settings.ScanInterval(interval); next != interval {
				s.log.Infow("SLA scan interval changed", "from", interval, "to", next)
				interval = next
				ticker.Reset(interval)
			}
			if !settings.SLAScanEnabled {
				continue
			}
			// failures are logged by Scan and retried on the next tick
			_, _ = s.Scan(context.Background(), time.Now().UTC())
		case <-stop:
			s.log.Info("SLA scanner stopped")
			return
		}
	}
}
