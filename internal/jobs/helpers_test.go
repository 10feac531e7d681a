package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/akmatori/riskwatch/internal/database"
	"github.com/akmatori/riskwatch/internal/services"
	"github.com/akmatori/riskwatch/internal/testhelpers"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return t0.Add(time.Duration(minutes) * time.Minute)
}

type jobEnv struct {
	db        *gorm.DB
	log       *zap.SugaredLogger
	notifier  *testhelpers.FakeNotifier
	engine    *services.EscalationEngine
	breaches  *services.BreachService
	metrics   *services.MetricService
	policies  *services.PolicyService
	incidents *services.IncidentService
}

func newJobEnv(t *testing.T) *jobEnv {
	t.Helper()
	db := testhelpers.OpenTestDB(t)
	log := zap.NewNop().Sugar()
	notifier := &testhelpers.FakeNotifier{}
	engine := services.NewEscalationEngine(db, notifier, nil, log)
	breaches := services.NewBreachService(db, engine, notifier, nil, log)
	return &jobEnv{
		db:        db,
		log:       log,
		notifier:  notifier,
		engine:    engine,
		breaches:  breaches,
		metrics:   services.NewMetricService(db, breaches, nil, log),
		policies:  services.NewPolicyService(db, log),
		incidents: services.NewIncidentService(db, engine, log),
	}
}

// policy creates a policy with cumulative delays of 0, 30 and 120 minutes
func (e *jobEnv) policy(t *testing.T, name string) *database.EscalationPolicy {
	t.Helper()
	policy, err := e.policies.CreatePolicy(context.Background(), services.PolicyInput{
		Name: name,
		Levels: []database.EscalationLevel{
			{Level: 1, DelayMinutes: 0, Recipients: []string{"slack:#compliance"}},
			{Level: 2, DelayMinutes: 30, Recipients: []string{"head-of-compliance@example.com"}},
			{Level: 3, DelayMinutes: 120, Recipients: []string{"cro@example.com"}},
		},
	})
	if err != nil {
		t.Fatalf("failed to create policy: %v", err)
	}
	return policy
}

// incident reports an incident at t0 with a one hour SLA
func (e *jobEnv) incident(t *testing.T, title string, policyID *uint) *database.Incident {
	t.Helper()
	incident, err := e.incidents.CreateIncident(context.Background(), services.IncidentInput{
		Title:              title,
		Severity:           database.IncidentSeverityHigh,
		ReportedAt:         t0,
		SLAMinutes:         60,
		EscalationPolicyID: policyID,
	}, t0)
	if err != nil {
		t.Fatalf("failed to create incident: %v", err)
	}
	return incident
}

func countExecutions(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&database.EscalationExecution{}).Count(&n).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return n
}
