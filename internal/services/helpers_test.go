package services

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/akmatori/riskwatch/internal/database"
	"github.com/akmatori/riskwatch/internal/events"
	"github.com/akmatori/riskwatch/internal/notify"
	"github.com/akmatori/riskwatch/internal/variance"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return t0.Add(time.Duration(minutes) * time.Minute)
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open("sqlite://:memory:", logger.Silent)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []notify.Message
	err      error
}

func (f *fakeNotifier) Enqueue(msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeNotifier) Messages() []notify.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Message(nil), f.messages...)
}

type fakeSink struct {
	mu      sync.Mutex
	due     map[uint]time.Time
	removed map[uint]bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{due: make(map[uint]time.Time), removed: make(map[uint]bool)}
}

func (f *fakeSink) Schedule(id uint, due time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.due[id] = due
	delete(f.removed, id)
}

func (f *fakeSink) Remove(id uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.due, id)
	f.removed[id] = true
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *fakePublisher) Publish(_ context.Context, evt events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return nil
}

func (f *fakePublisher) Types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []string
	for _, evt := range f.events {
		types = append(types, evt.Type)
	}
	return types
}

// testEnv wires every service against one in-memory database
type testEnv struct {
	db        *gorm.DB
	notifier  *fakeNotifier
	publisher *fakePublisher
	engine    *EscalationEngine
	breaches  *BreachService
	metrics   *MetricService
	policies  *PolicyService
	incidents *IncidentService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := setupTestDB(t)
	notifier := &fakeNotifier{}
	publisher := &fakePublisher{}
	engine := NewEscalationEngine(db, notifier, publisher, testLogger())
	breaches := NewBreachService(db, engine, notifier, publisher, testLogger())
	return &testEnv{
		db:        db,
		notifier:  notifier,
		publisher: publisher,
		engine:    engine,
		breaches:  breaches,
		metrics:   NewMetricService(db, breaches, publisher, testLogger()),
		policies:  NewPolicyService(db, testLogger()),
		incidents: NewIncidentService(db, engine, testLogger()),
	}
}

// threeLevelPolicy has cumulative delays of 0, 30 and 120 minutes
func (e *testEnv) threeLevelPolicy(t *testing.T, repeatMinutes int) *database.EscalationPolicy {
	t.Helper()
	policy, err := e.policies.CreatePolicy(context.Background(), PolicyInput{
		Name: "three-level",
		Levels: []database.EscalationLevel{
			{Level: 1, DelayMinutes: 0, Recipients: []string{"slack:#risk-oncall"}},
			{Level: 2, DelayMinutes: 30, Recipients: []string{"risk-manager@example.com"}},
			{Level: 3, DelayMinutes: 120, Recipients: []string{"cro@example.com", "slack:#exec"}},
		},
		RepeatIntervalMinutes: repeatMinutes,
	})
	if err != nil {
		t.Fatalf("failed to create policy: %v", err)
	}
	return policy
}

// standardMetric has threshold 100, warning at 10% and breach at 25%
func (e *testEnv) standardMetric(t *testing.T, policyID *uint) *database.MetricDefinition {
	t.Helper()
	metric, err := e.metrics.DefineMetric(context.Background(), MetricInput{
		Name: "liquidity_coverage",
		Unit: "%",
		ToleranceBand: variance.ToleranceBand{
			AppetiteThreshold: 100,
			WarningPercentage: 0.10,
			BreachPercentage:  0.25,
		},
		EscalationPolicyID: policyID,
		Recipients:         []string{"risk-team@example.com"},
	})
	if err != nil {
		t.Fatalf("failed to define metric: %v", err)
	}
	return metric
}

func (e *testEnv) startAlert(t *testing.T, alertID string, policyID uint, now time.Time) *database.EscalationExecution {
	t.Helper()
	exec, created, err := e.engine.Start(context.Background(), StartRequest{
		AlertID:     alertID,
		AlertTitle:  "Test alert " + alertID,
		AlertSource: database.AlertSourceMetric,
		PolicyID:    policyID,
		Reason:      "test",
	}, now)
	if err != nil {
		t.Fatalf("failed to start escalation: %v", err)
	}
	if !created {
		t.Fatalf("expected a new execution for %s", alertID)
	}
	return exec
}

func countRows(t *testing.T, db *gorm.DB, model interface{}) int64 {
	t.Helper()
	var n int64
	if err := db.Model(model).Count(&n).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return n
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
