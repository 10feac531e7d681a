package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/akmatori/riskwatch/internal/database"
	"github.com/akmatori/riskwatch/internal/jobs"
	"github.com/akmatori/riskwatch/internal/services"
	"github.com/akmatori/riskwatch/internal/testhelpers"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeScanner struct {
	summary *jobs.ScanSummary
	err     error
	calls   int
}

func (f *fakeScanner) Scan(_ context.Context, _ time.Time) (*jobs.ScanSummary, error) {
	f.calls++
	return f.summary, f.err
}

type apiEnv struct {
	db        *gorm.DB
	mux       *http.ServeMux
	notifier  *testhelpers.FakeNotifier
	publisher *testhelpers.FakePublisher
	scanner   *fakeScanner
	svc       Services
	handler   *APIHandler
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	db := testhelpers.OpenTestDB(t)
	log := zap.NewNop().Sugar()
	notifier := &testhelpers.FakeNotifier{}
	publisher := &testhelpers.FakePublisher{}
	scanner := &fakeScanner{summary: &jobs.ScanSummary{}}

	engine := services.NewEscalationEngine(db, notifier, publisher, log)
	breaches := services.NewBreachService(db, engine, notifier, publisher, log)
	svc := Services{
		Metrics:   services.NewMetricService(db, breaches, publisher, log),
		Breaches:  breaches,
		Policies:  services.NewPolicyService(db, log),
		Engine:    engine,
		Incidents: services.NewIncidentService(db, engine, log),
		Reports:   services.NewReportService(db),
		Scanner:   scanner,
	}

	h := NewAPIHandler(svc, db, nil, log)
	mux := http.NewServeMux()
	h.SetupRoutes(mux)

	return &apiEnv{
		db:        db,
		mux:       mux,
		notifier:  notifier,
		publisher: publisher,
		scanner:   scanner,
		svc:       svc,
		handler:   h,
	}
}

func (e *apiEnv) do(t *testing.T, method, path string, body interface{}) *testhelpers.HTTPTestContext {
	t.Helper()
	ctx := testhelpers.NewHTTPTestContext(t, method, path, nil).WithUser("alice")
	if body != nil {
		ctx.WithJSONBody(body)
	}
	return ctx.Execute(e.mux)
}

func (e *apiEnv) policy(t *testing.T) *database.EscalationPolicy {
	t.Helper()
	policy, err := e.svc.Policies.CreatePolicy(context.Background(), testhelpers.NewPolicyBuilder().Build())
	testhelpers.AssertNoError(t, err, "create policy")
	return policy
}

// breachingMetric defines a metric escalating through policy and ingests a
// reading 15% over its threshold
func (e *apiEnv) breachingMetric(t *testing.T, policyID uint) *services.IngestResult {
	t.Helper()
	ctx := context.Background()
	metric, err := e.svc.Metrics.DefineMetric(ctx, testhelpers.NewMetricBuilder().WithPolicy(policyID).Build())
	testhelpers.AssertNoError(t, err, "define metric")

	measured := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	res, err := e.svc.Metrics.IngestReading(ctx, metric.ID, 115, measured, "test", time.Now().UTC())
	testhelpers.AssertNoError(t, err, "ingest reading")
	if res.Notification == nil || res.Execution == nil {
		t.Fatalf("expected breach notification and execution, got %+v", res)
	}
	return res
}
