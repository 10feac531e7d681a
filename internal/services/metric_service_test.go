package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/akmatori/riskwatch/internal/database"
	"github.com/akmatori/riskwatch/internal/variance"
)

func TestMetricService_DefineMetric_Validation(t *testing.T) {
	env := newTestEnv(t)
	missingPolicy := uint(42)

	tests := []struct {
		name  string
		input MetricInput
	}{
		{
			name:  "zero threshold",
			input: MetricInput{Name: "capital_ratio", ToleranceBand: variance.ToleranceBand{AppetiteThreshold: 0, WarningPercentage: 0.1, BreachPercentage: 0.2}},
		},
		{
			name:  "negative threshold",
			input: MetricInput{Name: "capital_ratio", ToleranceBand: variance.ToleranceBand{AppetiteThreshold: -100, WarningPercentage: 0.1, BreachPercentage: 0.25}},
		},
		{
			name:  "warning not below breach",
			input: MetricInput{Name: "capital_ratio", ToleranceBand: variance.ToleranceBand{AppetiteThreshold: 10, WarningPercentage: 0.3, BreachPercentage: 0.2}},
		},
		{
			name:  "bad name",
			input: MetricInput{Name: "Capital Ratio", ToleranceBand: variance.ToleranceBand{AppetiteThreshold: 10, WarningPercentage: 0.1, BreachPercentage: 0.2}},
		},
		{
			name: "bad recipient",
			input: MetricInput{Name: "capital_ratio", ToleranceBand: variance.ToleranceBand{AppetiteThreshold: 10, WarningPercentage: 0.1, BreachPercentage: 0.2},
				Recipients: []string{"mailto:not an address"}},
		},
		{
			name: "unknown policy",
			input: MetricInput{Name: "capital_ratio", ToleranceBand: variance.ToleranceBand{AppetiteThreshold: 10, WarningPercentage: 0.1, BreachPercentage: 0.2},
				EscalationPolicyID: &missingPolicy},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.metrics.DefineMetric(context.Background(), tt.input)
			var cfg *ConfigurationError
			if !errors.As(err, &cfg) {
				t.Errorf("expected ConfigurationError, got %v", err)
			}
		})
	}

	if n := countRows(t, env.db, &database.MetricDefinition{}); n != 0 {
		t.Errorf("expected no metrics stored, got %d", n)
	}
}

func TestMetricService_DefineMetric_DuplicateAndDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.standardMetric(t, nil)

	_, err := env.metrics.DefineMetric(context.Background(), MetricInput{
		Name:          "liquidity_coverage",
		ToleranceBand: variance.ToleranceBand{AppetiteThreshold: 1, WarningPercentage: 0.1, BreachPercentage: 0.2},
	})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Errorf("expected ConflictError for duplicate name, got %v", err)
	}

	disabled := false
	metric, err := env.metrics.DefineMetric(context.Background(), MetricInput{
		Name:          "paused_metric",
		ToleranceBand: variance.ToleranceBand{AppetiteThreshold: 1, WarningPercentage: 0.1, BreachPercentage: 0.2},
		Enabled:       &disabled,
	})
	if err != nil {
		t.Fatalf("define: %v", err)
	}
	stored, _ := env.metrics.GetMetric(context.Background(), metric.ID)
	if stored.Enabled {
		t.Errorf("expected metric stored disabled")
	}

	_, err = env.metrics.IngestReading(context.Background(), metric.ID, 5, at(0), "test", at(0))
	var cfg *ConfigurationError
	if !errors.As(err, &cfg) {
		t.Errorf("expected ConfigurationError ingesting into disabled metric, got %v", err)
	}
}

func TestMetricService_WarningNotifiesOwnersOnly(t *testing.T) {
	env := newTestEnv(t)
	policy := env.threeLevelPolicy(t, 0)
	metric := env.standardMetric(t, &policy.ID)

	res, err := env.metrics.IngestReading(context.Background(), metric.ID, 115, at(0), "test", at(0))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Variance.VarianceStatus != variance.StatusWarning {
		t.Errorf("expected warning, got %s", res.Variance.VarianceStatus)
	}
	if !approxEqual(res.Variance.VariancePercentage, 0.15) {
		t.Errorf("expected variance 0.15, got %v", res.Variance.VariancePercentage)
	}
	if res.Notification == nil || res.Notification.BreachType != "warning" {
		t.Fatalf("expected warning notification, got %+v", res.Notification)
	}
	if res.Execution != nil {
		t.Errorf("warnings must not escalate")
	}
	if n := countRows(t, env.db, &database.EscalationExecution{}); n != 0 {
		t.Errorf("expected no executions, got %d", n)
	}
}

func TestMetricService_BreachStartsOneEscalation(t *testing.T) {
	env := newTestEnv(t)
	policy := env.threeLevelPolicy(t, 0)
	metric := env.standardMetric(t, &policy.ID)
	ctx := context.Background()

	first, err := env.metrics.IngestReading(ctx, metric.ID, 130, at(0), "test", at(0))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if first.Variance.VarianceStatus != variance.StatusBreach || !approxEqual(first.Variance.VariancePercentage, 0.30) {
		t.Errorf("expected breach at 0.30, got %s at %v", first.Variance.VarianceStatus, first.Variance.VariancePercentage)
	}
	if first.Notification == nil || first.Notification.BreachType != "breach" || first.Notification.NotificationSent {
		t.Fatalf("expected unsent breach notification, got %+v", first.Notification)
	}
	if first.Notification.ThresholdValue != 100 || first.Notification.ActualValue != 130 {
		t.Errorf("unexpected notification values %+v", first.Notification)
	}
	if first.Execution == nil || first.Execution.AlertID != metric.AlertID() {
		t.Fatalf("expected escalation for %s, got %+v", metric.AlertID(), first.Execution)
	}

	second, err := env.metrics.IngestReading(ctx, metric.ID, 130, at(0), "test", at(1))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed {
		t.Errorf("expected replay")
	}
	if second.Notification.UUID != first.Notification.UUID {
		t.Errorf("replay produced a different notification")
	}
	if n := countRows(t, env.db, &database.BreachNotification{}); n != 1 {
		t.Errorf("expected exactly 1 notification, got %d", n)
	}
	if n := countRows(t, env.db, &database.MetricReading{}); n != 1 {
		t.Errorf("expected exactly 1 reading, got %d", n)
	}
	if n := countRows(t, env.db, &database.EscalationExecution{}); n != 1 {
		t.Errorf("expected exactly 1 execution, got %d", n)
	}

	breachMessages := 0
	for _, msg := range env.notifier.Messages() {
		if msg.ID == "breach:"+first.Notification.UUID {
			breachMessages++
		}
	}
	if breachMessages != 1 {
		t.Errorf("expected one breach message, got %d", breachMessages)
	}
}

func TestMetricService_WithinAppetite(t *testing.T) {
	env := newTestEnv(t)
	metric := env.standardMetric(t, nil)

	res, err := env.metrics.IngestReading(context.Background(), metric.ID, 95, at(0), "test", at(0))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if res.Variance.VarianceStatus != variance.StatusWithinAppetite {
		t.Errorf("expected within_appetite, got %s", res.Variance.VarianceStatus)
	}
	if res.Notification != nil {
		t.Errorf("expected no notification")
	}
}

func TestMetricService_ConflictingReading(t *testing.T) {
	env := newTestEnv(t)
	metric := env.standardMetric(t, nil)
	ctx := context.Background()

	if _, err := env.metrics.IngestReading(ctx, metric.ID, 101, at(0), "test", at(0)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	_, err := env.metrics.IngestReading(ctx, metric.ID, 150, at(0), "test", at(1))
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Errorf("expected ConflictError, got %v", err)
	}

	if _, err := env.metrics.IngestReading(ctx, 999, 1, at(0), "test", at(0)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown metric, got %v", err)
	}
}

func TestMetricService_UpdateToleranceBand_Reclassifies(t *testing.T) {
	env := newTestEnv(t)
	metric := env.standardMetric(t, nil)
	ctx := context.Background()

	if _, err := env.metrics.IngestReading(ctx, metric.ID, 95, at(0), "test", at(0)); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if _, err := env.metrics.IngestReading(ctx, metric.ID, 115, at(60*24), "test", at(60*24)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	res, err := env.metrics.UpdateToleranceBand(ctx, metric.ID, variance.ToleranceBand{
		AppetiteThreshold: 100,
		WarningPercentage: 0.05,
		BreachPercentage:  0.12,
	}, at(60*25))
	if err != nil {
		t.Fatalf("update band: %v", err)
	}
	if res.Variance == nil || res.Variance.VarianceStatus != variance.StatusBreach {
		t.Fatalf("expected latest reading re-classified as breach, got %+v", res.Variance)
	}
	if res.Variance.BreachPercentage != 0.12 {
		t.Errorf("expected band snapshot on the new record")
	}
	if res.Notification == nil || res.Notification.BreachType != "breach" {
		t.Errorf("expected breach notification after re-classification")
	}

	current, err := env.metrics.ListVariances(ctx, metric.ID, false, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(current) != 2 {
		t.Fatalf("expected 2 current records (one per reading), got %d", len(current))
	}
	if current[0].VarianceStatus != variance.StatusBreach || current[1].VarianceStatus != variance.StatusWithinAppetite {
		t.Errorf("older reading must not be rewritten: %s / %s", current[0].VarianceStatus, current[1].VarianceStatus)
	}

	all, err := env.metrics.ListVariances(ctx, metric.ID, true, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected superseded record kept, got %d records", len(all))
	}
	superseded := 0
	for _, r := range all {
		if r.Superseded {
			superseded++
			if r.VarianceStatus != variance.StatusWarning || r.SupersededAt == nil {
				t.Errorf("unexpected superseded record %+v", r)
			}
		}
	}
	if superseded != 1 {
		t.Errorf("expected 1 superseded record, got %d", superseded)
	}

	if n := countRows(t, env.db, &database.BreachNotification{}); n != 2 {
		t.Errorf("expected warning and breach notifications, got %d", n)
	}
}

func TestMetricService_UpdateToleranceBand_NoReadings(t *testing.T) {
	env := newTestEnv(t)
	metric := env.standardMetric(t, nil)

	res, err := env.metrics.UpdateToleranceBand(context.Background(), metric.ID, variance.ToleranceBand{
		AppetiteThreshold: 50, WarningPercentage: 0.2, BreachPercentage: 0.4,
	}, at(0))
	if err != nil {
		t.Fatalf("update band: %v", err)
	}
	if res.Variance != nil {
		t.Errorf("expected no re-classification without readings")
	}
	stored, _ := env.metrics.GetMetric(context.Background(), metric.ID)
	if stored.AppetiteThreshold != 50 || stored.BreachPercentage != 0.4 {
		t.Errorf("band not stored: %+v", stored)
	}

	_, err = env.metrics.UpdateToleranceBand(context.Background(), metric.ID, variance.ToleranceBand{}, at(0))
	var cfg *ConfigurationError
	if !errors.As(err, &cfg) {
		t.Errorf("expected ConfigurationError for empty band, got %v", err)
	}
}

func TestMetricService_ConcurrentIngestSameReading(t *testing.T) {
	env := newTestEnv(t)
	policy := env.threeLevelPolicy(t, 0)
	metric := env.standardMetric(t, &policy.ID)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.metrics.IngestReading(context.Background(), metric.ID, 140, at(0), "test", time.Now().UTC()); err != nil {
				t.Errorf("ingest: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := countRows(t, env.db, &database.MetricReading{}); n != 1 {
		t.Errorf("expected 1 reading, got %d", n)
	}
	if n := countRows(t, env.db, &database.BreachNotification{}); n != 1 {
		t.Errorf("expected 1 notification, got %d", n)
	}
	if n := countRows(t, env.db, &database.EscalationExecution{}); n != 1 {
		t.Errorf("expected 1 execution, got %d", n)
	}
}
