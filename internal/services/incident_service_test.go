package services

import (
	"context"
	"errors"
	"testing"

	"github.com/akmatori/riskwatch/internal/database"
)

func TestIncidentService_Create(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	incident, err := env.incidents.CreateIncident(ctx, IncidentInput{Title: "Unreconciled ledger"}, at(0))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if incident.UUID == "" || incident.Status != database.IncidentStatusOpen {
		t.Errorf("unexpected incident %+v", incident)
	}
	if incident.Severity != database.IncidentSeverityMedium {
		t.Errorf("expected default severity medium, got %s", incident.Severity)
	}
	if !incident.ReportedAt.Equal(at(0)) {
		t.Errorf("expected reported_at %v, got %v", at(0), incident.ReportedAt)
	}

	var cfg *ConfigurationError
	if _, err := env.incidents.CreateIncident(ctx, IncidentInput{}, at(0)); !errors.As(err, &cfg) {
		t.Errorf("expected ConfigurationError for missing title, got %v", err)
	}
	if _, err := env.incidents.CreateIncident(ctx, IncidentInput{Title: "x", Severity: "catastrophic"}, at(0)); !errors.As(err, &cfg) {
		t.Errorf("expected ConfigurationError for unknown severity, got %v", err)
	}
}

func TestIncidentService_ListAndOpen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, _ := env.incidents.CreateIncident(ctx, IncidentInput{Title: "A"}, at(0))
	b, _ := env.incidents.CreateIncident(ctx, IncidentInput{Title: "B"}, at(10))
	c, _ := env.incidents.CreateIncident(ctx, IncidentInput{Title: "C"}, at(20))

	if _, err := env.incidents.AcknowledgeIncident(ctx, b.UUID, at(30)); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if _, err := env.incidents.ResolveIncident(ctx, c.UUID, "alice", at(30)); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	open, err := ListOpenIncidents(env.db)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 2 || open[0].UUID != a.UUID || open[1].UUID != b.UUID {
		t.Errorf("expected A and B open oldest first, got %+v", open)
	}

	resolved, total, err := env.incidents.ListIncidents(ctx, database.IncidentStatusResolved, Page{Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || resolved[0].UUID != c.UUID || resolved[0].ResolvedAt == nil {
		t.Errorf("unexpected resolved list %+v", resolved)
	}

	var term *AlreadyTerminalError
	if _, err := env.incidents.AcknowledgeIncident(ctx, b.UUID, at(40)); !errors.As(err, &term) {
		t.Errorf("expected AlreadyTerminalError acknowledging twice, got %v", err)
	}
	if _, err := env.incidents.ResolveIncident(ctx, c.UUID, "bob", at(40)); !errors.As(err, &term) {
		t.Errorf("expected AlreadyTerminalError resolving twice, got %v", err)
	}
	if _, err := env.incidents.GetIncident(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestIncidentService_ResolveResolvesEscalation(t *testing.T) {
	env := newTestEnv(t)
	policy := env.threeLevelPolicy(t, 0)
	ctx := context.Background()

	incident, _ := env.incidents.CreateIncident(ctx, IncidentInput{Title: "Late filing", Severity: database.IncidentSeverityHigh}, at(0))
	exec, _, err := env.engine.Start(ctx, StartRequest{
		AlertID:     incident.AlertID(),
		AlertTitle:  incident.Title,
		AlertSource: database.AlertSourceIncident,
		PolicyID:    policy.ID,
	}, at(300))
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := env.incidents.ResolveIncident(ctx, incident.UUID, "alice", at(320)); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got, _ := env.engine.Get(ctx, exec.UUID)
	if got.Status != database.ExecutionStatusResolved || got.ResolvedBy != "alice" {
		t.Errorf("expected escalation resolved with the incident, got %s by %q", got.Status, got.ResolvedBy)
	}
}
