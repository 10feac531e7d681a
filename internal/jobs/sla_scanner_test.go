package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/akmatori/riskwatch/internal/database"
	"github.com/akmatori/riskwatch/internal/services"
	"gorm.io/gorm"
)

func TestSLAScanner_EscalatesOverdueIncident(t *testing.T) {
	env := newJobEnv(t)
	policy := env.policy(t, "sla")
	incident := env.incident(t, "Late regulatory filing", &policy.ID)
	scanner := NewSLAScanner(env.db, env.engine, nil, env.log)

	summary, err := scanner.Scan(context.Background(), at(61))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if summary.IncidentsChecked != 1 || summary.BreachesFound != 1 || summary.EscalationsCreated != 1 || summary.NotificationsSent != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}

	var exec database.EscalationExecution
	if err := env.db.Where("alert_id = ?", incident.AlertID()).First(&exec).Error; err != nil {
		t.Fatalf("expected an execution for the incident: %v", err)
	}
	if exec.AlertSource != database.AlertSourceIncident || exec.CurrentLevel != 1 || exec.PolicyID != policy.ID {
		t.Errorf("unexpected execution %+v", exec)
	}

	msgs := env.notifier.Messages()
	if len(msgs) != 1 || msgs[0].Recipients[0] != "slack:#compliance" {
		t.Errorf("expected level 1 notification, got %+v", msgs)
	}
}

func TestSLAScanner_RescanDoesNotDuplicate(t *testing.T) {
	env := newJobEnv(t)
	policy := env.policy(t, "sla")
	env.incident(t, "Late regulatory filing", &policy.ID)
	scanner := NewSLAScanner(env.db, env.engine, nil, env.log)

	if _, err := scanner.Scan(context.Background(), at(61)); err != nil {
		t.Fatalf("scan: %v", err)
	}
	summary, err := scanner.Scan(context.Background(), at(75))
	if err != nil {
		t.Fatalf("rescan: %v", err)
	}
	if summary.BreachesFound != 1 || summary.EscalationsCreated != 0 || summary.NotificationsSent != 0 {
		t.Errorf("expected breach found but nothing created, got %+v", summary)
	}
	if n := countExecutions(t, env.db); n != 1 {
		t.Errorf("expected exactly 1 execution, got %d", n)
	}
}

func TestSLAScanner_IgnoresIncidentsWithinSLA(t *testing.T) {
	env := newJobEnv(t)
	policy := env.policy(t, "sla")
	env.incident(t, "Fresh incident", &policy.ID)
	scanner := NewSLAScanner(env.db, env.engine, nil, env.log)

	// exactly at the deadline is not yet overdue
	summary, err := scanner.Scan(context.Background(), at(60))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if summary.IncidentsChecked != 1 || summary.BreachesFound != 0 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if n := countExecutions(t, env.db); n != 0 {
		t.Errorf("expected no executions, got %d", n)
	}
}

func TestSLAScanner_IgnoresResolvedIncidents(t *testing.T) {
	env := newJobEnv(t)
	policy := env.policy(t, "sla")
	incident := env.incident(t, "Closed out", &policy.ID)
	if _, err := env.incidents.ResolveIncident(context.Background(), incident.UUID, "alice", at(30)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	scanner := NewSLAScanner(env.db, env.engine, nil, env.log)

	summary, err := scanner.Scan(context.Background(), at(120))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if summary.IncidentsChecked != 0 || summary.BreachesFound != 0 {
		t.Errorf("unexpected summary %+v", summary)
	}
}

func TestSLAScanner_UsesDefaultPolicy(t *testing.T) {
	env := newJobEnv(t)
	policy := env.policy(t, "default")
	settings, err := database.GetOrCreateEscalationSettings(env.db)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	settings.DefaultPolicyID = &policy.ID
	if err := database.UpdateEscalationSettings(env.db, settings); err != nil {
		t.Fatalf("update settings: %v", err)
	}

	env.incident(t, "No explicit policy", nil)
	summary, err := NewSLAScanner(env.db, env.engine, nil, env.log).Scan(context.Background(), at(61))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if summary.EscalationsCreated != 1 {
		t.Errorf("expected escalation under the default policy, got %+v", summary)
	}
}

func TestSLAScanner_SkipsWithoutPolicy(t *testing.T) {
	env := newJobEnv(t)
	env.incident(t, "No policy anywhere", nil)

	summary, err := NewSLAScanner(env.db, env.engine, nil, env.log).Scan(context.Background(), at(61))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if summary.BreachesFound != 1 || summary.Skipped != 1 || summary.EscalationsCreated != 0 {
		t.Errorf("unexpected summary %+v", summary)
	}
}

func TestSLAScanner_InactivePolicyDoesNotFailBatch(t *testing.T) {
	env := newJobEnv(t)
	good := env.policy(t, "good")
	inactive := false
	dormant, err := env.policies.CreatePolicy(context.Background(), services.PolicyInput{
		Name:     "dormant",
		Levels:   good.Levels,
		IsActive: &inactive,
	})
	if err != nil {
		t.Fatalf("create policy: %v", err)
	}
	env.incident(t, "Dormant policy", &dormant.ID)
	env.incident(t, "Good policy", &good.ID)

	summary, err := NewSLAScanner(env.db, env.engine, nil, env.log).Scan(context.Background(), at(61))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if summary.BreachesFound != 2 || summary.Skipped != 1 || summary.EscalationsCreated != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}
}

func TestSLAScanner_NotifierFailureIsCounted(t *testing.T) {
	env := newJobEnv(t)
	policy := env.policy(t, "sla")
	env.incident(t, "Late filing", &policy.ID)
	env.notifier.Err = errors.New("queue full")

	summary, err := NewSLAScanner(env.db, env.engine, nil, env.log).Scan(context.Background(), at(61))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if summary.EscalationsCreated != 1 || summary.NotificationsSent != 0 || summary.NotificationsFailed != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}
}

func TestSLAScanner_StoreFailureRollsBackCycle(t *testing.T) {
	env := newJobEnv(t)
	policy := env.policy(t, "sla")
	env.incident(t, "First", &policy.ID)
	env.incident(t, "Second", &policy.ID)

	inserts := 0
	err := env.db.Callback().Create().Before("gorm:create").Register("test:fail_second_execution", func(tx *gorm.DB) {
		if tx.Statement.Table != "escalation_executions" {
			return
		}
		inserts++
		if inserts == 2 {
			_ = tx.AddError(errors.New("disk I/O error"))
		}
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	summary, err := NewSLAScanner(env.db, env.engine, nil, env.log).Scan(context.Background(), at(61))
	var store *services.StoreUnavailableError
	if !errors.As(err, &store) {
		t.Fatalf("expected StoreUnavailableError, got %v (%+v)", err, summary)
	}
	if n := countExecutions(t, env.db); n != 0 {
		t.Errorf("expected the whole cycle rolled back, got %d executions", n)
	}
	if len(env.notifier.Messages()) != 0 {
		t.Errorf("expected no notifications from a rolled back cycle")
	}
}

func TestSLAScanner_StoreUnavailable(t *testing.T) {
	env := newJobEnv(t)
	sqlDB, err := env.db.DB()
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	sqlDB.Close()

	_, err = NewSLAScanner(env.db, env.engine, nil, env.log).Scan(context.Background(), at(61))
	var store *services.StoreUnavailableError
	if !errors.As(err, &store) {
		t.Errorf("expected StoreUnavailableError, got %v", err)
	}
}
