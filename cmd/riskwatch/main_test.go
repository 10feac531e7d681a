package main

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/akmatori/riskwatch/internal/database"
	"github.com/akmatori/riskwatch/internal/testhelpers"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand(&bytes.Buffer{})
	for _, name := range []string{"serve", "scan", "report"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("expected subcommand %q, got %v (err %v)", name, cmd, err)
		}
	}
}

func TestSetupLogger(t *testing.T) {
	if _, err := setupLogger("debug", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := setupLogger("chatty", false); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestReportOptions_Parse(t *testing.T) {
	scope, tr, err := (&reportOptions{
		policyID: 3,
		source:   database.AlertSourceMetric,
		from:     "2026-03-01",
		to:       "2026-04-01T00:00:00+02:00",
	}).parse()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scope.PolicyID == nil || *scope.PolicyID != 3 || scope.AlertSource != "metric" {
		t.Errorf("unexpected scope %+v", scope)
	}
	if !tr.From.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected from %v", tr.From)
	}
	if tr.To.Location() != time.UTC || tr.To.Hour() != 22 {
		t.Errorf("expected to converted to UTC, got %v", tr.To)
	}

	tests := []reportOptions{
		{source: "pager"},
		{from: "yesterday"},
		{from: "2026-04-01", to: "2026-03-01"},
	}
	for _, o := range tests {
		if _, _, err := o.parse(); err == nil {
			t.Errorf("expected error for %+v", o)
		}
	}
}

func TestLoadConfig_EnvFile(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	path := testhelpers.WriteTestFile(t, t.TempDir(), ".env", "NOTIFY_WORKERS=7\nPOLICY_FILE=/etc/riskwatch/policies.yaml\n")
	t.Cleanup(func() {
		os.Unsetenv("NOTIFY_WORKERS")
		os.Unsetenv("POLICY_FILE")
	})

	opts := &rootOptions{envFile: path, debug: true}
	cfg, err := opts.loadConfig()
	testhelpers.AssertNoError(t, err, "load config")
	testhelpers.AssertEqual(t, 7, cfg.NotifyWorkers, "workers from env file")
	testhelpers.AssertEqual(t, "/etc/riskwatch/policies.yaml", cfg.PolicyFile, "policy file")
	testhelpers.AssertEqual(t, true, cfg.DevLog, "--debug forces development logging")
}
