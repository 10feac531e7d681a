package handlers

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/akmatori/riskwatch/internal/database"
	"github.com/akmatori/riskwatch/internal/notify"
	"github.com/akmatori/riskwatch/internal/services"
	"github.com/akmatori/riskwatch/internal/testhelpers"
	"go.uber.org/zap"
)

func TestSlackHandleAction(t *testing.T) {
	env := newAPIEnv(t)
	res := env.breachingMetric(t, env.policy(t).ID)
	h := NewSlackHandler(env.svc.Breaches, env.svc.Engine, zap.NewNop().Sugar())
	ctx := context.Background()

	text, err := h.HandleAction(ctx, notify.ActionAckBreach, res.Notification.UUID, "slack:U1")
	testhelpers.AssertNoError(t, err, "ack breach")
	if !strings.Contains(text, "slack:U1") {
		t.Errorf("expected acknowledging user in reply, got %q", text)
	}

	_, err = h.HandleAction(ctx, notify.ActionAckBreach, res.Notification.UUID, "slack:U2")
	var terminal *services.AlreadyTerminalError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected AlreadyTerminalError on second ack, got %v", err)
	}

	text, err = h.HandleAction(ctx, notify.ActionAckExecution, res.Execution.UUID, "slack:U1")
	testhelpers.AssertNoError(t, err, "ack execution")
	if !strings.Contains(text, "acknowledged") {
		t.Errorf("unexpected reply %q", text)
	}

	text, err = h.HandleAction(ctx, notify.ActionResolveExecution, res.Execution.UUID, "slack:U1")
	testhelpers.AssertNoError(t, err, "resolve execution")
	if !strings.Contains(text, "resolved") {
		t.Errorf("unexpected reply %q", text)
	}

	exec, err := env.svc.Engine.Get(ctx, res.Execution.UUID)
	testhelpers.AssertNoError(t, err, "get execution")
	testhelpers.AssertEqual(t, database.ExecutionStatusResolved, exec.Status, "status")

	if _, err := h.HandleAction(ctx, "open_dashboard", "x", "slack:U1"); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestActionErrorText(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "already terminal",
			err:  &services.AlreadyTerminalError{Kind: "escalation", ID: "abc", Status: "resolved"},
			want: "escalation abc is already resolved",
		},
		{
			name: "not found",
			err:  &services.NotFoundError{Kind: "escalation", ID: "abc"},
			want: "no longer exists",
		},
		{
			name: "other",
			err:  errors.New("boom"),
			want: "Action failed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := actionErrorText(tt.err); !strings.Contains(got, tt.want) {
				t.Errorf("actionErrorText() = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}
