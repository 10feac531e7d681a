// Package output renders breach and escalation notifications as text.
// Bodies use Slack mrkdwn, which also reads fine as plain-text email.
package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/akmatori/riskwatch/internal/database"
	"github.com/akmatori/riskwatch/internal/utils"
)

// FormatBreach renders a breach notification for a metric
func FormatBreach(metric *database.MetricDefinition, n *database.BreachNotification) (subject, body string) {
	subject = fmt.Sprintf("%s [%s] %s", getBreachEmoji(n.BreachType), strings.ToUpper(n.BreachType), metric.Name)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("*Metric*: %s\n", metric.Name))
	if metric.Description != "" {
		sb.WriteString(fmt.Sprintf("%s\n", utils.TruncateText(metric.Description, 200)))
	}
	sb.WriteString(fmt.Sprintf("*Actual value*: %s\n", utils.FormatValue(n.ActualValue, metric.Unit)))
	sb.WriteString(fmt.Sprintf("*Appetite threshold*: %s\n", utils.FormatValue(n.ThresholdValue, metric.Unit)))
	sb.WriteString(fmt.Sprintf("*Variance*: %s\n", utils.FormatPercent(n.VariancePercentage)))

	band := metric.ToleranceBand()
	sb.WriteString(fmt.Sprintf("*Tolerance*: warning at %s, breach at %s",
		utils.FormatPercent(band.WarningPercentage), utils.FormatPercent(band.BreachPercentage)))
	if band.CriticalPercentage > 0 {
		sb.WriteString(fmt.Sprintf(", critical at %s", utils.FormatPercent(band.CriticalPercentage)))
	}
	sb.WriteString("\n")

	return subject, sb.String()
}

// FormatEscalation renders the notification sent when an execution reaches a
// level, or when the final level is repeated
func FormatEscalation(exec *database.EscalationExecution, level database.EscalationLevel, repeat bool, now time.Time) (subject, body string) {
	prefix := "ESCALATION"
	if repeat {
		prefix = "REMINDER"
	}
	position := exec.PolicyLevels.IndexOf(level.Level) + 1
	subject = fmt.Sprintf("%s [%s L%d] %s", getLevelEmoji(position, len(exec.PolicyLevels)), prefix, level.Level, exec.AlertTitle)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("*Alert*: %s\n", exec.AlertTitle))
	sb.WriteString(fmt.Sprintf("*Source*: %s\n", exec.AlertSource))
	sb.WriteString(fmt.Sprintf("*Level*: %d (%d of %d)\n", level.Level, position, len(exec.PolicyLevels)))
	sb.WriteString(fmt.Sprintf("*Open for*: %s\n", utils.FormatDuration(now.Sub(exec.EscalatedAt))))
	if exec.AssignedTo != nil && *exec.AssignedTo != "" {
		sb.WriteString(fmt.Sprintf("*Assigned to*: %s\n", *exec.AssignedTo))
	}
	if exec.EscalationReason != "" {
		sb.WriteString(fmt.Sprintf("\n*Reason*\n%s\n", exec.EscalationReason))
	}
	if repeat {
		sb.WriteString("\nThis alert is still unacknowledged at the final escalation level.\n")
	}
	sb.WriteString(fmt.Sprintf("\n_Execution %s_", exec.UUID))

	return subject, sb.String()
}

// BreachReason is the escalation reason recorded for a metric breach
func BreachReason(metric *database.MetricDefinition, n *database.BreachNotification) string {
	return fmt.Sprintf("%s %s: value %s against threshold %s (variance %s)",
		metric.Name, n.BreachType,
		utils.FormatValue(n.ActualValue, metric.Unit),
		utils.FormatValue(n.ThresholdValue, metric.Unit),
		utils.FormatPercent(n.VariancePercentage))
}

// SLABreachReason is the escalation reason recorded for an overdue incident
func SLABreachReason(incident *database.Incident, dueAt, now time.Time) string {
	return fmt.Sprintf("%s incident %q exceeded its SLA: due %s, overdue by %s",
		incident.Severity, incident.Title,
		dueAt.UTC().Format(time.RFC3339),
		utils.FormatDuration(now.Sub(dueAt)))
}

// getBreachEmoji returns an emoji for the given breach type
func getBreachEmoji(breachType string) string {
	switch strings.ToLower(breachType) {
	case "critical":
		return "🔴"
	case "breach":
		return "🚨"
	case "warning":
		return "⚠️"
	default:
		return "📋"
	}
}

// getLevelEmoji colours the level by its position in the policy
func getLevelEmoji(position, total int) string {
	switch {
	case total > 0 && position >= total:
		return "🔴"
	case position >= 2:
		return "🟠"
	default:
		return "🟡"
	}
}
