package api

import "github.com/akmatori/riskwatch/internal/database"

// ExecutionToListItem converts an execution to its compact list representation.
func ExecutionToListItem(e database.EscalationExecution) ExecutionListItem {
	return ExecutionListItem{
		ID:                e.ID,
		UUID:              e.UUID,
		AlertID:           e.AlertID,
		AlertTitle:        e.AlertTitle,
		AlertSource:       e.AlertSource,
		PolicyID:          e.PolicyID,
		CurrentLevel:      e.CurrentLevel,
		TotalLevels:       len(e.PolicyLevels),
		Status:            e.Status,
		EscalatedAt:       e.EscalatedAt,
		NextEscalationAt:  e.NextEscalationAt,
		NotificationCount: e.NotificationCount,
		AcknowledgedBy:    e.AcknowledgedBy,
		AssignedTo:        e.AssignedTo,
		ResolvedAt:        e.ResolvedAt,
	}
}

// ExecutionsToListItems converts a slice of executions to list items.
func ExecutionsToListItems(execs []database.EscalationExecution) []ExecutionListItem {
	items := make([]ExecutionListItem, len(execs))
	for i, e := range execs {
		items[i] = ExecutionToListItem(e)
	}
	return items
}

// BreachToListItem converts a breach notification to its list representation.
// The metric name is empty unless the Metric association was preloaded.
func BreachToListItem(n database.BreachNotification) BreachListItem {
	return BreachListItem{
		UUID:               n.UUID,
		MetricID:           n.MetricID,
		MetricName:         n.Metric.Name,
		ReadingID:          n.ReadingID,
		BreachType:         n.BreachType,
		ActualValue:        n.ActualValue,
		ThresholdValue:     n.ThresholdValue,
		VariancePercentage: n.VariancePercentage,
		NotificationSent:   n.NotificationSent,
		SentAt:             n.SentAt,
		AcknowledgedBy:     n.AcknowledgedBy,
		AcknowledgedAt:     n.AcknowledgedAt,
		ExecutionID:        n.ExecutionID,
		CreatedAt:          n.CreatedAt,
	}
}

// BreachesToListItems converts a slice of breach notifications to list items.
func BreachesToListItems(ns []database.BreachNotification) []BreachListItem {
	items := make([]BreachListItem, len(ns))
	for i, n := range ns {
		items[i] = BreachToListItem(n)
	}
	return items
}

// SlackSettingsToResponse masks secrets in Slack settings.
func SlackSettingsToResponse(s *database.SlackSettings) SlackSettingsResponse {
	return SlackSettingsResponse{
		BotToken:            MaskToken(s.BotToken),
		SigningSecret:       MaskToken(s.SigningSecret),
		AppToken:            MaskToken(s.AppToken),
		NotificationChannel: s.NotificationChannel,
		Enabled:             s.Enabled,
		Configured:          s.IsConfigured(),
		Active:              s.IsActive(),
	}
}

// MaskToken masks a token for display, showing only the last 4 characters
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 4 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}
