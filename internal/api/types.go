package api

import (
	"time"

	"github.com/akmatori/riskwatch/internal/database"
)

// ========== Auth Types ==========

// LoginRequest is the request body for POST /auth/login.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse is the response body for POST /auth/login.
type LoginResponse struct {
	Token     string `json:"token"`
	Username  string `json:"username"`
	ExpiresIn int    `json:"expires_in"`
}

// ========== Metric Types ==========

// CreateMetricRequest is the request body for POST /api/metrics.
type CreateMetricRequest struct {
	Name               string   `json:"name" validate:"required,min=1,max=128"`
	Description        string   `json:"description" validate:"omitempty,max=1024"`
	Unit               string   `json:"unit" validate:"omitempty,max=32"`
	AppetiteThreshold  float64  `json:"appetite_threshold"`
	WarningPercentage  float64  `json:"warning_percentage" validate:"gt=0"`
	BreachPercentage   float64  `json:"breach_percentage" validate:"gt=0"`
	CriticalPercentage float64  `json:"critical_percentage" validate:"gte=0"`
	EscalationPolicyID *uint    `json:"escalation_policy_id"`
	Recipients         []string `json:"recipients" validate:"dive,recipient"`
	Enabled            *bool    `json:"enabled"`
}

// UpdateToleranceRequest is the request body for PUT /api/metrics/:id/tolerance.
type UpdateToleranceRequest struct {
	AppetiteThreshold  float64 `json:"appetite_threshold"`
	WarningPercentage  float64 `json:"warning_percentage" validate:"gt=0"`
	BreachPercentage   float64 `json:"breach_percentage" validate:"gt=0"`
	CriticalPercentage float64 `json:"critical_percentage" validate:"gte=0"`
}

// IngestReadingRequest is the request body for POST /api/metrics/:id/readings.
// MeasurementDate accepts RFC 3339 or a plain YYYY-MM-DD date (midnight UTC).
type IngestReadingRequest struct {
	Value           *float64 `json:"value" validate:"required"`
	MeasurementDate string   `json:"measurement_date" validate:"required"`
	Source          string   `json:"source" validate:"omitempty,max=64"`
}

// ========== Acknowledgement Types ==========

// AcknowledgeRequest is the request body for the acknowledge endpoints.
type AcknowledgeRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
}

// ========== Execution Types ==========

// ResolveExecutionRequest is the request body for POST /api/executions/:uuid/resolve.
type ResolveExecutionRequest struct {
	ResolvedBy string `json:"resolved_by" validate:"required,max=128"`
}

// CancelExecutionRequest is the request body for POST /api/executions/:uuid/cancel.
type CancelExecutionRequest struct {
	Reason string `json:"reason" validate:"required,max=1024"`
}

// AssignExecutionRequest is the request body for POST /api/executions/:uuid/assign.
type AssignExecutionRequest struct {
	AssignedTo string `json:"assigned_to" validate:"required,max=128"`
}

// ========== Incident Types ==========

// CreateIncidentRequest is the request body for POST /api/incidents.
type CreateIncidentRequest struct {
	Title              string                 `json:"title" validate:"required,max=255"`
	Description        string                 `json:"description"`
	Severity           string                 `json:"severity" validate:"omitempty,oneof=critical high medium low"`
	ReportedBy         string                 `json:"reported_by" validate:"omitempty,max=128"`
	ReportedAt         *time.Time             `json:"reported_at"`
	SLAMinutes         int                    `json:"sla_minutes" validate:"gte=0"`
	EscalationPolicyID *uint                  `json:"escalation_policy_id"`
	Context            map[string]interface{} `json:"context,omitempty"`
}

// ResolveIncidentRequest is the request body for POST /api/incidents/:uuid/resolve.
type ResolveIncidentRequest struct {
	ResolvedBy string `json:"resolved_by" validate:"required,max=128"`
}

// ========== Settings Types ==========

// UpdateSlackSettingsRequest is the request body for PUT /api/settings/slack.
type UpdateSlackSettingsRequest struct {
	BotToken            *string `json:"bot_token"`
	SigningSecret       *string `json:"signing_secret"`
	AppToken            *string `json:"app_token"`
	NotificationChannel *string `json:"notification_channel"`
	Enabled             *bool   `json:"enabled"`
}

// UpdateEscalationSettingsRequest is the request body for PUT /api/settings/escalation.
type UpdateEscalationSettingsRequest struct {
	SLAScanEnabled          *bool `json:"sla_scan_enabled"`
	SLAScanIntervalMinutes  *int  `json:"sla_scan_interval_minutes" validate:"omitempty,gte=1"`
	TickIntervalSeconds     *int  `json:"tick_interval_seconds" validate:"omitempty,gte=1"`
	BreachEscalationEnabled *bool `json:"breach_escalation_enabled"`
	DefaultPolicyID         *uint `json:"default_policy_id"`
	ClearDefaultPolicy      bool  `json:"clear_default_policy"`
	CriticalSLAMinutes      *int  `json:"critical_sla_minutes" validate:"omitempty,gte=1"`
	HighSLAMinutes          *int  `json:"high_sla_minutes" validate:"omitempty,gte=1"`
	MediumSLAMinutes        *int  `json:"medium_sla_minutes" validate:"omitempty,gte=1"`
	LowSLAMinutes           *int  `json:"low_sla_minutes" validate:"omitempty,gte=1"`
}

// ========== Pagination Types ==========

// PaginationMeta contains pagination metadata for list responses.
type PaginationMeta struct {
	Page       int   `json:"page"`
	PerPage    int   `json:"per_page"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
}

// PaginatedResponse wraps a list response with pagination metadata.
type PaginatedResponse struct {
	Data       interface{}    `json:"data"`
	Pagination PaginationMeta `json:"pagination"`
}

// ========== Mapper Output Types ==========

// ExecutionListItem is a compact representation of an execution for list views.
// It omits the policy snapshot.
type ExecutionListItem struct {
	ID                uint                     `json:"id"`
	UUID              string                   `json:"uuid"`
	AlertID           string                   `json:"alert_id"`
	AlertTitle        string                   `json:"alert_title"`
	AlertSource       string                   `json:"alert_source"`
	PolicyID          uint                     `json:"policy_id"`
	CurrentLevel      int                      `json:"current_level"`
	TotalLevels       int                      `json:"total_levels"`
	Status            database.ExecutionStatus `json:"status"`
	EscalatedAt       time.Time                `json:"escalated_at"`
	NextEscalationAt  *time.Time               `json:"next_escalation_at,omitempty"`
	NotificationCount int                      `json:"notification_count"`
	AcknowledgedBy    *string                  `json:"acknowledged_by,omitempty"`
	AssignedTo        *string                  `json:"assigned_to,omitempty"`
	ResolvedAt        *time.Time               `json:"resolved_at,omitempty"`
}

// BreachListItem is a breach notification with the name of its metric.
type BreachListItem struct {
	UUID               string     `json:"uuid"`
	MetricID           uint       `json:"metric_id"`
	MetricName         string     `json:"metric_name"`
	ReadingID          uint       `json:"reading_id"`
	BreachType         string     `json:"breach_type"`
	ActualValue        float64    `json:"actual_value"`
	ThresholdValue     float64    `json:"threshold_value"`
	VariancePercentage float64    `json:"variance_percentage"`
	NotificationSent   bool       `json:"notification_sent"`
	SentAt             *time.Time `json:"sent_at,omitempty"`
	AcknowledgedBy     *string    `json:"acknowledged_by,omitempty"`
	AcknowledgedAt     *time.Time `json:"acknowledged_at,omitempty"`
	ExecutionID        *uint      `json:"execution_id,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// SlackSettingsResponse shows only the last characters of each token.
type SlackSettingsResponse struct {
	BotToken            string `json:"bot_token"`
	SigningSecret       string `json:"signing_secret"`
	AppToken            string `json:"app_token"`
	NotificationChannel string `json:"notification_channel"`
	Enabled             bool   `json:"enabled"`
	Configured          bool   `json:"configured"`
	Active              bool   `json:"active"`
}
