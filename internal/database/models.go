package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/akmatori/riskwatch/internal/variance"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	bytes, err := scanBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, j)
}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// StringList stores a list of strings (recipients, tags) as a JSON array
type StringList []string

// Scan implements the sql.Scanner interface
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = StringList{}
		return nil
	}
	bytes, err := scanBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, l)
}

// Value implements the driver.Valuer interface
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal([]string(l))
}

// sqlite hands back TEXT columns as strings, postgres hands back bytes
func scanBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, errors.New("type assertion to []byte failed")
	}
}

// SlackSettings stores Slack integration configuration
type SlackSettings struct {
	ID                  uint      `gorm:"primaryKey" json:"id"`
	BotToken            string    `gorm:"type:text" json:"bot_token"`
	SigningSecret       string    `gorm:"type:text" json:"signing_secret"`
	AppToken            string    `gorm:"type:text" json:"app_token"`
	NotificationChannel string    `gorm:"type:varchar(255)" json:"notification_channel"` // fallback channel for slack recipients without a target
	Enabled             bool      `gorm:"default:false" json:"enabled"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// IsConfigured returns true if all required Slack tokens are set
func (s *SlackSettings) IsConfigured() bool {
	return s.BotToken != "" && s.SigningSecret != "" && s.AppToken != ""
}

// IsActive returns true if Slack is enabled and configured
func (s *SlackSettings) IsActive() bool {
	return s.Enabled && s.IsConfigured()
}

func (SlackSettings) TableName() string {
	return "slack_settings"
}

// ========== Metric Models ==========

// MetricDefinition is a monitored risk metric together with its tolerance band
type MetricDefinition struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	UUID               string     `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	Name               string     `gorm:"uniqueIndex;size:128;not null" json:"name"`
	Description        string     `gorm:"type:text" json:"description"`
	Unit               string     `gorm:"size:32" json:"unit"`
	AppetiteThreshold  float64    `gorm:"not null" json:"appetite_threshold"`
	WarningPercentage  float64    `gorm:"not null" json:"warning_percentage"`
	BreachPercentage   float64    `gorm:"not null" json:"breach_percentage"`
	CriticalPercentage float64    `gorm:"default:0" json:"critical_percentage"`
	EscalationPolicyID *uint      `gorm:"index" json:"escalation_policy_id,omitempty"`
	Recipients         StringList `gorm:"type:jsonb" json:"recipients"` // notified on every breach notification
	Enabled            bool       `gorm:"default:true" json:"enabled"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// ToleranceBand returns the band the metric is currently evaluated against
func (m *MetricDefinition) ToleranceBand() variance.ToleranceBand {
	return variance.ToleranceBand{
		AppetiteThreshold:  m.AppetiteThreshold,
		WarningPercentage:  m.WarningPercentage,
		BreachPercentage:   m.BreachPercentage,
		CriticalPercentage: m.CriticalPercentage,
	}
}

// ApplyToleranceBand copies band values onto the definition
func (m *MetricDefinition) ApplyToleranceBand(band variance.ToleranceBand) {
	m.AppetiteThreshold = band.AppetiteThreshold
	m.WarningPercentage = band.WarningPercentage
	m.BreachPercentage = band.BreachPercentage
	m.CriticalPercentage = band.CriticalPercentage
}

// AlertID is the escalation alert identity used for breaches of this metric
func (m *MetricDefinition) AlertID() string {
	return AlertSourceMetric + ":" + m.UUID
}

func (m *MetricDefinition) BeforeCreate(tx *gorm.DB) error {
	if m.UUID == "" {
		m.UUID = uuid.New().String()
	}
	return nil
}

func (MetricDefinition) TableName() string {
	return "metric_definitions"
}

// MetricReading is one recorded measurement. Readings are immutable.
type MetricReading struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	MetricID        uint      `gorm:"not null;uniqueIndex:idx_reading_metric_date" json:"metric_id"`
	MeasurementDate time.Time `gorm:"not null;uniqueIndex:idx_reading_metric_date" json:"measurement_date"`
	ActualValue     float64   `gorm:"not null" json:"actual_value"`
	Source          string    `gorm:"size:64" json:"source"`
	CreatedAt       time.Time `json:"created_at"`
}

func (MetricReading) TableName() string {
	return "metric_readings"
}

// VarianceRecord is a derived classification of a reading. Later
// classifications of the same reading supersede earlier ones; nothing is deleted.
type VarianceRecord struct {
	ID                 uint            `gorm:"primaryKey" json:"id"`
	MetricID           uint            `gorm:"not null;index" json:"metric_id"`
	ReadingID          uint            `gorm:"not null;index" json:"reading_id"`
	MeasurementDate    time.Time       `gorm:"not null;index" json:"measurement_date"`
	ActualValue        float64         `json:"actual_value"`
	AppetiteThreshold  float64         `json:"appetite_threshold"`
	WarningPercentage  float64         `json:"warning_percentage"`
	BreachPercentage   float64         `json:"breach_percentage"`
	CriticalPercentage float64         `json:"critical_percentage"`
	VarianceStatus     variance.Status `gorm:"type:varchar(20);not null;index" json:"variance_status"`
	VariancePercentage float64         `json:"variance_percentage"`
	BreachType         string          `gorm:"type:varchar(20)" json:"breach_type,omitempty"`
	Superseded         bool            `gorm:"default:false;index" json:"superseded"`
	SupersededAt       *time.Time      `json:"superseded_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Band returns the band snapshot the record was computed with
func (v *VarianceRecord) Band() variance.ToleranceBand {
	return variance.ToleranceBand{
		AppetiteThreshold:  v.AppetiteThreshold,
		WarningPercentage:  v.WarningPercentage,
		BreachPercentage:   v.BreachPercentage,
		CriticalPercentage: v.CriticalPercentage,
	}
}

func (VarianceRecord) TableName() string {
	return "variance_records"
}

// BreachNotification marks that a reading crossed a warning or breach
// boundary. At most one exists per (metric, reading, breach type).
type BreachNotification struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	UUID               string     `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	MetricID           uint       `gorm:"not null;uniqueIndex:idx_breach_dedup" json:"metric_id"`
	ReadingID          uint       `gorm:"not null;uniqueIndex:idx_breach_dedup" json:"reading_id"`
	BreachType         string     `gorm:"type:varchar(20);not null;uniqueIndex:idx_breach_dedup" json:"breach_type"`
	VarianceRecordID   uint       `gorm:"index" json:"variance_record_id"`
	ActualValue        float64    `json:"actual_value"`
	ThresholdValue     float64    `json:"threshold_value"`
	VariancePercentage float64    `json:"variance_percentage"`
	NotificationSent   bool       `gorm:"default:false;index" json:"notification_sent"`
	SentAt             *time.Time `json:"sent_at,omitempty"`
	AcknowledgedBy     *string    `gorm:"size:128" json:"acknowledged_by,omitempty"`
	AcknowledgedAt     *time.Time `json:"acknowledged_at,omitempty"`
	ExecutionID        *uint      `gorm:"index" json:"execution_id,omitempty"` // escalation started or joined by this breach
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`

	Metric MetricDefinition `gorm:"foreignKey:MetricID" json:"-"`
}

// IsAcknowledged returns true once someone acknowledged the notification
func (b *BreachNotification) IsAcknowledged() bool {
	return b.AcknowledgedAt != nil
}

func (b *BreachNotification) BeforeCreate(tx *gorm.DB) error {
	if b.UUID == "" {
		b.UUID = uuid.New().String()
	}
	return nil
}

func (BreachNotification) TableName() string {
	return "breach_notifications"
}

// ========== Escalation Models ==========

// EscalationLevel is one tier of an escalation policy. DelayMinutes is the
// offset from the start of the execution at which the level activates.
type EscalationLevel struct {
	Level        int      `json:"level" yaml:"level"`
	DelayMinutes int      `json:"delay_minutes" yaml:"delay_minutes"`
	Recipients   []string `json:"recipients" yaml:"recipients"`
}

// EscalationLevels is an ordered list of levels stored as JSON
type EscalationLevels []EscalationLevel

// Scan implements the sql.Scanner interface
func (l *EscalationLevels) Scan(value interface{}) error {
	if value == nil {
		*l = EscalationLevels{}
		return nil
	}
	bytes, err := scanBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, l)
}

// Value implements the driver.Valuer interface
func (l EscalationLevels) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]EscalationLevel{})
	}
	return json.Marshal([]EscalationLevel(l))
}

// IndexOf returns the position of the given level number, or -1
func (l EscalationLevels) IndexOf(level int) int {
	for i, lvl := range l {
		if lvl.Level == level {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy so snapshots never share recipient slices
func (l EscalationLevels) Clone() EscalationLevels {
	out := make(EscalationLevels, len(l))
	for i, lvl := range l {
		out[i] = EscalationLevel{
			Level:        lvl.Level,
			DelayMinutes: lvl.DelayMinutes,
			Recipients:   append([]string(nil), lvl.Recipients...),
		}
	}
	return out
}

// EscalationPolicy is a named, ordered set of escalation levels
type EscalationPolicy struct {
	ID                    uint             `gorm:"primaryKey" json:"id"`
	Name                  string           `gorm:"uniqueIndex;size:128;not null" json:"policy_name"`
	Description           string           `gorm:"type:text" json:"description"`
	Levels                EscalationLevels `gorm:"type:jsonb" json:"levels"`
	RepeatIntervalMinutes int              `gorm:"default:0" json:"repeat_interval_minutes"` // re-notify at the last level; 0 disables
	IsActive              bool             `gorm:"default:true" json:"is_active"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

func (EscalationPolicy) TableName() string {
	return "escalation_policies"
}

// ExecutionStatus is the state of an escalation execution
type ExecutionStatus string

const (
	ExecutionStatusActive    ExecutionStatus = "active"
	ExecutionStatusResolved  ExecutionStatus = "resolved"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal returns true for statuses that never transition again
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusResolved || s == ExecutionStatusCancelled
}

// Alert sources feeding the escalation engine
const (
	AlertSourceMetric   = "metric"
	AlertSourceIncident = "incident"
)

// EscalationExecution tracks one alert through its policy's levels
type EscalationExecution struct {
	ID                    uint             `gorm:"primaryKey" json:"id"`
	UUID                  string           `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	AlertID               string           `gorm:"size:128;not null;index;uniqueIndex:idx_active_alert,where:status = 'active'" json:"alert_id"`
	AlertTitle            string           `gorm:"type:varchar(255)" json:"alert_title"`
	AlertSource           string           `gorm:"type:varchar(20);not null;index" json:"alert_source"`
	PolicyID              uint             `gorm:"not null;index" json:"policy_id"`
	PolicyLevels          EscalationLevels `gorm:"type:jsonb" json:"policy_levels"` // snapshot taken at creation
	RepeatIntervalMinutes int              `json:"repeat_interval_minutes"`
	CurrentLevel          int              `gorm:"not null" json:"current_level"`
	EscalationReason      string           `gorm:"type:text" json:"escalation_reason"`
	Status                ExecutionStatus  `gorm:"type:varchar(20);not null;default:'active';index" json:"status"`
	EscalatedAt           time.Time        `gorm:"not null;index" json:"escalated_at"`
	LevelEscalatedAt      time.Time        `json:"level_escalated_at"`
	LastLevelNotifiedAt   *time.Time       `json:"last_level_notified_at,omitempty"`
	NextEscalationAt      *time.Time       `gorm:"index" json:"next_escalation_at,omitempty"`
	NotificationCount     int              `gorm:"default:0" json:"notification_count"`
	AcknowledgedBy        *string          `gorm:"size:128" json:"acknowledged_by,omitempty"`
	AcknowledgedAt        *time.Time       `json:"acknowledged_at,omitempty"`
	AssignedTo            *string          `gorm:"size:128" json:"assigned_to,omitempty"`
	ResolvedAt            *time.Time       `json:"resolved_at,omitempty"`
	ResolvedBy            string           `gorm:"size:128" json:"resolved_by,omitempty"`
	CancelledAt           *time.Time       `json:"cancelled_at,omitempty"`
	CancelReason          string           `gorm:"type:text" json:"cancel_reason,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// CurrentLevelIndex returns the snapshot position of the current level
func (e *EscalationExecution) CurrentLevelIndex() int {
	return e.PolicyLevels.IndexOf(e.CurrentLevel)
}

// IsFinalLevel returns true when no further level exists in the snapshot
func (e *EscalationExecution) IsFinalLevel() bool {
	idx := e.CurrentLevelIndex()
	return idx >= 0 && idx == len(e.PolicyLevels)-1
}

// ResolutionHours returns the time from escalation to resolution, false if unresolved
func (e *EscalationExecution) ResolutionHours() (float64, bool) {
	if e.Status != ExecutionStatusResolved || e.ResolvedAt == nil {
		return 0, false
	}
	return e.ResolvedAt.Sub(e.EscalatedAt).Hours(), true
}

func (e *EscalationExecution) BeforeCreate(tx *gorm.DB) error {
	if e.UUID == "" {
		e.UUID = uuid.New().String()
	}
	return nil
}

func (EscalationExecution) TableName() string {
	return "escalation_executions"
}

// ========== Incident Models ==========

// IncidentStatus represents the status of an incident
type IncidentStatus string

const (
	IncidentStatusOpen         IncidentStatus = "open"
	IncidentStatusAcknowledged IncidentStatus = "acknowledged"
	IncidentStatusResolved     IncidentStatus = "resolved"
	IncidentStatusClosed       IncidentStatus = "closed"
)

// IncidentSeverity drives the default SLA allowance of an incident
type IncidentSeverity string

const (
	IncidentSeverityCritical IncidentSeverity = "critical"
	IncidentSeverityHigh     IncidentSeverity = "high"
	IncidentSeverityMedium   IncidentSeverity = "medium"
	IncidentSeverityLow      IncidentSeverity = "low"
)

// Incident is a reported compliance/risk incident with an SLA deadline
type Incident struct {
	ID                 uint             `gorm:"primaryKey" json:"id"`
	UUID               string           `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	Title              string           `gorm:"type:varchar(255);not null" json:"title"`
	Description        string           `gorm:"type:text" json:"description"`
	Severity           IncidentSeverity `gorm:"type:varchar(20);not null;default:'medium'" json:"severity"`
	Status             IncidentStatus   `gorm:"type:varchar(20);not null;default:'open';index" json:"status"`
	ReportedBy         string           `gorm:"size:128" json:"reported_by"`
	ReportedAt         time.Time        `gorm:"not null;index" json:"reported_at"`
	SLAMinutes         int              `gorm:"default:0" json:"sla_minutes"` // 0 uses the severity default
	EscalationPolicyID *uint            `json:"escalation_policy_id,omitempty"`
	Context            JSONB            `gorm:"type:jsonb" json:"context,omitempty"`
	ResolvedAt         *time.Time       `json:"resolved_at,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// IsOpen returns true while the incident still counts against its SLA
func (i *Incident) IsOpen() bool {
	return i.Status == IncidentStatusOpen || i.Status == IncidentStatusAcknowledged
}

// AlertID is the escalation alert identity used for SLA breaches of this incident
func (i *Incident) AlertID() string {
	return AlertSourceIncident + ":" + i.UUID
}

// BeforeCreate hook to set UUID and ReportedAt
func (i *Incident) BeforeCreate(tx *gorm.DB) error {
	if i.UUID == "" {
		i.UUID = uuid.New().String()
	}
	if i.ReportedAt.IsZero() {
		i.ReportedAt = time.Now()
	}
	return nil
}

func (Incident) TableName() string {
	return "incidents"
}
