package database

import "time"

// EscalationSettings controls the SLA scanner and escalation scheduler
type EscalationSettings struct {
	ID                      uint      `gorm:"primaryKey" json:"id"`
	SLAScanEnabled          bool      `gorm:"default:true" json:"sla_scan_enabled"`
	SLAScanIntervalMinutes  int       `gorm:"default:5" json:"sla_scan_interval_minutes"`
	TickIntervalSeconds     int       `gorm:"default:30" json:"tick_interval_seconds"` // resync interval of the deadline scheduler
	BreachEscalationEnabled bool      `gorm:"default:true" json:"breach_escalation_enabled"`
	DefaultPolicyID         *uint     `json:"default_policy_id,omitempty"` // used when a metric or incident names no policy
	CriticalSLAMinutes      int       `gorm:"default:60" json:"critical_sla_minutes"`
	HighSLAMinutes          int       `gorm:"default:240" json:"high_sla_minutes"`
	MediumSLAMinutes        int       `gorm:"default:1440" json:"medium_sla_minutes"`
	LowSLAMinutes           int       `gorm:"default:4320" json:"low_sla_minutes"`
	CreatedAt               time.Time `json:"created_at"`
	UpdatedAt               time.Time `json:"updated_at"`
}

func (EscalationSettings) TableName() string {
	return "escalation_settings"
}

// NewDefaultEscalationSettings returns settings with default values
func NewDefaultEscalationSettings() *EscalationSettings {
	return &EscalationSettings{
		SLAScanEnabled:          true,
		SLAScanIntervalMinutes:  5,
		TickIntervalSeconds:     30,
		BreachEscalationEnabled: true,
		CriticalSLAMinutes:      60,
		HighSLAMinutes:          240,
		MediumSLAMinutes:        1440,
		LowSLAMinutes:           4320,
	}
}

// ScanInterval returns the SLA scan period, or fallback when unset
func (s *EscalationSettings) ScanInterval(fallback time.Duration) time.Duration {
	if s.SLAScanIntervalMinutes <= 0 {
		return fallback
	}
	return time.Duration(s.SLAScanIntervalMinutes) * time.Minute
}

// ResyncInterval returns the scheduler resync period, or fallback when unset
func (s *EscalationSettings) ResyncInterval(fallback time.Duration) time.Duration {
	if s.TickIntervalSeconds <= 0 {
		return fallback
	}
	return time.Duration(s.TickIntervalSeconds) * time.Second
}

// SLAAllowance returns how long an incident may stay open before it breaches its SLA.
// An explicit per-incident allowance wins over the severity default.
func (s *EscalationSettings) SLAAllowance(incident *Incident) time.Duration {
	if incident.SLAMinutes > 0 {
		return time.Duration(incident.SLAMinutes) * time.Minute
	}

	minutes := s.MediumSLAMinutes
	switch incident.Severity {
	case IncidentSeverityCritical:
		minutes = s.CriticalSLAMinutes
	case IncidentSeverityHigh:
		minutes = s.HighSLAMinutes
	case IncidentSeverityLow:
		minutes = s.LowSLAMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// DueAt returns the SLA deadline of an incident
func (s *EscalationSettings) DueAt(incident *Incident) time.Time {
	return incident.ReportedAt.Add(s.SLAAllowance(incident))
}
