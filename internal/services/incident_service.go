package services

import (
	"context"
	"time"

	"github.com/akmatori/riskwatch/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// IncidentInput carries the fields accepted when reporting an incident
type IncidentInput struct {
	Title              string                    `json:"title"`
	Description        string                    `json:"description"`
	Severity           database.IncidentSeverity `json:"severity"`
	ReportedBy         string                    `json:"reported_by"`
	ReportedAt         time.Time                 `json:"reported_at"`
	SLAMinutes         int                       `json:"sla_minutes"`
	EscalationPolicyID *uint                     `json:"escalation_policy_id,omitempty"`
	Context            database.JSONB            `json:"context,omitempty"`
}

// IncidentService is the incident store read by the SLA scanner
type IncidentService struct {
	db     *gorm.DB
	engine *EscalationEngine
	log    *zap.SugaredLogger
}

// NewIncidentService creates a new incident service
func NewIncidentService(db *gorm.DB, engine *EscalationEngine, log *zap.SugaredLogger) *IncidentService {
	return &IncidentService{db: db, engine: engine, log: log}
}

// CreateIncident stores a new open incident
func (s *IncidentService) CreateIncident(ctx context.Context, in IncidentInput, now time.Time) (*database.Incident, error) {
	if in.Title == "" {
		return nil, &ConfigurationError{Reason: "title is required"}
	}
	if in.SLAMinutes < 0 {
		return nil, &ConfigurationError{Reason: "sla_minutes must not be negative"}
	}
	switch in.Severity {
	case "":
		in.Severity = database.IncidentSeverityMedium
	case database.IncidentSeverityCritical, database.IncidentSeverityHigh,
		database.IncidentSeverityMedium, database.IncidentSeverityLow:
	default:
		return nil, &ConfigurationError{Reason: "unknown severity " + string(in.Severity)}
	}
	if in.ReportedAt.IsZero() {
		in.ReportedAt = now
	}

	incident := &database.Incident{
		Title:              in.Title,
		Description:        in.Description,
		Severity:           in.Severity,
		Status:             database.IncidentStatusOpen,
		ReportedBy:         in.ReportedBy,
		ReportedAt:         in.ReportedAt,
		SLAMinutes:         in.SLAMinutes,
		EscalationPolicyID: in.EscalationPolicyID,
		Context:            in.Context,
	}
	if err := s.db.WithContext(ctx).Create(incident).Error; err != nil {
		return nil, storeError("create incident", "incident", "", err)
	}

	s.log.Infow("Incident reported", "incident", incident.UUID, "severity", incident.Severity, "title", incident.Title)
	return incident, nil
}

// GetIncident returns an incident by UUID
func (s *IncidentService) GetIncident(ctx context.Context, uuid string) (*database.Incident, error) {
	var incident database.Incident
	if err := s.db.WithContext(ctx).Where("uuid = ?", uuid).First(&incident).Error; err != nil {
		return nil, storeError("get incident", "incident", uuid, err)
	}
	return &incident, nil
}

// ListIncidents returns incidents, optionally filtered by status, newest first
func (s *IncidentService) ListIncidents(ctx context.Context, status database.IncidentStatus, page Page) ([]database.Incident, int64, error) {
	query := s.db.WithContext(ctx).Model(&database.Incident{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, storeError("count incidents", "incident", "", err)
	}
	query = page.apply(query)

	var incidents []database.Incident
	if err := query.Order("reported_at DESC, id DESC").Find(&incidents).Error; err != nil {
		return nil, 0, storeError("list incidents", "incident", "", err)
	}
	return incidents, total, nil
}

// ListOpenIncidents returns every incident still counting against its SLA, oldest first
func ListOpenIncidents(db *gorm.DB) ([]database.Incident, error) {
	var incidents []database.Incident
	err := db.Where("status IN ?", []database.IncidentStatus{database.IncidentStatusOpen, database.IncidentStatusAcknowledged}).
		Order("reported_at").
		Find(&incidents).Error
	if err != nil {
		return nil, storeError("list open incidents", "incident", "", err)
	}
	return incidents, nil
}

// AcknowledgeIncident moves an open incident to acknowledged. The SLA clock keeps running.
func (s *IncidentService) AcknowledgeIncident(ctx context.Context, uuid string, now time.Time) (*database.Incident, error) {
	result := s.db.WithContext(ctx).Model(&database.Incident{}).
		Where("uuid = ? AND status = ?", uuid, database.IncidentStatusOpen).
		Updates(map[string]interface{}{"status": database.IncidentStatusAcknowledged, "updated_at": now})
	if result.Error != nil {
		return nil, storeError("acknowledge incident", "incident", uuid, result.Error)
	}

	incident, err := s.GetIncident(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		return nil, &AlreadyTerminalError{Kind: "incident", ID: uuid, Status: string(incident.Status)}
	}
	return incident, nil
}

// ResolveIncident resolves an open incident and its active SLA escalation, if any
func (s *IncidentService) ResolveIncident(ctx context.Context, uuid, resolvedBy string, now time.Time) (*database.Incident, error) {
	result := s.db.WithContext(ctx).Model(&database.Incident{}).
		Where("uuid = ? AND status IN ?", uuid, []database.IncidentStatus{database.IncidentStatusOpen, database.IncidentStatusAcknowledged}).
		Updates(map[string]interface{}{
			"status":      database.IncidentStatusResolved,
			"resolved_at": now,
			"updated_at":  now,
		})
	if result.Error != nil {
		return nil, storeError("resolve incident", "incident", uuid, result.Error)
	}

	incident, err := s.GetIncident(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if result.RowsAffected == 0 {
		return nil, &AlreadyTerminalError{Kind: "incident", ID: uuid, Status: string(incident.Status)}
	}

	s.log.Infow("Incident resolved", "incident", uuid, "by", resolvedBy)
	if s.engine != nil {
		if _, err := s.engine.ResolveByAlert(ctx, incident.AlertID(), resolvedBy, now); err != nil && !isNotFound(err) {
			s.log.Warnw("Failed to resolve incident escalation", "incident", uuid, "error", err)
		}
	}
	return incident, nil
}
