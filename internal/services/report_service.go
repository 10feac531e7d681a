package services

import (
	"context"
	"sort"
	"time"

	"github.com/akmatori/riskwatch/internal/database"
	"gorm.io/gorm"
)

// ReportScope narrows a summary to one policy and/or alert source
type ReportScope struct {
	PolicyID    *uint  `json:"policy_id,omitempty"`
	AlertSource string `json:"alert_source,omitempty"`
}

// TimeRange is a half-open interval [From, To). Zero bounds are open.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// LevelCount is the number of executions currently at a level
type LevelCount struct {
	Level int   `json:"level"`
	Count int64 `json:"count"`
}

// TrendPoint is the number of executions started on one UTC day
type TrendPoint struct {
	Date  string `json:"date"`
	Count int64  `json:"count"`
}

// Summary aggregates escalation history
type Summary struct {
	TotalEscalations     int64        `json:"total_escalations"`
	ActiveEscalations    int64        `json:"active_escalations"`
	ResolvedEscalations  int64        `json:"resolved_escalations"`
	CancelledEscalations int64        `json:"cancelled_escalations"`
	AvgResolutionHours   float64      `json:"avg_resolution_hours"`
	EscalationsByLevel   []LevelCount `json:"escalations_by_level"`
	EscalationTrends     []TrendPoint `json:"escalation_trends"`
}

// Summarize aggregates executions into a Summary. It is pure.
func Summarize(execs []database.EscalationExecution) Summary {
	summary := Summary{
		EscalationsByLevel: []LevelCount{},
		EscalationTrends:   []TrendPoint{},
	}

	byLevel := make(map[int]int64)
	byDay := make(map[string]int64)
	var resolutionHours float64
	var resolvedWithTime int64

	for i := range execs {
		exec := &execs[i]
		summary.TotalEscalations++
		switch exec.Status {
		case database.ExecutionStatusActive:
			summary.ActiveEscalations++
		case database.ExecutionStatusResolved:
			summary.ResolvedEscalations++
		case database.ExecutionStatusCancelled:
			summary.CancelledEscalations++
		}
		if hours, ok := exec.ResolutionHours(); ok {
			resolutionHours += hours
			resolvedWithTime++
		}
		byLevel[exec.CurrentLevel]++
		byDay[exec.EscalatedAt.UTC().Format("2006-01-02")]++
	}

	if resolvedWithTime > 0 {
		summary.AvgResolutionHours = resolutionHours / float64(resolvedWithTime)
	}

	for level, count := range byLevel {
		summary.EscalationsByLevel = append(summary.EscalationsByLevel, LevelCount{Level: level, Count: count})
	}
	sort.Slice(summary.EscalationsByLevel, func(i, j int) bool {
		return summary.EscalationsByLevel[i].Level < summary.EscalationsByLevel[j].Level
	})

	for day, count := range byDay {
		summary.EscalationTrends = append(summary.EscalationTrends, TrendPoint{Date: day, Count: count})
	}
	sort.Slice(summary.EscalationTrends, func(i, j int) bool {
		return summary.EscalationTrends[i].Date < summary.EscalationTrends[j].Date
	})

	return summary
}

// ReportService computes escalation summaries on demand
type ReportService struct {
	db *gorm.DB
}

// NewReportService creates a new report service
func NewReportService(db *gorm.DB) *ReportService {
	return &ReportService{db: db}
}

// GetSummary summarizes executions escalated within the range
func (s *ReportService) GetSummary(ctx context.Context, scope ReportScope, tr TimeRange) (*Summary, error) {
	query := s.db.WithContext(ctx).Model(&database.EscalationExecution{})
	if scope.PolicyID != nil {
		query = query.Where("policy_id = ?", *scope.PolicyID)
	}
	if scope.AlertSource != "" {
		query = query.Where("alert_source = ?", scope.AlertSource)
	}
	if !tr.From.IsZero() {
		query = query.Where("escalated_at >= ?", tr.From)
	}
	if !tr.To.IsZero() {
		query = query.Where("escalated_at < ?", tr.To)
	}

	var execs []database.EscalationExecution
	if err := query.
		Select("id", "status", "current_level", "escalated_at", "resolved_at").
		Find(&execs).Error; err != nil {
		return nil, storeError("summarize escalations", "execution", "", err)
	}

	summary := Summarize(execs)
	return &summary, nil
}
