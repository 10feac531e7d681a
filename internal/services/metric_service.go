package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/akmatori/riskwatch/internal/database"
	"github.com/akmatori/riskwatch/internal/events"
	"github.com/akmatori/riskwatch/internal/metrics"
	"github.com/akmatori/riskwatch/internal/utils"
	"github.com/akmatori/riskwatch/internal/variance"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const metricLockStripes = 64

// MetricInput carries the editable fields of a metric definition
type MetricInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Unit        string `json:"unit"`
	variance.ToleranceBand
	EscalationPolicyID *uint    `json:"escalation_policy_id,omitempty"`
	Recipients         []string `json:"recipients"`
	Enabled            *bool    `json:"enabled,omitempty"`
}

// IngestResult is the outcome of ingesting one reading
type IngestResult struct {
	Reading      *database.MetricReading       `json:"reading"`
	Variance     *database.VarianceRecord      `json:"variance"`
	Notification *database.BreachNotification  `json:"notification,omitempty"`
	Execution    *database.EscalationExecution `json:"execution,omitempty"`
	Replayed     bool                          `json:"replayed"`
}

// ReclassifyResult is the outcome of a tolerance band change
type ReclassifyResult struct {
	Metric       *database.MetricDefinition    `json:"metric"`
	Variance     *database.VarianceRecord      `json:"variance,omitempty"` // nil when the metric has no readings
	Notification *database.BreachNotification  `json:"notification,omitempty"`
	Execution    *database.EscalationExecution `json:"execution,omitempty"`
}

// MetricService manages metric definitions and reading ingestion.
//
// Readings of one metric are processed one at a time, in arrival order, so a
// reading is never classified against a band older than the one its
// predecessor used. Different metrics proceed in parallel.
type MetricService struct {
	db       *gorm.DB
	breaches *BreachService
	events   events.Publisher
	log      *zap.SugaredLogger

	locks [metricLockStripes]sync.Mutex
}

// NewMetricService creates a new metric service
func NewMetricService(db *gorm.DB, breaches *BreachService, publisher events.Publisher, log *zap.SugaredLogger) *MetricService {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &MetricService{
		db:       db,
		breaches: breaches,
		events:   publisher,
		log:      log,
	}
}

func (s *MetricService) lock(metricID uint) func() {
	mu := &s.locks[metricID%metricLockStripes]
	mu.Lock()
	return mu.Unlock
}

func (s *MetricService) validateInput(ctx context.Context, in *MetricInput) error {
	if err := utils.ValidateMetricName(in.Name); err != nil {
		return &ConfigurationError{Reason: "invalid metric name", Err: err}
	}
	if err := variance.ValidateBand(in.ToleranceBand); err != nil {
		return &ConfigurationError{Reason: "invalid tolerance band", Err: err}
	}
	for _, r := range in.Recipients {
		if err := utils.ValidateRecipient(r); err != nil {
			return &ConfigurationError{Reason: "invalid recipient", Err: err}
		}
	}
	if in.EscalationPolicyID != nil {
		var count int64
		if err := s.db.WithContext(ctx).Model(&database.EscalationPolicy{}).Where("id = ?", *in.EscalationPolicyID).Count(&count).Error; err != nil {
			return storeError("check escalation policy", "policy", "", err)
		}
		if count == 0 {
			return &ConfigurationError{Reason: fmt.Sprintf("escalation policy %d does not exist", *in.EscalationPolicyID)}
		}
	}
	return nil
}

// DefineMetric validates and stores a new metric definition
func (s *MetricService) DefineMetric(ctx context.Context, in MetricInput) (*database.MetricDefinition, error) {
	if err := s.validateInput(ctx, &in); err != nil {
		return nil, err
	}

	metric := &database.MetricDefinition{
		Name:               in.Name,
		Description:        in.Description,
		Unit:               in.Unit,
		EscalationPolicyID: in.EscalationPolicyID,
		Recipients:         database.StringList(in.Recipients),
		Enabled:            true,
	}
	metric.ApplyToleranceBand(in.ToleranceBand)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(metric).Error; err != nil {
			if isUniqueViolation(err) {
				return &ConflictError{Reason: fmt.Sprintf("metric %q already exists", in.Name)}
			}
			return err
		}
		if in.Enabled != nil && !*in.Enabled {
			metric.Enabled = false
			return tx.Model(metric).Update("enabled", false).Error
		}
		return nil
	})
	if err != nil {
		return nil, storeError("define metric", "metric", in.Name, err)
	}

	s.log.Infow("Metric defined", "metric", metric.Name, "id", metric.ID, "threshold", metric.AppetiteThreshold)
	return metric, nil
}

// GetMetric returns a metric definition by ID
func (s *MetricService) GetMetric(ctx context.Context, id uint) (*database.MetricDefinition, error) {
	return getMetric(s.db.WithContext(ctx), id)
}

func getMetric(db *gorm.DB, id uint) (*database.MetricDefinition, error) {
	var metric database.MetricDefinition
	if err := db.First(&metric, id).Error; err != nil {
		return nil, storeError("get metric", "metric", strconv.FormatUint(uint64(id), 10), err)
	}
	return &metric, nil
}

// ListMetrics returns all metric definitions ordered by name
func (s *MetricService) ListMetrics(ctx context.Context) ([]database.MetricDefinition, error) {
	var list []database.MetricDefinition
	if err := s.db.WithContext(ctx).Order("name").Find(&list).Error; err != nil {
		return nil, storeError("list metrics", "metric", "", err)
	}
	return list, nil
}

// IngestReading records a reading, classifies it and registers any breach.
//
// Re-ingesting a reading with the same date and value is a replay: nothing new
// is stored, but breach registration runs again so an interrupted ingestion
// completes. The same date with a different value is a ConflictError.
func (s *MetricService) IngestReading(ctx context.Context, metricID uint, value float64, measuredAt time.Time, source string, now time.Time) (*IngestResult, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, &ConfigurationError{Reason: "actual value must be finite"}
	}
	if measuredAt.IsZero() {
		measuredAt = now
	}
	measuredAt = measuredAt.UTC().Truncate(time.Microsecond)

	unlock := s.lock(metricID)
	defer unlock()

	metric, err := s.GetMetric(ctx, metricID)
	if err != nil {
		return nil, err
	}
	if !metric.Enabled {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("metric %q is disabled", metric.Name)}
	}

	for attempt := 0; attempt < 2; attempt++ {
		existing, record, err := s.findReading(ctx, metricID, measuredAt)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.ActualValue != value {
				return nil, &ConflictError{Reason: fmt.Sprintf("metric %q already has reading %v for %s", metric.Name, existing.ActualValue, measuredAt.Format(time.RFC3339))}
			}
			metrics.ReadingsReplayed.Inc()
			s.log.Debugw("Reading replayed", "metric", metric.Name, "reading", existing.ID)
			return s.register(ctx, metric, &IngestResult{Reading: existing, Variance: record, Replayed: true}, now)
		}

		reading, record, err := s.createReading(ctx, metric, value, measuredAt, source)
		if err != nil {
			if isUniqueViolation(err) {
				continue
			}
			return nil, storeError("ingest reading", "metric", metric.Name, err)
		}

		metrics.ReadingsIngested.WithLabelValues(string(record.VarianceStatus)).Inc()
		s.log.Infow("Reading ingested",
			"metric", metric.Name,
			"value", value,
			"status", record.VarianceStatus,
			"variance", record.VariancePercentage)
		if err := s.events.Publish(ctx, events.New(events.TypeReadingIngested, now, record)); err != nil {
			s.log.Debugw("Failed to publish reading event", "error", err)
		}
		return s.register(ctx, metric, &IngestResult{Reading: reading, Variance: record}, now)
	}
	return nil, &ConflictError{Reason: fmt.Sprintf("metric %q reading for %s was written concurrently", metric.Name, measuredAt.Format(time.RFC3339))}
}

func (s *MetricService) register(ctx context.Context, metric *database.MetricDefinition, res *IngestResult, now time.Time) (*IngestResult, error) {
	if res.Variance == nil || s.breaches == nil {
		return res, nil
	}
	n, exec, err := s.breaches.RegisterVariance(ctx, metric, res.Variance, now)
	if err != nil {
		return nil, err
	}
	res.Notification = n
	res.Execution = exec
	return res, nil
}

// findReading returns the reading for a metric and date with its current variance record
func (s *MetricService) findReading(ctx context.Context, metricID uint, measuredAt time.Time) (*database.MetricReading, *database.VarianceRecord, error) {
	var reading database.MetricReading
	err := s.db.WithContext(ctx).
		Where("metric_id = ? AND measurement_date = ?", metricID, measuredAt).
		First(&reading).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, storeError("find reading", "reading", "", err)
	}

	record, err := currentVariance(s.db.WithContext(ctx), reading.ID)
	if err != nil {
		return nil, nil, err
	}
	return &reading, record, nil
}

func currentVariance(db *gorm.DB, readingID uint) (*database.VarianceRecord, error) {
	var record database.VarianceRecord
	err := db.Where("reading_id = ? AND superseded = ?", readingID, false).
		Order("id DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("find variance record", "variance record", "", err)
	}
	return &record, nil
}

func (s *MetricService) createReading(ctx context.Context, metric *database.MetricDefinition, value float64, measuredAt time.Time, source string) (*database.MetricReading, *database.VarianceRecord, error) {
	result, err := variance.Classify(value, metric.ToleranceBand())
	if err != nil {
		return nil, nil, &ConfigurationError{Reason: fmt.Sprintf("metric %q cannot be classified", metric.Name), Err: err}
	}

	reading := &database.MetricReading{
		MetricID:        metric.ID,
		MeasurementDate: measuredAt,
		ActualValue:     value,
		Source:          source,
	}
	var record *database.VarianceRecord
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(reading).Error; err != nil {
			return err
		}
		record = newVarianceRecord(metric, reading, result)
		return tx.Create(record).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return reading, record, nil
}

func newVarianceRecord(metric *database.MetricDefinition, reading *database.MetricReading, result variance.Result) *database.VarianceRecord {
	band := metric.ToleranceBand()
	return &database.VarianceRecord{
		MetricID:           metric.ID,
		ReadingID:          reading.ID,
		MeasurementDate:    reading.MeasurementDate,
		ActualValue:        reading.ActualValue,
		AppetiteThreshold:  band.AppetiteThreshold,
		WarningPercentage:  band.WarningPercentage,
		BreachPercentage:   band.BreachPercentage,
		CriticalPercentage: band.CriticalPercentage,
		VarianceStatus:     result.Status,
		VariancePercentage: result.VariancePercentage,
		BreachType:         string(result.BreachType),
	}
}

// UpdateToleranceBand changes a metric's band and re-classifies its most
// recent reading against it. Earlier variance records for that reading are
// marked superseded; history of older readings is left untouched.
func (s *MetricService) UpdateToleranceBand(ctx context.Context, metricID uint, band variance.ToleranceBand, now time.Time) (*ReclassifyResult, error) {
	if err := variance.ValidateBand(band); err != nil {
		return nil, &ConfigurationError{Reason: "invalid tolerance band", Err: err}
	}

	unlock := s.lock(metricID)
	defer unlock()

	res := &ReclassifyResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		metric, err := getMetric(tx, metricID)
		if err != nil {
			return err
		}
		metric.ApplyToleranceBand(band)
		if err := tx.Model(metric).Updates(map[string]interface{}{
			"appetite_threshold":  band.AppetiteThreshold,
			"warning_percentage":  band.WarningPercentage,
			"breach_percentage":   band.BreachPercentage,
			"critical_percentage": band.CriticalPercentage,
			"updated_at":          now,
		}).Error; err != nil {
			return err
		}
		res.Metric = metric

		var latest database.MetricReading
		err = tx.Where("metric_id = ?", metricID).Order("measurement_date DESC").First(&latest).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		result, err := variance.Classify(latest.ActualValue, band)
		if err != nil {
			return &ConfigurationError{Reason: "re-classification failed", Err: err}
		}
		if err := tx.Model(&database.VarianceRecord{}).
			Where("reading_id = ? AND superseded = ?", latest.ID, false).
			Updates(map[string]interface{}{"superseded": true, "superseded_at": now}).Error; err != nil {
			return err
		}
		record := newVarianceRecord(metric, &latest, result)
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		res.Variance = record
		return nil
	})
	if err != nil {
		return nil, storeError("update tolerance band", "metric", strconv.FormatUint(uint64(metricID), 10), err)
	}

	s.log.Infow("Tolerance band updated", "metric", res.Metric.Name, "reclassified", res.Variance != nil)
	if res.Variance == nil {
		return res, nil
	}

	metrics.Reclassifications.Inc()
	if s.breaches != nil {
		n, exec, err := s.breaches.RegisterVariance(ctx, res.Metric, res.Variance, now)
		if err != nil {
			return nil, err
		}
		res.Notification = n
		res.Execution = exec
	}
	return res, nil
}

// ListVariances returns a metric's variance records, newest reading first
func (s *MetricService) ListVariances(ctx context.Context, metricID uint, includeSuperseded bool, limit int) ([]database.VarianceRecord, error) {
	if _, err := s.GetMetric(ctx, metricID); err != nil {
		return nil, err
	}

	query := s.db.WithContext(ctx).Where("metric_id = ?", metricID)
	if !includeSuperseded {
		query = query.Where("superseded = ?", false)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []database.VarianceRecord
	if err := query.Order("measurement_date DESC, id DESC").Find(&records).Error; err != nil {
		return nil, storeError("list variances", "metric", strconv.FormatUint(uint64(metricID), 10), err)
	}
	return records, nil
}

// ListReadings returns a metric's readings, newest first
func (s *MetricService) ListReadings(ctx context.Context, metricID uint, limit int) ([]database.MetricReading, error) {
	query := s.db.WithContext(ctx).Where("metric_id = ?", metricID).Order("measurement_date DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var readings []database.MetricReading
	if err := query.Find(&readings).Error; err != nil {
		return nil, storeError("list readings", "metric", strconv.FormatUint(uint64(metricID), 10), err)
	}
	return readings, nil
}
