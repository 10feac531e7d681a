// Package variance classifies metric readings against a tolerance band.
//
// Everything in this package is pure: no I/O, no clocks, no logging. The
// same reading and band always produce the same Result.
package variance

import (
	"fmt"
	"math"
)

// Status is the classification of a reading relative to its tolerance band
type Status string

const (
	StatusWithinAppetite Status = "within_appetite"
	StatusWarning        Status = "warning"
	StatusBreach         Status = "breach"
)

// BreachType is the kind of breach notification a classified reading warrants
type BreachType string

const (
	BreachTypeWarning  BreachType = "warning"
	BreachTypeBreach   BreachType = "breach"
	BreachTypeCritical BreachType = "critical"
)

// ToleranceBand defines acceptable variance around an appetite threshold.
// Percentages are fractions of the threshold (0.10 == 10%).
type ToleranceBand struct {
	AppetiteThreshold  float64 `json:"appetite_threshold"`
	WarningPercentage  float64 `json:"warning_percentage"`
	BreachPercentage   float64 `json:"breach_percentage"`
	CriticalPercentage float64 `json:"critical_percentage,omitempty"` // 0 disables the critical tier
}

// Result is the outcome of classifying one reading
type Result struct {
	Status             Status     `json:"variance_status"`
	VariancePercentage float64    `json:"variance_percentage"`
	BreachType         BreachType `json:"breach_type,omitempty"` // empty when within appetite
}

// BandError reports a tolerance band that can never be evaluated
type BandError struct {
	Field  string
	Reason string
}

func (e *BandError) Error() string {
	return fmt.Sprintf("invalid tolerance band: %s %s", e.Field, e.Reason)
}

// ValidateBand checks a band is usable: a finite positive threshold and
// 0 < warning < breach (< critical when set).
func ValidateBand(band ToleranceBand) error {
	if math.IsNaN(band.AppetiteThreshold) || math.IsInf(band.AppetiteThreshold, 0) {
		return &BandError{Field: "appetite_threshold", Reason: "must be finite"}
	}
	if !(band.AppetiteThreshold > 0) {
		return &BandError{Field: "appetite_threshold", Reason: "must be positive"}
	}
	if !(band.WarningPercentage > 0) {
		return &BandError{Field: "warning_percentage", Reason: "must be greater than 0"}
	}
	if !(band.BreachPercentage > band.WarningPercentage) {
		return &BandError{Field: "breach_percentage", Reason: "must be greater than warning_percentage"}
	}
	if math.IsInf(band.BreachPercentage, 0) {
		return &BandError{Field: "breach_percentage", Reason: "must be finite"}
	}
	if band.CriticalPercentage != 0 && !(band.CriticalPercentage > band.BreachPercentage) {
		return &BandError{Field: "critical_percentage", Reason: "must be greater than breach_percentage"}
	}
	return nil
}

// Classify computes the signed variance of actual against the band threshold
// and applies the status precedence breach, warning, within_appetite on its
// absolute value. Positive variance means over the threshold.
func Classify(actual float64, band ToleranceBand) (Result, error) {
	if err := ValidateBand(band); err != nil {
		return Result{}, err
	}
	if math.IsNaN(actual) || math.IsInf(actual, 0) {
		return Result{}, fmt.Errorf("actual value must be finite, got %v", actual)
	}

	pct := (actual - band.AppetiteThreshold) / band.AppetiteThreshold
	abs := math.Abs(pct)

	res := Result{VariancePercentage: pct}
	switch {
	case abs >= band.BreachPercentage:
		res.Status = StatusBreach
		res.BreachType = BreachTypeBreach
		if band.CriticalPercentage > 0 && abs >= band.CriticalPercentage {
			res.BreachType = BreachTypeCritical
		}
	case abs >= band.WarningPercentage:
		res.Status = StatusWarning
		res.BreachType = BreachTypeWarning
	default:
		res.Status = StatusWithinAppetite
	}
	return res, nil
}

// Severity orders statuses so callers can compare them
func (s Status) Severity() int {
	switch s {
	case StatusBreach:
		return 2
	case StatusWarning:
		return 1
	default:
		return 0
	}
}

// IsValid reports whether s is a known status
func (s Status) IsValid() bool {
	return s == StatusWithinAppetite || s == StatusWarning || s == StatusBreach
}

// Escalates reports whether a notification of this type should start an escalation.
// Warnings only notify the metric owners.
func (t BreachType) Escalates() bool {
	return t == BreachTypeBreach || t == BreachTypeCritical
}
