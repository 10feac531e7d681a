package services

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// ErrNotFound is matched by every NotFoundError
var ErrNotFound = errors.New("not found")

// NotFoundError reports an unknown notification, execution, policy, metric or incident
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ConfigurationError reports a definition that can never be evaluated, such as
// a zero appetite threshold or a policy with non-increasing levels. It is
// raised when the definition is saved, never during evaluation.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Reason, e.Err)
	}
	return "configuration error: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// AlreadyTerminalError reports an action on something that has already
// reached a final state (resolved, cancelled, acknowledged)
type AlreadyTerminalError struct {
	Kind   string
	ID     string
	Status string
}

func (e *AlreadyTerminalError) Error() string {
	return fmt.Sprintf("%s %s is already %s", e.Kind, e.ID, e.Status)
}

// StoreUnavailableError wraps a transient storage failure
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// ConflictError reports a write that contradicts existing immutable data,
// such as a second reading for the same metric and date with another value
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Reason
}

// storeError maps a gorm error to the service error taxonomy
func storeError(op, kind, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &NotFoundError{Kind: kind, ID: id}
	}
	var nf *NotFoundError
	var cfg *ConfigurationError
	var term *AlreadyTerminalError
	var conflict *ConflictError
	var store *StoreUnavailableError
	if errors.As(err, &nf) || errors.As(err, &cfg) || errors.As(err, &term) || errors.As(err, &conflict) || errors.As(err, &store) {
		return err
	}
	return &StoreUnavailableError{Op: op, Err: err}
}

// isUniqueViolation reports whether err is a unique constraint violation
// from either PostgreSQL or sqlite
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "sqlstate 23505")
}
