package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/akmatori/riskwatch/internal/database"
	"github.com/akmatori/riskwatch/internal/utils"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

// PolicyService stores escalation policies. Executions snapshot a policy's
// levels when they start, so edits only affect executions started afterwards.
type PolicyService struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

// NewPolicyService creates a new PolicyService
func NewPolicyService(db *gorm.DB, log *zap.SugaredLogger) *PolicyService {
	return &PolicyService{db: db, log: log}
}

// PolicyInput carries the editable fields of a policy
type PolicyInput struct {
	Name                  string                     `json:"policy_name" yaml:"name"`
	Description           string                     `json:"description" yaml:"description"`
	Levels                []database.EscalationLevel `json:"levels" yaml:"levels"`
	RepeatIntervalMinutes int                        `json:"repeat_interval_minutes" yaml:"repeat_interval_minutes"`
	IsActive              *bool                      `json:"is_active,omitempty" yaml:"is_active"`
}

// ValidateLevels checks that levels are non-empty, strictly increasing by
// level number and by cumulative delay, and that every level has valid recipients
func ValidateLevels(levels []database.EscalationLevel) error {
	if len(levels) == 0 {
		return &ConfigurationError{Reason: "policy must define at least one level"}
	}
	for i, lvl := range levels {
		if lvl.Level <= 0 {
			return &ConfigurationError{Reason: fmt.Sprintf("level %d: level number must be positive", i+1)}
		}
		if lvl.DelayMinutes < 0 {
			return &ConfigurationError{Reason: fmt.Sprintf("level %d: delay_minutes must not be negative", lvl.Level)}
		}
		if i > 0 {
			prev := levels[i-1]
			if lvl.Level <= prev.Level {
				return &ConfigurationError{Reason: fmt.Sprintf("level %d: levels must be strictly increasing", lvl.Level)}
			}
			if lvl.DelayMinutes <= prev.DelayMinutes {
				return &ConfigurationError{Reason: fmt.Sprintf("level %d: delay_minutes must be strictly increasing", lvl.Level)}
			}
		}
		if len(lvl.Recipients) == 0 {
			return &ConfigurationError{Reason: fmt.Sprintf("level %d: at least one recipient is required", lvl.Level)}
		}
		for _, r := range lvl.Recipients {
			if err := utils.ValidateRecipient(r); err != nil {
				return &ConfigurationError{Reason: fmt.Sprintf("level %d", lvl.Level), Err: err}
			}
		}
	}
	return nil
}

func validatePolicyInput(in *PolicyInput) error {
	if in.Name == "" {
		return &ConfigurationError{Reason: "policy_name is required"}
	}
	if in.RepeatIntervalMinutes < 0 {
		return &ConfigurationError{Reason: "repeat_interval_minutes must not be negative"}
	}
	return ValidateLevels(in.Levels)
}

// CreatePolicy validates and stores a new policy
func (s *PolicyService) CreatePolicy(ctx context.Context, in PolicyInput) (*database.EscalationPolicy, error) {
	if err := validatePolicyInput(&in); err != nil {
		return nil, err
	}

	policy := &database.EscalationPolicy{
		Name:                  in.Name,
		Description:           in.Description,
		Levels:                database.EscalationLevels(in.Levels).Clone(),
		RepeatIntervalMinutes: in.RepeatIntervalMinutes,
		IsActive:              true,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(policy).Error; err != nil {
			if isUniqueViolation(err) {
				return &ConflictError{Reason: fmt.Sprintf("policy %q already exists", in.Name)}
			}
			return err
		}
		// gorm skips false for columns with a default on create
		if in.IsActive != nil && !*in.IsActive {
			policy.IsActive = false
			return tx.Model(policy).Update("is_active", false).Error
		}
		return nil
	})
	if err != nil {
		return nil, storeError("create policy", "policy", in.Name, err)
	}

	s.log.Infow("Escalation policy created", "policy", policy.Name, "id", policy.ID, "levels", len(policy.Levels))
	return policy, nil
}

// UpdatePolicy replaces the editable fields of a policy. Running executions keep their snapshot.
func (s *PolicyService) UpdatePolicy(ctx context.Context, id uint, in PolicyInput) (*database.EscalationPolicy, error) {
	if err := validatePolicyInput(&in); err != nil {
		return nil, err
	}

	policy, err := s.GetPolicy(ctx, id)
	if err != nil {
		return nil, err
	}

	policy.Name = in.Name
	policy.Description = in.Description
	policy.Levels = database.EscalationLevels(in.Levels).Clone()
	policy.RepeatIntervalMinutes = in.RepeatIntervalMinutes
	if in.IsActive != nil {
		policy.IsActive = *in.IsActive
	}

	if err := s.db.WithContext(ctx).Save(policy).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, &ConflictError{Reason: fmt.Sprintf("policy %q already exists", in.Name)}
		}
		return nil, storeError("update policy", "policy", strconv.FormatUint(uint64(id), 10), err)
	}

	s.log.Infow("Escalation policy updated", "policy", policy.Name, "id", policy.ID)
	return policy, nil
}

// GetPolicy returns a policy by ID
func (s *PolicyService) GetPolicy(ctx context.Context, id uint) (*database.EscalationPolicy, error) {
	var policy database.EscalationPolicy
	if err := s.db.WithContext(ctx).First(&policy, id).Error; err != nil {
		return nil, storeError("get policy", "policy", strconv.FormatUint(uint64(id), 10), err)
	}
	return &policy, nil
}

// GetPolicyByName returns a policy by its unique name
func (s *PolicyService) GetPolicyByName(ctx context.Context, name string) (*database.EscalationPolicy, error) {
	var policy database.EscalationPolicy
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&policy).Error; err != nil {
		return nil, storeError("get policy", "policy", name, err)
	}
	return &policy, nil
}

// ListPolicies returns all policies ordered by name
func (s *PolicyService) ListPolicies(ctx context.Context, activeOnly bool) ([]database.EscalationPolicy, error) {
	var policies []database.EscalationPolicy
	query := s.db.WithContext(ctx).Order("name")
	if activeOnly {
		query = query.Where("is_active = ?", true)
	}
	if err := query.Find(&policies).Error; err != nil {
		return nil, storeError("list policies", "policy", "", err)
	}
	return policies, nil
}

// policyFile is the YAML seed file layout
type policyFile struct {
	Policies []PolicyInput `yaml:"policies"`
}

// LoadFromYAML creates or updates policies from a seed file, matching by name.
// Every policy in the file is validated before anything is written.
func (s *PolicyService) LoadFromYAML(ctx context.Context, path string) (created, updated int, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read policy file: %w", err)
	}

	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, 0, &ConfigurationError{Reason: "invalid policy file " + path, Err: err}
	}
	for i := range file.Policies {
		if err := validatePolicyInput(&file.Policies[i]); err != nil {
			return 0, 0, fmt.Errorf("policy %q: %w", file.Policies[i].Name, err)
		}
	}

	for _, in := range file.Policies {
		existing, getErr := s.GetPolicyByName(ctx, in.Name)
		switch {
		case errors.Is(getErr, ErrNotFound):
			if _, err := s.CreatePolicy(ctx, in); err != nil {
				return created, updated, err
			}
			created++
		case getErr != nil:
			return created, updated, getErr
		default:
			if _, err := s.UpdatePolicy(ctx, existing.ID, in); err != nil {
				return created, updated, err
			}
			updated++
		}
	}

	s.log.Infow("Loaded escalation policies from file", "path", path, "created", created, "updated", updated)
	return created, updated, nil
}
