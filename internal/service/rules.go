package service

import (
	"context"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// RuleService manages approval chain rules. Rule edits never touch in-flight
// requests: chains are bound at request creation.
type RuleService struct {
	rules repository.RuleStore
	log   *logger.Logger
}

// NewRuleService creates a new RuleService.
func NewRuleService(rules repository.RuleStore, log *logger.Logger) *RuleService {
	return &RuleService{rules: rules, log: log}
}

// CreateRule validates and persists a new chain rule.
func (s *RuleService) CreateRule(ctx context.Context, rule *repository.ApprovalChainRule) (*repository.ApprovalChainRule, error) {
	if err := s.validate(rule); err != nil {
		return nil, err
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("tenant_id", rule.TenantID).
		Str("rule_id", rule.ID).
		Str("process_type", string(rule.ProcessType)).
		Msg("Approval rule created")

	return rule, nil
}

// GetRule returns a rule by id.
func (s *RuleService) GetRule(ctx context.Context, id, tenantID string) (*repository.ApprovalChainRule, error) {
	return s.rules.GetByID(ctx, id, tenantID)
}

// ListRules returns a tenant's rules, optionally filtered by process type and
// active flag, in creation order.
func (s *RuleService) ListRules(ctx context.Context, tenantID string, processType repository.ProcessType, activeOnly bool) ([]*repository.ApprovalChainRule, error) {
	if processType != "" && !processType.Valid() {
		return nil, errors.InvalidInput("process_type", "unknown process type")
	}
	return s.rules.List(ctx, tenantID, processType, activeOnly)
}

// UpdateRule validates and persists changes to an existing rule.
func (s *RuleService) UpdateRule(ctx context.Context, rule *repository.ApprovalChainRule) (*repository.ApprovalChainRule, error) {
	if rule.ID == "" {
		return nil, errors.InvalidInput("id", "rule id is required")
	}
	if err := s.validate(rule); err != nil {
		return nil, err
	}
	if err := s.rules.Update(ctx, rule); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("tenant_id", rule.TenantID).
		Str("rule_id", rule.ID).
		Msg("Approval rule updated")

	return rule, nil
}

// DeleteRule removes a rule. Requests already opened with it keep their bound
// chains and remain fully operable.
func (s *RuleService) DeleteRule(ctx context.Context, id, tenantID string) error {
	if err := s.rules.Delete(ctx, id, tenantID); err != nil {
		return err
	}
	s.log.Info().Str("tenant_id", tenantID).Str("rule_id", id).Msg("Approval rule deleted")
	return nil
}

func (s *RuleService) validate(rule *repository.ApprovalChainRule) error {
	if rule.TenantID == "" {
		return errors.InvalidInput("tenant_id", "tenant id is required")
	}
	if !rule.ProcessType.Valid() {
		return errors.InvalidInput("process_type", "unknown process type")
	}
	if rule.MinAmount != nil && rule.MaxAmount != nil && *rule.MinAmount > *rule.MaxAmount {
		return errors.InvalidInput("max_amount", "max amount must not be below min amount")
	}
	for _, lvl := range rule.Levels {
		switch lvl.SelectorType {
		case repository.SelectorFixedUser, repository.SelectorRole:
			if lvl.SelectorValue == "" {
				return errors.InvalidInput("levels", "selector value is required for fixed_user and role selectors")
			}
		case repository.SelectorManager:
		default:
			return errors.InvalidInput("levels", "unknown approver selector")
		}
	}
	return ValidateRuleLevels(rule.Levels)
}
