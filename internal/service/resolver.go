package service

import (
	"context"
	"sort"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// User is the identity-service projection the engine needs.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
}

// IdentityClient resolves users from the platform identity service.
type IdentityClient interface {
	// ResolveUser returns a user by id.
	ResolveUser(ctx context.Context, userID string) (*User, error)
	// GetUsersWithRole returns user IDs that hold the given role for a tenant.
	GetUsersWithRole(ctx context.Context, tenantID, role string) ([]string, error)
	// GetManager returns the manager's user id, or "" when the user has none.
	GetManager(ctx context.Context, tenantID, userID string) (string, error)
}

// RequestContext carries the document attributes rules match against.
type RequestContext struct {
	Amount       int64   `json:"amount"` // cents
	CostCenterID *string `json:"cost_center_id,omitempty"`
	ProjectID    *string `json:"project_id,omitempty"`
	RequesterID  string  `json:"requester_id"`
}

// ChainLevel is one resolved level of an approval chain: a level number bound
// to a concrete approver.
type ChainLevel struct {
	LevelNumber int    `json:"level_number"`
	ApproverID  string `json:"approver_id"`
}

// ApprovalChain is a materialized chain ready to open a request with. Approver
// binding happens once here, so later role or hierarchy changes never alter an
// in-flight chain.
type ApprovalChain struct {
	RuleID   string       `json:"rule_id"`
	RuleName string       `json:"rule_name"`
	Levels   []ChainLevel `json:"levels"`
}

// RuleResolver selects the applicable chain rule for a document and binds its
// levels to concrete approvers.
type RuleResolver struct {
	rules    repository.RuleStore
	identity IdentityClient
	log      *logger.Logger
}

// NewRuleResolver creates a new RuleResolver.
func NewRuleResolver(rules repository.RuleStore, identity IdentityClient, log *logger.Logger) *RuleResolver {
	return &RuleResolver{rules: rules, identity: identity, log: log}
}

// Resolve picks the single matching rule and returns the bound chain. Ties are
// broken by the most specific condition set, then by rule creation order.
func (r *RuleResolver) Resolve(ctx context.Context, tenantID string, processType repository.ProcessType, reqCtx RequestContext) (*ApprovalChain, error) {
	if !processType.Valid() {
		return nil, errors.InvalidInput("process_type", "unknown process type")
	}

	rules, err := r.rules.List(ctx, tenantID, processType, true)
	if err != nil {
		return nil, err
	}

	// rules are creation-ordered, so a strict > keeps the earliest on ties.
	var best *repository.ApprovalChainRule
	bestSpecificity := -1
	for _, rule := range rules {
		if !ruleMatches(rule, reqCtx) {
			continue
		}
		if s := specificity(rule); s > bestSpecificity {
			best = rule
			bestSpecificity = s
		}
	}
	if best == nil {
		return nil, errors.Newf(errors.ErrCodeNoMatchingRule,
			"no approval rule matches process %s", processType)
	}

	chain, err := r.bindChain(ctx, tenantID, best, reqCtx.RequesterID)
	if err != nil {
		return nil, err
	}

	r.log.Debug().
		Str("tenant_id", tenantID).
		Str("rule_id", best.ID).
		Int("levels", len(chain.Levels)).
		Msg("Approval chain resolved")

	return chain, nil
}

// bindChain resolves every level's selector to a user id, walking level order
// so manager selectors chain upward from the previous approver.
func (r *RuleResolver) bindChain(ctx context.Context, tenantID string, rule *repository.ApprovalChainRule, requesterID string) (*ApprovalChain, error) {
	if err := ValidateRuleLevels(rule.Levels); err != nil {
		return nil, err
	}

	levels := append([]repository.RuleLevel(nil), rule.Levels...)
	sort.Slice(levels, func(i, j int) bool { return levels[i].LevelNumber < levels[j].LevelNumber })

	chain := &ApprovalChain{RuleID: rule.ID, RuleName: rule.Name}
	anchor := requesterID
	for _, lvl := range levels {
		approverID, err := r.resolveSelector(ctx, tenantID, lvl, anchor)
		if err != nil {
			return nil, errors.Newf(errors.ErrCodeUnresolvableApprover,
				"level %d approver cannot be resolved: %s", lvl.LevelNumber, errors.MessageOf(err))
		}
		chain.Levels = append(chain.Levels, ChainLevel{LevelNumber: lvl.LevelNumber, ApproverID: approverID})
		anchor = approverID
	}
	return chain, nil
}

func (r *RuleResolver) resolveSelector(ctx context.Context, tenantID string, lvl repository.RuleLevel, anchor string) (string, error) {
	switch lvl.SelectorType {
	case repository.SelectorFixedUser:
		if lvl.SelectorValue == "" {
			return "", errors.InvalidInput("selector_value", "fixed_user selector requires a user id")
		}
		user, err := r.identity.ResolveUser(ctx, lvl.SelectorValue)
		if err != nil {
			return "", err
		}
		return user.ID, nil

	case repository.SelectorRole:
		if lvl.SelectorValue == "" {
			return "", errors.InvalidInput("selector_value", "role selector requires a role name")
		}
		users, err := r.identity.GetUsersWithRole(ctx, tenantID, lvl.SelectorValue)
		if err != nil {
			return "", err
		}
		if len(users) == 0 {
			return "", errors.Newf(errors.ErrCodeUnresolvableApprover, "role %s has no holder", lvl.SelectorValue)
		}
		return users[0], nil

	case repository.SelectorManager:
		if anchor == "" {
			return "", errors.InvalidInput("requester_id", "manager selector requires a requester")
		}
		manager, err := r.identity.GetManager(ctx, tenantID, anchor)
		if err != nil {
			return "", err
		}
		if manager == "" {
			return "", errors.Newf(errors.ErrCodeUnresolvableApprover, "user %s has no manager", anchor)
		}
		return manager, nil
	}
	return "", errors.InvalidInput("selector_type", "unknown approver selector")
}

// ruleMatches reports whether every non-nil condition of the rule holds for
// the request context. MaxAmount is an inclusive upper bound.
func ruleMatches(rule *repository.ApprovalChainRule, reqCtx RequestContext) bool {
	if rule.MinAmount != nil && reqCtx.Amount < *rule.MinAmount {
		return false
	}
	if rule.MaxAmount != nil && reqCtx.Amount > *rule.MaxAmount {
		return false
	}
	if rule.CostCenterID != nil {
		if reqCtx.CostCenterID == nil || *reqCtx.CostCenterID != *rule.CostCenterID {
			return false
		}
	}
	if rule.ProjectID != nil {
		if reqCtx.ProjectID == nil || *reqCtx.ProjectID != *rule.ProjectID {
			return false
		}
	}
	if rule.RequesterID != nil && reqCtx.RequesterID != *rule.RequesterID {
		return false
	}
	return true
}

// specificity counts a rule's non-nil match conditions.
func specificity(rule *repository.ApprovalChainRule) int {
	n := 0
	if rule.MinAmount != nil {
		n++
	}
	if rule.MaxAmount != nil {
		n++
	}
	if rule.CostCenterID != nil {
		n++
	}
	if rule.ProjectID != nil {
		n++
	}
	if rule.RequesterID != nil {
		n++
	}
	return n
}

// ValidateRuleLevels enforces the chain shape: at least one level, level
// numbers contiguous from 1, no duplicates.
func ValidateRuleLevels(levels []repository.RuleLevel) error {
	if len(levels) == 0 {
		return errors.InvalidInput("levels", "a rule requires at least one level")
	}
	seen := make(map[int]bool, len(levels))
	for _, lvl := range levels {
		if lvl.LevelNumber < 1 || lvl.LevelNumber > len(levels) {
			return errors.InvalidInput("levels", "level numbers must be contiguous starting at 1")
		}
		if seen[lvl.LevelNumber] {
			return errors.InvalidInput("levels", "duplicate level number")
		}
		seen[lvl.LevelNumber] = true
	}
	return nil
}
