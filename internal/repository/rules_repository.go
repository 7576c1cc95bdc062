package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// RulesRepository handles CRUD for approval_chain_rules.
type RulesRepository struct {
	db *database.DB
}

// NewRulesRepository creates a new RulesRepository.
func NewRulesRepository(db *database.DB) *RulesRepository {
	return &RulesRepository{db: db}
}

// Create inserts a new approval chain rule.
func (r *RulesRepository) Create(ctx context.Context, rule *ApprovalChainRule) error {
	levelsJSON, err := json.Marshal(rule.Levels)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal rule levels")
	}

	query := `
		INSERT INTO approval_chain_rules
		    (tenant_id, name, process_type,
		     min_amount, max_amount, cost_center_id, project_id, requester_id,
		     levels, is_active)
		VALUES ($1, $2, $3::approval_process_type,
		        $4, $5, $6, $7, $8,
		        $9, $10)
		RETURNING id, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		rule.TenantID,
		rule.Name,
		rule.ProcessType,
		rule.MinAmount,
		rule.MaxAmount,
		rule.CostCenterID,
		rule.ProjectID,
		rule.RequesterID,
		levelsJSON,
		rule.IsActive,
	).Scan(&rule.ID, &rule.CreatedAt, &rule.UpdatedAt)
}

// GetByID retrieves a rule by primary key within a tenant.
func (r *RulesRepository) GetByID(ctx context.Context, id, tenantID string) (*ApprovalChainRule, error) {
	query := `
		SELECT id, tenant_id, name, process_type,
		       min_amount, max_amount, cost_center_id, project_id, requester_id,
		       levels, is_active, created_at, updated_at
		FROM approval_chain_rules
		WHERE id = $1 AND tenant_id = $2
	`

	rule, err := scanRule(r.db.QueryRow(ctx, query, id, tenantID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_chain_rule", id)
	}
	return rule, err
}

// List returns a tenant's rules ordered by creation time ascending. Passing a
// zero processType lists every process type.
func (r *RulesRepository) List(ctx context.Context, tenantID string, processType ProcessType, activeOnly bool) ([]*ApprovalChainRule, error) {
	query := `
		SELECT id, tenant_id, name, process_type,
		       min_amount, max_amount, cost_center_id, project_id, requester_id,
		       levels, is_active, created_at, updated_at
		FROM approval_chain_rules
		WHERE tenant_id = $1
	`
	args := []any{tenantID}
	if processType != "" {
		query += " AND process_type = $2::approval_process_type"
		args = append(args, processType)
	}
	if activeOnly {
		query += " AND is_active = TRUE"
	}
	query += " ORDER BY created_at ASC"

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval rules")
	}
	defer rows.Close()

	var rules []*ApprovalChainRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval rule")
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// Update persists changes to an existing rule.
func (r *RulesRepository) Update(ctx context.Context, rule *ApprovalChainRule) error {
	levelsJSON, err := json.Marshal(rule.Levels)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal rule levels")
	}

	query := `
		UPDATE approval_chain_rules
		SET name           = $3,
		    min_amount     = $4,
		    max_amount     = $5,
		    cost_center_id = $6,
		    project_id     = $7,
		    requester_id   = $8,
		    levels         = $9,
		    is_active      = $10,
		    updated_at     = NOW()
		WHERE id = $1 AND tenant_id = $2
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		rule.ID,
		rule.TenantID,
		rule.Name,
		rule.MinAmount,
		rule.MaxAmount,
		rule.CostCenterID,
		rule.ProjectID,
		rule.RequesterID,
		levelsJSON,
		rule.IsActive,
	).Scan(&rule.UpdatedAt)

	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_chain_rule", rule.ID)
	}
	return err
}

// Delete removes a rule. Requests that already reference it keep their copy of
// the chain, so deletion never rewrites in-flight approvals.
func (r *RulesRepository) Delete(ctx context.Context, id, tenantID string) error {
	query := `
		DELETE FROM approval_chain_rules
		WHERE id = $1 AND tenant_id = $2
	`

	tag, err := r.db.Exec(ctx, query, id, tenantID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete approval rule")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("approval_chain_rule", id)
	}
	return nil
}

// ── scan helper ──────────────────────────────────────────────────────────────

type ruleScanner interface {
	Scan(dest ...any) error
}

func scanRule(row ruleScanner) (*ApprovalChainRule, error) {
	rule := &ApprovalChainRule{}
	var levelsJSON []byte

	err := row.Scan(
		&rule.ID,
		&rule.TenantID,
		&rule.Name,
		&rule.ProcessType,
		&rule.MinAmount,
		&rule.MaxAmount,
		&rule.CostCenterID,
		&rule.ProjectID,
		&rule.RequesterID,
		&levelsJSON,
		&rule.IsActive,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(levelsJSON, &rule.Levels); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal rule levels")
	}
	return rule, nil
}
