package repository

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-plt-approvals/internal/database"
	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// PostgresStore implements Store on top of pgx. Writers serialize per request
// by locking the approval_requests row before touching its steps; a partial
// unique index on open requests backs the one-open-request-per-document rule
// even under races.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// InTransaction runs fn inside a database transaction, translating transient
// Postgres conflicts into retryable coded errors.
func (s *PostgresStore) InTransaction(ctx context.Context, fn func(tx StoreTx) error) error {
	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return fn(&pgStoreTx{q: tx})
	})
	return translatePgError(err)
}

func translatePgError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return errors.Wrap(err, errors.ErrCodeSerialization, "transaction conflict")
		case "23505":
			if pgErr.ConstraintName == "approval_requests_open_document_key" {
				return errors.Wrap(err, errors.ErrCodeDuplicateOpenRequest,
					"an open approval request already exists for this document")
			}
		}
	}
	return err
}

const requestColumns = `
	id, tenant_id, process_type, document_id, rule_id,
	status, created_by, created_at, closed_at
`

const stepColumns = `
	id, request_id, tenant_id, level_number, approver_id,
	status, decided_at, notes,
	transferred_at, transfer_reason, previous_approver_id,
	created_at, updated_at
`

// GetRequest returns a request and its steps for a tenant.
func (s *PostgresStore) GetRequest(ctx context.Context, tenantID, requestID string) (*ApprovalRequest, []*ApprovalStep, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE id = $1 AND tenant_id = $2
	`

	req, err := scanRequest(s.db.QueryRow(ctx, query, requestID, tenantID))
	if err == pgx.ErrNoRows {
		return nil, nil, errors.Newf(errors.ErrCodeRequestNotFound, "approval request not found: %s", requestID)
	}
	if err != nil {
		return nil, nil, err
	}

	steps, err := querySteps(ctx, s.db, req.ID)
	if err != nil {
		return nil, nil, err
	}
	return req, steps, nil
}

// GetLatestRequestByDocument returns the most recently created request for a
// document, terminal or not, with its steps.
func (s *PostgresStore) GetLatestRequestByDocument(ctx context.Context, tenantID string, processType ProcessType, documentID string) (*ApprovalRequest, []*ApprovalStep, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE tenant_id = $1 AND process_type = $2::approval_process_type AND document_id = $3
		ORDER BY created_at DESC
		LIMIT 1
	`

	req, err := scanRequest(s.db.QueryRow(ctx, query, tenantID, processType, documentID))
	if err == pgx.ErrNoRows {
		return nil, nil, errors.Newf(errors.ErrCodeRequestNotFound, "no approval request for document: %s", documentID)
	}
	if err != nil {
		return nil, nil, err
	}

	steps, err := querySteps(ctx, s.db, req.ID)
	if err != nil {
		return nil, nil, err
	}
	return req, steps, nil
}

// ListPendingForApprover returns the actionable steps awaiting a user. The
// active-step invariant is evaluated in SQL: the step is pending, its request
// is open, and no lower level is undecided or non-approved.
func (s *PostgresStore) ListPendingForApprover(ctx context.Context, tenantID, approverID string) ([]*PendingApproval, error) {
	query := `
		SELECT s.id, s.request_id, s.tenant_id, s.level_number, s.approver_id,
		       s.status, s.decided_at, s.notes,
		       s.transferred_at, s.transfer_reason, s.previous_approver_id,
		       s.created_at, s.updated_at,
		       r.process_type, r.document_id, r.created_by, r.created_at
		FROM approval_steps s
		JOIN approval_requests r ON r.id = s.request_id
		WHERE s.tenant_id = $1
		  AND s.approver_id = $2
		  AND s.status = 'pending'
		  AND r.status = 'pending'
		  AND NOT EXISTS (
		      SELECT 1 FROM approval_steps p
		      WHERE p.request_id = s.request_id
		        AND p.level_number < s.level_number
		        AND p.status <> 'approved'
		  )
		ORDER BY s.created_at ASC
	`

	rows, err := s.db.Query(ctx, query, tenantID, approverID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	var pending []*PendingApproval
	for rows.Next() {
		step := &ApprovalStep{}
		p := &PendingApproval{Step: step}
		err := rows.Scan(
			&step.ID, &step.RequestID, &step.TenantID, &step.LevelNumber, &step.ApproverID,
			&step.Status, &step.DecidedAt, &step.Notes,
			&step.TransferredAt, &step.TransferReason, &step.PreviousApproverID,
			&step.CreatedAt, &step.UpdatedAt,
			&p.ProcessType, &p.DocumentID, &p.RequestedBy, &p.RequestedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan pending approval")
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// ListAudit returns a request's audit trail ordered oldest-first.
func (s *PostgresStore) ListAudit(ctx context.Context, tenantID, requestID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, tenant_id, request_id, step_id, action, actor_id, metadata, performed_at
		FROM approval_audit_log
		WHERE tenant_id = $1 AND request_id = $2
		ORDER BY performed_at ASC, id ASC
	`

	rows, err := s.db.Query(ctx, query, tenantID, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		entry := &AuditEntry{}
		var metadataJSON []byte
		err := rows.Scan(
			&entry.ID, &entry.TenantID, &entry.RequestID, &entry.StepID,
			&entry.Action, &entry.ActorID, &metadataJSON, &entry.PerformedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit entry")
		}
		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal audit metadata")
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// ── transaction view ─────────────────────────────────────────────────────────

type pgStoreTx struct {
	q database.Querier
}

func (t *pgStoreTx) GetOpenRequestByDocument(ctx context.Context, tenantID string, processType ProcessType, documentID string) (*ApprovalRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE tenant_id = $1 AND process_type = $2::approval_process_type AND document_id = $3
		  AND status = 'pending'
		FOR UPDATE
	`

	req, err := scanRequest(t.q.QueryRow(ctx, query, tenantID, processType, documentID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return req, err
}

func (t *pgStoreTx) InsertRequest(ctx context.Context, req *ApprovalRequest, steps []*ApprovalStep) error {
	reqQuery := `
		INSERT INTO approval_requests
		    (tenant_id, process_type, document_id, rule_id, status, created_by)
		VALUES ($1, $2::approval_process_type, $3, $4, $5::approval_request_status, $6)
		RETURNING id, created_at
	`

	err := t.q.QueryRow(ctx, reqQuery,
		req.TenantID,
		req.ProcessType,
		req.DocumentID,
		req.RuleID,
		req.Status,
		req.CreatedBy,
	).Scan(&req.ID, &req.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
	}

	stepQuery := `
		INSERT INTO approval_steps
		    (request_id, tenant_id, level_number, approver_id, status)
		VALUES ($1, $2, $3, $4, $5::approval_step_status)
		RETURNING id, created_at, updated_at
	`

	for _, step := range steps {
		step.RequestID = req.ID
		step.TenantID = req.TenantID

		err := t.q.QueryRow(ctx, stepQuery,
			step.RequestID,
			step.TenantID,
			step.LevelNumber,
			step.ApproverID,
			step.Status,
		).Scan(&step.ID, &step.CreatedAt, &step.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval step")
		}
	}

	return nil
}

func (t *pgStoreTx) GetStepWithRequest(ctx context.Context, stepID string) (*ApprovalStep, *ApprovalRequest, error) {
	// Resolve the parent first, then lock the request row before re-reading
	// the step. Every writer takes the same lock, so the re-read is stable.
	var requestID string
	err := t.q.QueryRow(ctx, `SELECT request_id FROM approval_steps WHERE id = $1`, stepID).Scan(&requestID)
	if err == pgx.ErrNoRows {
		return nil, nil, errors.Newf(errors.ErrCodeStepNotFound, "approval step not found: %s", stepID)
	}
	if err != nil {
		return nil, nil, err
	}

	req, err := t.GetRequestForUpdate(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}

	step, err := scanStep(t.q.QueryRow(ctx, `
		SELECT `+stepColumns+`
		FROM approval_steps
		WHERE id = $1
	`, stepID))
	if err == pgx.ErrNoRows {
		return nil, nil, errors.Newf(errors.ErrCodeStepNotFound, "approval step not found: %s", stepID)
	}
	if err != nil {
		return nil, nil, err
	}
	return step, req, nil
}

func (t *pgStoreTx) GetRequestForUpdate(ctx context.Context, requestID string) (*ApprovalRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE id = $1
		FOR UPDATE
	`

	req, err := scanRequest(t.q.QueryRow(ctx, query, requestID))
	if err == pgx.ErrNoRows {
		return nil, errors.Newf(errors.ErrCodeRequestNotFound, "approval request not found: %s", requestID)
	}
	return req, err
}

func (t *pgStoreTx) GetStepsByRequest(ctx context.Context, requestID string) ([]*ApprovalStep, error) {
	return querySteps(ctx, t.q, requestID)
}

func (t *pgStoreTx) UpdateStepDecision(ctx context.Context, stepID string, status StepStatus, decidedAt time.Time, notes *string) error {
	query := `
		UPDATE approval_steps
		SET status     = $2::approval_step_status,
		    decided_at = $3,
		    notes      = $4,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING id
	`

	var returnedID string
	err := t.q.QueryRow(ctx, query, stepID, status, decidedAt, notes).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.New(errors.ErrCodeNotActionable, "step is no longer pending")
	}
	return err
}

func (t *pgStoreTx) TransferStep(ctx context.Context, stepID, newApproverID string, transferredAt time.Time, reason string, previousApproverID string) error {
	query := `
		UPDATE approval_steps
		SET approver_id          = $2,
		    previous_approver_id = $3,
		    transferred_at       = $4,
		    transfer_reason      = $5,
		    updated_at           = NOW()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING id
	`

	var returnedID string
	err := t.q.QueryRow(ctx, query, stepID, newApproverID, previousApproverID, transferredAt, reason).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.New(errors.ErrCodeNotActionable, "step is no longer pending")
	}
	return err
}

func (t *pgStoreTx) CancelPendingSteps(ctx context.Context, requestID string, at time.Time) error {
	query := `
		UPDATE approval_steps
		SET status     = 'cancelled'::approval_step_status,
		    updated_at = $2
		WHERE request_id = $1
		  AND status = 'pending'
	`

	_, err := t.q.Exec(ctx, query, requestID, at)
	return err
}

func (t *pgStoreTx) CloseRequest(ctx context.Context, requestID string, status RequestStatus, closedAt time.Time) error {
	query := `
		UPDATE approval_requests
		SET status    = $2::approval_request_status,
		    closed_at = $3
		WHERE id = $1
		  AND status = 'pending'
		RETURNING id
	`

	var returnedID string
	err := t.q.QueryRow(ctx, query, requestID, status, closedAt).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.New(errors.ErrCodeNotActionable, "request is already closed")
	}
	return err
}

func (t *pgStoreTx) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO approval_audit_log
		    (tenant_id, request_id, step_id, action, actor_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, performed_at
	`

	return t.q.QueryRow(ctx, query,
		entry.TenantID,
		entry.RequestID,
		entry.StepID,
		entry.Action,
		entry.ActorID,
		metadataJSON,
	).Scan(&entry.ID, &entry.PerformedAt)
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	err := row.Scan(
		&req.ID,
		&req.TenantID,
		&req.ProcessType,
		&req.DocumentID,
		&req.RuleID,
		&req.Status,
		&req.CreatedBy,
		&req.CreatedAt,
		&req.ClosedAt,
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func scanStep(row rowScanner) (*ApprovalStep, error) {
	s := &ApprovalStep{}
	err := row.Scan(
		&s.ID,
		&s.RequestID,
		&s.TenantID,
		&s.LevelNumber,
		&s.ApproverID,
		&s.Status,
		&s.DecidedAt,
		&s.Notes,
		&s.TransferredAt,
		&s.TransferReason,
		&s.PreviousApproverID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func querySteps(ctx context.Context, q database.Querier, requestID string) ([]*ApprovalStep, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE request_id = $1
		ORDER BY level_number ASC
	`

	rows, err := q.Query(ctx, query, requestID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval steps")
	}
	defer rows.Close()

	var steps []*ApprovalStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval step")
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}
