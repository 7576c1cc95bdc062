package repository

import (
	"context"
	"time"
)

// Store is the persistence boundary for approval requests, steps and the
// audit log. Reads outside InTransaction observe a consistent snapshot and
// never block writers.
type Store interface {
	// InTransaction runs fn atomically. Implementations must serialize
	// conflicting writers on the same request (row locks or equivalent) and
	// return a SERIALIZATION-coded error for transient conflicts.
	InTransaction(ctx context.Context, fn func(tx StoreTx) error) error

	// GetRequest returns a request and its steps. REQUEST_NOT_FOUND when
	// absent or owned by another tenant.
	GetRequest(ctx context.Context, tenantID, requestID string) (*ApprovalRequest, []*ApprovalStep, error)

	// GetLatestRequestByDocument returns the most recently created request for
	// a document, with its steps. REQUEST_NOT_FOUND when none exists.
	GetLatestRequestByDocument(ctx context.Context, tenantID string, processType ProcessType, documentID string) (*ApprovalRequest, []*ApprovalStep, error)

	// ListPendingForApprover returns the actionable steps awaiting the given
	// approver, oldest first.
	ListPendingForApprover(ctx context.Context, tenantID, approverID string) ([]*PendingApproval, error)

	// ListAudit returns a request's audit trail, oldest first.
	ListAudit(ctx context.Context, tenantID, requestID string) ([]*AuditEntry, error)
}

// StoreTx is the mutation surface available inside a Store transaction.
type StoreTx interface {
	// GetOpenRequestByDocument returns the pending request for a document,
	// locked for the duration of the transaction, or nil when none is open.
	GetOpenRequestByDocument(ctx context.Context, tenantID string, processType ProcessType, documentID string) (*ApprovalRequest, error)

	// InsertRequest persists a request and all its steps, assigning ids and
	// created timestamps.
	InsertRequest(ctx context.Context, req *ApprovalRequest, steps []*ApprovalStep) error

	// GetStepWithRequest loads a step and its parent request, locking the
	// request so concurrent transitions on the same aggregate serialize.
	// STEP_NOT_FOUND when the step does not exist.
	GetStepWithRequest(ctx context.Context, stepID string) (*ApprovalStep, *ApprovalRequest, error)

	// GetRequestForUpdate loads and locks a request. REQUEST_NOT_FOUND when
	// absent.
	GetRequestForUpdate(ctx context.Context, requestID string) (*ApprovalRequest, error)

	// GetStepsByRequest returns all steps of a request ordered by level.
	GetStepsByRequest(ctx context.Context, requestID string) ([]*ApprovalStep, error)

	// UpdateStepDecision records an approve/reject outcome on a pending step.
	UpdateStepDecision(ctx context.Context, stepID string, status StepStatus, decidedAt time.Time, notes *string) error

	// TransferStep reassigns a pending step, stamping the transfer audit
	// fields. Status is not changed.
	TransferStep(ctx context.Context, stepID, newApproverID string, transferredAt time.Time, reason string, previousApproverID string) error

	// CancelPendingSteps forces every still-pending step of a request to
	// cancelled. Decided steps are untouched.
	CancelPendingSteps(ctx context.Context, requestID string, at time.Time) error

	// CloseRequest moves a request to a terminal status.
	CloseRequest(ctx context.Context, requestID string, status RequestStatus, closedAt time.Time) error

	// AppendAudit inserts one immutable audit entry.
	AppendAudit(ctx context.Context, entry *AuditEntry) error
}

// RuleStore is the persistence boundary for approval chain rules.
type RuleStore interface {
	Create(ctx context.Context, rule *ApprovalChainRule) error
	GetByID(ctx context.Context, id, tenantID string) (*ApprovalChainRule, error)
	// List returns a tenant's rules for a process type ordered by creation
	// time ascending (the resolver's tie-break order). A zero processType
	// lists all.
	List(ctx context.Context, tenantID string, processType ProcessType, activeOnly bool) ([]*ApprovalChainRule, error)
	Update(ctx context.Context, rule *ApprovalChainRule) error
	Delete(ctx context.Context, id, tenantID string) error
}
