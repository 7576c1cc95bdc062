package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// maxTxAttempts bounds retries on transient storage conflicts before the
// engine surfaces CONCURRENCY_CONFLICT.
const maxTxAttempts = 3

// TransitionEngine is the approval state machine: it opens requests, applies
// approve/reject/cancel transitions and detects terminal completion. Every
// operation runs as one atomic transaction over the request-plus-steps
// aggregate.
type TransitionEngine struct {
	store  repository.Store
	events EventPublisher
	flow   *FlowQuery
	log    *logger.Logger
}

// NewTransitionEngine creates a new TransitionEngine.
func NewTransitionEngine(store repository.Store, events EventPublisher, flow *FlowQuery, log *logger.Logger) *TransitionEngine {
	return &TransitionEngine{store: store, events: events, flow: flow, log: log}
}

// Create opens an ApprovalRequest for a document with one pending step per
// chain level. Fails with DUPLICATE_OPEN_REQUEST while another request for
// the same (process_type, document_id) is still open.
func (e *TransitionEngine) Create(ctx context.Context, tenantID string, processType repository.ProcessType, documentID, requestedBy string, chain *ApprovalChain) (*repository.ApprovalRequest, error) {
	if !processType.Valid() {
		return nil, errors.InvalidInput("process_type", "unknown process type")
	}
	if documentID == "" {
		return nil, errors.InvalidInput("document_id", "document id is required")
	}
	if chain == nil || len(chain.Levels) == 0 {
		return nil, errors.InvalidInput("chain", "approval chain requires at least one level")
	}
	if err := validateChainLevels(chain.Levels); err != nil {
		return nil, err
	}

	req := &repository.ApprovalRequest{
		TenantID:    tenantID,
		ProcessType: processType,
		DocumentID:  documentID,
		RuleID:      chain.RuleID,
		Status:      repository.RequestPending,
		CreatedBy:   requestedBy,
	}
	steps := make([]*repository.ApprovalStep, 0, len(chain.Levels))
	for _, lvl := range chain.Levels {
		steps = append(steps, &repository.ApprovalStep{
			LevelNumber: lvl.LevelNumber,
			ApproverID:  lvl.ApproverID,
			Status:      repository.StepPending,
		})
	}

	err := e.inTx(ctx, func(tx repository.StoreTx) error {
		open, err := tx.GetOpenRequestByDocument(ctx, tenantID, processType, documentID)
		if err != nil {
			return err
		}
		if open != nil {
			return errors.Newf(errors.ErrCodeDuplicateOpenRequest,
				"an open approval request already exists for document %s", documentID)
		}
		if err := tx.InsertRequest(ctx, req, steps); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &repository.AuditEntry{
			TenantID:  tenantID,
			RequestID: req.ID,
			Action:    repository.AuditCreated,
			ActorID:   requestedBy,
			Metadata: map[string]interface{}{
				"rule_id":      chain.RuleID,
				"total_levels": len(steps),
			},
		})
	})
	if err != nil {
		return nil, err
	}

	e.publish(ctx, EventRequestCreated, tenantID, req.ID, steps[0].ID, requestedBy)

	e.log.Info().
		Str("tenant_id", tenantID).
		Str("request_id", req.ID).
		Str("document_id", documentID).
		Int("total_levels", len(steps)).
		Msg("Approval request created")

	return req, nil
}

// Approve records an approval on the active step. When the highest level is
// approved the request closes as approved in the same transaction.
func (e *TransitionEngine) Approve(ctx context.Context, stepID, approverID string, notes *string) (*ApprovalFlowView, error) {
	var (
		tenantID  string
		requestID string
		completed bool
	)

	err := e.inTx(ctx, func(tx repository.StoreTx) error {
		completed = false
		step, req, err := e.loadActionable(ctx, tx, stepID, approverID)
		if err != nil {
			return err
		}
		tenantID, requestID = req.TenantID, req.ID

		steps, err := tx.GetStepsByRequest(ctx, req.ID)
		if err != nil {
			return err
		}

		now := time.Now()
		if err := tx.UpdateStepDecision(ctx, step.ID, repository.StepApproved, now, notes); err != nil {
			return err
		}
		if step.LevelNumber == highestLevel(steps) {
			if err := tx.CloseRequest(ctx, req.ID, repository.RequestApproved, now); err != nil {
				return err
			}
			completed = true
		}
		return tx.AppendAudit(ctx, &repository.AuditEntry{
			TenantID:  req.TenantID,
			RequestID: req.ID,
			StepID:    &step.ID,
			Action:    repository.AuditApproved,
			ActorID:   approverID,
			Metadata:  map[string]interface{}{"level": step.LevelNumber},
		})
	})
	if err != nil {
		return nil, err
	}

	e.publish(ctx, EventStepApproved, tenantID, requestID, stepID, approverID)
	if completed {
		e.publish(ctx, EventRequestApproved, tenantID, requestID, stepID, approverID)
	}

	e.log.Info().
		Str("request_id", requestID).
		Str("step_id", stepID).
		Bool("completed", completed).
		Msg("Approval step approved")

	return e.flow.GetFlowForRequest(ctx, tenantID, requestID)
}

// Reject records a rejection on the active step and, in the same transaction,
// closes the request as rejected and cancels every remaining pending step.
// Rejection is final; resubmission opens a new request.
func (e *TransitionEngine) Reject(ctx context.Context, stepID, approverID string, notes *string) (*ApprovalFlowView, error) {
	if notes == nil || *notes == "" {
		return nil, errors.InvalidInput("notes", "rejection reason is required")
	}

	var tenantID, requestID string

	err := e.inTx(ctx, func(tx repository.StoreTx) error {
		step, req, err := e.loadActionable(ctx, tx, stepID, approverID)
		if err != nil {
			return err
		}
		tenantID, requestID = req.TenantID, req.ID

		now := time.Now()
		if err := tx.UpdateStepDecision(ctx, step.ID, repository.StepRejected, now, notes); err != nil {
			return err
		}
		if err := tx.CancelPendingSteps(ctx, req.ID, now); err != nil {
			return err
		}
		if err := tx.CloseRequest(ctx, req.ID, repository.RequestRejected, now); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &repository.AuditEntry{
			TenantID:  req.TenantID,
			RequestID: req.ID,
			StepID:    &step.ID,
			Action:    repository.AuditRejected,
			ActorID:   approverID,
			Metadata:  map[string]interface{}{"level": step.LevelNumber, "reason": *notes},
		})
	})
	if err != nil {
		return nil, err
	}

	e.publish(ctx, EventRequestRejected, tenantID, requestID, stepID, approverID)

	e.log.Info().
		Str("request_id", requestID).
		Str("step_id", stepID).
		Msg("Approval request rejected")

	return e.flow.GetFlowForRequest(ctx, tenantID, requestID)
}

// Cancel closes an open request as cancelled, cancelling its pending steps.
// Decided steps keep their history.
func (e *TransitionEngine) Cancel(ctx context.Context, tenantID, requestID, actorID string, reason *string) (*repository.ApprovalRequest, error) {
	err := e.inTx(ctx, func(tx repository.StoreTx) error {
		req, err := tx.GetRequestForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if req.TenantID != tenantID {
			return errors.Newf(errors.ErrCodeRequestNotFound, "approval request not found: %s", requestID)
		}
		if req.Status.Terminal() {
			return errors.Newf(errors.ErrCodeNotActionable,
				"request is already %s", req.Status)
		}

		now := time.Now()
		if err := tx.CancelPendingSteps(ctx, requestID, now); err != nil {
			return err
		}
		if err := tx.CloseRequest(ctx, requestID, repository.RequestCancelled, now); err != nil {
			return err
		}
		metadata := map[string]interface{}{}
		if reason != nil {
			metadata["reason"] = *reason
		}
		return tx.AppendAudit(ctx, &repository.AuditEntry{
			TenantID:  tenantID,
			RequestID: requestID,
			Action:    repository.AuditCancelled,
			ActorID:   actorID,
			Metadata:  metadata,
		})
	})
	if err != nil {
		return nil, err
	}

	e.publish(ctx, EventRequestCancelled, tenantID, requestID, "", actorID)

	e.log.Info().
		Str("request_id", requestID).
		Str("actor_id", actorID).
		Msg("Approval request cancelled")

	req, _, err := e.store.GetRequest(ctx, tenantID, requestID)
	return req, err
}

// loadActionable loads a step with its request locked and applies the shared
// guards: the caller must own the step (FORBIDDEN) and the step must be the
// active one in an open request (NOT_ACTIONABLE).
func (e *TransitionEngine) loadActionable(ctx context.Context, tx repository.StoreTx, stepID, approverID string) (*repository.ApprovalStep, *repository.ApprovalRequest, error) {
	step, req, err := tx.GetStepWithRequest(ctx, stepID)
	if err != nil {
		return nil, nil, err
	}
	if step.ApproverID != approverID {
		return nil, nil, errors.New(errors.ErrCodeForbidden,
			"step is assigned to a different approver")
	}
	if req.Status.Terminal() {
		return nil, nil, errors.Newf(errors.ErrCodeNotActionable,
			"request is already %s", req.Status)
	}

	steps, err := tx.GetStepsByRequest(ctx, req.ID)
	if err != nil {
		return nil, nil, err
	}
	if step.Status != repository.StepPending {
		return nil, nil, errors.Newf(errors.ErrCodeNotActionable,
			"step is already %s", step.Status)
	}
	if active := repository.ActiveLevel(steps); step.LevelNumber != active {
		return nil, nil, errors.Newf(errors.ErrCodeNotActionable,
			"level %d is not the active level", step.LevelNumber)
	}
	return step, req, nil
}

func (e *TransitionEngine) publish(ctx context.Context, eventType, tenantID, requestID, stepID, actorID string) {
	if e.events == nil {
		return
	}
	e.events.Publish(ctx, Event{
		EventType: eventType,
		TenantID:  tenantID,
		RequestID: requestID,
		StepID:    stepID,
		ActorID:   actorID,
		Timestamp: time.Now(),
	})
}

// inTx runs fn through the store with bounded retry on transient conflicts.
func (e *TransitionEngine) inTx(ctx context.Context, fn func(tx repository.StoreTx) error) error {
	return runInTx(ctx, e.store, e.log, fn)
}

func runInTx(ctx context.Context, store repository.Store, log *logger.Logger, fn func(tx repository.StoreTx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = store.InTransaction(ctx, fn)
		if !errors.IsRetryable(err) {
			return err
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("Retrying approval transaction after conflict")
	}
	return errors.Wrap(err, errors.ErrCodeConcurrencyConflict, "approval transaction retries exhausted")
}

func highestLevel(steps []*repository.ApprovalStep) int {
	max := 0
	for _, s := range steps {
		if s.LevelNumber > max {
			max = s.LevelNumber
		}
	}
	return max
}

// validateChainLevels checks a bound chain for the contiguous-levels shape.
func validateChainLevels(levels []ChainLevel) error {
	seen := make(map[int]bool, len(levels))
	for _, lvl := range levels {
		if lvl.ApproverID == "" {
			return errors.InvalidInput("chain", "every level requires an approver")
		}
		if lvl.LevelNumber < 1 || lvl.LevelNumber > len(levels) {
			return errors.InvalidInput("chain", "level numbers must be contiguous starting at 1")
		}
		if seen[lvl.LevelNumber] {
			return errors.InvalidInput("chain", "duplicate level number")
		}
		seen[lvl.LevelNumber] = true
	}
	return nil
}
