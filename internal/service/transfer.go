package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// TransferService reassigns a pending step to another approver, keeping the
// step pending and preserving the previous approver in the audit trail. A step
// may be transferred any number of times; the step itself holds only the most
// recent transfer, the audit log holds all of them.
type TransferService struct {
	store  repository.Store
	events EventPublisher
	log    *logger.Logger
}

// NewTransferService creates a new TransferService.
func NewTransferService(store repository.Store, events EventPublisher, log *logger.Logger) *TransferService {
	return &TransferService{store: store, events: events, log: log}
}

// Transfer delegates the active step from its current approver to another
// user. Guards match approve/reject: the caller must own the step and the
// step must be active. Level and request status never change.
func (s *TransferService) Transfer(ctx context.Context, stepID, currentApproverID, newApproverID, reason string) (*repository.ApprovalStep, error) {
	if newApproverID == "" {
		return nil, errors.InvalidInput("new_approver_id", "new approver is required")
	}
	if newApproverID == currentApproverID {
		return nil, errors.InvalidInput("new_approver_id", "cannot transfer a step to its current approver")
	}
	if reason == "" {
		return nil, errors.InvalidInput("reason", "transfer reason is required")
	}

	var (
		tenantID  string
		requestID string
		updated   *repository.ApprovalStep
	)

	err := runInTx(ctx, s.store, s.log, func(tx repository.StoreTx) error {
		step, req, err := tx.GetStepWithRequest(ctx, stepID)
		if err != nil {
			return err
		}
		if step.ApproverID != currentApproverID {
			return errors.New(errors.ErrCodeForbidden,
				"step is assigned to a different approver")
		}
		if req.Status.Terminal() {
			return errors.Newf(errors.ErrCodeNotActionable,
				"request is already %s", req.Status)
		}
		steps, err := tx.GetStepsByRequest(ctx, req.ID)
		if err != nil {
			return err
		}
		if step.Status != repository.StepPending {
			return errors.Newf(errors.ErrCodeNotActionable,
				"step is already %s", step.Status)
		}
		if active := repository.ActiveLevel(steps); step.LevelNumber != active {
			return errors.Newf(errors.ErrCodeNotActionable,
				"level %d is not the active level", step.LevelNumber)
		}

		now := time.Now()
		previous := step.ApproverID
		if err := tx.TransferStep(ctx, step.ID, newApproverID, now, reason, previous); err != nil {
			return err
		}

		tenantID, requestID = req.TenantID, req.ID
		updated = step
		updated.ApproverID = newApproverID
		updated.PreviousApproverID = &previous
		updated.TransferredAt = &now
		updated.TransferReason = &reason

		return tx.AppendAudit(ctx, &repository.AuditEntry{
			TenantID:  req.TenantID,
			RequestID: req.ID,
			StepID:    &step.ID,
			Action:    repository.AuditTransferred,
			ActorID:   currentApproverID,
			Metadata: map[string]interface{}{
				"level":  step.LevelNumber,
				"from":   previous,
				"to":     newApproverID,
				"reason": reason,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	if s.events != nil {
		s.events.Publish(ctx, Event{
			EventType: EventStepTransferred,
			TenantID:  tenantID,
			RequestID: requestID,
			StepID:    stepID,
			ActorID:   currentApproverID,
			Timestamp: time.Now(),
		})
	}

	s.log.Info().
		Str("request_id", requestID).
		Str("step_id", stepID).
		Str("new_approver_id", newApproverID).
		Msg("Approval step transferred")

	return updated, nil
}
