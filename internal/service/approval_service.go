package service

import (
	"context"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// ApprovalService is the facade the transport layer talks to. It composes rule
// resolution, the transition engine, transfers and the flow read model.
type ApprovalService struct {
	resolver *RuleResolver
	engine   *TransitionEngine
	transfer *TransferService
	flow     *FlowQuery
	log      *logger.Logger
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(resolver *RuleResolver, engine *TransitionEngine, transfer *TransferService, flow *FlowQuery, log *logger.Logger) *ApprovalService {
	return &ApprovalService{
		resolver: resolver,
		engine:   engine,
		transfer: transfer,
		flow:     flow,
		log:      log,
	}
}

// SubmitRequest resolves the applicable chain rule for a document and opens an
// approval request with one pending step per level.
func (s *ApprovalService) SubmitRequest(ctx context.Context, tenantID string, processType repository.ProcessType, documentID, requestedBy string, reqCtx RequestContext) (*ApprovalFlowView, error) {
	chain, err := s.resolver.Resolve(ctx, tenantID, processType, reqCtx)
	if err != nil {
		return nil, err
	}
	req, err := s.engine.Create(ctx, tenantID, processType, documentID, requestedBy, chain)
	if err != nil {
		return nil, err
	}
	return s.flow.GetFlowForRequest(ctx, tenantID, req.ID)
}

// Approve records an approval decision on a step.
func (s *ApprovalService) Approve(ctx context.Context, stepID, approverID string, notes *string) (*ApprovalFlowView, error) {
	return s.engine.Approve(ctx, stepID, approverID, notes)
}

// Reject records a rejection on a step, closing the request.
func (s *ApprovalService) Reject(ctx context.Context, stepID, approverID string, notes *string) (*ApprovalFlowView, error) {
	return s.engine.Reject(ctx, stepID, approverID, notes)
}

// Transfer delegates a pending step to another approver.
func (s *ApprovalService) Transfer(ctx context.Context, stepID, currentApproverID, newApproverID, reason string) (*repository.ApprovalStep, error) {
	return s.transfer.Transfer(ctx, stepID, currentApproverID, newApproverID, reason)
}

// Cancel closes an open request as cancelled.
func (s *ApprovalService) Cancel(ctx context.Context, tenantID, requestID, actorID string, reason *string) (*repository.ApprovalRequest, error) {
	return s.engine.Cancel(ctx, tenantID, requestID, actorID, reason)
}

// GetFlow returns the timeline of a document's latest request.
func (s *ApprovalService) GetFlow(ctx context.Context, tenantID string, processType repository.ProcessType, documentID string) (*ApprovalFlowView, error) {
	return s.flow.GetFlow(ctx, tenantID, processType, documentID)
}

// GetFlowForRequest returns the timeline of a specific request.
func (s *ApprovalService) GetFlowForRequest(ctx context.Context, tenantID, requestID string) (*ApprovalFlowView, error) {
	return s.flow.GetFlowForRequest(ctx, tenantID, requestID)
}

// ListPending returns an approver's actionable steps.
func (s *ApprovalService) ListPending(ctx context.Context, tenantID, approverID string) ([]*repository.PendingApproval, error) {
	return s.flow.ListPending(ctx, tenantID, approverID)
}

// GetAuditTrail returns a request's audit log.
func (s *ApprovalService) GetAuditTrail(ctx context.Context, tenantID, requestID string) ([]*repository.AuditEntry, error) {
	return s.flow.GetAuditTrail(ctx, tenantID, requestID)
}
