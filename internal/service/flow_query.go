package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

// FlowStep is one level of the approval timeline.
type FlowStep struct {
	LevelNumber         int                   `json:"level"`
	ApproverID          string                `json:"approver_id"`
	ApproverDisplayName string                `json:"approver_display_name"`
	Status              repository.StepStatus `json:"status"`
	Active              bool                  `json:"active"`
	DecidedAt           *time.Time            `json:"decided_at,omitempty"`
	Notes               *string               `json:"notes,omitempty"`
	TransferredFrom     *string               `json:"transferred_from,omitempty"`
}

// ApprovalFlowView is the read model rendered as an approval timeline.
type ApprovalFlowView struct {
	RequestID   string                   `json:"request_id"`
	ProcessType repository.ProcessType   `json:"process_type"`
	DocumentID  string                   `json:"document_id"`
	RuleName    string                   `json:"rule_name"`
	Status      repository.RequestStatus `json:"status"`
	TotalLevels int                      `json:"total_levels"`
	Steps       []FlowStep               `json:"steps"`
	Completed   bool                     `json:"completed"`
}

// FlowQuery assembles approval timelines. It performs no writes and reads a
// point-in-time snapshot, so it is safe under concurrent transitions.
type FlowQuery struct {
	store    repository.Store
	rules    repository.RuleStore
	identity IdentityClient
	log      *logger.Logger
}

// NewFlowQuery creates a new FlowQuery.
func NewFlowQuery(store repository.Store, rules repository.RuleStore, identity IdentityClient, log *logger.Logger) *FlowQuery {
	return &FlowQuery{store: store, rules: rules, identity: identity, log: log}
}

// GetFlow returns the timeline of the latest request for a document.
// REQUEST_NOT_FOUND when no request was ever opened.
func (q *FlowQuery) GetFlow(ctx context.Context, tenantID string, processType repository.ProcessType, documentID string) (*ApprovalFlowView, error) {
	req, steps, err := q.store.GetLatestRequestByDocument(ctx, tenantID, processType, documentID)
	if err != nil {
		return nil, err
	}
	return q.project(ctx, req, steps), nil
}

// GetFlowForRequest returns the timeline of a specific request.
func (q *FlowQuery) GetFlowForRequest(ctx context.Context, tenantID, requestID string) (*ApprovalFlowView, error) {
	req, steps, err := q.store.GetRequest(ctx, tenantID, requestID)
	if err != nil {
		return nil, err
	}
	return q.project(ctx, req, steps), nil
}

// ListPending returns the actionable steps awaiting an approver.
func (q *FlowQuery) ListPending(ctx context.Context, tenantID, approverID string) ([]*repository.PendingApproval, error) {
	return q.store.ListPendingForApprover(ctx, tenantID, approverID)
}

// GetAuditTrail returns a request's immutable audit log.
func (q *FlowQuery) GetAuditTrail(ctx context.Context, tenantID, requestID string) ([]*repository.AuditEntry, error) {
	return q.store.ListAudit(ctx, tenantID, requestID)
}

func (q *FlowQuery) project(ctx context.Context, req *repository.ApprovalRequest, steps []*repository.ApprovalStep) *ApprovalFlowView {
	activeLevel := repository.ActiveLevel(steps)
	names := q.resolveNames(ctx, steps)

	view := &ApprovalFlowView{
		RequestID:   req.ID,
		ProcessType: req.ProcessType,
		DocumentID:  req.DocumentID,
		RuleName:    q.ruleLabel(ctx, req, len(steps)),
		Status:      req.Status,
		TotalLevels: len(steps),
		Completed:   req.Status == repository.RequestApproved,
	}

	for _, step := range steps {
		view.Steps = append(view.Steps, FlowStep{
			LevelNumber:         step.LevelNumber,
			ApproverID:          step.ApproverID,
			ApproverDisplayName: names[step.ApproverID],
			Status:              step.Status,
			Active:              step.Status == repository.StepPending && step.LevelNumber == activeLevel,
			DecidedAt:           step.DecidedAt,
			Notes:               step.Notes,
			TransferredFrom:     step.PreviousApproverID,
		})
	}
	return view
}

// resolveNames maps each distinct approver id to a display name, falling back
// to the raw id when the identity service cannot resolve it.
func (q *FlowQuery) resolveNames(ctx context.Context, steps []*repository.ApprovalStep) map[string]string {
	names := make(map[string]string, len(steps))
	for _, step := range steps {
		if _, done := names[step.ApproverID]; done {
			continue
		}
		user, err := q.identity.ResolveUser(ctx, step.ApproverID)
		if err != nil || user.DisplayName == "" {
			if err != nil {
				q.log.Warn().Err(err).Str("user_id", step.ApproverID).Msg("Could not resolve approver name")
			}
			names[step.ApproverID] = step.ApproverID
			continue
		}
		names[step.ApproverID] = user.DisplayName
	}
	return names
}

// ruleLabel prefers the stored rule name and derives a label from the rule's
// dominant condition otherwise.
func (q *FlowQuery) ruleLabel(ctx context.Context, req *repository.ApprovalRequest, totalLevels int) string {
	rule, err := q.rules.GetByID(ctx, req.RuleID, req.TenantID)
	if err != nil {
		q.log.Warn().Err(err).Str("rule_id", req.RuleID).Msg("Could not load rule for flow view")
		return fmt.Sprintf("%d-level chain", totalLevels)
	}
	if rule.Name != "" {
		return rule.Name
	}
	switch {
	case rule.CostCenterID != nil:
		return "Cost center rule"
	case rule.ProjectID != nil:
		return "Project rule"
	case rule.MaxAmount != nil:
		return fmt.Sprintf("Amount rule (up to %.2f)", float64(*rule.MaxAmount)/100)
	}
	return fmt.Sprintf("%d-level chain", totalLevels)
}
