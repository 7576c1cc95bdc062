package handler

import (
	"encoding/json"
	"net/http"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
	"github.com/pesio-ai/be-plt-approvals/internal/service"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	approvals *service.ApprovalService
	rules     *service.RuleService
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(approvals *service.ApprovalService, rules *service.RuleService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		approvals: approvals,
		rules:     rules,
		log:       log,
	}
}

// CreateRequest handles submit-for-approval HTTP requests.
func (h *HTTPHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		TenantID     string  `json:"tenant_id"`
		ProcessType  string  `json:"process_type"`
		DocumentID   string  `json:"document_id"`
		RequestedBy  string  `json:"requested_by"`
		Amount       int64   `json:"amount"`
		CostCenterID *string `json:"cost_center_id"`
		ProjectID    *string `json:"project_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.TenantID == "" {
		http.Error(w, "Tenant ID is required", http.StatusBadRequest)
		return
	}

	flow, err := h.approvals.SubmitRequest(r.Context(),
		req.TenantID, repository.ProcessType(req.ProcessType), req.DocumentID, req.RequestedBy,
		service.RequestContext{
			Amount:       req.Amount,
			CostCenterID: req.CostCenterID,
			ProjectID:    req.ProjectID,
			RequesterID:  req.RequestedBy,
		})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, flow)
}

// Approve handles step approval HTTP requests.
func (h *HTTPHandler) Approve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		StepID     string  `json:"step_id"`
		ApproverID string  `json:"approver_id"`
		Notes      *string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	flow, err := h.approvals.Approve(r.Context(), req.StepID, req.ApproverID, req.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, flow)
}

// Reject handles step rejection HTTP requests.
func (h *HTTPHandler) Reject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		StepID     string  `json:"step_id"`
		ApproverID string  `json:"approver_id"`
		Notes      *string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	flow, err := h.approvals.Reject(r.Context(), req.StepID, req.ApproverID, req.Notes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, flow)
}

// Transfer handles step delegation HTTP requests.
func (h *HTTPHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		StepID        string `json:"step_id"`
		ApproverID    string `json:"approver_id"`
		NewApproverID string `json:"new_approver_id"`
		Reason        string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	step, err := h.approvals.Transfer(r.Context(), req.StepID, req.ApproverID, req.NewApproverID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"step_id":              step.ID,
		"request_id":           step.RequestID,
		"level":                step.LevelNumber,
		"approver_id":          step.ApproverID,
		"status":               step.Status,
		"transferred_at":       step.TransferredAt,
		"transfer_reason":      step.TransferReason,
		"previous_approver_id": step.PreviousApproverID,
	})
}

// Cancel handles request cancellation HTTP requests.
func (h *HTTPHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		TenantID  string  `json:"tenant_id"`
		RequestID string  `json:"request_id"`
		ActorID   string  `json:"actor_id"`
		Reason    *string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.TenantID == "" || req.RequestID == "" {
		http.Error(w, "Tenant ID and Request ID are required", http.StatusBadRequest)
		return
	}

	request, err := h.approvals.Cancel(r.Context(), req.TenantID, req.RequestID, req.ActorID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_id": request.ID,
		"status":     request.Status,
		"closed_at":  request.ClosedAt,
	})
}

// GetFlow handles approval timeline HTTP requests for a document.
func (h *HTTPHandler) GetFlow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	processType := r.URL.Query().Get("process_type")
	documentID := r.URL.Query().Get("document_id")
	requestID := r.URL.Query().Get("request_id")

	if tenantID == "" {
		http.Error(w, "Tenant ID is required", http.StatusBadRequest)
		return
	}

	var (
		flow *service.ApprovalFlowView
		err  error
	)
	if requestID != "" {
		flow, err = h.approvals.GetFlowForRequest(r.Context(), tenantID, requestID)
	} else {
		if processType == "" || documentID == "" {
			http.Error(w, "Process type and Document ID are required", http.StatusBadRequest)
			return
		}
		flow, err = h.approvals.GetFlow(r.Context(), tenantID, repository.ProcessType(processType), documentID)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, flow)
}

// ListPending handles approver inbox HTTP requests.
func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	approverID := r.URL.Query().Get("approver_id")
	if tenantID == "" || approverID == "" {
		http.Error(w, "Tenant ID and Approver ID are required", http.StatusBadRequest)
		return
	}

	pending, err := h.approvals.ListPending(r.Context(), tenantID, approverID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": pendingResponse(pending),
		"total":   len(pending),
	})
}

// GetAuditTrail handles audit log HTTP requests.
func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	requestID := r.URL.Query().Get("request_id")
	if tenantID == "" || requestID == "" {
		http.Error(w, "Tenant ID and Request ID are required", http.StatusBadRequest)
		return
	}

	entries, err := h.approvals.GetAuditTrail(r.Context(), tenantID, requestID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": auditResponse(entries),
		"total":   len(entries),
	})
}

// Rules dispatches approval-rule CRUD by method.
func (h *HTTPHandler) Rules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createRule(w, r)
	case http.MethodGet:
		if r.URL.Query().Get("id") != "" {
			h.getRule(w, r)
			return
		}
		h.listRules(w, r)
	case http.MethodPut:
		h.updateRule(w, r)
	case http.MethodDelete:
		h.deleteRule(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

type ruleRequest struct {
	ID           string                 `json:"id"`
	TenantID     string                 `json:"tenant_id"`
	Name         string                 `json:"name"`
	ProcessType  string                 `json:"process_type"`
	MinAmount    *int64                 `json:"min_amount"`
	MaxAmount    *int64                 `json:"max_amount"`
	CostCenterID *string                `json:"cost_center_id"`
	ProjectID    *string                `json:"project_id"`
	RequesterID  *string                `json:"requester_id"`
	Levels       []repository.RuleLevel `json:"levels"`
	IsActive     *bool                  `json:"is_active"`
}

func (req *ruleRequest) toRule() *repository.ApprovalChainRule {
	rule := &repository.ApprovalChainRule{
		ID:           req.ID,
		TenantID:     req.TenantID,
		Name:         req.Name,
		ProcessType:  repository.ProcessType(req.ProcessType),
		MinAmount:    req.MinAmount,
		MaxAmount:    req.MaxAmount,
		CostCenterID: req.CostCenterID,
		ProjectID:    req.ProjectID,
		RequesterID:  req.RequesterID,
		Levels:       req.Levels,
		IsActive:     true,
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}
	return rule
}

func (h *HTTPHandler) createRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	rule, err := h.rules.CreateRule(r.Context(), req.toRule())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, ruleResponse(rule))
}

func (h *HTTPHandler) getRule(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	tenantID := r.URL.Query().Get("tenant_id")
	if id == "" || tenantID == "" {
		http.Error(w, "Rule ID and Tenant ID are required", http.StatusBadRequest)
		return
	}

	rule, err := h.rules.GetRule(r.Context(), id, tenantID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, ruleResponse(rule))
}

func (h *HTTPHandler) listRules(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "Tenant ID is required", http.StatusBadRequest)
		return
	}
	processType := repository.ProcessType(r.URL.Query().Get("process_type"))
	activeOnly := r.URL.Query().Get("active_only") == "true"

	rules, err := h.rules.ListRules(r.Context(), tenantID, processType, activeOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(rules))
	for _, rule := range rules {
		out = append(out, ruleResponse(rule))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"rules": out,
		"total": len(out),
	})
}

func (h *HTTPHandler) updateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	rule, err := h.rules.UpdateRule(r.Context(), req.toRule())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, ruleResponse(rule))
}

func (h *HTTPHandler) deleteRule(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	tenantID := r.URL.Query().Get("tenant_id")
	if id == "" || tenantID == "" {
		http.Error(w, "Rule ID and Tenant ID are required", http.StatusBadRequest)
		return
	}

	if err := h.rules.DeleteRule(r.Context(), id, tenantID); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func ruleResponse(rule *repository.ApprovalChainRule) map[string]interface{} {
	return map[string]interface{}{
		"id":             rule.ID,
		"tenant_id":      rule.TenantID,
		"name":           rule.Name,
		"process_type":   rule.ProcessType,
		"min_amount":     rule.MinAmount,
		"max_amount":     rule.MaxAmount,
		"cost_center_id": rule.CostCenterID,
		"project_id":     rule.ProjectID,
		"requester_id":   rule.RequesterID,
		"levels":         rule.Levels,
		"is_active":      rule.IsActive,
		"created_at":     rule.CreatedAt,
		"updated_at":     rule.UpdatedAt,
	}
}

func pendingResponse(pending []*repository.PendingApproval) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(pending))
	for _, p := range pending {
		out = append(out, map[string]interface{}{
			"step_id":      p.Step.ID,
			"request_id":   p.Step.RequestID,
			"level":        p.Step.LevelNumber,
			"process_type": p.ProcessType,
			"document_id":  p.DocumentID,
			"requested_by": p.RequestedBy,
			"requested_at": p.RequestedAt,
		})
	}
	return out
}

func auditResponse(entries []*repository.AuditEntry) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]interface{}{
			"id":           e.ID,
			"request_id":   e.RequestID,
			"step_id":      e.StepID,
			"action":       e.Action,
			"actor_id":     e.ActorID,
			"metadata":     e.Metadata,
			"performed_at": e.PerformedAt,
		})
	}
	return out
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps coded errors to HTTP status and a JSON error body.
func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.CodeOf(err)
	status := statusFor(code)

	if status >= 500 {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	} else {
		h.log.Debug().Err(err).Str("path", r.URL.Path).Msg("Request rejected")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"code":    string(code),
		"message": errors.MessageOf(err),
	})
}

func statusFor(code errors.Code) int {
	switch code {
	case errors.ErrCodeInvalidInput, errors.ErrCodeNoMatchingRule, errors.ErrCodeUnresolvableApprover:
		return http.StatusBadRequest
	case errors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case errors.ErrCodeForbidden:
		return http.StatusForbidden
	case errors.ErrCodeNotFound, errors.ErrCodeStepNotFound, errors.ErrCodeRequestNotFound:
		return http.StatusNotFound
	case errors.ErrCodeConflict, errors.ErrCodeDuplicateOpenRequest,
		errors.ErrCodeNotActionable, errors.ErrCodeConcurrencyConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
