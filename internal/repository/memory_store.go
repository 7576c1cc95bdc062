package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

// MemoryStore is an in-memory Store used by tests and local development. A
// transaction deep-copies the state, applies fn to the copy, and swaps it in
// on success, so a failed transaction leaves nothing behind. The store mutex
// serializes transactions, which gives the same one-writer-per-request
// guarantee the Postgres row lock provides.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	requests     map[string]*ApprovalRequest
	steps        map[string]*ApprovalStep
	requestSteps map[string][]string // request id -> step ids ordered by level
	audit        []*AuditEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		requests:     make(map[string]*ApprovalRequest),
		steps:        make(map[string]*ApprovalStep),
		requestSteps: make(map[string][]string),
	}}
}

// InTransaction applies fn to a copy of the state and commits it atomically.
func (s *MemoryStore) InTransaction(ctx context.Context, fn func(tx StoreTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.state.clone()
	if err := fn(&memStoreTx{state: staged}); err != nil {
		return err
	}
	s.state = staged
	return nil
}

// GetRequest returns a request and its steps for a tenant.
func (s *MemoryStore) GetRequest(ctx context.Context, tenantID, requestID string) (*ApprovalRequest, []*ApprovalStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.state.requests[requestID]
	if !ok || req.TenantID != tenantID {
		return nil, nil, errors.Newf(errors.ErrCodeRequestNotFound, "approval request not found: %s", requestID)
	}
	return cloneRequest(req), s.state.stepsOf(requestID), nil
}

// GetLatestRequestByDocument returns the most recently created request for a
// document with its steps.
func (s *MemoryStore) GetLatestRequestByDocument(ctx context.Context, tenantID string, processType ProcessType, documentID string) (*ApprovalRequest, []*ApprovalStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *ApprovalRequest
	for _, req := range s.state.requests {
		if req.TenantID != tenantID || req.ProcessType != processType || req.DocumentID != documentID {
			continue
		}
		if latest == nil || req.CreatedAt.After(latest.CreatedAt) {
			latest = req
		}
	}
	if latest == nil {
		return nil, nil, errors.Newf(errors.ErrCodeRequestNotFound, "no approval request for document: %s", documentID)
	}
	return cloneRequest(latest), s.state.stepsOf(latest.ID), nil
}

// ListPendingForApprover returns the actionable steps awaiting a user.
func (s *MemoryStore) ListPendingForApprover(ctx context.Context, tenantID, approverID string) ([]*PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*PendingApproval
	for id, req := range s.state.requests {
		if req.TenantID != tenantID || req.Status != RequestPending {
			continue
		}
		steps := s.state.stepsOf(id)
		active := ActiveLevel(steps)
		if active == 0 {
			continue
		}
		for _, step := range steps {
			if step.LevelNumber == active && step.ApproverID == approverID {
				pending = append(pending, &PendingApproval{
					Step:        step,
					ProcessType: req.ProcessType,
					DocumentID:  req.DocumentID,
					RequestedBy: req.CreatedBy,
					RequestedAt: req.CreatedAt,
				})
			}
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Step.CreatedAt.Before(pending[j].Step.CreatedAt)
	})
	return pending, nil
}

// ListAudit returns a request's audit trail, oldest first.
func (s *MemoryStore) ListAudit(ctx context.Context, tenantID, requestID string) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []*AuditEntry
	for _, e := range s.state.audit {
		if e.TenantID == tenantID && e.RequestID == requestID {
			entries = append(entries, cloneAudit(e))
		}
	}
	return entries, nil
}

// ── transaction view ─────────────────────────────────────────────────────────

type memStoreTx struct {
	state *memState
}

func (t *memStoreTx) GetOpenRequestByDocument(ctx context.Context, tenantID string, processType ProcessType, documentID string) (*ApprovalRequest, error) {
	for _, req := range t.state.requests {
		if req.TenantID == tenantID && req.ProcessType == processType &&
			req.DocumentID == documentID && req.Status == RequestPending {
			return cloneRequest(req), nil
		}
	}
	return nil, nil
}

func (t *memStoreTx) InsertRequest(ctx context.Context, req *ApprovalRequest, steps []*ApprovalStep) error {
	now := time.Now()
	req.ID = uuid.NewString()
	req.CreatedAt = now
	t.state.requests[req.ID] = cloneRequest(req)

	ids := make([]string, 0, len(steps))
	for _, step := range steps {
		step.ID = uuid.NewString()
		step.RequestID = req.ID
		step.TenantID = req.TenantID
		step.CreatedAt = now
		step.UpdatedAt = now
		t.state.steps[step.ID] = cloneStep(step)
		ids = append(ids, step.ID)
	}
	t.state.requestSteps[req.ID] = ids
	return nil
}

func (t *memStoreTx) GetStepWithRequest(ctx context.Context, stepID string) (*ApprovalStep, *ApprovalRequest, error) {
	step, ok := t.state.steps[stepID]
	if !ok {
		return nil, nil, errors.Newf(errors.ErrCodeStepNotFound, "approval step not found: %s", stepID)
	}
	req, ok := t.state.requests[step.RequestID]
	if !ok {
		return nil, nil, errors.Newf(errors.ErrCodeRequestNotFound, "approval request not found: %s", step.RequestID)
	}
	return cloneStep(step), cloneRequest(req), nil
}

func (t *memStoreTx) GetRequestForUpdate(ctx context.Context, requestID string) (*ApprovalRequest, error) {
	req, ok := t.state.requests[requestID]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeRequestNotFound, "approval request not found: %s", requestID)
	}
	return cloneRequest(req), nil
}

func (t *memStoreTx) GetStepsByRequest(ctx context.Context, requestID string) ([]*ApprovalStep, error) {
	return t.state.stepsOf(requestID), nil
}

func (t *memStoreTx) UpdateStepDecision(ctx context.Context, stepID string, status StepStatus, decidedAt time.Time, notes *string) error {
	step, ok := t.state.steps[stepID]
	if !ok {
		return errors.Newf(errors.ErrCodeStepNotFound, "approval step not found: %s", stepID)
	}
	if step.Status != StepPending {
		return errors.New(errors.ErrCodeNotActionable, "step is no longer pending")
	}
	step.Status = status
	at := decidedAt
	step.DecidedAt = &at
	step.Notes = cloneStringPtr(notes)
	step.UpdatedAt = time.Now()
	return nil
}

func (t *memStoreTx) TransferStep(ctx context.Context, stepID, newApproverID string, transferredAt time.Time, reason string, previousApproverID string) error {
	step, ok := t.state.steps[stepID]
	if !ok {
		return errors.Newf(errors.ErrCodeStepNotFound, "approval step not found: %s", stepID)
	}
	if step.Status != StepPending {
		return errors.New(errors.ErrCodeNotActionable, "step is no longer pending")
	}
	at := transferredAt
	prev := previousApproverID
	r := reason
	step.ApproverID = newApproverID
	step.PreviousApproverID = &prev
	step.TransferredAt = &at
	step.TransferReason = &r
	step.UpdatedAt = time.Now()
	return nil
}

func (t *memStoreTx) CancelPendingSteps(ctx context.Context, requestID string, at time.Time) error {
	for _, id := range t.state.requestSteps[requestID] {
		step := t.state.steps[id]
		if step.Status == StepPending {
			step.Status = StepCancelled
			step.UpdatedAt = at
		}
	}
	return nil
}

func (t *memStoreTx) CloseRequest(ctx context.Context, requestID string, status RequestStatus, closedAt time.Time) error {
	req, ok := t.state.requests[requestID]
	if !ok {
		return errors.Newf(errors.ErrCodeRequestNotFound, "approval request not found: %s", requestID)
	}
	if req.Status != RequestPending {
		return errors.New(errors.ErrCodeNotActionable, "request is already closed")
	}
	at := closedAt
	req.Status = status
	req.ClosedAt = &at
	return nil
}

func (t *memStoreTx) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	entry.ID = uuid.NewString()
	entry.PerformedAt = time.Now()
	t.state.audit = append(t.state.audit, cloneAudit(entry))
	return nil
}

// ── state helpers ────────────────────────────────────────────────────────────

func (st *memState) stepsOf(requestID string) []*ApprovalStep {
	ids := st.requestSteps[requestID]
	steps := make([]*ApprovalStep, 0, len(ids))
	for _, id := range ids {
		steps = append(steps, cloneStep(st.steps[id]))
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].LevelNumber < steps[j].LevelNumber })
	return steps
}

func (st *memState) clone() *memState {
	out := &memState{
		requests:     make(map[string]*ApprovalRequest, len(st.requests)),
		steps:        make(map[string]*ApprovalStep, len(st.steps)),
		requestSteps: make(map[string][]string, len(st.requestSteps)),
		audit:        make([]*AuditEntry, len(st.audit)),
	}
	for id, req := range st.requests {
		out.requests[id] = cloneRequest(req)
	}
	for id, step := range st.steps {
		out.steps[id] = cloneStep(step)
	}
	for id, ids := range st.requestSteps {
		out.requestSteps[id] = append([]string(nil), ids...)
	}
	copy(out.audit, st.audit)
	return out
}

func cloneRequest(req *ApprovalRequest) *ApprovalRequest {
	out := *req
	out.ClosedAt = cloneTimePtr(req.ClosedAt)
	return &out
}

func cloneStep(step *ApprovalStep) *ApprovalStep {
	out := *step
	out.DecidedAt = cloneTimePtr(step.DecidedAt)
	out.Notes = cloneStringPtr(step.Notes)
	out.TransferredAt = cloneTimePtr(step.TransferredAt)
	out.TransferReason = cloneStringPtr(step.TransferReason)
	out.PreviousApproverID = cloneStringPtr(step.PreviousApproverID)
	return &out
}

func cloneAudit(e *AuditEntry) *AuditEntry {
	out := *e
	out.StepID = cloneStringPtr(e.StepID)
	if e.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}

func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

// ── in-memory rule store ─────────────────────────────────────────────────────

// MemoryRuleStore is an in-memory RuleStore for tests and local development.
type MemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]*ApprovalChainRule
	seq   map[string]int // insertion order, tie-break for equal timestamps
	next  int
}

// NewMemoryRuleStore creates an empty MemoryRuleStore.
func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{
		rules: make(map[string]*ApprovalChainRule),
		seq:   make(map[string]int),
	}
}

func (s *MemoryRuleStore) Create(ctx context.Context, rule *ApprovalChainRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	rule.ID = uuid.NewString()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	s.rules[rule.ID] = cloneRule(rule)
	s.seq[rule.ID] = s.next
	s.next++
	return nil
}

func (s *MemoryRuleStore) GetByID(ctx context.Context, id, tenantID string) (*ApprovalChainRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, ok := s.rules[id]
	if !ok || rule.TenantID != tenantID {
		return nil, errors.NotFound("approval_chain_rule", id)
	}
	return cloneRule(rule), nil
}

func (s *MemoryRuleStore) List(ctx context.Context, tenantID string, processType ProcessType, activeOnly bool) ([]*ApprovalChainRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ApprovalChainRule
	for _, rule := range s.rules {
		if rule.TenantID != tenantID {
			continue
		}
		if processType != "" && rule.ProcessType != processType {
			continue
		}
		if activeOnly && !rule.IsActive {
			continue
		}
		out = append(out, cloneRule(rule))
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out, nil
}

func (s *MemoryRuleStore) Update(ctx context.Context, rule *ApprovalChainRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.rules[rule.ID]
	if !ok || existing.TenantID != rule.TenantID {
		return errors.NotFound("approval_chain_rule", rule.ID)
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	s.rules[rule.ID] = cloneRule(rule)
	return nil
}

func (s *MemoryRuleStore) Delete(ctx context.Context, id, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.rules[id]
	if !ok || rule.TenantID != tenantID {
		return errors.NotFound("approval_chain_rule", id)
	}
	delete(s.rules, id)
	delete(s.seq, id)
	return nil
}

func cloneRule(rule *ApprovalChainRule) *ApprovalChainRule {
	out := *rule
	out.MinAmount = cloneInt64Ptr(rule.MinAmount)
	out.MaxAmount = cloneInt64Ptr(rule.MaxAmount)
	out.CostCenterID = cloneStringPtr(rule.CostCenterID)
	out.ProjectID = cloneStringPtr(rule.ProjectID)
	out.RequesterID = cloneStringPtr(rule.RequesterID)
	out.Levels = append([]RuleLevel(nil), rule.Levels...)
	return &out
}

func cloneInt64Ptr(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
