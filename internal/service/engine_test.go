package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/logger"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

const testTenant = "tenant-1"

// fakeIdentity is an in-memory IdentityClient for tests.
type fakeIdentity struct {
	users    map[string]*User
	roles    map[string][]string
	managers map[string]string
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{
		users:    make(map[string]*User),
		roles:    make(map[string][]string),
		managers: make(map[string]string),
	}
}

func (f *fakeIdentity) addUser(id, name string) {
	f.users[id] = &User{ID: id, DisplayName: name}
}

func (f *fakeIdentity) ResolveUser(ctx context.Context, userID string) (*User, error) {
	if u, ok := f.users[userID]; ok {
		return u, nil
	}
	return nil, errors.NotFound("user", userID)
}

func (f *fakeIdentity) GetUsersWithRole(ctx context.Context, tenantID, role string) ([]string, error) {
	return f.roles[role], nil
}

func (f *fakeIdentity) GetManager(ctx context.Context, tenantID, userID string) (string, error) {
	return f.managers[userID], nil
}

// capturePublisher records published events.
type capturePublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *capturePublisher) Publish(ctx context.Context, event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}

type fixture struct {
	store    *repository.MemoryStore
	rules    *repository.MemoryRuleStore
	identity *fakeIdentity
	events   *capturePublisher
	flow     *FlowQuery
	engine   *TransitionEngine
	transfer *TransferService
	resolver *RuleResolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.New(logger.Config{Level: "error"})
	f := &fixture{
		store:    repository.NewMemoryStore(),
		rules:    repository.NewMemoryRuleStore(),
		identity: newFakeIdentity(),
		events:   &capturePublisher{},
	}
	f.flow = NewFlowQuery(f.store, f.rules, f.identity, log)
	f.engine = NewTransitionEngine(f.store, f.events, f.flow, log)
	f.transfer = NewTransferService(f.store, f.events, log)
	f.resolver = NewRuleResolver(f.rules, f.identity, log)
	return f
}

// createRequest opens a request with one fixed approver per level, in order.
func (f *fixture) createRequest(t *testing.T, documentID string, approvers ...string) (*repository.ApprovalRequest, []*repository.ApprovalStep) {
	t.Helper()
	chain := &ApprovalChain{RuleID: "rule-1", RuleName: "Test chain"}
	for i, approver := range approvers {
		chain.Levels = append(chain.Levels, ChainLevel{LevelNumber: i + 1, ApproverID: approver})
	}
	req, err := f.engine.Create(context.Background(), testTenant, repository.ProcessPayableInvoice, documentID, "requester-1", chain)
	require.NoError(t, err)

	_, steps, err := f.store.GetRequest(context.Background(), testTenant, req.ID)
	require.NoError(t, err)
	require.Len(t, steps, len(approvers))
	return req, steps
}

func TestCreateRequest(t *testing.T) {
	f := newFixture(t)
	req, steps := f.createRequest(t, "doc-1", "alice", "bob")

	assert.Equal(t, repository.RequestPending, req.Status)
	assert.Equal(t, "requester-1", req.CreatedBy)
	for _, step := range steps {
		assert.Equal(t, repository.StepPending, step.Status)
	}
	assert.Equal(t, 1, repository.ActiveLevel(steps))
	assert.Equal(t, []string{EventRequestCreated}, f.events.types())
}

func TestCreateRequestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chain := &ApprovalChain{Levels: []ChainLevel{{LevelNumber: 1, ApproverID: "alice"}}}

	_, err := f.engine.Create(ctx, testTenant, "unknown", "doc-1", "requester-1", chain)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))

	_, err = f.engine.Create(ctx, testTenant, repository.ProcessPayableInvoice, "", "requester-1", chain)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))

	_, err = f.engine.Create(ctx, testTenant, repository.ProcessPayableInvoice, "doc-1", "requester-1", &ApprovalChain{})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))

	gapped := &ApprovalChain{Levels: []ChainLevel{
		{LevelNumber: 1, ApproverID: "alice"},
		{LevelNumber: 3, ApproverID: "bob"},
	}}
	_, err = f.engine.Create(ctx, testTenant, repository.ProcessPayableInvoice, "doc-1", "requester-1", gapped)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestDuplicateOpenRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.createRequest(t, "doc-1", "alice")

	chain := &ApprovalChain{Levels: []ChainLevel{{LevelNumber: 1, ApproverID: "bob"}}}
	_, err := f.engine.Create(ctx, testTenant, repository.ProcessPayableInvoice, "doc-1", "requester-1", chain)
	assert.True(t, errors.IsCode(err, errors.ErrCodeDuplicateOpenRequest))

	// The same document under a different process type is a separate aggregate.
	_, err = f.engine.Create(ctx, testTenant, repository.ProcessPurchaseRequisition, "doc-1", "requester-1", chain)
	assert.NoError(t, err)
}

func TestSequentialApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, steps := f.createRequest(t, "doc-1", "alice", "bob", "carol")

	// Level 2 before level 1 is not actionable.
	_, err := f.engine.Approve(ctx, steps[1].ID, "bob", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotActionable))

	flow, err := f.engine.Approve(ctx, steps[0].ID, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestPending, flow.Status)
	assert.False(t, flow.Completed)
	assert.True(t, flow.Steps[1].Active)

	_, err = f.engine.Approve(ctx, steps[1].ID, "bob", nil)
	require.NoError(t, err)

	notes := "looks good"
	flow, err = f.engine.Approve(ctx, steps[2].ID, "carol", &notes)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestApproved, flow.Status)
	assert.True(t, flow.Completed)

	closed, _, err := f.store.GetRequest(ctx, testTenant, req.ID)
	require.NoError(t, err)
	require.NotNil(t, closed.ClosedAt)
	assert.Equal(t, repository.RequestApproved, closed.Status)

	types := f.events.types()
	assert.Contains(t, types, EventRequestApproved)
	assert.Equal(t, EventRequestApproved, types[len(types)-1])
}

func TestApproveWrongApprover(t *testing.T) {
	f := newFixture(t)
	_, steps := f.createRequest(t, "doc-1", "alice", "bob")

	_, err := f.engine.Approve(context.Background(), steps[0].ID, "mallory", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeForbidden))
}

func TestApproveUnknownStep(t *testing.T) {
	f := newFixture(t)
	f.createRequest(t, "doc-1", "alice")

	_, err := f.engine.Approve(context.Background(), "no-such-step", "alice", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeStepNotFound))
}

func TestApproveTwice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, steps := f.createRequest(t, "doc-1", "alice", "bob")

	_, err := f.engine.Approve(ctx, steps[0].ID, "alice", nil)
	require.NoError(t, err)

	_, err = f.engine.Approve(ctx, steps[0].ID, "alice", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotActionable))
}

func TestRejectRequiresNotes(t *testing.T) {
	f := newFixture(t)
	_, steps := f.createRequest(t, "doc-1", "alice")

	_, err := f.engine.Reject(context.Background(), steps[0].ID, "alice", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))

	empty := ""
	_, err = f.engine.Reject(context.Background(), steps[0].ID, "alice", &empty)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestRejectCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, steps := f.createRequest(t, "doc-1", "alice", "bob", "carol")

	_, err := f.engine.Approve(ctx, steps[0].ID, "alice", nil)
	require.NoError(t, err)

	reason := "budget exceeded"
	flow, err := f.engine.Reject(ctx, steps[1].ID, "bob", &reason)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestRejected, flow.Status)
	assert.False(t, flow.Completed)

	_, after, err := f.store.GetRequest(ctx, testTenant, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StepApproved, after[0].Status)
	assert.Equal(t, repository.StepRejected, after[1].Status)
	assert.Equal(t, repository.StepCancelled, after[2].Status)
	require.NotNil(t, after[1].Notes)
	assert.Equal(t, reason, *after[1].Notes)

	// Terminal request accepts no further actions.
	_, err = f.engine.Approve(ctx, steps[2].ID, "carol", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotActionable))

	assert.Contains(t, f.events.types(), EventRequestRejected)
}

func TestResubmitAfterRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, steps := f.createRequest(t, "doc-1", "alice")

	reason := "wrong cost center"
	_, err := f.engine.Reject(ctx, steps[0].ID, "alice", &reason)
	require.NoError(t, err)

	// Once the first request is terminal a new one may be opened.
	req2, _ := f.createRequest(t, "doc-1", "alice")
	assert.Equal(t, repository.RequestPending, req2.Status)

	flow, err := f.flow.GetFlow(ctx, testTenant, repository.ProcessPayableInvoice, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, req2.ID, flow.RequestID)
}

func TestCancelRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, steps := f.createRequest(t, "doc-1", "alice", "bob")

	_, err := f.engine.Approve(ctx, steps[0].ID, "alice", nil)
	require.NoError(t, err)

	reason := "duplicate submission"
	cancelled, err := f.engine.Cancel(ctx, testTenant, req.ID, "requester-1", &reason)
	require.NoError(t, err)
	assert.Equal(t, repository.RequestCancelled, cancelled.Status)
	require.NotNil(t, cancelled.ClosedAt)

	_, after, err := f.store.GetRequest(ctx, testTenant, req.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StepApproved, after[0].Status)
	assert.Equal(t, repository.StepCancelled, after[1].Status)

	// Cancelling again is not actionable.
	_, err = f.engine.Cancel(ctx, testTenant, req.ID, "requester-1", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotActionable))
}

func TestCancelWrongTenant(t *testing.T) {
	f := newFixture(t)
	req, _ := f.createRequest(t, "doc-1", "alice")

	_, err := f.engine.Cancel(context.Background(), "tenant-2", req.ID, "requester-1", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeRequestNotFound))
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, steps := f.createRequest(t, "doc-1", "alice", "bob")

	_, err := f.engine.Approve(ctx, steps[0].ID, "alice", nil)
	require.NoError(t, err)
	reason := "not authorized spend"
	_, err = f.engine.Reject(ctx, steps[1].ID, "bob", &reason)
	require.NoError(t, err)

	entries, err := f.flow.GetAuditTrail(ctx, testTenant, req.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, repository.AuditCreated, entries[0].Action)
	assert.Equal(t, repository.AuditApproved, entries[1].Action)
	assert.Equal(t, repository.AuditRejected, entries[2].Action)
	assert.Equal(t, "bob", entries[2].ActorID)
	assert.Equal(t, reason, entries[2].Metadata["reason"])
}

func TestConcurrentApproveSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, steps := f.createRequest(t, "doc-1", "alice", "bob")

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Approve(ctx, steps[0].ID, "alice", nil)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, conflicts int
	for err := range results {
		if err == nil {
			successes++
		} else if errors.IsCode(err, errors.ErrCodeNotActionable) {
			conflicts++
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)
}
