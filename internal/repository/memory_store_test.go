package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
)

func seedRequest(t *testing.T, store *MemoryStore, tenantID, documentID string, approvers ...string) (*ApprovalRequest, []*ApprovalStep) {
	t.Helper()
	req := &ApprovalRequest{
		TenantID:    tenantID,
		ProcessType: ProcessPayableInvoice,
		DocumentID:  documentID,
		RuleID:      "rule-1",
		Status:      RequestPending,
		CreatedBy:   "requester",
	}
	steps := make([]*ApprovalStep, 0, len(approvers))
	for i, a := range approvers {
		steps = append(steps, &ApprovalStep{LevelNumber: i + 1, ApproverID: a, Status: StepPending})
	}
	err := store.InTransaction(context.Background(), func(tx StoreTx) error {
		return tx.InsertRequest(context.Background(), req, steps)
	})
	require.NoError(t, err)
	return req, steps
}

func TestTransactionRollback(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	req, steps := seedRequest(t, store, "t1", "doc-1", "alice")

	boom := errors.New(errors.ErrCodeInternal, "boom")
	err := store.InTransaction(ctx, func(tx StoreTx) error {
		if err := tx.UpdateStepDecision(ctx, steps[0].ID, StepApproved, time.Now(), nil); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Nothing from the failed transaction is visible.
	_, after, err := store.GetRequest(ctx, "t1", req.ID)
	require.NoError(t, err)
	assert.Equal(t, StepPending, after[0].Status)
}

func TestDecideStepOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, steps := seedRequest(t, store, "t1", "doc-1", "alice")

	err := store.InTransaction(ctx, func(tx StoreTx) error {
		return tx.UpdateStepDecision(ctx, steps[0].ID, StepApproved, time.Now(), nil)
	})
	require.NoError(t, err)

	err = store.InTransaction(ctx, func(tx StoreTx) error {
		return tx.UpdateStepDecision(ctx, steps[0].ID, StepRejected, time.Now(), nil)
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotActionable))
}

func TestCloseRequestOnce(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	req, _ := seedRequest(t, store, "t1", "doc-1", "alice")

	err := store.InTransaction(ctx, func(tx StoreTx) error {
		return tx.CloseRequest(ctx, req.ID, RequestCancelled, time.Now())
	})
	require.NoError(t, err)

	err = store.InTransaction(ctx, func(tx StoreTx) error {
		return tx.CloseRequest(ctx, req.ID, RequestApproved, time.Now())
	})
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotActionable))
}

func TestGetOpenRequestByDocument(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	req, _ := seedRequest(t, store, "t1", "doc-1", "alice")

	err := store.InTransaction(ctx, func(tx StoreTx) error {
		open, err := tx.GetOpenRequestByDocument(ctx, "t1", ProcessPayableInvoice, "doc-1")
		require.NoError(t, err)
		require.NotNil(t, open)
		assert.Equal(t, req.ID, open.ID)

		// Other tenants and process types see nothing.
		open, err = tx.GetOpenRequestByDocument(ctx, "t2", ProcessPayableInvoice, "doc-1")
		require.NoError(t, err)
		assert.Nil(t, open)
		return nil
	})
	require.NoError(t, err)

	err = store.InTransaction(ctx, func(tx StoreTx) error {
		return tx.CloseRequest(ctx, req.ID, RequestCancelled, time.Now())
	})
	require.NoError(t, err)

	err = store.InTransaction(ctx, func(tx StoreTx) error {
		open, err := tx.GetOpenRequestByDocument(ctx, "t1", ProcessPayableInvoice, "doc-1")
		require.NoError(t, err)
		assert.Nil(t, open)
		return nil
	})
	require.NoError(t, err)
}

func TestGetLatestRequestByDocument(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	first, _ := seedRequest(t, store, "t1", "doc-1", "alice")
	err := store.InTransaction(ctx, func(tx StoreTx) error {
		return tx.CloseRequest(ctx, first.ID, RequestRejected, time.Now())
	})
	require.NoError(t, err)

	// Force distinct creation timestamps.
	time.Sleep(time.Millisecond)
	second, _ := seedRequest(t, store, "t1", "doc-1", "alice")

	latest, _, err := store.GetLatestRequestByDocument(ctx, "t1", ProcessPayableInvoice, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	_, _, err = store.GetLatestRequestByDocument(ctx, "t1", ProcessPayableInvoice, "doc-2")
	assert.True(t, errors.IsCode(err, errors.ErrCodeRequestNotFound))
}

func TestListPendingForApproverActiveOnly(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, steps := seedRequest(t, store, "t1", "doc-1", "alice", "bob")

	pending, err := store.ListPendingForApprover(ctx, "t1", "bob")
	require.NoError(t, err)
	assert.Empty(t, pending)

	err = store.InTransaction(ctx, func(tx StoreTx) error {
		return tx.UpdateStepDecision(ctx, steps[0].ID, StepApproved, time.Now(), nil)
	})
	require.NoError(t, err)

	pending, err = store.ListPendingForApprover(ctx, "t1", "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Step.LevelNumber)
	assert.Equal(t, "doc-1", pending[0].DocumentID)
}

func TestActiveLevel(t *testing.T) {
	steps := []*ApprovalStep{
		{LevelNumber: 1, Status: StepApproved},
		{LevelNumber: 2, Status: StepPending},
		{LevelNumber: 3, Status: StepPending},
	}
	assert.Equal(t, 2, ActiveLevel(steps))

	steps[1].Status = StepRejected
	assert.Equal(t, 0, ActiveLevel(steps))

	all := []*ApprovalStep{
		{LevelNumber: 1, Status: StepApproved},
		{LevelNumber: 2, Status: StepApproved},
	}
	assert.Equal(t, 0, ActiveLevel(all))

	assert.Equal(t, 0, ActiveLevel(nil))
}

func TestMemoryRuleStoreOrdering(t *testing.T) {
	store := NewMemoryRuleStore()
	ctx := context.Background()

	for _, name := range []string{"first", "second", "third"} {
		err := store.Create(ctx, &ApprovalChainRule{
			TenantID:    "t1",
			Name:        name,
			ProcessType: ProcessPayableInvoice,
			IsActive:    true,
			Levels: []RuleLevel{
				{LevelNumber: 1, SelectorType: SelectorManager},
			},
		})
		require.NoError(t, err)
	}

	rules, err := store.List(ctx, "t1", ProcessPayableInvoice, true)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, "first", rules[0].Name)
	assert.Equal(t, "second", rules[1].Name)
	assert.Equal(t, "third", rules[2].Name)
}

func TestMemoryRuleStoreTenantIsolation(t *testing.T) {
	store := NewMemoryRuleStore()
	ctx := context.Background()

	rule := &ApprovalChainRule{
		TenantID:    "t1",
		ProcessType: ProcessPayableInvoice,
		Levels:      []RuleLevel{{LevelNumber: 1, SelectorType: SelectorManager}},
	}
	require.NoError(t, store.Create(ctx, rule))

	_, err := store.GetByID(ctx, rule.ID, "t2")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))

	err = store.Delete(ctx, rule.ID, "t2")
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}
