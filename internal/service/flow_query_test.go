package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-plt-approvals/internal/errors"
	"github.com/pesio-ai/be-plt-approvals/internal/repository"
)

func TestGetFlowTimeline(t *testing.T) {
	f := newFixture(t)
	f.identity.addUser("alice", "Alice Santos")
	f.identity.addUser("bob", "Bob Lima")
	ctx := context.Background()
	_, steps := f.createRequest(t, "doc-1", "alice", "bob", "carol")

	_, err := f.engine.Approve(ctx, steps[0].ID, "alice", nil)
	require.NoError(t, err)

	flow, err := f.flow.GetFlow(ctx, testTenant, repository.ProcessPayableInvoice, "doc-1")
	require.NoError(t, err)

	assert.Equal(t, repository.ProcessPayableInvoice, flow.ProcessType)
	assert.Equal(t, "doc-1", flow.DocumentID)
	assert.Equal(t, 3, flow.TotalLevels)
	assert.False(t, flow.Completed)
	require.Len(t, flow.Steps, 3)

	assert.Equal(t, repository.StepApproved, flow.Steps[0].Status)
	assert.False(t, flow.Steps[0].Active)
	assert.NotNil(t, flow.Steps[0].DecidedAt)

	assert.True(t, flow.Steps[1].Active)
	assert.False(t, flow.Steps[2].Active)

	// Resolved names where the identity service knows the user, raw id otherwise.
	assert.Equal(t, "Alice Santos", flow.Steps[0].ApproverDisplayName)
	assert.Equal(t, "Bob Lima", flow.Steps[1].ApproverDisplayName)
	assert.Equal(t, "carol", flow.Steps[2].ApproverDisplayName)
}

func TestGetFlowCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, steps := f.createRequest(t, "doc-1", "alice")

	flow, err := f.engine.Approve(ctx, steps[0].ID, "alice", nil)
	require.NoError(t, err)
	assert.True(t, flow.Completed)
	assert.Equal(t, repository.RequestApproved, flow.Status)
	for _, s := range flow.Steps {
		assert.False(t, s.Active)
	}
}

func TestGetFlowUnknownDocument(t *testing.T) {
	f := newFixture(t)

	_, err := f.flow.GetFlow(context.Background(), testTenant, repository.ProcessPayableInvoice, "no-doc")
	assert.True(t, errors.IsCode(err, errors.ErrCodeRequestNotFound))
}

func TestFlowRuleLabels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	named := f.addRule(t, &repository.ApprovalChainRule{Name: "Director sign-off", Levels: fixedLevels("alice")})
	costCenter := f.addRule(t, &repository.ApprovalChainRule{CostCenterID: strPtr("cc-1"), Levels: fixedLevels("alice")})
	amount := f.addRule(t, &repository.ApprovalChainRule{MaxAmount: int64Ptr(2500_00), Levels: fixedLevels("alice")})

	open := func(doc, ruleID string) *ApprovalFlowView {
		chain := &ApprovalChain{RuleID: ruleID, Levels: []ChainLevel{{LevelNumber: 1, ApproverID: "alice"}}}
		_, err := f.engine.Create(ctx, testTenant, repository.ProcessPayableInvoice, doc, "req", chain)
		require.NoError(t, err)
		flow, err := f.flow.GetFlow(ctx, testTenant, repository.ProcessPayableInvoice, doc)
		require.NoError(t, err)
		return flow
	}

	assert.Equal(t, "Director sign-off", open("doc-a", named.ID).RuleName)
	assert.Equal(t, "Cost center rule", open("doc-b", costCenter.ID).RuleName)
	assert.Equal(t, "Amount rule (up to 2500.00)", open("doc-c", amount.ID).RuleName)
	// An unknown rule id falls back to the chain shape.
	assert.Equal(t, "1-level chain", open("doc-d", "gone").RuleName)
}

func TestFlowTransferredFrom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, steps := f.createRequest(t, "doc-1", "alice")

	_, err := f.transfer.Transfer(ctx, steps[0].ID, "alice", "dave", "handoff")
	require.NoError(t, err)

	flow, err := f.flow.GetFlow(ctx, testTenant, repository.ProcessPayableInvoice, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, flow.Steps[0].TransferredFrom)
	assert.Equal(t, "alice", *flow.Steps[0].TransferredFrom)
	assert.Equal(t, "dave", flow.Steps[0].ApproverID)
}

func TestListPendingInbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, steps := f.createRequest(t, "doc-1", "alice", "bob")
	f.createRequest(t, "doc-2", "alice")

	pending, err := f.flow.ListPending(ctx, testTenant, "alice")
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	// bob's level is not active yet.
	pending, err = f.flow.ListPending(ctx, testTenant, "bob")
	require.NoError(t, err)
	assert.Len(t, pending, 0)

	_, err = f.engine.Approve(ctx, steps[0].ID, "alice", nil)
	require.NoError(t, err)

	pending, err = f.flow.ListPending(ctx, testTenant, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "doc-1", pending[0].DocumentID)
	assert.Equal(t, 2, pending[0].Step.LevelNumber)
}
