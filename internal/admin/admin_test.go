package admin_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/smartescrow/internal/admin"
	"github.com/mbd888/smartescrow/internal/escrow/escrowtest"
	"github.com/mbd888/smartescrow/internal/ledger"
	"github.com/mbd888/smartescrow/internal/milestone"
	"github.com/mbd888/smartescrow/internal/settlement"
)

var (
	client   = escrowtest.Client
	operator = escrowtest.Operator
)

func setup(t *testing.T) (*escrowtest.Fixture, *admin.Operator) {
	t.Helper()
	f := escrowtest.New(t)
	return f, admin.NewOperator(f.Escrows).WithConcurrency(3)
}

func audits(t *testing.T, f *escrowtest.Fixture, escrowID, action string) []*ledger.AuditRecord {
	t.Helper()
	recs, err := f.Store.ListAudit(context.Background(), escrowID, ledger.Page{Limit: 1000})
	require.NoError(t, err)
	var out []*ledger.AuditRecord
	for _, r := range recs {
		if r.Action == action {
			out = append(out, r)
		}
	}
	return out
}

func TestBulk_FreezeReportsEachItem(t *testing.T) {
	f, op := setup(t)
	ctx := context.Background()
	a, _ := f.Active(t, "100", escrowtest.Auto("100"))
	draft, _ := f.Draft(t, "100", escrowtest.Auto("100"))
	b, _ := f.Active(t, "100", escrowtest.Auto("100"))

	res, err := op.Bulk(ctx, operator, admin.BulkRequest{
		Action:    admin.ActionFreeze,
		EscrowIDs: []string{a.ID, draft.ID, "esc_missing", b.ID},
		Reason:    "compliance review",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 2, res.Failed)

	require.Len(t, res.Results, 4)
	assert.Equal(t, a.ID, res.Results[0].EscrowID)
	assert.True(t, res.Results[0].OK)
	assert.Equal(t, ledger.EscrowFrozen, res.Results[0].Status)
	assert.Equal(t, "invalid_state_transition", res.Results[1].Code)
	assert.Equal(t, "not_found", res.Results[2].Code)
	assert.True(t, res.Results[3].OK)

	assert.Equal(t, ledger.EscrowFrozen, f.Escrow(t, a.ID).Status)
	assert.Equal(t, ledger.EscrowDraft, f.Escrow(t, draft.ID).Status)
	held := f.Escrow(t, b.ID)
	assert.Equal(t, "compliance review", held.HoldReason)
	assert.Equal(t, operator.ID, held.HeldBy)
	assert.Len(t, audits(t, f, a.ID, "escrow.frozen"), 1)

	res, err = op.Bulk(ctx, operator, admin.BulkRequest{Action: admin.ActionUnfreeze, EscrowIDs: []string{a.ID, b.ID}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Empty(t, f.Escrow(t, b.ID).HoldReason)
}

func TestBulk_ForceCompleteIsolatesSettlementFailure(t *testing.T) {
	f, op := setup(t)
	ctx := context.Background()
	good, _ := f.Active(t, "500", escrowtest.Auto("300"))
	bad, _ := f.Active(t, "500", escrowtest.Auto("500"))
	f.Settler.FailWith(func(req settlement.Request) error {
		if req.EscrowID == bad.ID {
			return settlement.ErrRejected
		}
		return nil
	})

	res, err := op.Bulk(ctx, operator, admin.BulkRequest{
		Action:    admin.ActionForceComplete,
		EscrowIDs: []string{good.ID, bad.ID},
		Reason:    "contract terminated",
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 2)
	assert.True(t, res.Results[0].OK)
	assert.False(t, res.Results[1].OK)
	assert.Equal(t, "settlement_failed", res.Results[1].Code)

	done := f.Escrow(t, good.ID)
	assert.Equal(t, ledger.EscrowCompleted, done.Status)
	assert.Equal(t, "500.000000", done.ReleasedAmount)
	assert.Equal(t, "200.000000", done.RefundedAmount)
	assert.Len(t, audits(t, f, good.ID, "escrow.force_completed"), 1)

	still := f.Escrow(t, bad.ID)
	assert.Equal(t, ledger.EscrowActive, still.Status)
	assert.Equal(t, "0.000000", still.ReleasedAmount)
	txs := f.Transactions(t, bad.ID)
	require.NotEmpty(t, txs)
	assert.Empty(t, escrowtest.Completed(txs))
}

func TestBulk_Validation(t *testing.T) {
	_, op := setup(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		actor ledger.Actor
		req   admin.BulkRequest
		kind  error
	}{
		{"party", client, admin.BulkRequest{Action: admin.ActionFreeze, EscrowIDs: []string{"e"}, Reason: "r"}, ledger.ErrUnauthorized},
		{"unknown action", operator, admin.BulkRequest{Action: "delete", EscrowIDs: []string{"e"}, Reason: "r"}, ledger.ErrValidation},
		{"no ids", operator, admin.BulkRequest{Action: admin.ActionFreeze, Reason: "r"}, ledger.ErrValidation},
		{"no reason", operator, admin.BulkRequest{Action: admin.ActionForceComplete, EscrowIDs: []string{"e"}}, ledger.ErrValidation},
		{"too many", operator, admin.BulkRequest{Action: admin.ActionFreeze, EscrowIDs: make([]string, admin.MaxBulkItems+1), Reason: "r"}, ledger.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := op.Bulk(ctx, tt.actor, tt.req)
			assert.ErrorIs(t, err, tt.kind)
		})
	}
}

func TestBulk_CancelledContext(t *testing.T) {
	f, op := setup(t)
	a, _ := f.Active(t, "100", escrowtest.Auto("100"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := op.Bulk(ctx, operator, admin.BulkRequest{Action: admin.ActionFreeze, EscrowIDs: []string{a.ID}, Reason: "r"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, "cancelled", res.Results[0].Code)
	assert.Equal(t, ledger.EscrowActive, f.Escrow(t, a.ID).Status)
}

func TestOverride(t *testing.T) {
	f, op := setup(t)
	ctx := context.Background()
	es, ms := f.Active(t, "1000", escrowtest.Auto("400"), escrowtest.Manual("600"))

	frozen := ledger.EscrowFrozen
	off := false
	got, err := op.Override(ctx, operator, es.ID, admin.OverrideRequest{
		Status:            &frozen,
		AutomationEnabled: &off,
		Milestones:        []admin.MilestoneOverride{{ID: ms[1].ID, Status: ledger.MilestoneApproved}},
		Reason:            "manual correction",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowFrozen, got.Status)
	assert.False(t, got.AutomationEnabled)
	assert.Equal(t, "manual correction", got.HoldReason)
	assert.Equal(t, ledger.MilestoneApproved, f.Milestone(t, ms[1].ID).Status)
	assert.Empty(t, f.Transactions(t, es.ID), "overrides never move money")
	require.Len(t, audits(t, f, es.ID, "escrow.overridden"), 1)

	active := ledger.EscrowActive
	got, err = op.Override(ctx, operator, es.ID, admin.OverrideRequest{Status: &active, Reason: "lifted"})
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowActive, got.Status)
	assert.Empty(t, got.HoldReason)
}

func TestOverride_Rejections(t *testing.T) {
	f, op := setup(t)
	ctx := context.Background()
	es, ms := f.Active(t, "1000", escrowtest.Auto("400"), escrowtest.Auto("600"))
	tracker := milestone.NewService(f.Runner)
	_, err := tracker.Submit(ctx, escrowtest.Freelancer, ms[1].ID, milestone.SubmitRequest{})
	require.NoError(t, err)
	paid, err := tracker.Approve(ctx, client, ms[1].ID)
	require.NoError(t, err)
	require.Equal(t, ledger.MilestoneCompleted, paid.Status)

	completed := ledger.EscrowCompleted
	on := true
	tests := []struct {
		name  string
		actor ledger.Actor
		req   admin.OverrideRequest
		kind  error
	}{
		{"party", client, admin.OverrideRequest{AutomationEnabled: &on, Reason: "r"}, ledger.ErrUnauthorized},
		{"no reason", operator, admin.OverrideRequest{AutomationEnabled: &on}, ledger.ErrValidation},
		{"nothing", operator, admin.OverrideRequest{Reason: "r"}, ledger.ErrValidation},
		{"terminal status", operator, admin.OverrideRequest{Status: &completed, Reason: "r"}, ledger.ErrValidation},
		{"to completed", operator, admin.OverrideRequest{
			Milestones: []admin.MilestoneOverride{{ID: ms[0].ID, Status: ledger.MilestoneCompleted}}, Reason: "r"}, ledger.ErrValidation},
		{"unknown milestone", operator, admin.OverrideRequest{
			Milestones: []admin.MilestoneOverride{{ID: "ms_missing", Status: ledger.MilestonePending}}, Reason: "r"}, ledger.ErrNotFound},
		{"paid milestone", operator, admin.OverrideRequest{
			Milestones: []admin.MilestoneOverride{{ID: ms[1].ID, Status: ledger.MilestonePending}}, Reason: "r"}, ledger.ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := op.Override(ctx, tt.actor, es.ID, tt.req)
			assert.ErrorIs(t, err, tt.kind)
		})
	}
	assert.Empty(t, audits(t, f, es.ID, "escrow.overridden"), "rejected overrides write nothing")
	assert.Equal(t, ledger.MilestoneCompleted, f.Milestone(t, ms[1].ID).Status)
}

func TestOverride_TerminalEscrow(t *testing.T) {
	f, op := setup(t)
	ctx := context.Background()
	es, _ := f.Active(t, "1000", escrowtest.Auto("400"), escrowtest.Auto("600"))
	done, err := f.Escrows.ForceComplete(ctx, operator, es.ID, "wrap up")
	require.NoError(t, err)
	require.Equal(t, ledger.EscrowCompleted, done.Status)

	on := true
	_, err = op.Override(ctx, operator, es.ID, admin.OverrideRequest{AutomationEnabled: &on, Reason: "r"})
	assert.True(t, errors.Is(err, ledger.ErrInvalidTransition))
}
