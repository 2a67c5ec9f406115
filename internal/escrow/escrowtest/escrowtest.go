// Package escrowtest builds in-memory engines and funded escrows for tests
// of the packages layered on the escrow runner.
package escrowtest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mbd888/smartescrow/internal/escrow"
	"github.com/mbd888/smartescrow/internal/ledger"
	"github.com/mbd888/smartescrow/internal/money"
	"github.com/mbd888/smartescrow/internal/notify"
	"github.com/mbd888/smartescrow/internal/settlement"
	"github.com/mbd888/smartescrow/internal/syncutil"
)

// Actors used by fixtures.
var (
	Client     = ledger.Actor{ID: "client-1", Role: ledger.RoleClient}
	Freelancer = ledger.Actor{ID: "freelancer-1", Role: ledger.RoleFreelancer}
	Mediator   = ledger.Actor{ID: "mediator-1", Role: ledger.RoleMediator}
	Operator   = ledger.Actor{ID: "operator-1", Role: ledger.RoleOperator}
	Stranger   = ledger.Actor{ID: "someone-else", Role: ledger.RoleClient}
)

var seq atomic.Int64

// Fixture is an engine over a memory store and a simulated settler.
type Fixture struct {
	Store   *ledger.MemoryStore
	Settler *settlement.Simulated
	Notes   *notify.Recorder
	Runner  *escrow.Runner
	Escrows *escrow.Service
}

// New builds a fixture.
func New(t *testing.T) *Fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	settler := settlement.NewSimulated()
	notes := &notify.Recorder{}
	runner := escrow.NewRunner(store, settler, notes, syncutil.NewLeases(2*time.Second))
	return &Fixture{
		Store:   store,
		Settler: settler,
		Notes:   notes,
		Runner:  runner,
		Escrows: escrow.NewService(runner),
	}
}

// MilestoneSpec shapes a fixture milestone.
type MilestoneSpec struct {
	Amount             string
	Type               ledger.MilestoneType
	AutoReleaseEnabled bool
	ApprovalRequired   bool
	IsAutomated        bool
	DueDate            *time.Time
}

// Auto is a milestone that releases as soon as it is approved.
func Auto(amount string) MilestoneSpec {
	return MilestoneSpec{Amount: amount, AutoReleaseEnabled: true}
}

// Manual is a milestone whose approval and release are separate steps.
func Manual(amount string) MilestoneSpec {
	return MilestoneSpec{Amount: amount, ApprovalRequired: true}
}

// Draft creates a draft escrow with the given milestones.
func (f *Fixture) Draft(t *testing.T, total string, specs ...MilestoneSpec) (*ledger.Escrow, []*ledger.Milestone) {
	t.Helper()
	ctx := context.Background()
	e := &ledger.Escrow{
		ID:                fmt.Sprintf("esc_fx%d", seq.Add(1)),
		ClientID:          Client.ID,
		FreelancerID:      Freelancer.ID,
		Title:             "Fixture escrow",
		TotalAmount:       money.Format(money.MustParse(total)),
		ReleasedAmount:    money.Format(nil),
		RefundedAmount:    money.Format(nil),
		Currency:          "USD",
		Status:            ledger.EscrowDraft,
		AutomationEnabled: true,
		MilestoneIDs:      []string{},
	}
	ms := make([]*ledger.Milestone, 0, len(specs))
	for i, s := range specs {
		typ := s.Type
		if typ == "" {
			typ = ledger.MilestoneDeliverable
		}
		ms = append(ms, &ledger.Milestone{
			ID:                 fmt.Sprintf("%s_ms%d", e.ID, i+1),
			EscrowID:           e.ID,
			OrderIndex:         i,
			Title:              fmt.Sprintf("Milestone %d", i+1),
			Amount:             money.Format(money.MustParse(s.Amount)),
			Status:             ledger.MilestonePending,
			Type:               typ,
			IsAutomated:        s.IsAutomated,
			AutoReleaseEnabled: s.AutoReleaseEnabled,
			ApprovalRequired:   s.ApprovalRequired,
			DueDate:            s.DueDate,
			Deliverables:       []ledger.Deliverable{},
		})
	}
	require.NoError(t, f.Runner.Create(ctx, Client, e, ms))
	return e, ms
}

// Active creates a funded, active escrow.
func (f *Fixture) Active(t *testing.T, total string, specs ...MilestoneSpec) (*ledger.Escrow, []*ledger.Milestone) {
	t.Helper()
	ctx := context.Background()
	e, ms := f.Draft(t, total, specs...)
	_, err := f.Escrows.ConfirmFunding(ctx, Client, e.ID, "pi_fixture")
	require.NoError(t, err)
	e, err = f.Escrows.Activate(ctx, Client, e.ID)
	require.NoError(t, err)
	return e, ms
}

// Escrow reloads an escrow.
func (f *Fixture) Escrow(t *testing.T, id string) *ledger.Escrow {
	t.Helper()
	e, err := f.Store.GetEscrow(context.Background(), id)
	require.NoError(t, err)
	return e
}

// Milestone reloads a milestone.
func (f *Fixture) Milestone(t *testing.T, id string) *ledger.Milestone {
	t.Helper()
	m, err := f.Store.GetMilestone(context.Background(), id)
	require.NoError(t, err)
	return m
}

// Transactions returns every transaction recorded for an escrow.
func (f *Fixture) Transactions(t *testing.T, escrowID string) []*ledger.Transaction {
	t.Helper()
	txs, err := f.Store.ListTransactions(context.Background(), escrowID, ledger.Page{Limit: 1000})
	require.NoError(t, err)
	return txs
}

// Completed filters transactions down to the completed ones.
func Completed(txs []*ledger.Transaction) []*ledger.Transaction {
	var out []*ledger.Transaction
	for _, tx := range txs {
		if tx.Status == ledger.TxCompleted {
			out = append(out, tx)
		}
	}
	return out
}
