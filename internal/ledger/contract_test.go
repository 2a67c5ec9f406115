package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/smartescrow/internal/pagination"
)

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newEscrow(id string) *Escrow {
	return &Escrow{
		ID:             id,
		ClientID:       "client-1",
		FreelancerID:   "freelancer-1",
		Title:          "Website redesign",
		TotalAmount:    "1000.000000",
		ReleasedAmount: "0.000000",
		RefundedAmount: "0.000000",
		Currency:       "USD",
		Status:         EscrowDraft,
		MilestoneIDs:   []string{},
		CreatedAt:      base,
		UpdatedAt:      base,
	}
}

func newMilestone(id, escrowID string, order int, amount string) *Milestone {
	return &Milestone{
		ID:           id,
		EscrowID:     escrowID,
		OrderIndex:   order,
		Title:        "Milestone " + id,
		Amount:       amount,
		Status:       MilestonePending,
		Type:         MilestoneDeliverable,
		Deliverables: []Deliverable{{Name: "mockups"}},
		CreatedAt:    base,
		UpdatedAt:    base,
	}
}

func newTx(id, escrowID, key string, status TransactionStatus, at time.Time) *Transaction {
	return &Transaction{
		ID:             id,
		EscrowID:       escrowID,
		Type:           TxRelease,
		Amount:         "100.000000",
		Currency:       "USD",
		Recipient:      "freelancer-1",
		Status:         status,
		IdempotencyKey: key,
		InitiatedBy:    "client-1",
		CreatedAt:      at,
	}
}

// runStoreContract exercises behaviour every Store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and read back", func(t *testing.T) {
		s := newStore(t)
		e := newEscrow("esc_a")
		e.MilestoneIDs = []string{"ms_1"}
		require.NoError(t, s.Commit(ctx, NewBatch().
			CreateEscrow(e).
			PutMilestone(newMilestone("ms_1", "esc_a", 0, "400.000000"))))

		got, err := s.GetEscrow(ctx, "esc_a")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, "1000.000000", got.TotalAmount)
		assert.Equal(t, []string{"ms_1"}, got.MilestoneIDs)

		ms, err := s.ListMilestones(ctx, "esc_a")
		require.NoError(t, err)
		require.Len(t, ms, 1)
		assert.Equal(t, "400.000000", ms[0].Amount)
		assert.Equal(t, []Deliverable{{Name: "mockups"}}, ms[0].Deliverables)
	})

	t.Run("missing entities", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetEscrow(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetMilestone(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetDispute(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetRule(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("stale version is a conflict and applies nothing", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Commit(ctx, NewBatch().CreateEscrow(newEscrow("esc_b"))))

		e, err := s.GetEscrow(ctx, "esc_b")
		require.NoError(t, err)
		e.Status = EscrowActive
		require.NoError(t, s.Commit(ctx, NewBatch().UpdateEscrow(e, 1)))

		stale := e.Clone()
		stale.Status = EscrowCancelled
		err = s.Commit(ctx, NewBatch().
			UpdateEscrow(stale, 1).
			AppendTransaction(newTx("tx_1", "esc_b", "k1", TxCompleted, base)))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConcurrencyConflict), "got %v", err)

		got, err := s.GetEscrow(ctx, "esc_b")
		require.NoError(t, err)
		assert.Equal(t, EscrowActive, got.Status)
		assert.Equal(t, int64(2), got.Version)
		txs, err := s.ListTransactions(ctx, "esc_b", Page{})
		require.NoError(t, err)
		assert.Empty(t, txs)
	})

	t.Run("duplicate completed idempotency key is rejected", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Commit(ctx, NewBatch().CreateEscrow(newEscrow("esc_c"))))
		require.NoError(t, s.Commit(ctx, NewBatch().
			AppendTransaction(newTx("tx_1", "esc_c", "release:ms_1", TxCompleted, base))))

		e, err := s.GetEscrow(ctx, "esc_c")
		require.NoError(t, err)
		e.ReleasedAmount = "100.000000"
		err = s.Commit(ctx, NewBatch().
			UpdateEscrow(e, e.Version).
			AppendTransaction(newTx("tx_2", "esc_c", "release:ms_1", TxCompleted, base.Add(time.Second))))
		assert.ErrorIs(t, err, ErrConcurrencyConflict)

		got, err := s.GetEscrow(ctx, "esc_c")
		require.NoError(t, err)
		assert.Equal(t, "0.000000", got.ReleasedAmount)

		// Failed attempts may share the key.
		require.NoError(t, s.Commit(ctx, NewBatch().
			AppendTransaction(newTx("tx_3", "esc_c", "release:ms_2", TxFailed, base)).
			AppendTransaction(newTx("tx_4", "esc_c", "release:ms_2", TxFailed, base.Add(time.Second)))))

		done, err := s.CompletedTransaction(ctx, "release:ms_1")
		require.NoError(t, err)
		require.NotNil(t, done)
		assert.Equal(t, "tx_1", done.ID)
		none, err := s.CompletedTransaction(ctx, "release:ms_2")
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("cross-escrow writes are rejected", func(t *testing.T) {
		s := newStore(t)
		err := s.Commit(ctx, NewBatch().
			CreateEscrow(newEscrow("esc_d")).
			PutMilestone(newMilestone("ms_x", "esc_other", 0, "1")))
		assert.ErrorIs(t, err, ErrValidation)
		_, err = s.GetEscrow(ctx, "esc_d")
		assert.ErrorIs(t, err, ErrNotFound)

		err = s.Commit(ctx, NewBatch().PutMilestone(newMilestone("ms_y", "esc_d", 0, "1")))
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("transaction pagination", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Commit(ctx, NewBatch().CreateEscrow(newEscrow("esc_e"))))
		b := NewBatch()
		for i, id := range []string{"tx_a", "tx_b", "tx_c"} {
			b.AppendTransaction(newTx(id, "esc_e", "key-"+id, TxCompleted, base.Add(time.Duration(i)*time.Minute)))
		}
		require.NoError(t, s.Commit(ctx, b))

		first, err := s.ListTransactions(ctx, "esc_e", Page{Limit: 2})
		require.NoError(t, err)
		require.Len(t, first, 2)
		assert.Equal(t, "tx_a", first[0].ID)

		after := &pagination.Cursor{CreatedAt: first[1].CreatedAt, ID: first[1].ID}
		rest, err := s.ListTransactions(ctx, "esc_e", Page{Limit: 2, After: after})
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, "tx_c", rest[0].ID)
	})

	t.Run("events and audit are append-only history", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Commit(ctx, NewBatch().CreateEscrow(newEscrow("esc_f"))))

		ev := func(id string, ok bool, at time.Time) *AutomationEvent {
			return &AutomationEvent{
				ID: id, RuleID: "rule_1", RuleType: "quality_threshold", EscrowID: "esc_f",
				TargetID: "ms_1", TargetKind: "milestone", Trigger: "sweep", Success: ok,
				Actions: []string{"release_payment"}, Fingerprint: "fp-" + id,
				Duration: 3 * time.Millisecond, CreatedAt: at,
			}
		}
		require.NoError(t, s.Commit(ctx, NewBatch().
			AppendEvent(ev("ev_1", true, base)).
			AppendEvent(ev("ev_2", false, base.Add(time.Minute))).
			AppendAudit(&AuditRecord{
				ID: "aud_1", EscrowID: "esc_f", ActorID: "op-1", ActorRole: RoleOperator,
				Action: "freeze", Reason: "kyc", Detail: json.RawMessage(`{"from":"active"}`), CreatedAt: base,
			})))

		events, err := s.ListEvents(ctx, EventFilter{EscrowID: "esc_f"})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, 3*time.Millisecond, events[0].Duration)

		latest, err := s.LatestSuccessfulEvent(ctx, "rule_1", "ms_1")
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, "ev_1", latest.ID)

		none, err := s.LatestSuccessfulEvent(ctx, "rule_2", "ms_1")
		require.NoError(t, err)
		assert.Nil(t, none)

		audit, err := s.ListAudit(ctx, "esc_f", Page{})
		require.NoError(t, err)
		require.Len(t, audit, 1)
		assert.JSONEq(t, `{"from":"active"}`, string(audit[0].Detail))
	})

	t.Run("rules and settings", func(t *testing.T) {
		s := newStore(t)
		r := &AutomationRule{
			ID: "rule_q", Name: "quality release", Type: "quality_threshold", Active: true,
			Conditions: []RuleCondition{{Key: "rating", Operator: "greater_than", Value: "4.5"}},
			Actions:    []RuleAction{{Type: "release_payment"}},
			CreatedAt:  base, UpdatedAt: base,
		}
		require.NoError(t, s.CreateRule(ctx, r))
		assert.ErrorIs(t, s.CreateRule(ctx, r), ErrConcurrencyConflict)

		require.NoError(t, s.RecordRuleTrigger(ctx, "rule_q", base.Add(time.Hour)))

		r.Active = false
		r.TriggerCount = 99
		require.NoError(t, s.UpdateRule(ctx, r))

		got, err := s.GetRule(ctx, "rule_q")
		require.NoError(t, err)
		assert.False(t, got.Active)
		assert.Equal(t, int64(1), got.TriggerCount)
		require.NotNil(t, got.LastTriggeredAt)

		active, err := s.ListRules(ctx, true)
		require.NoError(t, err)
		assert.Empty(t, active)

		settings, err := s.GetSettings(ctx)
		require.NoError(t, err)
		assert.True(t, settings.AutomationEnabled)
		require.NoError(t, s.UpdateSettings(ctx, &Settings{AutomationEnabled: false, UpdatedBy: "op-1", UpdatedAt: base}))
		settings, err = s.GetSettings(ctx)
		require.NoError(t, err)
		assert.False(t, settings.AutomationEnabled)
	})

	t.Run("escrow filters", func(t *testing.T) {
		s := newStore(t)
		on := true
		a := newEscrow("esc_g1")
		a.Status = EscrowActive
		a.AutomationEnabled = true
		b := newEscrow("esc_g2")
		b.Status = EscrowActive
		c := newEscrow("esc_g3")
		c.Status = EscrowCompleted
		c.AutomationEnabled = true
		c.Archived = true
		for _, e := range []*Escrow{a, b, c} {
			require.NoError(t, s.Commit(ctx, NewBatch().CreateEscrow(e)))
		}

		got, err := s.ListEscrows(ctx, EscrowFilter{Statuses: []EscrowStatus{EscrowActive}, AutomationEnabled: &on})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "esc_g1", got[0].ID)

		all, err := s.ListEscrows(ctx, EscrowFilter{ClientID: "client-1"})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		withArchived, err := s.ListEscrows(ctx, EscrowFilter{IncludeArchived: true})
		require.NoError(t, err)
		assert.Len(t, withArchived, 3)
	})
}
