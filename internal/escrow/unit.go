package escrow

import (
	"context"
	"encoding/json"
	"math/big"
	"time"

	"github.com/mbd888/smartescrow/internal/idgen"
	"github.com/mbd888/smartescrow/internal/ledger"
	"github.com/mbd888/smartescrow/internal/money"
	"github.com/mbd888/smartescrow/internal/notify"
)

// Unit is the working state of one escrow transition. Operations mutate the
// copies it holds and queue transactions, audit records, automation events
// and notifications; the Runner settles and commits all of it in one batch
// or discards it.
type Unit struct {
	Ctx    context.Context
	Actor  ledger.Actor
	Op     string
	Now    time.Time
	Escrow *ledger.Escrow

	version    int64
	milestones []*ledger.Milestone
	disputes   []*ledger.Dispute
	dirtyMs    map[string]bool
	dirtyDsp   map[string]bool
	payouts    []*ledger.Transaction
	events     []*ledger.AutomationEvent
	audits     []*ledger.AuditRecord
	messages   []*notify.Message
	touched    bool

	escrowMoves    [][2]string
	milestoneMoves [][2]string
	disputeMoves   []string
}

func newUnit(ctx context.Context, actor ledger.Actor, op string, now time.Time,
	e *ledger.Escrow, ms []*ledger.Milestone, ds []*ledger.Dispute) *Unit {
	return &Unit{
		Ctx:        ctx,
		Actor:      actor,
		Op:         op,
		Now:        now,
		Escrow:     e,
		version:    e.Version,
		milestones: ms,
		disputes:   ds,
		dirtyMs:    make(map[string]bool),
		dirtyDsp:   make(map[string]bool),
	}
}

// Touch marks the escrow as changed. Helpers that change state call it;
// code that edits Escrow fields directly must too.
func (u *Unit) Touch() { u.touched = true }

func (u *Unit) changed() bool {
	return u.touched || len(u.payouts) > 0 || len(u.events) > 0 || len(u.audits) > 0 ||
		len(u.dirtyMs) > 0 || len(u.dirtyDsp) > 0
}

// --- authorization ---

// RequireClient admits the escrow's client and privileged actors.
func (u *Unit) RequireClient() error {
	if u.Actor.Privileged() || (u.Actor.Role == ledger.RoleClient && u.Actor.ID == u.Escrow.ClientID) {
		return nil
	}
	return ledger.Unauthorized(u.Op, "only the escrow's client may do this")
}

// RequireFreelancer admits the escrow's freelancer and privileged actors.
func (u *Unit) RequireFreelancer() error {
	if u.Actor.Privileged() || (u.Actor.Role == ledger.RoleFreelancer && u.Actor.ID == u.Escrow.FreelancerID) {
		return nil
	}
	return ledger.Unauthorized(u.Op, "only the escrow's freelancer may do this")
}

// RequireParty admits either party and privileged actors.
func (u *Unit) RequireParty() error {
	if u.RequireClient() == nil || u.RequireFreelancer() == nil {
		return nil
	}
	return ledger.Unauthorized(u.Op, "only a party to the escrow may do this")
}

// RequirePrivileged admits operators and the engine itself.
func (u *Unit) RequirePrivileged() error {
	if u.Actor.Privileged() {
		return nil
	}
	return ledger.Unauthorized(u.Op, "operator role required")
}

// RequireActive fails unless the escrow accepts party mutations. Holds are
// reported as ErrEscrowFrozen so callers can tell them apart from ordinary
// state errors.
func (u *Unit) RequireActive() error {
	switch {
	case u.Escrow.Status == ledger.EscrowFrozen:
		return ledger.Frozen(u.Op, ledger.HoldAdministrative)
	case u.Escrow.Status == ledger.EscrowDisputeRaised || u.BlockingDispute() != nil:
		return ledger.Frozen(u.Op, ledger.HoldDisputeReview)
	case u.Escrow.Status != ledger.EscrowActive:
		return ledger.InvalidTransition(u.Op, "escrow is %s, not active", u.Escrow.Status)
	}
	return nil
}

// --- escrow ---

// Transition moves the escrow along a legal edge.
func (u *Unit) Transition(to ledger.EscrowStatus) error {
	from := u.Escrow.Status
	if !CanTransition(from, to) {
		return ledger.InvalidTransition(u.Op, "escrow cannot move from %s to %s", from, to)
	}
	u.setStatus(to)
	return nil
}

// ForceTransition moves the escrow without consulting the transition table.
// Only administrative overrides use it.
func (u *Unit) ForceTransition(to ledger.EscrowStatus) {
	u.setStatus(to)
}

func (u *Unit) setStatus(to ledger.EscrowStatus) {
	e := u.Escrow
	from := e.Status
	if from == to {
		return
	}
	now := u.Now
	switch to {
	case ledger.EscrowActive:
		if e.ActivatedAt == nil {
			e.ActivatedAt = &now
		}
		if from == ledger.EscrowFrozen {
			e.FrozenAt = nil
			e.HoldReason = ""
			e.HeldBy = ""
		}
	case ledger.EscrowFrozen:
		e.FrozenAt = &now
	case ledger.EscrowCompleted:
		e.CompletedAt = &now
	case ledger.EscrowCancelled:
		e.CancelledAt = &now
	}
	e.Status = to
	u.escrowMoves = append(u.escrowMoves, [2]string{string(from), string(to)})
	u.touched = true
}

// Total returns the escrow's total amount in units.
func (u *Unit) Total() *big.Int { return money.Units(u.Escrow.TotalAmount) }

// Remaining returns what has not yet left the escrow.
func (u *Unit) Remaining() *big.Int {
	return new(big.Int).Sub(u.Total(), money.Units(u.Escrow.ReleasedAmount))
}

// Allocated returns the sum of all milestone amounts.
func (u *Unit) Allocated() *big.Int {
	total := new(big.Int)
	for _, m := range u.milestones {
		total.Add(total, money.Units(m.Amount))
	}
	return total
}

// --- milestones ---

// Milestones returns the escrow's milestones ordered by position.
func (u *Unit) Milestones() []*ledger.Milestone { return u.milestones }

// Milestone returns the working copy of one of the escrow's milestones.
func (u *Unit) Milestone(id string) (*ledger.Milestone, error) {
	for _, m := range u.milestones {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, ledger.NotFound(u.Op, "milestone", id)
}

// AddMilestone appends a new milestone to the escrow.
func (u *Unit) AddMilestone(m *ledger.Milestone) {
	u.milestones = append(u.milestones, m)
	u.Escrow.MilestoneIDs = append(u.Escrow.MilestoneIDs, m.ID)
	u.SaveMilestone(m)
}

// SaveMilestone marks a milestone changed.
func (u *Unit) SaveMilestone(m *ledger.Milestone) {
	m.UpdatedAt = u.Now
	u.dirtyMs[m.ID] = true
	u.touched = true
}

// MoveMilestone moves a milestone along a legal edge.
func (u *Unit) MoveMilestone(m *ledger.Milestone, to ledger.MilestoneStatus) error {
	if !CanTransitionMilestone(m.Status, to) {
		return ledger.InvalidTransition(u.Op, "milestone %s cannot move from %s to %s", m.ID, m.Status, to)
	}
	u.ForceMilestone(m, to)
	return nil
}

// ForceMilestone sets a milestone's status without consulting the
// transition table.
func (u *Unit) ForceMilestone(m *ledger.Milestone, to ledger.MilestoneStatus) {
	if m.Status == to {
		return
	}
	u.milestoneMoves = append(u.milestoneMoves, [2]string{string(m.Status), string(to)})
	m.Status = to
	u.SaveMilestone(m)
}

// AllMilestonesCompleted reports whether the escrow has milestones and every
// one of them is completed.
func (u *Unit) AllMilestonesCompleted() bool {
	if len(u.milestones) == 0 {
		return false
	}
	for _, m := range u.milestones {
		if m.Status != ledger.MilestoneCompleted {
			return false
		}
	}
	return true
}

// --- disputes ---

// Disputes returns every dispute raised on the escrow.
func (u *Unit) Disputes() []*ledger.Dispute { return u.disputes }

// Dispute returns the working copy of one of the escrow's disputes.
func (u *Unit) Dispute(id string) (*ledger.Dispute, error) {
	for _, d := range u.disputes {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, ledger.NotFound(u.Op, "dispute", id)
}

// BlockingDispute returns the dispute currently suspending the escrow.
func (u *Unit) BlockingDispute() *ledger.Dispute {
	for _, d := range u.disputes {
		if d.IsBlocking() {
			return d
		}
	}
	return nil
}

// AddDispute attaches a new dispute to the escrow.
func (u *Unit) AddDispute(d *ledger.Dispute) {
	u.disputes = append(u.disputes, d)
	u.SaveDispute(d)
	u.disputeMoves = append(u.disputeMoves, string(d.Status))
}

// SaveDispute marks a dispute changed.
func (u *Unit) SaveDispute(d *ledger.Dispute) {
	d.UpdatedAt = u.Now
	u.dirtyDsp[d.ID] = true
	u.touched = true
}

// MoveDispute sets a dispute's status.
func (u *Unit) MoveDispute(d *ledger.Dispute, to ledger.DisputeStatus) {
	d.Status = to
	u.disputeMoves = append(u.disputeMoves, string(to))
	u.SaveDispute(d)
}

// --- money ---

// Payout describes one value movement out of the escrow.
type Payout struct {
	Type        ledger.TransactionType
	Amount      *big.Int
	Recipient   string
	MilestoneID string
	DisputeID   string
	// Key names the movement. The same key always yields the same
	// idempotency key, so it must identify the movement, not the attempt.
	Key []string
}

// Pay queues a payout and books it against the escrow. It fails if the
// payout would take more than remains.
func (u *Unit) Pay(p Payout) (*ledger.Transaction, error) {
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return nil, ledger.Validation(u.Op, "amount", "payout must be positive")
	}
	if p.Amount.Cmp(u.Remaining()) > 0 {
		return nil, ledger.Validation(u.Op, "amount", "payout %s exceeds remaining balance %s",
			money.Format(p.Amount), money.Format(u.Remaining()))
	}

	amount := money.Format(p.Amount)
	u.Escrow.ReleasedAmount = money.Add(u.Escrow.ReleasedAmount, amount)
	if p.Type == ledger.TxRefund {
		u.Escrow.RefundedAmount = money.Add(u.Escrow.RefundedAmount, amount)
	}

	tx := &ledger.Transaction{
		ID:             idgen.Next(idgen.Transaction),
		EscrowID:       u.Escrow.ID,
		MilestoneID:    p.MilestoneID,
		DisputeID:      p.DisputeID,
		Type:           p.Type,
		Amount:         amount,
		Currency:       u.Escrow.Currency,
		Recipient:      p.Recipient,
		Status:         ledger.TxCompleted,
		IdempotencyKey: idgen.Deterministic(append([]string{u.Escrow.ID}, p.Key...)...),
		InitiatedBy:    u.Actor.ID,
		CreatedAt:      u.Now,
	}
	u.payouts = append(u.payouts, tx)
	u.touched = true

	topic := notify.TopicPaymentReleased
	if p.Type == ledger.TxRefund {
		topic = notify.TopicPaymentRefunded
	}
	u.Notify(topic, []string{p.Recipient}, "", map[string]any{
		"transactionId": tx.ID,
		"type":          tx.Type,
		"amount":        tx.Amount,
		"currency":      tx.Currency,
		"milestoneId":   tx.MilestoneID,
		"disputeId":     tx.DisputeID,
	})
	return tx, nil
}

// --- records ---

// Audit appends an audit record citing the unit's actor.
func (u *Unit) Audit(action, reason string, detail any) {
	var raw json.RawMessage
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			raw = b
		}
	}
	u.audits = append(u.audits, &ledger.AuditRecord{
		ID:        idgen.Next(idgen.Audit),
		EscrowID:  u.Escrow.ID,
		ActorID:   u.Actor.ID,
		ActorRole: u.Actor.Role,
		Action:    action,
		Reason:    reason,
		Detail:    raw,
		CreatedAt: u.Now,
	})
}

// RecordEvent appends an automation event to the unit's batch.
func (u *Unit) RecordEvent(ev *ledger.AutomationEvent) {
	u.events = append(u.events, ev)
}

// Notify queues a message published after a successful commit.
func (u *Unit) Notify(topic notify.Topic, recipients []string, text string, data map[string]any) {
	u.messages = append(u.messages, &notify.Message{
		ID:         idgen.Next(idgen.Message),
		Topic:      topic,
		EscrowID:   u.Escrow.ID,
		Recipients: recipients,
		Text:       text,
		Data:       data,
		CreatedAt:  u.Now,
	})
}

// Parties returns the client and freelancer ids.
func (u *Unit) Parties() []string {
	return []string{u.Escrow.ClientID, u.Escrow.FreelancerID}
}
