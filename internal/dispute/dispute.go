// Package dispute is the dispute resolution workflow. An open dispute
// suspends its escrow until a mediator resolves it or an operator closes it.
package dispute

import (
	"context"
	"log/slog"
	"math/big"
	"slices"
	"strings"

	"github.com/mbd888/smartescrow/internal/escrow"
	"github.com/mbd888/smartescrow/internal/idgen"
	"github.com/mbd888/smartescrow/internal/ledger"
	"github.com/mbd888/smartescrow/internal/money"
	"github.com/mbd888/smartescrow/internal/notify"
)

// PlatformRecipient receives platform fees.
const PlatformRecipient = "platform"

var transitions = map[ledger.DisputeStatus][]ledger.DisputeStatus{
	ledger.DisputeOpen:      {ledger.DisputeAssigned},
	ledger.DisputeAssigned:  {ledger.DisputeInReview, ledger.DisputeResolved, ledger.DisputeEscalated},
	ledger.DisputeInReview:  {ledger.DisputeResolved, ledger.DisputeEscalated},
	ledger.DisputeEscalated: {ledger.DisputeAssigned, ledger.DisputeClosed},
}

// CanTransition reports whether a dispute may move from one status to another.
func CanTransition(from, to ledger.DisputeStatus) bool {
	return slices.Contains(transitions[from], to)
}

// Service implements the dispute workflow.
type Service struct {
	runner *escrow.Runner
	store  ledger.Store
	logger *slog.Logger
}

// NewService creates a dispute service.
func NewService(runner *escrow.Runner) *Service {
	return &Service{runner: runner, store: runner.Store(), logger: slog.Default()}
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// EvidenceInput references material supporting a dispute.
type EvidenceInput struct {
	Kind        string `json:"kind"`
	Reference   string `json:"reference"`
	Description string `json:"description"`
}

// RaiseRequest is the input to Raise.
type RaiseRequest struct {
	MilestoneID    string                 `json:"milestoneId"`
	Type           ledger.DisputeType     `json:"type"`
	Title          string                 `json:"title"`
	Description    string                 `json:"description"`
	DisputedAmount string                 `json:"disputedAmount"`
	Priority       ledger.DisputePriority `json:"priority"`
	Evidence       []EvidenceInput        `json:"evidence"`
}

// ValidType reports whether t is a known dispute type.
func ValidType(t ledger.DisputeType) bool {
	switch t {
	case ledger.DisputeQuality, ledger.DisputeDeadline, ledger.DisputeScope,
		ledger.DisputePayment, ledger.DisputeCommunication, ledger.DisputeOther:
		return true
	}
	return false
}

func validPriority(p ledger.DisputePriority) bool {
	switch p {
	case ledger.PriorityLow, ledger.PriorityMedium, ledger.PriorityHigh, ledger.PriorityUrgent:
		return true
	}
	return false
}

// Raise opens a dispute on an active escrow and suspends it.
func (s *Service) Raise(ctx context.Context, actor ledger.Actor, escrowID string, req RaiseRequest) (*ledger.Dispute, error) {
	const op = "dispute.raise"
	if req.Priority == "" {
		req.Priority = ledger.PriorityMedium
	}
	switch {
	case strings.TrimSpace(req.Title) == "":
		return nil, ledger.Validation(op, "title", "is required")
	case !ValidType(req.Type):
		return nil, ledger.Validation(op, "type", "unknown dispute type %q", req.Type)
	case !validPriority(req.Priority):
		return nil, ledger.Validation(op, "priority", "unknown priority %q", req.Priority)
	}
	amount, ok := money.Parse(req.DisputedAmount)
	if !ok || amount.Sign() <= 0 {
		return nil, ledger.Validation(op, "disputedAmount", "must be a positive decimal amount")
	}

	var d *ledger.Dispute
	_, err := s.runner.Run(ctx, escrowID, actor, op, func(u *escrow.Unit) error {
		if err := u.RequireParty(); err != nil {
			return err
		}
		if err := u.RequireActive(); err != nil {
			return err
		}
		if amount.Cmp(u.Total()) > 0 {
			return ledger.Validation(u.Op, "disputedAmount", "exceeds the escrow total %s", u.Escrow.TotalAmount)
		}
		if req.MilestoneID != "" {
			if _, err := u.Milestone(req.MilestoneID); err != nil {
				return ledger.Validation(u.Op, "milestoneId", "milestone %s is not part of this escrow", req.MilestoneID)
			}
		}

		d = &ledger.Dispute{
			ID:             idgen.Next(idgen.Dispute),
			EscrowID:       u.Escrow.ID,
			MilestoneID:    req.MilestoneID,
			RaisedBy:       u.Actor.ID,
			RaisedByRole:   u.Actor.Role,
			Type:           req.Type,
			Title:          strings.TrimSpace(req.Title),
			Description:    req.Description,
			DisputedAmount: money.Format(amount),
			Priority:       req.Priority,
			Status:         ledger.DisputeOpen,
			Evidence:       []ledger.Evidence{},
			CreatedAt:      u.Now,
		}
		for _, ev := range req.Evidence {
			d.Evidence = append(d.Evidence, evidence(u, ev))
		}
		u.AddDispute(d)
		if err := u.Transition(ledger.EscrowDisputeRaised); err != nil {
			return err
		}
		u.Notify(notify.TopicDisputeRaised, u.Parties(), d.Title, map[string]any{
			"disputeId":      d.ID,
			"disputedAmount": d.DisputedAmount,
			"priority":       d.Priority,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("dispute raised", "dispute_id", d.ID, "escrow_id", escrowID, "by", actor.ID)
	return d, nil
}

func evidence(u *escrow.Unit, in EvidenceInput) ledger.Evidence {
	kind := in.Kind
	if kind == "" {
		kind = "link"
	}
	return ledger.Evidence{
		ID:          idgen.Next(idgen.Evidence),
		SubmittedBy: u.Actor.ID,
		Kind:        kind,
		Reference:   in.Reference,
		Description: in.Description,
		CreatedAt:   u.Now,
	}
}

// Assign hands an open or escalated dispute to a mediator.
func (s *Service) Assign(ctx context.Context, actor ledger.Actor, id, mediatorID string) (*ledger.Dispute, error) {
	return s.mutate(ctx, actor, id, "dispute.assign", func(u *escrow.Unit, d *ledger.Dispute) error {
		if err := u.RequirePrivileged(); err != nil {
			return err
		}
		if strings.TrimSpace(mediatorID) == "" {
			return ledger.Validation(u.Op, "mediatorId", "is required")
		}
		if mediatorID == u.Escrow.ClientID || mediatorID == u.Escrow.FreelancerID {
			return ledger.Validation(u.Op, "mediatorId", "a party cannot mediate its own dispute")
		}
		if err := move(u, d, ledger.DisputeAssigned); err != nil {
			return err
		}
		now := u.Now
		d.MediatorID = mediatorID
		d.AssignedAt = &now
		u.Notify(notify.TopicDisputeAssigned, append(u.Parties(), mediatorID), d.Title, map[string]any{
			"disputeId":  d.ID,
			"mediatorId": mediatorID,
		})
		return nil
	})
}

// BeginReview marks an assigned dispute as under review.
func (s *Service) BeginReview(ctx context.Context, actor ledger.Actor, id string) (*ledger.Dispute, error) {
	return s.mutate(ctx, actor, id, "dispute.begin_review", func(u *escrow.Unit, d *ledger.Dispute) error {
		if err := requireMediator(u, d); err != nil {
			return err
		}
		if err := move(u, d, ledger.DisputeInReview); err != nil {
			return err
		}
		now := u.Now
		d.ReviewStartedAt = &now
		return nil
	})
}

// AddEvidence appends evidence to a dispute that is still being handled.
func (s *Service) AddEvidence(ctx context.Context, actor ledger.Actor, id string, in EvidenceInput) (*ledger.Dispute, error) {
	return s.mutate(ctx, actor, id, "dispute.add_evidence", func(u *escrow.Unit, d *ledger.Dispute) error {
		if u.RequireParty() != nil && requireMediator(u, d) != nil {
			return ledger.Unauthorized(u.Op, "only the parties or the mediator may add evidence")
		}
		if strings.TrimSpace(in.Reference) == "" {
			return ledger.Validation(u.Op, "reference", "is required")
		}
		if d.Status.IsTerminal() {
			return ledger.InvalidTransition(u.Op, "dispute is %s", d.Status)
		}
		d.Evidence = append(d.Evidence, evidence(u, in))
		u.SaveDispute(d)
		return nil
	})
}

// ResolveRequest is a mediator's ruling.
type ResolveRequest struct {
	Decision         ledger.Decision `json:"decision"`
	ClientPayout     string          `json:"clientPayout"`
	FreelancerPayout string          `json:"freelancerPayout"`
	PlatformFee      string          `json:"platformFee"`
	Notes            string          `json:"notes"`
}

// Resolve rules on an assigned or in-review dispute. Every decision but
// escalate pays out the split and releases the escrow from suspension.
func (s *Service) Resolve(ctx context.Context, actor ledger.Actor, id string, req ResolveRequest) (*ledger.Dispute, error) {
	const op = "dispute.resolve"
	switch req.Decision {
	case ledger.DecisionClientFavor, ledger.DecisionFreelancerFavor, ledger.DecisionSplit:
	case ledger.DecisionEscalate:
		return s.escalate(ctx, actor, id, req.Notes)
	default:
		return nil, ledger.Validation(op, "decision", "unknown decision %q", req.Decision)
	}

	notes := strings.TrimSpace(req.Notes)
	if notes == "" {
		return nil, ledger.Validation(op, "notes", "resolution notes are required")
	}
	clientPay, err := payout(op, "clientPayout", req.ClientPayout)
	if err != nil {
		return nil, err
	}
	freelancerPay, err := payout(op, "freelancerPayout", req.FreelancerPayout)
	if err != nil {
		return nil, err
	}
	fee, err := payout(op, "platformFee", req.PlatformFee)
	if err != nil {
		return nil, err
	}

	return s.mutate(ctx, actor, id, op, func(u *escrow.Unit, d *ledger.Dispute) error {
		if err := requireMediator(u, d); err != nil {
			return err
		}
		if !CanTransition(d.Status, ledger.DisputeResolved) {
			return ledger.InvalidTransition(u.Op, "dispute is %s; resolve needs assigned or in_review", d.Status)
		}
		if u.Escrow.Status != ledger.EscrowDisputeRaised {
			return ledger.InvalidTransition(u.Op, "escrow is %s, not dispute_raised", u.Escrow.Status)
		}

		parties := new(big.Int).Add(clientPay, freelancerPay)
		if parties.Cmp(money.Units(d.DisputedAmount)) > 0 {
			return ledger.Validation(u.Op, "payouts", "client and freelancer payouts %s exceed the disputed amount %s",
				money.Format(parties), d.DisputedAmount)
		}
		all := new(big.Int).Add(parties, fee)
		if all.Cmp(u.Remaining()) > 0 {
			return ledger.Validation(u.Op, "payouts", "payouts %s exceed the remaining balance %s",
				money.Format(all), money.Format(u.Remaining()))
		}

		pays := []escrow.Payout{
			{Type: ledger.TxRefund, Amount: clientPay, Recipient: u.Escrow.ClientID, DisputeID: d.ID, Key: []string{"dispute", d.ID, "client"}},
			{Type: ledger.TxRelease, Amount: freelancerPay, Recipient: u.Escrow.FreelancerID, DisputeID: d.ID, Key: []string{"dispute", d.ID, "freelancer"}},
			{Type: ledger.TxFee, Amount: fee, Recipient: PlatformRecipient, DisputeID: d.ID, Key: []string{"dispute", d.ID, "fee"}},
		}
		var settledBy *ledger.Transaction
		for _, p := range pays {
			if p.Amount.Sign() == 0 {
				continue
			}
			tx, err := u.Pay(p)
			if err != nil {
				return err
			}
			if settledBy == nil && p.Type != ledger.TxFee {
				settledBy = tx
			}
		}
		if err := settleMilestone(u, d, settledBy); err != nil {
			return err
		}

		now := u.Now
		d.Resolution = &ledger.Resolution{
			Decision:         req.Decision,
			ClientPayout:     money.Format(clientPay),
			FreelancerPayout: money.Format(freelancerPay),
			PlatformFee:      money.Format(fee),
			Notes:            notes,
			ResolvedBy:       u.Actor.ID,
			ResolvedAt:       now,
		}
		d.ResolvedAt = &now
		u.MoveDispute(d, ledger.DisputeResolved)
		u.Notify(notify.TopicDisputeResolved, u.Parties(), notes, map[string]any{
			"disputeId":        d.ID,
			"decision":         req.Decision,
			"clientPayout":     d.Resolution.ClientPayout,
			"freelancerPayout": d.Resolution.FreelancerPayout,
			"platformFee":      d.Resolution.PlatformFee,
		})
		return settle(u, req.Decision)
	})
}

// settle moves the escrow out of dispute_raised once no dispute blocks it.
func settle(u *escrow.Unit, decision ledger.Decision) error {
	if u.BlockingDispute() != nil {
		return nil
	}
	switch {
	case u.Remaining().Sign() == 0 && decision == ledger.DecisionClientFavor:
		if err := u.Transition(ledger.EscrowCancelled); err != nil {
			return err
		}
		u.Notify(notify.TopicEscrowCancelled, u.Parties(), "dispute resolved in the client's favour", nil)
		return nil
	case u.Remaining().Sign() == 0:
		if err := u.Transition(ledger.EscrowCompleted); err != nil {
			return err
		}
		u.Notify(notify.TopicEscrowCompleted, u.Parties(), "", nil)
		return nil
	}
	if err := u.Transition(ledger.EscrowActive); err != nil {
		return err
	}
	if u.AllMilestonesCompleted() || stranded(u) {
		return u.Complete()
	}
	return nil
}

// settleMilestone completes the disputed milestone once the ruling has paid
// a party for it. tx is the first party payout; nil means nothing was paid.
func settleMilestone(u *escrow.Unit, d *ledger.Dispute, tx *ledger.Transaction) error {
	if d.MilestoneID == "" || tx == nil {
		return nil
	}
	m, err := u.Milestone(d.MilestoneID)
	if err != nil {
		return err
	}
	if m.Status == ledger.MilestoneCompleted {
		return nil
	}
	u.ForceMilestone(m, ledger.MilestoneCompleted)
	now := u.Now
	m.CompletedAt = &now
	m.TransactionID = tx.ID
	u.Notify(notify.TopicMilestoneCompleted, u.Parties(), "settled by dispute", map[string]any{
		"milestoneId": m.ID,
		"disputeId":   d.ID,
	})
	return nil
}

// stranded reports whether the escrow still has unpaid milestones but the
// remaining balance can no longer cover any of them.
func stranded(u *escrow.Unit) bool {
	rest := u.Remaining()
	open := 0
	for _, m := range u.Milestones() {
		if m.Status == ledger.MilestoneCompleted {
			continue
		}
		open++
		if money.Units(m.Amount).Cmp(rest) <= 0 {
			return false
		}
	}
	return open > 0
}

func (s *Service) escalate(ctx context.Context, actor ledger.Actor, id, reason string) (*ledger.Dispute, error) {
	return s.mutate(ctx, actor, id, "dispute.escalate", func(u *escrow.Unit, d *ledger.Dispute) error {
		if err := requireMediator(u, d); err != nil {
			return err
		}
		if err := move(u, d, ledger.DisputeEscalated); err != nil {
			return err
		}
		d.EscalationCount++
		d.EscalationReason = strings.TrimSpace(reason)
		u.Notify(notify.TopicDisputeEscalated, u.Parties(), d.EscalationReason, map[string]any{
			"disputeId":       d.ID,
			"escalationCount": d.EscalationCount,
		})
		return nil
	})
}

// Close ends an escalated dispute without payouts and resumes the escrow.
func (s *Service) Close(ctx context.Context, actor ledger.Actor, id, notes string) (*ledger.Dispute, error) {
	return s.mutate(ctx, actor, id, "dispute.close", func(u *escrow.Unit, d *ledger.Dispute) error {
		if err := u.RequirePrivileged(); err != nil {
			return err
		}
		if strings.TrimSpace(notes) == "" {
			return ledger.Validation(u.Op, "notes", "closing notes are required")
		}
		if err := move(u, d, ledger.DisputeClosed); err != nil {
			return err
		}
		now := u.Now
		d.ClosedAt = &now
		d.CloseNotes = strings.TrimSpace(notes)
		u.Notify(notify.TopicDisputeClosed, u.Parties(), d.CloseNotes, map[string]any{"disputeId": d.ID})
		u.Audit("dispute.closed", d.CloseNotes, map[string]string{"disputeId": d.ID})
		if u.Escrow.Status == ledger.EscrowDisputeRaised && u.BlockingDispute() == nil {
			return u.Transition(ledger.EscrowActive)
		}
		return nil
	})
}

// Get returns a dispute.
func (s *Service) Get(ctx context.Context, id string) (*ledger.Dispute, error) {
	return s.store.GetDispute(ctx, id)
}

// List returns every dispute raised on an escrow.
func (s *Service) List(ctx context.Context, escrowID string) ([]*ledger.Dispute, error) {
	if _, err := s.store.GetEscrow(ctx, escrowID); err != nil {
		return nil, err
	}
	return s.store.ListDisputes(ctx, escrowID)
}

func (s *Service) mutate(ctx context.Context, actor ledger.Actor, id, op string, fn func(*escrow.Unit, *ledger.Dispute) error) (*ledger.Dispute, error) {
	cur, err := s.store.GetDispute(ctx, id)
	if err != nil {
		return nil, err
	}
	var out *ledger.Dispute
	_, err = s.runner.Run(ctx, cur.EscrowID, actor, op, func(u *escrow.Unit) error {
		d, err := u.Dispute(id)
		if err != nil {
			return err
		}
		if err := fn(u, d); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func move(u *escrow.Unit, d *ledger.Dispute, to ledger.DisputeStatus) error {
	if !CanTransition(d.Status, to) {
		return ledger.InvalidTransition(u.Op, "dispute cannot move from %s to %s", d.Status, to)
	}
	u.MoveDispute(d, to)
	return nil
}

// requireMediator admits the assigned mediator and operators.
func requireMediator(u *escrow.Unit, d *ledger.Dispute) error {
	if u.Actor.Privileged() || (u.Actor.Role == ledger.RoleMediator && u.Actor.ID == d.MediatorID) {
		return nil
	}
	return ledger.Unauthorized(u.Op, "only the assigned mediator may do this")
}

func payout(op, field, s string) (*big.Int, error) {
	v, ok := money.Parse(s)
	if !ok {
		return nil, ledger.Validation(op, field, "must be a non-negative decimal amount")
	}
	return v, nil
}
