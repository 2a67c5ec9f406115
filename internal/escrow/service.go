// Package escrow is the escrow state machine.
//
// Every mutation runs through a Runner, which serialises work per escrow,
// settles payouts and commits the resulting state in one atomic batch.
// Milestone, dispute, automation and admin operations all sit on top of it.
package escrow

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/smartescrow/internal/idgen"
	"github.com/mbd888/smartescrow/internal/ledger"
	"github.com/mbd888/smartescrow/internal/money"
	"github.com/mbd888/smartescrow/internal/notify"
)

// Service implements escrow-level operations.
type Service struct {
	runner   *Runner
	store    ledger.Store
	currency string
	logger   *slog.Logger
}

// NewService creates an escrow service over runner.
func NewService(runner *Runner) *Service {
	return &Service{
		runner:   runner,
		store:    runner.Store(),
		currency: "USD",
		logger:   slog.Default(),
	}
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithDefaultCurrency sets the currency used when a request names none.
func (s *Service) WithDefaultCurrency(c string) *Service {
	if c != "" {
		s.currency = strings.ToUpper(c)
	}
	return s
}

// Runner returns the runner the service commits through.
func (s *Service) Runner() *Runner { return s.runner }

// CreateRequest is the input to Create.
type CreateRequest struct {
	ClientID          string     `json:"clientId"`
	FreelancerID      string     `json:"freelancerId"`
	ProjectID         string     `json:"projectId"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	TotalAmount       string     `json:"totalAmount"`
	Currency          string     `json:"currency"`
	AutomationEnabled bool       `json:"automationEnabled"`
	Deadline          *time.Time `json:"deadline"`
}

// Create opens a draft escrow. The caller must be the client or an operator.
func (s *Service) Create(ctx context.Context, actor ledger.Actor, req CreateRequest) (*ledger.Escrow, error) {
	const op = "escrow.create"
	if req.ClientID == "" && actor.Role == ledger.RoleClient {
		req.ClientID = actor.ID
	}
	switch {
	case req.ClientID == "":
		return nil, ledger.Validation(op, "clientId", "is required")
	case req.FreelancerID == "":
		return nil, ledger.Validation(op, "freelancerId", "is required")
	case req.ClientID == req.FreelancerID:
		return nil, ledger.Validation(op, "freelancerId", "client and freelancer must differ")
	case strings.TrimSpace(req.Title) == "":
		return nil, ledger.Validation(op, "title", "is required")
	}
	if !actor.Privileged() && (actor.Role != ledger.RoleClient || actor.ID != req.ClientID) {
		return nil, ledger.Unauthorized(op, "only the client or an operator may open an escrow")
	}
	total, ok := money.Parse(req.TotalAmount)
	if !ok || total.Sign() <= 0 {
		return nil, ledger.Validation(op, "totalAmount", "must be a positive decimal amount")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.currency
	}
	if len(currency) != 3 {
		return nil, ledger.Validation(op, "currency", "must be a 3-letter code")
	}

	e := &ledger.Escrow{
		ID:                idgen.Next(idgen.Escrow),
		ClientID:          req.ClientID,
		FreelancerID:      req.FreelancerID,
		ProjectID:         req.ProjectID,
		Title:             strings.TrimSpace(req.Title),
		Description:       req.Description,
		TotalAmount:       money.Format(total),
		ReleasedAmount:    money.Format(nil),
		RefundedAmount:    money.Format(nil),
		Currency:          currency,
		Status:            ledger.EscrowDraft,
		AutomationEnabled: req.AutomationEnabled,
		Deadline:          req.Deadline,
		MilestoneIDs:      []string{},
	}
	if err := s.runner.Create(ctx, actor, e, nil); err != nil {
		return nil, err
	}
	s.logger.Info("escrow created", "escrow_id", e.ID, "client", e.ClientID, "total", e.TotalAmount)
	return e, nil
}

// Get returns an escrow.
func (s *Service) Get(ctx context.Context, id string) (*ledger.Escrow, error) {
	return s.store.GetEscrow(ctx, id)
}

// Detail is an escrow with its milestones and disputes.
type Detail struct {
	*ledger.Escrow
	Milestones []*ledger.Milestone `json:"milestones"`
	Disputes   []*ledger.Dispute   `json:"disputes"`
}

// GetDetail returns an escrow with its nested records.
func (s *Service) GetDetail(ctx context.Context, id string) (*Detail, error) {
	e, err := s.store.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}
	ms, err := s.store.ListMilestones(ctx, id)
	if err != nil {
		return nil, err
	}
	ds, err := s.store.ListDisputes(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Detail{Escrow: e, Milestones: ms, Disputes: ds}, nil
}

// List returns escrows matching filter.
func (s *Service) List(ctx context.Context, filter ledger.EscrowFilter) ([]*ledger.Escrow, error) {
	return s.store.ListEscrows(ctx, filter)
}

// Transactions lists an escrow's transactions oldest first.
func (s *Service) Transactions(ctx context.Context, id string, page ledger.Page) ([]*ledger.Transaction, error) {
	if _, err := s.store.GetEscrow(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, id, page)
}

// Audit lists an escrow's audit records oldest first.
func (s *Service) Audit(ctx context.Context, id string, page ledger.Page) ([]*ledger.AuditRecord, error) {
	if _, err := s.store.GetEscrow(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, id, page)
}

// ConfirmFunding records that the client's payment for a draft escrow has
// cleared.
func (s *Service) ConfirmFunding(ctx context.Context, actor ledger.Actor, id, reference string) (*ledger.Escrow, error) {
	return s.runner.Run(ctx, id, actor, "escrow.confirm_funding", func(u *Unit) error {
		if err := u.RequireClient(); err != nil {
			return err
		}
		if u.Escrow.Status != ledger.EscrowDraft {
			return ledger.InvalidTransition(u.Op, "escrow is %s; funding is confirmed while draft", u.Escrow.Status)
		}
		if u.Escrow.FundsConfirmed {
			return ledger.InvalidTransition(u.Op, "funds already confirmed")
		}
		now := u.Now
		u.Escrow.FundsConfirmed = true
		u.Escrow.FundingReference = strings.TrimSpace(reference)
		u.Escrow.FundedAt = &now
		u.Touch()
		u.Audit("escrow.funded", "", map[string]string{"reference": u.Escrow.FundingReference})
		return nil
	})
}

// Activate moves a funded draft with at least one milestone to active.
func (s *Service) Activate(ctx context.Context, actor ledger.Actor, id string) (*ledger.Escrow, error) {
	return s.runner.Run(ctx, id, actor, "escrow.activate", func(u *Unit) error {
		if err := u.RequireClient(); err != nil {
			return err
		}
		if u.Escrow.Status != ledger.EscrowDraft {
			return ledger.InvalidTransition(u.Op, "escrow is %s, not draft", u.Escrow.Status)
		}
		if !u.Escrow.FundsConfirmed {
			return ledger.InvalidTransition(u.Op, "funds have not been confirmed")
		}
		if len(u.Milestones()) == 0 {
			return ledger.InvalidTransition(u.Op, "escrow has no milestones")
		}
		if err := u.Transition(ledger.EscrowActive); err != nil {
			return err
		}
		u.Notify(notify.TopicEscrowActivated, u.Parties(), "", nil)
		return nil
	})
}

// Freeze places an active escrow under administrative hold.
func (s *Service) Freeze(ctx context.Context, actor ledger.Actor, id, reason string) (*ledger.Escrow, error) {
	return s.runner.Run(ctx, id, actor, "escrow.freeze", func(u *Unit) error {
		if err := u.RequirePrivileged(); err != nil {
			return err
		}
		if strings.TrimSpace(reason) == "" {
			return ledger.Validation(u.Op, "reason", "is required")
		}
		if err := u.Transition(ledger.EscrowFrozen); err != nil {
			return err
		}
		u.Escrow.HoldReason = reason
		u.Escrow.HeldBy = u.Actor.ID
		u.Audit("escrow.frozen", reason, nil)
		u.Notify(notify.TopicEscrowFrozen, u.Parties(), reason, nil)
		return nil
	})
}

// Unfreeze lifts an administrative hold.
func (s *Service) Unfreeze(ctx context.Context, actor ledger.Actor, id, reason string) (*ledger.Escrow, error) {
	return s.runner.Run(ctx, id, actor, "escrow.unfreeze", func(u *Unit) error {
		if err := u.RequirePrivileged(); err != nil {
			return err
		}
		if err := u.Transition(ledger.EscrowActive); err != nil {
			return err
		}
		u.Audit("escrow.unfrozen", reason, nil)
		u.Notify(notify.TopicEscrowUnfrozen, u.Parties(), reason, nil)
		return nil
	})
}

// Cancel ends a draft or active escrow and refunds the undisbursed balance
// to the client. The client may cancel its own draft; an active escrow
// needs an operator.
func (s *Service) Cancel(ctx context.Context, actor ledger.Actor, id, reason string) (*ledger.Escrow, error) {
	return s.runner.Run(ctx, id, actor, "escrow.cancel", func(u *Unit) error {
		switch u.Escrow.Status {
		case ledger.EscrowDraft:
			if err := u.RequireClient(); err != nil {
				return err
			}
		case ledger.EscrowActive:
			if err := u.RequirePrivileged(); err != nil {
				return err
			}
			if u.BlockingDispute() != nil {
				return ledger.Frozen(u.Op, ledger.HoldDisputeReview)
			}
		case ledger.EscrowDisputeRaised:
			return ledger.Frozen(u.Op, ledger.HoldDisputeReview)
		}
		if err := u.Transition(ledger.EscrowCancelled); err != nil {
			return err
		}
		if err := u.RefundRemainder("cancel"); err != nil {
			return err
		}
		u.Audit("escrow.cancelled", reason, map[string]string{"refunded": u.Escrow.RefundedAmount})
		u.Notify(notify.TopicEscrowCancelled, u.Parties(), reason, nil)
		return nil
	})
}

// Complete finishes an active escrow whose milestones are all approved or
// completed, releasing any approved milestone still unpaid.
func (s *Service) Complete(ctx context.Context, actor ledger.Actor, id string) (*ledger.Escrow, error) {
	return s.runner.Run(ctx, id, actor, "escrow.complete", func(u *Unit) error {
		if err := u.RequireClient(); err != nil {
			return err
		}
		if err := u.RequireActive(); err != nil {
			return err
		}
		ms := u.Milestones()
		if len(ms) == 0 {
			return ledger.InvalidTransition(u.Op, "escrow has no milestones")
		}
		for _, m := range ms {
			if m.Status != ledger.MilestoneApproved && m.Status != ledger.MilestoneCompleted {
				return ledger.InvalidTransition(u.Op, "milestone %s is %s", m.ID, m.Status)
			}
		}
		for _, m := range ms {
			if m.Status != ledger.MilestoneApproved {
				continue
			}
			if err := u.ReleaseMilestone(m); err != nil {
				return err
			}
		}
		// The last release completes the escrow on its own.
		if u.Escrow.Status == ledger.EscrowCompleted {
			return nil
		}
		return u.Complete()
	})
}

// ForceComplete ends an active or disputed escrow regardless of milestone
// state. Unfinished milestones are paid to the freelancer while the balance
// lasts, an open dispute is closed and the rest is refunded to the client.
func (s *Service) ForceComplete(ctx context.Context, actor ledger.Actor, id, reason string) (*ledger.Escrow, error) {
	return s.runner.Run(ctx, id, actor, "escrow.force_complete", func(u *Unit) error {
		if err := u.RequirePrivileged(); err != nil {
			return err
		}
		if strings.TrimSpace(reason) == "" {
			return ledger.Validation(u.Op, "reason", "is required")
		}
		st := u.Escrow.Status
		if st != ledger.EscrowActive && st != ledger.EscrowDisputeRaised {
			return ledger.InvalidTransition(u.Op, "escrow is %s; force-complete needs active or dispute_raised", st)
		}

		var closed []string
		for _, d := range u.Disputes() {
			if !d.IsBlocking() {
				continue
			}
			now := u.Now
			d.ClosedAt = &now
			d.CloseNotes = "closed by force-complete: " + reason
			u.MoveDispute(d, ledger.DisputeClosed)
			closed = append(closed, d.ID)
		}

		var released []string
		for _, m := range u.Milestones() {
			if m.Status == ledger.MilestoneCompleted {
				continue
			}
			amount := money.Min(money.Units(m.Amount), u.Remaining())
			if amount.Sign() > 0 {
				tx, err := u.Pay(Payout{
					Type:        ledger.TxRelease,
					Amount:      amount,
					Recipient:   u.Escrow.FreelancerID,
					MilestoneID: m.ID,
					Key:         []string{"release", m.ID},
				})
				if err != nil {
					return err
				}
				m.TransactionID = tx.ID
			}
			now := u.Now
			m.CompletedAt = &now
			u.ForceMilestone(m, ledger.MilestoneCompleted)
			released = append(released, m.ID)
		}

		if err := u.Transition(ledger.EscrowCompleted); err != nil {
			return err
		}
		if err := u.RefundRemainder("completion"); err != nil {
			return err
		}
		u.Audit("escrow.force_completed", reason, map[string]any{
			"fromStatus":         st,
			"releasedMilestones": released,
			"closedDisputes":     closed,
		})
		u.Notify(notify.TopicEscrowCompleted, u.Parties(), reason, map[string]any{"forced": true})
		return nil
	})
}

// Archive flags a terminal escrow as archived. Nothing is deleted.
func (s *Service) Archive(ctx context.Context, actor ledger.Actor, id string) (*ledger.Escrow, error) {
	return s.runner.Run(ctx, id, actor, "escrow.archive", func(u *Unit) error {
		if err := u.RequireParty(); err != nil {
			return err
		}
		if !u.Escrow.Status.IsTerminal() {
			return ledger.InvalidTransition(u.Op, "only completed or cancelled escrows can be archived")
		}
		if u.Escrow.Archived {
			return nil
		}
		now := u.Now
		u.Escrow.Archived = true
		u.Escrow.ArchivedAt = &now
		u.Touch()
		u.Audit("escrow.archived", "", nil)
		return nil
	})
}
