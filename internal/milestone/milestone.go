// Package milestone is the milestone tracker: the lifecycle of the
// separately payable units of work inside an escrow.
package milestone

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/smartescrow/internal/escrow"
	"github.com/mbd888/smartescrow/internal/idgen"
	"github.com/mbd888/smartescrow/internal/ledger"
	"github.com/mbd888/smartescrow/internal/money"
	"github.com/mbd888/smartescrow/internal/notify"
)

// MaxRating is the top of the quality scale.
const MaxRating = 5.0

// Event names the tracker change that fired a trigger.
type Event string

const (
	EventSubmitted Event = "submitted"
	EventApproved  Event = "approved"
	EventRated     Event = "rated"
)

// Trigger is told about committed milestone changes. The automation engine
// implements it to evaluate rules against the affected escrow.
type Trigger interface {
	MilestoneChanged(ctx context.Context, escrowID, milestoneID string, ev Event) error
}

// Service implements milestone operations.
type Service struct {
	runner  *escrow.Runner
	store   ledger.Store
	trigger Trigger
	logger  *slog.Logger
}

// NewService creates a milestone service.
func NewService(runner *escrow.Runner) *Service {
	return &Service{runner: runner, store: runner.Store(), logger: slog.Default()}
}

// WithTrigger sets the hook run after submissions, approvals and ratings.
func (s *Service) WithTrigger(t Trigger) *Service {
	s.trigger = t
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// ValidType reports whether t is a known milestone type.
func ValidType(t ledger.MilestoneType) bool {
	switch t {
	case ledger.MilestoneDeliverable, ledger.MilestoneTimeBased, ledger.MilestoneApproval, ledger.MilestoneConditional:
		return true
	}
	return false
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	Title              string               `json:"title"`
	Description        string               `json:"description"`
	Amount             string               `json:"amount"`
	Type               ledger.MilestoneType `json:"type"`
	OrderIndex         *int                 `json:"orderIndex"`
	DueDate            *time.Time           `json:"dueDate"`
	Deliverables       []ledger.Deliverable `json:"deliverables"`
	IsAutomated        bool                 `json:"isAutomated"`
	AutoReleaseEnabled bool                 `json:"autoReleaseEnabled"`
	ApprovalRequired   bool                 `json:"approvalRequired"`
}

// Create adds a milestone to a draft or active escrow. The milestone sum
// may never exceed the escrow total.
func (s *Service) Create(ctx context.Context, actor ledger.Actor, escrowID string, req CreateRequest) (*ledger.Milestone, error) {
	const op = "milestone.create"
	amount, ok := money.Parse(req.Amount)
	switch {
	case strings.TrimSpace(req.Title) == "":
		return nil, ledger.Validation(op, "title", "is required")
	case !ok || amount.Sign() <= 0:
		return nil, ledger.Validation(op, "amount", "must be a positive decimal amount")
	}
	if req.Type == "" {
		req.Type = ledger.MilestoneDeliverable
	}
	if !ValidType(req.Type) {
		return nil, ledger.Validation(op, "type", "unknown milestone type %q", req.Type)
	}
	if req.Deliverables == nil {
		req.Deliverables = []ledger.Deliverable{}
	}

	var created *ledger.Milestone
	_, err := s.runner.Run(ctx, escrowID, actor, op, func(u *escrow.Unit) error {
		if err := u.RequireClient(); err != nil {
			return err
		}
		if u.Escrow.Status != ledger.EscrowDraft {
			if err := u.RequireActive(); err != nil {
				return err
			}
		}
		allocated := u.Allocated()
		allocated.Add(allocated, amount)
		if allocated.Cmp(u.Total()) > 0 {
			return ledger.Validation(u.Op, "amount", "milestones would total %s, above the escrow total %s",
				money.Format(allocated), u.Escrow.TotalAmount)
		}

		order := 0
		for _, m := range u.Milestones() {
			if m.OrderIndex >= order {
				order = m.OrderIndex + 1
			}
		}
		if req.OrderIndex != nil {
			order = *req.OrderIndex
			for _, m := range u.Milestones() {
				if m.OrderIndex == order {
					return ledger.Validation(u.Op, "orderIndex", "position %d is taken by %s", order, m.ID)
				}
			}
		}

		created = &ledger.Milestone{
			ID:                 idgen.Next(idgen.Milestone),
			EscrowID:           u.Escrow.ID,
			OrderIndex:         order,
			Title:              strings.TrimSpace(req.Title),
			Description:        req.Description,
			Amount:             money.Format(amount),
			Status:             ledger.MilestonePending,
			Type:               req.Type,
			IsAutomated:        req.IsAutomated,
			AutoReleaseEnabled: req.AutoReleaseEnabled,
			ApprovalRequired:   req.ApprovalRequired,
			DueDate:            req.DueDate,
			Deliverables:       req.Deliverables,
			CreatedAt:          u.Now,
		}
		u.AddMilestone(created)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateRequest changes a pending milestone's terms. Nil fields are left
// alone.
type UpdateRequest struct {
	Title              *string               `json:"title"`
	Description        *string               `json:"description"`
	Amount             *string               `json:"amount"`
	DueDate            *time.Time            `json:"dueDate"`
	Deliverables       *[]ledger.Deliverable `json:"deliverables"`
	IsAutomated        *bool                 `json:"isAutomated"`
	AutoReleaseEnabled *bool                 `json:"autoReleaseEnabled"`
	ApprovalRequired   *bool                 `json:"approvalRequired"`
}

// Update edits a pending milestone. Amounts are fixed once the escrow has
// left draft.
func (s *Service) Update(ctx context.Context, actor ledger.Actor, id string, req UpdateRequest) (*ledger.Milestone, error) {
	return s.mutate(ctx, actor, id, "milestone.update", func(u *escrow.Unit, m *ledger.Milestone) error {
		if err := u.RequireClient(); err != nil {
			return err
		}
		if u.Escrow.Status != ledger.EscrowDraft {
			if err := u.RequireActive(); err != nil {
				return err
			}
		}
		if m.Status != ledger.MilestonePending {
			return ledger.InvalidTransition(u.Op, "milestone is %s; only pending milestones can be edited", m.Status)
		}
		if req.Amount != nil {
			if u.Escrow.Status != ledger.EscrowDraft {
				return ledger.InvalidTransition(u.Op, "milestone amounts are fixed once the escrow is active")
			}
			amount, ok := money.Parse(*req.Amount)
			if !ok || amount.Sign() <= 0 {
				return ledger.Validation(u.Op, "amount", "must be a positive decimal amount")
			}
			allocated := u.Allocated()
			allocated.Sub(allocated, money.Units(m.Amount))
			allocated.Add(allocated, amount)
			if allocated.Cmp(u.Total()) > 0 {
				return ledger.Validation(u.Op, "amount", "milestones would total %s, above the escrow total %s",
					money.Format(allocated), u.Escrow.TotalAmount)
			}
			m.Amount = money.Format(amount)
		}
		if req.Title != nil {
			if strings.TrimSpace(*req.Title) == "" {
				return ledger.Validation(u.Op, "title", "must not be empty")
			}
			m.Title = strings.TrimSpace(*req.Title)
		}
		if req.Description != nil {
			m.Description = *req.Description
		}
		if req.DueDate != nil {
			m.DueDate = req.DueDate
		}
		if req.Deliverables != nil {
			m.Deliverables = *req.Deliverables
		}
		if req.IsAutomated != nil {
			m.IsAutomated = *req.IsAutomated
		}
		if req.AutoReleaseEnabled != nil {
			m.AutoReleaseEnabled = *req.AutoReleaseEnabled
		}
		if req.ApprovalRequired != nil {
			m.ApprovalRequired = *req.ApprovalRequired
		}
		u.SaveMilestone(m)
		return nil
	})
}

// SubmitRequest carries the freelancer's delivery.
type SubmitRequest struct {
	Deliverables []ledger.Deliverable `json:"deliverables"`
	Notes        string               `json:"notes"`
}

// Submit hands a pending or rejected milestone in for review.
func (s *Service) Submit(ctx context.Context, actor ledger.Actor, id string, req SubmitRequest) (*ledger.Milestone, error) {
	m, err := s.mutate(ctx, actor, id, "milestone.submit", func(u *escrow.Unit, m *ledger.Milestone) error {
		if err := u.RequireFreelancer(); err != nil {
			return err
		}
		if err := u.RequireActive(); err != nil {
			return err
		}
		if err := u.MoveMilestone(m, ledger.MilestoneSubmitted); err != nil {
			return err
		}
		now := u.Now
		m.SubmittedAt = &now
		m.SubmissionNotes = req.Notes
		if len(req.Deliverables) > 0 {
			m.Deliverables = req.Deliverables
		}
		u.Notify(notify.TopicMilestoneSubmitted, []string{u.Escrow.ClientID}, req.Notes, map[string]any{"milestoneId": m.ID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.fire(ctx, m, EventSubmitted), nil
}

// Approve accepts a submitted milestone. Without an approval gate and with
// auto-release on, the payment is released in the same transition.
func (s *Service) Approve(ctx context.Context, actor ledger.Actor, id string) (*ledger.Milestone, error) {
	m, err := s.mutate(ctx, actor, id, "milestone.approve", func(u *escrow.Unit, m *ledger.Milestone) error {
		if err := u.RequireClient(); err != nil {
			return err
		}
		if err := u.RequireActive(); err != nil {
			return err
		}
		return Approve(u, m, false)
	})
	if err != nil {
		return nil, err
	}
	if m.Status == ledger.MilestoneCompleted {
		return m, nil
	}
	return s.fire(ctx, m, EventApproved), nil
}

// Approve applies an approval inside u. bypassSubmission lets automation
// approve a pending time-based milestone that was never submitted.
func Approve(u *escrow.Unit, m *ledger.Milestone, bypassSubmission bool) error {
	if bypassSubmission && m.Status == ledger.MilestonePending {
		if m.Type != ledger.MilestoneTimeBased {
			return ledger.InvalidTransition(u.Op, "only time-based milestones can be approved without submission")
		}
		m.SubmissionBypassed = true
		u.ForceMilestone(m, ledger.MilestoneApproved)
	} else if err := u.MoveMilestone(m, ledger.MilestoneApproved); err != nil {
		return err
	}
	now := u.Now
	m.ApprovedAt = &now
	u.Notify(notify.TopicMilestoneApproved, []string{u.Escrow.FreelancerID}, "", map[string]any{"milestoneId": m.ID})

	if !m.ApprovalRequired && m.AutoReleaseEnabled {
		return u.ReleaseMilestone(m)
	}
	return nil
}

// Reject sends a submitted milestone back to pending with a reason.
func (s *Service) Reject(ctx context.Context, actor ledger.Actor, id, reason string) (*ledger.Milestone, error) {
	return s.mutate(ctx, actor, id, "milestone.reject", func(u *escrow.Unit, m *ledger.Milestone) error {
		if err := u.RequireClient(); err != nil {
			return err
		}
		if strings.TrimSpace(reason) == "" {
			return ledger.Validation(u.Op, "reason", "is required")
		}
		if err := u.RequireActive(); err != nil {
			return err
		}
		if m.Status != ledger.MilestoneSubmitted {
			return ledger.InvalidTransition(u.Op, "milestone is %s, not submitted", m.Status)
		}
		if err := u.MoveMilestone(m, ledger.MilestonePending); err != nil {
			return err
		}
		now := u.Now
		m.RejectionReason = strings.TrimSpace(reason)
		m.RejectedAt = &now
		m.RejectionCount++
		u.Notify(notify.TopicMilestoneRejected, []string{u.Escrow.FreelancerID}, m.RejectionReason, map[string]any{
			"milestoneId":    m.ID,
			"rejectionCount": m.RejectionCount,
		})
		return nil
	})
}

// Rate records the client's quality rating, 0 to MaxRating.
func (s *Service) Rate(ctx context.Context, actor ledger.Actor, id string, rating float64) (*ledger.Milestone, error) {
	m, err := s.mutate(ctx, actor, id, "milestone.rate", func(u *escrow.Unit, m *ledger.Milestone) error {
		if err := u.RequireClient(); err != nil {
			return err
		}
		if rating < 0 || rating > MaxRating {
			return ledger.Validation(u.Op, "rating", "must be between 0 and %.0f", MaxRating)
		}
		if err := u.RequireActive(); err != nil {
			return err
		}
		switch m.Status {
		case ledger.MilestoneSubmitted, ledger.MilestoneApproved, ledger.MilestoneCompleted:
		default:
			return ledger.InvalidTransition(u.Op, "milestone is %s; only delivered work can be rated", m.Status)
		}
		r := rating
		m.QualityRating = &r
		u.SaveMilestone(m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.Status == ledger.MilestoneCompleted {
		return m, nil
	}
	return s.fire(ctx, m, EventRated), nil
}

// Release pays an approved milestone.
func (s *Service) Release(ctx context.Context, actor ledger.Actor, id string) (*ledger.Milestone, error) {
	return s.mutate(ctx, actor, id, "milestone.release", func(u *escrow.Unit, m *ledger.Milestone) error {
		if err := u.RequireClient(); err != nil {
			return err
		}
		if err := u.RequireActive(); err != nil {
			return err
		}
		return u.ReleaseMilestone(m)
	})
}

// Get returns a milestone.
func (s *Service) Get(ctx context.Context, id string) (*ledger.Milestone, error) {
	return s.store.GetMilestone(ctx, id)
}

// List returns an escrow's milestones in position order.
func (s *Service) List(ctx context.Context, escrowID string) ([]*ledger.Milestone, error) {
	if _, err := s.store.GetEscrow(ctx, escrowID); err != nil {
		return nil, err
	}
	ms, err := s.store.ListMilestones(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].OrderIndex < ms[j].OrderIndex })
	return ms, nil
}

// mutate runs fn against the working copy of milestone id and returns the
// committed milestone.
func (s *Service) mutate(ctx context.Context, actor ledger.Actor, id, op string, fn func(*escrow.Unit, *ledger.Milestone) error) (*ledger.Milestone, error) {
	cur, err := s.store.GetMilestone(ctx, id)
	if err != nil {
		return nil, err
	}
	var out *ledger.Milestone
	_, err = s.runner.Run(ctx, cur.EscrowID, actor, op, func(u *escrow.Unit) error {
		m, err := u.Milestone(id)
		if err != nil {
			return err
		}
		if err := fn(u, m); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// fire runs the trigger and returns the milestone as it stands afterwards.
func (s *Service) fire(ctx context.Context, m *ledger.Milestone, ev Event) *ledger.Milestone {
	if s.trigger == nil {
		return m
	}
	if err := s.trigger.MilestoneChanged(ctx, m.EscrowID, m.ID, ev); err != nil {
		s.logger.Warn("automation trigger failed", "escrow_id", m.EscrowID, "milestone_id", m.ID, "event", ev, "error", err)
		return m
	}
	if fresh, err := s.store.GetMilestone(ctx, m.ID); err == nil {
		return fresh
	}
	return m
}
