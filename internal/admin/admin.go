// Package admin applies operator overrides to escrows: bulk freeze, unfreeze
// and force-complete, and a single-escrow state override.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/smartescrow/internal/escrow"
	"github.com/mbd888/smartescrow/internal/ledger"
	"github.com/mbd888/smartescrow/internal/metrics"
	"github.com/mbd888/smartescrow/internal/notify"
	"github.com/mbd888/smartescrow/internal/traces"
)

// Bulk actions.
const (
	ActionFreeze        = "freeze"
	ActionUnfreeze      = "unfreeze"
	ActionForceComplete = "force_complete"
)

// MaxBulkItems caps the escrows one bulk request may name.
const MaxBulkItems = 500

// BulkRequest names one action applied to many escrows.
type BulkRequest struct {
	Action    string   `json:"action"`
	EscrowIDs []string `json:"escrowIds"`
	Reason    string   `json:"reason"`
}

// ItemResult is the outcome for one escrow of a bulk request.
type ItemResult struct {
	EscrowID string              `json:"escrowId"`
	OK       bool                `json:"ok"`
	Status   ledger.EscrowStatus `json:"status,omitempty"`
	Code     string              `json:"code,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// BulkResult lists per-item outcomes in request order.
type BulkResult struct {
	Action    string        `json:"action"`
	Results   []ItemResult  `json:"results"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"durationNs"`
}

// MilestoneOverride sets one milestone's status.
type MilestoneOverride struct {
	ID     string                 `json:"id"`
	Status ledger.MilestoneStatus `json:"status"`
}

// OverrideRequest describes a direct state override of one escrow. Nil
// fields are left alone.
type OverrideRequest struct {
	Status            *ledger.EscrowStatus `json:"status"`
	AutomationEnabled *bool                `json:"automationEnabled"`
	Milestones        []MilestoneOverride  `json:"milestones"`
	Reason            string               `json:"reason"`
}

// Operator runs administrative operations through the escrow runner, so
// they take the same per-escrow leases as every other caller.
type Operator struct {
	escrows     *escrow.Service
	runner      *escrow.Runner
	concurrency int
	logger      *slog.Logger
}

// NewOperator creates an operator over the escrow service.
func NewOperator(escrows *escrow.Service) *Operator {
	return &Operator{
		escrows:     escrows,
		runner:      escrows.Runner(),
		concurrency: 8,
		logger:      slog.Default(),
	}
}

// WithConcurrency bounds how many escrows a bulk request works on at once.
func (o *Operator) WithConcurrency(n int) *Operator {
	if n > 0 {
		o.concurrency = n
	}
	return o
}

// WithLogger sets the logger.
func (o *Operator) WithLogger(l *slog.Logger) *Operator {
	o.logger = l
	return o
}

// Bulk applies req.Action to every escrow independently. A failure on one
// escrow neither stops nor rolls back the others; the returned result
// always lists every requested id.
func (o *Operator) Bulk(ctx context.Context, actor ledger.Actor, req BulkRequest) (*BulkResult, error) {
	const op = "admin.bulk"
	ctx, span := traces.StartSpan(ctx, "admin.Bulk", traces.Operation(req.Action))
	defer span.End()

	if !actor.Privileged() {
		return nil, ledger.Unauthorized(op, "only operators may run bulk operations")
	}
	apply, err := o.action(req.Action)
	if err != nil {
		return nil, err
	}
	switch {
	case len(req.EscrowIDs) == 0:
		return nil, ledger.Validation(op, "escrowIds", "at least one escrow is required")
	case len(req.EscrowIDs) > MaxBulkItems:
		return nil, ledger.Validation(op, "escrowIds", "at most %d escrows per request", MaxBulkItems)
	case strings.TrimSpace(req.Reason) == "" && req.Action != ActionUnfreeze:
		return nil, ledger.Validation(op, "reason", "is required")
	}

	start := time.Now()
	res := &BulkResult{Action: req.Action, Results: make([]ItemResult, len(req.EscrowIDs))}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i, id := range req.EscrowIDs {
		res.Results[i].EscrowID = id
		g.Go(func() error {
			item := &res.Results[i]
			if err := gctx.Err(); err != nil {
				item.fail(err)
				return nil
			}
			e, err := apply(gctx, actor, id, req.Reason)
			if err != nil {
				item.fail(err)
				return nil
			}
			item.OK = true
			item.Status = e.Status
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range res.Results {
		outcome := "success"
		if r.OK {
			res.Succeeded++
		} else {
			res.Failed++
			outcome = "failure"
		}
		metrics.AdminOperationsTotal.WithLabelValues(req.Action, outcome).Inc()
	}
	res.Duration = time.Since(start)
	o.logger.Info("bulk operation finished",
		"action", req.Action,
		"actor", actor.ID,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"duration", res.Duration,
	)
	return res, nil
}

type applyFunc func(ctx context.Context, actor ledger.Actor, id, reason string) (*ledger.Escrow, error)

func (o *Operator) action(name string) (applyFunc, error) {
	switch name {
	case ActionFreeze:
		return o.escrows.Freeze, nil
	case ActionUnfreeze:
		return o.escrows.Unfreeze, nil
	case ActionForceComplete:
		return o.escrows.ForceComplete, nil
	}
	return nil, ledger.Validation("admin.bulk", "action", "unknown action %q", name)
}

func (r *ItemResult) fail(err error) {
	r.OK = false
	r.Code = ledger.Code(err)
	r.Error = err.Error()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		r.Code = "cancelled"
	}
}

// Override rewrites an escrow's status, automation flag or milestone
// statuses directly. Money never moves: the escrow may only be set to
// active or frozen, completed milestones are left as they are and nothing
// can be set to completed. Every override is audited.
func (o *Operator) Override(ctx context.Context, actor ledger.Actor, id string, req OverrideRequest) (*ledger.Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "admin.Override", traces.EscrowID(id))
	defer span.End()

	e, err := o.runner.Run(ctx, id, actor, "admin.override", func(u *escrow.Unit) error {
		if err := u.RequirePrivileged(); err != nil {
			return err
		}
		if strings.TrimSpace(req.Reason) == "" {
			return ledger.Validation(u.Op, "reason", "is required")
		}
		if req.Status == nil && req.AutomationEnabled == nil && len(req.Milestones) == 0 {
			return ledger.Validation(u.Op, "", "nothing to override")
		}
		if u.Escrow.Status.IsTerminal() {
			return ledger.InvalidTransition(u.Op, "escrow is %s", u.Escrow.Status)
		}

		before := map[string]any{"status": u.Escrow.Status, "automationEnabled": u.Escrow.AutomationEnabled}
		milestones := make(map[string][2]ledger.MilestoneStatus)

		for i, mo := range req.Milestones {
			m, err := u.Milestone(mo.ID)
			if err != nil {
				return err
			}
			switch mo.Status {
			case ledger.MilestonePending, ledger.MilestoneSubmitted, ledger.MilestoneApproved, ledger.MilestoneRejected:
			default:
				return ledger.Validation(u.Op, fieldf("milestones", i), "status %q cannot be set by override", mo.Status)
			}
			if m.Status == ledger.MilestoneCompleted {
				return ledger.InvalidTransition(u.Op, "milestone %s is completed and paid", m.ID)
			}
			milestones[m.ID] = [2]ledger.MilestoneStatus{m.Status, mo.Status}
			u.ForceMilestone(m, mo.Status)
		}

		if req.Status != nil && *req.Status != u.Escrow.Status {
			switch *req.Status {
			case ledger.EscrowActive, ledger.EscrowFrozen:
			default:
				return ledger.Validation(u.Op, "status", "status %q cannot be set by override", *req.Status)
			}
			switch {
			case u.Escrow.Status == ledger.EscrowDisputeRaised || u.BlockingDispute() != nil:
				return ledger.Frozen(u.Op, ledger.HoldDisputeReview)
			case u.Escrow.Status != ledger.EscrowActive && u.Escrow.Status != ledger.EscrowFrozen:
				return ledger.InvalidTransition(u.Op, "escrow is %s; status overrides need active or frozen", u.Escrow.Status)
			}
			u.ForceTransition(*req.Status)
			if *req.Status == ledger.EscrowFrozen {
				u.Escrow.HoldReason = req.Reason
				u.Escrow.HeldBy = u.Actor.ID
			}
		}

		if req.AutomationEnabled != nil && *req.AutomationEnabled != u.Escrow.AutomationEnabled {
			u.Escrow.AutomationEnabled = *req.AutomationEnabled
			u.Touch()
		}

		u.Audit("escrow.overridden", req.Reason, map[string]any{
			"before":            before,
			"status":            u.Escrow.Status,
			"automationEnabled": u.Escrow.AutomationEnabled,
			"milestones":        milestones,
		})
		u.Notify(notify.TopicEscrowOverridden, u.Parties(), req.Reason, nil)
		return nil
	})
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.AdminOperationsTotal.WithLabelValues("override", outcome).Inc()
	return e, err
}

func fieldf(name string, i int) string {
	return fmt.Sprintf("%s[%d]", name, i)
}
