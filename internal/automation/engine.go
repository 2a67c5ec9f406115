// Package automation evaluates platform rules against escrows and their
// milestones and executes the matching actions.
//
// The engine runs in two modes. Triggered evaluation follows a milestone
// change on one escrow; sweeps visit every automation-enabled active escrow
// in parallel. Either way each rule's action list runs as one escrow unit,
// so a failing action discards only that rule's own work, and every attempt
// that got past its conditions leaves exactly one AutomationEvent.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/smartescrow/internal/escrow"
	"github.com/mbd888/smartescrow/internal/idgen"
	"github.com/mbd888/smartescrow/internal/ledger"
	"github.com/mbd888/smartescrow/internal/logging"
	"github.com/mbd888/smartescrow/internal/metrics"
	"github.com/mbd888/smartescrow/internal/milestone"
	"github.com/mbd888/smartescrow/internal/syncutil"
	"github.com/mbd888/smartescrow/internal/traces"
)

// Triggers recorded on events and reports.
const (
	TriggerSweep  = "sweep"
	TriggerManual = "manual"
)

const (
	defaultConcurrency  = 8
	defaultSweepTimeout = 2 * time.Minute
)

var (
	errSkipped = errors.New("automation: conditions not met")
	errDeduped = errors.New("automation: target unchanged since last run")
	errStopped = errors.New("automation: escrow no longer active")
)

// Actor is the identity automation acts as.
var Actor = ledger.System("automation")

// LeaseKey serializes rule execution on one escrow.
func LeaseKey(escrowID string) string { return "automation:" + escrowID }

// Engine is the automation rule engine.
type Engine struct {
	runner      *escrow.Runner
	store       ledger.Store
	leases      *syncutil.Leases
	concurrency int
	timeout     time.Duration
	logger      *slog.Logger
}

var _ milestone.Trigger = (*Engine)(nil)

// NewEngine creates an engine that executes through runner.
func NewEngine(runner *escrow.Runner) *Engine {
	return &Engine{
		runner:      runner,
		store:       runner.Store(),
		leases:      runner.Leases(),
		concurrency: defaultConcurrency,
		timeout:     defaultSweepTimeout,
		logger:      slog.Default(),
	}
}

// WithLogger sets the engine logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// WithConcurrency bounds how many escrows a sweep processes at once.
func (e *Engine) WithConcurrency(n int) *Engine {
	if n > 0 {
		e.concurrency = n
	}
	return e
}

// WithSweepTimeout sets the overall deadline of one sweep pass.
func (e *Engine) WithSweepTimeout(d time.Duration) *Engine {
	if d > 0 {
		e.timeout = d
	}
	return e
}

// Report summarizes one evaluation pass.
type Report struct {
	Trigger   string        `json:"trigger"`
	Disabled  bool          `json:"disabled,omitempty"`
	Escrows   int           `json:"escrows"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Deduped   int           `json:"deduped"`
	Abandoned int           `json:"abandoned"`
	TimedOut  bool          `json:"timedOut,omitempty"`
	Errors    []EscrowError `json:"errors,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"durationNs"`
}

// EscrowError is an escrow a pass could not evaluate at all.
type EscrowError struct {
	EscrowID string `json:"escrowId"`
	Error    string `json:"error"`
}

func (r *Report) merge(o *Report) {
	r.Escrows += o.Escrows
	r.Succeeded += o.Succeeded
	r.Failed += o.Failed
	r.Skipped += o.Skipped
	r.Deduped += o.Deduped
	r.Abandoned += o.Abandoned
	r.Errors = append(r.Errors, o.Errors...)
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeSkipped
	outcomeDeduped
	outcomeAbandoned
	outcomeStopped
)

var outcomeLabels = map[outcome]string{
	outcomeSucceeded: "success",
	outcomeFailed:    "failed",
	outcomeSkipped:   "skipped",
	outcomeDeduped:   "deduped",
	outcomeAbandoned: "abandoned",
	outcomeStopped:   "skipped",
}

func (r *Report) count(o outcome) {
	switch o {
	case outcomeSucceeded:
		r.Succeeded++
	case outcomeFailed:
		r.Failed++
	case outcomeSkipped, outcomeStopped:
		r.Skipped++
	case outcomeDeduped:
		r.Deduped++
	case outcomeAbandoned:
		r.Abandoned++
	}
}

// snapshot is the configuration one pass evaluates with. Rule and settings
// changes made while a pass runs apply to the next one.
type snapshot struct {
	enabled bool
	rules   []*compiled
}

func (e *Engine) snapshot(ctx context.Context) (*snapshot, error) {
	settings, err := e.store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("automation: load settings: %w", err)
	}
	if !settings.AutomationEnabled {
		return &snapshot{}, nil
	}
	rules, err := e.store.ListRules(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("automation: load rules: %w", err)
	}
	s := &snapshot{enabled: true}
	for _, r := range rules {
		c, err := compile(r)
		if err != nil {
			e.logger.Warn("skipping invalid automation rule", "rule_id", r.ID, "error", err)
			continue
		}
		s.rules = append(s.rules, c)
	}
	return s, nil
}

// scoped returns the rules of the given types that apply to escrowID, in
// priority order.
func (s *snapshot) scoped(escrowID string, types []string) []*compiled {
	var out []*compiled
	for _, c := range s.rules {
		if c.rule.EscrowID != "" && c.rule.EscrowID != escrowID {
			continue
		}
		for _, t := range types {
			if c.rule.Type == t {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// TypesFor returns the rule types a milestone event evaluates.
func TypesFor(ev milestone.Event) []string {
	switch ev {
	case milestone.EventSubmitted:
		return []string{TypeMilestoneCompletion, TypeQualityThreshold, TypeConditional}
	case milestone.EventApproved:
		return []string{TypeMilestoneCompletion, TypeConditional}
	case milestone.EventRated:
		return []string{TypeQualityThreshold, TypeConditional}
	}
	return nil
}

// MilestoneChanged evaluates the escrow after a milestone change. Rule
// failures are recorded as events; only failures to evaluate at all are
// returned.
func (e *Engine) MilestoneChanged(ctx context.Context, escrowID, milestoneID string, ev milestone.Event) error {
	types := TypesFor(ev)
	if len(types) == 0 {
		return nil
	}
	snap, err := e.snapshot(ctx)
	if err != nil {
		return err
	}
	if !snap.enabled {
		return nil
	}
	es, err := e.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return err
	}
	if !es.AutomationEnabled || es.Status != ledger.EscrowActive {
		return nil
	}
	rep, err := e.process(ctx, snap, escrowID, types, "milestone."+string(ev))
	if err != nil {
		return err
	}
	if rep.Failed > 0 {
		logging.L(ctx).Warn("automation rules failed after milestone change",
			"escrow_id", escrowID, "milestone_id", milestoneID, "event", ev, "failed", rep.Failed)
	}
	return nil
}

// ProcessEscrow evaluates every rule type against one escrow on demand.
func (e *Engine) ProcessEscrow(ctx context.Context, actor ledger.Actor, escrowID string) (*Report, error) {
	const op = "automation.process_escrow"
	if !actor.Privileged() {
		return nil, ledger.Unauthorized(op, "only operators may run automation")
	}
	start := time.Now()
	snap, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if !snap.enabled {
		return &Report{Trigger: TriggerManual, Disabled: true, StartedAt: start}, nil
	}
	es, err := e.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if !es.AutomationEnabled {
		return nil, ledger.Validation(op, "automationEnabled", "automation is disabled for escrow %s", escrowID)
	}
	switch es.Status {
	case ledger.EscrowActive:
	case ledger.EscrowFrozen:
		return nil, ledger.Frozen(op, ledger.HoldAdministrative)
	case ledger.EscrowDisputeRaised:
		return nil, ledger.Frozen(op, ledger.HoldDisputeReview)
	default:
		return nil, ledger.InvalidTransition(op, "escrow is %s, not active", es.Status)
	}
	rep, err := e.process(ctx, snap, escrowID, AllTypes, TriggerManual)
	if err != nil {
		return nil, err
	}
	rep.StartedAt = start
	rep.Duration = time.Since(start)
	return rep, nil
}

// Sweep evaluates every automation-enabled active escrow under the sweep
// deadline. Escrows that were not committed when the deadline passed are
// abandoned and picked up by the next sweep.
func (e *Engine) Sweep(ctx context.Context, trigger string) (_ *Report, err error) {
	start := time.Now()
	ctx, span := traces.StartSpan(ctx, "automation.sweep", traces.Operation(trigger))
	defer func() { traces.End(span, err) }()
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	total := &Report{Trigger: trigger, StartedAt: start}
	snap, err := e.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	if !snap.enabled {
		total.Disabled = true
		e.logger.Debug("automation sweep skipped, automation disabled")
		return total, nil
	}

	enabled := true
	escrows, err := e.store.ListEscrows(ctx, ledger.EscrowFilter{
		Statuses:          []ledger.EscrowStatus{ledger.EscrowActive},
		AutomationEnabled: &enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("automation: list escrows: %w", err)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.concurrency)
	started := 0
	for _, es := range escrows {
		if ctx.Err() != nil {
			break
		}
		started++
		g.Go(func() error {
			rep, err := e.process(ctx, snap, es.ID, AllTypes, trigger)
			result := "ok"
			switch {
			case err != nil:
				result = "error"
				rep = &Report{Escrows: 1, Errors: []EscrowError{{EscrowID: es.ID, Error: err.Error()}}}
			case rep.Failed > 0:
				result = "partial"
			}
			metrics.SweepEscrowsTotal.WithLabelValues(result).Inc()
			mu.Lock()
			total.merge(rep)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	// Escrows the deadline kept from starting still count toward the pass.
	if unstarted := len(escrows) - started; unstarted > 0 {
		total.Escrows += unstarted
		total.Abandoned += unstarted
	}

	total.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
	total.Duration = time.Since(start)
	metrics.SweepDuration.Observe(total.Duration.Seconds())
	e.logger.Info("automation sweep finished",
		"trigger", trigger,
		"escrows", total.Escrows,
		"succeeded", total.Succeeded,
		"failed", total.Failed,
		"skipped", total.Skipped,
		"deduped", total.Deduped,
		"abandoned", total.Abandoned,
		"timed_out", total.TimedOut,
		"duration", total.Duration,
	)
	return total, nil
}

// process evaluates the scoped rules against one escrow. Candidates are
// the escrow itself, for escrow-level rules, then each milestone in order.
// Rules run strictly one after another under the escrow's automation lease.
func (e *Engine) process(ctx context.Context, snap *snapshot, escrowID string, types []string, trigger string) (*Report, error) {
	rules := snap.scoped(escrowID, types)
	rep := &Report{Trigger: trigger, Escrows: 1}
	if len(rules) == 0 {
		return rep, nil
	}
	ctx = logging.With(ctx, "trigger", trigger)

	release, err := e.leases.Acquire(ctx, LeaseKey(escrowID))
	if err != nil {
		if errors.Is(err, syncutil.ErrLeaseTimeout) {
			return nil, ledger.Conflict("automation.process", "automation is already running on escrow %s", escrowID)
		}
		return nil, err
	}
	defer release()

	ms, err := e.store.ListMilestones(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	candidates := make([]string, 0, len(ms)+1)
	candidates = append(candidates, "")
	for _, m := range ms {
		candidates = append(candidates, m.ID)
	}

	for _, target := range candidates {
		for _, c := range rules {
			if c.escrowOnly != (target == "") {
				continue
			}
			if ctx.Err() != nil {
				rep.Abandoned++
				continue
			}
			o := e.evaluate(ctx, c, escrowID, target, trigger)
			rep.count(o)
			if o == outcomeStopped {
				return rep, nil
			}
		}
	}
	return rep, nil
}

// evaluate runs one rule against one target as a single escrow unit.
func (e *Engine) evaluate(ctx context.Context, c *compiled, escrowID, milestoneID, trigger string) outcome {
	start := time.Now()
	targetID, targetKind := milestoneID, "milestone"
	if milestoneID == "" {
		targetID, targetKind = escrowID, "escrow"
	}
	ctx, span := traces.StartSpan(ctx, "automation.rule", traces.RuleID(c.rule.ID), traces.EscrowID(escrowID))
	var (
		fingerprint string
		ran         []string
	)
	event := func(success bool, errText, fp string, at time.Time) *ledger.AutomationEvent {
		return &ledger.AutomationEvent{
			ID:          idgen.Next(idgen.Event),
			RuleID:      c.rule.ID,
			RuleType:    c.rule.Type,
			EscrowID:    escrowID,
			TargetID:    targetID,
			TargetKind:  targetKind,
			Trigger:     trigger,
			Success:     success,
			Error:       errText,
			Actions:     append([]string{}, ran...),
			Fingerprint: fp,
			Duration:    time.Since(start),
			CreatedAt:   at,
		}
	}

	_, err := e.runner.Run(ctx, escrowID, Actor, "automation."+c.rule.Type, func(u *escrow.Unit) error {
		ran = nil
		if u.Escrow.Status.IsTerminal() {
			return errStopped
		}
		var (
			m     *ledger.Milestone
			facts Facts
		)
		if milestoneID == "" {
			facts = escrowFacts(u.Escrow)
		} else {
			var err error
			if m, err = u.Milestone(milestoneID); err != nil {
				return err
			}
			facts = milestoneFacts(u.Escrow, u.Milestones(), m, u.Now)
		}
		if !c.matches(facts) {
			return errSkipped
		}
		fingerprint = c.fingerprint(u.Escrow, m)
		last, err := e.store.LatestSuccessfulEvent(u.Ctx, c.rule.ID, targetID)
		if err != nil {
			return err
		}
		if last != nil && last.Fingerprint == fingerprint {
			return errDeduped
		}
		if err := u.RequireActive(); err != nil {
			return err
		}
		for _, a := range c.actions {
			ran = append(ran, a.kind)
			if err := execute(u, c.rule, a, m); err != nil {
				return ledger.ActionFailed(u.Op, a.kind, err)
			}
		}
		u.RecordEvent(event(true, "", c.fingerprint(u.Escrow, m), u.Now))
		return nil
	})

	o := outcomeSucceeded
	switch {
	case errors.Is(err, errSkipped):
		o, err = outcomeSkipped, nil
	case errors.Is(err, errDeduped):
		o, err = outcomeDeduped, nil
	case errors.Is(err, errStopped):
		o, err = outcomeStopped, nil
	case err != nil && ctx.Err() != nil:
		o = outcomeAbandoned
	case err != nil:
		o = outcomeFailed
		logging.L(ctx).Warn("automation rule failed",
			"rule_id", c.rule.ID, "escrow_id", escrowID, "target_id", targetID, "error", err)
		if rerr := e.runner.RecordEvents(context.WithoutCancel(ctx), event(false, err.Error(), fingerprint, e.runner.Now())); rerr != nil {
			logging.L(ctx).Error("failed to record automation event", "rule_id", c.rule.ID, "escrow_id", escrowID, "error", rerr)
		}
	default:
		if rerr := e.store.RecordRuleTrigger(context.WithoutCancel(ctx), c.rule.ID, e.runner.Now()); rerr != nil {
			logging.L(ctx).Warn("failed to record rule trigger", "rule_id", c.rule.ID, "error", rerr)
		}
	}
	metrics.AutomationEvaluationsTotal.WithLabelValues(c.rule.Type, outcomeLabels[o]).Inc()
	traces.End(span, err)
	return o
}
