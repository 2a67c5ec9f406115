package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/smartescrow/internal/ledger"
	"github.com/mbd888/smartescrow/internal/logging"
	"github.com/mbd888/smartescrow/internal/metrics"
	"github.com/mbd888/smartescrow/internal/notify"
	"github.com/mbd888/smartescrow/internal/retry"
	"github.com/mbd888/smartescrow/internal/settlement"
	"github.com/mbd888/smartescrow/internal/syncutil"
	"github.com/mbd888/smartescrow/internal/traces"
)

// LeaseKey is the lease serialising every mutation of one escrow.
func LeaseKey(escrowID string) string { return "escrow:" + escrowID }

// Runner executes escrow transitions. Each run holds the escrow's lease,
// works on fresh copies of its state, settles queued payouts and commits
// everything with one versioned batch. Version conflicts re-run the whole
// unit; payouts carry deterministic idempotency keys so a re-run never
// moves funds twice.
type Runner struct {
	store     ledger.Store
	settler   settlement.Settler
	publisher notify.Publisher
	leases    *syncutil.Leases
	attempts  int
	logger    *slog.Logger
	now       func() time.Time
}

// NewRunner creates a runner. A nil publisher drops notifications.
func NewRunner(store ledger.Store, settler settlement.Settler, publisher notify.Publisher, leases *syncutil.Leases) *Runner {
	if publisher == nil {
		publisher = notify.Noop{}
	}
	if leases == nil {
		leases = syncutil.NewLeases(5 * time.Second)
	}
	return &Runner{
		store:     store,
		settler:   settler,
		publisher: publisher,
		leases:    leases,
		attempts:  3,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithLogger sets the logger.
func (r *Runner) WithLogger(l *slog.Logger) *Runner {
	r.logger = l
	return r
}

// WithAttempts sets how many times a unit runs before a version conflict
// is returned to the caller.
func (r *Runner) WithAttempts(n int) *Runner {
	if n > 0 {
		r.attempts = n
	}
	return r
}

// WithClock replaces the time source.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Store returns the underlying store.
func (r *Runner) Store() ledger.Store { return r.store }

// Leases returns the lease registry shared by every escrow mutation.
func (r *Runner) Leases() *syncutil.Leases { return r.leases }

// Now returns the runner's current time.
func (r *Runner) Now() time.Time { return r.now() }

// Create commits a new escrow with optional initial milestones.
func (r *Runner) Create(ctx context.Context, actor ledger.Actor, e *ledger.Escrow, ms []*ledger.Milestone) (err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.create", traces.EscrowID(e.ID), traces.Actor(actor.ID))
	defer func() { traces.End(span, err) }()

	e.CreatedAt = r.now()
	e.UpdatedAt = e.CreatedAt
	u := newUnit(ctx, actor, "escrow.create", e.CreatedAt, e, nil, nil)
	for _, m := range ms {
		m.CreatedAt = u.Now
		u.AddMilestone(m)
	}
	u.Audit("escrow.created", "", map[string]any{"totalAmount": e.TotalAmount, "currency": e.Currency})
	u.Notify(notify.TopicEscrowCreated, u.Parties(), "", map[string]any{"title": e.Title})

	b := ledger.NewBatch().CreateEscrow(e)
	r.fill(b, u)
	if err := r.store.Commit(ctx, b); err != nil {
		return err
	}
	e.Version = 1
	r.observe(u)
	r.publish(ctx, u)
	return nil
}

// Run executes fn as one transition of the escrow and returns the committed
// escrow. If fn changes nothing, no write happens.
func (r *Runner) Run(ctx context.Context, escrowID string, actor ledger.Actor, op string, fn func(*Unit) error) (_ *ledger.Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, op, traces.EscrowID(escrowID), traces.Actor(actor.ID), traces.Operation(op))
	defer func() { traces.End(span, err) }()

	release, err := r.leases.Acquire(ctx, LeaseKey(escrowID))
	if err != nil {
		if errors.Is(err, syncutil.ErrLeaseTimeout) {
			metrics.ConcurrencyConflictsTotal.WithLabelValues(op).Inc()
			return nil, ledger.Conflict(op, "escrow %s is busy, retry later", escrowID)
		}
		return nil, err
	}
	defer release()

	var (
		done      *Unit
		unsettled *Unit // settled payouts whose commit failed
	)
	policy := retry.Policy{
		Attempts:  r.attempts,
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  200 * time.Millisecond,
		Retryable: ledger.Retryable,
		OnRetry: func(attempt int, err error) {
			metrics.ConcurrencyConflictsTotal.WithLabelValues(op).Inc()
			logging.L(ctx).Debug("retrying escrow unit", "op", op, "escrow_id", escrowID, "attempt", attempt, "error", err)
		},
	}
	err = policy.Do(ctx, func(int) error {
		u, err := r.load(ctx, escrowID, actor, op)
		if err != nil {
			return retry.Permanent(err)
		}
		if err := fn(u); err != nil {
			return retry.Permanent(err)
		}
		if !u.changed() {
			done = u
			return nil
		}
		if err := r.settle(ctx, u); err != nil {
			return retry.Permanent(err)
		}
		if err := r.commit(ctx, u); err != nil {
			if len(u.payouts) > 0 {
				unsettled = u
			}
			return err
		}
		unsettled = nil
		done = u
		return nil
	})
	if err != nil {
		if unsettled != nil && !errors.Is(err, ledger.ErrSettlement) {
			r.critical(ctx, unsettled, err)
			return nil, fmt.Errorf("%s: settled payouts were not recorded: %w", op, err)
		}
		return nil, err
	}
	if done.changed() {
		r.observe(done)
		r.publish(ctx, done)
	}
	return done.Escrow, nil
}

func (r *Runner) load(ctx context.Context, escrowID string, actor ledger.Actor, op string) (*Unit, error) {
	e, err := r.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	ms, err := r.store.ListMilestones(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	ds, err := r.store.ListDisputes(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	return newUnit(ctx, actor, op, r.now(), e, ms, ds), nil
}

// settle executes queued payouts in order. The first failure stops the
// unit; only the failed transaction is recorded.
func (r *Runner) settle(ctx context.Context, u *Unit) error {
	for i, tx := range u.payouts {
		res, err := r.settler.Settle(ctx, settlement.Request{
			IdempotencyKey:   tx.IdempotencyKey,
			EscrowID:         tx.EscrowID,
			MilestoneID:      tx.MilestoneID,
			Type:             tx.Type,
			Amount:           tx.Amount,
			Currency:         tx.Currency,
			Recipient:        tx.Recipient,
			FundingReference: u.Escrow.FundingReference,
		})
		if err == nil {
			tx.SettlementRef = res.Reference
			continue
		}

		failed := tx.Clone()
		failed.Status = ledger.TxFailed
		failed.Error = err.Error()
		recordCtx := context.WithoutCancel(ctx)
		if cerr := r.store.Commit(recordCtx, ledger.NewBatch().AppendTransaction(failed)); cerr != nil {
			r.logger.Error("failed to record failed transaction",
				"escrow_id", tx.EscrowID, "transaction_id", tx.ID, "error", cerr)
		}
		metrics.TransactionsTotal.WithLabelValues(string(tx.Type), string(ledger.TxFailed)).Inc()
		if i > 0 {
			r.logger.Warn("settlement failed after earlier payouts in the same transition settled",
				"escrow_id", tx.EscrowID, "op", u.Op, "settled", i, "idempotency_key", tx.IdempotencyKey)
		}
		_ = r.publisher.Publish(recordCtx, &notify.Message{
			ID:         failed.ID,
			Topic:      notify.TopicSettlementFailed,
			EscrowID:   tx.EscrowID,
			Recipients: u.Parties(),
			Data:       map[string]any{"transactionId": failed.ID, "type": failed.Type, "amount": failed.Amount},
			CreatedAt:  u.Now,
		})
		return ledger.SettlementFailed(u.Op, err)
	}
	return nil
}

func (r *Runner) commit(ctx context.Context, u *Unit) error {
	u.Escrow.UpdatedAt = u.Now
	b := ledger.NewBatch().UpdateEscrow(u.Escrow, u.version)
	r.fill(b, u)

	err := r.store.Commit(ctx, b)
	if err == nil || len(u.payouts) == 0 || ledger.Retryable(err) {
		if err == nil {
			u.Escrow.Version = u.version + 1
		}
		return err
	}
	// Funds already moved. One more try before giving up.
	if err2 := r.store.Commit(context.WithoutCancel(ctx), b); err2 != nil {
		return err2
	}
	u.Escrow.Version = u.version + 1
	return nil
}

func (r *Runner) fill(b *ledger.Batch, u *Unit) {
	for _, m := range u.milestones {
		if u.dirtyMs[m.ID] {
			b.PutMilestone(m)
		}
	}
	for _, d := range u.disputes {
		if u.dirtyDsp[d.ID] {
			b.PutDispute(d)
		}
	}
	for _, tx := range u.payouts {
		b.AppendTransaction(tx)
	}
	for _, ev := range u.events {
		b.AppendEvent(ev)
	}
	for _, a := range u.audits {
		b.AppendAudit(a)
	}
}

func (r *Runner) critical(ctx context.Context, u *Unit, err error) {
	ids := make([]string, 0, len(u.payouts))
	for _, tx := range u.payouts {
		ids = append(ids, tx.ID+"="+tx.SettlementRef)
	}
	logging.L(ctx).Error("CRITICAL: funds settled but ledger commit failed, manual reconciliation required",
		"escrow_id", u.Escrow.ID, "op", u.Op, "transactions", ids, "error", err)
}

func (r *Runner) observe(u *Unit) {
	for _, mv := range u.escrowMoves {
		metrics.EscrowTransitionsTotal.WithLabelValues(mv[0], mv[1]).Inc()
	}
	for _, mv := range u.milestoneMoves {
		metrics.MilestoneTransitionsTotal.WithLabelValues(mv[0], mv[1]).Inc()
	}
	for _, s := range u.disputeMoves {
		metrics.DisputesTotal.WithLabelValues(s).Inc()
	}
	for _, tx := range u.payouts {
		metrics.TransactionsTotal.WithLabelValues(string(tx.Type), string(tx.Status)).Inc()
	}
}

func (r *Runner) publish(ctx context.Context, u *Unit) {
	ctx = context.WithoutCancel(ctx)
	for _, msg := range u.messages {
		if err := r.publisher.Publish(ctx, msg); err != nil {
			logging.L(ctx).Warn("notification publish failed", "topic", msg.Topic, "escrow_id", msg.EscrowID, "error", err)
		}
	}
}

// RecordEvents appends automation events outside any escrow transition.
func (r *Runner) RecordEvents(ctx context.Context, events ...*ledger.AutomationEvent) error {
	b := ledger.NewBatch()
	for _, ev := range events {
		b.AppendEvent(ev)
	}
	if b.Empty() {
		return nil
	}
	return r.store.Commit(ctx, b)
}

// RecordAudit appends an audit record not tied to an escrow transition,
// such as a rule or settings change.
func (r *Runner) RecordAudit(ctx context.Context, rec *ledger.AuditRecord) error {
	return r.store.Commit(ctx, ledger.NewBatch().AppendAudit(rec))
}
