package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists engine state in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store. The schema is managed
// by the goose migrations in /migrations.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// --- Escrows ---

const escrowColumns = `id, client_id, freelancer_id, project_id, title, description,
	total_amount, released_amount, refunded_amount, currency, status,
	funds_confirmed, funding_reference, automation_enabled, deadline, milestone_ids,
	hold_reason, held_by, archived, version, created_at, updated_at,
	funded_at, activated_at, frozen_at, completed_at, cancelled_at, archived_at`

func (p *PostgresStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("ledger.get_escrow", "escrow", id)
	}
	return e, err
}

func (p *PostgresStore) ListEscrows(ctx context.Context, f EscrowFilter) ([]*Escrow, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(pq.Array(statuses))+")")
	}
	if f.ClientID != "" {
		where = append(where, "client_id = "+arg(f.ClientID))
	}
	if f.FreelancerID != "" {
		where = append(where, "freelancer_id = "+arg(f.FreelancerID))
	}
	if f.AutomationEnabled != nil {
		where = append(where, "automation_enabled = "+arg(*f.AutomationEnabled))
	}
	if !f.IncludeArchived {
		where = append(where, "NOT archived")
	}

	query := `SELECT ` + escrowColumns + ` FROM escrows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		projectID, description, fundingRef, holdReason, heldBy sql.NullString
		status                                                 string
		deadline, fundedAt, activatedAt, frozenAt              sql.NullTime
		completedAt, cancelledAt, archivedAt                   sql.NullTime
		milestoneIDs                                           []byte
	)
	err := s.Scan(
		&e.ID, &e.ClientID, &e.FreelancerID, &projectID, &e.Title, &description,
		&e.TotalAmount, &e.ReleasedAmount, &e.RefundedAmount, &e.Currency, &status,
		&e.FundsConfirmed, &fundingRef, &e.AutomationEnabled, &deadline, &milestoneIDs,
		&holdReason, &heldBy, &e.Archived, &e.Version, &e.CreatedAt, &e.UpdatedAt,
		&fundedAt, &activatedAt, &frozenAt, &completedAt, &cancelledAt, &archivedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = EscrowStatus(status)
	e.ProjectID = projectID.String
	e.Description = description.String
	e.FundingReference = fundingRef.String
	e.HoldReason = holdReason.String
	e.HeldBy = heldBy.String
	e.Deadline = timePtr(deadline)
	e.FundedAt = timePtr(fundedAt)
	e.ActivatedAt = timePtr(activatedAt)
	e.FrozenAt = timePtr(frozenAt)
	e.CompletedAt = timePtr(completedAt)
	e.CancelledAt = timePtr(cancelledAt)
	e.ArchivedAt = timePtr(archivedAt)
	if len(milestoneIDs) > 0 {
		if err := json.Unmarshal(milestoneIDs, &e.MilestoneIDs); err != nil {
			return nil, fmt.Errorf("decode milestone_ids for %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func insertEscrow(ctx context.Context, x execer, e *Escrow) error {
	ids, err := jsonArray(e.MilestoneIDs)
	if err != nil {
		return err
	}
	_, err = x.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::NUMERIC(20,6), $8::NUMERIC(20,6), $9::NUMERIC(20,6), $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22,
			$23, $24, $25, $26, $27, $28
		)`,
		e.ID, e.ClientID, e.FreelancerID, nullString(e.ProjectID), e.Title, nullString(e.Description),
		e.TotalAmount, e.ReleasedAmount, e.RefundedAmount, e.Currency, string(e.Status),
		e.FundsConfirmed, nullString(e.FundingReference), e.AutomationEnabled, nullTime(e.Deadline), ids,
		nullString(e.HoldReason), nullString(e.HeldBy), e.Archived, e.Version, e.CreatedAt, e.UpdatedAt,
		nullTime(e.FundedAt), nullTime(e.ActivatedAt), nullTime(e.FrozenAt),
		nullTime(e.CompletedAt), nullTime(e.CancelledAt), nullTime(e.ArchivedAt),
	)
	return err
}

func updateEscrow(ctx context.Context, x execer, e *Escrow, expectedVersion int64) error {
	ids, err := jsonArray(e.MilestoneIDs)
	if err != nil {
		return err
	}
	result, err := x.ExecContext(ctx, `
		UPDATE escrows SET
			title = $1, description = $2, total_amount = $3::NUMERIC(20,6),
			released_amount = $4::NUMERIC(20,6), refunded_amount = $5::NUMERIC(20,6),
			status = $6, funds_confirmed = $7, funding_reference = $8, automation_enabled = $9,
			deadline = $10, milestone_ids = $11, hold_reason = $12, held_by = $13,
			archived = $14, version = $15, updated_at = $16, funded_at = $17,
			activated_at = $18, frozen_at = $19, completed_at = $20, cancelled_at = $21,
			archived_at = $22
		WHERE id = $23 AND version = $24`,
		e.Title, nullString(e.Description), e.TotalAmount,
		e.ReleasedAmount, e.RefundedAmount,
		string(e.Status), e.FundsConfirmed, nullString(e.FundingReference), e.AutomationEnabled,
		nullTime(e.Deadline), ids, nullString(e.HoldReason), nullString(e.HeldBy),
		e.Archived, e.Version, e.UpdatedAt, nullTime(e.FundedAt),
		nullTime(e.ActivatedAt), nullTime(e.FrozenAt), nullTime(e.CompletedAt), nullTime(e.CancelledAt),
		nullTime(e.ArchivedAt),
		e.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return Conflict("ledger.commit", "escrow %s is no longer at version %d", e.ID, expectedVersion)
	}
	return nil
}

// --- Milestones ---

const milestoneColumns = `id, escrow_id, order_index, title, description, amount, status, type,
	is_automated, auto_release_enabled, approval_required, due_date, deliverables,
	quality_rating, submission_notes, rejection_reason, rejection_count, submission_bypassed,
	transaction_id, created_at, updated_at, submitted_at, approved_at, rejected_at, completed_at`

func (p *PostgresStore) GetMilestone(ctx context.Context, id string) (*Milestone, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id)
	m, err := scanMilestone(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("ledger.get_milestone", "milestone", id)
	}
	return m, err
}

func (p *PostgresStore) ListMilestones(ctx context.Context, escrowID string) ([]*Milestone, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+milestoneColumns+` FROM milestones
		WHERE escrow_id = $1
		ORDER BY order_index, id`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMilestone(s scanner) (*Milestone, error) {
	m := &Milestone{}
	var (
		description, notes, rejection, txID                  sql.NullString
		status, typ                                          string
		dueDate, submittedAt, approvedAt, rejectedAt, doneAt sql.NullTime
		rating                                               sql.NullFloat64
		deliverables                                         []byte
	)
	err := s.Scan(
		&m.ID, &m.EscrowID, &m.OrderIndex, &m.Title, &description, &m.Amount, &status, &typ,
		&m.IsAutomated, &m.AutoReleaseEnabled, &m.ApprovalRequired, &dueDate, &deliverables,
		&rating, &notes, &rejection, &m.RejectionCount, &m.SubmissionBypassed,
		&txID, &m.CreatedAt, &m.UpdatedAt, &submittedAt, &approvedAt, &rejectedAt, &doneAt,
	)
	if err != nil {
		return nil, err
	}
	m.Status = MilestoneStatus(status)
	m.Type = MilestoneType(typ)
	m.Description = description.String
	m.SubmissionNotes = notes.String
	m.RejectionReason = rejection.String
	m.TransactionID = txID.String
	if rating.Valid {
		r := rating.Float64
		m.QualityRating = &r
	}
	m.DueDate = timePtr(dueDate)
	m.SubmittedAt = timePtr(submittedAt)
	m.ApprovedAt = timePtr(approvedAt)
	m.RejectedAt = timePtr(rejectedAt)
	m.CompletedAt = timePtr(doneAt)
	if len(deliverables) > 0 {
		if err := json.Unmarshal(deliverables, &m.Deliverables); err != nil {
			return nil, fmt.Errorf("decode deliverables for %s: %w", m.ID, err)
		}
	}
	return m, nil
}

func upsertMilestone(ctx context.Context, x execer, m *Milestone) error {
	deliverables, err := jsonArray(m.Deliverables)
	if err != nil {
		return err
	}
	var rating sql.NullFloat64
	if m.QualityRating != nil {
		rating = sql.NullFloat64{Float64: *m.QualityRating, Valid: true}
	}
	_, err = x.ExecContext(ctx, `
		INSERT INTO milestones (`+milestoneColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6::NUMERIC(20,6), $7, $8,
			$9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25
		)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title, description = EXCLUDED.description,
			amount = EXCLUDED.amount, status = EXCLUDED.status, type = EXCLUDED.type,
			is_automated = EXCLUDED.is_automated, auto_release_enabled = EXCLUDED.auto_release_enabled,
			approval_required = EXCLUDED.approval_required, due_date = EXCLUDED.due_date,
			deliverables = EXCLUDED.deliverables, quality_rating = EXCLUDED.quality_rating,
			submission_notes = EXCLUDED.submission_notes, rejection_reason = EXCLUDED.rejection_reason,
			rejection_count = EXCLUDED.rejection_count, submission_bypassed = EXCLUDED.submission_bypassed,
			transaction_id = EXCLUDED.transaction_id, updated_at = EXCLUDED.updated_at,
			submitted_at = EXCLUDED.submitted_at, approved_at = EXCLUDED.approved_at,
			rejected_at = EXCLUDED.rejected_at, completed_at = EXCLUDED.completed_at`,
		m.ID, m.EscrowID, m.OrderIndex, m.Title, nullString(m.Description), m.Amount, string(m.Status), string(m.Type),
		m.IsAutomated, m.AutoReleaseEnabled, m.ApprovalRequired, nullTime(m.DueDate), deliverables,
		rating, nullString(m.SubmissionNotes), nullString(m.RejectionReason), m.RejectionCount, m.SubmissionBypassed,
		nullString(m.TransactionID), m.CreatedAt, m.UpdatedAt,
		nullTime(m.SubmittedAt), nullTime(m.ApprovedAt), nullTime(m.RejectedAt), nullTime(m.CompletedAt),
	)
	return err
}

// --- Disputes ---

const disputeColumns = `id, escrow_id, milestone_id, raised_by, raised_by_role, type, title,
	description, disputed_amount, priority, status, mediator_id, evidence, resolution,
	escalation_count, escalation_reason, close_notes, created_at, updated_at,
	assigned_at, review_started_at, resolved_at, closed_at`

func (p *PostgresStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("ledger.get_dispute", "dispute", id)
	}
	return d, err
}

func (p *PostgresStore) ListDisputes(ctx context.Context, escrowID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE escrow_id = $1
		ORDER BY created_at, id`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		milestoneID, description, mediatorID, escReason, closeNotes sql.NullString
		role, typ, priority, status                                 string
		evidence, resolution                                        []byte
		assignedAt, reviewAt, resolvedAt, closedAt                  sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.EscrowID, &milestoneID, &d.RaisedBy, &role, &typ, &d.Title,
		&description, &d.DisputedAmount, &priority, &status, &mediatorID, &evidence, &resolution,
		&d.EscalationCount, &escReason, &closeNotes, &d.CreatedAt, &d.UpdatedAt,
		&assignedAt, &reviewAt, &resolvedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}
	d.MilestoneID = milestoneID.String
	d.RaisedByRole = Role(role)
	d.Type = DisputeType(typ)
	d.Description = description.String
	d.Priority = DisputePriority(priority)
	d.Status = DisputeStatus(status)
	d.MediatorID = mediatorID.String
	d.EscalationReason = escReason.String
	d.CloseNotes = closeNotes.String
	d.AssignedAt = timePtr(assignedAt)
	d.ReviewStartedAt = timePtr(reviewAt)
	d.ResolvedAt = timePtr(resolvedAt)
	d.ClosedAt = timePtr(closedAt)
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &d.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence for %s: %w", d.ID, err)
		}
	}
	if len(resolution) > 0 {
		d.Resolution = &Resolution{}
		if err := json.Unmarshal(resolution, d.Resolution); err != nil {
			return nil, fmt.Errorf("decode resolution for %s: %w", d.ID, err)
		}
	}
	return d, nil
}

func upsertDispute(ctx context.Context, x execer, d *Dispute) error {
	evidence, err := jsonArray(d.Evidence)
	if err != nil {
		return err
	}
	var resolution sql.NullString
	if d.Resolution != nil {
		b, err := json.Marshal(d.Resolution)
		if err != nil {
			return err
		}
		resolution = sql.NullString{String: string(b), Valid: true}
	}
	_, err = x.ExecContext(ctx, `
		INSERT INTO disputes (`+disputeColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9::NUMERIC(20,6), $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19,
			$20, $21, $22, $23
		)
		ON CONFLICT (id) DO UPDATE SET
			priority = EXCLUDED.priority, status = EXCLUDED.status,
			mediator_id = EXCLUDED.mediator_id, evidence = EXCLUDED.evidence,
			resolution = EXCLUDED.resolution, escalation_count = EXCLUDED.escalation_count,
			escalation_reason = EXCLUDED.escalation_reason, close_notes = EXCLUDED.close_notes,
			updated_at = EXCLUDED.updated_at, assigned_at = EXCLUDED.assigned_at,
			review_started_at = EXCLUDED.review_started_at, resolved_at = EXCLUDED.resolved_at,
			closed_at = EXCLUDED.closed_at`,
		d.ID, d.EscrowID, nullString(d.MilestoneID), d.RaisedBy, string(d.RaisedByRole), string(d.Type), d.Title,
		nullString(d.Description), d.DisputedAmount, string(d.Priority), string(d.Status), nullString(d.MediatorID),
		evidence, resolution,
		d.EscalationCount, nullString(d.EscalationReason), nullString(d.CloseNotes), d.CreatedAt, d.UpdatedAt,
		nullTime(d.AssignedAt), nullTime(d.ReviewStartedAt), nullTime(d.ResolvedAt), nullTime(d.ClosedAt),
	)
	return err
}

// --- Transactions ---

const transactionColumns = `id, escrow_id, milestone_id, dispute_id, type, amount, currency,
	recipient, status, settlement_ref, idempotency_key, error, initiated_by, created_at`

func (p *PostgresStore) ListTransactions(ctx context.Context, escrowID string, page Page) ([]*Transaction, error) {
	query, args := pagedQuery(`SELECT `+transactionColumns+` FROM escrow_transactions WHERE escrow_id = $1`,
		[]any{escrowID}, page)
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CompletedTransaction(ctx context.Context, key string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM escrow_transactions
		WHERE idempotency_key = $1 AND status = 'completed'`, key)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		milestoneID, disputeID, ref, errMsg sql.NullString
		typ, status                         string
	)
	err := s.Scan(&t.ID, &t.EscrowID, &milestoneID, &disputeID, &typ, &t.Amount, &t.Currency,
		&t.Recipient, &status, &ref, &t.IdempotencyKey, &errMsg, &t.InitiatedBy, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.MilestoneID = milestoneID.String
	t.DisputeID = disputeID.String
	t.Type = TransactionType(typ)
	t.Status = TransactionStatus(status)
	t.SettlementRef = ref.String
	t.Error = errMsg.String
	return t, nil
}

func insertTransaction(ctx context.Context, x execer, t *Transaction) error {
	_, err := x.ExecContext(ctx, `
		INSERT INTO escrow_transactions (`+transactionColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6::NUMERIC(20,6), $7, $8, $9, $10, $11, $12, $13, $14
		)`,
		t.ID, t.EscrowID, nullString(t.MilestoneID), nullString(t.DisputeID), string(t.Type), t.Amount, t.Currency,
		t.Recipient, string(t.Status), nullString(t.SettlementRef), t.IdempotencyKey, nullString(t.Error),
		t.InitiatedBy, t.CreatedAt,
	)
	return err
}

// --- Automation events ---

const eventColumns = `id, rule_id, rule_type, escrow_id, target_id, target_kind, trigger_kind,
	success, error, actions, fingerprint, duration_ns, created_at`

func (p *PostgresStore) ListEvents(ctx context.Context, f EventFilter) ([]*AutomationEvent, error) {
	var (
		where = []string{"TRUE"}
		args  []any
	)
	add := func(col, v string) {
		if v == "" {
			return
		}
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("escrow_id", f.EscrowID)
	add("rule_id", f.RuleID)
	add("target_id", f.TargetID)

	query, args := pagedQuery(`SELECT `+eventColumns+` FROM automation_events WHERE `+strings.Join(where, " AND "),
		args, f.Page)
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*AutomationEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *PostgresStore) LatestSuccessfulEvent(ctx context.Context, ruleID, targetID string) (*AutomationEvent, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+` FROM automation_events
		WHERE rule_id = $1 AND target_id = $2 AND success
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, ruleID, targetID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

func scanEvent(s scanner) (*AutomationEvent, error) {
	ev := &AutomationEvent{}
	var (
		errMsg  sql.NullString
		actions []byte
		nanos   int64
	)
	err := s.Scan(&ev.ID, &ev.RuleID, &ev.RuleType, &ev.EscrowID, &ev.TargetID, &ev.TargetKind, &ev.Trigger,
		&ev.Success, &errMsg, &actions, &ev.Fingerprint, &nanos, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	ev.Error = errMsg.String
	ev.Duration = time.Duration(nanos)
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &ev.Actions); err != nil {
			return nil, fmt.Errorf("decode actions for event %s: %w", ev.ID, err)
		}
	}
	return ev, nil
}

func insertEvent(ctx context.Context, x execer, ev *AutomationEvent) error {
	actions, err := jsonArray(ev.Actions)
	if err != nil {
		return err
	}
	_, err = x.ExecContext(ctx, `
		INSERT INTO automation_events (`+eventColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)`,
		ev.ID, ev.RuleID, ev.RuleType, ev.EscrowID, ev.TargetID, ev.TargetKind, ev.Trigger,
		ev.Success, nullString(ev.Error), actions, ev.Fingerprint, int64(ev.Duration), ev.CreatedAt,
	)
	return err
}

// --- Audit ---

const auditColumns = `id, escrow_id, actor_id, actor_role, action, reason, detail, created_at`

func (p *PostgresStore) ListAudit(ctx context.Context, escrowID string, page Page) ([]*AuditRecord, error) {
	base := `SELECT ` + auditColumns + ` FROM audit_records WHERE TRUE`
	var args []any
	if escrowID != "" {
		base = `SELECT ` + auditColumns + ` FROM audit_records WHERE escrow_id = $1`
		args = append(args, escrowID)
	}
	query, args := pagedQuery(base, args, page)
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*AuditRecord
	for rows.Next() {
		a := &AuditRecord{}
		var (
			escrow, reason sql.NullString
			role           string
			detail         []byte
		)
		if err := rows.Scan(&a.ID, &escrow, &a.ActorID, &role, &a.Action, &reason, &detail, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.EscrowID = escrow.String
		a.ActorRole = Role(role)
		a.Reason = reason.String
		if len(detail) > 0 {
			a.Detail = json.RawMessage(detail)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func insertAudit(ctx context.Context, x execer, a *AuditRecord) error {
	var detail sql.NullString
	if len(a.Detail) > 0 {
		detail = sql.NullString{String: string(a.Detail), Valid: true}
	}
	_, err := x.ExecContext(ctx, `
		INSERT INTO audit_records (`+auditColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, nullString(a.EscrowID), a.ActorID, string(a.ActorRole), a.Action, nullString(a.Reason),
		detail, a.CreatedAt,
	)
	return err
}

// --- Commit ---

// Commit applies b inside one SQL transaction.
func (p *PostgresStore) Commit(ctx context.Context, b *Batch) error {
	if err := b.validate(); err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if b.created != nil {
		if err := insertEscrow(ctx, tx, b.created); err != nil {
			return commitErr("insert escrow", err)
		}
	}
	if b.updated != nil {
		if err := updateEscrow(ctx, tx, b.updated, b.expectedVersion); err != nil {
			return commitErr("update escrow", err)
		}
	}
	for _, m := range b.milestones {
		if err := upsertMilestone(ctx, tx, m); err != nil {
			return commitErr("put milestone", err)
		}
	}
	for _, d := range b.disputes {
		if err := upsertDispute(ctx, tx, d); err != nil {
			return commitErr("put dispute", err)
		}
	}
	for _, t := range b.transactions {
		if err := insertTransaction(ctx, tx, t); err != nil {
			return commitErr("append transaction", err)
		}
	}
	for _, ev := range b.events {
		if err := insertEvent(ctx, tx, ev); err != nil {
			return commitErr("append event", err)
		}
	}
	for _, a := range b.audits {
		if err := insertAudit(ctx, tx, a); err != nil {
			return commitErr("append audit", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return commitErr("commit", err)
	}
	return nil
}

func commitErr(step string, err error) error {
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return Conflict("ledger.commit", "%s: %s", step, pqErr.Message)
	}
	return fmt.Errorf("ledger: %s: %w", step, err)
}

// --- Rules & settings ---

const ruleColumns = `id, name, description, type, active, priority, escrow_id, conditions,
	actions, trigger_count, last_triggered_at, created_by, created_at, updated_at`

func (p *PostgresStore) CreateRule(ctx context.Context, r *AutomationRule) error {
	conditions, actions, err := ruleJSON(r)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO automation_rules (`+ruleColumns+`) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)`,
		r.ID, r.Name, nullString(r.Description), r.Type, r.Active, r.Priority, nullString(r.EscrowID),
		conditions, actions, r.TriggerCount, nullTime(r.LastTriggeredAt), nullString(r.CreatedBy),
		r.CreatedAt, r.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return Conflict("ledger.create_rule", "rule %s already exists", r.Name)
	}
	return err
}

func (p *PostgresStore) UpdateRule(ctx context.Context, r *AutomationRule) error {
	conditions, actions, err := ruleJSON(r)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE automation_rules SET
			name = $1, description = $2, type = $3, active = $4, priority = $5,
			escrow_id = $6, conditions = $7, actions = $8, updated_at = $9
		WHERE id = $10`,
		r.Name, nullString(r.Description), r.Type, r.Active, r.Priority,
		nullString(r.EscrowID), conditions, actions, r.UpdatedAt, r.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return NotFound("ledger.update_rule", "rule", r.ID)
	}
	return nil
}

func (p *PostgresStore) GetRule(ctx context.Context, id string) (*AutomationRule, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE id = $1`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NotFound("ledger.get_rule", "rule", id)
	}
	return r, err
}

func (p *PostgresStore) ListRules(ctx context.Context, activeOnly bool) ([]*AutomationRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM automation_rules`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY priority, created_at, id`

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*AutomationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RecordRuleTrigger(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE automation_rules
		SET trigger_count = trigger_count + 1, last_triggered_at = $1
		WHERE id = $2`, at, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return NotFound("ledger.record_rule_trigger", "rule", id)
	}
	return nil
}

func scanRule(s scanner) (*AutomationRule, error) {
	r := &AutomationRule{}
	var (
		description, escrowID, createdBy sql.NullString
		conditions, actions              []byte
		lastTriggered                    sql.NullTime
	)
	err := s.Scan(&r.ID, &r.Name, &description, &r.Type, &r.Active, &r.Priority, &escrowID, &conditions,
		&actions, &r.TriggerCount, &lastTriggered, &createdBy, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Description = description.String
	r.EscrowID = escrowID.String
	r.CreatedBy = createdBy.String
	r.LastTriggeredAt = timePtr(lastTriggered)
	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		return nil, fmt.Errorf("decode conditions for rule %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(actions, &r.Actions); err != nil {
		return nil, fmt.Errorf("decode actions for rule %s: %w", r.ID, err)
	}
	return r, nil
}

func ruleJSON(r *AutomationRule) (conditions, actions string, err error) {
	if conditions, err = jsonArray(r.Conditions); err != nil {
		return "", "", err
	}
	if actions, err = jsonArray(r.Actions); err != nil {
		return "", "", err
	}
	return conditions, actions, nil
}

func (p *PostgresStore) GetSettings(ctx context.Context) (*Settings, error) {
	s := &Settings{}
	var updatedBy sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT automation_enabled, updated_by, updated_at FROM automation_settings WHERE id = 1`,
	).Scan(&s.AutomationEnabled, &updatedBy, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Settings{AutomationEnabled: true}, nil
	}
	if err != nil {
		return nil, err
	}
	s.UpdatedBy = updatedBy.String
	return s, nil
}

func (p *PostgresStore) UpdateSettings(ctx context.Context, s *Settings) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO automation_settings (id, automation_enabled, updated_by, updated_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			automation_enabled = EXCLUDED.automation_enabled,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at`,
		s.AutomationEnabled, nullString(s.UpdatedBy), s.UpdatedAt)
	return err
}

// --- Helpers ---

// pagedQuery appends keyset pagination on (created_at, id) to base, which
// must already contain a WHERE clause.
func pagedQuery(base string, args []any, page Page) (string, []any) {
	query := base
	if page.After != nil {
		args = append(args, page.After.CreatedAt, page.After.ID)
		query += fmt.Sprintf(" AND (created_at, id) > ($%d, $%d)", len(args)-1, len(args))
	}
	args = append(args, page.limit())
	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d", len(args))
	return query, args
}

// jsonArray encodes items for a JSONB column. Strings rather than []byte
// are passed so lib/pq does not send them as bytea.
func jsonArray[T any](items []T) (string, error) {
	if items == nil {
		return "[]", nil
	}
	b, err := json.Marshal(items)
	return string(b), err
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
