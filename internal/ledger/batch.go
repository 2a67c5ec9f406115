package ledger

// Batch collects the writes of one state transition. Store.Commit applies
// all of them or none.
//
// A batch touches at most one escrow. UpdateEscrow carries the version the
// caller read; Commit fails with ErrConcurrencyConflict if the stored escrow
// has moved on. Transactions, events and audit records can only be appended.
type Batch struct {
	created         *Escrow
	updated         *Escrow
	expectedVersion int64
	milestones      []*Milestone
	disputes        []*Dispute
	transactions    []*Transaction
	events          []*AutomationEvent
	audits          []*AuditRecord
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// CreateEscrow inserts a new escrow at version 1.
func (b *Batch) CreateEscrow(e *Escrow) *Batch {
	c := e.Clone()
	c.Version = 1
	b.created = c
	return b
}

// UpdateEscrow replaces the escrow if its stored version equals
// expectedVersion. The stored copy gets version expectedVersion+1.
func (b *Batch) UpdateEscrow(e *Escrow, expectedVersion int64) *Batch {
	c := e.Clone()
	c.Version = expectedVersion + 1
	b.updated = c
	b.expectedVersion = expectedVersion
	return b
}

// PutMilestone inserts or replaces a milestone.
func (b *Batch) PutMilestone(m *Milestone) *Batch {
	b.milestones = append(b.milestones, m.Clone())
	return b
}

// PutDispute inserts or replaces a dispute.
func (b *Batch) PutDispute(d *Dispute) *Batch {
	b.disputes = append(b.disputes, d.Clone())
	return b
}

// AppendTransaction inserts a transaction.
func (b *Batch) AppendTransaction(t *Transaction) *Batch {
	b.transactions = append(b.transactions, t.Clone())
	return b
}

// AppendEvent inserts an automation event.
func (b *Batch) AppendEvent(ev *AutomationEvent) *Batch {
	b.events = append(b.events, ev.Clone())
	return b
}

// AppendAudit inserts an audit record.
func (b *Batch) AppendAudit(a *AuditRecord) *Batch {
	b.audits = append(b.audits, a.Clone())
	return b
}

// Empty reports whether the batch has no writes.
func (b *Batch) Empty() bool {
	return b.created == nil && b.updated == nil && len(b.milestones) == 0 &&
		len(b.disputes) == 0 && len(b.transactions) == 0 && len(b.events) == 0 &&
		len(b.audits) == 0
}

// Transactions returns the transactions queued in the batch.
func (b *Batch) Transactions() []*Transaction {
	return b.transactions
}

func (b *Batch) validate() error {
	if b.created != nil && b.updated != nil {
		return Validation("ledger.commit", "escrow", "batch both creates and updates an escrow")
	}
	target := b.escrowID()
	for _, m := range b.milestones {
		if target != "" && m.EscrowID != target {
			return Validation("ledger.commit", "milestone", "milestone %s belongs to another escrow", m.ID)
		}
	}
	for _, d := range b.disputes {
		if target != "" && d.EscrowID != target {
			return Validation("ledger.commit", "dispute", "dispute %s belongs to another escrow", d.ID)
		}
	}
	if target == "" && (len(b.milestones) > 0 || len(b.disputes) > 0) {
		return Validation("ledger.commit", "escrow", "milestone and dispute writes require an escrow write")
	}
	return nil
}

func (b *Batch) escrowID() string {
	switch {
	case b.created != nil:
		return b.created.ID
	case b.updated != nil:
		return b.updated.ID
	}
	return ""
}
