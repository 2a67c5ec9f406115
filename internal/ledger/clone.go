package ledger

import (
	"encoding/json"
	"time"
)

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

// Clone returns a deep copy.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	c := *e
	c.MilestoneIDs = append([]string(nil), e.MilestoneIDs...)
	c.Deadline = cloneTime(e.Deadline)
	c.FundedAt = cloneTime(e.FundedAt)
	c.ActivatedAt = cloneTime(e.ActivatedAt)
	c.FrozenAt = cloneTime(e.FrozenAt)
	c.CompletedAt = cloneTime(e.CompletedAt)
	c.CancelledAt = cloneTime(e.CancelledAt)
	c.ArchivedAt = cloneTime(e.ArchivedAt)
	return &c
}

// Clone returns a deep copy.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	c := *m
	c.Deliverables = append([]Deliverable(nil), m.Deliverables...)
	if m.QualityRating != nil {
		r := *m.QualityRating
		c.QualityRating = &r
	}
	c.DueDate = cloneTime(m.DueDate)
	c.SubmittedAt = cloneTime(m.SubmittedAt)
	c.ApprovedAt = cloneTime(m.ApprovedAt)
	c.RejectedAt = cloneTime(m.RejectedAt)
	c.CompletedAt = cloneTime(m.CompletedAt)
	return &c
}

// Clone returns a deep copy.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	c := *d
	c.Evidence = append([]Evidence(nil), d.Evidence...)
	if d.Resolution != nil {
		r := *d.Resolution
		c.Resolution = &r
	}
	c.AssignedAt = cloneTime(d.AssignedAt)
	c.ReviewStartedAt = cloneTime(d.ReviewStartedAt)
	c.ResolvedAt = cloneTime(d.ResolvedAt)
	c.ClosedAt = cloneTime(d.ClosedAt)
	return &c
}

// Clone returns a copy.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Clone returns a deep copy.
func (ev *AutomationEvent) Clone() *AutomationEvent {
	if ev == nil {
		return nil
	}
	c := *ev
	c.Actions = append([]string(nil), ev.Actions...)
	return &c
}

// Clone returns a deep copy.
func (a *AuditRecord) Clone() *AuditRecord {
	if a == nil {
		return nil
	}
	c := *a
	c.Detail = cloneRaw(a.Detail)
	return &c
}

// Clone returns a deep copy.
func (r *AutomationRule) Clone() *AutomationRule {
	if r == nil {
		return nil
	}
	c := *r
	c.Conditions = append([]RuleCondition(nil), r.Conditions...)
	c.Actions = make([]RuleAction, len(r.Actions))
	for i, a := range r.Actions {
		c.Actions[i] = RuleAction{Type: a.Type, Params: cloneRaw(a.Params)}
	}
	c.LastTriggeredAt = cloneTime(r.LastTriggeredAt)
	return &c
}
