package ledger

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	escrows       map[string]*Escrow
	milestones    map[string]*Milestone
	disputes      map[string]*Dispute
	transactions  []*Transaction
	completedKeys map[string]*Transaction
	events        []*AutomationEvent
	audits        []*AuditRecord
	rules         map[string]*AutomationRule
	settings      Settings
}

// NewMemoryStore creates an empty store with automation enabled.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:       make(map[string]*Escrow),
		milestones:    make(map[string]*Milestone),
		disputes:      make(map[string]*Dispute),
		completedKeys: make(map[string]*Transaction),
		rules:         make(map[string]*AutomationRule),
		settings:      Settings{AutomationEnabled: true, UpdatedAt: time.Now()},
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) GetEscrow(_ context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.escrows[id]
	if !ok {
		return nil, NotFound("ledger.get_escrow", "escrow", id)
	}
	return e.Clone(), nil
}

func (m *MemoryStore) ListEscrows(_ context.Context, f EscrowFilter) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Escrow
	for _, e := range m.escrows {
		if !matchEscrow(e, f) {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchEscrow(e *Escrow, f EscrowFilter) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.Status) {
		return false
	}
	if f.ClientID != "" && e.ClientID != f.ClientID {
		return false
	}
	if f.FreelancerID != "" && e.FreelancerID != f.FreelancerID {
		return false
	}
	if f.AutomationEnabled != nil && e.AutomationEnabled != *f.AutomationEnabled {
		return false
	}
	if e.Archived && !f.IncludeArchived {
		return false
	}
	return true
}

func (m *MemoryStore) GetMilestone(_ context.Context, id string) (*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.milestones[id]
	if !ok {
		return nil, NotFound("ledger.get_milestone", "milestone", id)
	}
	return ms.Clone(), nil
}

func (m *MemoryStore) ListMilestones(_ context.Context, escrowID string) ([]*Milestone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Milestone
	for _, ms := range m.milestones {
		if ms.EscrowID == escrowID {
			out = append(out, ms.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderIndex == out[j].OrderIndex {
			return out[i].ID < out[j].ID
		}
		return out[i].OrderIndex < out[j].OrderIndex
	})
	return out, nil
}

func (m *MemoryStore) GetDispute(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, NotFound("ledger.get_dispute", "dispute", id)
	}
	return d.Clone(), nil
}

func (m *MemoryStore) ListDisputes(_ context.Context, escrowID string) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Dispute
	for _, d := range m.disputes {
		if d.EscrowID == escrowID {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, escrowID string, page Page) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transaction
	for _, t := range m.transactions {
		if t.EscrowID == escrowID && page.admits(t.CreatedAt, t.ID) {
			out = append(out, t.Clone())
		}
	}
	sortByCreated(out, func(t *Transaction) (time.Time, string) { return t.CreatedAt, t.ID })
	return truncate(out, page.limit()), nil
}

func (m *MemoryStore) CompletedTransaction(_ context.Context, key string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.completedKeys[key].Clone(), nil
}

func (m *MemoryStore) ListEvents(_ context.Context, f EventFilter) ([]*AutomationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AutomationEvent
	for _, ev := range m.events {
		if f.EscrowID != "" && ev.EscrowID != f.EscrowID {
			continue
		}
		if f.RuleID != "" && ev.RuleID != f.RuleID {
			continue
		}
		if f.TargetID != "" && ev.TargetID != f.TargetID {
			continue
		}
		if !f.Page.admits(ev.CreatedAt, ev.ID) {
			continue
		}
		out = append(out, ev.Clone())
	}
	sortByCreated(out, func(ev *AutomationEvent) (time.Time, string) { return ev.CreatedAt, ev.ID })
	return truncate(out, f.Page.limit()), nil
}

func (m *MemoryStore) LatestSuccessfulEvent(_ context.Context, ruleID, targetID string) (*AutomationEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		ev := m.events[i]
		if ev.RuleID == ruleID && ev.TargetID == targetID && ev.Success {
			return ev.Clone(), nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListAudit(_ context.Context, escrowID string, page Page) ([]*AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AuditRecord
	for _, a := range m.audits {
		if (escrowID == "" || a.EscrowID == escrowID) && page.admits(a.CreatedAt, a.ID) {
			out = append(out, a.Clone())
		}
	}
	sortByCreated(out, func(a *AuditRecord) (time.Time, string) { return a.CreatedAt, a.ID })
	return truncate(out, page.limit()), nil
}

// Commit validates the whole batch before applying any of it.
func (m *MemoryStore) Commit(_ context.Context, b *Batch) error {
	if err := b.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if b.created != nil {
		if _, exists := m.escrows[b.created.ID]; exists {
			return Conflict("ledger.commit", "escrow %s already exists", b.created.ID)
		}
	}
	if b.updated != nil {
		cur, ok := m.escrows[b.updated.ID]
		if !ok {
			return NotFound("ledger.commit", "escrow", b.updated.ID)
		}
		if cur.Version != b.expectedVersion {
			return Conflict("ledger.commit", "escrow %s is at version %d, expected %d",
				b.updated.ID, cur.Version, b.expectedVersion)
		}
	}
	seen := make(map[string]bool)
	for _, t := range b.transactions {
		if t.Status != TxCompleted {
			continue
		}
		if _, dup := m.completedKeys[t.IdempotencyKey]; dup || seen[t.IdempotencyKey] {
			return Conflict("ledger.commit", "transaction %s already recorded", t.IdempotencyKey)
		}
		seen[t.IdempotencyKey] = true
	}

	if b.created != nil {
		m.escrows[b.created.ID] = b.created.Clone()
	}
	if b.updated != nil {
		m.escrows[b.updated.ID] = b.updated.Clone()
	}
	for _, ms := range b.milestones {
		m.milestones[ms.ID] = ms.Clone()
	}
	for _, d := range b.disputes {
		m.disputes[d.ID] = d.Clone()
	}
	for _, t := range b.transactions {
		c := t.Clone()
		m.transactions = append(m.transactions, c)
		if c.Status == TxCompleted {
			m.completedKeys[c.IdempotencyKey] = c
		}
	}
	for _, ev := range b.events {
		m.events = append(m.events, ev.Clone())
	}
	for _, a := range b.audits {
		m.audits = append(m.audits, a.Clone())
	}
	return nil
}

func (m *MemoryStore) CreateRule(_ context.Context, r *AutomationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rules[r.ID]; exists {
		return Conflict("ledger.create_rule", "rule %s already exists", r.ID)
	}
	m.rules[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) UpdateRule(_ context.Context, r *AutomationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rules[r.ID]
	if !ok {
		return NotFound("ledger.update_rule", "rule", r.ID)
	}
	c := r.Clone()
	// Counters belong to RecordRuleTrigger.
	c.TriggerCount = cur.TriggerCount
	c.LastTriggeredAt = cloneTime(cur.LastTriggeredAt)
	m.rules[r.ID] = c
	return nil
}

func (m *MemoryStore) GetRule(_ context.Context, id string) (*AutomationRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, NotFound("ledger.get_rule", "rule", id)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListRules(_ context.Context, activeOnly bool) ([]*AutomationRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*AutomationRule
	for _, r := range m.rules {
		if activeOnly && !r.Active {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) RecordRuleTrigger(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return NotFound("ledger.record_rule_trigger", "rule", id)
	}
	r.TriggerCount++
	r.LastTriggeredAt = &at
	return nil
}

func (m *MemoryStore) GetSettings(context.Context) (*Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.settings
	return &s, nil
}

func (m *MemoryStore) UpdateSettings(_ context.Context, s *Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = *s
	return nil
}

func sortByCreated[T any](items []T, key func(T) (time.Time, string)) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, ii := key(items[i])
		tj, ij := key(items[j])
		if ti.Equal(tj) {
			return ii < ij
		}
		return ti.Before(tj)
	})
}

func truncate[T any](items []T, limit int) []T {
	if len(items) > limit {
		return items[:limit]
	}
	return items
}
