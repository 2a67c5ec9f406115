package ledger

import (
	"context"
	"time"

	"github.com/mbd888/smartescrow/internal/pagination"
)

// Page bounds a history listing. Results are ordered oldest first and start
// strictly after After when it is set.
type Page struct {
	Limit int
	After *pagination.Cursor
}

// DefaultPageLimit applies when Page.Limit is not positive.
const DefaultPageLimit = 50

func (p Page) limit() int {
	if p.Limit <= 0 {
		return DefaultPageLimit
	}
	return p.Limit
}

func (p Page) admits(createdAt time.Time, id string) bool {
	return p.After.Admits(createdAt, id)
}

// EscrowFilter narrows ListEscrows.
type EscrowFilter struct {
	Statuses          []EscrowStatus
	ClientID          string
	FreelancerID      string
	AutomationEnabled *bool
	IncludeArchived   bool
	Limit             int
}

// EventFilter narrows ListEvents. Empty fields match everything.
type EventFilter struct {
	EscrowID string
	RuleID   string
	TargetID string
	Page     Page
}

// Store persists engine state.
type Store interface {
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	ListEscrows(ctx context.Context, filter EscrowFilter) ([]*Escrow, error)
	GetMilestone(ctx context.Context, id string) (*Milestone, error)
	ListMilestones(ctx context.Context, escrowID string) ([]*Milestone, error)
	GetDispute(ctx context.Context, id string) (*Dispute, error)
	ListDisputes(ctx context.Context, escrowID string) ([]*Dispute, error)

	ListTransactions(ctx context.Context, escrowID string, page Page) ([]*Transaction, error)
	// CompletedTransaction returns the completed transaction recorded under
	// an idempotency key, or nil.
	CompletedTransaction(ctx context.Context, idempotencyKey string) (*Transaction, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*AutomationEvent, error)
	// LatestSuccessfulEvent returns the newest successful event for a rule
	// and target, or nil.
	LatestSuccessfulEvent(ctx context.Context, ruleID, targetID string) (*AutomationEvent, error)
	ListAudit(ctx context.Context, escrowID string, page Page) ([]*AuditRecord, error)

	// Commit applies b atomically.
	Commit(ctx context.Context, b *Batch) error

	RuleStore
	SettingsStore

	Ping(ctx context.Context) error
}

// RuleStore persists automation rules.
type RuleStore interface {
	CreateRule(ctx context.Context, r *AutomationRule) error
	UpdateRule(ctx context.Context, r *AutomationRule) error
	GetRule(ctx context.Context, id string) (*AutomationRule, error)
	ListRules(ctx context.Context, activeOnly bool) ([]*AutomationRule, error)
	// RecordRuleTrigger increments the trigger counter and sets the
	// last-triggered time.
	RecordRuleTrigger(ctx context.Context, id string, at time.Time) error
}

// SettingsStore persists the global automation settings.
type SettingsStore interface {
	GetSettings(ctx context.Context) (*Settings, error)
	UpdateSettings(ctx context.Context, s *Settings) error
}
