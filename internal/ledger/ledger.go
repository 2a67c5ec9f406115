// Package ledger is the durable record of escrows, milestones, disputes,
// automation rules, automation events, transactions and audit records.
//
// Escrow, milestone and dispute state is written only through Commit, which
// applies a Batch atomically under an optimistic version check on the
// owning escrow. Transactions, automation events and audit records are
// insert-only: the Store exposes no way to update or delete them.
package ledger

import (
	"encoding/json"
	"time"
)

// Role identifies what capacity an actor acts in.
type Role string

const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
	RoleMediator   Role = "mediator"
	RoleOperator   Role = "operator"
	RoleSystem     Role = "system"
)

// Actor is whoever initiated an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// System returns the engine's own actor, tagged with the component name.
func System(component string) Actor {
	return Actor{ID: "system:" + component, Role: RoleSystem}
}

// Privileged reports whether the actor bypasses party checks.
func (a Actor) Privileged() bool {
	return a.Role == RoleOperator || a.Role == RoleSystem
}

// EscrowStatus is the lifecycle state of an escrow.
type EscrowStatus string

const (
	EscrowDraft         EscrowStatus = "draft"
	EscrowActive        EscrowStatus = "active"
	EscrowFrozen        EscrowStatus = "frozen"
	EscrowDisputeRaised EscrowStatus = "dispute_raised"
	EscrowCompleted     EscrowStatus = "completed"
	EscrowCancelled     EscrowStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s EscrowStatus) IsTerminal() bool {
	return s == EscrowCompleted || s == EscrowCancelled
}

// Escrow is a funded agreement between a client and a freelancer.
type Escrow struct {
	ID                string       `json:"id"`
	ClientID          string       `json:"clientId"`
	FreelancerID      string       `json:"freelancerId"`
	ProjectID         string       `json:"projectId,omitempty"`
	Title             string       `json:"title"`
	Description       string       `json:"description,omitempty"`
	TotalAmount       string       `json:"totalAmount"`
	ReleasedAmount    string       `json:"releasedAmount"` // every disbursement: releases, refunds, fees
	RefundedAmount    string       `json:"refundedAmount"` // refund share of ReleasedAmount
	Currency          string       `json:"currency"`
	Status            EscrowStatus `json:"status"`
	FundsConfirmed    bool         `json:"fundsConfirmed"`
	FundingReference  string       `json:"fundingReference,omitempty"`
	AutomationEnabled bool         `json:"automationEnabled"`
	Deadline          *time.Time   `json:"deadline,omitempty"`
	MilestoneIDs      []string     `json:"milestoneIds"`
	HoldReason        string       `json:"holdReason,omitempty"`
	HeldBy            string       `json:"heldBy,omitempty"`
	Archived          bool         `json:"archived"`
	Version           int64        `json:"version"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
	FundedAt          *time.Time   `json:"fundedAt,omitempty"`
	ActivatedAt       *time.Time   `json:"activatedAt,omitempty"`
	FrozenAt          *time.Time   `json:"frozenAt,omitempty"`
	CompletedAt       *time.Time   `json:"completedAt,omitempty"`
	CancelledAt       *time.Time   `json:"cancelledAt,omitempty"`
	ArchivedAt        *time.Time   `json:"archivedAt,omitempty"`
}

// MilestoneStatus is the lifecycle state of a milestone.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneSubmitted MilestoneStatus = "submitted"
	MilestoneApproved  MilestoneStatus = "approved"
	MilestoneRejected  MilestoneStatus = "rejected"
	MilestoneCompleted MilestoneStatus = "completed"
)

// MilestoneType classifies how a milestone is judged done.
type MilestoneType string

const (
	MilestoneDeliverable MilestoneType = "deliverable_based"
	MilestoneTimeBased   MilestoneType = "time_based"
	MilestoneApproval    MilestoneType = "approval_based"
	MilestoneConditional MilestoneType = "conditional"
)

// Deliverable describes one piece of submitted or expected work.
type Deliverable struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Milestone is a separately payable unit of work inside an escrow.
type Milestone struct {
	ID                 string          `json:"id"`
	EscrowID           string          `json:"escrowId"`
	OrderIndex         int             `json:"orderIndex"`
	Title              string          `json:"title"`
	Description        string          `json:"description,omitempty"`
	Amount             string          `json:"amount"`
	Status             MilestoneStatus `json:"status"`
	Type               MilestoneType   `json:"type"`
	IsAutomated        bool            `json:"isAutomated"`
	AutoReleaseEnabled bool            `json:"autoReleaseEnabled"`
	ApprovalRequired   bool            `json:"approvalRequired"`
	DueDate            *time.Time      `json:"dueDate,omitempty"`
	Deliverables       []Deliverable   `json:"deliverables"`
	QualityRating      *float64        `json:"qualityRating,omitempty"`
	SubmissionNotes    string          `json:"submissionNotes,omitempty"`
	RejectionReason    string          `json:"rejectionReason,omitempty"`
	RejectionCount     int             `json:"rejectionCount"`
	SubmissionBypassed bool            `json:"submissionBypassed"`
	TransactionID      string          `json:"transactionId,omitempty"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
	SubmittedAt        *time.Time      `json:"submittedAt,omitempty"`
	ApprovedAt         *time.Time      `json:"approvedAt,omitempty"`
	RejectedAt         *time.Time      `json:"rejectedAt,omitempty"`
	CompletedAt        *time.Time      `json:"completedAt,omitempty"`
}

// DisputeType classifies what is contested.
type DisputeType string

const (
	DisputeQuality       DisputeType = "quality"
	DisputeDeadline      DisputeType = "deadline"
	DisputeScope         DisputeType = "scope"
	DisputePayment       DisputeType = "payment"
	DisputeCommunication DisputeType = "communication"
	DisputeOther         DisputeType = "other"
)

// DisputePriority orders the mediation queue.
type DisputePriority string

const (
	PriorityLow    DisputePriority = "low"
	PriorityMedium DisputePriority = "medium"
	PriorityHigh   DisputePriority = "high"
	PriorityUrgent DisputePriority = "urgent"
)

// DisputeStatus is the lifecycle state of a dispute.
type DisputeStatus string

const (
	DisputeOpen      DisputeStatus = "open"
	DisputeAssigned  DisputeStatus = "assigned"
	DisputeInReview  DisputeStatus = "in_review"
	DisputeResolved  DisputeStatus = "resolved"
	DisputeEscalated DisputeStatus = "escalated"
	DisputeClosed    DisputeStatus = "closed"
)

// IsTerminal reports whether the dispute is finished.
func (s DisputeStatus) IsTerminal() bool {
	return s == DisputeResolved || s == DisputeClosed
}

// Decision is a mediator's ruling.
type Decision string

const (
	DecisionClientFavor     Decision = "client_favor"
	DecisionFreelancerFavor Decision = "freelancer_favor"
	DecisionSplit           Decision = "split_decision"
	DecisionEscalate        Decision = "escalate"
)

// Evidence references material supporting a dispute.
type Evidence struct {
	ID          string    `json:"id"`
	SubmittedBy string    `json:"submittedBy"`
	Kind        string    `json:"kind"`
	Reference   string    `json:"reference"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Resolution is the outcome recorded on a resolved dispute.
type Resolution struct {
	Decision         Decision  `json:"decision"`
	ClientPayout     string    `json:"clientPayout"`
	FreelancerPayout string    `json:"freelancerPayout"`
	PlatformFee      string    `json:"platformFee"`
	Notes            string    `json:"notes"`
	ResolvedBy       string    `json:"resolvedBy"`
	ResolvedAt       time.Time `json:"resolvedAt"`
}

// Dispute is a contested milestone or escrow outcome.
type Dispute struct {
	ID               string          `json:"id"`
	EscrowID         string          `json:"escrowId"`
	MilestoneID      string          `json:"milestoneId,omitempty"`
	RaisedBy         string          `json:"raisedBy"`
	RaisedByRole     Role            `json:"raisedByRole"`
	Type             DisputeType     `json:"type"`
	Title            string          `json:"title"`
	Description      string          `json:"description,omitempty"`
	DisputedAmount   string          `json:"disputedAmount"`
	Priority         DisputePriority `json:"priority"`
	Status           DisputeStatus   `json:"status"`
	MediatorID       string          `json:"mediatorId,omitempty"`
	Evidence         []Evidence      `json:"evidence"`
	Resolution       *Resolution     `json:"resolution,omitempty"`
	EscalationCount  int             `json:"escalationCount"`
	EscalationReason string          `json:"escalationReason,omitempty"`
	CloseNotes       string          `json:"closeNotes,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
	AssignedAt       *time.Time      `json:"assignedAt,omitempty"`
	ReviewStartedAt  *time.Time      `json:"reviewStartedAt,omitempty"`
	ResolvedAt       *time.Time      `json:"resolvedAt,omitempty"`
	ClosedAt         *time.Time      `json:"closedAt,omitempty"`
}

// IsBlocking reports whether the dispute suspends its escrow.
func (d *Dispute) IsBlocking() bool {
	return !d.Status.IsTerminal()
}

// TransactionType is the kind of money movement.
type TransactionType string

const (
	TxRelease TransactionType = "release"
	TxRefund  TransactionType = "refund"
	TxFee     TransactionType = "fee"
)

// TransactionStatus records whether settlement succeeded.
type TransactionStatus string

const (
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// Transaction is an append-only record of money leaving an escrow.
type Transaction struct {
	ID             string            `json:"id"`
	EscrowID       string            `json:"escrowId"`
	MilestoneID    string            `json:"milestoneId,omitempty"`
	DisputeID      string            `json:"disputeId,omitempty"`
	Type           TransactionType   `json:"type"`
	Amount         string            `json:"amount"`
	Currency       string            `json:"currency"`
	Recipient      string            `json:"recipient"`
	Status         TransactionStatus `json:"status"`
	SettlementRef  string            `json:"settlementRef,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey"`
	Error          string            `json:"error,omitempty"`
	InitiatedBy    string            `json:"initiatedBy"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// AutomationEvent is the write-once record of one rule evaluation attempt.
type AutomationEvent struct {
	ID          string        `json:"id"`
	RuleID      string        `json:"ruleId"`
	RuleType    string        `json:"ruleType"`
	EscrowID    string        `json:"escrowId"`
	TargetID    string        `json:"targetId"`
	TargetKind  string        `json:"targetKind"`
	Trigger     string        `json:"trigger"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	Actions     []string      `json:"actions"`
	Fingerprint string        `json:"fingerprint"`
	Duration    time.Duration `json:"durationNs"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// AuditRecord is the append-only record of a privileged action.
type AuditRecord struct {
	ID        string          `json:"id"`
	EscrowID  string          `json:"escrowId,omitempty"`
	ActorID   string          `json:"actorId"`
	ActorRole Role            `json:"actorRole"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// RuleCondition is one AND-ed predicate of an automation rule.
type RuleCondition struct {
	Key      string `json:"key" toml:"key"`
	Operator string `json:"operator" toml:"operator"`
	Value    string `json:"value" toml:"value"`
}

// RuleAction is one step of an automation rule's ordered action list.
type RuleAction struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// AutomationRule is a named, independently toggleable policy.
type AutomationRule struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Type            string          `json:"type"`
	Active          bool            `json:"active"`
	Priority        int             `json:"priority"`
	EscrowID        string          `json:"escrowId,omitempty"` // empty applies to every escrow
	Conditions      []RuleCondition `json:"conditions"`
	Actions         []RuleAction    `json:"actions"`
	TriggerCount    int64           `json:"triggerCount"`
	LastTriggeredAt *time.Time      `json:"lastTriggeredAt,omitempty"`
	CreatedBy       string          `json:"createdBy,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Settings is the process-wide automation configuration.
type Settings struct {
	AutomationEnabled bool      `json:"automationEnabled"`
	UpdatedBy         string    `json:"updatedBy,omitempty"`
	UpdatedAt         time.Time `json:"updatedAt"`
}
