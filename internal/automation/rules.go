package automation

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/mbd888/smartescrow/internal/ledger"
)

// Rule types.
const (
	TypeMilestoneCompletion = "milestone_completion"
	TypeTimeBased           = "time_based"
	TypeQualityThreshold    = "quality_threshold"
	TypeConditional         = "conditional"
)

// Condition operators.
const (
	OpEquals      = "equals"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpContains    = "contains"
)

// Action types.
const (
	ActionApproveMilestone = "approve_milestone"
	ActionReleasePayment   = "release_payment"
	ActionSendNotification = "send_notification"
	ActionEscalate         = "escalate"
)

// AllTypes lists every rule type, in the order sweeps evaluate them.
var AllTypes = []string{TypeMilestoneCompletion, TypeTimeBased, TypeQualityThreshold, TypeConditional}

// ValidType reports whether t names a rule type.
func ValidType(t string) bool {
	for _, v := range AllTypes {
		if v == t {
			return true
		}
	}
	return false
}

// factKind says how a condition value is compared.
type factKind int

const (
	factString factKind = iota
	factNumber
	factBool
)

type factSpec struct {
	kind   factKind
	escrow bool // readable without a milestone
}

var facts = map[string]factSpec{
	"status":                        {kind: factString},
	"type":                          {kind: factString},
	"title":                         {kind: factString},
	"amount":                        {kind: factNumber},
	"rating":                        {kind: factNumber},
	"hours_since_submission":        {kind: factNumber},
	"days_overdue":                  {kind: factNumber},
	"order_index":                   {kind: factNumber},
	"deliverables_count":            {kind: factNumber},
	"rejection_count":               {kind: factNumber},
	"previous_milestones_completed": {kind: factBool},
	"is_automated":                  {kind: factBool},
	"auto_release_enabled":          {kind: factBool},
	"approval_required":             {kind: factBool},
	"escrow_status":                 {kind: factString, escrow: true},
	"escrow_total":                  {kind: factNumber, escrow: true},
	"escrow_released":               {kind: factNumber, escrow: true},
	"escrow_remaining":              {kind: factNumber, escrow: true},
	"currency":                      {kind: factString, escrow: true},
}

// ApproveParams configures approve_milestone.
type ApproveParams struct {
	BypassSubmission bool `json:"bypassSubmission" toml:"bypassSubmission"`
}

// NotificationParams configures send_notification. Recipients are the
// symbolic "client", "freelancer" and "operators", or literal ids.
type NotificationParams struct {
	Recipients []string `json:"recipients" toml:"recipients"`
	Message    string   `json:"message" toml:"message"`
}

// EscalateParams configures escalate.
type EscalateParams struct {
	Reason string `json:"reason" toml:"reason"`
}

type condition struct {
	key   string
	op    string
	value string
	num   *big.Rat // set for numeric facts
}

type action struct {
	kind     string
	approve  ApproveParams
	notice   NotificationParams
	escalate EscalateParams
}

// compiled is a validated rule ready for evaluation.
type compiled struct {
	rule       *ledger.AutomationRule
	conditions []condition
	actions    []action
	escrowOnly bool // every condition reads escrow facts; the target is the escrow
}

func (c *compiled) actionNames() []string {
	out := make([]string, len(c.actions))
	for i, a := range c.actions {
		out[i] = a.kind
	}
	return out
}

// ValidateRule checks a rule's type, conditions and actions.
func ValidateRule(r *ledger.AutomationRule) error {
	_, err := compile(r)
	return err
}

func compile(r *ledger.AutomationRule) (*compiled, error) {
	const op = "automation.validate_rule"
	if strings.TrimSpace(r.Name) == "" {
		return nil, ledger.Validation(op, "name", "is required")
	}
	if !ValidType(r.Type) {
		return nil, ledger.Validation(op, "type", "unknown rule type %q", r.Type)
	}
	if len(r.Conditions) == 0 {
		return nil, ledger.Validation(op, "conditions", "a rule needs at least one condition")
	}
	if len(r.Actions) == 0 {
		return nil, ledger.Validation(op, "actions", "a rule needs at least one action")
	}

	c := &compiled{rule: r, escrowOnly: true}
	for i, rc := range r.Conditions {
		cond, spec, err := compileCondition(rc)
		if err != nil {
			return nil, ledger.Validation(op, fmt.Sprintf("conditions[%d]", i), "%v", err)
		}
		if !spec.escrow {
			c.escrowOnly = false
		}
		c.conditions = append(c.conditions, cond)
	}
	for i, ra := range r.Actions {
		a, err := compileAction(ra)
		if err != nil {
			return nil, ledger.Validation(op, fmt.Sprintf("actions[%d]", i), "%v", err)
		}
		if c.escrowOnly && (a.kind == ActionApproveMilestone || a.kind == ActionReleasePayment) {
			return nil, ledger.Validation(op, fmt.Sprintf("actions[%d]", i),
				"%s needs a milestone condition to select its target", a.kind)
		}
		c.actions = append(c.actions, a)
	}
	return c, nil
}

func compileCondition(rc ledger.RuleCondition) (condition, factSpec, error) {
	spec, ok := facts[rc.Key]
	if !ok {
		return condition{}, spec, fmt.Errorf("unknown fact %q", rc.Key)
	}
	cond := condition{key: rc.Key, op: rc.Operator, value: strings.TrimSpace(rc.Value)}
	switch rc.Operator {
	case OpEquals:
	case OpGreaterThan, OpLessThan:
		if spec.kind != factNumber {
			return cond, spec, fmt.Errorf("%s needs a numeric fact, %q is not", rc.Operator, rc.Key)
		}
	case OpContains:
		if spec.kind != factString {
			return cond, spec, fmt.Errorf("contains needs a text fact, %q is not", rc.Key)
		}
	default:
		return cond, spec, fmt.Errorf("unknown operator %q", rc.Operator)
	}
	switch spec.kind {
	case factNumber:
		n, ok := new(big.Rat).SetString(cond.value)
		if !ok {
			return cond, spec, fmt.Errorf("%q is not a number", rc.Value)
		}
		cond.num = n
	case factBool:
		if cond.value != "true" && cond.value != "false" {
			return cond, spec, fmt.Errorf("%q must be true or false", rc.Key)
		}
	}
	return cond, spec, nil
}

func compileAction(ra ledger.RuleAction) (action, error) {
	a := action{kind: ra.Type}
	params := ra.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	switch ra.Type {
	case ActionApproveMilestone:
		if err := json.Unmarshal(params, &a.approve); err != nil {
			return a, fmt.Errorf("approve_milestone: invalid params: %w", err)
		}
	case ActionReleasePayment:
	case ActionSendNotification:
		if err := json.Unmarshal(params, &a.notice); err != nil {
			return a, fmt.Errorf("send_notification: invalid params: %w", err)
		}
		if strings.TrimSpace(a.notice.Message) == "" {
			return a, fmt.Errorf("send_notification: message is required")
		}
		if len(a.notice.Recipients) == 0 {
			a.notice.Recipients = []string{"client", "freelancer"}
		}
	case ActionEscalate:
		if err := json.Unmarshal(params, &a.escalate); err != nil {
			return a, fmt.Errorf("escalate: invalid params: %w", err)
		}
	default:
		return a, fmt.Errorf("unknown action type %q", ra.Type)
	}
	return a, nil
}
