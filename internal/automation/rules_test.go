package automation

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/mbd888/smartescrow/internal/ledger"
)

func validRule() *ledger.AutomationRule {
	return &ledger.AutomationRule{
		ID:         "rule_1",
		Name:       "release on rating",
		Type:       TypeQualityThreshold,
		Conditions: []ledger.RuleCondition{{Key: "rating", Operator: OpGreaterThan, Value: "4.5"}},
		Actions:    []ledger.RuleAction{{Type: ActionReleasePayment}},
	}
}

func TestValidateRule(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *ledger.AutomationRule)
		ok     bool
	}{
		{"valid", func(r *ledger.AutomationRule) {}, true},
		{"missing name", func(r *ledger.AutomationRule) { r.Name = " " }, false},
		{"unknown type", func(r *ledger.AutomationRule) { r.Type = "hourly" }, false},
		{"no conditions", func(r *ledger.AutomationRule) { r.Conditions = nil }, false},
		{"no actions", func(r *ledger.AutomationRule) { r.Actions = nil }, false},
		{"unknown fact", func(r *ledger.AutomationRule) { r.Conditions[0].Key = "mood" }, false},
		{"unknown operator", func(r *ledger.AutomationRule) { r.Conditions[0].Operator = "about" }, false},
		{"non-numeric value", func(r *ledger.AutomationRule) { r.Conditions[0].Value = "high" }, false},
		{"ordering a text fact", func(r *ledger.AutomationRule) {
			r.Conditions[0] = ledger.RuleCondition{Key: "status", Operator: OpGreaterThan, Value: "1"}
		}, false},
		{"contains on a number", func(r *ledger.AutomationRule) {
			r.Conditions[0] = ledger.RuleCondition{Key: "amount", Operator: OpContains, Value: "1"}
		}, false},
		{"bad boolean", func(r *ledger.AutomationRule) {
			r.Conditions[0] = ledger.RuleCondition{Key: "is_automated", Operator: OpEquals, Value: "yes"}
		}, false},
		{"unknown action", func(r *ledger.AutomationRule) { r.Actions[0].Type = "refund_everyone" }, false},
		{"notification without message", func(r *ledger.AutomationRule) {
			r.Actions[0] = ledger.RuleAction{Type: ActionSendNotification, Params: json.RawMessage(`{"recipients":["client"]}`)}
		}, false},
		{"malformed params", func(r *ledger.AutomationRule) {
			r.Actions[0] = ledger.RuleAction{Type: ActionApproveMilestone, Params: json.RawMessage(`{"bypassSubmission":"sure"}`)}
		}, false},
		{"release on escrow-level rule", func(r *ledger.AutomationRule) {
			r.Conditions[0] = ledger.RuleCondition{Key: "escrow_remaining", Operator: OpLessThan, Value: "10"}
		}, false},
		{"escalate on escrow-level rule", func(r *ledger.AutomationRule) {
			r.Conditions[0] = ledger.RuleCondition{Key: "escrow_remaining", Operator: OpLessThan, Value: "10"}
			r.Actions[0] = ledger.RuleAction{Type: ActionEscalate}
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRule()
			tt.mutate(r)
			err := ValidateRule(r)
			if tt.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("expected a validation error")
				}
				if !errors.Is(err, ledger.ErrValidation) {
					t.Errorf("expected ErrValidation, got %v", err)
				}
			}
		})
	}
}

func TestConditionHolds(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	submitted := now.Add(-30 * time.Hour)
	due := now.Add(-50 * time.Hour)
	rating := 4.0
	e := &ledger.Escrow{ID: "esc_1", Status: ledger.EscrowActive, TotalAmount: "1000.000000", ReleasedAmount: "400.000000", Currency: "USD"}
	ms := []*ledger.Milestone{
		{ID: "m1", OrderIndex: 0, Status: ledger.MilestoneCompleted, Amount: "400.000000"},
		{ID: "m2", OrderIndex: 1, Status: ledger.MilestoneSubmitted, Type: ledger.MilestoneDeliverable, Title: "Design review",
			Amount: "600.000000", QualityRating: &rating, SubmittedAt: &submitted, DueDate: &due,
			Deliverables: []ledger.Deliverable{{Name: "a"}, {Name: "b"}}},
	}
	f := milestoneFacts(e, ms, ms[1], now)

	tests := []struct {
		key, op, value string
		want           bool
	}{
		{"rating", OpGreaterThan, "4.5", false},
		{"rating", OpGreaterThan, "3.99", true},
		{"rating", OpEquals, "4", true},
		{"status", OpEquals, "SUBMITTED", true},
		{"title", OpContains, "review", true},
		{"amount", OpLessThan, "600.000001", true},
		{"amount", OpEquals, "600", true},
		{"hours_since_submission", OpGreaterThan, "29.9", true},
		{"hours_since_submission", OpGreaterThan, "30", false},
		{"days_overdue", OpEquals, "2", true},
		{"deliverables_count", OpEquals, "2", true},
		{"previous_milestones_completed", OpEquals, "true", true},
		{"escrow_remaining", OpEquals, "600", true},
		{"escrow_released", OpGreaterThan, "400", false},
		{"currency", OpEquals, "usd", true},
		{"approval_required", OpEquals, "false", true},
	}
	for _, tt := range tests {
		cond, _, err := compileCondition(ledger.RuleCondition{Key: tt.key, Operator: tt.op, Value: tt.value})
		if err != nil {
			t.Fatalf("%s %s %s: %v", tt.key, tt.op, tt.value, err)
		}
		if got := cond.holds(f); got != tt.want {
			t.Errorf("%s %s %s = %v, want %v (fact %q)", tt.key, tt.op, tt.value, got, tt.want, f.String(tt.key))
		}
	}
}

func TestConditionHolds_DecimalRatings(t *testing.T) {
	e := &ledger.Escrow{ID: "esc_1", TotalAmount: "1000", ReleasedAmount: "0"}
	tests := []struct {
		rating    float64
		op, value string
		want      bool
	}{
		{4.1, OpEquals, "4.1", true},
		{4.1, OpLessThan, "4.1", false},
		{4.1, OpGreaterThan, "4.1", false},
		{4.3, OpEquals, "4.3", true},
		{4.3, OpLessThan, "4.3", false},
		{4.3, OpGreaterThan, "4.3", false},
		{4.3, OpGreaterThan, "4.29", true},
		{4.3, OpLessThan, "4.31", true},
	}
	for _, tt := range tests {
		rating := tt.rating
		m := &ledger.Milestone{ID: "m1", Status: ledger.MilestoneSubmitted, Amount: "10", QualityRating: &rating}
		f := milestoneFacts(e, []*ledger.Milestone{m}, m, time.Now())
		cond, _, err := compileCondition(ledger.RuleCondition{Key: "rating", Operator: tt.op, Value: tt.value})
		if err != nil {
			t.Fatal(err)
		}
		if got := cond.holds(f); got != tt.want {
			t.Errorf("rating %v %s %s = %v, want %v", tt.rating, tt.op, tt.value, got, tt.want)
		}
	}
}

func TestMissingFactIsFalse(t *testing.T) {
	e := &ledger.Escrow{TotalAmount: "10", ReleasedAmount: "0"}
	m := &ledger.Milestone{ID: "m1", Status: ledger.MilestoneSubmitted}
	f := milestoneFacts(e, []*ledger.Milestone{m}, m, time.Now())

	for _, key := range []string{"rating", "hours_since_submission", "days_overdue"} {
		cond, _, err := compileCondition(ledger.RuleCondition{Key: key, Operator: OpLessThan, Value: "1000"})
		if err != nil {
			t.Fatal(err)
		}
		if cond.holds(f) {
			t.Errorf("%s should not hold when the fact is absent", key)
		}
	}
}

func TestMatches_RequiresEveryCondition(t *testing.T) {
	r := validRule()
	r.Conditions = append(r.Conditions, ledger.RuleCondition{Key: "status", Operator: OpEquals, Value: "submitted"})
	c, err := compile(r)
	if err != nil {
		t.Fatal(err)
	}
	f := Facts{}
	f.setNum("rating", big.NewRat(5, 1))
	f.set("status", "approved")
	if c.matches(f) {
		t.Error("expected AND semantics")
	}
	f.set("status", "submitted")
	if !c.matches(f) {
		t.Error("expected match once every condition holds")
	}
	if (&compiled{rule: r}).matches(f) {
		t.Error("a rule without conditions must never match")
	}
}

func TestFingerprint(t *testing.T) {
	c, err := compile(validRule())
	if err != nil {
		t.Fatal(err)
	}
	e := &ledger.Escrow{ID: "esc_1", Status: ledger.EscrowActive}
	m := &ledger.Milestone{ID: "m1", Status: ledger.MilestoneSubmitted, Amount: "1.000000"}

	a := c.fingerprint(e, m)
	if a != c.fingerprint(e, m) {
		t.Fatal("fingerprint is not stable")
	}
	m.Status = ledger.MilestoneCompleted
	if a == c.fingerprint(e, m) {
		t.Error("status change should change the fingerprint")
	}
	b := c.fingerprint(e, m)
	c.rule.UpdatedAt = time.Now()
	if b == c.fingerprint(e, m) {
		t.Error("editing the rule should change the fingerprint")
	}
	if c.fingerprint(e, nil) == c.fingerprint(e, m) {
		t.Error("escrow and milestone targets must differ")
	}
}
