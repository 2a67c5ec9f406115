package automation

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mbd888/smartescrow/internal/idgen"
	"github.com/mbd888/smartescrow/internal/ledger"
)

// RuleInput is the writable part of a rule.
type RuleInput struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Type        string                 `json:"type"`
	Active      *bool                  `json:"active"`
	Priority    int                    `json:"priority"`
	EscrowID    string                 `json:"escrowId"`
	Conditions  []ledger.RuleCondition `json:"conditions"`
	Actions     []ledger.RuleAction    `json:"actions"`
}

// Settings returns the global automation settings.
func (e *Engine) Settings(ctx context.Context) (*ledger.Settings, error) {
	return e.store.GetSettings(ctx)
}

// SetEnabled flips the global kill switch. Passes already running keep
// the value they started with.
func (e *Engine) SetEnabled(ctx context.Context, actor ledger.Actor, enabled bool) (*ledger.Settings, error) {
	const op = "automation.set_enabled"
	if !actor.Privileged() {
		return nil, ledger.Unauthorized(op, "only operators may change automation settings")
	}
	s := &ledger.Settings{AutomationEnabled: enabled, UpdatedBy: actor.ID, UpdatedAt: e.runner.Now()}
	if err := e.store.UpdateSettings(ctx, s); err != nil {
		return nil, err
	}
	e.audit(ctx, actor, "automation.settings_updated", "", map[string]bool{"automationEnabled": enabled})
	e.logger.Info("automation switch changed", "enabled", enabled, "by", actor.ID)
	return s, nil
}

// CreateRule validates and stores a new rule.
func (e *Engine) CreateRule(ctx context.Context, actor ledger.Actor, in RuleInput) (*ledger.AutomationRule, error) {
	if !actor.Privileged() {
		return nil, ledger.Unauthorized("automation.create_rule", "only operators may manage rules")
	}
	now := e.runner.Now()
	r := &ledger.AutomationRule{
		ID:        idgen.Next(idgen.Rule),
		Active:    true,
		CreatedBy: actor.ID,
		CreatedAt: now,
	}
	apply(r, in)
	r.UpdatedAt = now
	if err := ValidateRule(r); err != nil {
		return nil, err
	}
	if err := e.store.CreateRule(ctx, r); err != nil {
		return nil, err
	}
	e.audit(ctx, actor, "automation.rule_created", "", map[string]string{"ruleId": r.ID, "name": r.Name})
	return r, nil
}

// UpdateRule replaces a rule's definition. Its counters are kept.
func (e *Engine) UpdateRule(ctx context.Context, actor ledger.Actor, id string, in RuleInput) (*ledger.AutomationRule, error) {
	return e.changeRule(ctx, actor, id, "automation.rule_updated", func(r *ledger.AutomationRule) {
		apply(r, in)
	})
}

// SetRuleActive toggles one rule.
func (e *Engine) SetRuleActive(ctx context.Context, actor ledger.Actor, id string, active bool) (*ledger.AutomationRule, error) {
	return e.changeRule(ctx, actor, id, "automation.rule_toggled", func(r *ledger.AutomationRule) {
		r.Active = active
	})
}

func (e *Engine) changeRule(ctx context.Context, actor ledger.Actor, id, action string, fn func(*ledger.AutomationRule)) (*ledger.AutomationRule, error) {
	if !actor.Privileged() {
		return nil, ledger.Unauthorized(action, "only operators may manage rules")
	}
	r, err := e.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	fn(r)
	r.UpdatedAt = e.runner.Now()
	if err := ValidateRule(r); err != nil {
		return nil, err
	}
	if err := e.store.UpdateRule(ctx, r); err != nil {
		return nil, err
	}
	e.audit(ctx, actor, action, "", map[string]any{"ruleId": r.ID, "active": r.Active})
	return e.store.GetRule(ctx, id)
}

func apply(r *ledger.AutomationRule, in RuleInput) {
	r.Name = strings.TrimSpace(in.Name)
	r.Description = in.Description
	r.Type = in.Type
	r.Priority = in.Priority
	r.EscrowID = in.EscrowID
	r.Conditions = in.Conditions
	r.Actions = in.Actions
	if in.Active != nil {
		r.Active = *in.Active
	}
}

// GetRule returns one rule.
func (e *Engine) GetRule(ctx context.Context, id string) (*ledger.AutomationRule, error) {
	return e.store.GetRule(ctx, id)
}

// ListRules returns rules in priority order.
func (e *Engine) ListRules(ctx context.Context, activeOnly bool) ([]*ledger.AutomationRule, error) {
	return e.store.ListRules(ctx, activeOnly)
}

// Events returns recorded automation events.
func (e *Engine) Events(ctx context.Context, f ledger.EventFilter) ([]*ledger.AutomationEvent, error) {
	return e.store.ListEvents(ctx, f)
}

func (e *Engine) audit(ctx context.Context, actor ledger.Actor, action, reason string, detail any) {
	raw, _ := json.Marshal(detail)
	err := e.runner.RecordAudit(ctx, &ledger.AuditRecord{
		ID:        idgen.Next(idgen.Audit),
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Action:    action,
		Reason:    reason,
		Detail:    raw,
		CreatedAt: e.runner.Now(),
	})
	if err != nil {
		e.logger.Error("failed to record audit", "action", action, "error", err)
	}
}
