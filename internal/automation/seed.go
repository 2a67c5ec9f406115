package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/mbd888/smartescrow/internal/ledger"
)

// ruleFile is the on-disk shape of a rule seed file:
//
//	[[rule]]
//	name = "Release on high rating"
//	type = "quality_threshold"
//	priority = 10
//
//	  [[rule.conditions]]
//	  key = "rating"
//	  operator = "greater_than"
//	  value = "4.5"
//
//	  [[rule.actions]]
//	  type = "release_payment"
type ruleFile struct {
	Rules []fileRule `toml:"rule"`
}

type fileRule struct {
	Name        string                 `toml:"name"`
	Description string                 `toml:"description"`
	Type        string                 `toml:"type"`
	Active      *bool                  `toml:"active"`
	Priority    int                    `toml:"priority"`
	Conditions  []ledger.RuleCondition `toml:"conditions"`
	Actions     []fileAction           `toml:"actions"`
}

type fileAction struct {
	Type   string         `toml:"type"`
	Params map[string]any `toml:"params"`
}

// ReadRules decodes rule definitions and validates each one.
func ReadRules(r io.Reader) ([]RuleInput, error) {
	var f ruleFile
	if _, err := toml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode rule file: %w", err)
	}
	out := make([]RuleInput, 0, len(f.Rules))
	for i, fr := range f.Rules {
		in := RuleInput{
			Name:        fr.Name,
			Description: fr.Description,
			Type:        fr.Type,
			Active:      fr.Active,
			Priority:    fr.Priority,
			Conditions:  fr.Conditions,
		}
		for _, fa := range fr.Actions {
			a := ledger.RuleAction{Type: fa.Type}
			if len(fa.Params) > 0 {
				raw, err := json.Marshal(fa.Params)
				if err != nil {
					return nil, fmt.Errorf("rule[%d] %s: params: %w", i, fr.Name, err)
				}
				a.Params = raw
			}
			in.Actions = append(in.Actions, a)
		}
		if err := ValidateRule(&ledger.AutomationRule{
			Name: in.Name, Type: in.Type, Conditions: in.Conditions, Actions: in.Actions,
		}); err != nil {
			return nil, fmt.Errorf("rule[%d] %s: %w", i, fr.Name, err)
		}
		out = append(out, in)
	}
	return out, nil
}

// LoadRuleFile reads rule definitions from path.
func LoadRuleFile(path string) ([]RuleInput, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadRules(f)
}

// Seed creates each rule whose name is not taken yet and returns how many
// were created.
func (e *Engine) Seed(ctx context.Context, rules []RuleInput) (int, error) {
	existing, err := e.store.ListRules(ctx, false)
	if err != nil {
		return 0, err
	}
	names := make(map[string]bool, len(existing))
	for _, r := range existing {
		names[r.Name] = true
	}
	created := 0
	for _, in := range rules {
		if names[in.Name] {
			continue
		}
		if _, err := e.CreateRule(ctx, ledger.System("seed"), in); err != nil {
			return created, fmt.Errorf("seed rule %q: %w", in.Name, err)
		}
		names[in.Name] = true
		created++
	}
	if created > 0 {
		e.logger.Info("seeded automation rules", "created", created)
	}
	return created, nil
}
