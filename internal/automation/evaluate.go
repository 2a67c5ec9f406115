package automation

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/smartescrow/internal/ledger"
	"github.com/mbd888/smartescrow/internal/money"
)

// factValue is one resolved fact. Exactly one of num and str is meaningful,
// depending on the fact's kind.
type factValue struct {
	num *big.Rat
	str string
}

// Facts is the fact set a rule's conditions are evaluated against.
type Facts map[string]factValue

func (f Facts) set(key, s string) { f[key] = factValue{str: s} }

func (f Facts) setNum(key string, n *big.Rat) { f[key] = factValue{num: n} }

func (f Facts) setInt(key string, n int64) { f.setNum(key, new(big.Rat).SetInt64(n)) }

func (f Facts) setBool(key string, b bool) { f.set(key, strconv.FormatBool(b)) }

// String renders a fact for logs and tests.
func (f Facts) String(key string) string {
	v, ok := f[key]
	if !ok {
		return ""
	}
	if v.num != nil {
		return v.num.FloatString(6)
	}
	return v.str
}

// escrowFacts resolves the facts that need no milestone.
func escrowFacts(e *ledger.Escrow) Facts {
	f := Facts{}
	total := money.Rat(e.TotalAmount)
	released := money.Rat(e.ReleasedAmount)
	f.set("escrow_status", string(e.Status))
	f.setNum("escrow_total", total)
	f.setNum("escrow_released", released)
	f.setNum("escrow_remaining", new(big.Rat).Sub(total, released))
	f.set("currency", e.Currency)
	return f
}

// milestoneFacts resolves every fact for m. Facts that do not apply, such
// as a rating that was never recorded, are left out.
func milestoneFacts(e *ledger.Escrow, all []*ledger.Milestone, m *ledger.Milestone, now time.Time) Facts {
	f := escrowFacts(e)
	f.set("status", string(m.Status))
	f.set("type", string(m.Type))
	f.set("title", m.Title)
	f.setNum("amount", money.Rat(m.Amount))
	f.setInt("order_index", int64(m.OrderIndex))
	f.setInt("deliverables_count", int64(len(m.Deliverables)))
	f.setInt("rejection_count", int64(m.RejectionCount))
	f.setBool("is_automated", m.IsAutomated)
	f.setBool("auto_release_enabled", m.AutoReleaseEnabled)
	f.setBool("approval_required", m.ApprovalRequired)

	if m.QualityRating != nil {
		f.setNum("rating", decimalRat(*m.QualityRating))
	}
	if m.SubmittedAt != nil {
		f.setNum("hours_since_submission", hours(now.Sub(*m.SubmittedAt)))
	}
	if m.DueDate != nil {
		overdue := int64(0)
		if now.After(*m.DueDate) {
			overdue = int64(now.Sub(*m.DueDate) / (24 * time.Hour))
		}
		f.setInt("days_overdue", overdue)
	}

	previous := true
	for _, o := range all {
		if o.ID != m.ID && o.OrderIndex < m.OrderIndex && o.Status != ledger.MilestoneCompleted {
			previous = false
			break
		}
	}
	f.setBool("previous_milestones_completed", previous)
	return f
}

// decimalRat converts v through its shortest decimal text, so a rating of
// 4.3 compares equal to the rule value "4.3" rather than to its binary
// approximation.
func decimalRat(v float64) *big.Rat {
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(v, 'f', -1, 64))
	if !ok {
		return new(big.Rat)
	}
	return r
}

func hours(d time.Duration) *big.Rat {
	if d < 0 {
		d = 0
	}
	return new(big.Rat).SetFrac64(int64(d), int64(time.Hour))
}

// matches reports whether every condition holds. A rule without
// conditions never matches.
func (c *compiled) matches(f Facts) bool {
	if len(c.conditions) == 0 {
		return false
	}
	for _, cond := range c.conditions {
		if !cond.holds(f) {
			return false
		}
	}
	return true
}

func (c condition) holds(f Facts) bool {
	v, ok := f[c.key]
	if !ok {
		return false
	}
	switch c.op {
	case OpEquals:
		if c.num != nil {
			return v.num != nil && v.num.Cmp(c.num) == 0
		}
		return strings.EqualFold(v.str, c.value)
	case OpGreaterThan:
		return v.num != nil && v.num.Cmp(c.num) > 0
	case OpLessThan:
		return v.num != nil && v.num.Cmp(c.num) < 0
	case OpContains:
		return strings.Contains(strings.ToLower(v.str), strings.ToLower(c.value))
	}
	return false
}

// fingerprint identifies the state a rule acted on. Time-derived facts are
// left out so that an unchanged target keeps its fingerprint across sweeps,
// and the rule's own revision is included so that editing a rule re-arms it.
func (c *compiled) fingerprint(e *ledger.Escrow, m *ledger.Milestone) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|", c.rule.ID, c.rule.UpdatedAt.UnixNano())
	if m == nil {
		fmt.Fprintf(h, "escrow|%s|%s|%s", e.ID, e.Status, e.ReleasedAmount)
	} else {
		rating := "-"
		if m.QualityRating != nil {
			rating = strconv.FormatFloat(*m.QualityRating, 'f', -1, 64)
		}
		submitted := int64(0)
		if m.SubmittedAt != nil {
			submitted = m.SubmittedAt.UnixNano()
		}
		fmt.Fprintf(h, "milestone|%s|%s|%s|%s|%d|%d", m.ID, m.Status, m.Amount, rating, m.RejectionCount, submitted)
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
