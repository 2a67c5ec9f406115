package automation

import (
	"github.com/mbd888/smartescrow/internal/escrow"
	"github.com/mbd888/smartescrow/internal/ledger"
	"github.com/mbd888/smartescrow/internal/milestone"
	"github.com/mbd888/smartescrow/internal/notify"
)

// OperatorsRecipient addresses whoever watches the operator queue.
const OperatorsRecipient = "operators"

// execute runs one action inside u. m is nil for escrow-level rules.
func execute(u *escrow.Unit, r *ledger.AutomationRule, a action, m *ledger.Milestone) error {
	switch a.kind {
	case ActionApproveMilestone:
		switch m.Status {
		case ledger.MilestoneApproved, ledger.MilestoneCompleted:
			return nil
		}
		if m.ApprovalRequired {
			return ledger.InvalidTransition(u.Op, "milestone %s requires manual approval", m.ID)
		}
		return milestone.Approve(u, m, a.approve.BypassSubmission)

	case ActionReleasePayment:
		if m.ApprovalRequired && m.Status != ledger.MilestoneApproved && m.Status != ledger.MilestoneCompleted {
			return ledger.InvalidTransition(u.Op, "milestone %s requires manual approval", m.ID)
		}
		if m.Status == ledger.MilestoneSubmitted {
			if err := u.MoveMilestone(m, ledger.MilestoneApproved); err != nil {
				return err
			}
			now := u.Now
			m.ApprovedAt = &now
		}
		switch m.Status {
		case ledger.MilestoneCompleted:
			return nil
		case ledger.MilestoneApproved:
			return u.ReleaseMilestone(m)
		}
		return ledger.InvalidTransition(u.Op, "milestone %s is %s; nothing to release", m.ID, m.Status)

	case ActionSendNotification:
		data := map[string]any{"ruleId": r.ID, "ruleName": r.Name}
		if m != nil {
			data["milestoneId"] = m.ID
		}
		u.Notify(notify.TopicAutomationNotice, recipients(u, a.notice.Recipients), a.notice.Message, data)
		return nil

	case ActionEscalate:
		reason := a.escalate.Reason
		if reason == "" {
			reason = "rule " + r.Name + " escalated for review"
		}
		detail := map[string]string{"ruleId": r.ID}
		if m != nil {
			detail["milestoneId"] = m.ID
		}
		u.Notify(notify.TopicAutomationEscalate, []string{OperatorsRecipient}, reason, map[string]any{"ruleId": r.ID})
		u.Audit("automation.escalated", reason, detail)
		return nil
	}
	return ledger.Validation(u.Op, "action", "unknown action type %q", a.kind)
}

func recipients(u *escrow.Unit, symbolic []string) []string {
	out := make([]string, 0, len(symbolic))
	for _, r := range symbolic {
		switch r {
		case "client":
			out = append(out, u.Escrow.ClientID)
		case "freelancer":
			out = append(out, u.Escrow.FreelancerID)
		default:
			out = append(out, r)
		}
	}
	return out
}
