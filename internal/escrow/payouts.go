package escrow

import (
	"github.com/mbd888/smartescrow/internal/ledger"
	"github.com/mbd888/smartescrow/internal/money"
	"github.com/mbd888/smartescrow/internal/notify"
)

// ReleaseMilestone pays an approved milestone to the freelancer and marks
// it completed. If that was the last milestone the escrow completes too.
func (u *Unit) ReleaseMilestone(m *ledger.Milestone) error {
	if m.Status != ledger.MilestoneApproved {
		return ledger.InvalidTransition(u.Op, "milestone %s is %s, not approved", m.ID, m.Status)
	}
	tx, err := u.Pay(Payout{
		Type:        ledger.TxRelease,
		Amount:      money.Units(m.Amount),
		Recipient:   u.Escrow.FreelancerID,
		MilestoneID: m.ID,
		Key:         []string{"release", m.ID},
	})
	if err != nil {
		return err
	}
	if err := u.MoveMilestone(m, ledger.MilestoneCompleted); err != nil {
		return err
	}
	now := u.Now
	m.CompletedAt = &now
	m.TransactionID = tx.ID
	u.Notify(notify.TopicMilestoneCompleted, u.Parties(), "", map[string]any{"milestoneId": m.ID, "amount": m.Amount})
	if u.Escrow.Status == ledger.EscrowActive && u.AllMilestonesCompleted() {
		return u.Complete()
	}
	return nil
}

// Complete moves the escrow to completed and refunds whatever no
// milestone claimed to the client.
func (u *Unit) Complete() error {
	if d := u.BlockingDispute(); d != nil {
		return ledger.Frozen(u.Op, ledger.HoldDisputeReview)
	}
	if err := u.Transition(ledger.EscrowCompleted); err != nil {
		return err
	}
	if err := u.RefundRemainder("completion"); err != nil {
		return err
	}
	u.Notify(notify.TopicEscrowCompleted, u.Parties(), "", map[string]any{
		"releasedAmount": u.Escrow.ReleasedAmount,
		"refundedAmount": u.Escrow.RefundedAmount,
	})
	return nil
}

// RefundRemainder returns the unreleased balance to the client. The cause
// names the refund for idempotency; an escrow is refunded at most once per
// cause.
func (u *Unit) RefundRemainder(cause string) error {
	rest := u.Remaining()
	if rest.Sign() <= 0 || !u.Escrow.FundsConfirmed {
		return nil
	}
	_, err := u.Pay(Payout{
		Type:      ledger.TxRefund,
		Amount:    rest,
		Recipient: u.Escrow.ClientID,
		Key:       []string{"refund", cause},
	})
	return err
}
