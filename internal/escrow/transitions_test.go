package escrow

import (
	"testing"

	"github.com/mbd888/smartescrow/internal/ledger"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ledger.EscrowStatus
		want     bool
	}{
		{ledger.EscrowDraft, ledger.EscrowActive, true},
		{ledger.EscrowDraft, ledger.EscrowCancelled, true},
		{ledger.EscrowDraft, ledger.EscrowCompleted, false},
		{ledger.EscrowDraft, ledger.EscrowFrozen, false},
		{ledger.EscrowActive, ledger.EscrowCompleted, true},
		{ledger.EscrowActive, ledger.EscrowDisputeRaised, true},
		{ledger.EscrowActive, ledger.EscrowFrozen, true},
		{ledger.EscrowActive, ledger.EscrowCancelled, true},
		{ledger.EscrowActive, ledger.EscrowDraft, false},
		{ledger.EscrowFrozen, ledger.EscrowActive, true},
		{ledger.EscrowFrozen, ledger.EscrowCancelled, false},
		{ledger.EscrowFrozen, ledger.EscrowCompleted, false},
		{ledger.EscrowDisputeRaised, ledger.EscrowActive, true},
		{ledger.EscrowDisputeRaised, ledger.EscrowCancelled, true},
		{ledger.EscrowDisputeRaised, ledger.EscrowCompleted, true},
		{ledger.EscrowDisputeRaised, ledger.EscrowFrozen, false},
		{ledger.EscrowCompleted, ledger.EscrowActive, false},
		{ledger.EscrowCancelled, ledger.EscrowActive, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCanTransitionMilestone(t *testing.T) {
	tests := []struct {
		from, to ledger.MilestoneStatus
		want     bool
	}{
		{ledger.MilestonePending, ledger.MilestoneSubmitted, true},
		{ledger.MilestoneRejected, ledger.MilestoneSubmitted, true},
		{ledger.MilestoneSubmitted, ledger.MilestoneApproved, true},
		{ledger.MilestoneSubmitted, ledger.MilestonePending, true},
		{ledger.MilestoneApproved, ledger.MilestoneCompleted, true},
		{ledger.MilestonePending, ledger.MilestoneApproved, false},
		{ledger.MilestonePending, ledger.MilestoneCompleted, false},
		{ledger.MilestoneSubmitted, ledger.MilestoneCompleted, false},
		{ledger.MilestoneCompleted, ledger.MilestonePending, false},
		{ledger.MilestoneApproved, ledger.MilestoneSubmitted, false},
	}
	for _, tt := range tests {
		if got := CanTransitionMilestone(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransitionMilestone(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
