package escrow

import (
	"slices"

	"github.com/mbd888/smartescrow/internal/ledger"
)

// transitions lists the legal escrow status changes. completed and
// cancelled have no outgoing edges.
var transitions = map[ledger.EscrowStatus][]ledger.EscrowStatus{
	ledger.EscrowDraft:  {ledger.EscrowActive, ledger.EscrowCancelled},
	ledger.EscrowActive: {ledger.EscrowCompleted, ledger.EscrowDisputeRaised, ledger.EscrowFrozen, ledger.EscrowCancelled},
	ledger.EscrowFrozen: {ledger.EscrowActive},
	// A resolution either resumes the escrow or ends it.
	ledger.EscrowDisputeRaised: {ledger.EscrowActive, ledger.EscrowCancelled, ledger.EscrowCompleted},
}

// CanTransition reports whether an escrow may move from one status to another.
func CanTransition(from, to ledger.EscrowStatus) bool {
	return slices.Contains(transitions[from], to)
}

// milestoneTransitions lists the legal milestone status changes made by
// ordinary tracker operations. Overrides and force-complete go around it.
var milestoneTransitions = map[ledger.MilestoneStatus][]ledger.MilestoneStatus{
	ledger.MilestonePending:   {ledger.MilestoneSubmitted},
	ledger.MilestoneRejected:  {ledger.MilestoneSubmitted},
	ledger.MilestoneSubmitted: {ledger.MilestoneApproved, ledger.MilestonePending},
	ledger.MilestoneApproved:  {ledger.MilestoneCompleted},
}

// CanTransitionMilestone reports whether a milestone may move between statuses.
func CanTransitionMilestone(from, to ledger.MilestoneStatus) bool {
	return slices.Contains(milestoneTransitions[from], to)
}
