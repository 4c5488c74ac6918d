package rewards

import (
	"github.com/warp/referral-ledger/core"
)

// =============================================================================
// STATE MACHINE
// =============================================================================
//
//	PENDING ──confirm──► CONFIRMED ──pay──► PAID
//	   │                     │
//	   └──────reverse────────┴──────────► REVERSED
//
// PAID and REVERSED are terminal.

var transitions = map[core.RewardStatus][]core.RewardStatus{
	core.RewardPending:   {core.RewardConfirmed, core.RewardReversed},
	core.RewardConfirmed: {core.RewardPaid, core.RewardReversed},
	core.RewardPaid:      nil,
	core.RewardReversed:  nil,
}

// Allowed returns the statuses reachable from s in one step.
func Allowed(s core.RewardStatus) []core.RewardStatus {
	next := transitions[s]
	out := make([]core.RewardStatus, len(next))
	copy(out, next)
	return out
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to core.RewardStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func validateTransition(from, to core.RewardStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return &core.InvalidTransitionError{From: from, To: to, Allowed: Allowed(from)}
}
