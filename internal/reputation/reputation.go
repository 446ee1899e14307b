// Package reputation scores an agent's trustworthiness from its
// settlement and dispute history.
package reputation

// Score computes an agent's reputation on a 0-100 scale:
//
//	settledRate - 2*disputeRate
//
// where settledRate and disputeRate are percentages of the agent's total
// authorizations. An agent with no authorizations yet scores 100 — there
// is no adverse history to penalize. The dispute penalty is weighted 2x
// because a dispute reflects a merchant's claim the agent reneged,
// whereas settledRate alone cannot distinguish "still pending" from
// "actively disputed".
func Score(totalAuthorizations, settledCount, disputeCount int) float64 {
	if totalAuthorizations == 0 {
		return 100
	}

	settledRate := float64(settledCount) / float64(totalAuthorizations) * 100
	disputeRate := float64(disputeCount) / float64(totalAuthorizations) * 100

	score := settledRate - 2*disputeRate
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
