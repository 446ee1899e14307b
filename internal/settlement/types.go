// Package settlement implements the Settlement Engine (C3): it evaluates
// settlement thresholds, batches queued authorizations per (agent,
// merchant) pair, and dispatches each batch to a Signer for on-chain
// settlement.
package settlement

import "time"

// ThresholdConfig controls when a (agent, merchant) pair becomes eligible
// for automatic settlement. Any one of the three thresholds firing is
// sufficient — they are not combined with AND.
type ThresholdConfig struct {
	// AmountThreshold is a decimal string in the ledger's currency units
	// (e.g. "1.00"). Met when the pending total for a pair is >= this.
	AmountThreshold string

	// TimeThreshold is measured from the agent's first-ever request
	// (AgentUsage.FirstRequestAt), not from the oldest queued entry for
	// the pair — this mirrors the agent's overall age, not the pair's.
	TimeThreshold time.Duration

	// CountThreshold is met when the pending count for a pair reaches it.
	CountThreshold int

	// AutoSettlement enables the background scheduler. When false, batches
	// only form through the manual /settlement/trigger and /batch/create
	// endpoints.
	AutoSettlement bool

	// CheckInterval is the scheduler tick period.
	CheckInterval time.Duration
}

// DefaultThresholdConfig matches the specification's documented defaults.
func DefaultThresholdConfig() ThresholdConfig {
	return ThresholdConfig{
		AmountThreshold: "1.00",
		TimeThreshold:   time.Hour,
		CountThreshold:  100,
		AutoSettlement:  true,
		CheckInterval:   60 * time.Second,
	}
}
