// Package reconciliation periodically sweeps the ledger for drift from its
// documented invariants (queue membership, settlement completeness, batch
// signatures) and reports violations via Prometheus gauges. It never
// repairs anything. Members of a failed batch are counted under
// queued_not_validated until a later batch settles them, because
// FailSettlement returns them to pending while leaving them queued; any
// other non-zero violation count means a bug elsewhere, and fixing it
// automatically would hide that.
package reconciliation

import (
	"context"
	"time"

	"github.com/deferredpay/facilitator/internal/ledger"
)

// LedgerInspector is the read-only surface the checker needs. ledger.Service
// satisfies it; tests can supply a stub.
type LedgerInspector interface {
	ListAllAuthorizations() []ledger.Authorization
	QueuedIDs() []string
	ListBatches(agent string) []ledger.SettlementBatch
}

// Result holds every invariant violation found in one run. Each slice lists
// the offending authorization or batch ids; an empty slice means that
// invariant held.
type Result struct {
	QueuedButNotValidated          []string `json:"queuedButNotValidated"`
	SettledMissingCompletedBatch   []string `json:"settledMissingCompletedBatch"`
	CompletedBatchMissingSignature []string `json:"completedBatchMissingSignature"`
	DisputedButStillQueued         []string `json:"disputedButStillQueued"`
}

// Total returns the number of violations across every kind.
func (r Result) Total() int {
	return len(r.QueuedButNotValidated) + len(r.SettledMissingCompletedBatch) +
		len(r.CompletedBatchMissingSignature) + len(r.DisputedButStillQueued)
}

// Checker runs invariant sweeps over a ledger.
type Checker struct {
	ledger LedgerInspector
}

// NewChecker creates a checker bound to the given ledger.
func NewChecker(l LedgerInspector) *Checker {
	return &Checker{ledger: l}
}

// RunAll performs one full sweep and records the outcome to Prometheus.
func (c *Checker) RunAll(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() { runDuration.Observe(time.Since(start).Seconds()) }()

	auths := c.ledger.ListAllAuthorizations()
	byID := make(map[string]ledger.Authorization, len(auths))
	for _, a := range auths {
		byID[a.ID] = a
	}

	var result Result

	queued := c.ledger.QueuedIDs()
	queuedSet := make(map[string]bool, len(queued))
	for _, id := range queued {
		queuedSet[id] = true
		a, ok := byID[id]
		if !ok || a.Status != ledger.StatusValidated {
			result.QueuedButNotValidated = append(result.QueuedButNotValidated, id)
		}
	}

	settledInCompletedBatch := make(map[string]bool)
	batches := c.ledger.ListBatches("")
	for _, b := range batches {
		if b.Status != ledger.BatchCompleted {
			continue
		}
		if b.TransactionSignature == "" {
			result.CompletedBatchMissingSignature = append(result.CompletedBatchMissingSignature, b.ID)
		}
		for _, member := range b.Authorizations {
			settledInCompletedBatch[member.ID] = true
		}
	}

	for _, a := range auths {
		switch a.Status {
		case ledger.StatusSettled:
			if !settledInCompletedBatch[a.ID] {
				result.SettledMissingCompletedBatch = append(result.SettledMissingCompletedBatch, a.ID)
			}
		case ledger.StatusDisputed:
			if queuedSet[a.ID] {
				result.DisputedButStillQueued = append(result.DisputedButStillQueued, a.ID)
			}
		}
	}

	invariantViolations.WithLabelValues("queued_not_validated").Set(float64(len(result.QueuedButNotValidated)))
	invariantViolations.WithLabelValues("settled_missing_batch").Set(float64(len(result.SettledMissingCompletedBatch)))
	invariantViolations.WithLabelValues("completed_batch_no_signature").Set(float64(len(result.CompletedBatchMissingSignature)))
	invariantViolations.WithLabelValues("disputed_still_queued").Set(float64(len(result.DisputedButStillQueued)))

	return result, nil
}
