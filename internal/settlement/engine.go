package settlement

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/deferredpay/facilitator/internal/ledger"
	"github.com/deferredpay/facilitator/internal/money"
	"github.com/deferredpay/facilitator/internal/traces"
)

// Engine evaluates settlement thresholds and dispatches batches. It
// implements ledger.ThresholdChecker so the Authorization Ledger can ask
// "should this agent's queue be settled now?" without owning the policy
// itself.
type Engine struct {
	ledger *ledger.Service
	signer Signer
	cfg    ThresholdConfig
	logger *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool

	scheduler *scheduler
}

var _ ledger.ThresholdChecker = (*Engine)(nil)

// New creates a settlement engine bound to the given ledger and signer.
// The caller is expected to call ledgerSvc.SetThresholdChecker(engine)
// once both are constructed.
func New(ledgerSvc *ledger.Service, signer Signer, cfg ThresholdConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		ledger:   ledgerSvc,
		signer:   signer,
		cfg:      cfg,
		logger:   logger,
		inFlight: make(map[string]bool),
	}
	e.scheduler = newScheduler(e, cfg.CheckInterval)
	return e
}

func inFlightKey(agent, merchant string) string {
	return agent + "|" + merchant
}

// ShouldSettle reports whether ANY merchant pairing for agentAddress
// currently meets a settlement threshold. It does not itself create a
// batch — the /queue handler only reports the result as shouldSettle; the
// batch forms on the scheduler's next tick (when it is running) or through
// /settlement/trigger.
func (e *Engine) ShouldSettle(agentAddress string) bool {
	for _, merchant := range e.ledger.GetPendingMerchants(agentAddress) {
		if e.pairMeetsThreshold(agentAddress, merchant) {
			return true
		}
	}
	return false
}

func (e *Engine) pairMeetsThreshold(agent, merchant string) bool {
	members := e.ledger.ListPendingForPair(agent, merchant)
	if len(members) == 0 {
		return false
	}

	if e.cfg.CountThreshold > 0 && len(members) >= e.cfg.CountThreshold {
		return true
	}

	if e.cfg.AmountThreshold != "" {
		amounts := make([]string, 0, len(members))
		for _, m := range members {
			amounts = append(amounts, m.Amount)
		}
		total, ok := money.Sum(amounts)
		threshold, okThresh := money.Parse(e.cfg.AmountThreshold)
		if ok && okThresh && total.Cmp(threshold) >= 0 {
			return true
		}
	}

	if e.cfg.TimeThreshold > 0 {
		usage, ok := e.ledger.GetUsage(agent)
		if ok {
			age := time.Since(time.UnixMilli(usage.FirstRequestAt))
			if age >= e.cfg.TimeThreshold {
				return true
			}
		}
	}

	return false
}

// TriggerSettlement attempts to settle every merchant pairing for agent
// that currently meets a threshold. It returns the ids of batches it
// created (whether they ultimately succeeded or failed).
func (e *Engine) TriggerSettlement(ctx context.Context, agentAddress string) []string {
	var batchIDs []string
	for _, merchant := range e.ledger.GetPendingMerchants(agentAddress) {
		if !e.pairMeetsThreshold(agentAddress, merchant) {
			continue
		}
		if id, ok := e.settlePair(ctx, agentAddress, merchant); ok {
			batchIDs = append(batchIDs, id)
		}
	}
	return batchIDs
}

// TriggerAll sweeps every known agent. Used by the scheduler and by the
// manual /settlement/trigger endpoint when no agentAddress is given.
func (e *Engine) TriggerAll(ctx context.Context) []string {
	var batchIDs []string
	for _, agent := range e.ledger.AllAgents() {
		batchIDs = append(batchIDs, e.TriggerSettlement(ctx, agent)...)
	}
	return batchIDs
}

// settlePair creates a batch for (agent, merchant) and dispatches it to
// the Signer. The in-flight guard prevents two concurrent callers (the
// scheduler and a manual trigger, say) from double-settling the same
// pair. The Signer call happens without the engine's own mutex held —
// only the in-flight-set bookkeeping is serialized by it.
func (e *Engine) settlePair(ctx context.Context, agent, merchant string) (string, bool) {
	ctx, span := traces.StartSpan(ctx, "settlement.settlePair",
		traces.AgentAddr(agent), traces.MerchantAddr(merchant))
	defer span.End()

	key := inFlightKey(agent, merchant)

	e.mu.Lock()
	if e.inFlight[key] {
		e.mu.Unlock()
		return "", false
	}
	e.inFlight[key] = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inFlight, key)
		e.mu.Unlock()
	}()

	members := e.ledger.ListPendingForPair(agent, merchant)
	if len(members) == 0 {
		return "", false
	}

	batch, err := e.ledger.RegisterBatch(ctx, agent, merchant, members)
	if err != nil {
		e.logger.Error("failed to register settlement batch", "agent", agent, "merchant", merchant, "error", err)
		return "", false
	}
	span.SetAttributes(traces.BatchID(batch.ID))

	if err := e.ledger.MarkProcessing(batch.ID); err != nil {
		e.logger.Error("failed to mark batch processing", "batchId", batch.ID, "error", err)
		return batch.ID, false
	}

	// Detached from cancellation so that stopping the scheduler does not
	// interrupt a Signer call already under way.
	txSig, err := e.signer.Settle(context.WithoutCancel(ctx), batch)
	if err != nil {
		e.logger.Warn("settlement dispatch failed, batch will be retried", "batchId", batch.ID, "error", err)
		if ferr := e.ledger.FailSettlement(ctx, batch.ID, err.Error()); ferr != nil {
			e.logger.Error("failed to record settlement failure", "batchId", batch.ID, "error", ferr)
		}
		return batch.ID, true
	}

	if err := e.ledger.CompleteSettlement(ctx, batch.ID, txSig); err != nil {
		e.logger.Error("failed to record settlement completion", "batchId", batch.ID, "error", err)
		return batch.ID, true
	}

	e.logger.Info("settlement batch completed", "batchId", batch.ID, "agent", agent, "merchant", merchant, "tx", txSig)
	return batch.ID, true
}

// CreateBatch builds a pending SettlementBatch for (agent, merchant) and
// returns it without dispatching — the batch is finished only through the
// /batch/complete and /batch/fail callbacks; the scheduler and
// TriggerSettlement register batches of their own and never pick up an
// existing pending one. If merchant is empty, the merchant with the most
// entries currently queued for agent is selected. Returns (zero, false)
// when agent has nothing queued for the selected (or any) merchant.
func (e *Engine) CreateBatch(ctx context.Context, agent, merchant string) (ledger.SettlementBatch, bool) {
	ctx, span := traces.StartSpan(ctx, "settlement.createBatch", traces.AgentAddr(agent))
	defer span.End()

	if merchant == "" {
		merchant = e.busiestMerchant(agent)
		if merchant == "" {
			return ledger.SettlementBatch{}, false
		}
	}
	span.SetAttributes(traces.MerchantAddr(merchant))

	key := inFlightKey(agent, merchant)
	e.mu.Lock()
	if e.inFlight[key] {
		e.mu.Unlock()
		return ledger.SettlementBatch{}, false
	}
	e.inFlight[key] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inFlight, key)
		e.mu.Unlock()
	}()

	members := e.ledger.ListPendingForPair(agent, merchant)
	if len(members) == 0 {
		return ledger.SettlementBatch{}, false
	}

	batch, err := e.ledger.RegisterBatch(ctx, agent, merchant, members)
	if err != nil {
		e.logger.Error("failed to register settlement batch", "agent", agent, "merchant", merchant, "error", err)
		return ledger.SettlementBatch{}, false
	}
	span.SetAttributes(traces.BatchID(batch.ID))
	return batch, true
}

// busiestMerchant returns the merchant with the most entries currently
// queued for agent, or "" if agent has nothing queued.
func (e *Engine) busiestMerchant(agent string) string {
	best := ""
	bestCount := 0
	for _, merchant := range e.ledger.GetPendingMerchants(agent) {
		if count := len(e.ledger.ListPendingForPair(agent, merchant)); count > bestCount {
			bestCount = count
			best = merchant
		}
	}
	return best
}

// AutoSettlementEnabled reports whether the engine is configured to run
// its scheduler automatically (independent of whether it is currently
// running — see Running).
func (e *Engine) AutoSettlementEnabled() bool {
	return e.cfg.AutoSettlement
}

// Start launches the background scheduler, if AutoSettlement is enabled.
func (e *Engine) Start() {
	if e.cfg.AutoSettlement {
		e.scheduler.start()
	}
}

// Stop halts the background scheduler. It never interrupts an in-flight
// Signer call — it only stops new ticks from firing.
func (e *Engine) Stop() {
	e.scheduler.stop()
}

// Running reports whether the background scheduler is currently active.
func (e *Engine) Running() bool {
	return e.scheduler.running()
}
