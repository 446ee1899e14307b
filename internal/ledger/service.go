package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/deferredpay/facilitator/internal/idgen"
	"github.com/deferredpay/facilitator/internal/metrics"
	"github.com/deferredpay/facilitator/internal/money"
	"github.com/deferredpay/facilitator/internal/queue"
	"github.com/deferredpay/facilitator/internal/realtime"
	"github.com/deferredpay/facilitator/internal/webhooks"
)

// ThresholdChecker lets the Settlement Engine (C3) tell the ledger whether
// a newly queued authorization should trigger settlement. The ledger
// never evaluates thresholds itself — that policy belongs to C3 — but
// queueForSettlement's return value depends on it, so the engine is wired
// in after construction via SetThresholdChecker.
type ThresholdChecker interface {
	ShouldSettle(agentAddress string) bool
}

type noopChecker struct{}

func (noopChecker) ShouldSettle(string) bool { return false }

// nowFn is indirected so tests can control time without sleeping.
var nowFn = nowMillis

// Service is the Authorization Ledger (C1). All mutable state lives here;
// it is the only component permitted to mutate Authorization, AgentUsage,
// and SettlementBatch records.
type Service struct {
	mu       sync.Mutex
	auths    map[string]*Authorization
	usage    map[string]*AgentUsage
	batches  map[string]*SettlementBatch
	q        *queue.Queue
	recorder Recorder
	checker  ThresholdChecker
	emitter  *webhooks.Emitter
	hub      *realtime.Hub
}

// New creates an empty ledger. recorder may be NoopRecorder{} when no
// durability sink is configured.
func New(recorder Recorder) *Service {
	if recorder == nil {
		recorder = NoopRecorder{}
	}
	return &Service{
		auths:    make(map[string]*Authorization),
		usage:    make(map[string]*AgentUsage),
		batches:  make(map[string]*SettlementBatch),
		q:        queue.New(),
		recorder: recorder,
		checker:  noopChecker{},
	}
}

// SetThresholdChecker wires the Settlement Engine in after construction.
func (s *Service) SetThresholdChecker(c ThresholdChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checker = c
}

// SetEmitter wires a webhook emitter for notifying agents and merchants of
// lifecycle events. Nil is safe and disables notifications.
func (s *Service) SetEmitter(e *webhooks.Emitter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitter = e
}

// SetHub wires a realtime dashboard hub for broadcasting lifecycle events.
// Nil is safe and disables broadcasting.
func (s *Service) SetHub(h *realtime.Hub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hub = h
}

// Verify validates and stores an incoming authorization.
func (s *Service) Verify(ctx context.Context, a Authorization) (bool, string) {
	s.mu.Lock()

	if _, exists := s.auths[a.ID]; exists {
		s.mu.Unlock()
		return false, "Authorization already exists"
	}

	now := nowFn()
	if a.ExpiresAt < now {
		s.mu.Unlock()
		return false, "Authorization expired"
	}

	if !verifySignature(a) {
		s.mu.Unlock()
		return false, "Invalid signature"
	}

	a.Status = StatusPending
	stored := a
	s.auths[a.ID] = &stored

	u, ok := s.usage[a.AgentAddress]
	if !ok {
		u = &AgentUsage{
			AgentAddress:   a.AgentAddress,
			FirstRequestAt: now,
		}
		s.usage[a.AgentAddress] = u
	}
	u.AuthorizationIDs = append(u.AuthorizationIDs, a.ID)
	u.RequestCount++
	u.LastRequestAt = now
	total, _ := money.Sum([]string{u.TotalAmount, a.Amount})
	u.TotalAmount = money.Format(total)

	emitter := s.emitter
	hub := s.hub
	s.mu.Unlock()

	metrics.AuthorizationsTotal.WithLabelValues(string(StatusPending)).Inc()
	s.recorder.Record(ctx, "authorization.verified", stored)
	emitter.EmitAuthorizationVerified(stored.AgentAddress, stored.ID, stored.MerchantAddress, stored.Amount)
	hub.BroadcastAuthorizationVerified(stored.ID, stored.AgentAddress, stored.MerchantAddress, stored.Amount)
	return true, ""
}

// QueueForSettlement appends id to the settlement queue and transitions it
// from pending to validated.
func (s *Service) QueueForSettlement(ctx context.Context, id string) (success bool, shouldSettle bool, reason string, err error) {
	s.mu.Lock()

	a, ok := s.auths[id]
	if !ok {
		s.mu.Unlock()
		return false, false, "", ErrNotFound
	}
	if s.q.Contains(id) {
		s.mu.Unlock()
		return false, false, "", ErrAlreadyQueued
	}
	if a.Status == StatusSettled {
		s.mu.Unlock()
		return false, false, "", ErrAlreadySettled
	}

	s.q.Append(id)
	a.Status = StatusValidated
	agentAddress := a.AgentAddress
	checker := s.checker
	backlog := s.q.Len()

	s.mu.Unlock()

	metrics.QueueBacklog.Set(float64(backlog))
	s.recorder.Record(ctx, "authorization.queued", map[string]string{"id": id})

	if checker.ShouldSettle(agentAddress) {
		return true, true, "Settlement threshold met", nil
	}
	return true, false, "", nil
}

// Get returns a copy of the authorization with the given id.
func (s *Service) Get(id string) (Authorization, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.auths[id]
	if !ok {
		return Authorization{}, false
	}
	return *a, true
}

// ListByAgent returns every authorization ever submitted by agent, in
// submission order.
func (s *Service) ListByAgent(agent string) []Authorization {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usage[agent]
	if !ok {
		return nil
	}
	out := make([]Authorization, 0, len(u.AuthorizationIDs))
	for _, id := range u.AuthorizationIDs {
		if a, ok := s.auths[id]; ok {
			out = append(out, *a)
		}
	}
	return out
}

// ListPending returns agent's queued authorizations currently validated.
func (s *Service) ListPending(agent string) []Authorization {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Authorization
	for _, a := range s.listPendingLocked(agent, "") {
		if a.Status == StatusValidated {
			out = append(out, a)
		}
	}
	return out
}

// ListPendingForPair returns agent's queued authorizations for a specific
// merchant. Used by the Settlement Engine for threshold evaluation and
// batch membership.
func (s *Service) ListPendingForPair(agent, merchant string) []Authorization {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listPendingLocked(agent, merchant)
}

// listPendingLocked must be called with s.mu held. merchant == "" matches
// any merchant.
func (s *Service) listPendingLocked(agent, merchant string) []Authorization {
	var out []Authorization
	for _, id := range s.q.All() {
		a, ok := s.auths[id]
		if !ok || a.AgentAddress != agent {
			continue
		}
		if merchant != "" && a.MerchantAddress != merchant {
			continue
		}
		out = append(out, *a)
	}
	return out
}

// ListAllAuthorizations returns every authorization ever submitted,
// across every agent. Used by monitoring for global projections.
func (s *Service) ListAllAuthorizations() []Authorization {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Authorization, 0, len(s.auths))
	for _, a := range s.auths {
		out = append(out, *a)
	}
	return out
}

// GetPendingMerchants returns the unique merchant addresses across agent's
// queued entries.
func (s *Service) GetPendingMerchants(agent string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, id := range s.q.All() {
		a, ok := s.auths[id]
		if !ok || a.AgentAddress != agent {
			continue
		}
		if !seen[a.MerchantAddress] {
			seen[a.MerchantAddress] = true
			out = append(out, a.MerchantAddress)
		}
	}
	sort.Strings(out)
	return out
}

// GetUsage returns the derived usage index for agent.
func (s *Service) GetUsage(agent string) (AgentUsage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usage[agent]
	if !ok {
		return AgentUsage{}, false
	}
	return *u, true
}

// AllAgents returns every agent address with at least one usage record.
func (s *Service) AllAgents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.usage))
	for addr := range s.usage {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

// QueueBacklog returns the number of entries currently queued.
func (s *Service) QueueBacklog() int {
	return s.q.Len()
}

// QueuedIDs returns every authorization id currently in the settlement
// queue. Used by the invariant checker; the queue never exposes its
// ordering to anything but the ledger that owns queue membership policy.
func (s *Service) QueuedIDs() []string {
	return s.q.All()
}

// RegisterBatch creates a new pending SettlementBatch from the given
// member snapshot. Members remain in the settlement queue and validated
// until the batch completes — see CompleteSettlement.
func (s *Service) RegisterBatch(ctx context.Context, agentAddress, merchantAddress string, members []Authorization) (SettlementBatch, error) {
	amounts := make([]string, 0, len(members))
	for _, m := range members {
		amounts = append(amounts, m.Amount)
	}
	total, ok := money.Sum(amounts)
	if !ok {
		total, _ = money.Sum(nil)
	}

	currency := ""
	if len(members) > 0 {
		currency = members[0].Currency
	}

	batch := SettlementBatch{
		ID:              idgen.WithPrefix("batch_"),
		AgentAddress:    agentAddress,
		MerchantAddress: merchantAddress,
		Authorizations:  members,
		TotalAmount:     money.Format(total),
		Currency:        currency,
		Status:          BatchPending,
		CreatedAt:       nowFn(),
	}

	s.mu.Lock()
	s.batches[batch.ID] = &batch
	s.mu.Unlock()

	s.recorder.Record(ctx, "batch.created", batch)
	return batch, nil
}

// GetBatch returns the batch with the given id.
func (s *Service) GetBatch(id string) (SettlementBatch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return SettlementBatch{}, false
	}
	return *b, true
}

// ListBatches returns every batch, optionally filtered by agent.
func (s *Service) ListBatches(agent string) []SettlementBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SettlementBatch, 0, len(s.batches))
	for _, b := range s.batches {
		if agent != "" && b.AgentAddress != agent {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// MarkProcessing transitions a batch from pending to processing. Called by
// the Settlement Engine immediately before invoking the Signer.
func (s *Service) MarkProcessing(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return ErrBatchNotFound
	}
	b.Status = BatchProcessing
	return nil
}

// CompleteSettlement marks a batch (and all its members) settled.
func (s *Service) CompleteSettlement(ctx context.Context, batchID, txSig string) error {
	s.mu.Lock()
	b, ok := s.batches[batchID]
	if !ok {
		s.mu.Unlock()
		return ErrBatchNotFound
	}

	b.Status = BatchCompleted
	b.SettledAt = nowFn()
	b.TransactionSignature = txSig

	for _, member := range b.Authorizations {
		if a, ok := s.auths[member.ID]; ok {
			a.Status = StatusSettled
		}
		s.q.Remove(member.ID)
	}
	snapshot := *b
	backlog := s.q.Len()
	emitter := s.emitter
	hub := s.hub
	s.mu.Unlock()

	metrics.SettlementBatchesTotal.WithLabelValues(string(BatchCompleted)).Inc()
	metrics.BatchSize.Observe(float64(len(snapshot.Authorizations)))
	metrics.AuthorizationsTotal.WithLabelValues(string(StatusSettled)).Add(float64(len(snapshot.Authorizations)))
	metrics.QueueBacklog.Set(float64(backlog))
	if amt, ok := money.Parse(snapshot.TotalAmount); ok {
		f, _ := new(big.Float).SetInt(amt).Float64()
		metrics.BatchAmount.Observe(f)
	}
	if snapshot.SettledAt > 0 && snapshot.CreatedAt > 0 {
		metrics.SettlementDuration.Observe(float64(snapshot.SettledAt-snapshot.CreatedAt) / 1000)
	}
	s.recorder.Record(ctx, "batch.completed", snapshot)
	emitter.EmitSettlementCompleted(snapshot.MerchantAddress, snapshot.ID, snapshot.AgentAddress, snapshot.TotalAmount, txSig)
	hub.BroadcastSettlementCompleted(snapshot.ID, snapshot.AgentAddress, snapshot.MerchantAddress, snapshot.TotalAmount)
	return nil
}

// FailSettlement marks a batch failed and returns its members to pending.
// Queue membership is left exactly as it was at failure time: members
// were never removed from the queue at batch-creation time, so they
// remain queued even though their status reverts to pending. This mirrors
// the ambiguity the specification documents rather than resolves — the
// scheduler will naturally reconsider them on its next tick.
func (s *Service) FailSettlement(ctx context.Context, batchID, errMsg string) error {
	s.mu.Lock()
	b, ok := s.batches[batchID]
	if !ok {
		s.mu.Unlock()
		return ErrBatchNotFound
	}

	b.Status = BatchFailed
	b.Error = errMsg

	for _, member := range b.Authorizations {
		if a, ok := s.auths[member.ID]; ok {
			a.Status = StatusPending
		}
	}
	snapshot := *b
	emitter := s.emitter
	hub := s.hub
	s.mu.Unlock()

	metrics.SettlementBatchesTotal.WithLabelValues(string(BatchFailed)).Inc()
	s.recorder.Record(ctx, "batch.failed", snapshot)
	emitter.EmitSettlementFailed(snapshot.AgentAddress, snapshot.ID, snapshot.MerchantAddress, snapshot.TotalAmount, errMsg)
	hub.BroadcastSettlementFailed(snapshot.ID, snapshot.AgentAddress, snapshot.MerchantAddress, snapshot.TotalAmount, errMsg)
	return nil
}

// CleanupExpired transitions pending authorizations past their expiry to
// expired and removes them from the queue if present. Returns the count
// cleaned.
func (s *Service) CleanupExpired(ctx context.Context) int {
	now := nowFn()
	s.mu.Lock()
	var expired []Authorization
	for id, a := range s.auths {
		if a.Status == StatusPending && a.ExpiresAt < now {
			a.Status = StatusExpired
			s.q.Remove(id)
			expired = append(expired, *a)
		}
	}
	emitter := s.emitter
	s.mu.Unlock()

	count := len(expired)
	if count > 0 {
		metrics.AuthorizationsTotal.WithLabelValues(string(StatusExpired)).Add(float64(count))
		s.recorder.Record(ctx, "authorizations.expired", map[string]int{"count": count})
		for _, a := range expired {
			emitter.EmitAuthorizationExpired(a.AgentAddress, a.ID)
		}
	}
	return count
}

// MarkDisputed transitions an authorization to disputed and removes it
// from the settlement queue if present. Used by the Dispute Manager (C4);
// C4 must not mutate Authorization state directly.
func (s *Service) MarkDisputed(ctx context.Context, id string) error {
	s.mu.Lock()
	a, ok := s.auths[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	a.Status = StatusDisputed
	s.q.Remove(id)
	backlog := s.q.Len()
	snapshot := *a
	emitter := s.emitter
	hub := s.hub
	s.mu.Unlock()

	metrics.AuthorizationsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	metrics.QueueBacklog.Set(float64(backlog))
	s.recorder.Record(ctx, "authorization.disputed", map[string]string{"id": id})
	emitter.EmitAuthorizationDisputed(snapshot.MerchantAddress, snapshot.ID, snapshot.AgentAddress)
	hub.BroadcastAuthorizationDisputed(snapshot.ID, snapshot.AgentAddress, snapshot.MerchantAddress)
	return nil
}

// ReturnToValidated transitions an authorization back to validated and
// re-appends it to the settlement queue. Used when a dispute is rejected
// (the merchant wins and settlement proceeds).
func (s *Service) ReturnToValidated(ctx context.Context, id string) error {
	s.mu.Lock()
	a, ok := s.auths[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	a.Status = StatusValidated
	s.q.Append(id)
	s.mu.Unlock()

	s.recorder.Record(ctx, "authorization.revalidated", map[string]string{"id": id})
	return nil
}
