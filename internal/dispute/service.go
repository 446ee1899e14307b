package dispute

import (
	"context"
	"sort"
	"sync"

	"github.com/deferredpay/facilitator/internal/idgen"
	"github.com/deferredpay/facilitator/internal/ledger"
	"github.com/deferredpay/facilitator/internal/metrics"
	"github.com/deferredpay/facilitator/internal/realtime"
	"github.com/deferredpay/facilitator/internal/traces"
	"github.com/deferredpay/facilitator/internal/webhooks"
)

// Service is the Dispute Manager (C4).
type Service struct {
	mu       sync.Mutex
	disputes map[string]*Record
	byAuth   map[string]string // authorizationId -> disputeId of its pending dispute
	ledger   *ledger.Service
	emitter  *webhooks.Emitter
	hub      *realtime.Hub
}

// New creates an empty dispute manager bound to ledgerSvc.
func New(ledgerSvc *ledger.Service) *Service {
	return &Service{
		disputes: make(map[string]*Record),
		byAuth:   make(map[string]string),
		ledger:   ledgerSvc,
	}
}

// SetEmitter wires a webhook emitter for notifying merchants and agents of
// dispute lifecycle events. Nil is safe and disables notifications.
func (s *Service) SetEmitter(e *webhooks.Emitter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitter = e
}

// SetHub wires a realtime dashboard hub for broadcasting dispute lifecycle
// events. Nil is safe and disables broadcasting.
func (s *Service) SetHub(h *realtime.Hub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hub = h
}

// CreateDispute requires the authorization to exist and its agentAddress
// to match the caller. It creates a pending DisputeRecord, transitions
// the authorization to disputed, and removes it from the settlement
// queue if present.
func (s *Service) CreateDispute(ctx context.Context, authorizationID, agentAddress, reason string, evidence interface{}) (Record, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.create",
		traces.AuthorizationID(authorizationID), traces.AgentAddr(agentAddress))
	defer span.End()

	auth, found := s.ledger.Get(authorizationID)
	if !found {
		return Record{}, ErrAuthorizationNotFound
	}
	if auth.AgentAddress != agentAddress {
		return Record{}, ErrAgentMismatch
	}

	s.mu.Lock()
	if existing, ok := s.byAuth[authorizationID]; ok {
		if d, ok := s.disputes[existing]; ok && d.Status == StatusPending {
			s.mu.Unlock()
			return Record{}, ErrAlreadyDisputed
		}
	}

	record := &Record{
		ID:              idgen.WithPrefix("dispute_"),
		AuthorizationID: authorizationID,
		AgentAddress:    agentAddress,
		MerchantAddress: auth.MerchantAddress,
		Reason:          reason,
		Evidence:        evidence,
		Status:          StatusPending,
		CreatedAt:       nowMillis(),
	}
	s.disputes[record.ID] = record
	s.byAuth[authorizationID] = record.ID
	emitter := s.emitter
	hub := s.hub
	s.mu.Unlock()

	span.SetAttributes(traces.DisputeID(record.ID))

	if err := s.ledger.MarkDisputed(ctx, authorizationID); err != nil {
		return Record{}, err
	}

	metrics.DisputesTotal.WithLabelValues("pending").Inc()
	emitter.EmitDisputeCreated(record.MerchantAddress, record.ID, authorizationID, agentAddress, reason)
	hub.BroadcastDisputeCreated(record.ID, authorizationID, agentAddress, record.MerchantAddress)
	return *record, nil
}

// ResolveDispute applies resolution to disputeID. If rejected, the
// authorization returns to validated and is re-appended to the
// settlement queue (the merchant prevails). If approved, the
// authorization remains disputed and will never settle (the agent's
// claim is upheld). Either way the dispute's own status becomes
// resolved.
func (s *Service) ResolveDispute(ctx context.Context, disputeID string, resolution Resolution, note string) (Record, error) {
	if resolution != ResolutionApproved && resolution != ResolutionRejected {
		return Record{}, ErrInvalidResolution
	}

	s.mu.Lock()
	d, ok := s.disputes[disputeID]
	if !ok {
		s.mu.Unlock()
		return Record{}, ErrDisputeNotFound
	}
	if d.Status == StatusResolved {
		s.mu.Unlock()
		return Record{}, ErrAlreadyResolved
	}

	d.Status = StatusResolved
	d.ResolvedAt = nowMillis()
	d.Resolution = note
	authorizationID := d.AuthorizationID
	snapshot := *d
	emitter := s.emitter
	hub := s.hub
	s.mu.Unlock()

	approved := resolution == ResolutionApproved
	if resolution == ResolutionRejected {
		if err := s.ledger.ReturnToValidated(ctx, authorizationID); err != nil {
			return Record{}, err
		}
		metrics.DisputesTotal.WithLabelValues("rejected").Inc()
	} else {
		metrics.DisputesTotal.WithLabelValues("approved").Inc()
	}

	emitter.EmitDisputeResolved(snapshot.AgentAddress, snapshot.ID, authorizationID, approved)
	hub.BroadcastDisputeResolved(snapshot.ID, authorizationID, snapshot.AgentAddress, approved)
	return snapshot, nil
}

// Get returns a single dispute record.
func (s *Service) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disputes[id]
	if !ok {
		return Record{}, false
	}
	return *d, true
}

// ListDisputes returns every dispute, optionally filtered by agent.
func (s *Service) ListDisputes(agent string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.disputes))
	for _, d := range s.disputes {
		if agent != "" && d.AgentAddress != agent {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// IsApproved reports whether a resolved dispute's outcome was "approved"
// (the authorization never returned to validated, i.e. it is still
// disputed). Used by monitoring to compute approvedDisputes/
// rejectedDisputes without storing the decision redundantly.
func (s *Service) IsApproved(d Record) bool {
	if d.Status != StatusResolved {
		return false
	}
	auth, found := s.ledger.Get(d.AuthorizationID)
	return found && auth.Status == ledger.StatusDisputed
}
