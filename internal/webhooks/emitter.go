package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/deferredpay/facilitator/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facilitator",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facilitator",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter wraps a Dispatcher to emit ledger lifecycle events. All methods
// are fire-and-forget: errors are logged but never returned, since a
// notification failure must never block the settlement path that triggered it.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(agentAddr string, eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	// Deliveries run on goroutines that outlive this call, so the context
	// ends on its own timeout rather than being cancelled on return.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	time.AfterFunc(30*time.Second, cancel)
	if err := e.d.DispatchToAgent(ctx, agentAddr, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "agent", agentAddr, "error", err)
	}
}

// EmitAuthorizationVerified emits an authorization.verified event to the
// paying agent.
func (e *Emitter) EmitAuthorizationVerified(agentAddr, authorizationID, merchantAddr, amount string) {
	e.emit(agentAddr, EventAuthorizationVerified, map[string]interface{}{
		"authorizationId": authorizationID,
		"agentAddress":    agentAddr,
		"merchantAddress": merchantAddr,
		"amount":          amount,
	})
}

// EmitAuthorizationExpired emits an authorization.expired event to the
// agent whose unqueued authorization aged out.
func (e *Emitter) EmitAuthorizationExpired(agentAddr, authorizationID string) {
	e.emit(agentAddr, EventAuthorizationExpired, map[string]interface{}{
		"authorizationId": authorizationID,
		"agentAddress":    agentAddr,
	})
}

// EmitAuthorizationDisputed emits an authorization.disputed event to the
// merchant whose settled or queued charge is now contested.
func (e *Emitter) EmitAuthorizationDisputed(merchantAddr, authorizationID, agentAddr string) {
	e.emit(merchantAddr, EventAuthorizationDisputed, map[string]interface{}{
		"authorizationId": authorizationID,
		"agentAddress":    agentAddr,
		"merchantAddress": merchantAddr,
	})
}

// EmitSettlementCompleted emits a settlement.completed event to the
// merchant who was paid.
func (e *Emitter) EmitSettlementCompleted(merchantAddr, batchID, agentAddr, totalAmount, txSignature string) {
	e.emit(merchantAddr, EventSettlementCompleted, map[string]interface{}{
		"batchId":              batchID,
		"agentAddress":         agentAddr,
		"merchantAddress":      merchantAddr,
		"totalAmount":          totalAmount,
		"transactionSignature": txSignature,
	})
}

// EmitSettlementFailed emits a settlement.failed event to the agent whose
// batch failed to settle on-chain.
func (e *Emitter) EmitSettlementFailed(agentAddr, batchID, merchantAddr, totalAmount, reason string) {
	e.emit(agentAddr, EventSettlementFailed, map[string]interface{}{
		"batchId":         batchID,
		"agentAddress":    agentAddr,
		"merchantAddress": merchantAddr,
		"totalAmount":     totalAmount,
		"reason":          reason,
	})
}

// EmitDisputeCreated emits a dispute.created event to the merchant whose
// authorization is now contested.
func (e *Emitter) EmitDisputeCreated(merchantAddr, disputeID, authorizationID, agentAddr, reason string) {
	e.emit(merchantAddr, EventDisputeCreated, map[string]interface{}{
		"disputeId":       disputeID,
		"authorizationId": authorizationID,
		"agentAddress":    agentAddr,
		"merchantAddress": merchantAddr,
		"reason":          reason,
	})
}

// EmitDisputeResolved emits a dispute.resolved event to the agent who
// filed it.
func (e *Emitter) EmitDisputeResolved(agentAddr, disputeID, authorizationID string, approved bool) {
	e.emit(agentAddr, EventDisputeResolved, map[string]interface{}{
		"disputeId":       disputeID,
		"authorizationId": authorizationID,
		"agentAddress":    agentAddr,
		"approved":        approved,
	})
}
