package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/deferredpay/facilitator/internal/ledger"
)

func signedAuth(id, agent, merchant, amount string) ledger.Authorization {
	a := ledger.Authorization{
		ID:              id,
		AgentAddress:    agent,
		MerchantAddress: merchant,
		ToolName:        "search",
		Amount:          amount,
		Currency:        "USDC",
		Timestamp:       time.Now().UnixMilli(),
		ExpiresAt:       time.Now().Add(time.Hour).UnixMilli(),
		Nonce:           "nonce-" + id,
	}
	a.Signature = ledger.Sign(a)
	return a
}

func newTestEngine(cfg ThresholdConfig, signer Signer) (*Engine, *ledger.Service) {
	l := ledger.New(nil)
	e := New(l, signer, cfg, nil)
	l.SetThresholdChecker(e)
	return e, l
}

func TestShouldSettle_AmountThreshold(t *testing.T) {
	cfg := ThresholdConfig{AmountThreshold: "2.00", CountThreshold: 0, TimeThreshold: 0}
	e, l := newTestEngine(cfg, &MockSigner{})

	a := signedAuth("a1", "agent1", "merchant1", "2.50")
	l.Verify(context.Background(), a)
	_, shouldSettle, _, err := l.QueueForSettlement(context.Background(), "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !shouldSettle {
		t.Fatal("expected amount threshold to trigger settlement")
	}
	_ = e
}

func TestShouldSettle_CountThreshold(t *testing.T) {
	cfg := ThresholdConfig{AmountThreshold: "1000.00", CountThreshold: 2, TimeThreshold: 0}
	_, l := newTestEngine(cfg, &MockSigner{})

	l.Verify(context.Background(), signedAuth("c1", "agent1", "merchant1", "0.01"))
	l.Verify(context.Background(), signedAuth("c2", "agent1", "merchant1", "0.01"))

	_, shouldSettleFirst, _, _ := l.QueueForSettlement(context.Background(), "c1")
	if shouldSettleFirst {
		t.Fatal("did not expect settlement after only one queued entry")
	}
	_, shouldSettleSecond, _, _ := l.QueueForSettlement(context.Background(), "c2")
	if !shouldSettleSecond {
		t.Fatal("expected count threshold to trigger on second entry")
	}
}

func TestShouldSettle_TimeThresholdUsesAgentFirstRequest(t *testing.T) {
	cfg := ThresholdConfig{AmountThreshold: "1000.00", CountThreshold: 0, TimeThreshold: time.Millisecond}
	_, l := newTestEngine(cfg, &MockSigner{})

	l.Verify(context.Background(), signedAuth("t1", "agent1", "merchant1", "0.01"))
	time.Sleep(5 * time.Millisecond)

	_, shouldSettle, _, _ := l.QueueForSettlement(context.Background(), "t1")
	if !shouldSettle {
		t.Fatal("expected time threshold, measured from the agent's first request, to trigger")
	}
}

func TestTriggerSettlement_DispatchesAndCompletes(t *testing.T) {
	cfg := DefaultThresholdConfig()
	e, l := newTestEngine(cfg, &MockSigner{})

	l.Verify(context.Background(), signedAuth("d1", "agent1", "merchant1", "1.00"))
	l.QueueForSettlement(context.Background(), "d1")

	batchIDs := e.TriggerSettlement(context.Background(), "agent1")
	if len(batchIDs) != 1 {
		t.Fatalf("expected one batch, got %v", batchIDs)
	}

	batch, found := l.GetBatch(batchIDs[0])
	if !found || batch.Status != ledger.BatchCompleted {
		t.Fatalf("expected completed batch, got %+v found=%v", batch, found)
	}

	stored, _ := l.Get("d1")
	if stored.Status != ledger.StatusSettled {
		t.Fatalf("expected settled authorization, got %s", stored.Status)
	}
}

func TestSettlePair_SignerFailureReopensForRetry(t *testing.T) {
	cfg := DefaultThresholdConfig()
	signer := &MockSigner{FailNext: true}
	e, l := newTestEngine(cfg, signer)

	l.Verify(context.Background(), signedAuth("f1", "agent1", "merchant1", "1.00"))
	l.QueueForSettlement(context.Background(), "f1")

	batchIDs := e.TriggerSettlement(context.Background(), "agent1")
	if len(batchIDs) != 1 {
		t.Fatalf("expected one batch attempt, got %v", batchIDs)
	}

	batch, _ := l.GetBatch(batchIDs[0])
	if batch.Status != ledger.BatchFailed {
		t.Fatalf("expected failed batch, got %s", batch.Status)
	}

	stored, _ := l.Get("f1")
	if stored.Status != ledger.StatusPending {
		t.Fatalf("expected authorization reverted to pending for retry, got %s", stored.Status)
	}

	// A subsequent sweep should pick the same authorization back up since
	// it's still queued and pending.
	batchIDs = e.TriggerSettlement(context.Background(), "agent1")
	if len(batchIDs) != 1 {
		t.Fatalf("expected retry to create a new batch, got %v", batchIDs)
	}
	retried, _ := l.GetBatch(batchIDs[0])
	if retried.Status != ledger.BatchCompleted {
		t.Fatalf("expected retry to succeed, got %s", retried.Status)
	}
}

func TestSettlePair_InFlightGuardPreventsDoubleSettle(t *testing.T) {
	cfg := DefaultThresholdConfig()
	e, l := newTestEngine(cfg, &MockSigner{})

	l.Verify(context.Background(), signedAuth("g1", "agent1", "merchant1", "1.00"))
	l.QueueForSettlement(context.Background(), "g1")

	e.mu.Lock()
	e.inFlight[inFlightKey("agent1", "merchant1")] = true
	e.mu.Unlock()

	id, dispatched := e.settlePair(context.Background(), "agent1", "merchant1")
	if dispatched || id != "" {
		t.Fatalf("expected in-flight guard to block dispatch, got id=%q dispatched=%v", id, dispatched)
	}
}

func TestCreateBatch_PendingWithoutDispatch(t *testing.T) {
	e, l := newTestEngine(DefaultThresholdConfig(), &MockSigner{})

	l.Verify(context.Background(), signedAuth("h1", "agent1", "merchant1", "0.60"))
	l.QueueForSettlement(context.Background(), "h1")
	l.Verify(context.Background(), signedAuth("h2", "agent1", "merchant1", "0.50"))
	l.QueueForSettlement(context.Background(), "h2")

	batch, created := e.CreateBatch(context.Background(), "agent1", "merchant1")
	if !created {
		t.Fatalf("expected batch to be created")
	}
	if batch.Status != ledger.BatchPending {
		t.Fatalf("expected status pending, got %s", batch.Status)
	}
	if len(batch.Authorizations) != 2 {
		t.Fatalf("expected 2 authorizations, got %d", len(batch.Authorizations))
	}
	if batch.TotalAmount != "1.100000" {
		t.Fatalf("expected totalAmount 1.100000, got %s", batch.TotalAmount)
	}

	stored, ok := l.GetBatch(batch.ID)
	if !ok || stored.Status != ledger.BatchPending {
		t.Fatalf("expected batch to remain pending until completeSettlement is called")
	}
}

func TestCreateBatch_SelectsBusiestMerchantWhenOmitted(t *testing.T) {
	e, l := newTestEngine(DefaultThresholdConfig(), &MockSigner{})

	l.Verify(context.Background(), signedAuth("i1", "agent1", "merchant1", "0.10"))
	l.QueueForSettlement(context.Background(), "i1")
	l.Verify(context.Background(), signedAuth("i2", "agent1", "merchant2", "0.10"))
	l.QueueForSettlement(context.Background(), "i2")
	l.Verify(context.Background(), signedAuth("i3", "agent1", "merchant2", "0.10"))
	l.QueueForSettlement(context.Background(), "i3")

	batch, created := e.CreateBatch(context.Background(), "agent1", "")
	if !created {
		t.Fatalf("expected batch to be created")
	}
	if batch.MerchantAddress != "merchant2" {
		t.Fatalf("expected busiest merchant2 selected, got %s", batch.MerchantAddress)
	}
}

func TestCreateBatch_NoneQueued(t *testing.T) {
	e, _ := newTestEngine(DefaultThresholdConfig(), &MockSigner{})

	if _, created := e.CreateBatch(context.Background(), "agent-nobody", ""); created {
		t.Fatalf("expected no batch when nothing is queued")
	}
}
