package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/deferredpay/facilitator/internal/dispute"
	"github.com/deferredpay/facilitator/internal/ledger"
	"github.com/deferredpay/facilitator/internal/settlement"
)

func newHarness(cfg settlement.ThresholdConfig, signer settlement.Signer) (*ledger.Service, *settlement.Engine, *dispute.Service, *Service) {
	l := ledger.New(nil)
	e := settlement.New(l, signer, cfg, nil)
	l.SetThresholdChecker(e)
	d := dispute.New(l)
	m := New(l, e, d)
	return l, e, d, m
}

func auth(id, agent, merchant, amount string) ledger.Authorization {
	a := ledger.Authorization{
		ID:              id,
		AgentAddress:    agent,
		MerchantAddress: merchant,
		Amount:          amount,
		Currency:        "USDC",
		Timestamp:       500,
		ExpiresAt:       999999999999,
		Nonce:           "n-" + id,
	}
	a.Signature = ledger.Sign(a)
	return a
}

func TestPaymentMetrics_CountsAndVolume(t *testing.T) {
	l, _, _, m := newHarness(settlement.DefaultThresholdConfig(), &settlement.MockSigner{})
	l.Verify(context.Background(), auth("p1", "agent1", "merchant1", "1.50"))
	l.Verify(context.Background(), auth("p2", "agent1", "merchant1", "2.50"))

	metrics := m.PaymentMetrics()
	if metrics.CountsByStatus["pending"] != 2 {
		t.Fatalf("expected 2 pending, got %+v", metrics.CountsByStatus)
	}
	if metrics.TotalVolume != "4.000000" {
		t.Fatalf("expected total volume 4.000000, got %s", metrics.TotalVolume)
	}
	if metrics.AverageAmount != "2.000000" {
		t.Fatalf("expected average 2.000000, got %s", metrics.AverageAmount)
	}
}

func TestSettlementMetrics_AfterCompletedBatch(t *testing.T) {
	l, e, _, m := newHarness(settlement.DefaultThresholdConfig(), &settlement.MockSigner{})
	l.Verify(context.Background(), auth("s1", "agent1", "merchant1", "1.00"))
	l.QueueForSettlement(context.Background(), "s1")
	e.TriggerSettlement(context.Background(), "agent1")

	metrics := m.SettlementMetrics()
	if metrics.CountsByStatus["completed"] != 1 {
		t.Fatalf("expected 1 completed batch, got %+v", metrics.CountsByStatus)
	}
	if metrics.TotalSettled != "1.000000" {
		t.Fatalf("expected total settled 1.000000, got %s", metrics.TotalSettled)
	}
}

func TestDisputeMetrics_ApprovedAndRejected(t *testing.T) {
	l, _, d, m := newHarness(settlement.DefaultThresholdConfig(), &settlement.MockSigner{})
	l.Verify(context.Background(), auth("x1", "agent1", "merchant1", "1.00"))
	l.Verify(context.Background(), auth("x2", "agent1", "merchant1", "1.00"))

	rec1, _ := d.CreateDispute(context.Background(), "x1", "agent1", "bad data", nil)
	rec2, _ := d.CreateDispute(context.Background(), "x2", "agent1", "bad data", nil)
	d.ResolveDispute(context.Background(), rec1.ID, dispute.ResolutionApproved, "")
	d.ResolveDispute(context.Background(), rec2.ID, dispute.ResolutionRejected, "")

	metrics := m.DisputeMetrics()
	if metrics.ApprovedDisputes != 1 || metrics.RejectedDisputes != 1 {
		t.Fatalf("expected 1 approved and 1 rejected, got %+v", metrics)
	}
}

func TestAgentAnalytics_ReputationScore(t *testing.T) {
	l, e, _, m := newHarness(settlement.DefaultThresholdConfig(), &settlement.MockSigner{})
	l.Verify(context.Background(), auth("r1", "agent1", "merchant1", "1.00"))
	l.QueueForSettlement(context.Background(), "r1")
	e.TriggerSettlement(context.Background(), "agent1")

	analytics, found := m.AgentAnalytics("agent1")
	if !found {
		t.Fatal("expected analytics for agent1")
	}
	if analytics.ReputationScore != 100 {
		t.Fatalf("expected reputation 100 for fully-settled agent, got %v", analytics.ReputationScore)
	}
}

func TestHealth_DegradedWhenSchedulerStoppedButAutoEnabled(t *testing.T) {
	cfg := settlement.DefaultThresholdConfig()
	cfg.AutoSettlement = true
	_, _, _, m := newHarness(cfg, &settlement.MockSigner{})

	health := m.Health()
	if health.Status != HealthDegraded {
		t.Fatalf("expected degraded health, got %s (issues: %v)", health.Status, health.Issues)
	}
}

func TestHealth_HealthyWhenAutoDisabled(t *testing.T) {
	cfg := settlement.DefaultThresholdConfig()
	cfg.AutoSettlement = false
	_, _, _, m := newHarness(cfg, &settlement.MockSigner{})

	health := m.Health()
	if health.Status != HealthHealthy {
		t.Fatalf("expected healthy status, got %s (issues: %v)", health.Status, health.Issues)
	}
}

func TestRecordSnapshot_BoundedHistory(t *testing.T) {
	_, _, _, m := newHarness(settlement.DefaultThresholdConfig(), &settlement.MockSigner{})
	for i := 0; i < 3; i++ {
		m.RecordSnapshot()
	}
	if len(m.History()) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(m.History()))
	}
}

func TestRunSnapshotLoop_StopsOnCancel(t *testing.T) {
	_, _, _, m := newHarness(settlement.DefaultThresholdConfig(), &settlement.MockSigner{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		m.RunSnapshotLoop(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected snapshot loop to stop after cancel")
	}
}
