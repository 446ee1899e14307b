package monitoring

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/deferredpay/facilitator/internal/dispute"
	"github.com/deferredpay/facilitator/internal/ledger"
	"github.com/deferredpay/facilitator/internal/money"
	"github.com/deferredpay/facilitator/internal/reputation"
	"github.com/deferredpay/facilitator/internal/settlement"
)

// averageAmount divides total (in minor units) by count and formats the
// result. Sub-minor-unit remainder is truncated — acceptable for a
// summary statistic at 6-decimal granularity.
func averageAmount(total *big.Int, count int) string {
	if total == nil || count == 0 {
		return "0.000000"
	}
	avg := new(big.Int).Div(total, big.NewInt(int64(count)))
	return money.Format(avg)
}

const maxHistory = 1000

// Service computes read-only projections over the ledger, settlement
// engine, and dispute manager. It holds no state of its own besides the
// bounded metrics history ring.
type Service struct {
	ledger    *ledger.Service
	engine    *settlement.Engine
	dispute   *dispute.Service
	startedAt time.Time

	historyMu sync.Mutex
	history   []Snapshot
}

// New creates a monitoring service wired to the other components.
func New(ledgerSvc *ledger.Service, engine *settlement.Engine, disputeSvc *dispute.Service) *Service {
	return &Service{
		ledger:    ledgerSvc,
		engine:    engine,
		dispute:   disputeSvc,
		startedAt: time.Now(),
	}
}

func (s *Service) uptimeHours() float64 {
	h := time.Since(s.startedAt).Hours()
	if h <= 0 {
		return 1.0 / 3600 // avoid division by zero for sub-second uptimes
	}
	return h
}

// PaymentMetrics computes global authorization statistics.
func (s *Service) PaymentMetrics() PaymentMetrics {
	auths := s.ledger.ListAllAuthorizations()

	counts := make(map[string]int)
	amounts := make([]string, 0, len(auths))
	for _, a := range auths {
		counts[string(a.Status)]++
		amounts = append(amounts, a.Amount)
	}

	total, _ := money.Sum(amounts)
	avg := "0.000000"
	if len(auths) > 0 {
		avg = averageAmount(total, len(auths))
	}

	return PaymentMetrics{
		CountsByStatus:    counts,
		TotalVolume:       money.Format(total),
		AverageAmount:     avg,
		AuthorizationRate: float64(len(auths)) / s.uptimeHours(),
	}
}

// SettlementMetrics computes global batch statistics.
func (s *Service) SettlementMetrics() SettlementMetrics {
	batches := s.ledger.ListBatches("")

	counts := make(map[string]int)
	amounts := make([]string, 0)
	totalMembers := 0
	var settlementSeconds []float64

	for _, b := range batches {
		counts[string(b.Status)]++
		if b.Status == ledger.BatchCompleted {
			amounts = append(amounts, b.TotalAmount)
			totalMembers += len(b.Authorizations)
			if b.SettledAt > 0 && b.CreatedAt > 0 {
				settlementSeconds = append(settlementSeconds, float64(b.SettledAt-b.CreatedAt)/1000)
			}
		}
	}

	completed := counts[string(ledger.BatchCompleted)]
	total, _ := money.Sum(amounts)

	avgSize := 0.0
	avgAmount := "0.000000"
	if completed > 0 {
		avgSize = float64(totalMembers) / float64(completed)
		avgAmount = averageAmount(total, completed)
	}

	return SettlementMetrics{
		CountsByStatus:        counts,
		TotalSettled:          money.Format(total),
		AverageBatchSize:      avgSize,
		AverageBatchAmount:    avgAmount,
		SettlementRate:        float64(completed) / s.uptimeHours(),
		AverageSettlementTime: mean(settlementSeconds),
	}
}

// DisputeMetrics computes global dispute statistics.
func (s *Service) DisputeMetrics() DisputeMetrics {
	disputes := s.dispute.ListDisputes("")
	totalAuths := len(s.ledger.ListAllAuthorizations())

	counts := make(map[string]int)
	approved, rejected := 0, 0
	var resolutionSeconds []float64

	for _, d := range disputes {
		counts[string(d.Status)]++
		if d.Status == dispute.StatusResolved {
			if s.dispute.IsApproved(d) {
				approved++
			} else {
				rejected++
			}
			if d.ResolvedAt > 0 && d.CreatedAt > 0 {
				resolutionSeconds = append(resolutionSeconds, float64(d.ResolvedAt-d.CreatedAt)/1000)
			}
		}
	}

	disputeRate := 0.0
	if totalAuths > 0 {
		disputeRate = float64(len(disputes)) / float64(totalAuths) * 100
	}

	return DisputeMetrics{
		CountsByStatus:        counts,
		ApprovedDisputes:      approved,
		RejectedDisputes:      rejected,
		DisputeRate:           disputeRate,
		AverageResolutionTime: mean(resolutionSeconds),
	}
}

// AgentAnalytics computes a per-agent summary.
func (s *Service) AgentAnalytics(agent string) (AgentAnalytics, bool) {
	usage, found := s.ledger.GetUsage(agent)
	if !found {
		return AgentAnalytics{}, false
	}

	auths := s.ledger.ListByAgent(agent)
	settledCount := 0
	for _, a := range auths {
		if a.Status == ledger.StatusSettled {
			settledCount++
		}
	}

	disputes := s.dispute.ListDisputes(agent)
	disputeRate := 0.0
	if len(auths) > 0 {
		disputeRate = float64(len(disputes)) / float64(len(auths)) * 100
	}

	return AgentAnalytics{
		AgentAddress:        agent,
		TotalAuthorizations: len(auths),
		TotalVolume:         usage.TotalAmount,
		DisputeCount:        len(disputes),
		DisputeRate:         disputeRate,
		FirstSeen:           usage.FirstRequestAt,
		LastSeen:            usage.LastRequestAt,
		ReputationScore:     reputation.Score(len(auths), settledCount, len(disputes)),
	}, true
}

// AllAgentAnalytics computes AgentAnalytics for every known agent.
func (s *Service) AllAgentAnalytics() []AgentAnalytics {
	agents := s.ledger.AllAgents()
	out := make([]AgentAnalytics, 0, len(agents))
	for _, agent := range agents {
		if a, ok := s.AgentAnalytics(agent); ok {
			out = append(out, a)
		}
	}
	return out
}

// Health computes the current operational verdict.
func (s *Service) Health() SystemHealth {
	backlog := s.ledger.QueueBacklog()
	running := s.engine.Running()
	autoEnabled := s.engine.AutoSettlementEnabled()

	settlementStats := s.SettlementMetrics()
	completed := settlementStats.CountsByStatus[string(ledger.BatchCompleted)]
	failed := settlementStats.CountsByStatus[string(ledger.BatchFailed)]

	var issues []string
	if autoEnabled && !running {
		issues = append(issues, "auto-settlement is enabled but the scheduler is not running")
	}
	if completed+failed > 0 && float64(failed)/float64(completed+failed) > 0.1 {
		issues = append(issues, "settlement failure ratio exceeds 10%")
	}
	if backlog > 1000 {
		issues = append(issues, "settlement queue backlog exceeds 1000")
	}

	status := HealthHealthy
	switch {
	case len(issues) > 3:
		status = HealthDown
	case len(issues) > 0:
		status = HealthDegraded
	}

	processingDelay := 0.0
	if running {
		processingDelay = 2 * float64(backlog)
	}

	return SystemHealth{
		Status:                status,
		UptimeSeconds:         time.Since(s.startedAt).Seconds(),
		QueueBacklog:          backlog,
		AutoSettlementRunning: running,
		ProcessingDelay:       processingDelay,
		Issues:                issues,
	}
}

// Snapshot captures all four projections at once, for the history ring.
func (s *Service) takeSnapshot() Snapshot {
	return Snapshot{
		Timestamp:  time.Now().UnixMilli(),
		Payments:   s.PaymentMetrics(),
		Settlement: s.SettlementMetrics(),
		Disputes:   s.DisputeMetrics(),
		Health:     s.Health(),
	}
}

// RecordSnapshot appends a snapshot to the bounded history ring,
// evicting the oldest entry once maxHistory is reached.
func (s *Service) RecordSnapshot() Snapshot {
	snap := s.takeSnapshot()

	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	s.history = append(s.history, snap)
	if len(s.history) > maxHistory {
		s.history = s.history[len(s.history)-maxHistory:]
	}
	return snap
}

// History returns a copy of the bounded snapshot ring.
func (s *Service) History() []Snapshot {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	out := make([]Snapshot, len(s.history))
	copy(out, s.history)
	return out
}

// RunSnapshotLoop periodically records snapshots until ctx is canceled.
// Call in a goroutine.
func (s *Service) RunSnapshotLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 300 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RecordSnapshot()
		}
	}
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}
