// Package monitoring implements the Monitoring component (C5): read-only
// projections over the ledger, settlement, and dispute state. It never
// mutates C1-C4 state.
package monitoring

// PaymentMetrics summarizes authorization activity.
type PaymentMetrics struct {
	CountsByStatus    map[string]int `json:"countsByStatus"`
	TotalVolume       string         `json:"totalVolume"`
	AverageAmount     string         `json:"averageAmount"`
	AuthorizationRate float64        `json:"authorizationRate"` // per hour
}

// SettlementMetrics summarizes batch activity.
type SettlementMetrics struct {
	CountsByStatus        map[string]int `json:"countsByStatus"`
	TotalSettled          string         `json:"totalSettled"`
	AverageBatchSize      float64        `json:"averageBatchSize"`
	AverageBatchAmount    string         `json:"averageBatchAmount"`
	SettlementRate        float64        `json:"settlementRate"`        // per hour
	AverageSettlementTime float64        `json:"averageSettlementTime"` // seconds
}

// DisputeMetrics summarizes dispute activity.
type DisputeMetrics struct {
	CountsByStatus        map[string]int `json:"countsByStatus"`
	ApprovedDisputes      int            `json:"approvedDisputes"`
	RejectedDisputes      int            `json:"rejectedDisputes"`
	DisputeRate           float64        `json:"disputeRate"`           // percent of total authorizations
	AverageResolutionTime float64        `json:"averageResolutionTime"` // seconds
}

// AgentAnalytics summarizes a single agent's standing.
type AgentAnalytics struct {
	AgentAddress        string  `json:"agentAddress"`
	TotalAuthorizations int     `json:"totalAuthorizations"`
	TotalVolume         string  `json:"totalVolume"`
	DisputeCount        int     `json:"disputeCount"`
	DisputeRate         float64 `json:"disputeRate"`
	FirstSeen           int64   `json:"firstSeen"`
	LastSeen            int64   `json:"lastSeen"`
	ReputationScore     float64 `json:"reputationScore"`
}

// HealthStatus is the overall system health verdict.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// SystemHealth is a point-in-time operational snapshot.
type SystemHealth struct {
	Status                HealthStatus `json:"status"`
	UptimeSeconds         float64      `json:"uptimeSeconds"`
	QueueBacklog          int          `json:"queueBacklog"`
	AutoSettlementRunning bool         `json:"autoSettlementRunning"`
	ProcessingDelay       float64      `json:"processingDelay"` // seconds
	Issues                []string     `json:"issues"`
}

// Snapshot is one entry in the bounded MetricsHistory ring.
type Snapshot struct {
	Timestamp  int64             `json:"timestamp"`
	Payments   PaymentMetrics    `json:"payments"`
	Settlement SettlementMetrics `json:"settlement"`
	Disputes   DisputeMetrics    `json:"disputes"`
	Health     SystemHealth      `json:"health"`
}
