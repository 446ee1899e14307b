// Package ledger implements the Authorization Ledger: it verifies, stores,
// and transitions payment authorizations through their lifecycle, and
// tracks derived per-agent usage and settlement batches.
package ledger

import "time"

// Status is the lifecycle state of an Authorization.
type Status string

const (
	StatusPending   Status = "pending"
	StatusValidated Status = "validated"
	StatusSettled   Status = "settled"
	StatusDisputed  Status = "disputed"
	StatusExpired   Status = "expired"
)

// Authorization is a signed promise by an agent to pay a merchant for one
// API call. It is later grouped with others into a SettlementBatch.
type Authorization struct {
	ID              string `json:"id"`
	AgentAddress    string `json:"agentAddress"`
	MerchantAddress string `json:"merchantAddress"`
	ToolName        string `json:"toolName"`
	Amount          string `json:"amount"`   // decimal string, currency-scaled
	Currency        string `json:"currency"` // e.g. "USDC"
	Timestamp       int64  `json:"timestamp"`
	ExpiresAt       int64  `json:"expiresAt"`
	Nonce           string `json:"nonce"`
	Signature       string `json:"signature"`

	Status   Status `json:"status"`
	DataHash string `json:"dataHash,omitempty"`
}

// AgentUsage is a derived, append-only index of an agent's activity.
type AgentUsage struct {
	AgentAddress     string   `json:"agentAddress"`
	AuthorizationIDs []string `json:"authorizationIds"`
	TotalAmount      string   `json:"totalAmount"` // decimal string, monotonic
	RequestCount     int      `json:"requestCount"`
	FirstRequestAt   int64    `json:"firstRequestAt"`
	LastRequestAt    int64    `json:"lastRequestAt"`
}

// BatchStatus is the lifecycle state of a SettlementBatch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// SettlementBatch groups authorizations for a single (agent, merchant) pair
// into one on-chain settlement.
type SettlementBatch struct {
	ID                   string          `json:"id"`
	AgentAddress         string          `json:"agentAddress"`
	MerchantAddress      string          `json:"merchantAddress"`
	Authorizations       []Authorization `json:"authorizations"`
	TotalAmount          string          `json:"totalAmount"`
	Currency             string          `json:"currency"`
	Status               BatchStatus     `json:"status"`
	CreatedAt            int64           `json:"createdAt"`
	SettledAt            int64           `json:"settledAt,omitempty"`
	TransactionSignature string          `json:"transactionSignature,omitempty"`
	Error                string          `json:"error,omitempty"`
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
