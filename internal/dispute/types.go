// Package dispute implements the Dispute Manager (C4). It owns
// DisputeRecord entries and mutates Authorization status only through the
// Authorization Ledger's transition API — never directly.
package dispute

import "time"

// Status is the lifecycle state of a DisputeRecord. "investigating" and a
// literal "rejected" status are part of the domain's enum but have no
// reachable transition defined — only pending -> resolved is ever
// produced by resolveDispute, regardless of outcome. The outcome itself
// is not stored redundantly on the record; it is derived from whether
// the linked authorization is still disputed (approved) or has returned
// to validated (rejected).
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
)

// Resolution is the caller's decision when resolving a dispute. The
// naming is deliberately counter-intuitive: Approved means the agent's
// claim is upheld and the authorization never settles; Rejected means
// the merchant prevails and settlement proceeds.
type Resolution string

const (
	ResolutionApproved Resolution = "approved"
	ResolutionRejected Resolution = "rejected"
)

// Record is a single dispute raised against an authorization.
type Record struct {
	ID              string      `json:"id"`
	AuthorizationID string      `json:"authorizationId"`
	AgentAddress    string      `json:"agentAddress"`
	MerchantAddress string      `json:"merchantAddress"`
	Reason          string      `json:"reason"`
	Evidence        interface{} `json:"evidence,omitempty"`
	Status          Status      `json:"status"`
	CreatedAt       int64       `json:"createdAt"`
	ResolvedAt      int64       `json:"resolvedAt,omitempty"`
	Resolution      string      `json:"resolution,omitempty"` // free-form note, not the approved/rejected decision
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
