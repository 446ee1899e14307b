// Package x402 implements the x402 protocol types and a reference agent
// client for the deferred payment facilitator.
//
// A merchant answers an unpaid call with HTTP 402 and a PaymentRequirement
// describing what it wants and who settles it. The agent signs an
// Authorization for that requirement, submits it to the facilitator for
// verification and queuing, then retries the original request carrying a
// PaymentProof that references the accepted authorization id. The
// facilitator batches and settles on its own schedule; the merchant never
// sees a transaction hash at request time.
package x402

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// PaymentRequirement is returned by a merchant in a 402 response.
type PaymentRequirement struct {
	Price           string `json:"price"`           // decimal string, currency-scaled
	Currency        string `json:"currency"`        // e.g. "USDC"
	MerchantAddress string `json:"merchantAddress"` // who the authorization pays
	ToolName        string `json:"toolName"`        // the resource/tool being purchased
	FacilitatorURL  string `json:"facilitatorUrl"`  // base URL of the facilitator API
	Description     string `json:"description,omitempty"`
	ValidFor        int64  `json:"validFor,omitempty"` // seconds; default applied if zero
}

// PaymentProof is sent back to the merchant to prove an authorization was
// accepted by the facilitator. The merchant does not itself verify the
// signature; it trusts the facilitator's acceptance.
type PaymentProof struct {
	AuthorizationID string `json:"authorizationId"`
	AgentAddress    string `json:"agentAddress"`
	Timestamp       int64  `json:"timestamp"`
}

// Error represents an x402 error response.
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is402Response checks if an HTTP response is a 402 Payment Required.
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParsePaymentRequirement extracts payment requirements from a 402 response.
func ParsePaymentRequirement(resp *http.Response) (*PaymentRequirement, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var req PaymentRequirement
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirement: %w", err)
	}

	return &req, nil
}

// ToHeader serializes the payment proof for an HTTP header.
func (p *PaymentProof) ToHeader() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal proof: %w", err)
	}
	return string(data), nil
}

// AddProofToRequest adds the payment proof header to an HTTP request.
func AddProofToRequest(req *http.Request, proof *PaymentProof) error {
	header, err := proof.ToHeader()
	if err != nil {
		return err
	}
	req.Header.Set("X-Payment-Proof", header)
	return nil
}
