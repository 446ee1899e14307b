package x402

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/deferredpay/facilitator/internal/ledger"
	"github.com/deferredpay/facilitator/internal/money"
)

// defaultValidFor is used when a PaymentRequirement omits ValidFor.
const defaultValidFor = 5 * time.Minute

// Client wraps http.Client with automatic 402 payment handling: on a 402
// response it signs an Authorization, submits it to the merchant's
// facilitator for verification and queuing, and retries the original
// request carrying a PaymentProof.
type Client struct {
	httpClient     *http.Client
	agentAddress   string
	facilitatorURL string // default facilitator base URL; overridden per-requirement if set

	MaxRetries int    // max payment retries (default: 1)
	AutoPay    bool   // automatically pay 402s (default: true)
	MaxPayment string // max payment amount, decimal string (default: unlimited)

	// OnPayment is called after an authorization is accepted and before
	// the original request is retried.
	OnPayment func(req *PaymentRequirement, proof *PaymentProof)
}

// NewClient creates a new x402-enabled HTTP client for agentAddress.
// facilitatorURL is used when a merchant's PaymentRequirement omits one.
func NewClient(agentAddress, facilitatorURL string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		agentAddress:   agentAddress,
		facilitatorURL: facilitatorURL,
		MaxRetries:     1,
		AutoPay:        true,
	}
}

// Do performs an HTTP request with automatic 402 payment handling.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.DoContext(req.Context(), req)
}

// DoContext performs an HTTP request with context and automatic 402 handling.
func (c *Client) DoContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	// Clone the request body if present (we might need to retry)
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		_ = req.Body.Close()
	}

	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		// Reset body for retry
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}

		// Not a 402 - return response as-is
		if resp.StatusCode != http.StatusPaymentRequired {
			return resp, nil
		}

		// Don't auto-pay if disabled
		if !c.AutoPay {
			return resp, nil
		}

		// Parse payment requirement
		payReq, err := ParsePaymentRequirement(resp)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse payment requirement: %w", err)
		}

		// Check max payment limit
		if c.MaxPayment != "" {
			if err := c.checkPaymentLimit(payReq.Price); err != nil {
				return nil, err
			}
		}

		// Sign and submit the authorization
		proof, err := c.authorize(ctx, payReq)
		if err != nil {
			return nil, fmt.Errorf("authorization failed: %w", err)
		}

		if c.OnPayment != nil {
			c.OnPayment(payReq, proof)
		}

		// Add proof to request and retry
		if err := AddProofToRequest(req, proof); err != nil {
			return nil, fmt.Errorf("failed to add proof: %w", err)
		}
	}

	return nil, fmt.Errorf("max retries exceeded")
}

// Get performs a GET request with automatic 402 handling.
func (c *Client) Get(url string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// authorize signs an Authorization for req and submits it to the
// facilitator for verification and settlement queuing.
func (c *Client) authorize(ctx context.Context, req *PaymentRequirement) (*PaymentProof, error) {
	facilitatorURL := req.FacilitatorURL
	if facilitatorURL == "" {
		facilitatorURL = c.facilitatorURL
	}
	if facilitatorURL == "" {
		return nil, fmt.Errorf("no facilitator URL: requirement and client both empty")
	}

	validFor := time.Duration(req.ValidFor) * time.Second
	if validFor <= 0 {
		validFor = defaultValidFor
	}

	now := time.Now().UnixMilli()
	a := ledger.Authorization{
		ID:              uuid.NewString(),
		AgentAddress:    c.agentAddress,
		MerchantAddress: req.MerchantAddress,
		ToolName:        req.ToolName,
		Amount:          req.Price,
		Currency:        req.Currency,
		Timestamp:       now,
		ExpiresAt:       now + validFor.Milliseconds(),
		Nonce:           randomNonce(),
	}
	a.Signature = ledger.Sign(a)

	if err := c.postJSON(ctx, facilitatorURL+"/verify", a, nil); err != nil {
		return nil, fmt.Errorf("verify authorization: %w", err)
	}
	if err := c.postJSON(ctx, facilitatorURL+"/queue", map[string]string{"id": a.ID}, nil); err != nil {
		return nil, fmt.Errorf("queue authorization: %w", err)
	}

	return &PaymentProof{
		AuthorizationID: a.ID,
		AgentAddress:    c.agentAddress,
		Timestamp:       now,
	}, nil
}

func (c *Client) postJSON(ctx context.Context, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("facilitator error (%d): %s", resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

// checkPaymentLimit verifies the payment doesn't exceed MaxPayment.
func (c *Client) checkPaymentLimit(price string) error {
	maxAmount, ok := money.Parse(c.MaxPayment)
	if !ok {
		return fmt.Errorf("invalid max payment: %s", c.MaxPayment)
	}

	reqAmount, ok := money.Parse(price)
	if !ok {
		return fmt.Errorf("invalid price: %s", price)
	}

	if reqAmount.Cmp(maxAmount) > 0 {
		return fmt.Errorf("payment %s exceeds max %s", price, c.MaxPayment)
	}

	return nil
}

func randomNonce() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
