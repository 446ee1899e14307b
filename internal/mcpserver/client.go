package mcpserver

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/deferredpay/facilitator/internal/ledger"
)

// Config holds the configuration for connecting to the facilitator API.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	AgentAddress string // This agent's address, e.g. "0x..."
}

// FacilitatorClient is a thin HTTP client over the facilitator's ledger,
// dispute, and monitoring endpoints. It carries no credential of its own —
// every authorization it submits is authenticated by its own canonical
// signature, computed the same way the ledger verifies it.
type FacilitatorClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewFacilitatorClient creates a client bound to one agent's address.
func NewFacilitatorClient(cfg Config) *FacilitatorClient {
	return &FacilitatorClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type apiError struct {
	Error string `json:"error"`
}

func (c *FacilitatorClient) doRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("facilitator error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("facilitator error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// buildAndSign assembles an Authorization for a call against merchant and
// signs it with the canonical scheme the ledger verifies against.
func (c *FacilitatorClient) buildAndSign(merchantAddress, toolName, amount, currency string, ttl time.Duration) ledger.Authorization {
	now := time.Now().UnixMilli()
	a := ledger.Authorization{
		ID:              uuid.NewString(),
		AgentAddress:    c.cfg.AgentAddress,
		MerchantAddress: merchantAddress,
		ToolName:        toolName,
		Amount:          amount,
		Currency:        currency,
		Timestamp:       now,
		ExpiresAt:       now + ttl.Milliseconds(),
		Nonce:           randomNonce(),
	}
	a.Signature = ledger.Sign(a)
	return a
}

func randomNonce() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// VerifyAuthorization signs and submits a new authorization for verification.
// Returns the authorization id, whether it was accepted, and a reason that
// is always empty: the facilitator reports a rejection as an HTTP error,
// which is returned as err carrying its message.
func (c *FacilitatorClient) VerifyAuthorization(ctx context.Context, merchantAddress, toolName, amount, currency string, ttl time.Duration) (string, bool, string, error) {
	a := c.buildAndSign(merchantAddress, toolName, amount, currency, ttl)

	raw, err := c.doRequest(ctx, http.MethodPost, "/verify", a)
	if err != nil {
		return a.ID, false, "", err
	}

	var resp struct {
		Valid bool `json:"valid"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return a.ID, false, "", fmt.Errorf("parse verify response: %w", err)
	}
	return a.ID, resp.Valid, "", nil
}

// QueueAuthorization queues a verified authorization for deferred
// settlement. Returns whether the agent/merchant pair crossed a settlement
// threshold as a result.
func (c *FacilitatorClient) QueueAuthorization(ctx context.Context, authorizationID string) (bool, bool, string, error) {
	body := map[string]string{"id": authorizationID}
	raw, err := c.doRequest(ctx, http.MethodPost, "/queue", body)
	if err != nil {
		return false, false, "", err
	}

	var resp struct {
		Success      bool   `json:"success"`
		ShouldSettle bool   `json:"shouldSettle"`
		Reason       string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false, false, "", fmt.Errorf("parse queue response: %w", err)
	}
	return resp.Success, resp.ShouldSettle, resp.Reason, nil
}

// CreateDispute opens a dispute against a previously verified authorization.
func (c *FacilitatorClient) CreateDispute(ctx context.Context, authorizationID, reason string) (json.RawMessage, error) {
	body := map[string]string{
		"authorizationId": authorizationID,
		"agentAddress":    c.cfg.AgentAddress,
		"reason":          reason,
	}
	return c.doRequest(ctx, http.MethodPost, "/dispute", body)
}

// AgentStatus fetches usage analytics and reputation for an agent.
func (c *FacilitatorClient) AgentStatus(ctx context.Context, agentAddress string) (json.RawMessage, error) {
	path := "/monitoring/agent/" + url.PathEscape(agentAddress)
	return c.doRequest(ctx, http.MethodGet, path, nil)
}
