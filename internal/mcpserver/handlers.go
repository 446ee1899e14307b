package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *FacilitatorClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *FacilitatorClient) *Handlers {
	return &Handlers{client: client}
}

const defaultTTL = 300 * time.Second

// HandleVerifyAuthorization signs and submits a new authorization.
func (h *Handlers) HandleVerifyAuthorization(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	merchant := req.GetString("merchant_address", "")
	if merchant == "" {
		return mcp.NewToolResultError("merchant_address is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	toolName := req.GetString("tool_name", "")
	currency := req.GetString("currency", "USDC")
	ttl := defaultTTL
	if secs := req.GetInt("ttl_seconds", 0); secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}

	id, valid, reason, err := h.client.VerifyAuthorization(ctx, merchant, toolName, amount, currency, ttl)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("verification failed: %v", err)), nil
	}
	if !valid {
		return mcp.NewToolResultText(fmt.Sprintf(
			"Authorization rejected.\nAuthorization id: %s\nReason: %s", id, reason)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Authorization verified.\nAuthorization id: %s\nAmount: %s %s to %s\n\n"+
			"Use queue_authorization with this id to submit it for settlement.",
		id, amount, currency, merchant)), nil
}

// HandleQueueAuthorization queues a verified authorization for settlement.
func (h *Handlers) HandleQueueAuthorization(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	authID := req.GetString("authorization_id", "")
	if authID == "" {
		return mcp.NewToolResultError("authorization_id is required"), nil
	}

	success, shouldSettle, reason, err := h.client.QueueAuthorization(ctx, authID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("queue failed: %v", err)), nil
	}
	if !success {
		return mcp.NewToolResultText(fmt.Sprintf(
			"Authorization %s could not be queued.\nReason: %s", authID, reason)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Authorization %s queued for settlement.\n", authID)
	if shouldSettle {
		sb.WriteString("Settlement threshold reached — this agent/merchant pair will settle shortly.\n")
	} else {
		sb.WriteString("Still below the settlement threshold; will settle with a later batch.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCreateDispute opens a dispute against an authorization.
func (h *Handlers) HandleCreateDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	authID := req.GetString("authorization_id", "")
	if authID == "" {
		return mcp.NewToolResultError("authorization_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	raw, err := h.client.CreateDispute(ctx, authID, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("dispute creation failed: %v", err)), nil
	}

	disputeID, _ := extractDisputeID(raw)
	return mcp.NewToolResultText(fmt.Sprintf(
		"Dispute opened against authorization %s.\nDispute id: %s\nReason: %s\n\n"+
			"The authorization is withdrawn from settlement until the dispute is resolved.",
		authID, disputeID, reason)), nil
}

// HandleCheckAgentStatus reports an agent's usage analytics and reputation.
func (h *Handlers) HandleCheckAgentStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("agent_address", "")
	if address == "" {
		return mcp.NewToolResultError("agent_address is required"), nil
	}

	raw, err := h.client.AgentStatus(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to check agent status: %v", err)), nil
	}

	text, err := formatAgentStatus(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to parse agent status: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

func extractDisputeID(raw json.RawMessage) (string, error) {
	var resp struct {
		Dispute struct {
			ID string `json:"id"`
		} `json:"dispute"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	return resp.Dispute.ID, nil
}

func formatAgentStatus(raw json.RawMessage) (string, error) {
	var resp struct {
		Agent struct {
			AgentAddress        string  `json:"agentAddress"`
			TotalAuthorizations int     `json:"totalAuthorizations"`
			TotalVolume         string  `json:"totalVolume"`
			DisputeCount        int     `json:"disputeCount"`
			DisputeRate         float64 `json:"disputeRate"`
			ReputationScore     float64 `json:"reputationScore"`
		} `json:"agent"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	a := resp.Agent
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Agent: %s\n", a.AgentAddress))
	sb.WriteString(fmt.Sprintf("  Volume:     %s across %d authorizations\n", a.TotalVolume, a.TotalAuthorizations))
	if a.DisputeCount > 0 {
		sb.WriteString(fmt.Sprintf("  Disputes:   %d (%.1f%%)\n", a.DisputeCount, a.DisputeRate))
	}
	sb.WriteString(fmt.Sprintf("  Reputation: %.1f\n", a.ReputationScore))
	return sb.String(), nil
}
