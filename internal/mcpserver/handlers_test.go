package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func newTestHandlers(t *testing.T, mux *http.ServeMux) (*Handlers, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	client := NewFacilitatorClient(Config{APIURL: srv.URL, AgentAddress: "0xagent"})
	return NewHandlers(client), srv
}

func toolRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatalf("result has no content")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", res.Content[0])
	}
	return tc.Text
}

func TestHandleVerifyAuthorization_Success(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/verify", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["agentAddress"] != "0xagent" || body["merchantAddress"] != "0xmerchant" {
			t.Errorf("unexpected authorization body: %+v", body)
		}
		if body["signature"] == "" || body["signature"] == nil {
			t.Errorf("expected signature to be set")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"success": true, "valid": true})
	})
	h, _ := newTestHandlers(t, mux)

	res, err := h.HandleVerifyAuthorization(context.Background(), toolRequest(map[string]any{
		"merchant_address": "0xmerchant",
		"amount":           "0.0050",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := resultText(t, res)
	if !strings.Contains(text, "Authorization verified") {
		t.Fatalf("expected success message, got: %s", text)
	}
}

func TestHandleVerifyAuthorization_Rejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/verify", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"success": true, "valid": false})
	})
	h, _ := newTestHandlers(t, mux)

	res, err := h.HandleVerifyAuthorization(context.Background(), toolRequest(map[string]any{
		"merchant_address": "0xmerchant",
		"amount":           "0.0050",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(resultText(t, res), "rejected") {
		t.Fatalf("expected rejection message, got: %s", resultText(t, res))
	}
}

func TestHandleVerifyAuthorization_MissingMerchant(t *testing.T) {
	h, _ := newTestHandlers(t, http.NewServeMux())

	res, err := h.HandleVerifyAuthorization(context.Background(), toolRequest(map[string]any{
		"amount": "0.0050",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected tool error result")
	}
}

func TestHandleQueueAuthorization_CrossesThreshold(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"success": true, "shouldSettle": true, "reason": ""})
	})
	h, _ := newTestHandlers(t, mux)

	res, err := h.HandleQueueAuthorization(context.Background(), toolRequest(map[string]any{
		"authorization_id": "auth-1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(resultText(t, res), "threshold reached") {
		t.Fatalf("expected threshold message, got: %s", resultText(t, res))
	}
}

func TestHandleCreateDispute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/dispute", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["authorizationId"] != "auth-1" || body["agentAddress"] != "0xagent" {
			t.Errorf("unexpected dispute body: %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"dispute": map[string]any{"id": "dispute-1"},
		})
	})
	h, _ := newTestHandlers(t, mux)

	res, err := h.HandleCreateDispute(context.Background(), toolRequest(map[string]any{
		"authorization_id": "auth-1",
		"reason":           "service never delivered",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := resultText(t, res)
	if !strings.Contains(text, "dispute-1") {
		t.Fatalf("expected dispute id in result, got: %s", text)
	}
}

func TestHandleCheckAgentStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/monitoring/agent/0xagent", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"agent": map[string]any{
				"agentAddress":        "0xagent",
				"totalAuthorizations": 5,
				"totalVolume":         "0.025000",
				"disputeCount":        1,
				"disputeRate":         0.2,
				"reputationScore":     78.0,
			},
		})
	})
	h, _ := newTestHandlers(t, mux)

	res, err := h.HandleCheckAgentStatus(context.Background(), toolRequest(map[string]any{
		"agent_address": "0xagent",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	text := resultText(t, res)
	if !strings.Contains(text, "0.025000") || !strings.Contains(text, "78.0") {
		t.Fatalf("expected volume and reputation in result, got: %s", text)
	}
}
