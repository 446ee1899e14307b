package x402

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIs402Response(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		want       bool
	}{
		{"402 response", http.StatusPaymentRequired, true},
		{"200 response", http.StatusOK, false},
		{"401 response", http.StatusUnauthorized, false},
		{"403 response", http.StatusForbidden, false},
		{"500 response", http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{StatusCode: tt.statusCode}
			assert.Equal(t, tt.want, Is402Response(resp))
		})
	}
}

func TestParsePaymentRequirement(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		body       string
		wantErr    bool
		wantPrice  string
	}{
		{
			name:       "valid 402 response",
			statusCode: http.StatusPaymentRequired,
			body:       `{"price":"0.001","currency":"USDC","merchantAddress":"merchant_1","toolName":"search","facilitatorUrl":"http://localhost:8080/v1"}`,
			wantErr:    false,
			wantPrice:  "0.001",
		},
		{
			name:       "not 402 response",
			statusCode: http.StatusOK,
			body:       `{"price":"0.001"}`,
			wantErr:    true,
		},
		{
			name:       "invalid JSON",
			statusCode: http.StatusPaymentRequired,
			body:       `not-json`,
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{
				StatusCode: tt.statusCode,
				Body:       io.NopCloser(bytes.NewBufferString(tt.body)),
			}

			req, err := ParsePaymentRequirement(resp)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantPrice, req.Price)
		})
	}
}

func TestPaymentProof_ToHeader(t *testing.T) {
	proof := &PaymentProof{
		AuthorizationID: "authz_1",
		AgentAddress:    "agent_1",
		Timestamp:       1234567890,
	}

	header, err := proof.ToHeader()
	require.NoError(t, err)
	assert.Contains(t, header, "authz_1")
	assert.Contains(t, header, "agent_1")
}

func TestAddProofToRequest(t *testing.T) {
	proof := &PaymentProof{
		AuthorizationID: "authz_1",
		AgentAddress:    "agent_1",
		Timestamp:       1234567890,
	}

	req := httptest.NewRequest("GET", "/test", nil)
	err := AddProofToRequest(req, proof)
	require.NoError(t, err)

	header := req.Header.Get("X-Payment-Proof")
	assert.NotEmpty(t, header)
	assert.Contains(t, header, "authz_1")
}

func TestError(t *testing.T) {
	err := &Error{
		Code:    "payment_failed",
		Message: "authorization rejected",
	}

	assert.Equal(t, "payment_failed: authorization rejected", err.Error())
}

// Integration-style test with mock server

func TestClient_Get_NoPay(t *testing.T) {
	// Create a server that returns 200
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"message":"success"}`))
	}))
	defer server.Close()

	client := NewClient("agent_1", "")
	client.AutoPay = false // Disable auto-pay for this test

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClient_Get_402_NoPay(t *testing.T) {
	// Create a server that returns 402
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"price":"0.001","currency":"USDC","merchantAddress":"merchant_1","toolName":"search"}`))
	}))
	defer server.Close()

	client := NewClient("agent_1", "")
	client.AutoPay = false

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
}

func TestClient_Get_402_AutoPay(t *testing.T) {
	// Facilitator stub that accepts any /verify and /queue submission.
	facilitator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true}`))
	}))
	defer facilitator.Close()

	var sawProof bool
	merchant := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Payment-Proof") != "" {
			sawProof = true
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"message":"paid"}`))
			return
		}
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"price":"0.001","currency":"USDC","merchantAddress":"merchant_1","toolName":"search","facilitatorUrl":"` + facilitator.URL + `"}`))
	}))
	defer merchant.Close()

	client := NewClient("agent_1", "")

	resp, err := client.Get(merchant.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, sawProof, "merchant should have seen a payment proof on retry")
}

func TestClient_MaxPaymentExceeded(t *testing.T) {
	merchant := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"price":"10.00","currency":"USDC","merchantAddress":"merchant_1","toolName":"search","facilitatorUrl":"http://localhost:8080/v1"}`))
	}))
	defer merchant.Close()

	client := NewClient("agent_1", "")
	client.MaxPayment = "1.00"

	_, err := client.Get(merchant.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds max")
}

// Benchmark

func BenchmarkParsePaymentRequirement(b *testing.B) {
	body := `{"price":"0.001","currency":"USDC","merchantAddress":"merchant_1","toolName":"search"}`

	for i := 0; i < b.N; i++ {
		resp := &http.Response{
			StatusCode: http.StatusPaymentRequired,
			Body:       io.NopCloser(bytes.NewBufferString(body)),
		}
		ParsePaymentRequirement(resp)
	}
}
