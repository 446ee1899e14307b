package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server exposing the facilitator's
// authorization, settlement, and dispute tools to an agent.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("deferred-payment-facilitator", "1.0.0")
	client := NewFacilitatorClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolVerifyAuthorization, h.HandleVerifyAuthorization)
	s.AddTool(ToolQueueAuthorization, h.HandleQueueAuthorization)
	s.AddTool(ToolCreateDispute, h.HandleCreateDispute)
	s.AddTool(ToolCheckAgentStatus, h.HandleCheckAgentStatus)

	return s
}
