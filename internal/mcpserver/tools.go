package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the deferred payment facilitator's MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolVerifyAuthorization = mcp.NewTool("verify_authorization",
	mcp.WithDescription(
		"Sign and submit a new payment authorization to the facilitator for verification. "+
			"Does not move funds or settle anything — it only records that the agent "+
			"authorized a charge, to be settled later in a batch once a threshold is met. "+
			"Returns the authorization id to pass to queue_authorization."),
	mcp.WithString("merchant_address",
		mcp.Required(),
		mcp.Description("The merchant's address being charged (e.g. '0x1234...')")),
	mcp.WithString("tool_name",
		mcp.Description("Name of the tool or service being paid for")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount to authorize, as a decimal string (e.g. '0.0050')")),
	mcp.WithString("currency",
		mcp.Description("Settlement currency code (default 'USDC')")),
	mcp.WithNumber("ttl_seconds",
		mcp.Description("How long the authorization remains valid before it expires (default 300)")),
)

var ToolQueueAuthorization = mcp.NewTool("queue_authorization",
	mcp.WithDescription(
		"Queue a previously verified authorization for deferred settlement. "+
			"The facilitator batches queued authorizations per agent/merchant pair and "+
			"settles them on-chain once the amount, time, or count threshold is crossed. "+
			"Reports whether this queue operation crossed that threshold."),
	mcp.WithString("authorization_id",
		mcp.Required(),
		mcp.Description("The authorization id returned by verify_authorization")),
)

var ToolCreateDispute = mcp.NewTool("create_dispute",
	mcp.WithDescription(
		"Open a dispute against a verified, not-yet-settled authorization. "+
			"A disputed authorization is pulled out of the settlement queue until the "+
			"dispute is resolved — approved disputes stay withdrawn, rejected disputes "+
			"return to the queue."),
	mcp.WithString("authorization_id",
		mcp.Required(),
		mcp.Description("The authorization id being disputed")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Explanation of why the authorization should not settle")),
)

var ToolCheckAgentStatus = mcp.NewTool("check_agent_status",
	mcp.WithDescription(
		"Check an agent's usage analytics: total authorized volume, authorization count, "+
			"dispute count and rate, and reputation score on the facilitator network."),
	mcp.WithString("agent_address",
		mcp.Required(),
		mcp.Description("The agent's address (e.g. '0x1234...')")),
)
