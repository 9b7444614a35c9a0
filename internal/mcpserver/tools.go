package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the credit score MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetCreditScore = mcp.NewTool("get_credit_score",
	mcp.WithDescription(
		"Get the current credit score (300-850) for an account. "+
			"Accounts that have never been updated score 300."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The account's address (e.g. '0x1234...')")),
)

var ToolGetCreditProfile = mcp.NewTool("get_credit_profile",
	mcp.WithDescription(
		"Get an account's full credit profile: the five raw metrics "+
			"(transaction volume, wallet balance, transaction frequency, transaction mix, new transactions), "+
			"the score, and how much each metric contributes to it."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The account's address (e.g. '0x1234...')")),
)

var ToolGetScoreHistory = mcp.NewTool("get_score_history",
	mcp.WithDescription(
		"List recent score changes for an account, newest first. "+
			"Each entry shows which metrics changed, who changed them, and the score before and after."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The account's address (e.g. '0x1234...')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to return (default 10)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous call to fetch older entries")),
)

var ToolIntegrateExternalData = mcp.NewTool("integrate_external_data",
	mcp.WithDescription(
		"Overwrite all five credit metrics of an account with externally sourced data and recompute its score. "+
			"Only works when this server is configured with the engine owner's API key."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The account to update (e.g. '0x1234...')")),
	mcp.WithString("volume",
		mcp.Required(),
		mcp.Description("Transaction volume, a non-negative integer (e.g. '1000')")),
	mcp.WithString("balance",
		mcp.Required(),
		mcp.Description("Wallet balance, a non-negative integer")),
	mcp.WithString("frequency",
		mcp.Required(),
		mcp.Description("Transaction frequency, a non-negative integer")),
	mcp.WithString("mix",
		mcp.Required(),
		mcp.Description("Transaction mix, a non-negative integer")),
	mcp.WithString("new_tx",
		mcp.Required(),
		mcp.Description("Number of new transactions, a non-negative integer")),
)
