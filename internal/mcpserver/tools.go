package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrow operator MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Look up one escrow with its milestones and disputes. "+
			"Shows status, amounts released and refunded, and any administrative hold."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID (e.g. 'esc_...')")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription("List escrows, optionally filtered by lifecycle status."),
	mcp.WithString("status",
		mcp.Description("Only escrows in this status"),
		mcp.Enum("draft", "active", "frozen", "dispute_raised", "completed", "cancelled")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20)")),
)

var ToolAdminAction = mcp.NewTool("admin_escrow_action",
	mcp.WithDescription(
		"Apply an administrative action to one escrow. "+
			"freeze places an active escrow on hold; unfreeze lifts the hold; "+
			"force_complete pays every unfinished milestone to the freelancer while the balance lasts, refunds the rest and closes the escrow. "+
			"force_complete moves money and cannot be undone."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID")),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Enum("freeze", "unfreeze", "force_complete")),
	mcp.WithString("reason",
		mcp.Description("Why the action is taken. Required for freeze and force_complete; recorded in the audit log.")),
)

var ToolBulkAction = mcp.NewTool("bulk_escrow_action",
	mcp.WithDescription(
		"Apply one administrative action to many escrows at once. "+
			"Each escrow succeeds or fails on its own; the result lists every escrow with its outcome."),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Enum("freeze", "unfreeze", "force_complete")),
	mcp.WithArray("escrow_ids",
		mcp.Required(),
		mcp.Description("Escrow IDs to act on (at most 500)"),
		mcp.Items(map[string]any{"type": "string"})),
	mcp.WithString("reason",
		mcp.Description("Why the action is taken. Required for freeze and force_complete.")),
)

var ToolRunAutomation = mcp.NewTool("run_automation",
	mcp.WithDescription(
		"Run the automation rules now. With escrow_id, evaluates that escrow only; "+
			"without it, sweeps every active escrow. Returns the pass report."),
	mcp.WithString("escrow_id",
		mcp.Description("Limit the run to this escrow")),
)

var ToolSetAutomation = mcp.NewTool("set_automation",
	mcp.WithDescription(
		"Turn rule-driven automation on or off globally. "+
			"While off, no rule fires on any escrow."),
	mcp.WithBoolean("enabled",
		mcp.Required(),
		mcp.Description("true to enable automation, false to stop it")),
)

var ToolListRules = mcp.NewTool("list_rules",
	mcp.WithDescription("List automation rules in priority order with their execution counters."),
	mcp.WithBoolean("active_only",
		mcp.Description("Only list active rules")),
)

var ToolToggleRule = mcp.NewTool("toggle_rule",
	mcp.WithDescription("Activate or deactivate one automation rule."),
	mcp.WithString("rule_id",
		mcp.Required(),
		mcp.Description("The rule ID (e.g. 'rule_...')")),
	mcp.WithBoolean("active",
		mcp.Required(),
		mcp.Description("true to activate, false to deactivate")),
)

var ToolListEvents = mcp.NewTool("list_automation_events",
	mcp.WithDescription("Show recent automation events: which rule fired on which target, and whether it succeeded."),
	mcp.WithString("escrow_id",
		mcp.Description("Only events for this escrow")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of events (default 20)")),
)
