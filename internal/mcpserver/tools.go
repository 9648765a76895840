package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the keyshield MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

const operationsHelp = "Ordered builder operations. Each is an object with \"op\" " +
	"(add_threshold, add_override, set_threshold, remove_factor, remove_everywhere, " +
	"set_auth_factor, set_days, set_name), and as needed \"role\" (primary, recovery, " +
	"confirmation), \"factor\" (\"kind:hex\" factor source ID), \"threshold\" " +
	"({\"kind\":\"all\"} or {\"kind\":\"specific\",\"value\":n}), \"days\" or \"name\"."

var ToolValidateShield = mcp.NewTool("validate_shield",
	mcp.WithDescription(
		"Replay security shield builder operations locally and report which were rejected "+
			"and which rule violations remain. Nothing is stored. Use this to check a shield "+
			"design before creating it."),
	mcp.WithArray("operations", mcp.Required(), mcp.Description(operationsHelp)),
)

var ToolExplainViolation = mcp.NewTool("explain_violation",
	mcp.WithDescription(
		"Explain a shield violation code: what it means and whether further edits can fix it "+
			"(not_yet_valid) or the edit is refused outright (forever_invalid). "+
			"Without a code, lists every code."),
	mcp.WithString("code", mcp.Description("Violation code, e.g. 'PrimaryCannotHaveMultipleDevices'")),
)

var ToolCreateShield = mcp.NewTool("create_shield",
	mcp.WithDescription(
		"Build a security shield from builder operations and store it on the keyshield server. "+
			"Fails with the validation report when the shield is not buildable."),
	mcp.WithString("name", mcp.Description("Display name for the shield")),
	mcp.WithArray("operations", mcp.Required(), mcp.Description(operationsHelp)),
)

var ToolListShields = mcp.NewTool("list_shields",
	mcp.WithDescription("List the security shields stored on the keyshield server."),
)

var ToolGetShield = mcp.NewTool("get_shield",
	mcp.WithDescription("Show one stored security shield, role by role."),
	mcp.WithString("shield_id", mcp.Required(), mcp.Description("Shield ID, e.g. 'shd_...'")),
)

var ToolListEntities = mcp.NewTool("list_entities",
	mcp.WithDescription("List accounts and personas, and whether a shield secures them."),
)
