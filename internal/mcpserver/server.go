package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all keyshield tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("keyshield", "1.0.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolValidateShield, h.HandleValidateShield)
	s.AddTool(ToolExplainViolation, h.HandleExplainViolation)
	s.AddTool(ToolCreateShield, h.HandleCreateShield)
	s.AddTool(ToolListShields, h.HandleListShields)
	s.AddTool(ToolGetShield, h.HandleGetShield)
	s.AddTool(ToolListEntities, h.HandleListEntities)

	return s
}
