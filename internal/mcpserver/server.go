package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/smartescrow/internal/apiclient"
)

// NewMCPServer creates an MCP server with the escrow operator tools registered.
func NewMCPServer(cfg apiclient.Config) *server.MCPServer {
	s := server.NewMCPServer("smartescrow", "1.0.0")
	h := NewHandlers(apiclient.New(cfg))

	s.AddTool(ToolGetEscrow, h.HandleGetEscrow)
	s.AddTool(ToolListEscrows, h.HandleListEscrows)
	s.AddTool(ToolAdminAction, h.HandleAdminAction)
	s.AddTool(ToolBulkAction, h.HandleBulkAction)
	s.AddTool(ToolRunAutomation, h.HandleRunAutomation)
	s.AddTool(ToolSetAutomation, h.HandleSetAutomation)
	s.AddTool(ToolListRules, h.HandleListRules)
	s.AddTool(ToolToggleRule, h.HandleToggleRule)
	s.AddTool(ToolListEvents, h.HandleListEvents)

	return s
}
