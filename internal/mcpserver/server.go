package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/creditscore/internal/client"
)

// NewMCPServer creates a configured MCP server with all credit score tools registered.
func NewMCPServer(cfg client.Config) *server.MCPServer {
	s := server.NewMCPServer("creditscore", "1.0.0")
	h := NewHandlers(client.New(cfg))

	s.AddTool(ToolGetCreditScore, h.HandleGetCreditScore)
	s.AddTool(ToolGetCreditProfile, h.HandleGetCreditProfile)
	s.AddTool(ToolGetScoreHistory, h.HandleGetScoreHistory)
	s.AddTool(ToolIntegrateExternalData, h.HandleIntegrateExternalData)

	return s
}
