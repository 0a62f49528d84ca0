// Package mcp implements the Model Context Protocol server for Tabi.
//
// The MCP server exposes the decision pipeline to MCP-compatible agents
// through tools, resources and prompts. It is mounted on the HTTP server at
// /mcp behind operator authentication.
package mcp

import (
	"encoding/json"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tabi/internal/service/decisions"
	"github.com/ashita-ai/tabi/internal/service/health"
)

// historyCheckWindow is how long a tabi_history lookup counts as recent for
// the evaluate hint.
const historyCheckWindow = 30 * time.Minute

// Server wraps the MCP server with Tabi's service layer.
type Server struct {
	mcpServer    *mcpserver.MCPServer
	decisionSvc  *decisions.Service
	healthSvc    *health.Service
	logger       *slog.Logger
	historyCheck *historyTracker
}

// New creates and configures a new MCP server with all resources, tools and
// prompts registered.
func New(decisionSvc *decisions.Service, healthSvc *health.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		decisionSvc:  decisionSvc,
		healthSvc:    healthSvc,
		logger:       logger,
		historyCheck: newHistoryTracker(historyCheckWindow),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"tabi",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(`Tabi turns a structured travel question into a verdict, a trade-off explanation, clarifying questions or a principled refusal.

Before asking for a new verdict for a traveller, call tabi_history to see what they were told before on the same topic. Then call tabi_evaluate with the request envelope. Refusals are answers: relay their reason and safe_next_step instead of retrying.`),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error())
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
