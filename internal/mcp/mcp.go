// Package mcp exposes the agent dispatcher and run tickets as Model Context
// Protocol tools. It is mounted by the HTTP server at /mcp behind the same
// auth middleware as the REST API.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/spendpilot/spendpilot/internal/model"
)

// Enqueuer creates run tickets.
type Enqueuer interface {
	Enqueue(ctx context.Context, req model.EnqueueRequest) (model.RunTicket, error)
}

// TicketReader reads run tickets.
type TicketReader interface {
	ListTickets(ctx context.Context, f model.TicketFilter) ([]model.RunTicket, error)
	ListStaleTickets(ctx context.Context, olderThan time.Duration) ([]model.RunTicket, error)
}

// Server wraps the MCP server with the dispatcher and ticket store.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	enq        Enqueuer
	tickets    TicketReader
	staleAfter time.Duration
	logger     *slog.Logger
}

// New creates and configures an MCP server with all tools registered.
func New(enq Enqueuer, tickets TicketReader, staleAfter time.Duration, logger *slog.Logger, version string) *Server {
	s := &Server{
		enq:        enq,
		tickets:    tickets,
		staleAfter: staleAfter,
		logger:     logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"spendpilot",
		version,
		mcpserver.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("encode result: " + err.Error())
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
