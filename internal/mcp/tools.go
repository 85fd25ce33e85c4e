package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/spendpilot/spendpilot/internal/ctxutil"
	"github.com/spendpilot/spendpilot/internal/model"
	"github.com/spendpilot/spendpilot/internal/storage"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("spendpilot_run_agent",
			mcplib.WithDescription(`Enqueue one agent run and return its ticket.

The run executes asynchronously. Poll spendpilot_list_runs with the returned
run_id to read the outcome: ok is null until a runner finalizes the ticket.

Agents: ingestor-<platform>, touchpoint-extractor, attribution-resolver,
conversion-uploader, budget-optimizer. Only the uploader and the optimizer
honour dry_run.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("agent", mcplib.Description("Agent name"), mcplib.Required()),
			mcplib.WithString("start", mcplib.Description("Window start date, YYYY-MM-DD (inclusive). Defaults per agent.")),
			mcplib.WithString("end", mcplib.Description("Window end date, YYYY-MM-DD (inclusive). Defaults per agent.")),
			mcplib.WithBoolean("dry_run", mcplib.Description("Suppress external writes (uploader, optimizer)")),
		),
		s.handleRunAgent,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("spendpilot_list_runs",
			mcplib.WithDescription("List run tickets, most recent first."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent", mcplib.Description("Filter by agent name")),
			mcplib.WithString("run_id", mcplib.Description("Filter by run id (UUID)")),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum tickets to return"),
				mcplib.Min(1),
				mcplib.Max(storage.MaxTicketLimit),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleListRuns,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("spendpilot_stale_runs",
			mcplib.WithDescription("List tickets that were enqueued long ago and never finished. They are never retried automatically."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleStaleRuns,
	)
}

func (s *Server) handleRunAgent(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	role := ctxutil.RoleFromContext(ctx)
	if role == "" {
		return errorResult("authentication required"), nil
	}
	if !model.RoleAtLeast(role, model.RoleAnalyst) {
		return errorResult("insufficient permissions: analyst role required"), nil
	}

	agent := request.GetString("agent", "")
	if agent == "" {
		return errorResult("agent is required"), nil
	}
	w, err := model.ParseWindow(request.GetString("start", ""), request.GetString("end", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	req := model.EnqueueRequest{Agent: agent, DryRun: request.GetBool("dry_run", false)}
	if !w.IsZero() {
		req.Window = &w
	}

	ticket, err := s.enq.Enqueue(ctx, req)
	if err != nil {
		if errors.Is(err, model.ErrUnknownAgent) || errors.Is(err, model.ErrInvalidWindow) {
			return errorResult(err.Error()), nil
		}
		s.logger.Error("mcp: enqueue failed", "agent", agent, "error", err)
		return errorResult(fmt.Sprintf("enqueue failed: %v", err)), nil
	}
	return jsonResult(ticket), nil
}

func (s *Server) handleListRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if ctxutil.ClaimsFromContext(ctx) == nil {
		return errorResult("authentication required"), nil
	}
	f := model.TicketFilter{
		Agent: request.GetString("agent", ""),
		Limit: request.GetInt("limit", 20),
	}
	if raw := request.GetString("run_id", ""); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return errorResult("invalid run_id: " + raw), nil
		}
		f.RunID = &id
	}
	tickets, err := s.tickets.ListTickets(ctx, f)
	if err != nil {
		return errorResult(fmt.Sprintf("list runs failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"runs": tickets, "total": len(tickets)}), nil
}

func (s *Server) handleStaleRuns(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if ctxutil.ClaimsFromContext(ctx) == nil {
		return errorResult("authentication required"), nil
	}
	tickets, err := s.tickets.ListStaleTickets(ctx, s.staleAfter)
	if err != nil {
		return errorResult(fmt.Sprintf("list stale runs failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"stale_after": s.staleAfter.String(),
		"runs":        tickets,
		"total":       len(tickets),
	}), nil
}
