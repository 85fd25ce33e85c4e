package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/spendpilot/spendpilot/internal/dispatch"
	"github.com/spendpilot/spendpilot/internal/model"
)

func (a *app) enqueueCmd() *cobra.Command {
	var (
		start, end string
		dryRun     bool
	)
	cmd := &cobra.Command{
		Use:   "enqueue <agent>",
		Short: "Create a run ticket and queue the agent",
		Long: `Create a run ticket and queue the agent for the runners.

The outcome is not known when this returns: poll "spendctl runs --run-id"
until ok is set.

Examples:
  spendctl enqueue ingestor-google --start 2026-03-01 --end 2026-03-07
  spendctl enqueue optimizer --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			win, err := model.ParseWindow(start, end)
			if err != nil {
				return err
			}
			db, _, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close(ctx)

			req := model.EnqueueRequest{Agent: args[0], DryRun: dryRun}
			if !win.IsZero() {
				req.Window = &win
			}
			ticket, err := dispatch.NewDispatcher(db, nil, a.logger).Enqueue(ctx, req)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(ticket)
			}
			fmt.Fprintf(a.out, "enqueued %s run_id=%s window=%s dry_run=%t\n",
				ticket.Agent, ticket.RunID, ticket.Window, ticket.DryRun)
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "window start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&end, "end", "", "window end date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "evaluate without writing to ad platforms (uploader, optimizer)")
	return cmd
}

func (a *app) runsCmd() *cobra.Command {
	var (
		agent string
		runID string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List run tickets, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			f := model.TicketFilter{Agent: agent, Limit: limit}
			if runID != "" {
				id, err := uuid.Parse(runID)
				if err != nil {
					return fmt.Errorf("invalid --run-id: %w", err)
				}
				f.RunID = &id
			}
			db, _, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close(ctx)

			tickets, err := db.ListTickets(ctx, f)
			if err != nil {
				return err
			}
			return a.printTickets(tickets)
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "filter by agent name")
	cmd.Flags().StringVar(&runID, "run-id", "", "filter by run id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum tickets")
	return cmd
}

func (a *app) staleCmd() *cobra.Command {
	var after time.Duration
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "List tickets that never finished",
		Long: `List tickets enqueued longer ago than --after that have no outcome.

Stale runs are never retried automatically; re-enqueue them if needed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, cfg, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close(ctx)

			if after <= 0 {
				after = cfg.StaleAfter
			}
			tickets, err := db.ListStaleTickets(ctx, after)
			if err != nil {
				return err
			}
			return a.printTickets(tickets)
		},
	}
	cmd.Flags().DurationVar(&after, "after", 0, "age threshold (default SPENDPILOT_STALE_AFTER)")
	return cmd
}

func (a *app) printTickets(tickets []model.RunTicket) error {
	if a.asJSON {
		if tickets == nil {
			tickets = []model.RunTicket{}
		}
		return a.printJSON(tickets)
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tRUN ID\tWINDOW\tDRY\tENQUEUED\tSTATE")
	for _, t := range tickets {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
			t.Agent, t.RunID, t.Window, t.DryRun,
			t.EnqueuedAt.UTC().Format(time.RFC3339), ticketState(t))
	}
	return tw.Flush()
}

func ticketState(t model.RunTicket) string {
	switch {
	case t.OK != nil && *t.OK:
		return "ok"
	case t.OK != nil:
		return "failed"
	case t.StartedAt != nil:
		return "running"
	default:
		return "queued"
	}
}
