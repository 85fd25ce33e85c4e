package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/spendpilot/spendpilot/internal/policy"
)

func (a *app) policiesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policies",
		Short: "Manage campaign budget policies",
	}
	cmd.AddCommand(a.policiesValidateCmd(), a.policiesSyncCmd(), a.policiesListCmd(), a.policiesExportCmd())
	return cmd
}

func (a *app) policiesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a policy file without touching the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ps, err := policy.LoadFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s: %d policies ok\n", args[0], len(ps))
			return nil
		},
	}
}

func (a *app) policiesSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync <file>",
		Short: "Upsert every policy in a YAML file",
		Long: `Upsert every policy in a YAML file in one transaction.

Policies stored in the database but absent from the file are kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ps, err := policy.LoadFile(args[0])
			if err != nil {
				return err
			}
			db, _, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close(ctx)

			if err := db.UpsertPolicies(ctx, ps); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "synced %d policies\n", len(ps))
			return nil
		},
	}
}

func (a *app) policiesListCmd() *cobra.Command {
	var enabledOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, _, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close(ctx)

			ps, err := db.ListPolicies(ctx, enabledOnly)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(ps)
			}
			tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PLATFORM\tACCOUNT\tCAMPAIGN\tTARGET CAC\tMAX CAC\tBUDGET\tMIN CONV\tENABLED")
			for _, p := range ps {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%.2f\t%.2f-%.2f\t%d\t%t\n",
					p.Platform, p.AccountID, p.CampaignID, p.TargetCAC, p.MaxCAC,
					p.MinBudget, p.MaxBudget, p.MinConversions, p.Enabled)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "only enabled policies")
	return cmd
}

func (a *app) policiesExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Print stored policies as a policy file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, _, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close(ctx)

			ps, err := db.ListPolicies(ctx, false)
			if err != nil {
				return err
			}
			data, err := policy.Marshal(ps)
			if err != nil {
				return err
			}
			_, err = a.out.Write(data)
			return err
		},
	}
}
