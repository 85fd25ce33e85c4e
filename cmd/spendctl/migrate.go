package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spendpilot/spendpilot/migrations"
)

func (a *app) migrateCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, _, err := a.openDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close(ctx)

			if dryRun {
				pending, err := db.PendingMigrations(ctx, migrations.FS)
				if err != nil {
					return err
				}
				if len(pending) == 0 {
					fmt.Fprintln(a.out, "schema is up to date")
				}
				for _, f := range pending {
					fmt.Fprintln(a.out, "pending:", f)
				}
				return nil
			}

			applied, err := db.RunMigrations(ctx, migrations.FS)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(a.out, "schema is up to date")
			}
			for _, f := range applied {
				fmt.Fprintln(a.out, "applied:", f)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list pending migrations without applying them")
	return cmd
}
