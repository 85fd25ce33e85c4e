package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/spendpilot/spendpilot/internal/auth"
	"github.com/spendpilot/spendpilot/internal/model"
)

func (a *app) tokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token signed with the server's key",
		Long: `Mint an operator token signed with SPENDPILOT_JWT_PRIVATE_KEY.

Roles: viewer (read), analyst (run agents, ingest events), admin (policies).`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			priv := os.Getenv("SPENDPILOT_JWT_PRIVATE_KEY")
			pub := os.Getenv("SPENDPILOT_JWT_PUBLIC_KEY")
			if priv == "" || pub == "" {
				return errors.New("SPENDPILOT_JWT_PRIVATE_KEY and SPENDPILOT_JWT_PUBLIC_KEY must be set")
			}
			r, err := model.ParseRole(role)
			if err != nil {
				return err
			}
			mgr, err := auth.NewJWTManager(priv, pub, ttl)
			if err != nil {
				return err
			}
			tok, exp, err := mgr.IssueToken(subject, r, ttl)
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(map[string]any{"token": tok, "expires_at": exp, "role": r, "subject": subject})
			}
			fmt.Fprintln(a.out, tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (required)")
	cmd.Flags().StringVar(&role, "role", string(model.RoleViewer), "viewer, analyst or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (max 720h)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
