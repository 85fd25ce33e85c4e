package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/spendpilot/spendpilot/internal/auth"
)

func (a *app) keygenCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the Ed25519 key pair used to sign operator tokens",
		Long: `Generate the Ed25519 key pair used to sign operator tokens.

Point SPENDPILOT_JWT_PRIVATE_KEY and SPENDPILOT_JWT_PUBLIC_KEY at the
written files. Without them the server generates ephemeral keys and every
token stops working on restart. Existing files are never overwritten.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			privPath, pubPath, err := auth.WriteKeyPair(dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "wrote %s\nwrote %s\n", privPath, pubPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "data", "output directory")
	return cmd
}
