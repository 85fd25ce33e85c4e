// Command spendctl is the operator CLI: it enqueues agent runs, inspects
// run tickets, manages campaign policies, applies migrations and mints
// operator tokens. It talks to Postgres directly using the same
// environment as the server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/spendpilot/spendpilot/internal/config"
	"github.com/spendpilot/spendpilot/internal/storage"
)

var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app carries state shared by subcommands.
type app struct {
	verbose bool
	asJSON  bool
	out     io.Writer
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{out: os.Stdout}

	root := &cobra.Command{
		Use:           "spendctl",
		Short:         "Operate the spendpilot attribution and budget pipeline",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			_ = godotenv.Load()
			a.out = cmd.OutOrStdout()
			level := slog.LevelWarn
			if a.verbose {
				level = slog.LevelDebug
			}
			a.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
		},
	}
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log debug output to stderr")
	root.PersistentFlags().BoolVar(&a.asJSON, "json", false, "print results as JSON")

	root.AddCommand(
		a.enqueueCmd(),
		a.runsCmd(),
		a.staleCmd(),
		a.policiesCmd(),
		a.migrateCmd(),
		a.tokenCmd(),
		a.keygenCmd(),
	)
	return root
}

// openDB loads configuration and connects to Postgres without a notify
// connection.
func (a *app) openDB(ctx context.Context) (*storage.DB, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, config.Config{}, err
	}
	db, err := storage.New(ctx, cfg.DatabaseURL, "", 2, a.logger)
	if err != nil {
		return nil, config.Config{}, err
	}
	return db, cfg, nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
