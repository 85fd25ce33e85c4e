// Command spendpilot runs the HTTP API, the job runner, the scheduler and
// the stale-run reporter in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/spendpilot/spendpilot/internal/agents"
	"github.com/spendpilot/spendpilot/internal/auth"
	"github.com/spendpilot/spendpilot/internal/config"
	"github.com/spendpilot/spendpilot/internal/dispatch"
	"github.com/spendpilot/spendpilot/internal/mcp"
	"github.com/spendpilot/spendpilot/internal/platform"
	"github.com/spendpilot/spendpilot/internal/policy"
	"github.com/spendpilot/spendpilot/internal/ratelimit"
	"github.com/spendpilot/spendpilot/internal/server"
	"github.com/spendpilot/spendpilot/internal/storage"
	"github.com/spendpilot/spendpilot/internal/telemetry"
	"github.com/spendpilot/spendpilot/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	runnerID := "runner-" + uuid.NewString()[:8]
	logger.Info("spendpilot starting", "version", version, "port", cfg.Port, "runner_id", runnerID)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		RunnerID:    runnerID,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, cfg.MaxConns, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(context.Background())
	if !db.HasNotify() {
		logger.Info("runner: no NOTIFY_URL, polling only", "interval", cfg.PollInterval)
	}

	if cfg.MigrateOnStart {
		applied, err := db.RunMigrations(ctx, migrations.FS)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("migrations applied", "files", applied)
		}
	}

	if cfg.PolicyFile != "" {
		if err := syncPolicies(ctx, db, cfg.PolicyFile, logger); err != nil {
			return err
		}
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	registry, err := platform.NewRegistry(platformSettings(cfg), logger)
	if err != nil {
		return fmt.Errorf("platforms: %w", err)
	}
	defer func() { _ = registry.Close() }()

	step := agents.Step{
		Mode:     agents.StepMode(cfg.OptimizerStepMode),
		Increase: cfg.OptimizerIncrease,
		Decrease: cfg.OptimizerDecrease,
	}
	if err := step.Validate(); err != nil {
		return fmt.Errorf("optimizer: %w", err)
	}

	exec := &dispatch.Agents{
		Ingestor:  agents.NewIngestor(db, registry, cfg.PlatformTimeout, logger),
		Extractor: agents.NewExtractor(db, 0, logger),
		Resolver:  agents.NewResolver(db, cfg.AttributionLookback, 0, logger),
		Uploader:  agents.NewUploader(db, registry, cfg.PlatformTimeout, 0, logger),
		Optimizer: agents.NewOptimizer(db, registry, step, cfg.PlatformTimeout, logger),
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := dispatch.NewMetrics(promReg)

	dispatcher := dispatch.NewDispatcher(db, metrics, logger)
	runner := dispatch.NewRunner(db, db, exec, metrics, dispatch.RunnerConfig{
		RunnerID:     runnerID,
		Workers:      cfg.RunnerWorkers,
		PollInterval: cfg.PollInterval,
		RunTimeout:   cfg.RunTimeout,
	}, logger)
	scheduler := dispatch.NewScheduler(dispatcher, registry.Platforms, cfg.ScheduleInterval, cfg.OptimizerDryRun, logger)
	stale := dispatch.NewStaleReporter(db, cfg.StaleAfter, cfg.StaleCheckInterval, logger)

	mcpSrv := mcp.New(dispatcher, db, cfg.StaleAfter, logger, version)

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.APIRateLimitRPS > 0 {
		ml := ratelimit.NewMemoryLimiter(cfg.APIRateLimitRPS, cfg.APIRateLimitBurst)
		defer func() { _ = ml.Close() }()
		limiter = ml
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.APIRateLimitRPS, "burst", cfg.APIRateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Store:               db,
		Dispatcher:          dispatcher,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Limiter:             limiter,
		Gatherer:            promReg,
		MCPServer:           mcpSrv.MCPServer(),
		Platforms:           registry.Platforms,
		StaleAfter:          cfg.StaleAfter,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	runner.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return stale.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()

		// Graceful shutdown. Each phase gets its own timeout: stop accepting
		// requests first, then let in-flight agent runs finish and finalize
		// their tickets.
		logger.Info("spendpilot shutting down")

		httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer httpCancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			logger.Error("http shutdown error", "error", err)
		}

		drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer drainCancel()
		runner.Drain(drainCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("spendpilot stopped")
	return nil
}

// platformSettings maps the per-platform config sections onto registry
// settings.
func platformSettings(cfg config.Config) []platform.Settings {
	out := make([]platform.Settings, 0, len(cfg.Platforms))
	for _, pc := range cfg.Platforms {
		out = append(out, platform.Settings{
			Platform:      pc.Platform,
			Adapter:       pc.Adapter,
			BaseURL:       pc.BaseURL,
			APIToken:      pc.APIToken,
			SigningSecret: pc.SigningSecret,
			Accounts:      pc.Accounts,
			RPS:           pc.RPS,
			Burst:         pc.Burst,
			Timeout:       cfg.PlatformTimeout,
		})
	}
	return out
}

// syncPolicies upserts the policy file into campaign_policies. Policies
// absent from the file are left as they are.
func syncPolicies(ctx context.Context, db *storage.DB, path string, logger *slog.Logger) error {
	ps, err := policy.LoadFile(path)
	if err != nil {
		return fmt.Errorf("policies: %w", err)
	}
	if len(ps) == 0 {
		logger.Warn("policy file has no policies", "path", path)
		return nil
	}
	if err := db.UpsertPolicies(ctx, ps); err != nil {
		return fmt.Errorf("policies: %w", err)
	}
	logger.Info("policies synced", "path", path, "count", len(ps))
	return nil
}
