package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/candlevault/candlevault/internal/backfill"
	"github.com/candlevault/candlevault/internal/config"
	httpapi "github.com/candlevault/candlevault/internal/interfaces/http"
	clog "github.com/candlevault/candlevault/internal/log"
	"github.com/candlevault/candlevault/internal/net/ratelimit"
	"github.com/candlevault/candlevault/internal/persistence/postgres"
	"github.com/candlevault/candlevault/internal/registry"
	"github.com/candlevault/candlevault/internal/scheduler"
	"github.com/candlevault/candlevault/internal/telemetry"
	"github.com/candlevault/candlevault/internal/upstream"
)

// engine bundles the wired components shared by the daemon and the
// one-shot backfill command.
type engine struct {
	manager  *postgres.Manager
	orch     *backfill.Orchestrator
	metrics  *telemetry.Metrics
	cache    *upstream.ResponseCache
	registry *registry.Registry
}

func (e *engine) close() {
	if e.cache != nil {
		e.cache.Close()
	}
	if e.manager != nil {
		e.manager.Close()
	}
}

// buildEngine opens the database, ensures the schema, and wires the
// backfill pipeline end to end.
func buildEngine(ctx context.Context, cfg config.Config) (*engine, error) {
	mgr, err := postgres.NewManager(cfg.Database)
	if err != nil {
		return nil, err
	}
	repo := mgr.Repository()

	if err := repo.Migrator.EnsureSchema(ctx); err != nil {
		mgr.Close()
		return nil, err
	}

	reg := registry.New(repo.Symbols, registry.DefaultTTL)
	limiter := ratelimit.NewLimiter(cfg.Upstream.RatePerWindow, cfg.Upstream.RateWindow, cfg.Upstream.RateBurst)
	cache := upstream.NewResponseCache(cfg.Redis, cfg.Upstream.CacheTTL)
	metrics := telemetry.NewMetrics()
	client := upstream.NewClient(cfg.Upstream, limiter, cache, repo.Audit, metrics)
	progress := clog.NewReporter(os.Stderr)

	orch := backfill.New(cfg.Backfill, cfg.Upstream.SourceTag, *repo, client, client, reg, metrics, progress)

	return &engine{manager: mgr, orch: orch, metrics: metrics, cache: cache, registry: reg}, nil
}

// runDaemon starts the scheduler and the ops HTTP server and blocks
// until SIGINT or SIGTERM.
func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.close()

	sched := scheduler.New(cfg.Scheduler, eng.orch, eng.metrics)
	server := httpapi.NewServer(cfg.HTTP, *eng.manager.Repository(), eng.manager, sched, eng.metrics)

	errs := make(chan error, 2)
	go func() {
		if err := sched.Start(ctx); err != nil && ctx.Err() == nil {
			errs <- err
		}
	}()
	go func() {
		if err := server.Start(); err != nil {
			errs <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errs:
		stop()
		log.Error().Err(err).Msg("component failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("ops server shutdown incomplete")
	}
	return nil
}
