package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ashuein/contentforge/internal/api"
	"github.com/ashuein/contentforge/internal/assets"
	"github.com/ashuein/contentforge/internal/cache"
	"github.com/ashuein/contentforge/internal/config"
	"github.com/ashuein/contentforge/internal/gates"
	"github.com/ashuein/contentforge/internal/gateway"
	"github.com/ashuein/contentforge/internal/idempotency"
	"github.com/ashuein/contentforge/internal/lockmgr"
	"github.com/ashuein/contentforge/internal/logging"
	"github.com/ashuein/contentforge/internal/metrics"
	"github.com/ashuein/contentforge/internal/pipeline"
	"github.com/ashuein/contentforge/internal/publish"
	"github.com/ashuein/contentforge/internal/ratelimit"
	"github.com/ashuein/contentforge/internal/repair"
	"github.com/ashuein/contentforge/internal/retry"
	"github.com/ashuein/contentforge/internal/stages"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and pipeline workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	return cmd
}

func serve(cfg config.Config) error {
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	m := metrics.New()

	store, err := cache.New(cfg.Cache, cfg.Paths.CacheDir, log, m)
	if err != nil {
		return fmt.Errorf("cache init: %w", err)
	}
	defer store.Close()

	limiter := ratelimit.New(cfg.RateLimit, log, m)
	defer limiter.Close()

	retries := retry.NewManager(log, m, limiter.Classifier())
	provider := gateway.NewHTTPProvider(cfg.Gateway)
	gw := gateway.New(cfg.Gateway, provider, store, limiter, retries, log, m)

	registry := gates.DefaultRegistry(cfg.Pipeline.NumericTrials)
	repairs := repair.NewEngine(log, m)

	precompiled := assets.NewPrecompiledIndex(cfg.Paths.PrecompiledDir, log)
	defer precompiled.Close()
	adapter := assets.NewAdapter(cfg.Pipeline, store, precompiled, log, m)

	pub := publish.New(log, true)
	orch := pipeline.New(cfg.Pipeline, cfg.Paths,
		stages.NewPlanner(gw, registry, log),
		stages.NewScaffolder(log),
		stages.NewSectionWriter(cfg.Pipeline, gw, registry, repairs, retries, log),
		stages.NewAssembler(registry, log),
		adapter, repairs, pub, log, m)

	locks := lockmgr.New(cfg.Locks, log)
	defer locks.Close()

	if err := os.MkdirAll(filepath.Dir(cfg.Paths.IdempotencyDB), 0o755); err != nil {
		return err
	}
	idem, err := idempotency.Open(cfg.Paths.IdempotencyDB, cfg.Idempotency.TTL, log)
	if err != nil {
		return fmt.Errorf("idempotency init: %w", err)
	}
	defer idem.Close()

	resolver := api.NewReferenceResolver(cfg.Resolver.KeywordThreshold, cfg.Resolver.FuzzyThreshold, nil)
	service := api.NewService(cfg, locks, idem, orch, adapter, retries, resolver, log)
	server := api.NewServer(cfg.Server, service, m, log)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(ctx)
}
