// Package main is the entry point for the convoy server.
//
// The server accepts conversational events over gRPC and HTTP, coalesces them
// into per-conversation batches, and drives each batch through generation and
// paid tools behind monetary admission control.
//
// The server initializes:
//  1. The durable store (Postgres or SQLite) and its schema
//  2. The Redis cache layer, warmed from the store
//  3. The ledger, tool runner and generation dispatcher
//  4. The batching engine
//  5. gRPC and HTTP servers
//
// Lifecycle:
//  1. Load configuration (defaults, YAML file, environment)
//  2. Initialize dependencies
//  3. Serve until SIGINT/SIGTERM
//  4. Stop accepting traffic, then drain in-flight batches
//  5. Close the cache and the store
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kelpejol/convoy/internal/api"
	"github.com/kelpejol/convoy/internal/batch"
	"github.com/kelpejol/convoy/internal/cache"
	"github.com/kelpejol/convoy/internal/config"
	"github.com/kelpejol/convoy/internal/dispatch"
	"github.com/kelpejol/convoy/internal/engine"
	"github.com/kelpejol/convoy/internal/estimate"
	"github.com/kelpejol/convoy/internal/generation"
	"github.com/kelpejol/convoy/internal/ingest"
	"github.com/kelpejol/convoy/internal/ledger"
	"github.com/kelpejol/convoy/internal/metrics"
	"github.com/kelpejol/convoy/internal/rest"
	"github.com/kelpejol/convoy/internal/store"
	balancesync "github.com/kelpejol/convoy/internal/sync"
	"github.com/kelpejol/convoy/internal/tools"
)

// Version is set during build.
var Version = "dev"

// shutdownTimeout bounds draining of in-flight batches.
const shutdownTimeout = 30 * time.Second

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "convoyd",
		Short:         "convoy server",
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("CONVOY_CONFIG"), "Path to a YAML config file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger := setupLogger(cfg.LogLevel, cfg.Environment)
	logger.Info().
		Str("environment", cfg.Environment).
		Str("grpc_port", cfg.GRPCPort).
		Str("http_port", cfg.HTTPPort).
		Str("model", cfg.Generation.Model).
		Msg("starting convoy server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	layer := cache.New(cache.NewClient(ctx, cfg.Redis, logger), st, cache.OptionsFromConfig(cfg.Cache), m, logger)
	defer layer.Close()

	ldgr := ledger.New(st, layer.Accounts, m, logger)

	// Warm the cache so the first admission checks do not all miss.
	syncer := balancesync.NewSyncer(st, layer.Accounts, cfg.Sync, m, logger)
	if layer.Enabled() {
		initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if _, err := syncer.InitializeCache(initCtx); err != nil {
			logger.Warn().Err(err).Msg("cache warm-up failed, continuing cold")
		}
		cancel()

		syncer.StartPeriodicSync(cfg.Sync.Interval)
		defer syncer.Stop()
	}

	registry := tools.NewRegistry()
	if err := registry.Register(tools.Clock(nil)); err != nil {
		return err
	}
	runner := tools.NewRunner(registry, ldgr, cfg.Tools, m, logger)

	gen, err := newGenerator(ctx, cfg.Generation, logger)
	if err != nil {
		return err
	}
	pricing, _ := cfg.PricingFor(cfg.Generation.Model)

	dispatcher := dispatch.New(dispatch.Options{
		Model:    cfg.Generation.Model,
		System:   cfg.Generation.System,
		Pricing:  pricing,
		MaxSteps: cfg.Generation.MaxSteps,
		Timeout:  cfg.Generation.Timeout,
	}, gen, layer.History, layer.Blobs, ldgr, runner, estimate.New(cfg.Estimator.CharsPerToken), m, logger)

	eng := engine.New(batch.OptionsFromConfig(cfg.Batch), ingest.OptionsFromConfig(cfg.Ingest), dispatcher, layer.Blobs, m, logger)

	development := cfg.Environment == "development"
	svc := api.NewService(eng, ldgr, st, logger)
	grpcServer := api.NewServer(svc, development, logger)
	if development {
		logger.Info().Msg("grpc reflection enabled")
	}

	handler := rest.NewHandler(svc, layer.Blobs, map[string]rest.Check{
		"store": st.Ping,
		"cache": layer.Ping,
	}, prometheus.DefaultGatherer, logger)
	httpServer := rest.NewServer(":"+cfg.HTTPPort, handler, development, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		listener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		logger.Info().Str("port", cfg.GRPCPort).Msg("grpc server listening")
		return grpcServer.Serve(listener)
	})

	g.Go(func() error {
		logger.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return eng.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown signal received, starting graceful shutdown")

		logger.Info().Int("active_conversations", eng.Active()).Msg("draining batches")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop intake first so no new work reaches the queue while it drains.
		grpcServer.GracefulStop()
		logger.Info().Msg("grpc server stopped")

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http server shutdown failed")
		}
		logger.Info().Msg("http server stopped")

		if err := eng.Close(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("engine shutdown incomplete")
		}
		logger.Info().Msg("engine stopped")
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

func newGenerator(ctx context.Context, cfg config.GenerationConfig, logger zerolog.Logger) (generation.Generator, error) {
	switch cfg.Provider {
	case "gemini", "":
		return generation.NewGemini(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown generation provider %q", cfg.Provider)
	}
}

// setupLogger creates a structured logger with appropriate configuration.
func setupLogger(levelStr, environment string) zerolog.Logger {
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	// In development, use pretty console output
	// In production, use JSON for structured logging
	if environment == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).
			With().
			Timestamp().
			Caller().
			Logger()
	}
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", "convoyd").
		Str("environment", environment).
		Logger()
}
