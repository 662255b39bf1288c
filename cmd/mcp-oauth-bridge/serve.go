package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	oauth "github.com/giantswarm/mcp-oauth-bridge"
	"github.com/giantswarm/mcp-oauth-bridge/instrumentation"
	"github.com/giantswarm/mcp-oauth-bridge/internal/config"
	"github.com/giantswarm/mcp-oauth-bridge/providers/upstream"
	"github.com/giantswarm/mcp-oauth-bridge/security"
	"github.com/giantswarm/mcp-oauth-bridge/server"
	"github.com/giantswarm/mcp-oauth-bridge/storage"
	"github.com/giantswarm/mcp-oauth-bridge/storage/memory"
	"github.com/giantswarm/mcp-oauth-bridge/storage/postgres"
	"github.com/giantswarm/mcp-oauth-bridge/storage/valkey"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the authorization server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg, logger)
		},
	}
}

// instrumentedStore is a storage backend that reports metrics.
type instrumentedStore interface {
	storage.Store
	SetInstrumentation(*instrumentation.Instrumentation)
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	inst, err := instrumentation.New(cfg.InstrumentationConfig(version))
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Instrumentation shutdown failed", "error", err)
		}
	}()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	store.SetInstrumentation(inst)

	srvCfg, err := cfg.ServerConfig()
	if err != nil {
		return err
	}
	if srvCfg.CallbackPath == "" {
		srvCfg.CallbackPath = server.DefaultCallbackPath
	}

	provider, err := upstream.NewProvider(cfg.UpstreamProviderConfig(srvCfg.CallbackURL(), logger, inst))
	if err != nil {
		return fmt.Errorf("failed to create upstream provider: %w", err)
	}

	srv, err := oauth.NewServer(provider, store, srvCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	srv.SetInstrumentation(inst)
	srv.SetAuditor(security.NewAuditor(logger, cfg.Security.AuditLogging))

	if rl := newRateLimiter(cfg.Security.RateLimit, logger); rl != nil {
		srv.SetRateLimiter(rl)
		if err := inst.RegisterRateLimiterCallback("ip", func() int64 { return int64(rl.ActiveBuckets()) }); err != nil {
			logger.Warn("Failed to register rate limiter metrics", "error", err)
		}
	}
	if rl := newRateLimiter(cfg.Security.RegistrationRateLimit, logger); rl != nil {
		srv.SetRegistrationRateLimiter(rl)
		if err := inst.RegisterRateLimiterCallback("registration", func() int64 { return int64(rl.ActiveBuckets()) }); err != nil {
			logger.Warn("Failed to register rate limiter metrics", "error", err)
		}
	}

	mux := http.NewServeMux()
	oauth.NewHandler(srv, logger).RegisterRoutes(mux)

	servers := []*http.Server{{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           security.RequestIDMiddleware(mux),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}}
	if cfg.Instrumentation.Enabled {
		if cfg.Instrumentation.MetricsAddr == "" {
			mux.Handle("/metrics", inst.Handler())
		} else {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", inst.Handler())
			servers = append(servers, &http.Server{
				Addr:              cfg.Instrumentation.MetricsAddr,
				Handler:           metricsMux,
				ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
			})
		}
	}

	sweeperCtx, stopSweeper := context.WithCancel(context.Background())
	sweeperDone := srv.StartSweeper(sweeperCtx)
	defer func() {
		stopSweeper()
		<-sweeperDone
	}()

	logger.Info("Starting mcp-oauth-bridge",
		"version", version,
		"addr", cfg.HTTP.ListenAddr,
		"issuer", srvCfg.Issuer,
		"storage", cfg.Storage.Driver,
		"upstream", provider.Name())

	g, gctx := errgroup.WithContext(ctx)
	for _, hs := range servers {
		g.Go(func() error {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listener %s: %w", hs.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", "timeout", cfg.HTTP.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, hs := range servers {
			errs = append(errs, hs.Shutdown(shutdownCtx))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func newRateLimiter(c config.RateLimitConfig, logger *slog.Logger) *security.RateLimiter {
	if c.Rate <= 0 {
		return nil
	}
	return security.NewRateLimiter(c.Rate, c.Burst, c.IdleTimeout, logger)
}

// openStore connects the configured backend. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (instrumentedStore, func(), error) {
	enc, err := cfg.Encryptor()
	if err != nil {
		return nil, nil, err
	}
	if !enc.IsEnabled() && cfg.Storage.Driver != config.StorageMemory {
		logger.Warn("⚠️  SECURITY WARNING: upstream tokens are stored unencrypted",
			"recommendation", "Set security.encryption_key (see `mcp-oauth-bridge keygen`)")
	}

	switch cfg.Storage.Driver {
	case config.StoragePostgres:
		pg := cfg.Storage.Postgres
		store, err := postgres.New(ctx, postgres.Config{
			DSN:       pg.DSN,
			MaxConns:  pg.MaxConns,
			Encryptor: enc,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if pg.MigrateOnStart {
			applied, err := store.Migrate(ctx)
			if err != nil {
				store.Close()
				return nil, nil, fmt.Errorf("migration failed: %w", err)
			}
			logger.Info("Migrations applied", "versions", applied)
		}
		return store, store.Close, nil

	case config.StorageValkey:
		vk := cfg.Storage.Valkey
		var tlsConfig *tls.Config
		if vk.TLS {
			tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		store, err := valkey.New(valkey.Config{
			Address:   vk.Address,
			Password:  vk.Password,
			DB:        vk.DB,
			KeyPrefix: vk.KeyPrefix,
			TLS:       tlsConfig,
			Encryptor: enc,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		return store, store.Close, nil

	default:
		store := memory.New()
		store.SetLogger(logger)
		return store, func() {}, nil
	}
}
