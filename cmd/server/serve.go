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

	"github.com/spf13/cobra"

	"github.com/Modulys-Pax/erp-sub000/internal/cache"
	"github.com/Modulys-Pax/erp-sub000/internal/config"
	"github.com/Modulys-Pax/erp-sub000/internal/httpapi"
	"github.com/Modulys-Pax/erp-sub000/internal/metrics"
	"github.com/Modulys-Pax/erp-sub000/internal/service"
	"github.com/Modulys-Pax/erp-sub000/internal/store"
	"github.com/Modulys-Pax/erp-sub000/internal/store/memory"
	pgstore "github.com/Modulys-Pax/erp-sub000/internal/store/postgres"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// backend is what the service needs from a storage layer.
type backend interface {
	store.Repository
	store.StockLedger
	store.FinancialIssuer
	httpapi.UserStore
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := validateSecurityConfig(cfg); err != nil {
		return fmt.Errorf("invalid security configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	var repo backend
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback: %w", err)
		}
		closers = append(closers, pg.Close)
		if cfg.MigrateOnStart {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		repo = pg
		logger.Info("repository ready", "backend", "postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository ready", "backend", "memory")
	}

	orderCache := cache.OrderCache(cache.NoopOrderCache{})
	if cfg.DatabaseURL == "" {
		orderCache = cache.NewMemoryOrderCache()
	}
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisOrderCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, falling back", "err", err)
			_ = redisCache.Close()
		} else {
			orderCache = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("order cache ready", "backend", "redis")
		}
	}

	recorder := metrics.New()
	svc := service.New(repo, repo, repo, service.Options{
		Cache:           orderCache,
		CacheTTL:        time.Duration(cfg.OrderCacheTTLSeconds) * time.Second,
		Metrics:         recorder,
		Logger:          logger,
		PaymentTermDays: cfg.PaymentTermDays,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)

	if password := os.Getenv("SEED_ADMIN_PASSWORD"); password != "" {
		created, err := auth.EnsureAdmin(ctx, envOr("SEED_ADMIN_USERNAME", "admin"), password, os.Getenv("SEED_ADMIN_BRANCH_ID"))
		if err != nil {
			return fmt.Errorf("bootstrap admin: %w", err)
		}
		if created {
			logger.Info("bootstrapped admin account")
		}
	}

	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger, recorder)
	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ERP backend listening", "addr", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	var serveErr error
	select {
	case <-sig:
	case serveErr = <-errCh:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "err", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error("close error", "err", err)
		}
	}

	logger.Info("server stopped")
	return serveErr
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
