// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server and the usage
// reconciler.
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

	"golang.org/x/sync/errgroup"

	"github.com/Shivanand-hulikatti/offer-engine/internal/config"
	"github.com/Shivanand-hulikatti/offer-engine/internal/database"
	"github.com/Shivanand-hulikatti/offer-engine/internal/handler"
	"github.com/Shivanand-hulikatti/offer-engine/internal/reconcile"
	"github.com/Shivanand-hulikatti/offer-engine/internal/repository"
	"github.com/Shivanand-hulikatti/offer-engine/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("offer engine stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 1. Storage ────────────────────────────────────────────────────────
	var store repository.Store
	switch cfg.Store {
	case config.StoreMemory:
		store = repository.NewMemoryStore()
		logger.Warn("using in-memory store, data is lost on exit")
	default:
		pool, err := database.NewPool(ctx, cfg.DB, logger)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		logger.Info("connected to postgres", "host", cfg.DB.Host, "db", cfg.DB.DBName)
		store = repository.NewPostgresStore(pool)
	}

	// ── 2. Wire up layers ────────────────────────────────────────────────
	svc := service.NewRegistrationService(store, cfg.Scope(), logger)
	offerHandler := handler.NewOfferHandler(svc, logger)
	reconciler := reconcile.New(svc, cfg.ReconcileInterval, logger)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.NewRouter(offerHandler, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── 3. Run until SIGINT or SIGTERM ────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "addr", srv.Addr, "migration_scope", cfg.Scope())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return reconciler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
