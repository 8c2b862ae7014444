// handlers.go implements what each command in commands.go runs.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/turnpipe/turnpipe/internal/canary"
	"github.com/turnpipe/turnpipe/internal/platform/config"
	"github.com/turnpipe/turnpipe/internal/platform/logging"
	"github.com/turnpipe/turnpipe/internal/store"
	transporthttp "github.com/turnpipe/turnpipe/internal/transport/http"
)

func loadConfigAndLogger(debug bool) (*config.Config, logging.Logger, error) {
	// Best effort: a missing .env is normal in production where
	// environment variables are set by the deployment platform instead.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := logging.New(logging.Config{
		Level:   level,
		Format:  cfg.Logging.Format,
		Output:  os.Stdout,
		Service: cfg.ServiceName,
	})
	return cfg, logger, nil
}

func runServe(ctx context.Context, tenantYAMLDir string, debug bool) error {
	cfg, logger, err := loadConfigAndLogger(debug)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	a, err := buildApp(ctx, cfg, logger, tenantYAMLDir)
	if err != nil {
		return fmt.Errorf("wiring application: %w", err)
	}
	defer a.Close()

	srv := transporthttp.NewServer(a.pipeline, a.router, a.tenantStore, logger,
		transporthttp.WithCanary(cfg.Pipeline.StagedEnabled, cfg.Pipeline.CanaryPercent),
	)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("turn rpc server listening", map[string]interface{}{"addr": httpServer.Addr})
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received", nil)
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serving turn rpc: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func runMigrate(ctx context.Context) error {
	cfg, logger, err := loadConfigAndLogger(false)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pgStore, err := store.Open(ctx, store.Config{
		DSN:            cfg.Store.DSN,
		MaxConns:       cfg.Store.MaxConns,
		MigrationsPath: cfg.Store.MigrationsPath,
		ConnTimeout:    cfg.Store.ConnTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("opening tenant state store: %w", err)
	}
	defer pgStore.Close()

	if err := pgStore.RunMigrations(cfg.Store.MigrationsPath); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	logger.Info("migrations applied", nil)
	return nil
}

func runCanaryCheck(ctx context.Context, conversationID string, staged bool, canaryPercent int) error {
	router := canary.NewRouter(nil)
	decision := router.Decide(ctx, conversationID, staged, canaryPercent)

	fmt.Printf("conversation_id=%s bucket=%d staged_enabled=%t canary_percent=%d -> route=%s\n",
		conversationID, canary.Bucket(conversationID), staged, canaryPercent, decision.Route)

	return nil
}
