// Package main is the entrypoint for the cihealer API server.
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

	"github.com/kiranshivaraju/cihealer/internal/ai"
	"github.com/kiranshivaraju/cihealer/internal/api"
	"github.com/kiranshivaraju/cihealer/internal/api/handler"
	mw "github.com/kiranshivaraju/cihealer/internal/api/middleware"
	"github.com/kiranshivaraju/cihealer/internal/cache"
	"github.com/kiranshivaraju/cihealer/internal/codehost"
	"github.com/kiranshivaraju/cihealer/internal/config"
	"github.com/kiranshivaraju/cihealer/internal/store"
	"github.com/kiranshivaraju/cihealer/internal/sweep"
	"github.com/kiranshivaraju/cihealer/internal/tracker"
	"github.com/kiranshivaraju/cihealer/internal/workflow"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"store", cfg.Database.Driver,
		"ai_provider", cfg.AI.Provider,
		"codehost", cfg.CodeHost.Provider,
		"tracker", cfg.Tracker.Provider,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	a, err := newApp(cfg, st, redisCache)
	if err != nil {
		return err
	}

	if n, err := a.svc.Resume(ctx); err != nil {
		slog.Error("resuming interrupted workflows", "error", err)
	} else if n > 0 {
		slog.Info("interrupted workflows resumed", "count", n)
	}
	if a.sweeper != nil {
		a.sweeper.Start()
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      a.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := a.shutdown(shutdownCtx); err != nil {
		return err
	}

	slog.Info("server stopped gracefully")
	return nil
}

// openStore returns the record store selected by cfg.Driver and its closer.
// Postgres migrations are applied before the store is returned.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, func(), error) {
	if cfg.Driver == "memory" {
		slog.Warn("using in-memory store; state is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}

	pool, err := store.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.URL); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")
	return store.NewPostgresStore(pool), pool.Close, nil
}

// app is everything the server runs once storage is available.
type app struct {
	svc     *workflow.Service
	sweeper *sweep.Sweeper
	handler http.Handler
}

func newApp(cfg *config.Config, st store.Store, c cache.Cache) (*app, error) {
	provider, err := ai.NewProvider(cfg.AI)
	if err != nil {
		return nil, fmt.Errorf("create AI provider: %w", err)
	}
	host, err := codehost.New(cfg.CodeHost)
	if err != nil {
		return nil, fmt.Errorf("create code host: %w", err)
	}
	bugs, err := tracker.New(cfg.Tracker, cfg.Workflow.ExternalTimeout)
	if err != nil {
		return nil, fmt.Errorf("create issue tracker: %w", err)
	}
	routes, err := workflow.LoadRoutingTable(cfg.Workflow.RoutingFile)
	if err != nil {
		return nil, fmt.Errorf("load routing table: %w", err)
	}
	slog.Info("adapters initialized",
		"ai_provider", provider.Name(),
		"codehost", host.Name(),
		"tracker", bugs.Name(),
	)

	svc := workflow.NewService(workflow.Dependencies{
		Store:      st,
		Cache:      c,
		Classifier: provider,
		Engine:     provider,
		CodeHost:   host,
		Tracker:    bugs,
		Routes:     routes,
	}, workflow.ConfigFrom(cfg.Workflow, cfg.CodeHost))

	a := &app{svc: svc}
	if cfg.Aging.Enabled {
		a.sweeper, err = sweep.New(st, svc, cfg.Aging)
		if err != nil {
			return nil, fmt.Errorf("create aging sweeper: %w", err)
		}
	}

	a.handler = api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(c, cfg.RateLimit.PerMinute),
		Handler:   handler.New(svc, st),
		HealthHandler: handler.Health(map[string]handler.Pinger{
			"database": st,
			"cache":    c,
		}),
	})
	return a, nil
}

// shutdown stops the sweeper and then waits for in-flight workflow jobs.
func (a *app) shutdown(ctx context.Context) error {
	if a.sweeper != nil {
		if err := a.sweeper.Stop(ctx); err != nil {
			return fmt.Errorf("stop aging sweeper: %w", err)
		}
	}
	if err := a.svc.Shutdown(ctx); err != nil {
		return fmt.Errorf("workflow shutdown: %w", err)
	}
	return nil
}
