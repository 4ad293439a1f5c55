package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tapfolio/tapfolio/internal/ai"
	"github.com/tapfolio/tapfolio/internal/billing"
	"github.com/tapfolio/tapfolio/internal/chat"
	"github.com/tapfolio/tapfolio/internal/features"
	"github.com/tapfolio/tapfolio/internal/platform/cache"
	"github.com/tapfolio/tapfolio/internal/platform/config"
	"github.com/tapfolio/tapfolio/internal/platform/database"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	db, err := database.New(ctx, database.Config{
		URL:             cfg.Database.URL,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
	})
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var cacheClient *cache.Cache
	if cfg.Cache.URL != "" {
		cacheClient, err = cache.New(ctx, cfg.Cache.URL)
		if err != nil {
			slog.Error("failed to connect to cache", "error", err)
			os.Exit(1)
		}
		defer cacheClient.Close()
	}

	app, err := buildApp(cfg, db, cacheClient)
	if err != nil {
		slog.Error("failed to build application", "error", err)
		os.Exit(1)
	}

	go app.reconciler.Run(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      app.mux(db, cacheClient),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 120 * time.Second, // AI calls run inside request handlers
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
}

// app holds the wired components the routes and the run loop reach for.
type app struct {
	ledger     billing.LedgerStore
	reconciler *billing.Reconciler
	features   *features.Service
	chat       *chat.Gateway
}

func buildApp(cfg *config.Config, db *database.DB, cacheClient *cache.Cache) (*app, error) {
	ledger, err := billing.NewPostgresLedgerStore(db.Pool)
	if err != nil {
		return nil, fmt.Errorf("ledger store: %w", err)
	}
	requests, err := billing.NewPostgresRequestStore(db.Pool)
	if err != nil {
		return nil, fmt.Errorf("request store: %w", err)
	}

	pricing, err := billing.LoadPricing(cfg.Billing.PricingPath)
	if err != nil {
		return nil, fmt.Errorf("pricing: %w", err)
	}
	meter := billing.NewMeter(pricing)

	coord, err := billing.NewCoordinator(billing.CoordinatorConfig{
		Ledger:      ledger,
		Requests:    requests,
		Meter:       meter,
		WorkTimeout: cfg.Billing.WorkTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator: %w", err)
	}

	var locker billing.Locker
	if cacheClient != nil {
		locker = cacheClient
	}
	reconciler := billing.NewReconciler(billing.ReconcilerConfig{
		Ledger:         ledger,
		Requests:       requests,
		Locker:         locker,
		Interval:       cfg.Billing.SweepInterval,
		StaleThreshold: cfg.Billing.StaleThreshold,
	})

	router := ai.NewRouter()
	if cfg.AI.OpenAI.APIKey != "" {
		var opts []ai.OpenAIOption
		if cfg.AI.OpenAI.BaseURL != "" {
			opts = append(opts, ai.WithBaseURL(cfg.AI.OpenAI.BaseURL))
		}
		if cfg.AI.OpenAI.Model != "" {
			opts = append(opts, ai.WithDefaultModel(cfg.AI.OpenAI.Model))
		}
		router.Register("openai", ai.NewOpenAIProvider(cfg.AI.OpenAI.APIKey, opts...))
	}
	if !router.HasProvider() {
		slog.Warn("no AI provider configured, feature routes will fail")
	}

	featureSvc, err := features.NewService(coord, router)
	if err != nil {
		return nil, fmt.Errorf("features: %w", err)
	}

	return &app{
		ledger:     ledger,
		reconciler: reconciler,
		features:   featureSvc,
		chat:       chat.NewGateway(featureSvc),
	}, nil
}
