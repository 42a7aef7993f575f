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

	"github.com/ecotrace/ecotrace/internal/api"
	"github.com/ecotrace/ecotrace/internal/classify"
	"github.com/ecotrace/ecotrace/internal/config"
	"github.com/ecotrace/ecotrace/internal/emission"
	"github.com/ecotrace/ecotrace/internal/events"
	"github.com/ecotrace/ecotrace/internal/llm"
	"github.com/ecotrace/ecotrace/internal/pipeline"
	"github.com/ecotrace/ecotrace/internal/product"
	"github.com/ecotrace/ecotrace/internal/queue"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	runner := &llm.Runner{Path: cfg.ClaudePath, Model: cfg.Model}
	classifier := classify.NewClaudeClient(runner, classify.NewLimiter(cfg.ProviderRPM, cfg.ProviderTPM))
	pipe := pipeline.New(classifier, store, emission.NewTable())

	opts := queue.Options{CallbackURL: cfg.CallbackURL}
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			slog.Error("kafka", "error", err)
			os.Exit(1)
		}
		defer pub.Close()
		opts.Publisher = pub
	}

	q := queue.New(cfg.Queue, store, pipe, opts)
	q.Start(ctx)

	n, err := q.Recover(ctx)
	if err != nil {
		slog.Error("recovery", "error", err)
		os.Exit(1)
	}
	if n > 0 {
		slog.Info("recovery: products re-admitted", "count", n)
	}
	q.StartSweep(ctx, cfg.StaleAfter, cfg.SweepInterval)

	if !cfg.DisableKeepalive {
		startKeepalive(cfg.ClaudePath)
	}

	mux := http.NewServeMux()
	api.NewHandler(store, q).RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging,
		api.Auth(cfg.APIKeys),
		api.Tenant(cfg.DefaultTenant),
		api.RateLimit(cfg.RateLimitRPS),
	)

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: /api/v1/queue/events streams indefinitely.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down")
		q.Stop()
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("ecotrace listening", "addr", cfg.ListenAddr, "store", cfg.Store, "model", cfg.Model)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (product.Store, func(), error) {
	switch cfg.Store {
	case config.StoreDynamoDB:
		s, err := product.NewDynamoStore(ctx, cfg.AWSRegion, cfg.DynamoTable, cfg.DynamoEndpoint)
		if err != nil {
			return nil, nil, fmt.Errorf("dynamodb: %w", err)
		}
		return s, func() {}, nil
	default:
		s, err := product.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		return s, func() { s.Close() }, nil
	}
}
