package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/alecgard/obol/internal/api"
	"github.com/alecgard/obol/internal/artifact"
	"github.com/alecgard/obol/internal/auth"
	"github.com/alecgard/obol/internal/billing"
	"github.com/alecgard/obol/internal/config"
	"github.com/alecgard/obol/internal/ledger"
	"github.com/alecgard/obol/internal/metrics"
	"github.com/alecgard/obol/internal/pricing"
	"github.com/alecgard/obol/internal/provider/echo"
	"github.com/alecgard/obol/internal/ratelimit"
	"github.com/alecgard/obol/internal/reconcile"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Obol billing server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	ledgerStore := ledger.NewStore(pool, cfg.Billing.MinBalanceThreshold, cfg.Billing.MaxAdjustment)
	artifactStore := artifact.NewStore(pool)

	table := pricingTable(cfg)
	invoker := echo.New(50 * time.Millisecond)

	m := metrics.New()
	m.RegisterDBPoolCollector(func() (total, idle, acquired int32) {
		stat := pool.Stat()
		return stat.TotalConns(), stat.IdleConns(), stat.AcquiredConns()
	})

	flow := billing.NewFlow(ledgerStore, artifactStore, invoker, table, cfg.Billing.DefaultMaxTokens)
	flow.SetMetrics(m)

	worker := reconcile.NewWorker(ledgerStore, artifactStore, table,
		cfg.Reconciler.Interval, cfg.Reconciler.Staleness, cfg.Reconciler.BatchLimit,
		cfg.Reconciler.LeaseKey)
	worker.SetMetrics(m)
	go worker.Start(ctx)

	limiter := ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window)
	authService := auth.NewService(ledger.NewAuthAdapter(ledgerStore))

	router := api.NewRouter(api.RouterDeps{
		Ledger:         ledgerStore,
		Billing:        flow,
		Auth:           authService,
		Limiter:        limiter,
		Metrics:        m,
		DB:             pool,
		AdminKeyHash:   cfg.Auth.AdminKeyHash,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	worker.Stop()

	return srv.Shutdown(shutdownCtx)
}

// pricingTable builds the pricing table from configuration.
func pricingTable(cfg *config.Config) *pricing.Table {
	rates := make(map[string]pricing.Rates, len(cfg.Pricing.Models))
	for id, r := range cfg.Pricing.Models {
		rates[id] = pricing.Rates{
			InputPer1K:  r.InputPer1K,
			OutputPer1K: r.OutputPer1K,
		}
	}

	opts := []pricing.Option{
		pricing.WithTypicalPromptTokens(cfg.Billing.TypicalPromptTokens),
	}
	for name, factor := range cfg.Pricing.Modifiers {
		opts = append(opts, pricing.WithModifier(name, factor))
	}

	return pricing.NewTable(rates, opts...)
}
