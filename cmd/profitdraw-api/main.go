package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"profitdraw/internal/api"
	"profitdraw/internal/auth"
	"profitdraw/internal/config"
	"profitdraw/internal/db"
	"profitdraw/internal/events"
	"profitdraw/internal/metrics"
	"profitdraw/internal/payout"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	st, closeStore, err := db.OpenStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store init failed", "backend", cfg.Store.Backend, "err", err)
		os.Exit(1)
	}
	defer closeStore()

	m := metrics.New(prometheus.DefaultRegisterer)
	deps := payout.Deps{Metrics: m}
	if cfg.Events.NATSURL != "" {
		pub, nc, err := events.Connect(ctx, cfg.Events.NATSURL, cfg.Events.Stream, cfg.Events.SubjectPrefix, logger)
		if err != nil {
			logger.Error("events init failed", "err", err)
			os.Exit(1)
		}
		defer nc.Drain()
		deps.Publisher = pub
	}

	svc, err := payout.NewService(st, cfg.Payout, logger, deps)
	if err != nil {
		logger.Error("payout service init failed", "err", err)
		os.Exit(1)
	}

	authClient := auth.NewSupabaseClient(cfg.SupabaseURL, cfg.SupabaseAnonKey)
	server := api.New(cfg, logger, authClient, svc, m, promhttp.Handler())
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout())
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("profitdraw api listening", "addr", cfg.Addr, "store", cfg.Store.Backend)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}
