package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"profitdraw/internal/config"
	"profitdraw/internal/db"
	"profitdraw/internal/events"
	"profitdraw/internal/metrics"
	"profitdraw/internal/payout"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWorkerFromEnv()
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
	svc.Coordinator().SetParallelism(cfg.Parallelism)

	run := func(ctx context.Context) error {
		period := cfg.Period
		if period == "" {
			period = payout.PreviousPeriod(time.Now())
		}
		started := time.Now()
		res, err := svc.RunPeriod(ctx, period)
		if err != nil {
			logger.Error("period run failed", "period_id", period, "funds", len(res.Funds), "err", err)
			return err
		}
		attrs := []any{"period_id", period, "funds", len(res.Funds), "elapsed", time.Since(started).String()}
		if res.Draw != nil {
			attrs = append(attrs, "winner_id", res.Draw.WinnerID, "prize", res.Draw.PrizeAmount)
		}
		if res.DrawError != "" {
			attrs = append(attrs, "draw_error", res.DrawError)
		}
		logger.Info("period run complete", attrs...)
		return nil
	}

	if cfg.RunOnce {
		if err := run(ctx); err != nil {
			os.Exit(1)
		}
		logger.Info("worker run-once completed")
		return
	}

	metricsServer := serveMetrics(cfg.MetricsAddr, logger)
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutCtx)
	}()

	cl := cronLogger{log: logger}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(cfg.Schedule, func() { _ = run(ctx) }); err != nil {
		logger.Error("invalid schedule", "schedule", cfg.Schedule, "err", err)
		os.Exit(1)
	}
	c.Start()
	logger.Info("worker started", "schedule", cfg.Schedule, "parallelism", cfg.Parallelism)

	<-ctx.Done()
	logger.Info("worker shutdown")
	// Wait for an in-flight run; it sees the cancelled ctx and stops between batches.
	<-c.Stop().Done()
}

func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "err", err)
		}
	}()
	return srv
}

// cronLogger routes cron's internal logging through slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
