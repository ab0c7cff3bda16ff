package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/safar/handiehub/internal/api"
	"github.com/safar/handiehub/internal/config"
	"github.com/safar/handiehub/internal/database"
	"github.com/safar/handiehub/internal/escrow"
	"github.com/safar/handiehub/internal/logging"
	"github.com/safar/handiehub/internal/metrics"
	"github.com/safar/handiehub/internal/notify"
	"github.com/safar/handiehub/internal/orders"
	"github.com/safar/handiehub/internal/payments"
	"github.com/safar/handiehub/internal/release"
	"github.com/safar/handiehub/internal/stock"
	"github.com/safar/handiehub/internal/tracing"
	"github.com/safar/handiehub/migrations"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing.OTLPEndpoint, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown", "error", err)
		}
	}()

	db, err := database.NewConnection(&cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info("connected to database")

	if cfg.Database.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	engine := escrow.NewEngine(db, logger,
		escrow.WithPlatformFee(cfg.Ledger.PlatformFeePercent),
		escrow.WithSweep(cfg.Release.BatchSize, cfg.Release.Concurrency, cfg.Release.ItemTimeout),
	)

	queue := notify.NewQueue(sender(cfg, logger), logger, cfg.Notify.QueueSize, cfg.Notify.Workers, cfg.Notify.SendTimeout)
	queue.Start()

	service := orders.NewService(db, stock.NewReserver(logger), engine, queue, logger)
	bridge := payments.NewBridge(db, service, engine, logger)

	job := release.NewJob(engine, cfg.Release.Interval, logger)
	go job.Start(ctx)

	go metrics.StartDBStatsCollector(ctx, db, cfg.Metrics.DBStatsInterval)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.NewServer(service, engine, bridge, logger, cfg.IsProduction()).Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Server.Port, "env", cfg.Server.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	job.Stop()
	if err := queue.Close(shutdownCtx); err != nil {
		logger.Warn("notification queue did not drain", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

func sender(cfg *config.Config, logger *slog.Logger) notify.Sender {
	if cfg.Notify.WebhookURL == "" {
		return notify.LogSender{Logger: logger}
	}
	logger.Info("notifications delivered by webhook", "url", cfg.Notify.WebhookURL)
	return notify.NewWebhookSender(cfg.Notify.WebhookURL, &http.Client{Timeout: cfg.Notify.SendTimeout}, cfg.Notify.MaxAttempts)
}
