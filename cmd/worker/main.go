package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/unclebandit/outreach-engine/internal/app"
	"github.com/unclebandit/outreach-engine/internal/config"
	"github.com/unclebandit/outreach-engine/internal/db"
	"github.com/unclebandit/outreach-engine/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	lg, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer lg.Sync()

	if cfg.QueueDriver == "memory" {
		lg.Fatal("the worker needs a shared queue; run the server with QUEUE_DRIVER=memory instead")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		lg.Fatal("failed to connect to DB", zap.Error(err))
	}
	defer conn.Close()

	broker, err := app.NewBroker(cfg, conn, lg)
	if err != nil {
		lg.Fatal("failed to build queue", zap.Error(err))
	}

	components, err := app.Build(cfg, conn, broker, app.Providers{}, lg)
	if err != nil {
		lg.Fatal("failed to build services", zap.Error(err))
	}
	defer components.Close()

	components.Register(broker, cfg)
	go components.RunReplyScans(ctx, cfg.ReplyScanInterval, lg)

	metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Warn("metrics endpoint stopped", zap.Error(err))
		}
	}()
	defer metrics.Close()

	lg.Info("worker running, waiting for jobs",
		zap.Int("send_concurrency", cfg.SendConcurrency),
		zap.Int("follow_up_concurrency", cfg.FollowUpConcurrency),
	)
	if err := broker.Run(ctx); err != nil && ctx.Err() == nil {
		lg.Fatal("worker stopped", zap.Error(err))
	}
	lg.Info("worker shut down")
}
