// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/unclebandit/outreach-engine/internal/app"
	"github.com/unclebandit/outreach-engine/internal/config"
	"github.com/unclebandit/outreach-engine/internal/controller"
	"github.com/unclebandit/outreach-engine/internal/db"
	"github.com/unclebandit/outreach-engine/internal/handler"
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

	// The memory queue only exists in this process, so the handlers have to
	// run here as well.
	if cfg.QueueDriver == "memory" {
		lg.Warn("memory queue driver: jobs are lost on restart, running workers in-process")
		components.Register(broker, cfg)
		go func() {
			if err := broker.Run(ctx); err != nil {
				lg.Error("queue stopped", zap.Error(err))
			}
		}()
		go components.RunReplyScans(ctx, cfg.ReplyScanInterval, lg)
	}

	outreachController := &controller.OutreachController{
		OutreachService: components.Outreach,
		Replies:         components.Replies,
		Logger:          lg,
	}
	messageHandler := handler.NewMessageHandler(components.Outreach, lg)

	r := controller.NewRouter(outreachController, messageHandler)
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	lg.Info("server running", zap.String("addr", cfg.HTTPAddr), zap.String("queue_driver", cfg.QueueDriver))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		lg.Fatal("server failed", zap.Error(err))
	}
}
