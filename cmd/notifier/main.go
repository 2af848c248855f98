// Package main runs the standalone join-notification retry worker. It
// consumes the Redis retry queue so notification retries survive coordinator
// restarts and can be scaled independently.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/roomsync/coordinator/config"
	"github.com/roomsync/coordinator/internal/notify"
	"github.com/roomsync/coordinator/internal/room"
	"github.com/roomsync/coordinator/pkg/queue"
	"github.com/roomsync/coordinator/pkg/redisclient"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Redis.Addr == "" {
		logger.Fatal("notifier requires REDIS_ADDR")
	}

	ctx := context.Background()
	rdb, err := redisclient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	provider, err := room.NewLiveKit(room.LiveKitConfig{
		URL:       cfg.Room.URL,
		APIKey:    cfg.Room.APIKey,
		APISecret: cfg.Room.APISecret,
	}, logger)
	if err != nil {
		logger.Fatal("room provider", zap.Error(err))
	}

	jobQueue := queue.New(rdb.Client, logger)
	dispatcher := notify.NewDispatcher(
		notify.NewClient(cfg.Notify.Timeout, logger),
		provider, jobQueue, cfg.Session.WorkerGrantTTL, logger)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go dispatcher.Run(runCtx)
	logger.Info("notifier started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	dispatcher.Wait()
	time.Sleep(time.Second)
	logger.Info("notifier stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
