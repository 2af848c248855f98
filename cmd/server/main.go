// Package main runs the session coordinator HTTP server with graceful
// shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/roomsync/coordinator/config"
	"github.com/roomsync/coordinator/internal/api"
	"github.com/roomsync/coordinator/internal/eventbus"
	"github.com/roomsync/coordinator/internal/monitor"
	"github.com/roomsync/coordinator/internal/notify"
	"github.com/roomsync/coordinator/internal/orchestrator"
	"github.com/roomsync/coordinator/internal/registry"
	"github.com/roomsync/coordinator/internal/room"
	"github.com/roomsync/coordinator/internal/sessions"
	"github.com/roomsync/coordinator/pkg/database"
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

	ctx := context.Background()

	var store sessions.Store
	if cfg.Storage.Backend == "postgres" {
		pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		store = sessions.NewPostgresStore(pool)
	} else {
		store = sessions.NewMemoryStore()
		logger.Info("using in-memory session store")
	}

	bus := eventbus.New(logger)
	var jobQueue *queue.Queue
	if cfg.Redis.Addr != "" {
		rdb, err := redisclient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		jobQueue = queue.New(rdb.Client, logger)
		bus.SetMirror(eventbus.NewRedisMirror(rdb.Client, logger))
	} else {
		logger.Info("redis not configured, retries send directly and events stay local")
	}

	provider, err := room.NewLiveKit(room.LiveKitConfig{
		URL:       cfg.Room.URL,
		APIKey:    cfg.Room.APIKey,
		APISecret: cfg.Room.APISecret,
	}, logger)
	if err != nil {
		logger.Fatal("room provider", zap.Error(err))
	}

	reg := registry.New(logger)
	supervisor := monitor.NewSupervisor(logger)
	dispatcher := notify.NewDispatcher(
		notify.NewClient(cfg.Notify.Timeout, logger),
		provider, jobQueue, cfg.Session.WorkerGrantTTL, logger)

	orch := orchestrator.New(reg, store, bus, provider, supervisor, dispatcher, orchestrator.Config{
		Monitor: monitor.Config{
			WorkerTimeout: cfg.Session.WorkerTimeout,
			ClientTimeout: cfg.Session.ClientTimeout,
			RetryInterval: cfg.Session.RetryInterval,
		},
		RoomOptions: room.CreateRoomOptions{
			EmptyTimeout:    cfg.Room.EmptyTimeout,
			MaxParticipants: cfg.Room.MaxParticipants,
		},
		ClientGrantTTL: cfg.Session.ClientGrantTTL,
	}, logger)

	handler := api.NewHandler(orch, reg, bus, logger)
	router := api.NewRouter(handler, cfg.Server.CORSAllowedOrigins, logger)

	// WriteTimeout stays zero: SSE streams outlive any fixed value.
	srv := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     router,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
	}

	retryCtx, retryCancel := context.WithCancel(context.Background())
	defer retryCancel()
	if jobQueue != nil {
		go dispatcher.Run(retryCtx)
		logger.Info("retry consumer started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	retryCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	supervisor.StopAll()
	dispatcher.Wait()
	bus.Close()
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
