package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lemongate/lemongate/internal/agents"
	"github.com/lemongate/lemongate/internal/api"
	"github.com/lemongate/lemongate/internal/common/config"
	"github.com/lemongate/lemongate/internal/common/httpmw"
	"github.com/lemongate/lemongate/internal/common/logger"
	"github.com/lemongate/lemongate/internal/common/tracing"
	"github.com/lemongate/lemongate/internal/engine"
	"github.com/lemongate/lemongate/internal/enginelock"
	"github.com/lemongate/lemongate/internal/events"
	"github.com/lemongate/lemongate/internal/output"
	"github.com/lemongate/lemongate/internal/router"
	"github.com/lemongate/lemongate/internal/run"
	"github.com/lemongate/lemongate/internal/scheduler"
	"github.com/lemongate/lemongate/internal/store"
	"github.com/lemongate/lemongate/internal/streaming"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Fatal("Failed to load configuration", zap.Error(err))
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		logger.Default().Fatal("Failed to initialize logger", zap.Error(err))
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting gateway service...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the durable store
	repo, storeCleanup, err := store.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}

	// 5. Connect the event bus (NATS when configured, in-process otherwise)
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}

	// 6. Register engines. The echo engine doubles as the dev loop; real
	// engine adapters register alongside it under their own ids.
	engines := engine.NewRegistry(cfg.Agents.DefaultEngine, log)
	if err := engines.Register(engine.NewMock(cfg.Agents.DefaultEngine)); err != nil {
		log.Fatal("Failed to register default engine", zap.Error(err))
	}
	log.Info("Registered engines", zap.Strings("engines", engines.List()))

	// 7. Core run pipeline: lock, lifecycle, scheduler, agent profiles,
	// router
	locker := enginelock.NewLocker(cfg.EngineLock, log)
	manager := run.NewManager(cfg, repo, eventBus, locker, engines, log)
	sched := scheduler.New(cfg, repo, manager, engines, log)

	profiles, err := agents.NewRegistry(cfg.Agents, log)
	if err != nil {
		log.Fatal("Failed to load agent profiles", zap.Error(err))
	}

	rt := router.New(cfg, sched, manager, engines, profiles, repo, log)

	// 8. Outbound path: outbox delivery plus per-session output tracking
	outbox := output.NewOutbox(output.NewLogConsumer(log), log)
	tracker := output.NewTracker(cfg, eventBus, outbox, repo, log)

	// 9. WebSocket hub mirrors session events to connected clients
	hub := streaming.NewHub(log)
	if err := hub.BindBus(eventBus); err != nil {
		log.Fatal("Failed to bind hub to event bus", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		store.NewSweeper(repo, cfg.Store.SweepIntervalDuration(), log).Run(gctx)
		return nil
	})
	g.Go(func() error {
		locker.Reap(gctx)
		return nil
	})

	// 10. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	httpRouter := gin.New()
	httpRouter.Use(gin.Recovery())
	httpRouter.Use(httpmw.RequestLogger(log, "gateway"))
	httpRouter.Use(httpmw.OtelTracing("gateway"))

	// 11. Register API routes
	v1 := httpRouter.Group("/api/v1")
	api.SetupRoutes(v1, rt, sched, repo, tracker, engines, hub, log)

	// Health check and firehose socket at root level
	handler := api.NewHandler(rt, sched, repo, tracker, engines, log)
	httpRouter.GET("/health", handler.HealthCheck)
	wsHandler := api.NewWSHandler(hub, log)
	httpRouter.GET("/ws", wsHandler.StreamAll)

	// 12. Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      httpRouter,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 13. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 14. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down gateway service...")

	// 15. Graceful shutdown: stop accepting requests, then wind the
	// pipeline down from front to back so in-flight runs finalize and
	// their output drains.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	sched.Stop()
	tracker.Close()
	outbox.Close()

	cancel()
	if err := g.Wait(); err != nil {
		log.Error("Background worker error", zap.Error(err))
	}

	if err := busCleanup(); err != nil {
		log.Error("Event bus shutdown error", zap.Error(err))
	}
	if err := storeCleanup(); err != nil {
		log.Error("Store shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Gateway service stopped")
}
