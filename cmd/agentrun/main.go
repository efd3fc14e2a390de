// Package main is the entry point for the agentrun service.
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

	"github.com/agentrun/agentrun/internal/agents"
	"github.com/agentrun/agentrun/internal/common/config"
	"github.com/agentrun/agentrun/internal/common/httpmw"
	"github.com/agentrun/agentrun/internal/common/logger"
	"github.com/agentrun/agentrun/internal/common/tracing"
	"github.com/agentrun/agentrun/internal/events"
	"github.com/agentrun/agentrun/internal/gateway"
	"github.com/agentrun/agentrun/internal/mq"
	"github.com/agentrun/agentrun/internal/runtime"
	"github.com/agentrun/agentrun/internal/runtime/executor"
	"github.com/agentrun/agentrun/internal/runtime/manager"
	"github.com/agentrun/agentrun/internal/runtime/service"
	"github.com/agentrun/agentrun/internal/templates"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	logCfg := logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agentrun...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus (in-memory unless a NATS URL is configured)
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()

	// 5. Message queue backend
	queue, queueCleanup, err := mq.Provide(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize message queue", zap.Error(err))
	}
	defer queueCleanup()
	log.Info("Message queue ready", zap.String("backend", cfg.MQ.Backend))

	// 6. Templates and agent store
	templateRegistry := executor.NewRegistry()
	templates.RegisterBuiltins(templateRegistry, cfg.OpenAI)

	agentStore := agents.NewStore(templateRegistry, log)
	if cfg.Agents.DefinitionsPath != "" {
		if err := agentStore.LoadFile(cfg.Agents.DefinitionsPath); err != nil {
			log.Fatal("Failed to load agent definitions", zap.Error(err))
		}
	} else {
		// Without a definitions file, register the echo agent so the
		// service answers completions out of the box.
		_, _, err := agentStore.Create(&runtime.AgentConfiguration{
			ID:         "echo",
			Name:       "Echo Agent",
			TemplateID: templates.EchoTemplateID,
		})
		if err != nil {
			log.Fatal("Failed to register default agent", zap.Error(err))
		}
	}

	// 7. Task manager
	mgrCfg := manager.Config{
		Workers:         cfg.Runtime.Workers,
		QueueBackend:    cfg.MQ.Backend,
		TaskQueueSize:   cfg.MQ.MaxQueueSize,
		StreamQueueSize: cfg.MQ.StreamQueueSize,
		MaxRetries:      cfg.MQ.MaxRetries,
		MaxHistory:      cfg.Runtime.MaxHistory,
		TaskTimeout:     cfg.Runtime.TaskTimeout(),
		CleanupInterval: cfg.Runtime.CleanupInterval(),
		InstanceTimeout: cfg.Runtime.InstanceTimeout(),
	}
	mgr := manager.NewManager(mgrCfg, queue, agentStore, eventBus, log)
	if err := mgr.Start(ctx); err != nil {
		log.Fatal("Failed to start task manager", zap.Error(err))
	}
	log.Info("Task manager started", zap.Int("workers", mgrCfg.Workers))

	// 8. Execution service
	svc := service.NewService(mgr, agentStore, cfg.Runtime.TaskTimeout(), log)

	// 9. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "agentrun"))
	router.Use(httpmw.OtelTracing("agentrun"))
	router.Use(httpmw.CORS())

	gateway.SetupRoutes(router, svc, mgr, agentStore, templateRegistry, log)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	// No WriteTimeout: SSE and WebSocket streams outlive any fixed
	// write deadline; per-task deadlines bound them instead.
	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 10. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agentrun...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := mgr.Stop(); err != nil {
		log.Error("Task manager stop error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("agentrun stopped")
}
