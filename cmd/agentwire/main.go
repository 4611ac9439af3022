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

	"github.com/agentwire/agentwire/internal/agent/acp"
	"github.com/agentwire/agentwire/internal/agent/credentials"
	"github.com/agentwire/agentwire/internal/agent/registry"
	"github.com/agentwire/agentwire/internal/agent/runtime"
	"github.com/agentwire/agentwire/internal/api"
	"github.com/agentwire/agentwire/internal/common/config"
	"github.com/agentwire/agentwire/internal/common/logger"
	"github.com/agentwire/agentwire/internal/events/bus"
	"github.com/agentwire/agentwire/internal/relay"
	"github.com/agentwire/agentwire/internal/storage"
	"github.com/agentwire/agentwire/internal/streaming"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agentwire...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus: NATS when configured, in-memory otherwise.
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		log.Fatal("Failed to open message store", zap.Error(err))
	}
	defer store.Close()
	log.Info("Message store ready", zap.String("backend", cfg.Storage.Backend))

	// Agent runtime: containers when Docker is enabled, host binaries
	// otherwise.
	var launcher runtime.Launcher
	if cfg.Docker.Enabled {
		dockerLauncher, err := runtime.NewDockerLauncher(cfg.Docker, log)
		if err != nil {
			log.Fatal("Failed to initialize Docker runtime", zap.Error(err))
		}
		defer dockerLauncher.Close()
		launcher = dockerLauncher
		log.Info("Using Docker runtime")
	} else {
		launcher = runtime.NewLocalLauncher(log)
		log.Info("Using local process runtime")
	}

	reg := registry.NewRegistry()
	log.Info("Loaded agent registry", zap.Int("agents", len(reg.List())))

	credPrefix := cfg.Agents.CredentialPrefix
	if credPrefix == "" {
		credPrefix = "AGENTWIRE_"
	}
	creds := credentials.NewEnvProvider(credPrefix)

	messageRelay := relay.NewRelay(store, eventBus, log)
	hub := streaming.NewHub(messageRelay, log)

	sessions := acp.NewSessionManager(cfg.Agents, reg, creds, launcher, messageRelay, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.SetupRouter(sessions, reg, messageRelay, hub, log)

	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down agentwire...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	sessions.Shutdown(shutdownCtx)

	log.Info("agentwire stopped")
}
