package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/mleenorris/ComicMaintainer-sub000/internal/api/handler"
	"github.com/mleenorris/ComicMaintainer-sub000/internal/api/router"
	"github.com/mleenorris/ComicMaintainer-sub000/internal/config"
	"github.com/mleenorris/ComicMaintainer-sub000/internal/events"
	"github.com/mleenorris/ComicMaintainer-sub000/internal/jobs"
	"github.com/mleenorris/ComicMaintainer-sub000/internal/store"
	"github.com/mleenorris/ComicMaintainer-sub000/shared/logger"
	"github.com/mleenorris/ComicMaintainer-sub000/shared/rabbitmq"
	"github.com/mleenorris/ComicMaintainer-sub000/shared/sqlite"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Open the shared SQLite database
	dbClient, err := sqlite.NewClient(&sqlite.Config{
		Path:         cfg.Database.Path,
		BusyTimeout:  cfg.Database.BusyTimeout,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	jobStore, err := store.New(dbClient.GetDB(), appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize job store: %w", err)
	}

	broadcaster := events.NewBroadcaster(cfg.Events.QueueCapacity, appLogger.Logger)

	// Optional cross-process event relay
	var rabbitClient *rabbitmq.Client
	var relay *events.Relay
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err = rabbitmq.NewClient(&rabbitmq.Config{
			Host:              cfg.RabbitMQ.Host,
			Port:              cfg.RabbitMQ.Port,
			User:              cfg.RabbitMQ.User,
			Password:          cfg.RabbitMQ.Password,
			VHost:             cfg.RabbitMQ.VHost,
			ExchangeName:      cfg.RabbitMQ.Exchange,
			RetryAttempts:     cfg.RabbitMQ.RetryAttempts,
			RetryInterval:     cfg.RabbitMQ.RetryInterval,
			Heartbeat:         cfg.RabbitMQ.Heartbeat,
			ConnectionTimeout: cfg.RabbitMQ.ConnectionTimeout,
		}, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()

		relay = events.NewRelay(rabbitClient, broadcaster, appLogger.Logger)
		if err := relay.Start(); err != nil {
			return fmt.Errorf("failed to start event relay: %w", err)
		}
	}

	manager := jobs.NewManager(&jobs.Config{
		Store:           jobStore,
		Events:          broadcaster,
		Logger:          appLogger.Logger,
		Concurrency:     cfg.Worker.Concurrency,
		QueueDepth:      cfg.Worker.QueueDepth,
		CleanupInterval: cfg.Worker.CleanupInterval,
		RetentionWindow: cfg.Worker.RetentionWindow,
	})

	r := initRouter(cfg, appLogger.Logger, manager, broadcaster)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("Service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
	}

	// Drain scheduled items so no result is lost, then stop the relay
	manager.Shutdown()
	if relay != nil {
		relay.Stop()
	}

	appLogger.Info("Shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, manager *jobs.Manager, broadcaster *events.Broadcaster) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	deps := &handler.Dependencies{
		Logger:            logger,
		Manager:           manager,
		Events:            broadcaster,
		Process:           processFile,
		HeartbeatInterval: cfg.Events.HeartbeatInterval,
		IdleTimeout:       cfg.Events.IdleTimeout,
	}

	return router.SetupRouter(deps)
}

// processFile is the per-item work function handed to every job. The
// archive normalization itself lives in an external library; this hook
// verifies the file and records what was seen.
func processFile(ctx context.Context, item string) (store.Details, error) {
	info, err := os.Stat(item)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory, not a file", item)
	}

	return store.Details{
		"file":       filepath.Base(item),
		"size_bytes": strconv.FormatInt(info.Size(), 10),
	}, nil
}
