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
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/pyckit/segmentation-service/internal/api/handler"
	"github.com/pyckit/segmentation-service/internal/api/router"
	"github.com/pyckit/segmentation-service/internal/archive"
	"github.com/pyckit/segmentation-service/internal/cache"
	"github.com/pyckit/segmentation-service/internal/config"
	"github.com/pyckit/segmentation-service/internal/credentials"
	"github.com/pyckit/segmentation-service/internal/scheduler"
	"github.com/pyckit/segmentation-service/internal/segmentation"
	"github.com/pyckit/segmentation-service/internal/store"
	"github.com/pyckit/segmentation-service/shared/logger"
	"github.com/pyckit/segmentation-service/shared/postgresql"
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

	// Parse command-line flags
	defaultConfigPath := os.Getenv("SEGMENTATION_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/segmentation-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting segmentation service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize credential pool
	tokens := credentialTokens(&cfg.Credentials)
	rotator := credentials.NewRotator(tokens, cfg.Scheduler.CredentialCooldown, appLogger.Logger)
	if rotator.Size() == 0 {
		appLogger.Warn("No segmentation credentials configured, all items will be dropped")
	}

	// Initialize optional PostgreSQL archive
	var (
		dbClient *postgresql.Client
		archiver scheduler.Archiver
	)
	if cfg.Database.Enabled {
		dbClient, err = initPostgreSQL(&cfg.Database, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}

		arc := archive.New(dbClient, appLogger.Logger)
		if err := arc.EnsureSchema(context.Background()); err != nil {
			dbClient.Close()
			return err
		}
		archiver = arc

		appLogger.Info("Job archive enabled",
			slog.String("database", cfg.Database.Database),
		)
	}

	// Initialize segmentation client
	segClient := segmentation.NewClient(segmentation.Options{
		BaseURL:        cfg.Segmentation.BaseURL,
		Logger:         appLogger.Logger,
		RequestTimeout: cfg.Segmentation.RequestTimeout,
	})

	// Initialize scheduler
	sched := scheduler.New(&scheduler.Options{
		Config: scheduler.Config{
			InitialItemDelay: cfg.Scheduler.InitialItemDelay,
			MinItemDelay:     cfg.Scheduler.MinItemDelay,
			MaxItemDelay:     cfg.Scheduler.MaxItemDelay,
			ItemDelayStep:    cfg.Scheduler.ItemDelayStep,
			InterJobDelay:    cfg.Scheduler.InterJobDelay,
			CacheTTL:         cfg.Scheduler.CacheTTL,
			CropPadding:      cfg.Scheduler.CropPadding,
			MaxItemRetries:   cfg.Scheduler.MaxItemRetries,
			CallTimeout:      cfg.Scheduler.CallTimeout,
			ArchiveTimeout:   cfg.Scheduler.ArchiveTimeout,
		},
		Logger:    appLogger.Logger,
		Stores:    store.New(),
		Cache:     cache.New(cfg.Scheduler.CacheCapacity),
		Rotator:   rotator,
		Segmenter: segClient,
		Archiver:  archiver,
	})

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, sched)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("Segmentation service is running",
		slog.String("address", addr),
		slog.Int("credential_pool", rotator.Size()),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)

	// Cleanup function to close all resources
	cleanup := func() {
		cancel()
		sched.Shutdown()
		if dbClient != nil {
			dbClient.Close()
		}
	}
	defer cleanup()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
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

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// credentialTokens merges the config file token list with the comma-separated
// env var, so secrets can stay out of the file.
func credentialTokens(cfg *config.CredentialsConfig) []string {
	tokens := append([]string(nil), cfg.Tokens...)
	if cfg.EnvVar != "" {
		for _, tok := range strings.Split(os.Getenv(cfg.EnvVar), ",") {
			if tok = strings.TrimSpace(tok); tok != "" {
				tokens = append(tokens, tok)
			}
		}
	}
	return tokens
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, logger *slog.Logger, sched *scheduler.Scheduler) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:        logger,
		Scheduler:     sched,
		MaxImageBytes: cfg.Server.MaxImageBytes,
	}

	return router.SetupRouter(handlerDeps)
}
