// cmd/carbsmart/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"carbsmart/internal/config"
	"carbsmart/internal/estimator"
	"carbsmart/internal/logging"
	"carbsmart/internal/server"
	"carbsmart/internal/storage"
)

var version = "1.0.0"

var (
	configFile  = flag.String("config", "", "Path to a config file (defaults to ./config.yaml if present)")
	port        = flag.String("port", "", "Port for HTTP transport (overrides server.port)")
	host        = flag.String("host", "0.0.0.0", "Host address")
	dbPath      = flag.String("db-path", "", "Database path (overrides database.path)")
	showVersion = flag.Bool("version", false, "Show version")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("carbsmart version %s\n", version)
		os.Exit(0)
	}

	cfg, loader, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger, level, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, loader, logger, level); err != nil {
		logger.Error("server exited with error", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, loader *config.Loader, logger *zap.Logger, level zap.AtomicLevel) error {
	store, err := storage.NewSQLiteStorage(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	if cfg.Estimator.APIKey == "" {
		logger.Warn("no estimator api key configured, meal analysis will be unavailable")
	}
	est := estimator.NewClient(estimator.Config{
		BaseURL: cfg.Estimator.BaseURL,
		APIKey:  cfg.Estimator.APIKey,
		Model:   cfg.Estimator.Model,
		Timeout: cfg.Estimator.Timeout,
	}, logger.Named("estimator"))

	srv, err := server.New(server.Deps{
		Store:        store,
		Estimator:    est,
		Logger:       logger,
		Version:      version,
		RateLimit:    rate.Limit(cfg.Server.RateLimit),
		RateBurst:    cfg.Server.RateBurst,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		SessionTTL:   cfg.Server.SessionIdleTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	loader.Watch(logger, func(next *config.Config) {
		if err := logging.SetLevel(level, next.Logging.Level); err != nil {
			logger.Error("invalid log level in reloaded config", zap.Error(err))
			return
		}
		logger.Info("log level updated", zap.String("level", next.Logging.Level))
	})
	if file := loader.ConfigFile(); file != "" {
		logger.Info("configuration loaded", zap.String("file", file))
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(net.JoinHostPort(*host, cfg.Server.Port))
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}
	return nil
}
