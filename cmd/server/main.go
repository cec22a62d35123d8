package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/OpenLightCore/internal/auth"
	"github.com/KevinKickass/OpenLightCore/internal/config"
	"github.com/KevinKickass/OpenLightCore/internal/storage"
	"github.com/KevinKickass/OpenLightCore/internal/system"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML configuration")
	tokenRole := flag.String("token", "", "print a bearer token for the given role (viewer, operator, admin) and exit")
	tokenSubject := flag.String("subject", "cli", "subject of the token printed by -token")
	flag.Parse()

	// Config laden
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if *tokenRole != "" {
		token, err := auth.NewAuthService(cfg.Auth).IssueToken(*tokenSubject, *tokenRole)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	// Logger initialisieren
	var logger *zap.Logger
	if cfg.Logging.Development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Config loaded successfully", zap.String("path", *configPath))

	// Storage verbinden
	store, err := openStore(cfg)
	if err != nil {
		logger.Fatal("Failed to open storage", zap.String("driver", cfg.Storage.Driver), zap.Error(err))
	}
	defer store.Close()

	logger.Info("Storage ready", zap.String("driver", cfg.Storage.Driver))

	// Lifecycle Manager
	lifecycle := system.NewLifecycleManager(store, cfg, logger)
	statuses := lifecycle.SubscribeStatus()
	defer lifecycle.UnsubscribeStatus(statuses)

	// System starten
	if err := lifecycle.Start(context.Background()); err != nil {
		logger.Fatal("Failed to start system", zap.Error(err))
	}

	logger.Info("OpenLightCore started successfully")

	// Graceful Shutdown auf Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	failed := waitForExit(sigChan, statuses, logger)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := lifecycle.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		os.Exit(1)
	}
	if failed {
		os.Exit(1)
	}

	logger.Info("OpenLightCore stopped successfully")
}

// waitForExit blocks until a signal arrives or the system reports an error.
// It reports whether the exit was caused by an error.
func waitForExit(sigChan <-chan os.Signal, statuses <-chan system.SystemStatus, logger *zap.Logger) bool {
	for {
		select {
		case <-sigChan:
			logger.Info("Shutdown signal received")
			return false
		case st, ok := <-statuses:
			if !ok {
				return false
			}
			if st.State == system.StateError {
				logger.Error("System entered error state, shutting down", zap.String("error", st.Error))
				return true
			}
		}
	}
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "postgres", "":
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		db, err := storage.NewPostgresClient(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}
