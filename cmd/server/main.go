package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/TheGojiOG/pvebackup/internal/api"
	"github.com/TheGojiOG/pvebackup/internal/archive"
	"github.com/TheGojiOG/pvebackup/internal/auth"
	"github.com/TheGojiOG/pvebackup/internal/config"
	"github.com/TheGojiOG/pvebackup/internal/crypto"
	"github.com/TheGojiOG/pvebackup/internal/database"
	"github.com/TheGojiOG/pvebackup/internal/engine"
	"github.com/TheGojiOG/pvebackup/internal/history"
	"github.com/TheGojiOG/pvebackup/internal/logging"
	"github.com/TheGojiOG/pvebackup/internal/retention"
	"github.com/TheGojiOG/pvebackup/internal/schedule"
	"github.com/TheGojiOG/pvebackup/internal/selection"
	"github.com/TheGojiOG/pvebackup/internal/settings"
	"github.com/TheGojiOG/pvebackup/internal/transfer"
	"github.com/TheGojiOG/pvebackup/internal/websocket"
)

const activityRetention = 90 * 24 * time.Hour

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init-config" {
		writeDefaultConfig()
		return
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Set up logging
	if err := setupLogging(cfg); err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logging.Close()

	// Check if running migrations
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrations(cfg)
		return
	}

	// Initialize database
	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()
	db.SetMaxConnections(cfg.Database.MaxConnections)

	applied, err := db.Migrate()
	if err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logging.L().Info("migrations_applied", "count", len(applied), "versions", applied)

	// Initialize activity logger
	logDir := filepath.Join(cfg.Storage.DataDir, "logs", "activity")
	activityLogger, err := logging.NewActivityLogger(db.DB, logDir)
	if err != nil {
		log.Fatalf("Failed to initialize activity logger: %v", err)
	}
	defer activityLogger.Close()
	if removed, err := activityLogger.CleanupOldActivities(activityRetention); err != nil {
		logging.L().Warn("activity_cleanup_failed", "error", err)
	} else if removed > 0 {
		logging.L().Info("activity_cleanup", "removed", removed)
	}

	encryption, err := crypto.NewEncryptionManager(cfg.Storage.DataDir)
	if err != nil {
		log.Fatalf("Failed to initialize encryption: %v", err)
	}
	logging.L().Info("encryption_ready", "key_id", encryption.GetKeyID())

	// Initialize WebSocket hub
	hub := websocket.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	transferOpts := transfer.OptionsFromConfig(cfg.Transfer)
	transferClient := transfer.NewClient(transferOpts, transfer.DefaultDrivers(transfer.DriverOptions{
		KnownHostsPath:  cfg.Security.SSH.KnownHostsPath,
		TrustOnFirstUse: cfg.Security.SSH.TrustOnFirstUse,
		Encryption:      encryption,
		DialTimeout:     transferOpts.DialTimeout,
	}))

	// Retention runs after every completed job; pruner is set before any job can start
	var pruner *retention.Manager
	broadcast := api.JobEvents(hub)
	onEvent := func(p engine.Progress) {
		broadcast(p)
		if p.State == engine.StateCompleted && pruner != nil {
			go enforceRetention(ctx, pruner)
		}
	}

	backupEngine, err := engine.New(ctx, engine.Options{
		Builder:        archive.NewBuilder(archive.OptionsFromConfig(cfg.Backup)),
		Transfer:       transferClient,
		History:        history.NewStore(db.DB),
		Settings:       settings.NewStore(db.DB, encryption),
		Activity:       activityLogger,
		Catalog:        selection.FromCatalog(cfg.Backup.Catalog),
		ArtifactPrefix: cfg.Backup.ArtifactPrefix,
		JobTimeout:     config.ParseDuration(cfg.Backup.JobTimeout, 6*time.Hour),
		DialTimeout:    transferOpts.DialTimeout,
		Schedule: schedule.Options{
			PollInterval: config.ParseDuration(cfg.Schedule.PollInterval, time.Minute),
		},
		OnEvent: onEvent,
	})
	if err != nil {
		log.Fatalf("Failed to initialize backup engine: %v", err)
	}
	pruner = retention.NewManager(backupEngine, cfg.Backup.RetentionCount)
	backupEngine.Start(ctx)

	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, config.ParseDuration(cfg.Auth.TokenDuration, 30*24*time.Hour))
	if !jwtManager.Enabled() {
		logging.L().Warn("api_auth_disabled", "reason", "auth.jwt_secret is empty")
	}

	router := api.SetupRouter(cfg, backupEngine, hub, jwtManager)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logging.L().Info("http_server_starting", "addr", server.Addr, "tls", cfg.Server.TLS.Enabled)

		if cfg.Server.TLS.Enabled {
			if err := server.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Failed to start HTTPS server: %v", err)
			}
		} else {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Failed to start HTTP server: %v", err)
			}
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.L().Info("shutdown_started")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.L().Error("http_shutdown_failed", "error", err)
	}

	// The scheduler stops first; a running job is then cancelled and leaves a
	// cancelled history record
	if err := backupEngine.Shutdown(shutdownCtx); err != nil {
		logging.L().Error("engine_shutdown_failed", "error", err)
	}
	cancel()

	logging.L().Info("shutdown_complete")
}

func enforceRetention(ctx context.Context, pruner *retention.Manager) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	if _, _, err := pruner.Enforce(ctx); err != nil {
		logging.L().Warn("retention_failed", "error", err)
	}
}

func setupLogging(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Logging.File) == "" {
		dataDir := cfg.Storage.DataDir
		if dataDir == "" {
			dataDir = "./data"
		}
		cfg.Logging.File = filepath.Join(dataDir, "logs", "server.log")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0755); err != nil {
		return err
	}
	_, err := logging.Init(cfg.Logging)
	return err
}

// writeDefaultConfig writes the built-in configuration and the default path
// catalog next to it, leaving existing files alone.
func writeDefaultConfig() {
	path := config.GetConfigPath()
	if _, err := os.Stat(path); err == nil {
		log.Fatalf("Config file %s already exists", path)
	}

	cfg := config.Default()
	cfg.Backup.Catalog = config.DefaultCatalog()
	if err := config.Save(cfg, path); err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}
	fmt.Printf("Wrote %s\nSet JWT_SECRET in the environment to require operator tokens.\n", path)
}

func runMigrations(cfg *config.Config) {
	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	applied, err := db.Migrate()
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	logging.L().Info("migrations_applied", "count", len(applied), "versions", applied)
}
