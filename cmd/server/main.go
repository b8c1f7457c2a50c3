package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kmbridge/kmbridge/internal/api"
	"github.com/kmbridge/kmbridge/internal/api/common"
	"github.com/kmbridge/kmbridge/internal/auth"
	"github.com/kmbridge/kmbridge/internal/bridge"
	"github.com/kmbridge/kmbridge/internal/channels"
	"github.com/kmbridge/kmbridge/internal/config"
	"github.com/kmbridge/kmbridge/internal/devices"
	"github.com/kmbridge/kmbridge/internal/discovery"
	"github.com/kmbridge/kmbridge/internal/dispatch"
	"github.com/kmbridge/kmbridge/internal/manager"
	"github.com/kmbridge/kmbridge/internal/registry"
	"github.com/kmbridge/kmbridge/internal/snmp"
	"github.com/kmbridge/kmbridge/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := initLogger(cfg.Logging)
	logger.Info("Starting kmbridge",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"discovery_mode", cfg.Discovery.Mode,
	)

	// Authentication service (also holds the credential cipher)
	authService, err := auth.NewService(
		cfg.Auth.JWTSecret,
		cfg.Auth.EncryptionKey,
		cfg.Auth.AdminUsername,
		cfg.Auth.AdminPassword,
		cfg.Auth.GetJWTExpiry(),
	)
	if err != nil {
		log.Fatalf("Failed to initialize auth service: %v", err)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistent store: Postgres when configured, in-memory otherwise
	var st store.Store
	if cfg.Database.Enabled {
		pg, err := store.OpenPostgres(ctx, cfg.Database.GetDSN(), authService)
		if err != nil {
			log.Fatalf("DB init failed: %v", err)
		}
		st = pg
		logger.Info("Using PostgreSQL store", "host", cfg.Database.Host, "dbname", cfg.Database.DBName)
	} else {
		st = store.NewMemory()
		logger.Info("Using in-memory store; device and job state will not survive restarts")
	}
	defer st.Close()

	events := channels.NewEventChannels(channels.DefaultConfig())
	defer events.Close()

	prober := snmp.NewClient(cfg.SNMP.Community, cfg.SNMP.GetTimeout(), cfg.SNMP.Retries)

	creds := make([]discovery.CredentialList, 0, len(cfg.Discovery.Credentials))
	for _, c := range cfg.Discovery.Credentials {
		creds = append(creds, discovery.CredentialList{Model: c.Model, Passwords: c.Passwords})
	}
	scanner := discovery.NewScanner(
		prober,
		creds,
		cfg.Discovery.Parallelism,
		cfg.Discovery.WebPort,
		cfg.Discovery.GetProbeTimeout(),
		logger,
	)

	reg := registry.New()

	mgr := manager.New(reg, scanner, st, events, manager.Options{
		AdapterOpts: devices.Options{
			SNMP:        prober,
			WebPort:     cfg.Discovery.WebPort,
			RawPort:     cfg.Discovery.RawPort,
			HTTPTimeout: cfg.Discovery.GetProbeTimeout(),
		},
		HealthInterval:   cfg.Health.GetInterval(),
		ProbeTimeout:     cfg.Health.GetProbeTimeout(),
		FailureThreshold: cfg.Health.FailureThreshold,
	}, logger)

	disp := dispatch.New(reg, st, events, dispatch.Options{
		MaxRetries:   cfg.Jobs.MaxRetries,
		BackoffBase:  cfg.Jobs.GetBackoffBase(),
		BackoffCap:   cfg.Jobs.GetBackoffCap(),
		PollInterval: cfg.Jobs.GetPollInterval(),
		JobTimeout:   cfg.Jobs.GetJobTimeout(),
		QueueSize:    cfg.Jobs.QueueSize,
	}, logger)
	mgr.SetQueue(disp)

	go func() {
		if err := disp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Dispatcher error", "error", err)
		}
	}()

	// Rebuild the registry from persisted devices before any discovery
	if err := mgr.Restore(ctx); err != nil {
		logger.Error("Failed to restore devices", "error", err)
	}

	go func() {
		if err := mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Health loop error", "error", err)
		}
	}()

	// Remote bridge: webhooks out, job polling in
	br := bridge.New(bridge.Options{
		WebhookEndpoints: cfg.Bridge.WebhookEndpoints,
		PollEndpoints:    cfg.Bridge.PollEndpoints,
		PollInterval:     cfg.Bridge.GetPollInterval(),
		APIKey:           cfg.Bridge.APIKey,
		SigningSecret:    cfg.Bridge.SigningSecret,
		MaxAttempts:      cfg.Bridge.MaxAttempts,
		BackoffBase:      cfg.Bridge.GetBackoffBase(),
		RequestTimeout:   cfg.Bridge.GetRequestTimeout(),
	}, events, mgr, st, logger)
	go func() {
		if err := br.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Bridge error", "error", err)
		}
	}()

	// Startup discovery
	go runStartupDiscovery(ctx, cfg, mgr, logger)

	deps := &common.Dependencies{
		Manager:    mgr,
		Dispatcher: disp,
		Store:      st,
		Auth:       authService,
		Events:     events,
		Logger:     logger,
	}
	router := api.NewRouter(cfg, deps)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	events.PublishSystem(channels.SystemEvent{
		Kind:      "system_started",
		Message:   "kmbridge started",
		Timestamp: time.Now(),
	})

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Stopped")
}

// runStartupDiscovery seeds the registry according to the configured
// discovery mode: a network scan in auto mode, the pinned address list
// in fixed mode.
func runStartupDiscovery(ctx context.Context, cfg *config.Config, mgr *manager.Manager, logger *slog.Logger) {
	switch cfg.Discovery.Mode {
	case "auto":
		if !cfg.Discovery.ScanOnStartup {
			return
		}
		found, err := mgr.DiscoverNetwork(ctx, cfg.Discovery.Network)
		if err != nil {
			logger.Error("Startup scan failed", "network", cfg.Discovery.Network, "error", err)
			return
		}
		logger.Info("Startup scan complete", "network", cfg.Discovery.Network, "found", len(found))
	case "fixed":
		for _, d := range cfg.Discovery.Devices {
			if _, err := mgr.AddDevice(ctx, d.Address, d.Password, ""); err != nil {
				logger.Warn("Failed to register fixed device", "address", d.Address, "error", err)
			}
		}
	}
}

func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
