// Package app provides the entry point shared by the smartfolders commands.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/flemzord/smartfolders/internal/config"
	"github.com/flemzord/smartfolders/internal/core"
	"github.com/flemzord/smartfolders/internal/gateway"
	"github.com/flemzord/smartfolders/internal/reload"
	"github.com/flemzord/smartfolders/internal/security"
)

const (
	auditLogFile = "audit.jsonl"
	// auditKeep is how many audit events GET /api/audit can return.
	auditKeep = 256
)

// RunParams configures the main application loop.
type RunParams struct {
	// ConfigPath is an explicit path to the YAML configuration file.
	// If empty, config.ResolvePath is called automatically.
	ConfigPath string

	// Version, Commit, and Date are injected at build time via ldflags.
	Version string
	Commit  string
	Date    string

	// DataDir overrides relay.data_dir from the configuration.
	DataDir string

	// LogLevel sets the minimum log level. Defaults to slog.LevelInfo.
	LogLevel slog.Level
}

// Run loads configuration, wires the relay engine, starts all modules, and
// blocks until a shutdown signal is received. SIGHUP and file-change events
// trigger a live configuration reload.
func Run(params RunParams) error {
	cfgPath := params.ConfigPath
	if cfgPath == "" {
		resolved, err := config.ResolvePath()
		if err != nil {
			return err
		}
		cfgPath = resolved
	}

	cfg, err := loadConfig(cfgPath, params.DataDir)
	if err != nil {
		return err
	}

	credStore := security.NewCredentialStore()
	credStore.Set(security.CredEncryptionKey, cfg.Relay.EncryptionKey)
	redactor := security.NewRedactor()
	redactor.Track(credStore)

	logger := security.NewLogger(os.Stderr, params.LogLevel, redactor)
	logger.Info("smartfolders starting",
		"version", params.Version,
		"commit", params.Commit,
		"config", cfgPath,
	)

	dataDir := cfg.Relay.DataDir
	auditFile, err := openAuditLog(dataDir)
	if err != nil {
		return err
	}
	defer func() { _ = auditFile.Close() }()

	auditLogger := security.NewAuditLogger(security.AuditLoggerConfig{
		Writer:   auditFile,
		Redactor: redactor,
		Keep:     auditKeep,
	})

	appCtx := core.NewAppContext(logger, dataDir)
	appCtx = appCtx.WithModuleConfigs(cfg.Modules)

	appCtx.RegisterService(security.ServiceCredentials, credStore)
	appCtx.RegisterService("security.redactor", redactor)
	appCtx.RegisterService(gateway.ServiceAudit, auditLogger)
	appCtx.RegisterService(gateway.ServiceConfigPath, cfgPath)

	application := core.NewApp(appCtx)
	ids := config.Resolve(cfg)
	if err := application.LoadModules(ids); err != nil {
		return err
	}

	// Wire the engine between LoadModules and Start: it needs the dialer and
	// backend the modules registered, and modules resolve it at Start.
	eng, err := wireEngine(application, appCtx, cfg, logger, auditLogger)
	if err != nil {
		application.Close()
		return err
	}

	// Build and register the reload handler BEFORE Start so the gateway can use it.
	handler := reload.NewHandler(application, reload.Options{
		Logger:  logger,
		DataDir: dataDir,
		Relay:   eng,
		Audit:   auditLogger,
		Load:    func(path string) (*config.Config, error) { return loadConfig(path, params.DataDir) },
	})
	appCtx.RegisterService(gateway.ServiceReloader, handler)
	appCtx.RegisterService(gateway.ServiceModuleHealth, application)

	if err := application.Start(); err != nil {
		application.Close()
		return err
	}

	// --- signal handling ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	// --- file watcher ---
	watcher := reload.NewWatcher(reload.WatcherConfig{
		ConfigPath: cfgPath,
	})
	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	if err := watcher.Start(watchCtx); err != nil {
		logger.Warn("config watcher unavailable, reload with SIGHUP", "error", err)
	}
	defer watcher.Stop()

	// --- main event loop ---
	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("SIGHUP received, reloading configuration")
				if err := handler.HandleReload(watchCtx, cfgPath); err != nil {
					logger.Error("reload failed", "error", err)
				}
			default:
				logger.Info("shutdown signal received", "signal", sig.String())
				application.Stop()
				logger.Info("shutdown complete")
				return nil
			}
		case evt := <-watcher.Events():
			logger.Info("config file changed, reloading", "path", evt.ConfigPath, "sha256", evt.Digest[:12])
			if err := handler.HandleReload(watchCtx, cfgPath); err != nil {
				logger.Error("reload failed", "error", err)
			}
		}
	}
}

// loadConfig loads and validates the configuration, applying the data
// directory override.
func loadConfig(path, dataDir string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.Relay.DataDir = dataDir
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openAuditLog opens the JSONL audit trail under dataDir for appending.
func openAuditLog(dataDir string) (*os.File, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("app: create data directory %s: %w", dataDir, err)
	}
	path := filepath.Join(dataDir, auditLogFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("app: open audit log %s: %w", path, err)
	}
	return f, nil
}

