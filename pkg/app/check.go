package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/flemzord/smartfolders/internal/config"
	"github.com/flemzord/smartfolders/internal/core"
	"github.com/flemzord/smartfolders/internal/engine"
	"github.com/flemzord/smartfolders/internal/remote"
)

// CheckResult summarizes a successful configuration check.
type CheckResult struct {
	Modules []string
	Relay   engine.Config
}

// Check loads and validates the configuration at path, then provisions
// every configured module and verifies a transport registered a dialer.
// Modules are stopped before returning; nothing is started.
func Check(path string, logger *slog.Logger) (*CheckResult, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg, err := loadConfig(path, "")
	if err != nil {
		return nil, err
	}

	appCtx := core.NewAppContext(logger, cfg.Relay.DataDir)
	appCtx = appCtx.WithModuleConfigs(cfg.Modules)

	application := core.NewApp(appCtx)
	ids := config.Resolve(cfg)
	if err := application.LoadModules(ids); err != nil {
		return nil, err
	}
	defer application.Close()

	if _, ok := core.Service[remote.Dialer](appCtx, serviceDialer); !ok {
		return nil, errors.New("app: no transport module registered a remote dialer (configure channel.telegram)")
	}
	return &CheckResult{Modules: ids, Relay: cfg.Relay}, nil
}

// String renders the result for the command line.
func (r *CheckResult) String() string {
	s := fmt.Sprintf("Configuration OK (%d modules)\n", len(r.Modules))
	for _, id := range r.Modules {
		s += fmt.Sprintf("  %s\n", id)
	}
	s += fmt.Sprintf("Relay: forward_delay=%s folder_cache_ttl=%s data_dir=%s metrics=%t\n",
		r.Relay.ForwardDelay, r.Relay.FolderCacheTTL, r.Relay.DataDir, r.Relay.EnableMetrics)
	return s
}
