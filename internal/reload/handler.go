package reload

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/flemzord/smartfolders/internal/config"
	"github.com/flemzord/smartfolders/internal/core"
	"github.com/flemzord/smartfolders/internal/engine"
	"github.com/flemzord/smartfolders/internal/security"
)

// RelayApplier applies relay settings to a running engine and reports the
// changed fields that need a restart.
type RelayApplier interface {
	Apply(next engine.Config) []string
}

// LoadFunc reads and validates the configuration at path.
type LoadFunc func(path string) (*config.Config, error)

// Options configures a Handler. Relay and Audit may be nil.
type Options struct {
	Logger  *slog.Logger
	DataDir string
	Relay   RelayApplier
	Audit   *security.AuditLogger

	// Load defaults to config.Load followed by config.Validate.
	Load LoadFunc
}

// Handler applies a new configuration to the running process: live relay
// settings go to the engine and module sections to every core.Reloader.
// Reloads are serialized, so a SIGHUP racing an API call applies one after
// the other.
type Handler struct {
	app  *core.App
	opts Options

	mu   sync.Mutex
	last Status
}

// Status describes the most recent reload attempt.
type Status struct {
	At              time.Time `json:"at,omitzero"`
	RestartRequired []string  `json:"restart_required,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// NewHandler creates a reload handler for app.
func NewHandler(app *core.App, opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Load == nil {
		opts.Load = loadAndValidate
	}
	return &Handler{app: app, opts: opts}
}

func loadAndValidate(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// HandleReload reads configPath and applies it. Nothing is applied when
// the file fails to load or validate.
func (h *Handler) HandleReload(ctx context.Context, configPath string) error {
	cfg, err := h.opts.Load(configPath)
	if err != nil {
		h.record(nil, err)
		return fmt.Errorf("reload: %w", err)
	}
	return h.Apply(ctx, cfg)
}

// Apply applies an already validated configuration.
func (h *Handler) Apply(ctx context.Context, cfg *config.Config) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}

	var restart []string
	if h.opts.Relay != nil {
		restart = h.opts.Relay.Apply(cfg.Relay)
		for _, field := range restart {
			h.opts.Logger.Warn("reload: relay setting changed, restart required to apply", "field", field)
		}
	}

	appCtx := core.NewAppContext(h.opts.Logger, h.opts.DataDir).WithModuleConfigs(cfg.Modules)
	err := h.app.ReloadModules(appCtx)
	h.recordLocked(restart, err)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}

	h.opts.Audit.Log(security.AuditEvent{
		Type:     security.EventConfigReload,
		Detail:   "configuration reloaded",
		Metadata: map[string]string{"restart_required": strings.Join(restart, ",")},
	})
	h.opts.Logger.Info("configuration reloaded", "restart_required", len(restart))
	return nil
}

// Last returns the outcome of the most recent reload attempt.
func (h *Handler) Last() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

func (h *Handler) record(restart []string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recordLocked(restart, err)
}

func (h *Handler) recordLocked(restart []string, err error) {
	h.last = Status{At: time.Now(), RestartRequired: restart}
	if err != nil {
		h.last.Error = err.Error()
	}
}
