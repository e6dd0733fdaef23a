// Package engine assembles the relay components (folder registry, session
// manager, forward pipeline, dedup cache, pacing limiter, metrics and event
// bus) and runs them as one lifecycle unit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flemzord/smartfolders/internal/dedup"
	"github.com/flemzord/smartfolders/internal/events"
	"github.com/flemzord/smartfolders/internal/folder"
	"github.com/flemzord/smartfolders/internal/metrics"
	"github.com/flemzord/smartfolders/internal/ratelimit"
	"github.com/flemzord/smartfolders/internal/relay"
	"github.com/flemzord/smartfolders/internal/remote"
	"github.com/flemzord/smartfolders/internal/security"
	"github.com/flemzord/smartfolders/internal/session"
	"github.com/flemzord/smartfolders/internal/store"
)

// ServiceName is the key under which the engine is registered for module
// discovery.
const ServiceName = "relay.engine"

// ErrNoDialer is returned by New when no remote dialer is available.
var ErrNoDialer = errors.New("engine: no remote dialer configured")

// Backend persists folders and session blobs.
type Backend interface {
	folder.Store
	session.BlobStore
}

// Deps are the collaborators supplied by the hosting application.
type Deps struct {
	Dialer remote.Dialer

	// Backend defaults to a file store under Config.DataDir.
	Backend Backend

	// Forward receives every engine event after local fan-out (NATS).
	Forward events.Publisher

	// Metrics is an extra sink fed alongside the Prometheus exporter.
	Metrics metrics.Sink

	Audit  *security.AuditLogger
	Logger *slog.Logger
}

// Engine owns the relay components.
type Engine struct {
	logger *slog.Logger

	mu  sync.RWMutex
	cfg Config

	backend    Backend
	folders    *folder.Registry
	sessions   *session.Manager
	pipeline   *relay.Pipeline
	dedup      *dedup.Cache
	limiter    *ratelimit.Limiter
	bus        *events.Bus
	sink       metrics.Sink
	prometheus *metrics.Prometheus
	startedAt  time.Time
}

// New validates cfg and wires the components. Nothing is started.
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Dialer == nil {
		return nil, ErrNoDialer
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		logger:  logger.With("component", "engine"),
		cfg:     cfg,
		backend: deps.Backend,
	}

	if e.backend == nil {
		fs, err := store.NewFile(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("engine: opening data dir: %w", err)
		}
		e.backend = fs
	}

	sealer, err := security.NewSealer(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("engine: session sealer: %w", err)
	}
	if !sealer.Encrypted() {
		e.logger.Warn("engine: no encryption_key set, session blobs are stored in plaintext with owner-only permissions")
	}

	var sinks metrics.Fanout
	if cfg.EnableMetrics {
		e.prometheus = metrics.NewPrometheus(logger)
		sinks = append(sinks, e.prometheus)
	}
	if deps.Metrics != nil {
		sinks = append(sinks, deps.Metrics)
	}
	switch len(sinks) {
	case 0:
		e.sink = metrics.Noop{}
	case 1:
		e.sink = sinks[0]
	default:
		e.sink = sinks
	}

	overflow, _ := cfg.overflow()

	e.bus = events.NewBus(deps.Forward, logger.With("component", "events"))
	e.dedup = dedup.New(dedup.Config{Capacity: cfg.DedupCapacity, TTL: cfg.DedupTTL})
	e.limiter = ratelimit.New(cfg.ForwardDelay)

	e.folders = folder.NewRegistry(folder.Config{
		Store:     e.backend,
		VerifyTTL: cfg.FolderCacheTTL,
		Metrics:   e.sink,
		Events:    e.bus,
		Logger:    logger,
	})

	e.sessions = session.NewManager(session.Config{
		Dialer:      deps.Dialer,
		Store:       e.backend,
		Sealer:      sealer,
		Breaker:     cfg.Breaker,
		Reconnect:   cfg.Reconnect,
		Auth:        cfg.Auth,
		CallTimeout: cfg.CallTimeout,
		Handler:     e.onUpdate,
		OnShutdown:  e.onShutdown,
		Metrics:     e.sink,
		Events:      e.bus,
		Audit:       deps.Audit,
		Logger:      logger,
	})
	e.folders.SetDestinations(e.sessions)

	e.pipeline, err = relay.New(relay.Config{
		Routes:        e.folders,
		Sender:        e.sessions,
		Dedup:         e.dedup,
		Limiter:       e.limiter,
		QueueSize:     cfg.QueueSize,
		Overflow:      overflow,
		MaxConcurrent: cfg.MaxConcurrentForwards,
		SendTimeout:   cfg.SendTimeout,
		RetryBudget:   cfg.RetryBudget,
		RetryBase:     cfg.RetryBase,
		RetryCap:      cfg.RetryCap,
		Metrics:       e.sink,
		Events:        e.bus,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	return e, nil
}

// onUpdate is installed as the session handler before the pipeline exists;
// sessions only deliver updates after Start, by which time it is set.
func (e *Engine) onUpdate(userID int64, u remote.Update) {
	err := e.pipeline.OnUpdate(userID, u)
	switch {
	case err == nil, errors.Is(err, relay.ErrStopped):
	case errors.Is(err, relay.ErrQueueFull):
		e.logger.Debug("engine: post rejected, lane full",
			"user", userID, "source", u.Channel, "message", u.Message.ID)
	default:
		e.logger.Warn("engine: enqueue failed", "user", userID, "error", err)
	}
}

func (e *Engine) onShutdown(userID int64) {
	e.pipeline.StopUser(userID)
}

// Start loads folders and restores every stored session.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.folders.Load(ctx); err != nil {
		return fmt.Errorf("engine: loading folders: %w", err)
	}
	restored, err := e.sessions.Restore(ctx)
	if err != nil {
		return fmt.Errorf("engine: restoring sessions: %w", err)
	}
	e.mu.Lock()
	e.startedAt = time.Now()
	e.mu.Unlock()
	e.logger.Info("engine: started", "folders", e.folders.Count(), "sessions", restored,
		"encrypted", e.sessions.Encrypted())
	return nil
}

// Stop disconnects every session, drains the pipeline and closes the bus.
func (e *Engine) Stop(ctx context.Context) error {
	var errs []error
	if err := e.sessions.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine: stopping sessions: %w", err))
	}
	if err := e.pipeline.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine: stopping pipeline: %w", err))
	}
	if err := e.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("engine: closing event bus: %w", err))
	}
	e.logger.Info("engine: stopped")
	return errors.Join(errs...)
}

// Apply updates the live settings from next and returns the changed fields
// that only take effect after a restart.
func (e *Engine) Apply(next Config) []string {
	e.mu.Lock()
	prev := e.cfg
	restart := prev.RestartRequired(next)
	e.cfg.ForwardDelay = next.ForwardDelay
	e.cfg.FolderCacheTTL = next.FolderCacheTTL
	e.cfg.DedupTTL = next.DedupTTL
	e.cfg.SessionTimeout = next.SessionTimeout
	e.mu.Unlock()

	if prev.ForwardDelay != next.ForwardDelay {
		e.limiter.SetInterval(next.ForwardDelay)
		e.logger.Info("engine: forward delay updated", "from", prev.ForwardDelay, "to", next.ForwardDelay)
	}
	if prev.FolderCacheTTL != next.FolderCacheTTL {
		e.folders.SetVerifyTTL(next.FolderCacheTTL)
		e.logger.Info("engine: folder cache ttl updated", "from", prev.FolderCacheTTL, "to", next.FolderCacheTTL)
	}
	if prev.DedupTTL != next.DedupTTL {
		e.dedup.SetTTL(next.DedupTTL)
		e.logger.Info("engine: dedup ttl updated", "from", prev.DedupTTL, "to", next.DedupTTL)
	}
	if prev.SessionTimeout != next.SessionTimeout {
		e.logger.Info("engine: session timeout updated", "from", prev.SessionTimeout, "to", next.SessionTimeout)
	}
	return restart
}

// Config returns the settings in effect.
func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Folders returns the folder registry.
func (e *Engine) Folders() *folder.Registry { return e.folders }

// Sessions returns the session manager.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Pipeline returns the forward pipeline.
func (e *Engine) Pipeline() *relay.Pipeline { return e.pipeline }

// Bus returns the event bus.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Prometheus returns the exporter, or nil when metrics are disabled.
func (e *Engine) Prometheus() *metrics.Prometheus { return e.prometheus }

// CheckConnections refreshes session and queue gauges.
func (e *Engine) CheckConnections() session.Stats {
	stats := e.sessions.CheckConnections()
	e.sink.ObserveGauge(metrics.QueueDepth, float64(e.pipeline.Depth()))
	e.sink.ObserveGauge(metrics.ActiveLanes, float64(e.pipeline.Lanes()))
	e.sink.ObserveGauge(metrics.Folders, float64(e.folders.Count()))
	return stats
}

// ExpireSessions shuts down sessions idle longer than session_timeout. A
// zero timeout keeps every session running.
func (e *Engine) ExpireSessions() int {
	return e.sessions.ExpireIdle(e.Config().SessionTimeout)
}

// CleanupStats counts what one maintenance pass reclaimed.
type CleanupStats struct {
	Lanes        int `json:"lanes"`
	Fingerprints int `json:"fingerprints"`
	Destinations int `json:"destinations"`
}

// Cleanup releases lanes and pacing state idle for a full cleanup interval
// and purges expired dedup fingerprints.
func (e *Engine) Cleanup() CleanupStats {
	idle := e.Config().CleanupInterval
	return CleanupStats{
		Lanes:        e.pipeline.Cleanup(idle),
		Fingerprints: e.dedup.PurgeExpired(),
		Destinations: e.limiter.Prune(idle),
	}
}

// Status is a point-in-time view of the engine.
type Status struct {
	StartedAt      time.Time     `json:"started_at,omitzero"`
	Sessions       session.Stats `json:"sessions"`
	Folders        int           `json:"folders"`
	Lanes          int           `json:"lanes"`
	QueueDepth     int           `json:"queue_depth"`
	Fingerprints   int           `json:"fingerprints"`
	Encrypted      bool          `json:"encrypted"`
	ForwardDelay   time.Duration `json:"forward_delay_ns"`
	FolderCacheTTL time.Duration `json:"folder_cache_ttl_ns"`
}

// Status returns the current engine view.
func (e *Engine) Status() Status {
	e.mu.RLock()
	cfg, started := e.cfg, e.startedAt
	e.mu.RUnlock()
	return Status{
		StartedAt:      started,
		Sessions:       e.sessions.CheckConnections(),
		Folders:        e.folders.Count(),
		Lanes:          e.pipeline.Lanes(),
		QueueDepth:     e.pipeline.Depth(),
		Fingerprints:   e.dedup.Len(),
		Encrypted:      e.sessions.Encrypted(),
		ForwardDelay:   cfg.ForwardDelay,
		FolderCacheTTL: cfg.FolderCacheTTL,
	}
}
