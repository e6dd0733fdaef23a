package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/flemzord/smartfolders/internal/config"
	"github.com/flemzord/smartfolders/internal/core"
	"github.com/flemzord/smartfolders/internal/cron"
	"github.com/flemzord/smartfolders/internal/engine"
	"github.com/flemzord/smartfolders/internal/events"
	"github.com/flemzord/smartfolders/internal/gateway"
	"github.com/flemzord/smartfolders/internal/remote"
	"github.com/flemzord/smartfolders/internal/security"
	"github.com/flemzord/smartfolders/internal/store"
)

// serviceDialer is the key under which a transport module registers its
// remote.Dialer.
const serviceDialer = "remote.dialer"

// engineModule wraps the relay engine to satisfy core.Module, core.Starter
// and core.Stopper, so it participates in the App lifecycle.
type engineModule struct {
	engine    *engine.Engine
	publisher *events.NATSPublisher
}

func (m *engineModule) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: engine.ServiceName}
}

func (m *engineModule) Start() error {
	return m.engine.Start(context.Background())
}

func (m *engineModule) Stop(ctx context.Context) error {
	err := m.engine.Stop(ctx)
	if m.publisher != nil {
		if ferr := m.publisher.Flush(); ferr != nil {
			err = errors.Join(err, fmt.Errorf("events: flushing NATS: %w", ferr))
		}
		_ = m.publisher.Close()
	}
	return err
}

// schedulerModule runs the maintenance jobs for the lifetime of the app.
type schedulerModule struct {
	scheduler *cron.Scheduler
}

func (m *schedulerModule) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: gateway.ServiceMaintenance}
}

func (m *schedulerModule) Start() error { return m.scheduler.Start() }

func (m *schedulerModule) Stop(ctx context.Context) error { return m.scheduler.Stop(ctx) }

// commandLimited is implemented by modules that rate-limit user commands.
type commandLimited interface {
	Limiter() *security.CommandLimiter
}

// wireEngine builds the relay engine on the dialer and backend registered by
// the loaded modules, registers it for discovery, and adds it and its
// maintenance scheduler to the app lifecycle. Must be called after
// LoadModules and before Start.
func wireEngine(
	app *core.App,
	appCtx *core.AppContext,
	cfg *config.Config,
	logger *slog.Logger,
	audit *security.AuditLogger,
) (*engine.Engine, error) {
	dialer, ok := core.Service[remote.Dialer](appCtx, serviceDialer)
	if !ok {
		return nil, errors.New("app: no transport module registered a remote dialer (configure channel.telegram)")
	}

	deps := engine.Deps{
		Dialer: dialer,
		Audit:  audit,
		Logger: logger,
	}
	if backend, ok := core.Service[engine.Backend](appCtx, store.ServiceName); ok {
		deps.Backend = backend
	} else {
		logger.Info("app: no durable store module configured, using the file store", "data_dir", cfg.Relay.DataDir)
	}

	var publisher *events.NATSPublisher
	if url := cfg.Events.NATSURL; url != "" {
		p, err := events.NewNATSPublisher(url)
		if err != nil {
			return nil, err
		}
		publisher = p
		deps.Forward = p
		logger.Info("app: forwarding events to NATS", "url", url)
	}

	e, err := engine.New(cfg.Relay, deps)
	if err != nil {
		if publisher != nil {
			_ = publisher.Close()
		}
		return nil, err
	}

	scheduler, err := maintenanceScheduler(app, e, logger)
	if err != nil {
		if publisher != nil {
			_ = publisher.Close()
		}
		return nil, err
	}

	appCtx.RegisterService(engine.ServiceName, e)
	appCtx.RegisterService(gateway.ServiceMaintenance, scheduler)

	// The engine starts before and stops after every configured module.
	app.PrependModule(&engineModule{engine: e, publisher: publisher})
	app.AppendModule(&schedulerModule{scheduler: scheduler})

	logger.Info("app: relay engine wired",
		"encrypted", e.Sessions().Encrypted(),
		"metrics", cfg.Relay.EnableMetrics,
	)
	return e, nil
}

// maintenanceScheduler registers the periodic jobs: connection check,
// session expiry, relay state cleanup and command window pruning.
func maintenanceScheduler(app *core.App, e *engine.Engine, logger *slog.Logger) (*cron.Scheduler, error) {
	rc := e.Config()
	jobLogger := logger.With("component", "cron")
	scheduler := cron.NewScheduler(jobLogger)

	jobs := []cron.Job{
		&cron.ConnectionCheckJob{
			Checker:      e,
			Logger:       jobLogger,
			ScheduleExpr: cron.Every(rc.CheckInterval),
		},
		&cron.SessionExpiryJob{
			Expirer: e,
			Logger:  jobLogger,
		},
		&cron.PruneJob{
			JobName: "relay_cleanup",
			Prune: func() int {
				st := e.Cleanup()
				return st.Lanes + st.Fingerprints + st.Destinations
			},
			Logger:       jobLogger,
			ScheduleExpr: cron.Every(rc.CleanupInterval),
		},
	}

	for _, mod := range app.Modules() {
		cl, ok := mod.(commandLimited)
		if !ok || cl.Limiter() == nil {
			continue
		}
		limiter := cl.Limiter()
		jobs = append(jobs, &cron.PruneJob{
			JobName: "command_windows." + string(mod.ModuleInfo().ID),
			Prune:   limiter.Prune,
			Logger:  jobLogger,
		})
	}

	for _, j := range jobs {
		if err := scheduler.RegisterJob(j); err != nil {
			return nil, err
		}
	}
	return scheduler, nil
}
