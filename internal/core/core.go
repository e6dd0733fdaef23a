package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

const shutdownTimeout = 30 * time.Second

// moduleState tracks where a module is in its lifecycle.
type moduleState int

const (
	stateLoaded moduleState = iota
	stateStarted
	stateStopped
)

// App runs a set of modules through Start, Reload and Stop. Modules start
// in slice order and stop in reverse.
type App struct {
	ctx     *AppContext
	modules []*moduleInstance
	logger  *slog.Logger
}

type moduleInstance struct {
	id     ModuleID
	module Module
	state  moduleState
}

// NewApp creates an App without modules.
func NewApp(ctx *AppContext) *App {
	return &App{
		ctx:    ctx,
		logger: ctx.Logger.With("component", "core"),
	}
}

// LoadModules loads ids in order through AppContext.LoadModule. On failure
// every module loaded so far is closed and the App is left empty.
func (a *App) LoadModules(ids []string) error {
	for _, id := range ids {
		mod, err := a.ctx.LoadModule(id)
		if err != nil {
			a.Close()
			a.modules = nil
			return fmt.Errorf("loading module %s: %w", id, err)
		}
		a.AppendModule(mod)
		a.logger.Info("module loaded", "module", id)
	}
	return nil
}

// Modules returns the modules in start order.
func (a *App) Modules() []Module {
	out := make([]Module, len(a.modules))
	for i, mi := range a.modules {
		out[i] = mi.module
	}
	return out
}

// AppendModule adds an already-built module at the end of the lifecycle:
// it starts last and stops first.
func (a *App) AppendModule(mod Module) {
	a.modules = append(a.modules, &moduleInstance{id: mod.ModuleInfo().ID, module: mod})
}

// PrependModule adds an already-built module at the front of the lifecycle:
// it starts first and stops last, so modules loaded from configuration can
// depend on it for their whole lifetime.
func (a *App) PrependModule(mod Module) {
	a.modules = slices.Insert(a.modules, 0, &moduleInstance{id: mod.ModuleInfo().ID, module: mod})
}

// Start starts the modules in order. If one fails, the modules it started
// are stopped again, newest first.
func (a *App) Start() error {
	for _, mi := range a.modules {
		if mi.state != stateLoaded {
			continue
		}
		if s, ok := mi.module.(Starter); ok {
			a.logger.Info("starting module", "module", string(mi.id))
			if err := s.Start(); err != nil {
				a.logger.Error("module start failed", "module", string(mi.id), "error", err)
				a.stop(func(mi *moduleInstance) bool { return mi.state == stateStarted })
				return fmt.Errorf("starting module %s: %w", mi.id, err)
			}
		}
		mi.state = stateStarted
	}
	a.logger.Info("all modules started", "count", len(a.modules))
	return nil
}

// Stop stops the started modules, newest first, within shutdownTimeout.
func (a *App) Stop() {
	a.stop(func(mi *moduleInstance) bool { return mi.state == stateStarted })
}

// Close releases modules that were provisioned but never started, such as
// an open database after a failed wiring step. Started modules are stopped
// too. Close is safe to call after Stop.
func (a *App) Close() {
	a.stop(func(mi *moduleInstance) bool { return mi.state != stateStopped })
}

func (a *App) stop(match func(*moduleInstance) bool) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for _, mi := range slices.Backward(a.modules) {
		if !match(mi) {
			continue
		}
		if s, ok := mi.module.(Stopper); ok {
			a.logger.Info("stopping module", "module", string(mi.id))
			if err := s.Stop(ctx); err != nil {
				a.logger.Error("module stop error", "module", string(mi.id), "error", err)
			}
		}
		mi.state = stateStopped
	}
}

// ReloadModules hands ctx to every Reloader and joins their errors. A
// failing module does not prevent the others from reloading.
func (a *App) ReloadModules(ctx *AppContext) error {
	var errs []error
	for _, mi := range a.modules {
		r, ok := mi.module.(Reloader)
		if !ok {
			continue
		}
		a.logger.Info("reloading module", "module", string(mi.id))
		if err := r.Reload(ctx.ForModule(mi.id)); err != nil {
			a.logger.Error("module reload failed", "module", string(mi.id), "error", err)
			errs = append(errs, fmt.Errorf("reloading module %s: %w", mi.id, err))
		}
	}
	return errors.Join(errs...)
}

// HealthCheck runs HealthCheck on every module that implements
// HealthChecker and returns the failures keyed by module ID. A nil map
// means every checked module is healthy.
func (a *App) HealthCheck(ctx context.Context) map[string]string {
	var failed map[string]string
	for _, mi := range a.modules {
		hc, ok := mi.module.(HealthChecker)
		if !ok {
			continue
		}
		if err := hc.HealthCheck(ctx); err != nil {
			if failed == nil {
				failed = make(map[string]string)
			}
			failed[string(mi.id)] = err.Error()
		}
	}
	return failed
}
