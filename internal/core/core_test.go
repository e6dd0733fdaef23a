package core

import (
	"context"
	"errors"
	"slices"
	"testing"
)

// orderModule records Start and Stop calls into a shared log.
type orderModule struct {
	id       ModuleID
	log      *[]string
	startErr error
}

func (m *orderModule) ModuleInfo() ModuleInfo {
	return ModuleInfo{ID: m.id, New: func() Module { return m }}
}

func (m *orderModule) Start() error {
	*m.log = append(*m.log, "start "+string(m.id))
	return m.startErr
}

func (m *orderModule) Stop(context.Context) error {
	*m.log = append(*m.log, "stop "+string(m.id))
	return nil
}

func TestApp_PrependAndAppendOrder(t *testing.T) {
	t.Parallel()

	var log []string
	app := NewApp(NewAppContext(nil, "/data"))
	app.AppendModule(&orderModule{id: "gateway", log: &log})
	app.PrependModule(&orderModule{id: "engine", log: &log})
	app.AppendModule(&orderModule{id: "channel.telegram", log: &log})

	if err := app.Start(); err != nil {
		t.Fatal(err)
	}
	app.Stop()

	want := []string{
		"start engine", "start gateway", "start channel.telegram",
		"stop channel.telegram", "stop gateway", "stop engine",
	}
	if !slices.Equal(log, want) {
		t.Errorf("lifecycle = %v\nwant %v", log, want)
	}

	if n := len(app.Modules()); n != 3 {
		t.Errorf("Modules() = %d", n)
	}

	// Everything is already stopped.
	app.Close()
	if len(log) != len(want) {
		t.Errorf("Close after Stop called modules again: %v", log[len(want):])
	}
}

func TestApp_CloseReleasesUnstartedModules(t *testing.T) {
	t.Parallel()

	var log []string
	app := NewApp(NewAppContext(nil, "/data"))
	app.AppendModule(&orderModule{id: "store.sqlite", log: &log})
	app.AppendModule(&orderModule{id: "gateway.http", log: &log})

	app.Close()
	want := []string{"stop gateway.http", "stop store.sqlite"}
	if !slices.Equal(log, want) {
		t.Errorf("Close = %v, want %v", log, want)
	}
}

func TestApp_StartFailureStopsStarted(t *testing.T) {
	t.Parallel()

	var log []string
	app := NewApp(NewAppContext(nil, "/data"))
	app.AppendModule(&orderModule{id: "engine", log: &log})
	app.AppendModule(&orderModule{id: "gateway", log: &log, startErr: errors.New("bind: address in use")})
	app.AppendModule(&orderModule{id: "channel.telegram", log: &log})

	if err := app.Start(); err == nil {
		t.Fatal("Start succeeded despite a failing module")
	}
	want := []string{"start engine", "start gateway", "stop engine"}
	if !slices.Equal(log, want) {
		t.Errorf("lifecycle = %v, want %v", log, want)
	}
}

type probeModule struct {
	id  ModuleID
	err error
}

func (m *probeModule) ModuleInfo() ModuleInfo {
	return ModuleInfo{ID: m.id, New: func() Module { return m }}
}

func (m *probeModule) HealthCheck(context.Context) error { return m.err }

func TestApp_HealthCheck(t *testing.T) {
	t.Parallel()

	var log []string
	app := NewApp(NewAppContext(nil, "/data"))
	app.AppendModule(&probeModule{id: "store.sqlite"})
	app.AppendModule(&orderModule{id: "gateway.http", log: &log})

	if failed := app.HealthCheck(context.Background()); failed != nil {
		t.Fatalf("HealthCheck = %v, want nil", failed)
	}

	app.AppendModule(&probeModule{id: "store.replica", err: errors.New("database is locked")})
	failed := app.HealthCheck(context.Background())
	if len(failed) != 1 || failed["store.replica"] != "database is locked" {
		t.Errorf("HealthCheck = %v", failed)
	}
}
