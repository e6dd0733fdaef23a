package reload

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/flemzord/smartfolders/internal/config"
	"github.com/flemzord/smartfolders/internal/core"
	"github.com/flemzord/smartfolders/internal/engine"
	"github.com/flemzord/smartfolders/internal/security/securitytest"
)

type recordingApplier struct {
	applied []engine.Config
	restart []string
}

func (r *recordingApplier) Apply(next engine.Config) []string {
	r.applied = append(r.applied, next)
	return r.restart
}

func newTestHandler(opts Options) *Handler {
	opts.Logger = slog.New(slog.DiscardHandler)
	opts.DataDir = "/tmp/data"
	return NewHandler(core.NewApp(core.NewAppContext(opts.Logger, opts.DataDir)), opts)
}

func TestHandler_HandleReload_Rejected(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		return path
	}

	tests := []struct {
		name string
		path string
	}{
		{name: "missing file", path: filepath.Join(dir, "absent.yaml")},
		{name: "no version", path: write("noversion.yaml", "modules: {}")},
		{name: "unknown module", path: write("unknown.yaml", "version: \"1\"\nmodules:\n  fake.mod: {}\n")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			relay := &recordingApplier{}
			h := newTestHandler(Options{Relay: relay})

			if err := h.HandleReload(context.Background(), tt.path); err == nil {
				t.Fatal("expected reload to fail")
			}
			if len(relay.applied) != 0 {
				t.Error("rejected config was applied")
			}
			if last := h.Last(); last.Error == "" || last.At.IsZero() {
				t.Errorf("Last() = %+v, want recorded failure", last)
			}
		})
	}
}

func TestHandler_HandleReload_UsesLoader(t *testing.T) {
	t.Parallel()

	var loaded string
	relay := &recordingApplier{}
	h := newTestHandler(Options{
		Relay: relay,
		Load: func(path string) (*config.Config, error) {
			loaded = path
			cfg := config.Default()
			cfg.Relay.DataDir = "/override"
			return cfg, nil
		},
	})

	if err := h.HandleReload(context.Background(), "/etc/smartfolders.yaml"); err != nil {
		t.Fatal(err)
	}
	if loaded != "/etc/smartfolders.yaml" {
		t.Errorf("loader got %q", loaded)
	}
	if len(relay.applied) != 1 || relay.applied[0].DataDir != "/override" {
		t.Errorf("applied = %+v", relay.applied)
	}

	failing := newTestHandler(Options{Load: func(string) (*config.Config, error) {
		return nil, errors.New("permission denied")
	}})
	if err := failing.HandleReload(context.Background(), "x"); err == nil {
		t.Error("loader error not returned")
	}
}

func TestHandler_Apply_CancelledContext(t *testing.T) {
	t.Parallel()

	h := newTestHandler(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.Apply(ctx, &config.Config{Version: "1"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Apply = %v, want context.Canceled", err)
	}
}

func TestHandler_Apply_RelayAndAudit(t *testing.T) {
	t.Parallel()

	relay := &recordingApplier{restart: []string{"queue_size"}}
	audit, auditEvents := securitytest.NewTestAuditLogger()
	h := newTestHandler(Options{Relay: relay, Audit: audit})

	cfg := config.Default()
	cfg.Version = "1"
	cfg.Relay.ForwardDelay = 3 * time.Second
	if err := h.Apply(context.Background(), cfg); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if len(relay.applied) != 1 || relay.applied[0].ForwardDelay != 3*time.Second {
		t.Fatalf("applied = %+v", relay.applied)
	}
	events := auditEvents()
	if len(events) != 1 || events[0].Metadata["restart_required"] != "queue_size" {
		t.Fatalf("audit events = %+v", events)
	}
	if last := h.Last(); last.Error != "" || !slices.Equal(last.RestartRequired, []string{"queue_size"}) {
		t.Errorf("Last() = %+v", last)
	}
}
