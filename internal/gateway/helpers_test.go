package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flemzord/smartfolders/internal/engine"
	"github.com/flemzord/smartfolders/internal/remote/remotetest"
	"github.com/flemzord/smartfolders/internal/store"
)

// newTestEngine builds an engine over in-memory collaborators.
func newTestEngine(t *testing.T, mutate func(*engine.Config)) (*engine.Engine, *remotetest.MockDialer) {
	t.Helper()
	cfg := engine.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.ForwardDelay = 0
	if mutate != nil {
		mutate(&cfg)
	}
	dialer := remotetest.NewDialer()
	e, err := engine.New(cfg, engine.Deps{Dialer: dialer, Backend: store.NewMemory(), Logger: testLogger()})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return e, dialer
}

// newRouterGateway returns a provisioned gateway whose router can be
// exercised through httptest without binding a port.
func newRouterGateway(t *testing.T, e *engine.Engine, auth AuthConfig) (*Gateway, http.Handler) {
	t.Helper()
	g := newTestGateway(t, "127.0.0.1:0", auth)
	g.engine = e
	return g, g.buildRouter()
}

// serve runs one request against h with the bearer token "test-token".
func serve(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer test-token")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}
