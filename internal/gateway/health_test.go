package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealth_NoEngine(t *testing.T) {
	t.Parallel()

	g := &Gateway{}
	rr := httptest.NewRecorder()
	g.handleHealth().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != healthUnavailable {
		t.Errorf("Status = %q, want %q", resp.Status, healthUnavailable)
	}
}

func TestHealth_Healthy(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, nil)
	g := &Gateway{engine: e}

	rr := httptest.NewRecorder()
	g.handleHealth().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != healthOK || resp.Sessions.Sessions != 0 {
		t.Errorf("resp = %+v", resp)
	}
}

type fakeModuleHealth map[string]string

func (f fakeModuleHealth) HealthCheck(context.Context) map[string]string { return f }

func TestHealth_FailingModuleDegrades(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, nil)
	g := &Gateway{engine: e, modules: fakeModuleHealth{"store.sqlite": "database is locked"}}

	rr := httptest.NewRecorder()
	g.handleHealth().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusServiceUnavailable)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != healthDegraded || resp.Modules["store.sqlite"] != "database is locked" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHealth_HealthyModules(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, nil)
	g := &Gateway{engine: e, modules: fakeModuleHealth(nil)}

	rr := httptest.NewRecorder()
	g.handleHealth().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusOK)
	}
}
