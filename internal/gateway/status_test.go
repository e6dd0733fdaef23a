package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStatus_ReportsEngine(t *testing.T) {
	t.Parallel()

	e, _ := newTestEngine(t, nil)
	if _, err := e.Folders().CreateFolder(context.Background(), 1, "Tech", []int64{5}); err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}

	m := &Metrics{}
	m.RecordRequest(http.StatusOK, time.Millisecond)
	g := &Gateway{engine: e, metrics: m, startedAt: time.Now().Add(-90 * time.Second)}

	rr := httptest.NewRecorder()
	g.handleStatus().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))

	var resp StatusResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Uptime < 90 {
		t.Errorf("Uptime = %d, want >= 90", resp.Uptime)
	}
	if resp.Gateway.Requests != 1 {
		t.Errorf("Gateway.Requests = %d, want 1", resp.Gateway.Requests)
	}
	if resp.Engine == nil || resp.Engine.Folders != 1 {
		t.Errorf("Engine = %+v, want 1 folder", resp.Engine)
	}
}

func TestStatus_NoEngine(t *testing.T) {
	t.Parallel()

	g := &Gateway{metrics: &Metrics{}, startedAt: time.Now()}
	rr := httptest.NewRecorder()
	g.handleStatus().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))

	var raw map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := raw["engine"]; ok {
		t.Error("engine should be omitted when not bound")
	}
}
