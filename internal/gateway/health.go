package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/flemzord/smartfolders/internal/session"
)

// Health states reported by GET /health.
const (
	healthOK          = "ok"
	healthDegraded    = "degraded"
	healthUnavailable = "unavailable"
)

// healthProbeTimeout bounds the module probes of one /health request.
const healthProbeTimeout = 2 * time.Second

// ModuleHealth probes the loaded modules, returning failures by module ID.
type ModuleHealth interface {
	HealthCheck(ctx context.Context) map[string]string
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status   string            `json:"status"`
	Sessions session.Stats     `json:"sessions"`
	Modules  map[string]string `json:"failing_modules,omitempty"`
}

// handleHealth returns an http.HandlerFunc for GET /health.
// Returns 503 when the engine is missing, a session has its breaker open or
// a module probe fails.
func (g *Gateway) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: healthOK}

		if g.engine == nil {
			resp.Status = healthUnavailable
		} else {
			resp.Sessions = g.engine.Sessions().CheckConnections()
			if resp.Sessions.Suppressed > 0 {
				resp.Status = healthDegraded
			}
		}
		if g.modules != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
			resp.Modules = g.modules.HealthCheck(ctx)
			cancel()
			if len(resp.Modules) > 0 && resp.Status == healthOK {
				resp.Status = healthDegraded
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status != healthOK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}
