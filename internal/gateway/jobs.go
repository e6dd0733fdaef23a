package gateway

import (
	"errors"
	"net/http"

	"github.com/flemzord/smartfolders/internal/cron"
	"github.com/go-chi/chi/v5"
)

// Maintenance reports on and triggers the relay maintenance jobs.
type Maintenance interface {
	Jobs() []cron.JobStatus
	RunNow(name string) error
}

func (g *Gateway) handleListJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if g.maintenance == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "maintenance scheduler not available"})
			return
		}
		writeJSON(w, http.StatusOK, g.maintenance.Jobs())
	}
}

// handleRunJob runs one maintenance job synchronously and reports its
// outcome. A job that fails returns 502 with the job error.
func (g *Gateway) handleRunJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.maintenance == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "maintenance scheduler not available"})
			return
		}
		name := chi.URLParam(r, "name")

		err := g.maintenance.RunNow(name)
		switch {
		case errors.Is(err, cron.ErrUnknownJob):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		case errors.Is(err, cron.ErrJobRunning):
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		case err != nil:
			g.logger.Warn("gateway: manual job run failed", "job", name, "error", err)
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		default:
			g.logger.Info("gateway: maintenance job run", "job", name)
			writeJSON(w, http.StatusOK, map[string]string{"status": "completed", "job": name})
		}
	}
}
