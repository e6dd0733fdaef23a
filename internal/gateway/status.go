package gateway

import (
	"net/http"
	"time"

	"github.com/flemzord/smartfolders/internal/cron"
	"github.com/flemzord/smartfolders/internal/engine"
)

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	StartedAt   time.Time        `json:"started_at"`
	Uptime      int64            `json:"uptime_seconds"`
	ReadOnly    bool             `json:"read_only"`
	Gateway     MetricsSnapshot  `json:"gateway"`
	Engine      *engine.Status   `json:"engine,omitempty"`
	Maintenance []cron.JobStatus `json:"maintenance,omitempty"`
	// FailingJobs names the maintenance jobs whose last run failed.
	FailingJobs []string `json:"failing_jobs,omitempty"`
	// AuditWriteErrors counts audit events lost by the audit file.
	AuditWriteErrors int64 `json:"audit_write_errors"`
}

func (g *Gateway) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		resp := StatusResponse{
			StartedAt: g.startedAt.UTC(),
			Uptime:    int64(time.Since(g.startedAt) / time.Second),
			ReadOnly:  g.config.ReadOnly,
			Gateway:   g.metrics.Snapshot(),

			AuditWriteErrors: g.audit.WriteErrors(),
		}
		if g.engine != nil {
			st := g.engine.Status()
			resp.Engine = &st
		}
		if g.maintenance != nil {
			resp.Maintenance = g.maintenance.Jobs()
			for _, j := range resp.Maintenance {
				if j.LastError != "" {
					resp.FailingJobs = append(resp.FailingJobs, j.Name)
				}
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
