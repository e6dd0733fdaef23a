package gateway

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// buildRouter wires the public probes, webhooks and, when auth is
// configured, the admin API.
func (g *Gateway) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(g.metrics.instrument)

	r.Get("/health", g.handleHealth())
	if g.engine != nil && g.engine.Prometheus() != nil {
		r.Handle("/metrics", g.engine.Prometheus().Handler())
	}
	r.Post("/webhooks/{source}", g.dispatcher.ServeHTTP)

	if !g.config.Auth.Enabled() {
		g.logger.Warn("gateway: no admin auth configured, admin API disabled")
		return r
	}

	r.Group(func(r chi.Router) {
		auth := &authenticator{cfg: g.config.Auth, audit: g.audit, limiter: g.authLimiter, metrics: g.metrics}
		r.Use(auth.middleware)
		r.Get("/status", g.handleStatus())
		r.Route("/api", func(r chi.Router) {
			r.Get("/sessions", g.handleListSessions())
			r.Get("/folders/{user}", g.handleListFolders())
			r.Get("/modules", g.handleGetAllModules())
			r.Get("/config", g.handleGetConfig())
			r.Get("/jobs", g.handleListJobs())
			r.Get("/audit", g.handleListAudit())

			if g.config.ReadOnly {
				return
			}
			r.Delete("/sessions/{id}", g.handleDeleteSession())
			r.Post("/sessions/{id}/resume", g.handleResumeSession())
			r.Delete("/folders/{user}/{name}", g.handleDeleteFolder())
			r.Post("/config/reload", g.handleReloadConfig())
			r.Post("/jobs/{name}/run", g.handleRunJob())
		})
	})
	return r
}
