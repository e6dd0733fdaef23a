// Package gateway provides an HTTP server for administration, monitoring,
// and webhooks. It binds to loopback by default and follows the module system pattern.
package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/flemzord/smartfolders/internal/config"
	"github.com/flemzord/smartfolders/internal/core"
	"github.com/flemzord/smartfolders/internal/folder"
	"github.com/flemzord/smartfolders/internal/security"
	"github.com/flemzord/smartfolders/internal/session"
	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"
)

// requireEngine writes 503 and returns false when no engine is bound.
func (g *Gateway) requireEngine(w http.ResponseWriter) bool {
	if g.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "relay engine not available"})
		return false
	}
	return true
}

// userParam parses a numeric user id from the named URL parameter.
func userParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user id"})
		return 0, false
	}
	return id, true
}

// handleListSessions returns every session as JSON, ordered by user id.
func (g *Gateway) handleListSessions() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !g.requireEngine(w) {
			return
		}
		sessions := g.engine.Sessions().Sessions()
		if sessions == nil {
			sessions = []session.Info{}
		}
		writeJSON(w, http.StatusOK, sessions)
	}
}

// handleDeleteSession logs a user out and wipes the stored session.
func (g *Gateway) handleDeleteSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := userParam(w, r, "id")
		if !ok || !g.requireEngine(w) {
			return
		}

		err := g.engine.Sessions().Logout(r.Context(), id)
		switch {
		case errors.Is(err, session.ErrUnknownUser):
			http.Error(w, "session not found", http.StatusNotFound)
		case err != nil:
			g.logger.Error("gateway: logout failed", "user", id, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

// handleResumeSession reconnects a session that was shut down or whose
// breaker gave up.
func (g *Gateway) handleResumeSession() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := userParam(w, r, "id")
		if !ok || !g.requireEngine(w) {
			return
		}

		err := g.engine.Sessions().Resume(r.Context(), id)
		switch {
		case errors.Is(err, session.ErrUnknownUser), errors.Is(err, session.ErrNotAuthenticated):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		case err != nil:
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		default:
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "resuming"})
		}
	}
}

// handleListFolders returns the folders owned by a user.
func (g *Gateway) handleListFolders() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := userParam(w, r, "user")
		if !ok || !g.requireEngine(w) {
			return
		}
		folders := g.engine.Folders().ListFolders(id)
		if folders == nil {
			folders = []folder.Folder{}
		}
		writeJSON(w, http.StatusOK, folders)
	}
}

// handleDeleteFolder removes a folder by name.
func (g *Gateway) handleDeleteFolder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := userParam(w, r, "user")
		if !ok || !g.requireEngine(w) {
			return
		}

		err := g.engine.Folders().DeleteFolder(r.Context(), id, chi.URLParam(r, "name"))
		switch {
		case errors.Is(err, folder.ErrNotFound):
			http.Error(w, "folder not found", http.StatusNotFound)
		case err != nil:
			g.logger.Error("gateway: delete folder failed", "user", id, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

// moduleJSON is a serializable module info snapshot.
type moduleJSON struct {
	ID        string `json:"id"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// handleGetAllModules lists all compiled modules (for /api/modules).
func (g *Gateway) handleGetAllModules() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		mods := core.GetModules()
		out := make([]moduleJSON, 0, len(mods))
		for _, m := range mods {
			out = append(out, moduleJSON{
				ID:        string(m.ID),
				Namespace: m.ID.Namespace(),
				Name:      m.ID.Name(),
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// handleGetConfig returns the current config with secrets redacted.
func (g *Gateway) handleGetConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if g.configPath == "" {
			http.Error(w, "config path not set", http.StatusServiceUnavailable)
			return
		}

		cfg, err := config.Load(g.configPath)
		if err != nil {
			http.Error(w, "failed to load config", http.StatusInternalServerError)
			return
		}

		// Round-trip through YAML so durations and module nodes keep their
		// file representation.
		raw, err := yaml.Marshal(cfg)
		if err != nil {
			http.Error(w, "failed to serialize config", http.StatusInternalServerError)
			return
		}

		var generic map[string]any
		if err := yaml.Unmarshal(raw, &generic); err != nil {
			http.Error(w, "failed to parse config", http.StatusInternalServerError)
			return
		}

		security.NewRedactor().RedactMap(generic)
		writeJSON(w, http.StatusOK, generic)
	}
}

// handleReloadConfig triggers a hot-reload of the configuration.
func (g *Gateway) handleReloadConfig() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.configPath == "" || g.reloader == nil {
			http.Error(w, "reload not available", http.StatusServiceUnavailable)
			return
		}

		if err := g.reloader.HandleReload(r.Context(), g.configPath); err != nil {
			g.logger.Error("gateway: config reload failed", "error", err)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		g.logger.Info("gateway: configuration reloaded")
		writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
	}
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// handleListAudit returns the most recent audit events, newest first.
// ?limit=N caps the count.
func (g *Gateway) handleListAudit() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
				return
			}
			limit = n
		}
		events := g.audit.Recent(limit)
		if events == nil {
			events = []security.AuditEvent{}
		}
		writeJSON(w, http.StatusOK, events)
	}
}
