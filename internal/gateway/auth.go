package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/flemzord/smartfolders/internal/security"
	"golang.org/x/time/rate"
)

// authenticator guards the admin routes. Every attempt, good or bad, is
// audited; attempts past the limiter's rate are refused before any
// credential is compared.
type authenticator struct {
	cfg     AuthConfig
	audit   *security.AuditLogger
	limiter *rate.Limiter
	metrics *Metrics
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.limiter != nil && !a.limiter.Allow() {
			a.record(r, security.EventRateLimit, "auth attempts throttled")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}

		method, reason := a.verify(r)
		if method == "" {
			if a.metrics != nil {
				a.metrics.RecordAuthFailure()
			}
			a.record(r, security.EventAuthFailure, reason)
			if a.cfg.BasicUser != "" {
				w.Header().Set("WWW-Authenticate", `Basic realm="smartfolders"`)
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		a.record(r, security.EventAuthSuccess, method)
		next.ServeHTTP(w, r)
	})
}

// verify returns the scheme that accepted r, or "" and the reason it was
// refused.
func (a *authenticator) verify(r *http.Request) (method, reason string) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", "missing authorization header"
	}
	if token, ok := strings.CutPrefix(header, "Bearer "); ok && a.cfg.BearerToken != "" {
		if secretEqual(token, a.cfg.BearerToken) {
			return "bearer", ""
		}
		return "", "invalid credentials"
	}
	if user, pass, ok := r.BasicAuth(); ok && a.cfg.BasicUser != "" {
		// Both halves are compared so timing does not reveal which was wrong.
		userOK := secretEqual(user, a.cfg.BasicUser)
		passOK := secretEqual(pass, a.cfg.BasicPass)
		if userOK && passOK {
			return "basic", ""
		}
	}
	return "", "invalid credentials"
}

func (a *authenticator) record(r *http.Request, kind security.EventType, detail string) {
	a.audit.Log(security.AuditEvent{
		Type:   kind,
		Method: "http",
		Detail: detail,
		Metadata: map[string]string{
			"remote_addr": r.RemoteAddr,
			"method":      r.Method,
			"path":        r.URL.Path,
		},
	})
}

func secretEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
