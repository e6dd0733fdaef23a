package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
)

// maxWebhookBody bounds a webhook payload. Telegram updates are a few KiB.
const maxWebhookBody = 1 << 20

// ErrBadPayload is wrapped by handlers to reject a payload they cannot
// parse. The dispatcher answers 400 instead of 500 so the sender does not
// retry it.
var ErrBadPayload = errors.New("bad webhook payload")

// WebhookHandler processes a verified webhook payload.
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, source string, body []byte, headers http.Header) error
}

// Verifier authenticates a webhook request before its handler runs.
type Verifier interface {
	Verify(body []byte, headers http.Header) bool
}

// HMACSignature verifies an "X-Signature-256: sha256=<hex>" HMAC of the body.
type HMACSignature string

// Verify implements Verifier.
func (secret HMACSignature) Verify(body []byte, headers http.Header) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(want), []byte(headers.Get("X-Signature-256"))) == 1
}

// SharedToken verifies a static secret echoed in a request header, the way
// Telegram sends the secret_token given to setWebhook.
type SharedToken struct {
	Header string
	Secret string
}

// Verify implements Verifier.
func (s SharedToken) Verify(_ []byte, headers http.Header) bool {
	return subtle.ConstantTimeCompare([]byte(s.Secret), []byte(headers.Get(s.Header))) == 1
}

type webhookRoute struct {
	handler  WebhookHandler
	verifier Verifier
}

// WebhookDispatcher routes POST /webhooks/{source} to the handler a module
// registered for source.
type WebhookDispatcher struct {
	mu      sync.RWMutex
	routes  map[string]webhookRoute
	secrets map[string]string // configured HMAC secrets by source
	logger  *slog.Logger
}

// NewWebhookDispatcher creates an empty dispatcher.
func NewWebhookDispatcher(logger *slog.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		routes:  make(map[string]webhookRoute),
		secrets: make(map[string]string),
		logger:  logger,
	}
}

// SetSecret configures an HMAC secret for source. It applies to handlers
// registered without a verifier of their own.
func (d *WebhookDispatcher) SetSecret(source, secret string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.secrets[source] = secret
}

// Register routes source to h. A nil verifier falls back to the configured
// HMAC secret, and to no verification when none is configured.
func (d *WebhookDispatcher) Register(source string, h WebhookHandler, v Verifier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes[source] = webhookRoute{handler: h, verifier: v}
}

// Unregister removes the route for source.
func (d *WebhookDispatcher) Unregister(source string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.routes, source)
}

func (d *WebhookDispatcher) lookup(source string) (webhookRoute, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	route, ok := d.routes[source]
	if ok && route.verifier == nil {
		if secret := d.secrets[source]; secret != "" {
			route.verifier = HMACSignature(secret)
		}
	}
	return route, ok
}

// ServeHTTP implements http.Handler.
func (d *WebhookDispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	route, ok := d.lookup(source)
	if !ok {
		d.logger.Warn("gateway: webhook for unregistered source", "source", source)
		http.Error(w, "unknown webhook source", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if route.verifier != nil && !route.verifier.Verify(body, r.Header) {
		d.logger.Warn("gateway: webhook verification failed", "source", source, "remote_addr", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if err := route.handler.HandleWebhook(r.Context(), source, body, r.Header); err != nil {
		if errors.Is(err, ErrBadPayload) {
			d.logger.Warn("gateway: webhook payload rejected", "source", source, "error", err)
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		d.logger.Error("gateway: webhook handler failed", "source", source, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
