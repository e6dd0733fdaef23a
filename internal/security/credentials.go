// Package security provides runtime credential storage, log redaction,
// session blob sealing, control command rate limiting, and the auth audit
// log.
package security

import (
	"slices"
	"sync"
)

// ServiceCredentials is the app service key of the shared CredentialStore.
const ServiceCredentials = "security.credentials"

// Well-known credential names.
const (
	CredBotToken      = "telegram.bot_token"
	CredWebhookSecret = "telegram.webhook_secret"
	CredEncryptionKey = "relay.encryption_key"
	CredGatewayToken  = "gateway.bearer_token"
	CredGatewayPass   = "gateway.basic_pass"
)

// CredentialStore holds the secrets the process loaded from configuration.
// Watchers see the full value set after every change, which is how the
// redactor keeps them out of logs.
type CredentialStore struct {
	mu       sync.Mutex
	creds    map[string]string
	watchers []func(values []string)
}

// NewCredentialStore creates an empty credential store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{creds: make(map[string]string)}
}

// Set stores a credential under name. Empty values are ignored, as is a
// value equal to the one already stored.
func (s *CredentialStore) Set(name, value string) {
	if value == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds[name] != value {
		s.creds[name] = value
		s.notifyLocked()
	}
}

// Delete removes a credential. Unknown names are a no-op.
func (s *CredentialStore) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[name]; ok {
		delete(s.creds, name)
		s.notifyLocked()
	}
}

// Watch registers fn and calls it at once with the current values. Watchers
// run under the store lock, in change order, and must not call back into
// the store.
func (s *CredentialStore) Watch(fn func(values []string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
	fn(s.valuesLocked())
}

func (s *CredentialStore) notifyLocked() {
	values := s.valuesLocked()
	for _, fn := range s.watchers {
		fn(values)
	}
}

func (s *CredentialStore) valuesLocked() []string {
	values := make([]string, 0, len(s.creds))
	for _, v := range s.creds {
		values = append(values, v)
	}
	return values
}

// SetAll stores every non-empty pair of secrets, keyed by credential name.
// A nil store is a no-op so modules run without one in tests.
func (s *CredentialStore) SetAll(secrets map[string]string) {
	if s == nil {
		return
	}
	for name, value := range secrets {
		s.Set(name, value)
	}
}

// Get returns the credential value and true, or "" and false if not found.
func (s *CredentialStore) Get(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.creds[name]
	return v, ok
}

// Names returns the sorted credential names.
func (s *CredentialStore) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.creds))
	for name := range s.creds {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Values returns all credential values in no particular order.
func (s *CredentialStore) Values() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valuesLocked()
}

// Len returns the number of stored credentials.
func (s *CredentialStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.creds)
}
