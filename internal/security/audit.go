package security

import (
	"encoding/json"
	"io"
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// EventType categorizes audit events.
type EventType string

// Audit event types for authentication and control actions.
const (
	EventLoginStarted  EventType = "login_started"
	EventLoginSuccess  EventType = "login_success"
	EventLoginFailure  EventType = "login_failure"
	EventLogout        EventType = "logout"
	EventInvalidated   EventType = "session_invalidated"
	EventExpired       EventType = "session_expired"
	EventCommandDenied EventType = "command_denied"
	EventRateLimit     EventType = "rate_limit"
	EventConfigReload  EventType = "config_reload"
	EventAuthSuccess   EventType = "auth_success"
	EventAuthFailure   EventType = "auth_failure"
)

// AuditEvent is a single audit log entry.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	UserID    int64             `json:"user_id,omitempty"`
	Method    string            `json:"method,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AuditLoggerConfig configures the audit logger.
type AuditLoggerConfig struct {
	// Writer receives JSONL output. If nil, events only reach OnEvent.
	Writer io.Writer

	// Redactor, if non-nil, is applied to Detail and Metadata values.
	Redactor *Redactor

	// OnEvent, if non-nil, is called for every event.
	OnEvent func(AuditEvent)

	// Keep is how many recent events Recent can return. Zero keeps none.
	Keep int

	Now func() time.Time
}

// AuditLogger writes audit events as JSONL with optional redaction. A nil
// *AuditLogger discards events.
type AuditLogger struct {
	writer   io.Writer
	redactor *Redactor
	onEvent  func(AuditEvent)
	now      func() time.Time

	mu     sync.Mutex
	recent []AuditEvent // ring of the last cap(recent) events
	next   int

	writeErrors atomic.Int64
}

// NewAuditLogger creates an audit logger.
func NewAuditLogger(cfg AuditLoggerConfig) *AuditLogger {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &AuditLogger{
		writer:   cfg.Writer,
		redactor: cfg.Redactor,
		onEvent:  cfg.OnEvent,
		now:      now,
		recent:   make([]AuditEvent, 0, max(cfg.Keep, 0)),
	}
}

// Log stamps and writes event. The caller's Metadata map is not modified.
func (l *AuditLogger) Log(event AuditEvent) {
	if l == nil {
		return
	}
	event.Timestamp = l.now()
	if len(event.Metadata) > 0 {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if l.redactor != nil {
		event.Detail = l.redactor.Redact(event.Detail)
		for k, v := range event.Metadata {
			event.Metadata[k] = l.redactor.Redact(v)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.onEvent != nil {
		l.onEvent(event)
	}
	if c := cap(l.recent); c > 0 {
		if len(l.recent) < c {
			l.recent = append(l.recent, event)
		} else {
			l.recent[l.next] = event
		}
		l.next = (l.next + 1) % c
	}
	if l.writer != nil {
		if err := json.NewEncoder(l.writer).Encode(event); err != nil {
			l.writeErrors.Add(1)
		}
	}
}

// WriteErrors returns how many events failed to reach the writer.
func (l *AuditLogger) WriteErrors() int64 {
	if l == nil {
		return 0
	}
	return l.writeErrors.Load()
}

// Recent returns up to limit of the kept events, newest first. A limit of
// zero or less returns all of them.
func (l *AuditLogger) Recent(limit int) []AuditEvent {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.recent)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]AuditEvent, 0, limit)
	for i := range limit {
		// next-1 is the newest slot whether or not the ring has wrapped.
		out = append(out, l.recent[(l.next-1-i+2*n)%n])
	}
	return out
}
