// Package events carries engine notifications to in-process subscribers
// (the control bot) and, optionally, to a NATS server for other processes.
package events

import (
	"context"
	"time"
)

// Event topics.
const (
	TopicForwardFailed      = "smartfolders.forward.failed"
	TopicSessionState       = "smartfolders.session.state"
	TopicSessionInvalidated = "smartfolders.session.invalidated"
	TopicBreakerTransition  = "smartfolders.breaker.transition"
	TopicFolderCreated      = "smartfolders.folder.created"
	TopicFolderDeleted      = "smartfolders.folder.deleted"
	TopicDestinationCreated = "smartfolders.destination.created"
)

// ForwardFailed is emitted once per message dropped on a permanent error or
// an exhausted retry budget.
type ForwardFailed struct {
	UserID      int64  `json:"user_id"`
	FolderID    string `json:"folder_id"`
	FolderName  string `json:"folder_name"`
	Source      int64  `json:"source"`
	Destination int64  `json:"destination"`
	MessageID   int64  `json:"message_id"`
	Class       string `json:"class"`
	Error       string `json:"error"`
}

// SessionState is emitted on auth or connection state changes.
type SessionState struct {
	UserID     int64  `json:"user_id"`
	Auth       string `json:"auth"`
	Connection string `json:"connection"`
	Error      string `json:"error,omitempty"`
}

// SessionInvalidated is emitted when stored authorization is revoked.
type SessionInvalidated struct {
	UserID int64  `json:"user_id"`
	Error  string `json:"error"`
}

// BreakerTransition is emitted on every circuit breaker state change.
type BreakerTransition struct {
	UserID int64  `json:"user_id"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// FolderChanged is emitted when a folder is created or deleted.
type FolderChanged struct {
	UserID   int64   `json:"user_id"`
	FolderID string  `json:"folder_id"`
	Name     string  `json:"name"`
	Sources  []int64 `json:"sources,omitempty"`
}

// DestinationCreated is emitted when a folder's aggregation channel is
// created.
type DestinationCreated struct {
	UserID      int64  `json:"user_id"`
	FolderID    string `json:"folder_id"`
	Destination int64  `json:"destination"`
}

// Envelope wraps a payload with routing metadata.
type Envelope struct {
	ID      string    `json:"id"`
	Topic   string    `json:"topic"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// Publisher is the interface for emitting events.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}
