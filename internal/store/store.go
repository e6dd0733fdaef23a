// Package store provides persistence for folder definitions and session
// blobs. Every write replaces the previous record atomically.
package store

import (
	"errors"
	"fmt"
)

// ServiceName is the key under which a durable backend module registers
// itself for the host application.
const ServiceName = "store.backend"

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates no record exists for the requested user.
	ErrNotFound = errors.New("store: not found")

	// ErrPersistence indicates a write did not reach durable storage. The
	// operation that triggered it must not be acknowledged as successful.
	ErrPersistence = errors.New("store: persistence failed")
)

// persistenceError wraps cause so it matches both ErrPersistence and cause.
func persistenceError(op string, cause error) error {
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, cause)
}
