package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Sentinel errors for remote operations.
var (
	// ErrAuthTimeout indicates an interactive login was not confirmed
	// before the retry budget was exhausted.
	ErrAuthTimeout = errors.New("remote: authentication timed out")

	// ErrAuthInvalidated indicates the stored authorization was revoked.
	// It is terminal for the session until the user authenticates again.
	ErrAuthInvalidated = errors.New("remote: authorization invalidated")

	// ErrTransientNetwork indicates a retryable connectivity failure.
	ErrTransientNetwork = errors.New("remote: transient network error")

	// ErrPermanentDelivery indicates the destination is gone or forbidden.
	// Sends that fail with it must not be retried.
	ErrPermanentDelivery = errors.New("remote: permanent delivery error")

	// ErrUnsupported indicates the transport cannot perform the operation.
	ErrUnsupported = errors.New("remote: operation not supported by transport")

	// ErrNotConnected indicates an operation was attempted without a live
	// connection.
	ErrNotConnected = errors.New("remote: not connected")
)

// RateLimitedError is a flood-wait response carrying the server-mandated
// delay before the next attempt.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("remote: rate limited, retry after %s", e.RetryAfter)
}

// Class groups errors by how callers must react to them.
type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassRateLimited
	ClassPermanent
	ClassAuthInvalidated
	ClassCanceled
)

// String returns a label suitable for metrics and logs.
func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassRateLimited:
		return "rate_limited"
	case ClassPermanent:
		return "permanent"
	case ClassAuthInvalidated:
		return "auth_invalidated"
	case ClassCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Classify maps err onto the retry taxonomy. Unrecognized errors are
// treated as transient; callers bound their retries.
func Classify(err error) Class {
	var rl *RateLimitedError
	var netErr net.Error
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case errors.As(err, &rl):
		return ClassRateLimited
	case errors.Is(err, ErrAuthInvalidated):
		return ClassAuthInvalidated
	case errors.Is(err, ErrPermanentDelivery), errors.Is(err, ErrUnsupported):
		return ClassPermanent
	case errors.Is(err, ErrTransientNetwork),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr):
		return ClassTransient
	default:
		return ClassTransient
	}
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	c := Classify(err)
	return c == ClassTransient || c == ClassRateLimited
}

// RetryAfter returns the server-mandated delay carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
