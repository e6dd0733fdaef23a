// Package relay forwards channel posts into folder destinations. Each
// (user, source) pair is served by its own lane so posts from one source
// reach every destination in arrival order, while different sources and
// users proceed in parallel.
package relay

import "errors"

// Sentinel errors for relay operations.
var (
	// ErrQueueFull indicates a lane was at capacity under the Reject
	// overflow policy and the update was not accepted.
	ErrQueueFull = errors.New("relay: queue full")

	// ErrStopped indicates the pipeline has been shut down.
	ErrStopped = errors.New("relay: stopped")
)
