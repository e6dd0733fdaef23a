// Package eventstest provides test doubles for the events package.
package eventstest

import (
	"context"
	"sync"

	"github.com/flemzord/smartfolders/internal/events"
)

// Published is one recorded Publish call.
type Published struct {
	Topic string
	Event any
}

// Recorder is a Publisher that keeps every event in memory. It is safe for
// concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Published
	closed bool
}

// Publish implements events.Publisher.
func (r *Recorder) Publish(_ context.Context, topic string, event any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Published{Topic: topic, Event: event})
	return nil
}

// Close implements events.Publisher.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Events returns the payloads published on topic, in order.
func (r *Recorder) Events(topic string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, p := range r.events {
		if p.Topic == topic {
			out = append(out, p.Event)
		}
	}
	return out
}

// Count returns how many events were published on topic.
func (r *Recorder) Count(topic string) int {
	return len(r.Events(topic))
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

var _ events.Publisher = (*Recorder)(nil)
