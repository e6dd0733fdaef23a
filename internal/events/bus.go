package events

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const subscriberBuffer = 64

// Bus fans events out to in-process subscribers and forwards them to an
// optional downstream Publisher. Delivery to subscribers is asynchronous;
// a subscriber that falls behind loses events rather than blocking
// publishers.
type Bus struct {
	forward Publisher
	logger  *slog.Logger

	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool

	now func() time.Time
}

type subscriber struct {
	prefix string
	ch     chan Envelope
	done   chan struct{}
}

// NewBus creates a bus. forward may be nil.
func NewBus(forward Publisher, logger *slog.Logger) *Bus {
	if forward == nil {
		forward = &NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		forward: forward,
		logger:  logger,
		subs:    make(map[int]*subscriber),
		now:     time.Now,
	}
}

// Subscribe calls fn for every event whose topic starts with prefix. fn runs
// on a dedicated goroutine, one event at a time. The returned function
// unsubscribes and waits for fn to return.
func (b *Bus) Subscribe(prefix string, fn func(Envelope)) func() {
	s := &subscriber{
		prefix: prefix,
		ch:     make(chan Envelope, subscriberBuffer),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.closed {
		b.mu.Unlock()
		close(s.done)
		return func() {}
	}
	b.subs[id] = s
	b.mu.Unlock()

	go func() {
		defer close(s.done)
		for env := range s.ch {
			fn(env)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
			b.mu.Unlock()
			<-s.done
		})
	}
}

// Publish implements Publisher. The downstream error, if any, is returned
// after local delivery.
func (b *Bus) Publish(ctx context.Context, topic string, event any) error {
	env := Envelope{
		ID:      uuid.NewString(),
		Topic:   topic,
		Time:    b.now(),
		Payload: event,
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil
	}
	for _, s := range b.subs {
		if !strings.HasPrefix(topic, s.prefix) {
			continue
		}
		select {
		case s.ch <- env:
		default:
			b.logger.Warn("events: subscriber lagging, event dropped", "topic", topic)
		}
	}
	b.mu.RUnlock()

	if err := b.forward.Publish(ctx, topic, env); err != nil {
		b.logger.Warn("events: forward failed", "topic", topic, "error", err)
		return err
	}
	return nil
}

// Close stops every subscriber and closes the downstream publisher.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	for _, s := range subs {
		close(s.ch)
	}
	b.mu.Unlock()

	for _, s := range subs {
		<-s.done
	}
	return b.forward.Close()
}
