// Package ratelimit paces sends per destination so no two sends to the same
// destination are closer together than a configured interval.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket of burst 1 per destination. All methods are
// non-blocking.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	buckets  map[int64]*bucket

	now func() time.Time
}

type bucket struct {
	lim          *rate.Limiter
	blockedUntil time.Time
	lastUsed     time.Time
}

// New creates a limiter enforcing interval between sends to one destination.
// A zero interval disables pacing.
func New(interval time.Duration) *Limiter {
	return &Limiter{
		interval: interval,
		buckets:  make(map[int64]*bucket),
		now:      time.Now,
	}
}

func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

// bucketLocked must be called with mu held.
func (l *Limiter) bucketLocked(destination int64) *bucket {
	b, ok := l.buckets[destination]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(limitFor(l.interval), 1)}
		l.buckets[destination] = b
	}
	return b
}

// TryAcquire consumes the destination's token if one is available now.
func (l *Limiter) TryAcquire(destination int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.bucketLocked(destination)
	if now.Before(b.blockedUntil) {
		return false
	}
	if !b.lim.AllowN(now, 1) {
		return false
	}
	b.lastUsed = now
	return true
}

// Delay returns how long until TryAcquire can succeed for destination.
func (l *Limiter) Delay(destination int64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.bucketLocked(destination)
	var wait time.Duration
	if now.Before(b.blockedUntil) {
		wait = b.blockedUntil.Sub(now)
	}
	if l.interval > 0 {
		if missing := 1 - b.lim.TokensAt(now); missing > 0 {
			refill := time.Duration(missing * float64(l.interval))
			wait = max(wait, refill)
		}
	}
	return wait
}

// Block pauses a destination for d, typically the delay mandated by a
// flood-wait response. A shorter block never shortens an existing one.
func (l *Limiter) Block(destination int64, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketLocked(destination)
	until := l.now().Add(d)
	if until.After(b.blockedUntil) {
		b.blockedUntil = until
	}
}

// SetInterval changes the pacing interval for every destination.
func (l *Limiter) SetInterval(interval time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.interval = interval
	now := l.now()
	for _, b := range l.buckets {
		b.lim.SetLimitAt(now, limitFor(interval))
	}
}

// Interval returns the current pacing interval.
func (l *Limiter) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

// Forget drops the state for a destination.
func (l *Limiter) Forget(destination int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, destination)
}

// Prune drops destinations idle for longer than idle and returns how many
// were removed. Blocked destinations are kept until the block expires.
func (l *Limiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for dest, b := range l.buckets {
		if now.Before(b.blockedUntil) {
			continue
		}
		if now.Sub(b.lastUsed) > idle {
			delete(l.buckets, dest)
			n++
		}
	}
	return n
}

// Len returns the number of tracked destinations.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
