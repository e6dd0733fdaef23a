package relay

import (
	"context"
	"sync"
	"time"

	"github.com/flemzord/smartfolders/internal/remote"
)

// laneKey identifies one source of one user.
type laneKey struct {
	user   int64
	source int64
}

type job struct {
	msg      remote.Message
	received time.Time
}

// lane is a bounded FIFO drained by a single goroutine. The queue is
// guarded by mu; wake carries at most one pending signal.
type lane struct {
	key    laneKey
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	mu       sync.Mutex
	queue    []job
	busy     bool
	lastUsed time.Time
}

func newLane(parent context.Context, key laneKey, now time.Time) *lane {
	ctx, cancel := context.WithCancel(parent)
	return &lane{
		key:      key,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
		lastUsed: now,
	}
}

// push appends j. When the lane already holds limit jobs, dropOldest
// decides between evicting the head and refusing j; the evicted job, if
// any, is returned.
func (l *lane) push(j job, limit int, dropOldest bool, now time.Time) (evicted *job, ok bool) {
	l.mu.Lock()
	if len(l.queue) >= limit {
		if !dropOldest {
			l.mu.Unlock()
			return nil, false
		}
		head := l.queue[0]
		l.queue[0] = job{}
		l.queue = l.queue[1:]
		evicted = &head
	}
	l.queue = append(l.queue, j)
	l.lastUsed = now
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return evicted, true
}

// next blocks until a job is queued or the lane is canceled. A canceled
// lane hands out nothing, so jobs still queued are left for discard.
func (l *lane) next() (job, bool) {
	for {
		l.mu.Lock()
		if l.ctx.Err() != nil {
			l.busy = false
			l.mu.Unlock()
			return job{}, false
		}
		if len(l.queue) > 0 {
			j := l.queue[0]
			l.queue[0] = job{}
			l.queue = l.queue[1:]
			l.busy = true
			l.mu.Unlock()
			return j, true
		}
		l.busy = false
		l.mu.Unlock()

		select {
		case <-l.ctx.Done():
			return job{}, false
		case <-l.wake:
		}
	}
}

func (l *lane) finish(now time.Time) {
	l.mu.Lock()
	l.busy = false
	l.lastUsed = now
	l.mu.Unlock()
}

// discard empties the queue and returns how many jobs were dropped.
func (l *lane) discard() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.queue)
	l.queue = nil
	return n
}

// idleSince reports whether the lane has no work and was last used
// before cutoff.
func (l *lane) idleSince(cutoff time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue) == 0 && !l.busy && l.lastUsed.Before(cutoff)
}
