package security

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a user exceeds the command rate limit.
var ErrRateLimited = errors.New("security: command rate limit exceeded")

// Default command budget.
const (
	DefaultCommandsPerWindow = 30
	DefaultCommandWindow     = time.Minute
)

// CommandLimiter bounds how many control commands each user may issue per
// sliding window.
type CommandLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	users  map[int64][]time.Time
	now    func() time.Time
}

// NewCommandLimiter creates a limiter allowing limit commands per window.
// Non-positive arguments select the defaults.
func NewCommandLimiter(limit int, window time.Duration) *CommandLimiter {
	if limit <= 0 {
		limit = DefaultCommandsPerWindow
	}
	if window <= 0 {
		window = DefaultCommandWindow
	}
	return &CommandLimiter{
		limit:  limit,
		window: window,
		users:  make(map[int64][]time.Time),
		now:    time.Now,
	}
}

// Allow records one command for userID, or returns ErrRateLimited when the
// window is full. Denied commands do not count against the window.
func (l *CommandLimiter) Allow(userID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	events := evict(l.users[userID], now.Add(-l.window))
	if len(events) >= l.limit {
		l.users[userID] = events
		return ErrRateLimited
	}
	l.users[userID] = append(events, now)
	return nil
}

// Remaining returns how many commands userID may still issue right now.
func (l *CommandLimiter) Remaining(userID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	events := evict(l.users[userID], l.now().Add(-l.window))
	l.users[userID] = events
	return max(l.limit-len(events), 0)
}

// Prune drops users with no commands inside the window.
func (l *CommandLimiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)
	removed := 0
	for id, events := range l.users {
		if len(evict(events, cutoff)) == 0 {
			delete(l.users, id)
			removed++
		}
	}
	return removed
}

// evict drops timestamps before cutoff; events are chronological.
func evict(events []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(events) && events[i].Before(cutoff) {
		i++
	}
	return events[i:]
}
