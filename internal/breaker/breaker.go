// Package breaker implements the per-session circuit breaker that gates
// reconnect attempts.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	Closed   State = iota
	Open           // attempts blocked until the cooldown deadline
	HalfOpen       // a single probe is allowed
)

// String returns a human-readable label for the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls breaker thresholds and cooldowns.
type Config struct {
	// Threshold is the number of consecutive failures that opens the
	// breaker. Default: 5.
	Threshold int `yaml:"threshold"`

	// Cooldown is how long the breaker stays open before a probe is
	// allowed. Default: 5m.
	Cooldown time.Duration `yaml:"cooldown"`

	// MaxCooldown caps cooldown growth after failed probes. Default: 30m.
	MaxCooldown time.Duration `yaml:"max_cooldown"`

	// Growth multiplies the cooldown each time a probe fails. A value of 1
	// keeps the cooldown constant. Default: 2.
	Growth float64 `yaml:"growth"`
}

// Defaults fills zero-value fields.
func (c *Config) Defaults() {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Minute
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = 30 * time.Minute
		if c.MaxCooldown < c.Cooldown {
			c.MaxCooldown = c.Cooldown
		}
	}
	if c.Growth < 1 {
		c.Growth = 2
	}
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	State          State     `json:"-"`
	StateName      string    `json:"state"`
	Failures       int       `json:"failures"`
	LastTransition time.Time `json:"last_transition"`
	RetryAt        time.Time `json:"retry_at,omitzero"`
}

// Breaker is a failure-counting gate. Timer transitions are evaluated lazily
// against a deadline when Allow is called, so no goroutine is needed per
// instance.
type Breaker struct {
	cfg Config

	// onStateChange is called outside the lock on every transition.
	onStateChange func(from, to State)

	mu             sync.Mutex
	state          State
	failures       int
	cooldown       time.Duration
	openUntil      time.Time
	probing        bool
	lastTransition time.Time

	now func() time.Time
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a transition callback.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onStateChange = fn }
}

// New creates a closed breaker.
func New(cfg Config, opts ...Option) *Breaker {
	cfg.Defaults()
	b := &Breaker{
		cfg:      cfg,
		state:    Closed,
		cooldown: cfg.Cooldown,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastTransition = b.now()
	return b
}

// Allow reports whether an attempt may be issued now. An open breaker whose
// cooldown has elapsed moves to HalfOpen and grants exactly one probe; further
// calls return false until the probe outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var from State
	changed := false
	allowed := false

	switch b.state {
	case Closed:
		allowed = true
	case Open:
		if !b.now().Before(b.openUntil) {
			from, changed = b.state, true
			b.transition(HalfOpen)
			b.probing = true
			allowed = true
		}
	case HalfOpen:
		if !b.probing {
			b.probing = true
			allowed = true
		}
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, HalfOpen)
	}
	return allowed
}

// RecordSuccess closes the breaker and resets the failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	prev := b.state
	b.failures = 0
	b.probing = false
	b.cooldown = b.cfg.Cooldown
	if prev != Closed {
		b.transition(Closed)
	}
	b.mu.Unlock()

	if prev != Closed {
		b.notify(prev, Closed)
	}
}

// RecordFailure counts a failed attempt. A failed probe reopens the breaker
// with a grown cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	prev := b.state
	b.failures++

	switch b.state {
	case Closed:
		if b.failures >= b.cfg.Threshold {
			b.cooldown = b.cfg.Cooldown
			b.open()
		}
	case HalfOpen:
		b.probing = false
		grown := time.Duration(float64(b.cooldown) * b.cfg.Growth)
		b.cooldown = min(grown, b.cfg.MaxCooldown)
		b.open()
	}
	next := b.state
	b.mu.Unlock()

	if prev != next {
		b.notify(prev, next)
	}
}

// Abort hands back an attempt granted by Allow that ended without an
// outcome, such as a connect cut short by shutdown. An abandoned HalfOpen
// attempt returns the breaker to Open with its deadline already passed, so
// the next Allow grants a fresh one. The failure count is unchanged.
func (b *Breaker) Abort() {
	b.mu.Lock()
	if b.state != HalfOpen || !b.probing {
		b.mu.Unlock()
		return
	}
	b.probing = false
	b.openUntil = b.now()
	b.transition(Open)
	b.mu.Unlock()

	b.notify(HalfOpen, Open)
}

// Reset closes the breaker and forgets its history.
func (b *Breaker) Reset() {
	b.mu.Lock()
	prev := b.state
	b.failures = 0
	b.probing = false
	b.cooldown = b.cfg.Cooldown
	b.openUntil = time.Time{}
	if prev != Closed {
		b.transition(Closed)
	}
	b.mu.Unlock()

	if prev != Closed {
		b.notify(prev, Closed)
	}
}

// State returns the stored state. An Open breaker past its deadline reports
// Open until the next Allow call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// RetryIn returns how long until a probe is permitted. Zero when the breaker
// is not open or the cooldown has already elapsed.
func (b *Breaker) RetryIn() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Open {
		return 0
	}
	return max(b.openUntil.Sub(b.now()), 0)
}

// Snapshot returns a consistent view for status reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Snapshot{
		State:          b.state,
		StateName:      b.state.String(),
		Failures:       b.failures,
		LastTransition: b.lastTransition,
	}
	if b.state == Open {
		s.RetryAt = b.openUntil
	}
	return s
}

// open must be called with mu held.
func (b *Breaker) open() {
	b.openUntil = b.now().Add(b.cooldown)
	b.transition(Open)
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	b.state = to
	b.lastTransition = b.now()
}

func (b *Breaker) notify(from, to State) {
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}
