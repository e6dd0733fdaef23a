// Package session owns one remote connection per user: the login state
// machine, sealed session persistence, and a supervised reconnect loop
// gated by a per-user circuit breaker.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/flemzord/smartfolders/internal/breaker"
	"github.com/flemzord/smartfolders/internal/events"
	"github.com/flemzord/smartfolders/internal/metrics"
	"github.com/flemzord/smartfolders/internal/remote"
	"github.com/flemzord/smartfolders/internal/security"
	"github.com/flemzord/smartfolders/internal/store"
)

// BlobStore persists sealed session blobs keyed by user id. LoadBlob
// returns store.ErrNotFound when the user has none.
type BlobStore interface {
	LoadBlob(ctx context.Context, userID int64) ([]byte, error)
	SaveBlob(ctx context.Context, userID int64, blob []byte) error
	DeleteBlob(ctx context.Context, userID int64) error
	BlobUsers(ctx context.Context) ([]int64, error)
}

// ReconnectConfig shapes the backoff between reconnect attempts.
type ReconnectConfig struct {
	Base   time.Duration `yaml:"base"`
	Cap    time.Duration `yaml:"cap"`
	Jitter float64       `yaml:"jitter"`
}

// Defaults fills zero-value fields.
func (c *ReconnectConfig) Defaults() {
	if c.Base <= 0 {
		c.Base = time.Second
	}
	if c.Cap < c.Base {
		c.Cap = 5 * time.Minute
		if c.Cap < c.Base {
			c.Cap = c.Base
		}
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = 0.2
	}
}

// AuthConfig bounds the interactive QR login.
type AuthConfig struct {
	QRTimeout time.Duration `yaml:"qr_timeout"`
	QRRetries int           `yaml:"qr_retries"`
}

// Defaults fills zero-value fields.
func (c *AuthConfig) Defaults() {
	if c.QRTimeout <= 0 {
		c.QRTimeout = time.Minute
	}
	if c.QRRetries <= 0 {
		c.QRRetries = 3
	}
}

// Config configures a Manager.
type Config struct {
	Dialer remote.Dialer
	Store  BlobStore

	// Sealer protects blobs at rest. Defaults to security.PlainSealer.
	Sealer security.Sealer

	Breaker   breaker.Config
	Reconnect ReconnectConfig
	Auth      AuthConfig

	// CallTimeout bounds every individual remote call. Default: 30s.
	CallTimeout time.Duration

	// Handler receives every update of every connected session.
	Handler func(userID int64, u remote.Update)

	// OnShutdown is called when a user's session stops so that queued
	// work for the user can be discarded.
	OnShutdown func(userID int64)

	Metrics metrics.Sink
	Events  events.Publisher
	Audit   *security.AuditLogger
	Logger  *slog.Logger
}

type record struct {
	userID  int64
	breaker *breaker.Breaker

	mu         sync.Mutex
	auth       AuthState
	conn       ConnState
	client     remote.Client
	lastErr    error
	lastActive time.Time
	suppressed int
	method     string
	busy       bool
	cancel     context.CancelFunc
	done       chan struct{}
}

// Manager is the table of user sessions. Each authenticated session is
// driven by its own supervisor goroutine; cross-session access goes
// through the table.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	metrics metrics.Sink
	events  events.Publisher
	audit   *security.AuditLogger
	sealer  security.Sealer

	mu      sync.RWMutex
	records map[int64]*record

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewManager creates an empty session table.
func NewManager(cfg Config) *Manager {
	cfg.Breaker.Defaults()
	cfg.Reconnect.Defaults()
	cfg.Auth.Defaults()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.Sealer == nil {
		cfg.Sealer = security.PlainSealer{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}
	if cfg.Events == nil {
		cfg.Events = &events.NoopPublisher{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "sessions"),
		metrics: cfg.Metrics,
		events:  cfg.Events,
		audit:   cfg.Audit,
		sealer:  cfg.Sealer,
		records: make(map[int64]*record),
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Restore reconnects every user with a stored session blob. Blobs that
// cannot be opened are skipped and reported; the count of restored
// sessions is returned.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	users, err := m.cfg.Store.BlobUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("session: list stored sessions: %w", err)
	}
	restored := 0
	for _, id := range users {
		if err := m.resume(ctx, id, true); err != nil {
			m.logger.Error("session: restore failed", "user", id, "error", err)
			continue
		}
		restored++
	}
	m.logger.Info("session: restored sessions", "count", restored, "stored", len(users))
	m.observe()
	return restored, nil
}

// Resume restarts the supervisor of an authenticated session that was shut
// down. It is a no-op when the session is already running.
func (m *Manager) Resume(ctx context.Context, userID int64) error {
	return m.resume(ctx, userID, false)
}

func (m *Manager) resume(ctx context.Context, userID int64, restoring bool) error {
	rec, ok := m.lookup(userID)
	if ok {
		rec.mu.Lock()
		running := rec.cancel != nil
		auth := rec.auth
		rec.mu.Unlock()
		if running {
			return nil
		}
		if auth != Authenticated {
			return ErrNotAuthenticated
		}
	} else if !restoring {
		return ErrNotAuthenticated
	}

	sealed, err := m.cfg.Store.LoadBlob(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotAuthenticated
	}
	if err != nil {
		return fmt.Errorf("session: load session: %w", err)
	}
	blob, err := m.sealer.Open(sealed)
	if err != nil {
		return fmt.Errorf("session: open session: %w", err)
	}
	client, err := m.cfg.Dialer.Dial(ctx, userID, blob)
	if err != nil {
		return fmt.Errorf("session: dial: %w", err)
	}

	rec = m.ensure(userID)
	rec.mu.Lock()
	if rec.cancel != nil {
		rec.mu.Unlock()
		return nil
	}
	rec.auth = Authenticated
	if rec.lastActive.IsZero() || !restoring {
		rec.lastActive = m.now()
	}
	rec.mu.Unlock()

	m.startSupervisor(rec, client, false)
	return nil
}

// Connection returns the user's connection. Authenticated sessions that
// are reconnecting report StatusPending.
func (m *Manager) Connection(userID int64) Connection {
	rec, ok := m.lookup(userID)
	if !ok {
		return Connection{Status: StatusFailed, Auth: Unauthenticated, Err: ErrUnknownUser}
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	c := Connection{Auth: rec.auth, State: rec.conn, Err: rec.lastErr}
	switch {
	case rec.auth == Authenticated && rec.conn == Connected:
		c.Status = StatusConnected
		c.Client = rec.client
		c.Err = nil
	case rec.auth == Authenticated && rec.cancel != nil, rec.auth.Pending():
		c.Status = StatusPending
	default:
		c.Status = StatusFailed
		if c.Err == nil {
			c.Err = ErrNotAuthenticated
		}
	}
	return c
}

// State returns the user's auth state.
func (m *Manager) State(userID int64) AuthState {
	rec, ok := m.lookup(userID)
	if !ok {
		return Unauthenticated
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.auth
}

// Touch records user activity.
func (m *Manager) Touch(userID int64) {
	if rec, ok := m.lookup(userID); ok {
		m.touch(rec)
	}
}

func (m *Manager) touch(rec *record) {
	rec.mu.Lock()
	rec.lastActive = m.now()
	rec.mu.Unlock()
}

// Shutdown cancels the user's supervisor, including any in-flight
// reconnect, closes the connection and discards the user's queued work.
// The stored session survives; Resume reconnects.
func (m *Manager) Shutdown(userID int64) {
	rec, ok := m.lookup(userID)
	if !ok {
		return
	}
	m.stopSupervisor(rec)
	if m.cfg.OnShutdown != nil {
		m.cfg.OnShutdown(userID)
	}
	m.logger.Info("session: shut down", "user", userID)
	m.publishState(rec)
	m.observe()
}

// Logout shuts the session down, wipes the stored blob and forgets the
// user.
func (m *Manager) Logout(ctx context.Context, userID int64) error {
	rec, ok := m.lookup(userID)
	if !ok {
		return ErrUnknownUser
	}
	m.Shutdown(userID)

	rec.mu.Lock()
	pending := rec.client
	rec.client = nil
	rec.auth = Unauthenticated
	rec.mu.Unlock()
	if pending != nil {
		_ = pending.Disconnect()
	}

	if err := m.cfg.Store.DeleteBlob(ctx, userID); err != nil {
		return fmt.Errorf("session: wipe session: %w", err)
	}
	m.mu.Lock()
	delete(m.records, userID)
	m.mu.Unlock()

	m.audit.Log(security.AuditEvent{Type: security.EventLogout, UserID: userID})
	m.logger.Info("session: logged out", "user", userID)
	m.publish(events.TopicSessionState, events.SessionState{
		UserID: userID, Auth: Unauthenticated.String(), Connection: Disconnected.String(),
	})
	m.observe()
	return nil
}

// Stop shuts every session down and waits for supervisors to exit or ctx
// to end.
func (m *Manager) Stop(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("session: stop: %w", ctx.Err())
	}

	m.mu.RLock()
	recs := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()
	for _, rec := range recs {
		rec.mu.Lock()
		client := rec.client
		rec.conn = Disconnected
		rec.mu.Unlock()
		if client != nil {
			_ = client.Disconnect()
		}
	}
	m.observe()
	return nil
}

// ExpireIdle shuts down authenticated sessions with no activity for
// maxIdle and returns how many were stopped.
func (m *Manager) ExpireIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := m.now().Add(-maxIdle)
	var idle []int64
	for _, rec := range m.snapshot() {
		rec.mu.Lock()
		if rec.auth == Authenticated && rec.cancel != nil && rec.lastActive.Before(cutoff) {
			idle = append(idle, rec.userID)
		}
		rec.mu.Unlock()
	}
	for _, id := range idle {
		m.Shutdown(id)
		m.audit.Log(security.AuditEvent{Type: security.EventExpired, UserID: id})
		m.logger.Info("session: expired after inactivity", "user", id, "max_idle", maxIdle)
	}
	return len(idle)
}

// Stats counts sessions by state.
type Stats struct {
	Sessions      int `json:"sessions"`
	Authenticated int `json:"authenticated"`
	Connected     int `json:"connected"`
	Suppressed    int `json:"suppressed"`
}

// CheckConnections refreshes the session gauges and returns the counts.
func (m *Manager) CheckConnections() Stats {
	s := m.observe()
	if s.Authenticated > s.Connected {
		m.logger.Debug("session: connection check", "authenticated", s.Authenticated,
			"connected", s.Connected, "suppressed", s.Suppressed)
	}
	return s
}

// Info describes one session for status endpoints.
type Info struct {
	UserID       int64            `json:"user_id"`
	Auth         string           `json:"auth"`
	Connection   string           `json:"connection"`
	Method       string           `json:"method,omitempty"`
	LastActivity time.Time        `json:"last_activity,omitzero"`
	Suppressed   int              `json:"suppressed_attempts"`
	Breaker      breaker.Snapshot `json:"breaker"`
	LastError    string           `json:"last_error,omitempty"`
}

// Sessions lists every session ordered by user id.
func (m *Manager) Sessions() []Info {
	recs := m.snapshot()
	out := make([]Info, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		info := Info{
			UserID:       rec.userID,
			Auth:         rec.auth.String(),
			Connection:   rec.conn.String(),
			Method:       rec.method,
			LastActivity: rec.lastActive,
			Suppressed:   rec.suppressed,
		}
		if rec.lastErr != nil {
			info.LastError = rec.lastErr.Error()
		}
		rec.mu.Unlock()
		info.Breaker = rec.breaker.Snapshot()
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b Info) int {
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		}
		return 0
	})
	return out
}

// Encrypted reports whether session blobs are encrypted at rest.
func (m *Manager) Encrypted() bool {
	return m.sealer.Encrypted()
}

func (m *Manager) lookup(userID int64) (*record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[userID]
	return rec, ok
}

func (m *Manager) ensure(userID int64) *record {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[userID]; ok {
		return rec
	}
	rec := &record{userID: userID}
	rec.breaker = breaker.New(m.cfg.Breaker,
		breaker.WithClock(func() time.Time { return m.now() }),
		breaker.WithStateChange(func(from, to breaker.State) {
			m.onBreakerChange(userID, from, to)
		}),
	)
	m.records[userID] = rec
	return rec
}

func (m *Manager) snapshot() []*record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	return recs
}

// observe recomputes the session gauges.
func (m *Manager) observe() Stats {
	var s Stats
	for _, rec := range m.snapshot() {
		s.Sessions++
		rec.mu.Lock()
		if rec.auth == Authenticated {
			s.Authenticated++
			switch rec.conn {
			case Connected:
				s.Connected++
			case Suppressed:
				s.Suppressed++
			}
		}
		rec.mu.Unlock()
	}
	m.metrics.ObserveGauge(metrics.ActiveSessions, float64(s.Authenticated))
	m.metrics.ObserveGauge(metrics.ConnectedSessions, float64(s.Connected))
	return s
}

func (m *Manager) onBreakerChange(userID int64, from, to breaker.State) {
	m.metrics.IncrementCounter(metrics.BreakerTransitions, "to", to.String())
	if to == breaker.Open {
		m.logger.Warn("session: circuit breaker opened, reconnects paused", "user", userID, "from", from.String())
	} else {
		m.logger.Info("session: circuit breaker transition", "user", userID, "from", from.String(), "to", to.String())
	}
	m.publish(events.TopicBreakerTransition, events.BreakerTransition{
		UserID: userID, From: from.String(), To: to.String(),
	})
}

func (m *Manager) publishState(rec *record) {
	rec.mu.Lock()
	ev := events.SessionState{UserID: rec.userID, Auth: rec.auth.String(), Connection: rec.conn.String()}
	if rec.lastErr != nil {
		ev.Error = rec.lastErr.Error()
	}
	rec.mu.Unlock()
	m.publish(events.TopicSessionState, ev)
}

func (m *Manager) publish(topic string, event any) {
	if err := m.events.Publish(context.WithoutCancel(m.ctx), topic, event); err != nil {
		m.logger.Debug("session: publish event failed", "topic", topic, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
