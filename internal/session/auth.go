package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/flemzord/smartfolders/internal/events"
	"github.com/flemzord/smartfolders/internal/metrics"
	"github.com/flemzord/smartfolders/internal/remote"
	"github.com/flemzord/smartfolders/internal/security"
)

const (
	methodQR          = "qr"
	methodCredentials = "credentials"
)

// StartQR runs the interactive QR login. Each issued token is passed to
// notify for rendering. A token that is not confirmed within the QR
// timeout is replaced, up to the configured retry count, after which the
// login fails with remote.ErrAuthTimeout. StartQR blocks until the login
// completes, needs another step, or fails.
func (m *Manager) StartQR(ctx context.Context, userID int64, notify func(remote.QRToken)) (AuthResult, error) {
	rec, done, err := m.beginAuth(userID, QRPending, methodQR)
	if err != nil {
		return AuthResult{State: m.State(userID)}, err
	}
	if done {
		return AuthResult{State: Authenticated}, nil
	}
	defer m.endAuth(rec)

	client, err := m.dialFresh(ctx, userID)
	if err != nil {
		return m.failAuth(rec, nil, err)
	}

	for attempt := 1; attempt <= m.cfg.Auth.QRRetries; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		token, err := client.RequestQR(rctx)
		cancel()
		if err != nil {
			return m.failAuth(rec, client, fmt.Errorf("session: request qr token: %w", err))
		}
		if notify != nil {
			notify(token)
		}

		actx, cancel := context.WithTimeout(ctx, m.cfg.Auth.QRTimeout)
		step, err := client.AwaitQR(actx, token)
		cancel()
		if err == nil {
			return m.advance(ctx, rec, client, step)
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			m.logger.Info("session: qr token expired, regenerating",
				"user", userID, "attempt", attempt, "max", m.cfg.Auth.QRRetries)
			continue
		}
		return m.failAuth(rec, client, err)
	}
	return m.failAuth(rec, client, remote.ErrAuthTimeout)
}

// SignIn runs the non-interactive credentials login.
func (m *Manager) SignIn(ctx context.Context, userID int64, creds remote.Credentials) (AuthResult, error) {
	rec, done, err := m.beginAuth(userID, CredentialsPending, methodCredentials)
	if err != nil {
		return AuthResult{State: m.State(userID)}, err
	}
	if done {
		return AuthResult{State: Authenticated}, nil
	}
	defer m.endAuth(rec)

	client, err := m.dialFresh(ctx, userID)
	if err != nil {
		return m.failAuth(rec, nil, err)
	}
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	step, err := client.SignIn(cctx, creds)
	cancel()
	if err != nil {
		return m.failAuth(rec, client, fmt.Errorf("session: sign in: %w", err))
	}
	return m.advance(ctx, rec, client, step)
}

// SubmitCode answers a login code challenge. A rejected code leaves the
// session in CodePending so the user can try again.
func (m *Manager) SubmitCode(ctx context.Context, userID int64, code string) (AuthResult, error) {
	return m.submit(ctx, userID, func(ctx context.Context, c remote.Client) (remote.AuthStep, error) {
		return c.SubmitCode(ctx, code)
	})
}

// SubmitPassword answers a two-factor password challenge.
func (m *Manager) SubmitPassword(ctx context.Context, userID int64, password string) (AuthResult, error) {
	return m.submit(ctx, userID, func(ctx context.Context, c remote.Client) (remote.AuthStep, error) {
		return c.SubmitPassword(ctx, password)
	})
}

func (m *Manager) submit(ctx context.Context, userID int64, fn func(context.Context, remote.Client) (remote.AuthStep, error)) (AuthResult, error) {
	rec, ok := m.lookup(userID)
	if !ok {
		return AuthResult{State: Unauthenticated}, ErrNoPendingAuth
	}
	rec.mu.Lock()
	if rec.auth != CodePending || rec.client == nil {
		state := rec.auth
		rec.mu.Unlock()
		return AuthResult{State: state}, ErrNoPendingAuth
	}
	if rec.busy {
		rec.mu.Unlock()
		return AuthResult{State: CodePending}, ErrAuthInProgress
	}
	rec.busy = true
	client := rec.client
	rec.mu.Unlock()
	defer m.endAuth(rec)

	cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	step, err := fn(cctx, client)
	cancel()
	if err != nil {
		if remote.Classify(err) == remote.ClassAuthInvalidated {
			return m.failAuth(rec, client, err)
		}
		m.logger.Info("session: login step rejected", "user", userID, "error", err)
		m.audit.Log(security.AuditEvent{Type: security.EventLoginFailure, UserID: userID, Detail: err.Error()})
		return AuthResult{State: CodePending}, err
	}
	return m.advance(ctx, rec, client, step)
}

// beginAuth moves the user into a pending login state. done is true when
// the user is already authenticated.
func (m *Manager) beginAuth(userID int64, to AuthState, method string) (rec *record, done bool, err error) {
	rec = m.ensure(userID)
	rec.mu.Lock()
	if rec.busy {
		rec.mu.Unlock()
		return nil, false, ErrAuthInProgress
	}
	if rec.auth == Authenticated {
		rec.mu.Unlock()
		return rec, true, nil
	}

	// A login abandoned while waiting for a code is replaced.
	stale := rec.client
	rec.client = nil
	rec.auth = Unauthenticated
	if err := rec.transitionLocked(to); err != nil {
		rec.mu.Unlock()
		return nil, false, err
	}
	rec.busy = true
	rec.method = method
	rec.lastErr = nil
	rec.mu.Unlock()

	if stale != nil {
		_ = stale.Disconnect()
	}
	m.audit.Log(security.AuditEvent{Type: security.EventLoginStarted, UserID: userID, Method: method})
	m.logger.Info("session: login started", "user", userID, "method", method)
	m.publishState(rec)
	return rec, false, nil
}

func (m *Manager) endAuth(rec *record) {
	rec.mu.Lock()
	rec.busy = false
	rec.mu.Unlock()
}

func (m *Manager) dialFresh(ctx context.Context, userID int64) (remote.Client, error) {
	client, err := m.cfg.Dialer.Dial(ctx, userID, nil)
	if err != nil {
		return nil, fmt.Errorf("session: dial: %w", err)
	}
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	if err := client.Connect(cctx); err != nil {
		_ = client.Disconnect()
		return nil, fmt.Errorf("session: connect: %w", err)
	}
	return client, nil
}

func (m *Manager) advance(ctx context.Context, rec *record, client remote.Client, step remote.AuthStep) (AuthResult, error) {
	switch step {
	case remote.StepDone:
		return m.finishLogin(ctx, rec, client)
	case remote.StepCode, remote.StepPassword:
		rec.mu.Lock()
		if err := rec.transitionLocked(CodePending); err != nil {
			rec.mu.Unlock()
			return m.failAuth(rec, client, err)
		}
		rec.client = client
		rec.mu.Unlock()
		m.logger.Info("session: login needs another step", "user", rec.userID, "step", step.String())
		m.publishState(rec)
		return AuthResult{State: CodePending, Step: step}, nil
	default:
		return m.failAuth(rec, client, fmt.Errorf("session: unexpected login step %d", step))
	}
}

// finishLogin persists the sealed session and starts the supervisor. The
// session is only Authenticated once the blob is durable.
func (m *Manager) finishLogin(ctx context.Context, rec *record, client remote.Client) (AuthResult, error) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	blob, err := client.ExportSession(cctx)
	cancel()
	if err != nil {
		return m.failAuth(rec, client, fmt.Errorf("session: export session: %w", err))
	}
	sealed, err := m.sealer.Seal(blob)
	if err != nil {
		return m.failAuth(rec, client, fmt.Errorf("session: seal session: %w", err))
	}
	if err := m.cfg.Store.SaveBlob(ctx, rec.userID, sealed); err != nil {
		return m.failAuth(rec, client, fmt.Errorf("session: persist session: %w", err))
	}

	rec.mu.Lock()
	if err := rec.transitionLocked(Authenticated); err != nil {
		rec.mu.Unlock()
		return m.failAuth(rec, client, err)
	}
	rec.client = nil
	rec.lastActive = m.now()
	rec.lastErr = nil
	rec.suppressed = 0
	method := rec.method
	rec.mu.Unlock()

	m.metrics.IncrementCounter(metrics.AuthEvents, "result", "success")
	m.audit.Log(security.AuditEvent{Type: security.EventLoginSuccess, UserID: rec.userID, Method: method})
	m.logger.Info("session: authenticated", "user", rec.userID, "method", method, "encrypted", m.sealer.Encrypted())
	rec.breaker.Reset()
	m.startSupervisor(rec, client, true)
	m.publishState(rec)
	m.observe()
	return AuthResult{State: Authenticated}, nil
}

func (m *Manager) failAuth(rec *record, client remote.Client, cause error) (AuthResult, error) {
	if client != nil {
		_ = client.Disconnect()
	}
	rec.mu.Lock()
	if rec.auth.Pending() {
		rec.auth = Unauthenticated
	}
	rec.client = nil
	rec.lastErr = cause
	method := rec.method
	rec.mu.Unlock()

	result := "failure"
	if errors.Is(cause, remote.ErrAuthTimeout) {
		result = "timeout"
	}
	m.metrics.IncrementCounter(metrics.AuthEvents, "result", result)
	m.audit.Log(security.AuditEvent{
		Type: security.EventLoginFailure, UserID: rec.userID, Method: method, Detail: cause.Error(),
	})
	m.logger.Warn("session: login failed", "user", rec.userID, "method", method, "error", cause)
	m.publishState(rec)
	return AuthResult{State: Unauthenticated}, cause
}

// invalidate handles revoked authorization: the session passes through
// Invalidated, its blob is wiped and it returns to Unauthenticated.
func (m *Manager) invalidate(rec *record, cause error) {
	rec.mu.Lock()
	if err := rec.transitionLocked(Invalidated); err != nil {
		rec.mu.Unlock()
		return
	}
	rec.lastErr = cause
	rec.conn = Disconnected
	rec.mu.Unlock()
	m.publishState(rec)

	if err := m.cfg.Store.DeleteBlob(context.WithoutCancel(m.ctx), rec.userID); err != nil {
		m.logger.Error("session: wipe invalidated session failed", "user", rec.userID, "error", err)
	}

	rec.mu.Lock()
	_ = rec.transitionLocked(Unauthenticated)
	rec.client = nil
	cancel := rec.cancel
	rec.cancel = nil
	rec.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if m.cfg.OnShutdown != nil {
		m.cfg.OnShutdown(rec.userID)
	}
	m.metrics.IncrementCounter(metrics.AuthEvents, "result", "invalidated")
	m.audit.Log(security.AuditEvent{Type: security.EventInvalidated, UserID: rec.userID, Detail: cause.Error()})
	m.logger.Error("session: authorization revoked, session wiped", "user", rec.userID, "error", cause)
	m.publish(events.TopicSessionInvalidated, events.SessionInvalidated{UserID: rec.userID, Error: cause.Error()})
	m.publishState(rec)
	m.observe()
}

// transitionLocked applies one auth state change; rec.mu must be held.
func (rec *record) transitionLocked(to AuthState) error {
	if !rec.auth.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, rec.auth, to)
	}
	rec.auth = to
	return nil
}
