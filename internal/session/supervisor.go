package session

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"github.com/flemzord/smartfolders/internal/metrics"
	"github.com/flemzord/smartfolders/internal/remote"
)

func (m *Manager) startSupervisor(rec *record, client remote.Client, connected bool) {
	ctx, cancel := context.WithCancel(m.ctx)
	done := make(chan struct{})

	rec.mu.Lock()
	rec.client = client
	rec.cancel = cancel
	rec.done = done
	rec.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		m.supervise(ctx, rec, client, connected)
	}()
}

// stopSupervisor cancels the user's supervisor and waits for it to exit.
func (m *Manager) stopSupervisor(rec *record) {
	rec.mu.Lock()
	cancel, done := rec.cancel, rec.done
	rec.cancel = nil
	rec.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	rec.mu.Lock()
	var client remote.Client
	if rec.auth == Authenticated {
		client = rec.client
		rec.client = nil
	}
	rec.conn = Disconnected
	rec.mu.Unlock()
	if client != nil {
		_ = client.Disconnect()
	}
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.Reconnect.Base
	bo.MaxInterval = m.cfg.Reconnect.Cap
	bo.RandomizationFactor = m.cfg.Reconnect.Jitter
	bo.Multiplier = 2
	bo.Reset()
	return bo
}

// supervise keeps one session connected until ctx ends or its
// authorization is revoked. Every reconnect attempt is gated by the
// session's breaker; while the breaker is open the loop sleeps until the
// breaker's deadline instead of attempting.
func (m *Manager) supervise(ctx context.Context, rec *record, client remote.Client, connected bool) {
	log := m.logger.With("user", rec.userID)
	bo := m.newBackOff()

	for {
		if !connected {
			if !rec.breaker.Allow() {
				rec.mu.Lock()
				rec.suppressed++
				n := rec.suppressed
				rec.conn = Suppressed
				rec.mu.Unlock()

				wait := max(rec.breaker.RetryIn(), m.cfg.Reconnect.Base)
				m.metrics.IncrementCounter(metrics.ReconnectSuppressed)
				log.Warn("session: reconnect suppressed, circuit open", "suppressed", n, "retry_in", wait)
				if m.sleep(ctx, wait) != nil {
					return
				}
				continue
			}

			m.setConn(rec, Connecting, nil)
			m.metrics.IncrementCounter(metrics.ReconnectAttempts)
			cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
			err := client.Connect(cctx)
			cancel()

			if err != nil {
				switch remote.Classify(err) {
				case remote.ClassCanceled:
					rec.breaker.Abort()
					return
				case remote.ClassAuthInvalidated:
					rec.breaker.Abort()
					_ = client.Disconnect()
					m.invalidate(rec, err)
					return
				}
				if ctx.Err() != nil {
					rec.breaker.Abort()
					return
				}
				rec.breaker.RecordFailure()
				wait := bo.NextBackOff()
				if ra, ok := remote.RetryAfter(err); ok && ra > wait {
					wait = ra
				}
				m.setConn(rec, Waiting, err)
				log.Warn("session: reconnect failed", "error", err,
					"failures", rec.breaker.Failures(), "retry_in", wait)
				if m.sleep(ctx, wait) != nil {
					return
				}
				continue
			}

			rec.breaker.RecordSuccess()
			bo.Reset()
			rec.mu.Lock()
			rec.suppressed = 0
			rec.mu.Unlock()
		}
		connected = false

		m.setConn(rec, Connected, nil)
		log.Info("session: connected")
		err := client.Subscribe(ctx, func(u remote.Update) {
			m.touch(rec)
			if m.cfg.Handler != nil {
				m.cfg.Handler(rec.userID, u)
			}
		})
		_ = client.Disconnect()
		if ctx.Err() != nil {
			return
		}
		if remote.Classify(err) == remote.ClassAuthInvalidated {
			m.invalidate(rec, err)
			return
		}

		if err == nil {
			err = fmt.Errorf("session: subscription ended: %w", remote.ErrTransientNetwork)
		}
		wait := bo.NextBackOff()
		m.setConn(rec, Waiting, err)
		log.Warn("session: connection lost", "error", err, "retry_in", wait)
		if m.sleep(ctx, wait) != nil {
			return
		}
	}
}

func (m *Manager) setConn(rec *record, state ConnState, err error) {
	rec.mu.Lock()
	changed := rec.conn != state
	rec.conn = state
	if err != nil {
		rec.lastErr = err
	} else if state == Connected {
		rec.lastErr = nil
	}
	rec.mu.Unlock()
	if changed {
		m.publishState(rec)
		m.observe()
	}
}
