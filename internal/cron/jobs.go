package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flemzord/smartfolders/internal/session"
)

// ConnectionChecker refreshes connection gauges. Implemented by the engine.
type ConnectionChecker interface {
	CheckConnections() session.Stats
}

// SessionExpirer shuts down sessions idle past the configured timeout.
type SessionExpirer interface {
	ExpireSessions() int
}

// ConnectionCheckJob refreshes session and queue gauges and logs sessions
// that are authenticated but not connected.
type ConnectionCheckJob struct {
	Checker      ConnectionChecker
	Logger       *slog.Logger
	ScheduleExpr string // empty = default "@every 30s"
}

// Compile-time interface check.
var _ Job = (*ConnectionCheckJob)(nil)

// Name implements Job.
func (j *ConnectionCheckJob) Name() string { return "connection_check" }

// Schedule implements Job.
func (j *ConnectionCheckJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return Every(30 * time.Second)
}

// Run implements Job.
func (j *ConnectionCheckJob) Run(ctx context.Context) error {
	if ctx.Err() != nil {
		return fmt.Errorf("cron: connection check cancelled: %w", ctx.Err())
	}
	stats := j.Checker.CheckConnections()
	if down := stats.Authenticated - stats.Connected; down > 0 {
		j.Logger.Info("cron: sessions awaiting reconnect",
			"disconnected", down,
			"suppressed", stats.Suppressed,
		)
	}
	return nil
}

// SessionExpiryJob stops sessions with no activity for the session timeout.
type SessionExpiryJob struct {
	Expirer      SessionExpirer
	Logger       *slog.Logger
	ScheduleExpr string // empty = default "*/5 * * * *"
}

// Compile-time interface check.
var _ Job = (*SessionExpiryJob)(nil)

// Name implements Job.
func (j *SessionExpiryJob) Name() string { return "session_expiry" }

// Schedule implements Job.
func (j *SessionExpiryJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "*/5 * * * *"
}

// Run implements Job.
func (j *SessionExpiryJob) Run(_ context.Context) error {
	if n := j.Expirer.ExpireSessions(); n > 0 {
		j.Logger.Info("cron: expired idle sessions", "count", n)
	}
	return nil
}

// PruneJob runs a cleanup function that returns how many entries it
// reclaimed. It covers idle relay lanes, dedup fingerprints, pacing state
// and command rate-limit windows.
type PruneJob struct {
	JobName      string
	Prune        func() int
	Logger       *slog.Logger
	ScheduleExpr string // empty = default "0 * * * *"
}

// Compile-time interface check.
var _ Job = (*PruneJob)(nil)

// Name implements Job.
func (j *PruneJob) Name() string { return j.JobName }

// Schedule implements Job.
func (j *PruneJob) Schedule() string {
	if j.ScheduleExpr != "" {
		return j.ScheduleExpr
	}
	return "0 * * * *"
}

// Run implements Job.
func (j *PruneJob) Run(ctx context.Context) error {
	if ctx.Err() != nil {
		return fmt.Errorf("cron: %s cancelled: %w", j.JobName, ctx.Err())
	}
	if n := j.Prune(); n > 0 {
		j.Logger.Debug("cron: pruned entries", "job", j.JobName, "count", n)
	}
	return nil
}
