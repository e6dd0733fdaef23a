package cron

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flemzord/smartfolders/internal/session"
)

type testChecker struct {
	calls atomic.Int32
	stats session.Stats
}

func (c *testChecker) CheckConnections() session.Stats {
	c.calls.Add(1)
	return c.stats
}

type testExpirer struct {
	calls atomic.Int32
	n     int
}

func (e *testExpirer) ExpireSessions() int {
	e.calls.Add(1)
	return e.n
}

func TestConnectionCheckJob_Defaults(t *testing.T) {
	t.Parallel()
	j := &ConnectionCheckJob{Logger: slog.Default()}
	if j.Name() != "connection_check" {
		t.Errorf("name = %q", j.Name())
	}
	if j.Schedule() != "@every 30s" {
		t.Errorf("schedule = %q, want %q", j.Schedule(), "@every 30s")
	}
	if _, err := newParser().Parse(j.Schedule()); err != nil {
		t.Errorf("default schedule does not parse: %v", err)
	}
}

func TestConnectionCheckJob_Run(t *testing.T) {
	t.Parallel()
	checker := &testChecker{stats: session.Stats{Sessions: 3, Authenticated: 3, Connected: 1, Suppressed: 1}}
	j := &ConnectionCheckJob{Checker: checker, Logger: slog.Default()}
	if err := j.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if checker.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", checker.calls.Load())
	}
}

func TestConnectionCheckJob_CancelledContext(t *testing.T) {
	t.Parallel()
	checker := &testChecker{}
	j := &ConnectionCheckJob{Checker: checker, Logger: slog.Default()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := j.Run(ctx); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if checker.calls.Load() != 0 {
		t.Error("checker should not run after cancellation")
	}
}

func TestSessionExpiryJob(t *testing.T) {
	t.Parallel()
	exp := &testExpirer{n: 2}
	j := &SessionExpiryJob{Expirer: exp, Logger: slog.Default(), ScheduleExpr: "*/1 * * * *"}
	if j.Name() != "session_expiry" || j.Schedule() != "*/1 * * * *" {
		t.Errorf("name/schedule = %q/%q", j.Name(), j.Schedule())
	}
	if err := j.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exp.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", exp.calls.Load())
	}
}

func TestPruneJob(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	j := &PruneJob{
		JobName: "dedup_purge",
		Prune:   func() int { calls.Add(1); return 4 },
		Logger:  slog.Default(),
	}
	if j.Name() != "dedup_purge" || j.Schedule() != "0 * * * *" {
		t.Errorf("name/schedule = %q/%q", j.Name(), j.Schedule())
	}
	if err := j.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestEvery(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		Every(30 * time.Second):        "@every 30s",
		Every(time.Hour):               "@every 1h0m0s",
		Every(1500 * time.Millisecond): "@every 1.5s",
	}
	for got, want := range tests {
		if got != want {
			t.Errorf("Every = %q, want %q", got, want)
		}
		if _, err := newParser().Parse(got); err != nil {
			t.Errorf("%q does not parse: %v", got, err)
		}
	}
}
