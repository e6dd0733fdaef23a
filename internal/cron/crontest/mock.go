// Package crontest provides test doubles for the cron package.
package crontest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flemzord/smartfolders/internal/cron"
	"github.com/flemzord/smartfolders/internal/session"
)

var (
	_ cron.Job               = (*MockJob)(nil)
	_ cron.ConnectionChecker = (*MockChecker)(nil)
	_ cron.SessionExpirer    = (*MockExpirer)(nil)
)

// MockJob is a cron.Job that records its runs and returns Err.
type MockJob struct {
	NameVal     string
	ScheduleVal string
	Err         error

	mu   sync.Mutex
	runs []time.Time
}

// Name implements cron.Job.
func (m *MockJob) Name() string { return m.NameVal }

// Schedule implements cron.Job.
func (m *MockJob) Schedule() string { return m.ScheduleVal }

// Run implements cron.Job.
func (m *MockJob) Run(context.Context) error {
	m.mu.Lock()
	m.runs = append(m.runs, time.Now())
	m.mu.Unlock()
	return m.Err
}

// Runs returns the start time of every recorded run.
func (m *MockJob) Runs() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Time(nil), m.runs...)
}

// MockChecker returns Stats from CheckConnections and counts calls.
type MockChecker struct {
	Stats session.Stats
	Calls atomic.Int32
}

// CheckConnections implements cron.ConnectionChecker.
func (m *MockChecker) CheckConnections() session.Stats {
	m.Calls.Add(1)
	return m.Stats
}

// MockExpirer returns Expired from ExpireSessions and counts calls.
type MockExpirer struct {
	Expired int
	Calls   atomic.Int32
}

// ExpireSessions implements cron.SessionExpirer.
func (m *MockExpirer) ExpireSessions() int {
	m.Calls.Add(1)
	return m.Expired
}
