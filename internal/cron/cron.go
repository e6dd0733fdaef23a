// Package cron runs the relay's periodic maintenance: connection checks,
// idle session expiry, and pruning of relay and limiter state. Jobs run on
// robfig/cron schedules and never overlap with themselves.
package cron

import "context"

// Job is one maintenance task.
type Job interface {
	// Name identifies the job in logs, status reports and RunNow. Names are
	// unique per scheduler.
	Name() string

	// Schedule is a 5-field cron expression or a descriptor such as
	// "@hourly" or "@every 30s".
	Schedule() string

	// Run performs one pass. ctx is cancelled when the scheduler stops.
	Run(ctx context.Context) error
}
