package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrUnknownJob is returned by RunNow for a name no job was registered under.
	ErrUnknownJob = errors.New("cron: unknown job")
	// ErrJobRunning is returned by RunNow while a tick of the same job runs.
	ErrJobRunning = errors.New("cron: job already running")
)

// newParser accepts 5-field expressions and descriptors such as
// "@hourly" or "@every 30s".
func newParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// Every returns a schedule expression firing every d. Intervals below one
// second are rounded up by the scheduler.
func Every(d time.Duration) string {
	return "@every " + d.String()
}

// JobStatus reports the run history of one registered job.
type JobStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Runs      int64     `json:"runs"`
	Failures  int64     `json:"failures"`
	Skipped   int64     `json:"skipped"`
	LastRun   time.Time `json:"last_run,omitzero"`
	LastTook  string    `json:"last_duration,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	NextRun   time.Time `json:"next_run,omitzero"`
}

// entry is a registered job. running serializes its executions; a tick
// that finds it held is skipped.
type entry struct {
	job      Job
	schedule cron.Schedule
	id       cron.EntryID
	running  sync.Mutex

	mu     sync.Mutex
	status JobStatus
}

// Scheduler runs the relay maintenance jobs on their cron schedules and
// keeps a status record per job for the admin API.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries []*entry
	byName  map[string]*entry
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a scheduler. Jobs must be registered before Start().
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		byName: make(map[string]*entry),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// RegisterJob parses the job's schedule and adds it. It fails on a duplicate
// name, an invalid schedule, or once the scheduler has started.
func (s *Scheduler) RegisterJob(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := j.Name()
	if s.cron != nil {
		return fmt.Errorf("cron: cannot register %q after start", name)
	}
	if _, exists := s.byName[name]; exists {
		return fmt.Errorf("cron: duplicate job name %q", name)
	}
	sched, err := newParser().Parse(j.Schedule())
	if err != nil {
		return fmt.Errorf("cron: invalid schedule for job %q: %w", name, err)
	}

	e := &entry{job: j, schedule: sched, status: JobStatus{Name: name, Schedule: j.Schedule()}}
	s.byName[name] = e
	s.entries = append(s.entries, e)
	return nil
}

// Start begins executing the registered jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.New("cron: scheduler already started")
	}
	s.cron = cron.New(cron.WithParser(newParser()))
	for _, e := range s.entries {
		e.id = s.cron.Schedule(e.schedule, cron.FuncJob(func() {
			if ran, _ := s.run(e); !ran {
				s.logger.Warn("cron: job still running, skipping tick", "job", e.job.Name())
			}
		}))
	}
	s.cron.Start()
	s.logger.Info("cron: scheduler started", "jobs", len(s.entries))
	return nil
}

// RunNow runs the named job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.byName[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	ran, err := s.run(e)
	if !ran {
		return fmt.Errorf("%w: %q", ErrJobRunning, name)
	}
	return err
}

// run executes e once and records the outcome. It reports ran=false,
// counting a skip, when the job is already running.
func (s *Scheduler) run(e *entry) (ran bool, err error) {
	if !e.running.TryLock() {
		e.mu.Lock()
		e.status.Skipped++
		e.mu.Unlock()
		return false, nil
	}
	defer e.running.Unlock()

	name := e.job.Name()
	s.logger.Debug("cron: job started", "job", name)
	started := time.Now()
	err = e.job.Run(s.ctx)
	took := time.Since(started)

	e.mu.Lock()
	e.status.Runs++
	e.status.LastRun = started
	e.status.LastTook = took.String()
	e.status.LastError = ""
	if err != nil {
		e.status.Failures++
		e.status.LastError = err.Error()
	}
	e.mu.Unlock()

	if err != nil {
		s.logger.Error("cron: job failed", "job", name, "error", err)
	} else {
		s.logger.Debug("cron: job completed", "job", name, "took", took)
	}
	return true, err
}

// Jobs returns the status of every job in registration order.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		e.mu.Lock()
		st := e.status
		e.mu.Unlock()
		if s.cron != nil {
			st.NextRun = s.cron.Entry(e.id).Next
		}
		out = append(out, st)
	}
	return out
}

// Stop cancels the job context and waits for in-flight jobs.
func (s *Scheduler) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancel()
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.logger.Info("cron: scheduler stopped")
	}
	return nil
}
