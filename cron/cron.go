// Package cron runs named periodic jobs, such as refreshing connectivity
// directory entries, on robfig/cron.
package cron

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/goliatone/go-runcontrol/logging"
	"github.com/goliatone/go-runcontrol/runner"
)

// Job is the unit of scheduled work. ctx ends when the job times out or
// the scheduler stops.
type Job func(ctx context.Context) error

// Entry describes when and how a job runs.
type Entry struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	// Attempts per tick, retried without delay.
	Attempts int
}

// Stats is a snapshot of one job.
type Stats struct {
	Runs      int64
	Failures  int64
	LastError error
	Next      time.Time
}

type job struct {
	id       rcron.EntryID
	runs     atomic.Int64
	failures atomic.Int64

	mu      sync.Mutex
	lastErr error
}

// Scheduler owns a robfig/cron instance. A job still running when its
// next tick fires skips that tick.
type Scheduler struct {
	cron     *rcron.Cron
	location *time.Location
	seconds  bool
	logger   logging.Logger
	onError  func(name string, err error)

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*job
}

func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.Local,
		logger:   logging.Nop(),
		jobs:     make(map[string]*job),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.onError == nil {
		s.onError = func(name string, err error) {
			s.logger.Warn("scheduled job %s failed: %v", name, err)
		}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	adapter := cronLogger{logger: s.logger}
	cronOpts := []rcron.Option{
		rcron.WithLocation(s.location),
		rcron.WithLogger(adapter),
		rcron.WithChain(rcron.Recover(adapter), rcron.SkipIfStillRunning(adapter)),
	}
	if s.seconds {
		cronOpts = append(cronOpts, rcron.WithSeconds())
	}
	s.cron = rcron.New(cronOpts...)
	return s
}

// Add registers fn under entry.Name. Names are unique per scheduler.
func (s *Scheduler) Add(entry Entry, fn Job) error {
	switch {
	case entry.Name == "":
		return fmt.Errorf("job name cannot be empty")
	case entry.Schedule == "":
		return fmt.Errorf("job %s: schedule cannot be empty", entry.Name)
	case fn == nil:
		return fmt.Errorf("job %s: nil job", entry.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[entry.Name]; exists {
		return fmt.Errorf("job %s already scheduled", entry.Name)
	}

	j := &job{}
	retrier := runner.New(runner.Attempts(entry.Attempts), runner.WithTimeout(entry.Timeout), runner.WithLogger(s.logger))
	id, err := s.cron.AddFunc(entry.Schedule, func() {
		j.runs.Add(1)
		err := retrier.Run(s.ctx, fn)
		j.mu.Lock()
		j.lastErr = err
		j.mu.Unlock()
		if err != nil && s.ctx.Err() == nil {
			j.failures.Add(1)
			s.onError(entry.Name, err)
		}
	})
	if err != nil {
		return fmt.Errorf("job %s: %w", entry.Name, err)
	}
	j.id = id
	s.jobs[entry.Name] = j
	return nil
}

// Every runs fn at a fixed interval, each run bounded by the interval.
// Intervals below one second are rounded up to one second.
func (s *Scheduler) Every(name string, interval time.Duration, fn Job) error {
	return s.Add(Entry{Name: name, Schedule: "@every " + interval.String(), Timeout: interval}, fn)
}

// Remove unschedules name. A run in progress is not interrupted.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[name]
	if !ok {
		return false
	}
	s.cron.Remove(j.id)
	delete(s.jobs, name)
	return true
}

func (s *Scheduler) Stats(name string) (Stats, bool) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	j.mu.Lock()
	last := j.lastErr
	j.mu.Unlock()
	return Stats{
		Runs:      j.runs.Load(),
		Failures:  j.failures.Load(),
		LastError: last,
		Next:      s.cron.Entry(j.id).Next,
	}, true
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running jobs and waits for them until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
