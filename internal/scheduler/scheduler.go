// Package scheduler runs named jobs at fixed intervals on a cron runner.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is invoked on every tick of a job. It receives a context that is
// cancelled when the scheduler stops.
type JobFunc func(ctx context.Context) error

// JobStatus reports the state of one job.
type JobStatus struct {
	Name      string        `json:"name"`
	Running   bool          `json:"running"`
	Interval  time.Duration `json:"interval"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	NextRun   time.Time     `json:"next_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

type job struct {
	entry    cron.EntryID
	interval time.Duration
	fn       JobFunc
	running  bool
	lastRun  time.Time
	lastErr  error
}

// Scheduler owns a cron runner and the jobs registered on it.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.RWMutex
	jobs    map[string]*job
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an idle scheduler.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(),
		logger: slog.Default(),
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
	}
}

// WithLogger sets the logger for the scheduler.
func (s *Scheduler) WithLogger(logger *slog.Logger) *Scheduler {
	s.logger = logger
	return s
}

// Every registers fn to run every interval under name, replacing any job
// with the same name. Intervals below one second are rejected.
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) error {
	if interval < time.Second {
		return fmt.Errorf("interval %s for %s is below one second", interval, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[name]; ok {
		s.cron.Remove(existing.entry)
		delete(s.jobs, name)
	}

	j := &job{interval: interval, fn: fn}
	j.entry = s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		if !s.claim(name, j) {
			return
		}
		s.run(name, j)
	}))
	s.jobs[name] = j

	s.logger.Info("scheduled job",
		"job", name,
		"interval", interval,
		"next_run", s.cron.Entry(j.entry).Next)
	return nil
}

// claim marks j running unless it already is or the scheduler stopped.
// Overlapping ticks are dropped rather than queued.
func (s *Scheduler) claim(name string, j *job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || j.running || s.jobs[name] != j {
		return false
	}
	j.running = true
	s.wg.Add(1)
	return true
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.stopped = false
	n := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", n)
}

// Stop halts the cron runner, cancels the context handed to running jobs
// and returns a context that is done once they have all returned.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("scheduler stopping")

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	s.cancel()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		cancel()
	}()
	return ctx
}

// run executes one tick. The caller must have claimed the job.
func (s *Scheduler) run(name string, j *job) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		j.running = false
		s.mu.Unlock()
	}()

	start := time.Now()
	err := j.fn(s.ctx)

	s.mu.Lock()
	j.lastRun = time.Now()
	j.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduled job failed", "job", name, "duration", time.Since(start), "error", err)
		return
	}
	s.logger.Debug("scheduled job completed", "job", name, "duration", time.Since(start))
}

// Status returns the state of the named job. NextRun is zero until the
// scheduler has been started.
func (s *Scheduler) Status(name string) (JobStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[name]
	if !ok {
		return JobStatus{}, false
	}
	st := JobStatus{
		Name:     name,
		Running:  j.running,
		Interval: j.interval,
		LastRun:  j.lastRun,
	}
	if !s.stopped {
		st.NextRun = s.cron.Entry(j.entry).Next
	}
	if j.lastErr != nil {
		st.LastError = j.lastErr.Error()
	}
	return st, true
}
