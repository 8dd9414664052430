// Package scheduler runs named periodic jobs, each on its own ticker goroutine.
//
// A job is skipped rather than queued when its previous run is still in progress, so a slow
// sink reconnect never piles up supervisor runs.
package scheduler

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/ruuvigw/errors"
)

// Scheduler errors
var (
	ErrInvalidJob   = stderrors.New("invalid job")
	ErrDuplicateJob = stderrors.New("duplicate job id")
	ErrRunning      = stderrors.New("scheduler already running")
)

// JobContext is passed to every job invocation.
type JobContext struct {
	// ID is the job id, for example "ruuvi_lastdata" or "supervise:influx".
	ID string
	// Target names what the job acts on: a measurement or a sink.
	Target string
	// Tick counts invocations of this job, starting at 1.
	Tick int64
	// Run is the wall clock time of this invocation.
	Run time.Time
}

// JobFunc is the body of a job. A returned error is logged; the job keeps its schedule.
type JobFunc func(ctx context.Context, jc JobContext) error

// Job describes one periodic task.
type Job struct {
	ID         string
	Target     string
	Interval   time.Duration
	StartDelay time.Duration
	// Immediate runs the job once as soon as the start delay has passed.
	Immediate bool
	Run       JobFunc
}

func (j Job) validate() error {
	switch {
	case j.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidJob)
	case j.Interval <= 0:
		return fmt.Errorf("%w: %s: interval must be positive", ErrInvalidJob, j.ID)
	case j.StartDelay < 0:
		return fmt.Errorf("%w: %s: negative start delay", ErrInvalidJob, j.ID)
	case j.Run == nil:
		return fmt.Errorf("%w: %s: nil run func", ErrInvalidJob, j.ID)
	}
	return nil
}

// Scheduler owns a set of jobs.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]Job
	running bool
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an empty scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:   make(map[string]Job),
		logger: logger.With("component", "scheduler"),
		now:    time.Now,
	}
}

// Add registers job. Jobs cannot be added while the scheduler runs.
func (s *Scheduler) Add(job Job) error {
	if err := job.validate(); err != nil {
		return errors.WrapInvalid(err, "Scheduler", "Add", "validate job")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.WrapInvalid(ErrRunning, "Scheduler", "Add", "add job")
	}
	if _, exists := s.jobs[job.ID]; exists {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID), "Scheduler", "Add", "add job")
	}
	s.jobs[job.ID] = job
	return nil
}

// Jobs returns the registered job ids in sorted order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Run starts every job and blocks until ctx is done. It returns nil on cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.WrapFatal(ErrRunning, "Scheduler", "Run", "start jobs")
	}
	s.running = true
	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("Scheduler started", "jobs", len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			s.loop(gctx, job)
			return nil
		})
	}

	err := g.Wait()
	s.logger.Info("Scheduler stopped")
	if err != nil && !stderrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	if job.StartDelay > 0 {
		timer := time.NewTimer(job.StartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	var tick int64
	if job.Immediate {
		tick++
		s.invoke(ctx, job, tick)
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			s.invoke(ctx, job, tick)
		}
	}
}

func (s *Scheduler) invoke(ctx context.Context, job Job, tick int64) {
	jc := JobContext{ID: job.ID, Target: job.Target, Tick: tick, Run: s.now()}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Job panicked", "job_id", job.ID, "tick", tick, "panic", r)
		}
	}()

	if err := job.Run(ctx, jc); err != nil && ctx.Err() == nil {
		s.logger.Warn("Job failed", "job_id", job.ID, "target", job.Target, "tick", tick, "error", err)
	}
}
