// Package schedule runs recurring maintenance jobs on cron schedules
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one recurring task
type Job struct {
	Name string
	Cron string
	Run  func(ctx context.Context) error
}

// Validate checks that the job can be scheduled
func (j Job) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if j.Cron == "" {
		return fmt.Errorf("job %s: cron expression is required", j.Name)
	}
	if _, err := ParseCron(j.Cron); err != nil {
		return fmt.Errorf("job %s: invalid cron expression: %w", j.Name, err)
	}
	if j.Run == nil {
		return fmt.Errorf("job %s: nothing to run", j.Name)
	}
	return nil
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five-field cron expression or a descriptor like @hourly
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Options configures a Scheduler
type Options struct {
	// Tick is how often due jobs are checked; defaults to one minute
	Tick   time.Duration
	Clock  func() time.Time
	Logger *slog.Logger
}

// Scheduler runs jobs when their schedule comes due. A job never overlaps
// with itself, and a job that has never run is due immediately.
type Scheduler struct {
	order     []string
	jobs      map[string]Job
	schedules map[string]cron.Schedule
	tick      time.Duration
	now       func() time.Time
	log       *slog.Logger

	mu      sync.RWMutex
	lastRun map[string]time.Time
	running map[string]bool
	wg      sync.WaitGroup
}

// New creates a scheduler for jobs
func New(jobs []Job, opts Options) (*Scheduler, error) {
	s := &Scheduler{
		jobs:      make(map[string]Job),
		schedules: make(map[string]cron.Schedule),
		tick:      opts.Tick,
		now:       opts.Clock,
		log:       opts.Logger,
		lastRun:   make(map[string]time.Time),
		running:   make(map[string]bool),
	}
	if s.tick <= 0 {
		s.tick = time.Minute
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	for _, j := range jobs {
		if err := j.Validate(); err != nil {
			return nil, err
		}
		if _, dup := s.jobs[j.Name]; dup {
			return nil, fmt.Errorf("job %s registered twice", j.Name)
		}
		sched, _ := ParseCron(j.Cron)
		s.order = append(s.order, j.Name)
		s.jobs[j.Name] = j
		s.schedules[j.Name] = sched
	}
	return s, nil
}

// NextRun returns the next scheduled run time of a job
func (s *Scheduler) NextRun(name string) time.Time {
	sched, ok := s.schedules[name]
	if !ok {
		return time.Time{}
	}
	return sched.Next(s.now())
}

// LastRun returns when a job last finished
func (s *Scheduler) LastRun(name string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun[name]
}

// ShouldRun reports whether a job is due at now
func (s *Scheduler) ShouldRun(name string, now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[name]
	if !ok || s.running[name] {
		return false
	}
	last := s.lastRun[name]
	if last.IsZero() {
		return true
	}
	return !now.Before(sched.Next(last))
}

// Run starts due jobs on every tick until ctx is done, then waits for jobs
// still in flight
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	defer s.wg.Wait()

	s.runDue(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

func (s *Scheduler) runDue(ctx context.Context) {
	now := s.now()
	for _, name := range s.order {
		if !s.ShouldRun(name, now) {
			continue
		}
		s.markRunning(name)
		s.wg.Add(1)
		go func(j Job) {
			defer s.wg.Done()
			defer s.markComplete(j.Name)
			start := s.now()
			if err := j.Run(ctx); err != nil {
				s.log.Error("scheduled job failed", "job", j.Name, "err", err)
				return
			}
			s.log.Debug("scheduled job finished", "job", j.Name, "took", s.now().Sub(start))
		}(s.jobs[name])
	}
}

func (s *Scheduler) markRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = true
}

func (s *Scheduler) markComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[name] = false
	s.lastRun[name] = s.now()
}
