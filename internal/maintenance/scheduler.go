// Package maintenance runs the periodic housekeeping jobs: the expiry
// sweep, the presence snapshot, and the stats report, each on its own cron
// schedule.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// JobFunc is one housekeeping job. now is the tick time that made it due.
type JobFunc func(ctx context.Context, now time.Time)

type job struct {
	name    string
	expr    string
	sched   cronlib.Schedule
	run     JobFunc
	nextRun time.Time
}

// Scheduler ticks at a fixed interval and fires whichever jobs are due.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	jobs []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler. interval defaults to 30s: fine-grained
// enough for minute-level cron expressions.
func NewScheduler(logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger, interval: interval}
}

// Add registers a job under a cron expression. Must be called before Start.
func (s *Scheduler) Add(name, expr string, run JobFunc) error {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("job %s: parse %q: %w", name, expr, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{
		name:    name,
		expr:    expr,
		sched:   sched,
		run:     run,
		nextRun: sched.Next(time.Now()),
	})
	return nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "jobs", len(s.jobs), "interval", s.interval)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, time.Now())
		}
	}
}

// Tick fires every job whose schedule has come due at now.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !now.Before(j.nextRun) {
			due = append(due, j)
			j.nextRun = j.sched.Next(now)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.logger.Debug("maintenance job firing", "job", j.name, "schedule", j.expr)
		j.run(ctx, now)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
