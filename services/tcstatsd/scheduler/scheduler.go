// Package scheduler drives update cycles and the monthly rollover from cron
// expressions evaluated in UTC.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tcstats/services/tcstatsd/engine"
)

// Defaults used when the configuration leaves a schedule empty.
const (
	DefaultUpdateSchedule   = "0 * * * *"
	DefaultRolloverSchedule = "0 0 1 * *"
)

// Engine is the part of the stats engine the scheduler triggers.
type Engine interface {
	UpdateCycle(ctx context.Context) (engine.CycleReport, error)
	RolloverPeriod(ctx context.Context, year, month int) (engine.MonthlyResult, error)
}

// Config holds the cron expressions. Empty expressions use the defaults; the
// literal "off" disables a job.
type Config struct {
	UpdateSchedule   string
	RolloverSchedule string
	JobTimeout       time.Duration
}

// Scheduler owns a cron runner with the update and rollover jobs.
type Scheduler struct {
	cron     *cron.Cron
	engine   Engine
	logger   *slog.Logger
	clock    func() time.Time
	timeout  time.Duration
	stopOnce sync.Once
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger installs a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used to pick the month to archive.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New validates the schedules and registers both jobs. Nothing runs until
// Start.
func New(cfg Config, eng Engine, opts ...Option) (*Scheduler, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine required")
	}
	s := &Scheduler{
		engine:  eng,
		logger:  slog.Default(),
		clock:   time.Now,
		timeout: cfg.JobTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn))
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)

	jobs := []struct {
		name     string
		schedule string
		fallback string
		run      func(context.Context) error
	}{
		{"update", cfg.UpdateSchedule, DefaultUpdateSchedule, s.Update},
		{"rollover", cfg.RolloverSchedule, DefaultRolloverSchedule, s.Rollover},
	}
	for _, job := range jobs {
		expr := strings.TrimSpace(job.schedule)
		if strings.EqualFold(expr, "off") {
			s.logger.Info("scheduled job disabled", slog.String("job", job.name))
			continue
		}
		if expr == "" {
			expr = job.fallback
		}
		if _, err := s.cron.AddFunc(expr, s.wrap(job.name, job.run)); err != nil {
			return nil, fmt.Errorf("schedule %s job %q: %w", job.name, expr, err)
		}
	}
	return s, nil
}

// Start runs the jobs until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.cron.Entries())))
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop halts the runner and waits for running jobs. Safe to call twice.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
	})
}

// Update runs one update cycle. A cycle that is already running is not an
// error.
func (s *Scheduler) Update(ctx context.Context) error {
	_, err := s.engine.UpdateCycle(ctx)
	if errors.Is(err, engine.ErrCycleInProgress) {
		s.logger.Info("update cycle already running, skipping tick")
		return nil
	}
	return err
}

// Rollover archives the month that just ended and resets the period in one
// engine step. The reset is skipped when the archive fails so no standings
// are lost.
func (s *Scheduler) Rollover(ctx context.Context) error {
	now := s.clock().UTC()
	previous := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -1, 0)
	if _, err := s.engine.RolloverPeriod(ctx, previous.Year(), int(previous.Month())); err != nil {
		return fmt.Errorf("rollover %s: %w", previous.Format("2006-01"), err)
	}
	return nil
}

func (s *Scheduler) wrap(name string, run func(context.Context) error) func() {
	return func() {
		ctx := context.Background()
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		started := time.Now()
		if err := run(ctx); err != nil {
			s.logger.Error("scheduled job failed",
				slog.String("job", name),
				slog.String("error", err.Error()))
			return
		}
		s.logger.Info("scheduled job finished",
			slog.String("job", name),
			slog.Duration("duration", time.Since(started)))
	}
}
