// Package jobs runs periodic rule maintenance on a cron schedule.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jask/rulekit/internal/service"
)

const defaultTimeout = 10 * time.Minute

// Config holds the maintenance schedule. An empty Schedule disables the scheduler.
type Config struct {
	Schedule string
	TimeZone string
	// Timeout bounds one run.
	Timeout time.Duration
	// ApplyUncategorized runs the active rules over uncategorized transactions.
	ApplyUncategorized bool
	Lint               service.LintOptions
}

// Summary reports what one maintenance run did.
type Summary struct {
	GuardsRepaired int
	Apply          *service.ApplyStats
	Lint           service.LintReport
	Duration       time.Duration
}

// RunOnce repairs missing income guards, optionally applies the active rules to
// uncategorized transactions, then lints the active set.
func RunOnce(ctx context.Context, e *service.Engine, cfg Config) (Summary, error) {
	start := time.Now()
	var sum Summary

	fixed, err := (&service.RuleService{Engine: e}).RepairGuardViolations(ctx)
	if err != nil {
		return sum, fmt.Errorf("repair income guards: %w", err)
	}
	sum.GuardsRepaired = len(fixed)

	if cfg.ApplyUncategorized {
		stats, err := (&service.Applier{Engine: e}).ApplyAll(ctx, service.ApplyOptions{UncategorizedOnly: true, SkipTransfers: true})
		if err != nil {
			return sum, fmt.Errorf("apply rules: %w", err)
		}
		sum.Apply = &stats
	}

	sum.Lint, err = (&service.Linter{Engine: e}).Lint(ctx, cfg.Lint)
	if err != nil {
		return sum, fmt.Errorf("lint: %w", err)
	}
	sum.Duration = time.Since(start)
	return sum, nil
}

// Scheduler wraps a cron runner bound to one engine.
type Scheduler struct {
	engine *service.Engine
	cfg    Config
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler validates the schedule and registers the maintenance job. Invalid time
// zones fall back to UTC.
func NewScheduler(e *service.Engine, cfg Config, logger *slog.Logger) (*Scheduler, error) {
	if cfg.Schedule == "" {
		return nil, fmt.Errorf("no maintenance schedule configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	loc := time.UTC
	if cfg.TimeZone != "" {
		l, err := time.LoadLocation(cfg.TimeZone)
		if err != nil {
			logger.Warn("invalid timezone, falling back to UTC", "timezone", cfg.TimeZone, "err", err)
		} else {
			loc = l
		}
	}

	s := &Scheduler{
		engine: e,
		cfg:    cfg,
		cron:   cron.New(cron.WithLocation(loc)),
		logger: logger,
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, s.run); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	s.logger.Info("maintenance run started")
	sum, err := RunOnce(ctx, s.engine, s.cfg)
	if err != nil {
		s.logger.Error("maintenance run failed", "err", err)
		return
	}
	s.logger.Info("maintenance run finished",
		"guards_repaired", sum.GuardsRepaired, "lint_score", sum.Lint.Score, "duration", sum.Duration)
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", "schedule", s.cfg.Schedule)
}

// Stop halts scheduling and waits for a running job until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Next returns the next scheduled run time.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
