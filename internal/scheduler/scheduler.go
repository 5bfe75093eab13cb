// Package scheduler runs periodic credential cleanup: cache eviction and
// bulk deactivation of expired records.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs cleanup hourly.
const DefaultSchedule = "@every 1h"

// Cleaner is the vault surface the scheduler drives. Satisfied by the vault
// service (avoids import cycle).
type Cleaner interface {
	EvictExpired() int
	DeactivateExpired(ctx context.Context) (int64, error)
}

// Report summarizes one cleanup pass.
type Report struct {
	StartedAt   time.Time
	Evicted     int
	Deactivated int64
	Err         error
	Skipped     bool // another pass was already running
}

// Scheduler runs cleanup passes on a cron schedule.
type Scheduler struct {
	cleaner  Cleaner
	schedule cron.Schedule
	logger   *slog.Logger
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	running atomic.Bool
	passes  atomic.Uint64
}

// Parser accepts standard five-field cron expressions and descriptors such as
// "@hourly" or "@every 30m".
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewScheduler creates a Scheduler. An empty spec means DefaultSchedule.
func NewScheduler(cleaner Cleaner, spec string, logger *slog.Logger) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := Parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cleanup schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cleaner:  cleaner,
		schedule: schedule,
		logger:   logger.With(slog.String("component", "cleanup")),
		now:      time.Now,
	}, nil
}

// Start launches the background loop. The first pass runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("cleanup scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	s.RunOnce(ctx)

	for {
		timer := time.NewTimer(s.NextRun(s.now()).Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.RunOnce(ctx)
		}
	}
}

// NextRun returns the first scheduled pass after from.
func (s *Scheduler) NextRun(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// RunOnce performs one cleanup pass. Failures are logged and reported, never
// raised; overlapping calls are skipped.
func (s *Scheduler) RunOnce(ctx context.Context) (report Report) {
	report.StartedAt = s.now().UTC()
	if !s.running.CompareAndSwap(false, true) {
		report.Skipped = true
		return report
	}
	defer s.running.Store(false)
	defer s.passes.Add(1)
	defer func() {
		if p := recover(); p != nil {
			report.Err = fmt.Errorf("cleanup panicked: %v", p)
			s.logger.ErrorContext(ctx, "cleanup panicked", slog.Any("panic", p))
		}
	}()

	report.Evicted = s.cleaner.EvictExpired()

	n, err := s.cleaner.DeactivateExpired(ctx)
	if err != nil {
		report.Err = err
		s.logger.ErrorContext(ctx, "deactivating expired credentials failed", slog.String("error", err.Error()))
	}
	report.Deactivated = n

	if report.Evicted > 0 || report.Deactivated > 0 {
		s.logger.InfoContext(ctx, "cleanup pass finished",
			slog.Int("evicted", report.Evicted),
			slog.Int64("deactivated", report.Deactivated),
		)
	}
	return report
}

// Passes returns the number of completed cleanup passes.
func (s *Scheduler) Passes() uint64 { return s.passes.Load() }

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("cleanup scheduler stopped")
	return nil
}
