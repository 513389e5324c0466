// Package scheduler wraps gocron for the server's two recurring background
// tasks (key-rotation fan-out, file-deletion sweep), generalizing the
// teacher's internal/scheduler from "one gocron job per backup policy" to
// "one gocron job per named interval task" — the singleton-mode,
// tag-addressed job registration pattern carries over unchanged.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Scheduler coordinates interval-based background jobs. The zero value is
// not usable — create instances with New.
type Scheduler struct {
	cron   gocron.Scheduler
	logger *zap.Logger
}

func New(logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create: %w", err)
	}
	return &Scheduler{cron: s, logger: logger.Named("scheduler")}, nil
}

// RegisterInterval schedules task to run every d, tagged by name for later
// lookup. Singleton mode means an overrunning execution is skipped rather
// than stacked, matching the teacher's policy-job behavior.
func (s *Scheduler) RegisterInterval(name string, d time.Duration, timeout time.Duration, task func(ctx context.Context) error) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(d),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := task(ctx); err != nil {
				s.logger.Error("background task failed", zap.String("task", name), zap.Error(err))
			}
		}),
		gocron.WithTags(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: register %q: %w", name, err)
	}
	return nil
}

// Start begins running all registered jobs.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop waits for any in-flight job executions to finish before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}
