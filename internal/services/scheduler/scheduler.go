// Package scheduler runs the daily counter reset and other periodic upkeep.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
	"github.com/sparkmatch/msgsafety/internal/middleware"
	"github.com/sparkmatch/msgsafety/internal/services/storage"
)

const (
	// DailyResetCron fires at 00:00 UTC
	DailyResetCron = "0 0 * * *"

	resetTimeout = time.Minute
)

// Scheduler owns the periodic jobs of the service
type Scheduler struct {
	cron     gocron.Scheduler
	store    storage.Store
	metrics  *middleware.Metrics
	logger   *logrus.Logger
	resetJob gocron.Job
}

// New creates a scheduler with the daily reset job registered
func New(store storage.Store, metrics *middleware.Metrics, logger *logrus.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(newCronLogger(logger)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	s := &Scheduler{
		cron:    cron,
		store:   store,
		metrics: metrics,
		logger:  logger,
	}

	s.resetJob, err = cron.NewJob(
		gocron.CronJob(DailyResetCron, false),
		gocron.NewTask(s.runReset),
		gocron.WithName("daily-counter-reset"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to schedule daily reset: %w", err)
	}

	return s, nil
}

// Every registers fn to run at a fixed interval
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(fn),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule job %q: %w", name, err)
	}

	s.logger.WithFields(logrus.Fields{
		"name":     name,
		"interval": interval,
	}).Info("Job scheduled")
	return nil
}

// Start sweeps stale counters once and then starts the scheduled jobs.
// The sweep covers a process that was down over midnight.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.ResetNow(ctx); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// ResetNow removes all counters not belonging to today
func (s *Scheduler) ResetNow(ctx context.Context) (int, error) {
	removed, err := s.store.ResetDaily(ctx)
	s.metrics.RecordCounterOperation("reset", err)
	if err != nil {
		return 0, fmt.Errorf("failed to reset daily counters: %w", err)
	}

	s.metrics.RecordDailyReset(removed)
	s.logger.WithField("removed", removed).Info("Daily counters reset")
	return removed, nil
}

// NextReset returns when the daily reset will run next
func (s *Scheduler) NextReset() (time.Time, error) {
	return s.resetJob.NextRun()
}

// Stop shuts down the scheduler and waits for running jobs
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown scheduler: %w", err)
	}
	return nil
}

func (s *Scheduler) runReset() {
	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()

	if _, err := s.ResetNow(ctx); err != nil {
		s.logger.WithError(err).Error("Scheduled counter reset failed")
	}
}
