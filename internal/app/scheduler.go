/**
 * @description
 * This file defines the cron scheduler that drives the nightly billing sweep.
 * It wraps the robfig/cron library, registers the reconciler's sweep on the
 * configured schedule, and exposes start/stop hooks for the main application
 * lifecycle.
 *
 * @dependencies
 * - github.com/robfig/cron/v3: For cron job scheduling.
 */

package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
	logger     *slog.Logger
	schedule   string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(reconciler *Reconciler, logger *slog.Logger, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	return &Scheduler{
		cron:       c,
		reconciler: reconciler,
		logger:     logger,
		schedule:   schedule,
	}
}

// Start registers the billing sweep and starts the cron scheduler.
func (s *Scheduler) Start() {
	if _, err := s.cron.AddFunc(s.schedule, s.reconciler.RunBillingSweep); err != nil {
		s.logger.Error("failed to schedule billing sweep", "error", err)
	} else {
		s.logger.Info("scheduled billing sweep", "schedule", s.schedule)
	}

	s.cron.Start()
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
