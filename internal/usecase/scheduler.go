package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/maxbeyer1/reddit-monitor/internal/ports"
)

// Scheduler wires the interval driver with the pipeline use case.
type Scheduler struct {
	driver   ports.Scheduler
	pipeline *Pipeline
	logger   *slog.Logger
}

// NewScheduler returns a helper to start/stop recurring polls.
func NewScheduler(driver ports.Scheduler, pipeline *Pipeline, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{driver: driver, pipeline: pipeline, logger: logger}
}

// Start registers the pipeline with the provided scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.pipeline == nil {
		return nil
	}

	job := func(trigger time.Time) {
		res, err := s.pipeline.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrSource) {
				s.logger.Warn("poll failed, retrying next tick", "error", err)
				return
			}
			s.logger.Error("poll aborted", "error", err)
			return
		}
		s.logger.Debug("poll done", "trigger", trigger, "fetched", res.Fetched, "new", res.New,
			"notified", res.Notified, "failed", res.Failed)
	}

	return s.driver.Start(ctx, job)
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
