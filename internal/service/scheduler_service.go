package service

import (
	"context"
	"time"

	"github.com/heraldmail/herald/internal/domain"
	"github.com/heraldmail/herald/pkg/logger"
)

// SchedulerService owns the periodic dispatch registration. At most one
// registration exists; its handle lives in the dispatch job singleton so a
// restart can tell whether a previous process had scheduling enabled.
type SchedulerService struct {
	jobRepo    domain.JobRepository
	runner     PeriodicRunner
	dispatcher domain.DispatchServiceInterface
	logger     logger.Logger
}

// NewSchedulerService creates a new SchedulerService
func NewSchedulerService(jobRepo domain.JobRepository, runner PeriodicRunner, dispatcher domain.DispatchServiceInterface, log logger.Logger) *SchedulerService {
	return &SchedulerService{
		jobRepo:    jobRepo,
		runner:     runner,
		dispatcher: dispatcher,
		logger:     log,
	}
}

var _ domain.SchedulerServiceInterface = (*SchedulerService)(nil)

// ScheduleProcess replaces the periodic dispatch registration. Any existing
// registration is deregistered first. A nil interval cancels scheduling and
// clears the stored handle. Otherwise a new periodic invocation of
// ProcessQueue(host, port) is registered and its handle stored, with
// last_run_date reset.
func (s *SchedulerService) ScheduleProcess(ctx context.Context, intervalMinutes *int, host string, port int) error {
	job, err := s.jobRepo.Get(ctx)
	if err != nil {
		return err
	}

	if job.JobID != nil {
		s.runner.Deregister(*job.JobID)
	}

	if intervalMinutes == nil {
		return s.jobRepo.SetJobID(ctx, nil)
	}
	if *intervalMinutes <= 0 {
		return domain.NewValidationError("interval_minutes must be positive")
	}

	interval := time.Duration(*intervalMinutes) * time.Minute
	id := s.runner.Register(ctx, interval, func(runCtx context.Context) {
		if err := s.dispatcher.ProcessQueue(runCtx, host, port); err != nil {
			s.logger.WithField("error", err.Error()).Error("Queue processing failed")
		}
	})

	if err := s.jobRepo.SetJobID(ctx, &id); err != nil {
		// The registration must not outlive a handle we failed to store.
		s.runner.Deregister(id)
		return err
	}

	s.logger.WithFields(map[string]interface{}{
		"job_id":           id,
		"interval_minutes": *intervalMinutes,
	}).Info("Dispatch scheduled")

	return nil
}
