package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/hottake/studio/internal/jobstore"
	"github.com/hottake/studio/internal/logging"
	"github.com/hottake/studio/internal/model"
)

const staleBatch = 500

// CleanupWorker deletes terminal jobs older than maxAgeHours and cancels
// pending or processing jobs that have not been written for staleAfter.
type CleanupWorker struct {
	jobs        jobstore.Store
	maxAgeHours int
	staleAfter  time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// NewCleanupWorker returns a sweeper. staleAfter <= 0 disables cancellation.
func NewCleanupWorker(jobs jobstore.Store, maxAgeHours int, staleAfter time.Duration, logger *slog.Logger) *CleanupWorker {
	return &CleanupWorker{
		jobs:        jobs,
		maxAgeHours: maxAgeHours,
		staleAfter:  staleAfter,
		now:         time.Now,
		logger:      logger,
	}
}

// Sweep deletes before it cancels, so a job cancelled here survives until
// the next sweep finds it old enough.
func (w *CleanupWorker) Sweep(ctx context.Context) (int, error) {
	deleted, err := w.jobs.CleanupOld(ctx, w.maxAgeHours)
	if err != nil {
		return deleted, fmt.Errorf("cleanup sweep failed: %w", err)
	}
	if deleted > 0 {
		w.logger.Info("Cleanup sweep removed jobs", "deleted", deleted, "max_age_hours", w.maxAgeHours)
	}

	cancelled, err := w.CancelStale(ctx)
	if err != nil {
		return deleted, err
	}
	if cancelled > 0 {
		w.logger.Warn("Cancelled stale jobs", "cancelled", cancelled, "stale_after", w.staleAfter)
	}
	return deleted, nil
}

// CancelStale marks pending and processing jobs whose last write is more
// than staleAfter old as cancelled. These are jobs whose worker died
// mid-run or that never left the queue. A running pipeline writes progress
// at every stage, so live work keeps a fresh updated_at.
func (w *CleanupWorker) CancelStale(ctx context.Context) (int, error) {
	if w.staleAfter <= 0 {
		return 0, nil
	}
	cutoff := w.now().Add(-w.staleAfter)
	msg := fmt.Sprintf("cancelled: no progress within %s", w.staleAfter)

	cancelled := 0
	for _, status := range []model.JobStatus{model.JobStatusPending, model.JobStatusProcessing} {
		// updated_at is never before created_at, so listing by creation
		// time only narrows the candidates. offset skips live jobs.
		offset := 0
		for {
			recs, err := w.jobs.List(ctx, jobstore.ListOptions{
				Status: string(status),
				Until:  cutoff,
				Limit:  staleBatch,
				Offset: offset,
			})
			if err != nil {
				return cancelled, fmt.Errorf("failed to list stale jobs: %w", err)
			}

			for _, rec := range recs {
				if lastWrite(rec).After(cutoff) {
					offset++
					continue
				}
				ok, err := w.jobs.Update(ctx, rec.ID(), jobstore.Record{
					model.FieldStatus:   string(model.JobStatusCancelled),
					model.FieldError:    msg,
					model.FieldProgress: "Cancelled",
				})
				if err != nil {
					return cancelled, fmt.Errorf("failed to cancel job %s: %w", rec.ID(), err)
				}
				if ok {
					cancelled++
				} else {
					offset++
				}
			}
			if len(recs) < staleBatch {
				break
			}
		}
	}
	return cancelled, nil
}

// lastWrite is the job's updated_at, or its created_at when updated_at is
// missing or unreadable. A record with neither counts as the epoch.
func lastWrite(rec jobstore.Record) time.Time {
	for _, ts := range []string{rec.UpdatedAt(), rec.CreatedAt()} {
		if ts == "" {
			continue
		}
		if t, err := jobstore.ParseTimestamp(ts); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ProcessTask is the asynq handler for the scheduled sweep.
func (w *CleanupWorker) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	_, err := w.Sweep(ctx)
	return err
}

// RunLoop sweeps every interval until ctx is done. Used when no asynq
// scheduler is running.
func (w *CleanupWorker) RunLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.logger.Error("Periodic cleanup failed", "error", err)
			}
		}
	}
}

// NewCleanupScheduler registers the periodic sweep task. Sweeps enqueued by
// several replicas within one interval collapse into one.
func NewCleanupScheduler(redisOpt asynq.RedisConnOpt, interval time.Duration, logLevel string, logger *slog.Logger) (*asynq.Scheduler, error) {
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Logger:   &logging.AsynqAdapter{Logger: logger},
		LogLevel: logging.AsynqLevel(logLevel),
	})

	spec := fmt.Sprintf("@every %s", interval)
	_, err := scheduler.Register(spec, asynq.NewTask(TaskTypeCleanup, nil),
		asynq.Queue(QueueMaintenance),
		asynq.MaxRetry(1),
		asynq.Unique(interval),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register cleanup schedule: %w", err)
	}
	return scheduler, nil
}
