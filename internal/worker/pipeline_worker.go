package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/hottake/studio/internal/model"
)

const (
	TaskTypePipeline = "pipeline:run"
	TaskTypeCleanup  = "jobs:cleanup"

	QueuePipeline    = "pipeline"
	QueueMaintenance = "maintenance"
)

// Runner executes one job. *service.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, jobID string, req *model.GenerateRequest) error
}

// Enqueuer is the part of *asynq.Client the dispatcher needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type pipelinePayload struct {
	JobID   string                 `json:"jobId"`
	Request *model.GenerateRequest `json:"request"`
}

// NewPipelineTask wraps a job id and its request for the queue.
func NewPipelineTask(jobID string, req *model.GenerateRequest) (*asynq.Task, error) {
	data, err := json.Marshal(pipelinePayload{JobID: jobID, Request: req})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal pipeline payload: %w", err)
	}
	return asynq.NewTask(TaskTypePipeline, data), nil
}

// AsynqDispatcher queues jobs in Redis for any process running a worker
// server.
type AsynqDispatcher struct {
	client Enqueuer
	logger *slog.Logger
}

func NewAsynqDispatcher(client Enqueuer, logger *slog.Logger) *AsynqDispatcher {
	return &AsynqDispatcher{client: client, logger: logger}
}

func (d *AsynqDispatcher) Dispatch(ctx context.Context, jobID string, req *model.GenerateRequest) error {
	task, err := NewPipelineTask(jobID, req)
	if err != nil {
		return err
	}

	info, err := d.client.EnqueueContext(ctx, task,
		asynq.Queue(QueuePipeline),
		asynq.MaxRetry(3),
		asynq.Retention(24*time.Hour),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	d.logger.Debug("Enqueued pipeline task", "job_id", jobID, "task_id", info.ID, "queue", info.Queue)
	return nil
}

// PipelineWorker is the asynq handler for pipeline tasks.
type PipelineWorker struct {
	runner Runner
	logger *slog.Logger
}

func NewPipelineWorker(runner Runner, logger *slog.Logger) *PipelineWorker {
	return &PipelineWorker{runner: runner, logger: logger}
}

// ProcessTask runs the pipeline. Stage failures are already recorded on the
// job, so only store errors are returned for asynq to retry.
func (w *PipelineWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload pipelinePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" || payload.Request == nil {
		return fmt.Errorf("pipeline task without job id or request: %w", asynq.SkipRetry)
	}

	w.logger.Info("Processing pipeline task", "job_id", payload.JobID, "kind", payload.Request.Kind)
	return w.runner.Run(ctx, payload.JobID, payload.Request)
}
