package worker

import (
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/hottake/studio/internal/logging"
)

// NewServer builds the asynq worker server. Pipeline work gets most of the
// capacity; cleanup runs on its own low-weight queue.
func NewServer(redisOpt asynq.RedisConnOpt, concurrency int, logLevel string, logger *slog.Logger) *asynq.Server {
	if concurrency < 1 {
		concurrency = 1
	}
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueuePipeline:    8,
			QueueMaintenance: 2,
		},
		Logger:   &logging.AsynqAdapter{Logger: logger},
		LogLevel: logging.AsynqLevel(logLevel),
	})
}

func NewServeMux(pipeline *PipelineWorker, cleanup *CleanupWorker) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypePipeline, pipeline.ProcessTask)
	mux.HandleFunc(TaskTypeCleanup, cleanup.ProcessTask)
	return mux
}
