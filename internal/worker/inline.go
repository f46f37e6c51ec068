package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hottake/studio/internal/model"
)

var ErrDispatcherClosed = errors.New("dispatcher is shut down")

// InlineDispatcher runs jobs on goroutines inside the API process, at most
// concurrency at a time. Runs are detached from the submitting request.
type InlineDispatcher struct {
	runner Runner
	sem    chan struct{}
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewInlineDispatcher(runner Runner, concurrency int, logger *slog.Logger) *InlineDispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InlineDispatcher{
		runner: runner,
		sem:    make(chan struct{}, concurrency),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (d *InlineDispatcher) Dispatch(_ context.Context, jobID string, req *model.GenerateRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	d.wg.Add(1)
	go d.run(jobID, req)
	return nil
}

func (d *InlineDispatcher) run(jobID string, req *model.GenerateRequest) {
	defer d.wg.Done()

	select {
	case d.sem <- struct{}{}:
	case <-d.ctx.Done():
		d.logger.Warn("Dropping queued job on shutdown", "job_id", jobID)
		return
	}
	defer func() { <-d.sem }()

	if err := d.runner.Run(d.ctx, jobID, req); err != nil {
		d.logger.Error("Pipeline run failed", "job_id", jobID, "error", err)
	}
}

// Shutdown stops accepting jobs and waits for running ones. After timeout
// the remaining runs are cancelled and awaited.
func (d *InlineDispatcher) Shutdown(timeout time.Duration) {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		d.logger.Warn("Cancelling in-flight jobs", "timeout", timeout)
		d.cancel()
		<-done
	}
	d.cancel()
}
