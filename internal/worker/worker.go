package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driving"
)

// Poller enqueues periodic work while the worker runs
type Poller interface {
	Start(ctx context.Context)
	Stop()
}

// Worker processes tasks from the task queue: analysis runs and
// collection passes.
type Worker struct {
	taskQueue  driven.TaskQueue
	runner     driving.AnalysisRunner
	collection driving.CollectionService
	poller     Poller
	logger     *slog.Logger

	// Configuration
	concurrency    int
	dequeueTimeout int // seconds

	// Internal state
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// WorkerConfig holds configuration for the worker.
type WorkerConfig struct {
	TaskQueue      driven.TaskQueue
	Runner         driving.AnalysisRunner
	Collection     driving.CollectionService // Optional, collect tasks fail without it
	Poller         Poller                    // Optional
	Logger         *slog.Logger
	Concurrency    int // Number of concurrent task processors
	DequeueTimeout int // Seconds to wait for a task before checking again
}

// NewWorker creates a new task worker.
func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	dequeueTimeout := cfg.DequeueTimeout
	if dequeueTimeout <= 0 {
		dequeueTimeout = 5
	}

	return &Worker{
		taskQueue:      cfg.TaskQueue,
		runner:         cfg.Runner,
		collection:     cfg.Collection,
		poller:         cfg.Poller,
		logger:         logger,
		concurrency:    concurrency,
		dequeueTimeout: dequeueTimeout,
	}
}

// Start begins the worker loop.
// It runs until Stop is called or context is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	w.logger.Info("worker starting",
		"concurrency", w.concurrency,
		"dequeue_timeout", w.dequeueTimeout,
	)

	if w.poller != nil {
		w.poller.Start(ctx)
	}

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			w.processLoop(ctx, workerID)
		}(i)
	}

	go func() {
		wg.Wait()
		close(w.doneCh)
	}()

	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	close(w.stopCh)
	w.mu.Unlock()

	if w.poller != nil {
		w.poller.Stop()
	}

	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("worker stopped")
}

// Wait blocks until the worker stops.
func (w *Worker) Wait() {
	<-w.doneCh
}

// processLoop is the main processing loop for a worker goroutine.
func (w *Worker) processLoop(ctx context.Context, workerID int) {
	logger := w.logger.With("worker_id", workerID)
	logger.Debug("worker goroutine started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker context cancelled")
			return
		case <-w.stopCh:
			logger.Debug("worker stop signal received")
			return
		default:
		}

		task, err := w.taskQueue.DequeueWithTimeout(ctx, w.dequeueTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			logger.Error("failed to dequeue task", "error", err)
			// Back off on error
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			case <-w.stopCh:
			}
			continue
		}

		if task == nil {
			continue
		}

		w.processTask(ctx, task, logger)
	}
}

// processTask processes a single task.
func (w *Worker) processTask(ctx context.Context, task *domain.Task, logger *slog.Logger) {
	logger = logger.With("task_id", task.ID, "task_type", task.Type, "subject", task.SubjectPath(), "attempt", task.Attempts)
	logger.Info("processing task")

	startTime := time.Now()
	var err error

	switch task.Type {
	case domain.TaskTypeRunAnalysis:
		err = w.handleRunAnalysis(ctx, task)
	case domain.TaskTypeCollect:
		err = w.handleCollect(ctx, task, logger)
	default:
		err = fmt.Errorf("unknown task type: %s", task.Type)
	}

	duration := time.Since(startTime)

	if err != nil {
		logger.Error("task failed",
			"duration", duration,
			"error", err,
		)

		// Nack the task so it can be retried
		if nackErr := w.taskQueue.Nack(ctx, task.ID, err.Error()); nackErr != nil {
			logger.Error("failed to nack task", "nack_error", nackErr)
		}
		return
	}

	logger.Info("task completed", "duration", duration)

	if ackErr := w.taskQueue.Ack(ctx, task.ID); ackErr != nil {
		logger.Error("failed to ack task", "ack_error", ackErr)
	}
}

// handleRunAnalysis handles a run_analysis task.
func (w *Worker) handleRunAnalysis(ctx context.Context, task *domain.Task) error {
	subjectPath, period := task.SubjectPath(), task.Period()
	if subjectPath == "" || period == "" {
		return errors.New("subject_path and period are required in task payload")
	}

	report, err := w.runner.Run(ctx, subjectPath, period)
	if err != nil {
		return err
	}
	if !report.Success {
		return fmt.Errorf("analysis failed: %s", report.Error)
	}

	counts := report.Counts()
	w.logger.Info("analysis finished",
		"task_id", task.ID,
		"report_id", report.ReportID,
		"successful", counts.Successful,
		"failed", counts.Failed,
		"skipped", counts.Skipped,
		"duration", report.TotalTime,
	)
	return nil
}

// handleCollect handles a collect task.
func (w *Worker) handleCollect(ctx context.Context, task *domain.Task, logger *slog.Logger) error {
	if w.collection == nil {
		return errors.New("collection service not configured")
	}
	subjectPath := task.SubjectPath()
	if subjectPath == "" {
		return errors.New("subject_path not found in task payload")
	}

	stats, err := w.collection.Collect(ctx, subjectPath, task.Providers())
	if err != nil {
		return err
	}

	if stats.Failed > 0 {
		// Individual provider failures are logged and do not fail the task
		logger.Warn("some executions failed",
			"executions", stats.Executions,
			"failed", stats.Failed,
		)
	}
	if stats.Executions > 0 && stats.Successful == 0 {
		return fmt.Errorf("all %d executions failed", stats.Executions)
	}
	return nil
}

// Health returns health status of the worker.
type Health struct {
	Running     bool   `json:"running"`
	QueueHealth bool   `json:"queue_health"`
	Error       string `json:"error,omitempty"`
}

// Health returns the health status of the worker.
func (w *Worker) Health(ctx context.Context) Health {
	w.mu.RLock()
	running := w.running
	w.mu.RUnlock()

	health := Health{
		Running: running,
	}

	if err := w.taskQueue.Ping(ctx); err != nil {
		health.QueueHealth = false
		health.Error = err.Error()
	} else {
		health.QueueHealth = true
	}

	return health
}
