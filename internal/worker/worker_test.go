package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven/mocks"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driving"
)

// slowQueue delays dequeues so worker loops don't spin
type slowQueue struct {
	*mocks.MockTaskQueue
	dequeueDelay time.Duration
	pingErr      error
}

func newSlowQueue(delay time.Duration) *slowQueue {
	return &slowQueue{MockTaskQueue: mocks.NewMockTaskQueue(), dequeueDelay: delay}
}

func (q *slowQueue) DequeueWithTimeout(ctx context.Context, timeout int) (*domain.Task, error) {
	task, err := q.Dequeue(ctx)
	if task != nil || err != nil {
		return task, err
	}
	select {
	case <-time.After(q.dequeueDelay):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *slowQueue) Ping(ctx context.Context) error {
	return q.pingErr
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	runFn func(subjectPath, period string) (*domain.PipelineRunReport, error)
}

func (f *fakeRunner) Run(ctx context.Context, subjectPath, period string) (*domain.PipelineRunReport, error) {
	f.mu.Lock()
	f.calls = append(f.calls, subjectPath+"@"+period)
	f.mu.Unlock()
	if f.runFn != nil {
		return f.runFn(subjectPath, period)
	}
	return &domain.PipelineRunReport{SubjectPath: subjectPath, Period: period, Success: true}, nil
}

func (f *fakeRunner) RunBatch(ctx context.Context, requests []driving.RunRequest) []driving.RunOutcome {
	return nil
}

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeCollection struct {
	providers []string
	stats     *driving.CollectionStats
	err       error
}

func (f *fakeCollection) Collect(ctx context.Context, subjectPath string, providers []string) (*driving.CollectionStats, error) {
	f.providers = providers
	if f.err != nil {
		return nil, f.err
	}
	if f.stats != nil {
		return f.stats, nil
	}
	return &driving.CollectionStats{Executions: 2, Successful: 2}, nil
}

type fakePoller struct {
	mu      sync.Mutex
	started bool
	stopped bool
}

func (p *fakePoller) Start(ctx context.Context) {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
}

func (p *fakePoller) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

func TestNewWorker_Defaults(t *testing.T) {
	w := NewWorker(WorkerConfig{TaskQueue: mocks.NewMockTaskQueue()})

	if w.concurrency != 1 {
		t.Errorf("expected default concurrency 1, got %d", w.concurrency)
	}
	if w.dequeueTimeout != 5 {
		t.Errorf("expected default dequeue timeout 5, got %d", w.dequeueTimeout)
	}
	if w.logger == nil {
		t.Error("expected default logger")
	}
}

func TestWorker_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	queue := newSlowQueue(20 * time.Millisecond)
	poller := &fakePoller{}
	w := NewWorker(WorkerConfig{
		TaskQueue:      queue,
		Runner:         &fakeRunner{},
		Poller:         poller,
		Concurrency:    2,
		DequeueTimeout: 1,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	if !w.Health(ctx).Running {
		t.Error("expected worker to be running")
	}

	// Start again should be no-op
	if err := w.Start(ctx); err != nil {
		t.Errorf("second start should not error: %v", err)
	}

	w.Stop()

	if w.Health(ctx).Running {
		t.Error("expected worker to be stopped")
	}
	if !poller.started || !poller.stopped {
		t.Errorf("expected poller to be started and stopped, got %+v", poller)
	}

	// Stop again should be no-op
	w.Stop()
}

func TestWorker_ProcessesQueuedRuns(t *testing.T) {
	defer goleak.VerifyNone(t)

	queue := newSlowQueue(10 * time.Millisecond)
	runner := &fakeRunner{}
	_ = queue.Enqueue(context.Background(), domain.NewRunAnalysisTask("Bebidas/Cava", "2025-10"))
	_ = queue.Enqueue(context.Background(), domain.NewRunAnalysisTask("Bebidas/Vermut", "2025-W40"))

	w := NewWorker(WorkerConfig{TaskQueue: queue, Runner: runner})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(queue.Acked()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	w.Stop()

	if got := len(queue.Acked()); got != 2 {
		t.Fatalf("expected 2 acked tasks, got %d", got)
	}
	calls := runner.Calls()
	if len(calls) != 2 || calls[0] != "Bebidas/Cava@2025-10" || calls[1] != "Bebidas/Vermut@2025-W40" {
		t.Errorf("unexpected runner calls %v", calls)
	}
}

func TestWorker_ProcessTask_RunAnalysis(t *testing.T) {
	tests := []struct {
		name      string
		task      *domain.Task
		runFn     func(subjectPath, period string) (*domain.PipelineRunReport, error)
		expectAck bool
	}{
		{
			name:      "successful run",
			task:      domain.NewRunAnalysisTask("Bebidas/Cava", "2025-10"),
			expectAck: true,
		},
		{
			name: "unsuccessful report",
			task: domain.NewRunAnalysisTask("Bebidas/Cava", "2025-10"),
			runFn: func(subjectPath, period string) (*domain.PipelineRunReport, error) {
				return &domain.PipelineRunReport{Success: false, Error: "quantitative failed"}, nil
			},
		},
		{
			name: "run error",
			task: domain.NewRunAnalysisTask("Bebidas/Cava", "2025-10"),
			runFn: func(subjectPath, period string) (*domain.PipelineRunReport, error) {
				return nil, domain.ErrRunInProgress
			},
		},
		{
			name: "missing period",
			task: domain.NewTask(domain.TaskTypeRunAnalysis, map[string]string{"subject_path": "Bebidas/Cava"}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := mocks.NewMockTaskQueue()
			w := NewWorker(WorkerConfig{TaskQueue: queue, Runner: &fakeRunner{runFn: tt.runFn}})

			w.processTask(context.Background(), tt.task, slog.Default())

			acked, nacked := len(queue.Acked()), len(queue.Nacked())
			if tt.expectAck && (acked != 1 || nacked != 0) {
				t.Errorf("expected ack, got acked=%d nacked=%d", acked, nacked)
			}
			if !tt.expectAck && (acked != 0 || nacked != 1) {
				t.Errorf("expected nack, got acked=%d nacked=%d", acked, nacked)
			}
		})
	}
}

func TestWorker_ProcessTask_Collect(t *testing.T) {
	tests := []struct {
		name       string
		collection *fakeCollection
		expectAck  bool
	}{
		{
			name:       "all executions succeed",
			collection: &fakeCollection{},
			expectAck:  true,
		},
		{
			name:       "partial failure still acks",
			collection: &fakeCollection{stats: &driving.CollectionStats{Executions: 3, Successful: 1, Failed: 2}},
			expectAck:  true,
		},
		{
			name:       "nothing due",
			collection: &fakeCollection{stats: &driving.CollectionStats{}},
			expectAck:  true,
		},
		{
			name:       "every execution failed",
			collection: &fakeCollection{stats: &driving.CollectionStats{Executions: 2, Failed: 2}},
		},
		{
			name:       "collection error",
			collection: &fakeCollection{err: domain.ErrNotFound},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := mocks.NewMockTaskQueue()
			w := NewWorker(WorkerConfig{TaskQueue: queue, Collection: tt.collection})

			task := domain.NewCollectTask("Bebidas/Cava", []string{"openai", "google"})
			w.processTask(context.Background(), task, slog.Default())

			if got := len(queue.Acked()) == 1; got != tt.expectAck {
				t.Errorf("expected ack=%v, acked=%v nacked=%v", tt.expectAck, queue.Acked(), queue.Nacked())
			}
			if len(tt.collection.providers) != 2 {
				t.Errorf("expected providers forwarded, got %v", tt.collection.providers)
			}
		})
	}
}

func TestWorker_ProcessTask_CollectNotConfigured(t *testing.T) {
	queue := mocks.NewMockTaskQueue()
	w := NewWorker(WorkerConfig{TaskQueue: queue})

	w.processTask(context.Background(), domain.NewCollectTask("Bebidas/Cava", nil), slog.Default())

	if len(queue.Nacked()) != 1 {
		t.Errorf("expected 1 nack without collection service, got %d", len(queue.Nacked()))
	}
}

func TestWorker_ProcessTask_UnknownType(t *testing.T) {
	queue := mocks.NewMockTaskQueue()
	w := NewWorker(WorkerConfig{TaskQueue: queue, Runner: &fakeRunner{}})

	task := domain.NewTask(domain.TaskType("unknown_type"), nil)
	w.processTask(context.Background(), task, slog.Default())

	if len(queue.Nacked()) != 1 {
		t.Errorf("expected 1 nack for unknown type, got %d", len(queue.Nacked()))
	}
}

func TestWorker_Health(t *testing.T) {
	queue := newSlowQueue(0)
	w := NewWorker(WorkerConfig{TaskQueue: queue})
	ctx := context.Background()

	health := w.Health(ctx)
	if health.Running {
		t.Error("expected not running")
	}
	if !health.QueueHealth {
		t.Error("expected queue to be healthy")
	}

	queue.pingErr = errors.New("connection failed")
	health = w.Health(ctx)
	if health.QueueHealth {
		t.Error("expected queue to be unhealthy")
	}
	if health.Error != "connection failed" {
		t.Errorf("expected error message, got %q", health.Error)
	}
}

func TestWorker_ContextCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	queue := newSlowQueue(500 * time.Millisecond)
	w := NewWorker(WorkerConfig{TaskQueue: queue, DequeueTimeout: 10})

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}

	time.AfterFunc(50*time.Millisecond, cancel)

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("worker did not stop after context cancellation")
		w.Stop()
	}
}
