package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
)

const pollerLockName = "collection-poller"

// Poller periodically enqueues collect tasks for subjects with due questions.
// It runs on worker nodes.
//
// For multi-worker deployments, configure a DistributedLock so only one
// instance enqueues per cycle.
type Poller struct {
	subjects     driven.SubjectStore
	observations driven.ObservationStore
	taskQueue    driven.TaskQueue
	lock         driven.DistributedLock
	logger       *slog.Logger
	now          func() time.Time

	mu       sync.RWMutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	interval time.Duration
	lockTTL  time.Duration
}

// PollerConfig holds configuration for the poller.
type PollerConfig struct {
	Subjects     driven.SubjectStore
	Observations driven.ObservationStore
	TaskQueue    driven.TaskQueue
	Lock         driven.DistributedLock // Optional
	Logger       *slog.Logger
	PollInterval time.Duration // How often to look for due questions (default: 5m)
	LockTTL      time.Duration // TTL of the poller lock (default: 2x poll interval)
}

// NewPoller creates a new poller.
func NewPoller(cfg PollerConfig) *Poller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 2 * interval
	}
	return &Poller{
		subjects:     cfg.Subjects,
		observations: cfg.Observations,
		taskQueue:    cfg.TaskQueue,
		lock:         cfg.Lock,
		logger:       logger,
		now:          time.Now,
		interval:     interval,
		lockTTL:      lockTTL,
	}
}

// Start begins the poll loop. It runs until Stop is called or ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	p.logger.Info("poller starting", "poll_interval", p.interval)
	go p.run(ctx)
}

// Stop stops the loop and waits for it to exit.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	p.mu.Unlock()

	<-p.doneCh

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.logger.Info("poller stopped")
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs one cycle and returns the number of tasks enqueued. Subjects
// that already have a pending collect task are left alone.
func (p *Poller) Poll(ctx context.Context) int {
	if p.lock != nil {
		acquired, err := p.lock.Acquire(ctx, pollerLockName, p.lockTTL)
		if err != nil {
			p.logger.Warn("failed to acquire poller lock", "error", err)
			return 0
		}
		if !acquired {
			p.logger.Debug("poller lock held by another instance, skipping cycle")
			return 0
		}
		defer func() {
			if err := p.lock.Release(context.WithoutCancel(ctx), pollerLockName); err != nil {
				p.logger.Warn("failed to release poller lock", "error", err)
			}
		}()
	}

	subjects, err := p.subjects.ListSubjects(ctx, true)
	if err != nil {
		p.logger.Error("failed to list subjects", "error", err)
		return 0
	}
	pending, err := p.pendingCollects(ctx)
	if err != nil {
		p.logger.Error("failed to list pending tasks", "error", err)
		return 0
	}

	now := p.now()
	enqueued := 0
	for _, subject := range subjects {
		path := subject.Path()
		if pending[path] {
			continue
		}
		questions, err := p.observations.ListQuestions(ctx, subject.ID, true)
		if err != nil {
			p.logger.Warn("failed to list questions", "subject_id", subject.ID, "error", err)
			continue
		}
		due := DueQuestions(questions, now)
		if len(due) == 0 {
			continue
		}

		task := domain.NewCollectTask(path, nil)
		if err := p.taskQueue.Enqueue(ctx, task); err != nil {
			p.logger.Error("failed to enqueue collect task", "subject", path, "error", err)
			continue
		}
		enqueued++
		p.logger.Info("enqueued collect task",
			"subject", path,
			"task_id", task.ID,
			"due_questions", len(due),
		)
	}
	return enqueued
}

func (p *Poller) pendingCollects(ctx context.Context) (map[string]bool, error) {
	tasks, err := p.taskQueue.ListTasks(ctx, driven.TaskFilter{
		Status: domain.TaskStatusPending,
		Type:   domain.TaskTypeCollect,
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		out[t.SubjectPath()] = true
	}
	return out, nil
}
