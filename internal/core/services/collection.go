package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driving"
	"github.com/custodia-labs/twolaps-core/internal/runtime"
)

const defaultCollectionConcurrency = 4

// Ensure CollectionService implements driving.CollectionService
var _ driving.CollectionService = (*CollectionService)(nil)

// ObservationHook runs after an observation is committed. Hook errors are
// logged and never undo the write.
type ObservationHook func(ctx context.Context, subject *domain.Subject, entities []*domain.TrackedEntity, obs *domain.RawObservation) error

// IndexHook indexes the answer text as query_execution fragments.
func IndexHook(retrieval driving.RetrievalService) ObservationHook {
	return func(ctx context.Context, subject *domain.Subject, _ []*domain.TrackedEntity, obs *domain.RawObservation) error {
		period := obs.Timestamp.UTC().Format(time.DateOnly)
		retrieval.Index(ctx, subject.ID, period, domain.FragmentQueryExecution, obs.ID, obs.Text)
		return nil
	}
}

// CollectionService asks the due questions of a subject to answer
// providers and stores every answer as a raw observation.
type CollectionService struct {
	subjects     driven.SubjectStore
	observations driven.ObservationStore
	providers    map[string]driven.GenerativeService
	services     *runtime.Services
	limiter      *rate.Limiter
	hooks        []ObservationHook
	logger       *slog.Logger
	concurrency  int
	timeout      time.Duration
	now          func() time.Time
}

// CollectionConfig holds dependencies for CollectionService.
type CollectionConfig struct {
	Subjects     driven.SubjectStore
	Observations driven.ObservationStore
	Providers    map[string]driven.GenerativeService // Answer providers by name
	Services     *runtime.Services                   // Optional, consulted for providers not in Providers
	Limiter      *rate.Limiter                       // Optional, unlimited when nil
	Hooks        []ObservationHook
	Logger       *slog.Logger
	Concurrency  int           // Parallel provider calls (default: 4)
	Timeout      time.Duration // Per provider call (default: 90s)
}

// NewCollectionService creates a new collection service.
func NewCollectionService(cfg CollectionConfig) *CollectionService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultCollectionConcurrency
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	return &CollectionService{
		subjects:     cfg.Subjects,
		observations: cfg.Observations,
		providers:    cfg.Providers,
		services:     cfg.Services,
		limiter:      limiter,
		hooks:        cfg.Hooks,
		logger:       logger,
		concurrency:  concurrency,
		timeout:      timeout,
		now:          time.Now,
	}
}

// DueQuestions returns the questions that were never run or are overdue at now.
func DueQuestions(questions []*domain.Question, now time.Time) []*domain.Question {
	var due []*domain.Question
	for _, q := range questions {
		if q.IsDue(now) {
			due = append(due, q)
		}
	}
	return due
}

type execution struct {
	question *domain.Question
	provider string
}

// Collect executes every due (question, provider) pair of the subject.
// An empty providers list uses the providers configured on each question.
// Post-commit hooks run concurrently with the remaining executions and are
// drained before Collect returns.
func (s *CollectionService) Collect(ctx context.Context, subjectPath string, providers []string) (*driving.CollectionStats, error) {
	startTime := time.Now()

	market, category, err := domain.ParseSubjectPath(subjectPath)
	if err != nil {
		return nil, err
	}
	subject, err := s.subjects.GetSubjectByPath(ctx, market, category)
	if err != nil {
		return nil, fmt.Errorf("get subject %s: %w", subjectPath, err)
	}
	entities, err := s.subjects.ListEntities(ctx, subject.ID)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	questions, err := s.observations.ListQuestions(ctx, subject.ID, true)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	due := DueQuestions(questions, s.now())

	var executions []execution
	for _, q := range due {
		for _, name := range selectProviders(q.Providers, providers) {
			executions = append(executions, execution{question: q, provider: name})
		}
	}

	stats := &driving.CollectionStats{Questions: len(due), Executions: len(executions)}
	answered := make(map[int64]bool)
	var mu sync.Mutex
	var hooks sync.WaitGroup

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, ex := range executions {
		g.Go(func() error {
			err := s.execute(gctx, &hooks, subject, entities, ex)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Failed++
				s.logger.Warn("collection execution failed",
					"subject_id", subject.ID,
					"question_id", ex.question.ID,
					"provider", ex.provider,
					"error", err,
				)
				return nil
			}
			stats.Successful++
			answered[ex.question.ID] = true
			return nil
		})
	}
	_ = g.Wait()
	hooks.Wait()

	at := s.now()
	for _, q := range due {
		if !answered[q.ID] {
			continue
		}
		if err := s.observations.MarkQuestionRun(ctx, q.ID, at); err != nil {
			s.logger.Warn("failed to mark question run", "question_id", q.ID, "error", err)
		}
	}

	stats.Duration = time.Since(startTime)
	s.logger.Info("collection completed",
		"subject", subject.Path(),
		"questions", stats.Questions,
		"executions", stats.Executions,
		"successful", stats.Successful,
		"failed", stats.Failed,
		"duration", stats.Duration,
	)
	return stats, ctx.Err()
}

// provider resolves an answer provider by name
func (s *CollectionService) provider(name string) (driven.GenerativeService, bool) {
	if svc, ok := s.providers[name]; ok {
		return svc, true
	}
	if s.services != nil {
		return s.services.AnswerProvider(name)
	}
	return nil, false
}

// execute asks one question to one provider and stores the answer. The
// hooks run on their own goroutine, tracked by hooks, so they never hold
// a pool slot.
func (s *CollectionService) execute(ctx context.Context, hooks *sync.WaitGroup, subject *domain.Subject, entities []*domain.TrackedEntity, ex execution) error {
	svc, ok := s.provider(ex.provider)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrInvalidProvider, ex.provider)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	started := time.Now()
	resp, err := svc.Complete(callCtx, driven.CompletionRequest{Prompt: ex.question.Text})
	if err != nil {
		return &domain.ProviderError{Provider: ex.provider, Op: "answer", Err: err}
	}
	latency := resp.Latency
	if latency == 0 {
		latency = time.Since(started)
	}

	obs := &domain.RawObservation{
		QuestionID:   ex.question.ID,
		SubjectID:    subject.ID,
		Provider:     ex.provider,
		Model:        resp.Model,
		Text:         resp.Text,
		Timestamp:    s.now(),
		TokensInput:  resp.TokensInput,
		TokensOutput: resp.TokensOutput,
		LatencyMs:    latency.Milliseconds(),
	}
	if err := s.observations.SaveObservation(ctx, obs); err != nil {
		return fmt.Errorf("save observation: %w", err)
	}

	if len(s.hooks) > 0 {
		hookCtx := context.WithoutCancel(ctx)
		hooks.Go(func() {
			s.runHooks(hookCtx, subject, entities, obs)
		})
	}
	return nil
}

func (s *CollectionService) runHooks(ctx context.Context, subject *domain.Subject, entities []*domain.TrackedEntity, obs *domain.RawObservation) {
	for i, hook := range s.hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("observation hook panicked", "hook", i, "observation_id", obs.ID, "panic", r)
				}
			}()
			if err := hook(ctx, subject, entities, obs); err != nil {
				s.logger.Warn("observation hook failed", "hook", i, "observation_id", obs.ID, "error", err)
			}
		}()
	}
}

// selectProviders intersects the question providers with the requested ones.
func selectProviders(configured, requested []string) []string {
	if len(requested) == 0 {
		return configured
	}
	var out []string
	for _, p := range configured {
		if containsString(requested, p) {
			out = append(out, p)
		}
	}
	return out
}
