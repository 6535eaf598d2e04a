package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driving"
)

const (
	// StageVersion is stored with every stage result.
	StageVersion = "1.0.0"

	defaultRunLockTTL       = 2 * time.Hour
	defaultBatchConcurrency = 4
)

// Ensure Orchestrator implements AnalysisRunner
var _ driving.AnalysisRunner = (*Orchestrator)(nil)

// Orchestrator runs the stage pipeline for one (subject, period):
//  1. Parse the subject path and resolve the period
//  2. Load the subject and its tracked entities
//  3. Take the run lock for (subject, period)
//  4. Execute each stage in order, gated by market type
//  5. Persist every successful document to the result store
//  6. Abort on a failed critical stage, else require a report
type Orchestrator struct {
	subjects    driven.SubjectStore
	results     driven.ResultStore
	lock        driven.DistributedLock
	profiles    domain.MarketProfiles
	stages      []Stage
	logger      *slog.Logger
	lockTTL     time.Duration
	concurrency int
}

// OrchestratorConfig holds dependencies for Orchestrator.
type OrchestratorConfig struct {
	Subjects driven.SubjectStore
	Results  driven.ResultStore
	Lock     driven.DistributedLock // Optional, runs are not serialised without it
	Profiles domain.MarketProfiles
	Stages   []Stage
	Logger   *slog.Logger

	LockTTL          time.Duration // Run lock expiry (default: 2h)
	BatchConcurrency int           // Parallel runs in RunBatch (default: 4)
}

// NewOrchestrator creates a new orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = defaultRunLockTTL
	}
	concurrency := cfg.BatchConcurrency
	if concurrency <= 0 {
		concurrency = defaultBatchConcurrency
	}
	return &Orchestrator{
		subjects:    cfg.Subjects,
		results:     cfg.Results,
		lock:        cfg.Lock,
		profiles:    cfg.Profiles,
		stages:      cfg.Stages,
		logger:      logger,
		lockTTL:     ttl,
		concurrency: concurrency,
	}
}

// PipelineConfig holds what the built-in stages need.
type PipelineConfig struct {
	Engine       *StageEngine
	Observations driven.ObservationStore
	Results      driven.ResultStore
	Reports      driven.ReportStore
	Specs        []StageSpec // Generative stage definitions (default: DefaultStageSpecs)
	TrendPeriods int
	Logger       *slog.Logger
}

// DefaultStages builds the full pipeline in execution order.
func DefaultStages(cfg PipelineConfig) []Stage {
	specs := cfg.Specs
	if specs == nil {
		specs = DefaultStageSpecs()
	}
	byName := map[domain.StageName]Stage{
		domain.StageQuantitative: NewQuantitativeEngine(QuantitativeConfig{
			Observations: cfg.Observations,
			Results:      cfg.Results,
			Logger:       cfg.Logger,
			TrendPeriods: cfg.TrendPeriods,
		}),
		domain.StageQualitative: NewQualitativeStage(QualitativeConfig{
			Engine:       cfg.Engine,
			Observations: cfg.Observations,
		}),
		domain.StageCompetitive: &CompetitiveStage{},
		domain.StageTrends:      &TrendsStage{},
		domain.StageExecutive:   NewExecutiveStage(cfg.Engine, cfg.Reports),
	}
	for _, spec := range specs {
		byName[spec.Name] = NewGenerativeStage(spec, cfg.Engine)
	}

	stages := make([]Stage, 0, len(byName))
	for _, name := range domain.StageOrder {
		if s, ok := byName[name]; ok {
			stages = append(stages, s)
		}
	}
	return stages
}

// RunLockName returns the lock serialising runs of one (subject, period).
func RunLockName(subjectID int64, period string) string {
	return fmt.Sprintf("run:%d:%s", subjectID, period)
}

// Run executes the pipeline. A nil report is returned only when the run
// could not start; once stages ran, the report is returned with any error.
func (o *Orchestrator) Run(ctx context.Context, subjectPath, period string) (*domain.PipelineRunReport, error) {
	startTime := time.Now()

	market, category, err := domain.ParseSubjectPath(subjectPath)
	if err != nil {
		return nil, err
	}
	p, err := domain.ResolvePeriod(period)
	if err != nil {
		return nil, err
	}

	subject, err := o.subjects.GetSubjectByPath(ctx, market, category)
	if err != nil {
		return nil, fmt.Errorf("get subject %s: %w", subjectPath, err)
	}
	entities, err := o.subjects.ListEntities(ctx, subject.ID)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}

	if o.lock != nil {
		lockName := RunLockName(subject.ID, p.Token)
		acquired, err := o.lock.Acquire(ctx, lockName, o.lockTTL)
		if err != nil {
			return nil, fmt.Errorf("acquire run lock: %w", err)
		}
		if !acquired {
			return nil, fmt.Errorf("%w: %s %s", domain.ErrRunInProgress, subject.Path(), p.Token)
		}
		defer func() {
			if err := o.lock.Release(context.WithoutCancel(ctx), lockName); err != nil {
				o.logger.Warn("failed to release run lock", "lock", lockName, "error", err)
			}
		}()
	}

	report := &domain.PipelineRunReport{
		RunID:       uuid.NewString(),
		SubjectPath: subject.Path(),
		SubjectID:   subject.ID,
		Period:      p.Token,
		MarketType:  subject.MarketType,
		StartedAt:   startTime,
	}
	logger := o.logger.With("run_id", report.RunID, "subject", report.SubjectPath, "period", p.Token)
	logger.Info("starting analysis run", "market_type", subject.MarketType, "entities", len(entities))

	rc := NewRunContext(report.RunID, subject, p, entities, o.profiles.Resolve(subject.MarketType), o.results)

	for _, stage := range o.stages {
		name := stage.Name()
		if err := ctx.Err(); err != nil {
			return o.fail(report, name, err, logger)
		}

		if !o.profiles.StageApplies(name, subject.MarketType) {
			report.Record(domain.StageOutcome{Stage: name, Status: domain.StageStatusSkipped})
			logger.Debug("stage skipped for market type", "stage", name)
			continue
		}

		out, outcome, err := o.runStage(ctx, rc, stage)
		report.Record(outcome)
		if err != nil {
			logger.Warn("stage did not succeed",
				"stage", name,
				"status", outcome.Status,
				"error", err,
			)
			if name.IsCritical() {
				return o.fail(report, name, err, logger)
			}
			continue
		}
		logger.Info("stage completed", "stage", name, "duration", outcome.Duration)

		if out.ReportID != 0 {
			report.ReportID = out.ReportID
		}
	}

	if report.ReportID == 0 {
		return o.fail(report, "", domain.ErrNoReport, logger)
	}

	report.Success = true
	report.TotalTime = time.Since(startTime)
	counts := report.Counts()
	logger.Info("analysis run completed",
		"report_id", report.ReportID,
		"successful", counts.Successful,
		"errored", counts.Errored,
		"failed", counts.Failed,
		"skipped", counts.Skipped,
		"duration", report.TotalTime,
	)
	return report, nil
}

// runStage checks dependencies, executes the stage and persists its document.
func (o *Orchestrator) runStage(ctx context.Context, rc *RunContext, stage Stage) (out *StageOutput, outcome domain.StageOutcome, err error) {
	name := stage.Name()
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage %s panicked: %v", name, r)
			out = nil
		}
		outcome = domain.StageOutcome{Stage: name, Status: stageStatus(err), Duration: time.Since(started)}
		if err != nil {
			outcome.Error = err.Error()
		}
	}()

	for _, dep := range stage.Requires() {
		if _, err := rc.Require(ctx, name, dep); err != nil {
			return nil, outcome, err
		}
	}

	out, err = stage.Execute(ctx, rc)
	if err != nil {
		return nil, outcome, err
	}
	if out == nil || out.Document == nil {
		return nil, outcome, fmt.Errorf("stage %s returned no document", name)
	}

	_, err = o.results.Upsert(ctx, &domain.StageResult{
		SubjectID: rc.Subject.ID,
		Period:    rc.Period.Token,
		Stage:     name,
		Document:  out.Document,
		Version:   StageVersion,
	})
	if err != nil {
		return nil, outcome, fmt.Errorf("save %s result: %w", name, err)
	}
	rc.remember(name, out.Document.Clone())
	return out, outcome, nil
}

func stageStatus(err error) domain.StageStatus {
	switch {
	case err == nil:
		return domain.StageStatusSuccess
	case domain.IsTypedStageError(err):
		return domain.StageStatusError
	default:
		return domain.StageStatusFailed
	}
}

func (o *Orchestrator) fail(report *domain.PipelineRunReport, stage domain.StageName, cause error, logger *slog.Logger) (*domain.PipelineRunReport, error) {
	runErr := &domain.RunError{
		SubjectPath: report.SubjectPath,
		Period:      report.Period,
		Stage:       stage,
		Err:         cause,
	}
	report.AbortedStage = stage
	report.Error = runErr.Error()
	report.TotalTime = time.Since(report.StartedAt)
	logger.Error("analysis run failed", "aborted_stage", stage, "error", cause)
	return report, runErr
}

// RunBatch runs several analyses with bounded parallelism. Outcomes keep
// the order of requests; one failure does not stop the others.
func (o *Orchestrator) RunBatch(ctx context.Context, requests []driving.RunRequest) []driving.RunOutcome {
	outcomes := make([]driving.RunOutcome, len(requests))

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, req := range requests {
		g.Go(func() error {
			report, err := o.Run(ctx, req.SubjectPath, req.Period)
			outcomes[i] = driving.RunOutcome{Request: req, Report: report, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	var failed int
	for _, out := range outcomes {
		if out.Err != nil {
			failed++
		}
	}
	o.logger.Info("batch run completed", "runs", len(requests), "failed", failed)
	return outcomes
}

// IsRunInProgress reports whether err means another run holds the lock.
func IsRunInProgress(err error) bool {
	return errors.Is(err, domain.ErrRunInProgress)
}
