package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
)

// Stage is one step of the analysis pipeline. Stages communicate only
// through the result store: Execute returns a document and the orchestrator
// persists it under the stage name.
type Stage interface {
	// Name is the stage key in the result store.
	Name() domain.StageName

	// Requires lists prior stages whose stored results must exist.
	Requires() []domain.StageName

	// Execute computes the stage document. Typed errors (NoDataError,
	// MissingDependencyError) mark the stage as errored; any other error
	// marks it as failed.
	Execute(ctx context.Context, rc *RunContext) (*StageOutput, error)
}

// StageOutput is what a stage hands back to the orchestrator.
type StageOutput struct {
	Document domain.Document
	// ReportID is set by the executive stage only.
	ReportID int64
}

// RunContext carries the per-run inputs shared by every stage.
type RunContext struct {
	RunID    string
	Subject  *domain.Subject
	Period   domain.Period
	Entities []*domain.TrackedEntity
	Profile  domain.MarketProfile

	results driven.ResultStore
	inputs  map[domain.StageName]domain.Document
}

// NewRunContext creates a run context reading prior results from results.
func NewRunContext(runID string, subject *domain.Subject, period domain.Period, entities []*domain.TrackedEntity, profile domain.MarketProfile, results driven.ResultStore) *RunContext {
	return &RunContext{
		RunID:    runID,
		Subject:  subject,
		Period:   period,
		Entities: entities,
		Profile:  profile,
		results:  results,
		inputs:   make(map[domain.StageName]domain.Document),
	}
}

// Require loads the stored result of dep for the current subject and period.
// Absence is a MissingDependencyError attributed to stage.
func (rc *RunContext) Require(ctx context.Context, stage, dep domain.StageName) (domain.Document, error) {
	if doc, ok := rc.inputs[dep]; ok {
		return doc, nil
	}
	res, err := rc.results.Get(ctx, rc.Subject.ID, rc.Period.Token, dep)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, &domain.MissingDependencyError{Stage: stage, Dependency: dep}
	}
	if err != nil {
		return nil, fmt.Errorf("load %s result: %w", dep, err)
	}
	rc.inputs[dep] = res.Document
	return res.Document, nil
}

// Optional loads the stored result of dep, or nil when there is none.
func (rc *RunContext) Optional(ctx context.Context, dep domain.StageName) (domain.Document, error) {
	doc, err := rc.Require(ctx, "", dep)
	var missing *domain.MissingDependencyError
	if errors.As(err, &missing) {
		return nil, nil
	}
	return doc, err
}

// EntityNames returns the tracked entity names in configured order.
func (rc *RunContext) EntityNames() []string {
	names := make([]string, len(rc.Entities))
	for i, e := range rc.Entities {
		names[i] = e.Name
	}
	return names
}

// remember caches a freshly persisted result for later stages of the run.
func (rc *RunContext) remember(stage domain.StageName, doc domain.Document) {
	rc.inputs[stage] = doc
}

// PeriodResult loads the stored result of stage for another period of the
// same subject, or nil when there is none.
func (rc *RunContext) PeriodResult(ctx context.Context, stage domain.StageName, period string) (domain.Document, error) {
	if period == "" {
		return nil, nil
	}
	res, err := rc.results.Get(ctx, rc.Subject.ID, period, stage)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s result for %s: %w", stage, period, err)
	}
	return res.Document, nil
}

// LatestResultBefore loads the most recent stored result of stage whose
// period token sorts before the run's and whose window ends before the
// run's window starts. It returns an empty token when there is none.
func (rc *RunContext) LatestResultBefore(ctx context.Context, stage domain.StageName) (string, domain.Document, error) {
	res, err := rc.results.GetBefore(ctx, rc.Subject.ID, stage, rc.Period.Token)
	if errors.Is(err, domain.ErrNotFound) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("load earlier %s result: %w", stage, err)
	}
	p, err := domain.ResolvePeriod(res.Period)
	if err != nil || p.End.After(rc.Period.Start) {
		return "", nil, nil
	}
	return res.Period, res.Document, nil
}
