package driving

import (
	"context"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
)

// AnalysisRunner runs the stage pipeline. It is the entry point of the
// CLI, the HTTP API and the worker.
type AnalysisRunner interface {
	// Run executes every applicable stage for subjectPath ("Market/Category")
	// and period in dependency order. The returned report is never nil once
	// the subject and period resolve, even when the run fails; report.ReportID
	// is the final artifact id on success.
	Run(ctx context.Context, subjectPath, period string) (*domain.PipelineRunReport, error)

	// RunBatch runs independent (subject, period) pairs concurrently.
	// Each pair gets its own report; failures do not cancel other runs.
	RunBatch(ctx context.Context, requests []RunRequest) []RunOutcome
}

// RunRequest names one (subject, period) run.
type RunRequest struct {
	SubjectPath string `json:"subject_path"`
	Period      string `json:"period"`
}

// RunOutcome pairs a batch request with its result.
type RunOutcome struct {
	Request RunRequest                `json:"request"`
	Report  *domain.PipelineRunReport `json:"report,omitempty"`
	Err     error                     `json:"-"`
}

// ResultReader exposes stored stage artifacts.
type ResultReader interface {
	// GetResult returns the stored result of a stage for subjectPath and period.
	GetResult(ctx context.Context, subjectPath, period string, stage domain.StageName) (*domain.StageResult, error)

	// GetReport returns the executive report for subjectPath and period.
	GetReport(ctx context.Context, subjectPath, period string) (*domain.Report, error)
}
