package driven

import (
	"context"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
)

// ResultStore persists stage outputs keyed by (subject, period, stage).
// Writes to the same key are last-write-wins.
type ResultStore interface {
	// Upsert inserts the result or replaces document, version and timestamp
	// in place. It returns the stored id, which is stable across re-runs.
	Upsert(ctx context.Context, result *domain.StageResult) (int64, error)

	// Get returns the result for the key, or domain.ErrNotFound.
	Get(ctx context.Context, subjectID int64, period string, stage domain.StageName) (*domain.StageResult, error)

	// GetBefore returns the result of stage with the greatest period token
	// lexicographically smaller than period, or domain.ErrNotFound.
	GetBefore(ctx context.Context, subjectID int64, stage domain.StageName, period string) (*domain.StageResult, error)

	// ListByPeriod returns every stored stage result of a subject for period.
	ListByPeriod(ctx context.Context, subjectID int64, period string) ([]*domain.StageResult, error)
}

// ReportStore persists executive reports, one per (subject, period).
type ReportStore interface {
	// Upsert inserts or replaces the report and returns its id.
	Upsert(ctx context.Context, report *domain.Report) (int64, error)

	// Get returns the report for (subject, period), or domain.ErrNotFound.
	Get(ctx context.Context, subjectID int64, period string) (*domain.Report, error)

	// GetByID returns a report by id, or domain.ErrNotFound.
	GetByID(ctx context.Context, id int64) (*domain.Report, error)
}
