package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
)

// Verify interface compliance
var (
	_ driven.ResultStore = (*ResultStore)(nil)
	_ driven.ReportStore = (*ReportStore)(nil)
)

// ResultStore implements driven.ResultStore using PostgreSQL
type ResultStore struct {
	db *DB
}

// NewResultStore creates a new ResultStore
func NewResultStore(db *DB) *ResultStore {
	return &ResultStore{db: db}
}

// Upsert inserts or replaces the result for (subject, period, stage).
// The unique key keeps a single row per triple; RETURNING yields the
// existing id on conflict.
func (s *ResultStore) Upsert(ctx context.Context, result *domain.StageResult) (int64, error) {
	doc, err := json.Marshal(result.Document)
	if err != nil {
		return 0, fmt.Errorf("marshal document: %w", err)
	}
	if result.UpdatedAt.IsZero() {
		result.UpdatedAt = time.Now()
	}

	query := `
		INSERT INTO stage_results (subject_id, period, stage, document, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subject_id, period, stage) DO UPDATE SET
			document = EXCLUDED.document,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`

	var id int64
	err = s.db.QueryRowContext(ctx, query,
		result.SubjectID,
		result.Period,
		string(result.Stage),
		doc,
		result.Version,
		result.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert stage result: %w", err)
	}
	result.ID = id
	return id, nil
}

// Get retrieves the result for (subject, period, stage)
func (s *ResultStore) Get(ctx context.Context, subjectID int64, period string, stage domain.StageName) (*domain.StageResult, error) {
	query := `
		SELECT id, subject_id, period, stage, document, version, updated_at
		FROM stage_results
		WHERE subject_id = $1 AND period = $2 AND stage = $3
	`
	return scanResult(s.db.QueryRowContext(ctx, query, subjectID, period, string(stage)))
}

// GetBefore retrieves the latest result of stage with a smaller period token
func (s *ResultStore) GetBefore(ctx context.Context, subjectID int64, stage domain.StageName, period string) (*domain.StageResult, error) {
	query := `
		SELECT id, subject_id, period, stage, document, version, updated_at
		FROM stage_results
		WHERE subject_id = $1 AND stage = $2 AND period < $3
		ORDER BY period DESC
		LIMIT 1
	`
	return scanResult(s.db.QueryRowContext(ctx, query, subjectID, string(stage), period))
}

// ListByPeriod returns all results of a subject for a period
func (s *ResultStore) ListByPeriod(ctx context.Context, subjectID int64, period string) ([]*domain.StageResult, error) {
	query := `
		SELECT id, subject_id, period, stage, document, version, updated_at
		FROM stage_results
		WHERE subject_id = $1 AND period = $2
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, subjectID, period)
	if err != nil {
		return nil, fmt.Errorf("list stage results: %w", err)
	}
	defer rows.Close()

	var results []*domain.StageResult
	for rows.Next() {
		result, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (*domain.StageResult, error) {
	var result domain.StageResult
	var doc []byte
	err := row.Scan(
		&result.ID,
		&result.SubjectID,
		&result.Period,
		&result.Stage,
		&doc,
		&result.Version,
		&result.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(doc, &result.Document); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return &result, nil
}

// ReportStore implements driven.ReportStore using PostgreSQL
type ReportStore struct {
	db *DB
}

// NewReportStore creates a new ReportStore
func NewReportStore(db *DB) *ReportStore {
	return &ReportStore{db: db}
}

// Upsert inserts or replaces the report of (subject, period)
func (s *ReportStore) Upsert(ctx context.Context, report *domain.Report) (int64, error) {
	content, err := json.Marshal(report.Content)
	if err != nil {
		return 0, fmt.Errorf("marshal content: %w", err)
	}
	metrics, err := json.Marshal(report.QualityMetrics)
	if err != nil {
		return 0, fmt.Errorf("marshal quality metrics: %w", err)
	}
	if report.Status == "" {
		report.Status = domain.ReportStatusDraft
	}
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = time.Now()
	}

	query := `
		INSERT INTO reports (subject_id, period, status, content, quality_metrics, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subject_id, period) DO UPDATE SET
			status = EXCLUDED.status,
			content = EXCLUDED.content,
			quality_metrics = EXCLUDED.quality_metrics,
			generated_at = EXCLUDED.generated_at
		RETURNING id
	`

	var id int64
	err = s.db.QueryRowContext(ctx, query,
		report.SubjectID,
		report.Period,
		string(report.Status),
		content,
		metrics,
		report.GeneratedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert report: %w", err)
	}
	report.ID = id
	return id, nil
}

// Get retrieves the report of (subject, period)
func (s *ReportStore) Get(ctx context.Context, subjectID int64, period string) (*domain.Report, error) {
	query := `
		SELECT id, subject_id, period, status, content, quality_metrics, generated_at
		FROM reports
		WHERE subject_id = $1 AND period = $2
	`
	return scanReport(s.db.QueryRowContext(ctx, query, subjectID, period))
}

// GetByID retrieves a report by id
func (s *ReportStore) GetByID(ctx context.Context, id int64) (*domain.Report, error) {
	query := `
		SELECT id, subject_id, period, status, content, quality_metrics, generated_at
		FROM reports
		WHERE id = $1
	`
	return scanReport(s.db.QueryRowContext(ctx, query, id))
}

func scanReport(row *sql.Row) (*domain.Report, error) {
	var report domain.Report
	var content, metrics []byte
	err := row.Scan(
		&report.ID,
		&report.SubjectID,
		&report.Period,
		&report.Status,
		&content,
		&metrics,
		&report.GeneratedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal(content, &report.Content); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	if err := json.Unmarshal(metrics, &report.QualityMetrics); err != nil {
		return nil, fmt.Errorf("unmarshal quality metrics: %w", err)
	}
	return &report, nil
}
