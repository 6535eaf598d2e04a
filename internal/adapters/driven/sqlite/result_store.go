package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
)

// Verify interface compliance
var (
	_ driven.ResultStore = (*ResultStore)(nil)
	_ driven.ReportStore = (*ReportStore)(nil)
)

// ResultStore implements driven.ResultStore on SQLite
type ResultStore struct {
	db *DB
}

// NewResultStore creates a new ResultStore
func NewResultStore(db *DB) *ResultStore {
	return &ResultStore{db: db}
}

var resultColumns = []string{"id", "subject_id", "period", "stage", "document", "version", "updated_at"}

// Upsert inserts or replaces the result for (subject, period, stage)
func (s *ResultStore) Upsert(ctx context.Context, result *domain.StageResult) (int64, error) {
	doc, err := json.Marshal(result.Document)
	if err != nil {
		return 0, fmt.Errorf("marshal document: %w", err)
	}
	updated := unixNano(result.UpdatedAt)

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO stage_results (subject_id, period, stage, document, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (subject_id, period, stage) DO UPDATE SET
			document = excluded.document,
			version = excluded.version,
			updated_at = excluded.updated_at
		RETURNING id
	`, result.SubjectID, result.Period, string(result.Stage), string(doc), result.Version, updated).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert stage result: %w", err)
	}
	result.ID = id
	result.UpdatedAt = fromUnixNano(updated)
	return id, nil
}

// Get retrieves the result for (subject, period, stage)
func (s *ResultStore) Get(ctx context.Context, subjectID int64, period string, stage domain.StageName) (*domain.StageResult, error) {
	return s.one(ctx, builder.Select(resultColumns...).
		From("stage_results").
		Where(sq.Eq{"subject_id": subjectID, "period": period, "stage": string(stage)}))
}

// GetBefore retrieves the latest result of stage with a smaller period token
func (s *ResultStore) GetBefore(ctx context.Context, subjectID int64, stage domain.StageName, period string) (*domain.StageResult, error) {
	return s.one(ctx, builder.Select(resultColumns...).
		From("stage_results").
		Where(sq.Eq{"subject_id": subjectID, "stage": string(stage)}).
		Where(sq.Lt{"period": period}).
		OrderBy("period DESC").
		Limit(1))
}

func (s *ResultStore) one(ctx context.Context, b sq.SelectBuilder) (*domain.StageResult, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	return scanResult(s.db.QueryRowContext(ctx, query, args...))
}

// ListByPeriod returns all results of a subject for a period
func (s *ResultStore) ListByPeriod(ctx context.Context, subjectID int64, period string) ([]*domain.StageResult, error) {
	query, args, err := builder.Select(resultColumns...).
		From("stage_results").
		Where(sq.Eq{"subject_id": subjectID, "period": period}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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
	var doc string
	var updated int64
	if err := row.Scan(&result.ID, &result.SubjectID, &result.Period, &result.Stage, &doc, &result.Version, &updated); err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal([]byte(doc), &result.Document); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	result.UpdatedAt = fromUnixNano(updated)
	return &result, nil
}

// ReportStore implements driven.ReportStore on SQLite
type ReportStore struct {
	db *DB
}

// NewReportStore creates a new ReportStore
func NewReportStore(db *DB) *ReportStore {
	return &ReportStore{db: db}
}

var reportColumns = []string{"id", "subject_id", "period", "status", "content", "quality_metrics", "generated_at"}

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
	generated := unixNano(report.GeneratedAt)

	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO reports (subject_id, period, status, content, quality_metrics, generated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (subject_id, period) DO UPDATE SET
			status = excluded.status,
			content = excluded.content,
			quality_metrics = excluded.quality_metrics,
			generated_at = excluded.generated_at
		RETURNING id
	`, report.SubjectID, report.Period, string(report.Status), string(content), string(metrics), generated).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert report: %w", err)
	}
	report.ID = id
	report.GeneratedAt = fromUnixNano(generated)
	return id, nil
}

// Get retrieves the report of (subject, period)
func (s *ReportStore) Get(ctx context.Context, subjectID int64, period string) (*domain.Report, error) {
	return s.one(ctx, sq.Eq{"subject_id": subjectID, "period": period})
}

// GetByID retrieves a report by id
func (s *ReportStore) GetByID(ctx context.Context, id int64) (*domain.Report, error) {
	return s.one(ctx, sq.Eq{"id": id})
}

func (s *ReportStore) one(ctx context.Context, where sq.Eq) (*domain.Report, error) {
	query, args, err := builder.Select(reportColumns...).From("reports").Where(where).ToSql()
	if err != nil {
		return nil, err
	}

	var report domain.Report
	var content, metrics string
	var generated int64
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&report.ID,
		&report.SubjectID,
		&report.Period,
		&report.Status,
		&content,
		&metrics,
		&generated,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if err := json.Unmarshal([]byte(content), &report.Content); err != nil {
		return nil, fmt.Errorf("unmarshal content: %w", err)
	}
	if err := json.Unmarshal([]byte(metrics), &report.QualityMetrics); err != nil {
		return nil, fmt.Errorf("unmarshal quality metrics: %w", err)
	}
	report.GeneratedAt = fromUnixNano(generated)
	return &report, nil
}
