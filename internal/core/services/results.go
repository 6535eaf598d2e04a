package services

import (
	"context"
	"fmt"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driving"
)

// Ensure resultReader implements ResultReader
var _ driving.ResultReader = (*resultReader)(nil)

type resultReader struct {
	subjects driven.SubjectStore
	results  driven.ResultStore
	reports  driven.ReportStore
}

// NewResultReader creates a read-only view over stored stage results and reports.
func NewResultReader(subjects driven.SubjectStore, results driven.ResultStore, reports driven.ReportStore) driving.ResultReader {
	return &resultReader{subjects: subjects, results: results, reports: reports}
}

func (r *resultReader) GetResult(ctx context.Context, subjectPath, period string, stage domain.StageName) (*domain.StageResult, error) {
	subject, p, err := r.resolve(ctx, subjectPath, period)
	if err != nil {
		return nil, err
	}
	return r.results.Get(ctx, subject.ID, p.Token, stage)
}

func (r *resultReader) GetReport(ctx context.Context, subjectPath, period string) (*domain.Report, error) {
	subject, p, err := r.resolve(ctx, subjectPath, period)
	if err != nil {
		return nil, err
	}
	return r.reports.Get(ctx, subject.ID, p.Token)
}

func (r *resultReader) resolve(ctx context.Context, subjectPath, period string) (*domain.Subject, domain.Period, error) {
	market, category, err := domain.ParseSubjectPath(subjectPath)
	if err != nil {
		return nil, domain.Period{}, err
	}
	p, err := domain.ResolvePeriod(period)
	if err != nil {
		return nil, domain.Period{}, err
	}
	subject, err := r.subjects.GetSubjectByPath(ctx, market, category)
	if err != nil {
		return nil, domain.Period{}, fmt.Errorf("get subject %s: %w", subjectPath, err)
	}
	return subject, p, nil
}
