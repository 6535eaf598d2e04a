package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
)

// MockResultStore is an in-memory ResultStore for testing
type MockResultStore struct {
	mu      sync.RWMutex
	results map[string]*domain.StageResult
	nextID  int64
	writes  int

	// UpsertFn overrides Upsert when set (optional).
	UpsertFn func(result *domain.StageResult) (int64, error)
}

// NewMockResultStore creates a new MockResultStore
func NewMockResultStore() *MockResultStore {
	return &MockResultStore{results: make(map[string]*domain.StageResult)}
}

func resultKey(subjectID int64, period string, stage domain.StageName) string {
	return fmt.Sprintf("%d|%s|%s", subjectID, period, stage)
}

func (m *MockResultStore) Upsert(ctx context.Context, result *domain.StageResult) (int64, error) {
	if m.UpsertFn != nil {
		return m.UpsertFn(result)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++

	key := resultKey(result.SubjectID, result.Period, result.Stage)
	stored := *result
	stored.Document = result.Document.Clone()
	stored.UpdatedAt = time.Now()
	if existing, ok := m.results[key]; ok {
		stored.ID = existing.ID
	} else {
		m.nextID++
		stored.ID = m.nextID
	}
	m.results[key] = &stored
	result.ID = stored.ID
	return stored.ID, nil
}

func (m *MockResultStore) Get(ctx context.Context, subjectID int64, period string, stage domain.StageName) (*domain.StageResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[resultKey(subjectID, period, stage)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *r
	out.Document = r.Document.Clone()
	return &out, nil
}

func (m *MockResultStore) GetBefore(ctx context.Context, subjectID int64, stage domain.StageName, period string) (*domain.StageResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *domain.StageResult
	for _, r := range m.results {
		if r.SubjectID != subjectID || r.Stage != stage || r.Period >= period {
			continue
		}
		if best == nil || r.Period > best.Period {
			best = r
		}
	}
	if best == nil {
		return nil, domain.ErrNotFound
	}
	out := *best
	out.Document = best.Document.Clone()
	return &out, nil
}

func (m *MockResultStore) ListByPeriod(ctx context.Context, subjectID int64, period string) ([]*domain.StageResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.StageResult
	for _, r := range m.results {
		if r.SubjectID == subjectID && r.Period == period {
			c := *r
			c.Document = r.Document.Clone()
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Put seeds a result without counting it as a write (for test setup).
func (m *MockResultStore) Put(subjectID int64, period string, stage domain.StageName, doc domain.Document) {
	_, _ = m.Upsert(context.Background(), &domain.StageResult{SubjectID: subjectID, Period: period, Stage: stage, Document: doc})
	m.mu.Lock()
	m.writes--
	m.mu.Unlock()
}

// Len returns the number of stored results.
func (m *MockResultStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.results)
}

// Writes returns the number of Upsert calls.
func (m *MockResultStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// MockReportStore is an in-memory ReportStore for testing
type MockReportStore struct {
	mu      sync.RWMutex
	reports map[string]*domain.Report
	nextID  int64

	// UpsertFn overrides Upsert when set (optional).
	UpsertFn func(report *domain.Report) (int64, error)
}

// NewMockReportStore creates a new MockReportStore
func NewMockReportStore() *MockReportStore {
	return &MockReportStore{reports: make(map[string]*domain.Report)}
}

func (m *MockReportStore) Upsert(ctx context.Context, report *domain.Report) (int64, error) {
	if m.UpsertFn != nil {
		return m.UpsertFn(report)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%d|%s", report.SubjectID, report.Period)
	stored := *report
	if existing, ok := m.reports[key]; ok {
		stored.ID = existing.ID
	} else {
		m.nextID++
		stored.ID = m.nextID
	}
	m.reports[key] = &stored
	report.ID = stored.ID
	return stored.ID, nil
}

func (m *MockReportStore) Get(ctx context.Context, subjectID int64, period string) (*domain.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[fmt.Sprintf("%d|%s", subjectID, period)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *r
	return &out, nil
}

func (m *MockReportStore) GetByID(ctx context.Context, id int64) (*domain.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.reports {
		if r.ID == id {
			out := *r
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}
