package mocks

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
)

// MockVectorIndex is an in-memory VectorIndex using exact cosine distance
type MockVectorIndex struct {
	mu        sync.RWMutex
	fragments []*domain.EmbeddedFragment
	byKey     map[string]int
	nextID    int64

	// SearchFn overrides Search when set (optional).
	SearchFn func(vector []float32, filter domain.FragmentFilter, topK int) ([]*domain.RetrievedFragment, error)
	// UpsertErr is returned by Upsert when set.
	UpsertErr error
}

// NewMockVectorIndex creates a new MockVectorIndex
func NewMockVectorIndex() *MockVectorIndex {
	return &MockVectorIndex{byKey: make(map[string]int)}
}

func fragmentKey(f *domain.EmbeddedFragment) string {
	return fmt.Sprintf("%s|%d|%d", f.Type, f.RefID, f.Chunk)
}

func matches(f *domain.EmbeddedFragment, filter domain.FragmentFilter) bool {
	if f.SubjectID != filter.SubjectID {
		return false
	}
	if filter.Type != "" && f.Type != filter.Type {
		return false
	}
	if filter.ExcludePeriod {
		return filter.Period == "" || f.Period != filter.Period
	}
	if tokens := filter.PeriodTokens(); tokens != nil && !slices.Contains(tokens, f.Period) {
		return false
	}
	return true
}

func (m *MockVectorIndex) Upsert(ctx context.Context, fragments []*domain.EmbeddedFragment) error {
	if m.UpsertErr != nil {
		return m.UpsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range fragments {
		stored := *f
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = time.Now()
		}
		key := fragmentKey(f)
		if idx, ok := m.byKey[key]; ok {
			stored.ID = m.fragments[idx].ID
			m.fragments[idx] = &stored
		} else {
			m.nextID++
			stored.ID = m.nextID
			m.byKey[key] = len(m.fragments)
			m.fragments = append(m.fragments, &stored)
		}
		f.ID = stored.ID
	}
	return nil
}

func (m *MockVectorIndex) Search(ctx context.Context, vector []float32, filter domain.FragmentFilter, topK int) ([]*domain.RetrievedFragment, error) {
	if m.SearchFn != nil {
		return m.SearchFn(vector, filter, topK)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := []*domain.RetrievedFragment{}
	for _, f := range m.fragments {
		if !matches(f, filter) {
			continue
		}
		d := domain.CosineDistance(vector, f.Vector)
		results = append(results, &domain.RetrievedFragment{
			FragmentID: f.ID,
			Text:       f.Text,
			RefID:      f.RefID,
			Period:     f.Period,
			Type:       f.Type,
			Distance:   d,
			Similarity: 1 - d,
			Metadata:   f.Metadata,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Distance == results[j].Distance {
			return results[i].FragmentID < results[j].FragmentID
		}
		return results[i].Distance < results[j].Distance
	})
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (m *MockVectorIndex) Count(ctx context.Context, filter domain.FragmentFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, f := range m.fragments {
		if matches(f, filter) {
			n++
		}
	}
	return n, nil
}

// Fragments returns every stored fragment.
func (m *MockVectorIndex) Fragments() []*domain.EmbeddedFragment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*domain.EmbeddedFragment(nil), m.fragments...)
}
