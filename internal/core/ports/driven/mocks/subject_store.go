package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
)

// MockSubjectStore is an in-memory SubjectStore for testing
type MockSubjectStore struct {
	mu       sync.RWMutex
	subjects map[int64]*domain.Subject
	entities map[int64][]*domain.TrackedEntity
	nextID   int64
}

// NewMockSubjectStore creates a new MockSubjectStore
func NewMockSubjectStore() *MockSubjectStore {
	return &MockSubjectStore{
		subjects: make(map[int64]*domain.Subject),
		entities: make(map[int64][]*domain.TrackedEntity),
	}
}

// AddSubject registers an active subject and returns it (for test setup).
func (m *MockSubjectStore) AddSubject(market, category string, mt domain.MarketType, entities ...*domain.TrackedEntity) *domain.Subject {
	s := &domain.Subject{MarketName: market, Name: category, MarketType: mt, Active: true}
	_ = m.SaveSubject(context.Background(), s)
	for _, e := range entities {
		e.SubjectID = s.ID
		_ = m.SaveEntity(context.Background(), e)
	}
	return s
}

func (m *MockSubjectStore) GetSubjectByPath(ctx context.Context, market, category string) (*domain.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.subjects {
		if s.MarketName == market && s.Name == category {
			out := *s
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockSubjectStore) GetSubject(ctx context.Context, id int64) (*domain.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subjects[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *s
	return &out, nil
}

func (m *MockSubjectStore) ListSubjects(ctx context.Context, activeOnly bool) ([]*domain.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Subject
	for _, s := range m.subjects {
		if activeOnly && !s.Active {
			continue
		}
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockSubjectStore) ListEntities(ctx context.Context, subjectID int64) ([]*domain.TrackedEntity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*domain.TrackedEntity(nil), m.entities[subjectID]...), nil
}

func (m *MockSubjectStore) SaveSubject(ctx context.Context, subject *domain.Subject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.subjects {
		if s.MarketName == subject.MarketName && s.Name == subject.Name {
			subject.ID = id
			subject.MarketID = s.MarketID
			c := *subject
			m.subjects[id] = &c
			return nil
		}
	}
	m.nextID++
	subject.ID = m.nextID
	if subject.MarketID == 0 {
		subject.MarketID = m.nextID
	}
	c := *subject
	m.subjects[subject.ID] = &c
	return nil
}

func (m *MockSubjectStore) SaveEntity(ctx context.Context, entity *domain.TrackedEntity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.entities[entity.SubjectID]
	for i, e := range list {
		if e.Name == entity.Name {
			entity.ID = e.ID
			list[i] = entity
			return nil
		}
	}
	m.nextID++
	entity.ID = m.nextID
	m.entities[entity.SubjectID] = append(list, entity)
	return nil
}

// MockObservationStore is an in-memory ObservationStore for testing
type MockObservationStore struct {
	mu           sync.RWMutex
	observations []*domain.RawObservation
	questions    map[int64]*domain.Question
	nextID       int64

	// SaveFn overrides SaveObservation when set (optional).
	SaveFn func(obs *domain.RawObservation) error
}

// NewMockObservationStore creates a new MockObservationStore
func NewMockObservationStore() *MockObservationStore {
	return &MockObservationStore{questions: make(map[int64]*domain.Question)}
}

// Add stores an observation with the given text and timestamp (for test setup).
func (m *MockObservationStore) Add(subjectID int64, text string, at time.Time) *domain.RawObservation {
	obs := &domain.RawObservation{SubjectID: subjectID, Provider: "openai", QuestionID: 1, Text: text, Timestamp: at}
	_ = m.SaveObservation(context.Background(), obs)
	return obs
}

func (m *MockObservationStore) ListObservations(ctx context.Context, subjectID int64, start, end time.Time) ([]*domain.RawObservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.RawObservation
	for _, o := range m.observations {
		if o.SubjectID == subjectID && !o.Timestamp.Before(start) && o.Timestamp.Before(end) {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (m *MockObservationStore) GetObservation(ctx context.Context, id int64) (*domain.RawObservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.observations {
		if o.ID == id {
			return o, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockObservationStore) SaveObservation(ctx context.Context, obs *domain.RawObservation) error {
	if m.SaveFn != nil {
		if err := m.SaveFn(obs); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	obs.ID = m.nextID
	m.observations = append(m.observations, obs)
	return nil
}

func (m *MockObservationStore) ListQuestions(ctx context.Context, subjectID int64, activeOnly bool) ([]*domain.Question, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.Question
	for _, q := range m.questions {
		if q.SubjectID != subjectID || (activeOnly && !q.Active) {
			continue
		}
		c := *q
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockObservationStore) SaveQuestion(ctx context.Context, q *domain.Question) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.ID == 0 {
		m.nextID++
		q.ID = m.nextID
	}
	c := *q
	m.questions[q.ID] = &c
	return nil
}

func (m *MockObservationStore) MarkQuestionRun(ctx context.Context, questionID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questions[questionID]
	if !ok {
		return domain.ErrNotFound
	}
	q.LastRunAt = &at
	return nil
}

// Observations returns every stored observation.
func (m *MockObservationStore) Observations() []*domain.RawObservation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*domain.RawObservation(nil), m.observations...)
}

// MockCandidateStore is an in-memory CandidateStore for testing
type MockCandidateStore struct {
	mu         sync.RWMutex
	candidates map[string]*domain.BrandCandidate
	nextID     int64
}

// NewMockCandidateStore creates a new MockCandidateStore
func NewMockCandidateStore() *MockCandidateStore {
	return &MockCandidateStore{candidates: make(map[string]*domain.BrandCandidate)}
}

func candidateKey(subjectID int64, name string) string {
	return fmt.Sprintf("%d|%s", subjectID, name)
}

func (m *MockCandidateStore) Get(ctx context.Context, subjectID int64, name string) (*domain.BrandCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.candidates[candidateKey(subjectID, name)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (m *MockCandidateStore) Save(ctx context.Context, candidate *domain.BrandCandidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := candidateKey(candidate.SubjectID, candidate.Name)
	if existing, ok := m.candidates[key]; ok {
		candidate.ID = existing.ID
	} else {
		m.nextID++
		candidate.ID = m.nextID
	}
	c := *candidate
	m.candidates[key] = &c
	return nil
}

func (m *MockCandidateStore) List(ctx context.Context, subjectID int64, status domain.CandidateStatus) ([]*domain.BrandCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.BrandCandidate
	for _, c := range m.candidates {
		if c.SubjectID != subjectID || (status != "" && c.Status != status) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Occurrences == out[j].Occurrences {
			return out[i].Name < out[j].Name
		}
		return out[i].Occurrences > out[j].Occurrences
	})
	return out, nil
}
