package driven

import (
	"context"
	"time"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
)

// SubjectStore reads subjects and their tracked entities. The core never
// mutates them during a run; Save methods serve seeding.
type SubjectStore interface {
	// GetSubjectByPath resolves a "Market/Category" pair, or domain.ErrNotFound.
	GetSubjectByPath(ctx context.Context, market, category string) (*domain.Subject, error)

	// GetSubject retrieves a subject by id.
	GetSubject(ctx context.Context, id int64) (*domain.Subject, error)

	// ListSubjects returns subjects, optionally only the active ones.
	ListSubjects(ctx context.Context, activeOnly bool) ([]*domain.Subject, error)

	// ListEntities returns the tracked entities of a subject.
	ListEntities(ctx context.Context, subjectID int64) ([]*domain.TrackedEntity, error)

	// SaveSubject creates the market if needed and upserts the subject, setting its ids.
	SaveSubject(ctx context.Context, subject *domain.Subject) error

	// SaveEntity upserts a tracked entity by (subject, name).
	SaveEntity(ctx context.Context, entity *domain.TrackedEntity) error
}

// ObservationStore persists questions and the raw observations they produce.
type ObservationStore interface {
	// ListObservations returns observations of a subject with timestamp in
	// [start, end), ordered by timestamp then id.
	ListObservations(ctx context.Context, subjectID int64, start, end time.Time) ([]*domain.RawObservation, error)

	// GetObservation retrieves an observation by id.
	GetObservation(ctx context.Context, id int64) (*domain.RawObservation, error)

	// SaveObservation inserts an observation in its own transaction and sets its id.
	SaveObservation(ctx context.Context, obs *domain.RawObservation) error

	// ListQuestions returns the questions of a subject, optionally only active ones.
	ListQuestions(ctx context.Context, subjectID int64, activeOnly bool) ([]*domain.Question, error)

	// SaveQuestion upserts a question by (subject, text) and sets its id.
	SaveQuestion(ctx context.Context, q *domain.Question) error

	// MarkQuestionRun records the last execution time of a question.
	MarkQuestionRun(ctx context.Context, questionID int64, at time.Time) error
}

// CandidateStore persists discovered brand candidates by (subject, name).
type CandidateStore interface {
	// Get returns the candidate, or domain.ErrNotFound.
	Get(ctx context.Context, subjectID int64, name string) (*domain.BrandCandidate, error)

	// Save inserts or updates the candidate and sets its id.
	Save(ctx context.Context, candidate *domain.BrandCandidate) error

	// List returns candidates of a subject by descending occurrences.
	// An empty status lists all.
	List(ctx context.Context, subjectID int64, status domain.CandidateStatus) ([]*domain.BrandCandidate, error)
}
