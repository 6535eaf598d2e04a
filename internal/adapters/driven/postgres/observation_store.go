package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
)

// Verify interface compliance
var (
	_ driven.ObservationStore = (*ObservationStore)(nil)
	_ driven.CandidateStore   = (*CandidateStore)(nil)
)

// ObservationStore implements driven.ObservationStore using PostgreSQL
type ObservationStore struct {
	db *DB
}

// NewObservationStore creates a new ObservationStore
func NewObservationStore(db *DB) *ObservationStore {
	return &ObservationStore{db: db}
}

var observationColumns = []string{
	"id", "question_id", "subject_id", "provider", "model", "text",
	"timestamp", "tokens_input", "tokens_output", "latency_ms",
}

// ListObservations returns observations with timestamp in [start, end)
func (s *ObservationStore) ListObservations(ctx context.Context, subjectID int64, start, end time.Time) ([]*domain.RawObservation, error) {
	query, args, err := psql.Select(observationColumns...).
		From("raw_observations").
		Where(sq.Eq{"subject_id": subjectID}).
		Where(sq.GtOrEq{"timestamp": start}).
		Where(sq.Lt{"timestamp": end}).
		OrderBy("timestamp", "id").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer rows.Close()

	var observations []*domain.RawObservation
	for rows.Next() {
		obs, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		observations = append(observations, obs)
	}
	return observations, rows.Err()
}

// GetObservation retrieves an observation by id
func (s *ObservationStore) GetObservation(ctx context.Context, id int64) (*domain.RawObservation, error) {
	query, args, err := psql.Select(observationColumns...).
		From("raw_observations").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	return scanObservation(s.db.QueryRowContext(ctx, query, args...))
}

func scanObservation(row rowScanner) (*domain.RawObservation, error) {
	var obs domain.RawObservation
	err := row.Scan(
		&obs.ID,
		&obs.QuestionID,
		&obs.SubjectID,
		&obs.Provider,
		&obs.Model,
		&obs.Text,
		&obs.Timestamp,
		&obs.TokensInput,
		&obs.TokensOutput,
		&obs.LatencyMs,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &obs, nil
}

// SaveObservation inserts an observation in its own transaction
func (s *ObservationStore) SaveObservation(ctx context.Context, obs *domain.RawObservation) error {
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now()
	}
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO raw_observations
				(question_id, subject_id, provider, model, text, timestamp, tokens_input, tokens_output, latency_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id
		`,
			obs.QuestionID,
			obs.SubjectID,
			obs.Provider,
			obs.Model,
			obs.Text,
			obs.Timestamp,
			obs.TokensInput,
			obs.TokensOutput,
			obs.LatencyMs,
		).Scan(&obs.ID)
		if err != nil {
			return fmt.Errorf("insert observation: %w", err)
		}
		return nil
	})
}

// ListQuestions returns the questions of a subject ordered by id
func (s *ObservationStore) ListQuestions(ctx context.Context, subjectID int64, activeOnly bool) ([]*domain.Question, error) {
	builder := psql.Select("id", "subject_id", "text", "active", "frequency", "providers", "last_run_at").
		From("questions").
		Where(sq.Eq{"subject_id": subjectID}).
		OrderBy("id")
	if activeOnly {
		builder = builder.Where(sq.Eq{"active": true})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var questions []*domain.Question
	for rows.Next() {
		var q domain.Question
		var providers []string
		var lastRun sql.NullTime
		if err := rows.Scan(&q.ID, &q.SubjectID, &q.Text, &q.Active, &q.Frequency, pq.Array(&providers), &lastRun); err != nil {
			return nil, err
		}
		q.Providers = providers
		q.LastRunAt = TimePtr(lastRun)
		questions = append(questions, &q)
	}
	return questions, rows.Err()
}

// SaveQuestion upserts a question by (subject, text)
func (s *ObservationStore) SaveQuestion(ctx context.Context, q *domain.Question) error {
	frequency := q.Frequency
	if frequency == "" {
		frequency = domain.FrequencyWeekly
	}
	providers := q.Providers
	if providers == nil {
		providers = []string{}
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO questions (subject_id, text, active, frequency, providers, last_run_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subject_id, text) DO UPDATE SET
			active = EXCLUDED.active,
			frequency = EXCLUDED.frequency,
			providers = EXCLUDED.providers
		RETURNING id
	`, q.SubjectID, q.Text, q.Active, string(frequency), pq.Array(providers), NullTime(q.LastRunAt)).Scan(&q.ID)
	if err != nil {
		return fmt.Errorf("upsert question: %w", err)
	}
	q.Frequency = frequency
	return nil
}

// MarkQuestionRun records when a question last ran
func (s *ObservationStore) MarkQuestionRun(ctx context.Context, questionID int64, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE questions SET last_run_at = $1 WHERE id = $2`, at, questionID)
	if err != nil {
		return fmt.Errorf("mark question run: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// CandidateStore implements driven.CandidateStore using PostgreSQL
type CandidateStore struct {
	db *DB
}

// NewCandidateStore creates a new CandidateStore
func NewCandidateStore(db *DB) *CandidateStore {
	return &CandidateStore{db: db}
}

var candidateColumns = []string{
	"id", "subject_id", "name", "aliases", "confidence", "occurrences",
	"source", "status", "first_seen", "last_seen",
}

// Get retrieves a candidate by (subject, name)
func (s *CandidateStore) Get(ctx context.Context, subjectID int64, name string) (*domain.BrandCandidate, error) {
	query, args, err := psql.Select(candidateColumns...).
		From("brand_candidates").
		Where(sq.Eq{"subject_id": subjectID, "name": name}).
		ToSql()
	if err != nil {
		return nil, err
	}
	return scanCandidate(s.db.QueryRowContext(ctx, query, args...))
}

// Save inserts or replaces a candidate by (subject, name)
func (s *CandidateStore) Save(ctx context.Context, c *domain.BrandCandidate) error {
	now := time.Now()
	if c.FirstSeen.IsZero() {
		c.FirstSeen = now
	}
	if c.LastSeen.IsZero() {
		c.LastSeen = now
	}
	if c.Status == "" {
		c.Status = domain.CandidatePending
	}
	aliases := c.Aliases
	if aliases == nil {
		aliases = []string{}
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO brand_candidates
			(subject_id, name, aliases, confidence, occurrences, source, status, first_seen, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (subject_id, name) DO UPDATE SET
			aliases = EXCLUDED.aliases,
			confidence = EXCLUDED.confidence,
			occurrences = EXCLUDED.occurrences,
			source = EXCLUDED.source,
			status = EXCLUDED.status,
			last_seen = EXCLUDED.last_seen
		RETURNING id
	`,
		c.SubjectID,
		c.Name,
		pq.Array(aliases),
		c.Confidence,
		c.Occurrences,
		c.Source,
		string(c.Status),
		c.FirstSeen,
		c.LastSeen,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("upsert candidate: %w", err)
	}
	return nil
}

// List returns candidates by descending occurrences
func (s *CandidateStore) List(ctx context.Context, subjectID int64, status domain.CandidateStatus) ([]*domain.BrandCandidate, error) {
	builder := psql.Select(candidateColumns...).
		From("brand_candidates").
		Where(sq.Eq{"subject_id": subjectID}).
		OrderBy("occurrences DESC", "name")
	if status != "" {
		builder = builder.Where(sq.Eq{"status": string(status)})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var candidates []*domain.BrandCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

func scanCandidate(row rowScanner) (*domain.BrandCandidate, error) {
	var c domain.BrandCandidate
	var aliases []string
	err := row.Scan(
		&c.ID,
		&c.SubjectID,
		&c.Name,
		pq.Array(&aliases),
		&c.Confidence,
		&c.Occurrences,
		&c.Source,
		&c.Status,
		&c.FirstSeen,
		&c.LastSeen,
	)
	if err != nil {
		return nil, notFound(err)
	}
	c.Aliases = aliases
	return &c, nil
}
