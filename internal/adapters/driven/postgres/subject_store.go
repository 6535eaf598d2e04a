package postgres

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.SubjectStore = (*SubjectStore)(nil)

// SubjectStore implements driven.SubjectStore using PostgreSQL
type SubjectStore struct {
	db *DB
}

// NewSubjectStore creates a new SubjectStore
func NewSubjectStore(db *DB) *SubjectStore {
	return &SubjectStore{db: db}
}

func subjectSelect() sq.SelectBuilder {
	return psql.Select("s.id", "s.market_id", "m.name", "m.market_type", "s.name", "s.active").
		From("subjects s").
		Join("markets m ON m.id = s.market_id")
}

// GetSubjectByPath resolves a subject by market and category name
func (s *SubjectStore) GetSubjectByPath(ctx context.Context, market, category string) (*domain.Subject, error) {
	query, args, err := subjectSelect().
		Where(sq.Eq{"m.name": market, "s.name": category}).
		ToSql()
	if err != nil {
		return nil, err
	}
	return scanSubject(s.db.QueryRowContext(ctx, query, args...))
}

// GetSubject retrieves a subject by id
func (s *SubjectStore) GetSubject(ctx context.Context, id int64) (*domain.Subject, error) {
	query, args, err := subjectSelect().Where(sq.Eq{"s.id": id}).ToSql()
	if err != nil {
		return nil, err
	}
	return scanSubject(s.db.QueryRowContext(ctx, query, args...))
}

// ListSubjects returns subjects ordered by id
func (s *SubjectStore) ListSubjects(ctx context.Context, activeOnly bool) ([]*domain.Subject, error) {
	builder := subjectSelect().OrderBy("s.id")
	if activeOnly {
		builder = builder.Where(sq.Eq{"s.active": true})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	defer rows.Close()

	var subjects []*domain.Subject
	for rows.Next() {
		subject, err := scanSubject(rows)
		if err != nil {
			return nil, err
		}
		subjects = append(subjects, subject)
	}
	return subjects, rows.Err()
}

func scanSubject(row rowScanner) (*domain.Subject, error) {
	var subject domain.Subject
	var marketType string
	err := row.Scan(
		&subject.ID,
		&subject.MarketID,
		&subject.MarketName,
		&marketType,
		&subject.Name,
		&subject.Active,
	)
	if err != nil {
		return nil, notFound(err)
	}
	subject.MarketType = domain.ParseMarketType(marketType)
	return &subject, nil
}

// ListEntities returns the tracked entities of a subject ordered by id
func (s *SubjectStore) ListEntities(ctx context.Context, subjectID int64) ([]*domain.TrackedEntity, error) {
	query := `
		SELECT id, subject_id, name, type, aliases
		FROM tracked_entities
		WHERE subject_id = $1
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var entities []*domain.TrackedEntity
	for rows.Next() {
		var e domain.TrackedEntity
		var aliases []string
		if err := rows.Scan(&e.ID, &e.SubjectID, &e.Name, &e.Type, pq.Array(&aliases)); err != nil {
			return nil, err
		}
		e.Aliases = aliases
		entities = append(entities, &e)
	}
	return entities, rows.Err()
}

// SaveSubject upserts the market and the subject in one transaction
func (s *SubjectStore) SaveSubject(ctx context.Context, subject *domain.Subject) error {
	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		marketType := subject.MarketType
		if marketType == "" {
			marketType = domain.MarketTypeGeneric
		}
		err := tx.QueryRowContext(ctx, `
			INSERT INTO markets (name, market_type)
			VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET market_type = EXCLUDED.market_type
			RETURNING id
		`, subject.MarketName, string(marketType)).Scan(&subject.MarketID)
		if err != nil {
			return fmt.Errorf("upsert market: %w", err)
		}
		subject.MarketType = marketType

		err = tx.QueryRowContext(ctx, `
			INSERT INTO subjects (market_id, name, active)
			VALUES ($1, $2, $3)
			ON CONFLICT (market_id, name) DO UPDATE SET active = EXCLUDED.active
			RETURNING id
		`, subject.MarketID, subject.Name, subject.Active).Scan(&subject.ID)
		if err != nil {
			return fmt.Errorf("upsert subject: %w", err)
		}
		return nil
	})
}

// SaveEntity upserts a tracked entity by (subject, name)
func (s *SubjectStore) SaveEntity(ctx context.Context, entity *domain.TrackedEntity) error {
	entityType := entity.Type
	if entityType == "" {
		entityType = domain.EntityTypeCompetitor
	}
	aliases := entity.Aliases
	if aliases == nil {
		aliases = []string{}
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tracked_entities (subject_id, name, type, aliases)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subject_id, name) DO UPDATE SET
			type = EXCLUDED.type,
			aliases = EXCLUDED.aliases
		RETURNING id
	`, entity.SubjectID, entity.Name, string(entityType), pq.Array(aliases)).Scan(&entity.ID)
	if err != nil {
		return fmt.Errorf("upsert entity: %w", err)
	}
	entity.Type = entityType
	return nil
}
