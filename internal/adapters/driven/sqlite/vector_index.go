package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.VectorIndex = (*VectorIndex)(nil)

// VectorIndex implements driven.VectorIndex with a brute-force scan ranked
// by the vector_distance_cos SQL function. Fine for the fragment volumes of
// a single subject; large deployments use pgvector.
type VectorIndex struct {
	db *DB
}

// NewVectorIndex creates a new VectorIndex
func NewVectorIndex(db *DB) *VectorIndex {
	return &VectorIndex{db: db}
}

// Upsert stores fragments keyed by (type, ref_id, chunk)
func (idx *VectorIndex) Upsert(ctx context.Context, fragments []*domain.EmbeddedFragment) error {
	if len(fragments) == 0 {
		return nil
	}

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, f := range fragments {
		if err := upsertFragment(ctx, tx, f); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func upsertFragment(ctx context.Context, tx *sql.Tx, f *domain.EmbeddedFragment) error {
	if len(f.Vector) == 0 {
		return fmt.Errorf("%w: fragment %s/%d/%d has no vector", domain.ErrInvalidInput, f.Type, f.RefID, f.Chunk)
	}
	meta := []byte("{}")
	if f.Metadata != nil {
		var err error
		if meta, err = json.Marshal(f.Metadata); err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
	}
	created := unixNano(f.CreatedAt)

	err := tx.QueryRowContext(ctx, `
		INSERT INTO embedded_fragments
			(subject_id, period, type, ref_id, chunk, text, embedding, dimensions, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (type, ref_id, chunk) DO UPDATE SET
			subject_id = excluded.subject_id,
			period = excluded.period,
			text = excluded.text,
			embedding = excluded.embedding,
			dimensions = excluded.dimensions,
			metadata = excluded.metadata
		RETURNING id
	`,
		f.SubjectID,
		f.Period,
		string(f.Type),
		f.RefID,
		f.Chunk,
		f.Text,
		encodeVector(f.Vector),
		len(f.Vector),
		string(meta),
		created,
	).Scan(&f.ID)
	if err != nil {
		return fmt.Errorf("upsert fragment %s/%d/%d: %w", f.Type, f.RefID, f.Chunk, err)
	}
	f.CreatedAt = fromUnixNano(created)
	return nil
}

// applyFilter scopes a fragment query. The subject is always applied.
func applyFilter(b sq.SelectBuilder, filter domain.FragmentFilter) sq.SelectBuilder {
	b = b.Where(sq.Eq{"subject_id": filter.SubjectID})
	if filter.ExcludePeriod && filter.Period != "" {
		b = b.Where(sq.NotEq{"period": filter.Period})
	} else if tokens := filter.PeriodTokens(); len(tokens) == 1 {
		b = b.Where(sq.Eq{"period": tokens[0]})
	} else if len(tokens) > 1 {
		b = b.Where(sq.Eq{"period": tokens})
	}
	if filter.Type != "" {
		b = b.Where(sq.Eq{"type": string(filter.Type)})
	}
	return b
}

// Search returns the topK nearest fragments by cosine distance
func (idx *VectorIndex) Search(ctx context.Context, vector []float32, filter domain.FragmentFilter, topK int) ([]*domain.RetrievedFragment, error) {
	if topK <= 0 || len(vector) == 0 {
		return []*domain.RetrievedFragment{}, nil
	}

	b := builder.Select("id", "text", "ref_id", "period", "type", "metadata").
		Column(sq.Expr("vector_distance_cos(embedding, ?) AS distance", encodeVector(vector))).
		From("embedded_fragments").
		Where(sq.Eq{"dimensions": len(vector)}).
		OrderBy("distance", "id").
		Limit(uint64(topK))
	query, args, err := applyFilter(b, filter).ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := idx.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search fragments: %w", err)
	}
	defer rows.Close()

	hits := []*domain.RetrievedFragment{}
	for rows.Next() {
		var hit domain.RetrievedFragment
		var meta string
		if err := rows.Scan(&hit.FragmentID, &hit.Text, &hit.RefID, &hit.Period, &hit.Type, &meta, &hit.Distance); err != nil {
			return nil, err
		}
		if meta != "" && meta != "{}" {
			if err := json.Unmarshal([]byte(meta), &hit.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		hit.Similarity = 1 - hit.Distance
		hits = append(hits, &hit)
	}
	return hits, rows.Err()
}

// Count returns how many fragments match filter
func (idx *VectorIndex) Count(ctx context.Context, filter domain.FragmentFilter) (int, error) {
	query, args, err := applyFilter(builder.Select("COUNT(*)").From("embedded_fragments"), filter).ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := idx.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count fragments: %w", err)
	}
	return n, nil
}
