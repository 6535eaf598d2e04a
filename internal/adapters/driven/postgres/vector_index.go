package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.VectorIndex = (*VectorIndex)(nil)

// VectorIndex implements driven.VectorIndex on the pgvector extension.
// Distances come from the <=> (cosine) operator.
type VectorIndex struct {
	db *DB
}

// NewVectorIndex creates a new VectorIndex
func NewVectorIndex(db *DB) *VectorIndex {
	return &VectorIndex{db: db}
}

// vectorLiteral formats a vector in pgvector's text input form: [1,2,3]
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 8)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// Upsert stores fragments keyed by (type, ref_id, chunk)
func (idx *VectorIndex) Upsert(ctx context.Context, fragments []*domain.EmbeddedFragment) error {
	if len(fragments) == 0 {
		return nil
	}
	return idx.db.Transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO embedded_fragments
				(subject_id, period, type, ref_id, chunk, text, embedding, dimensions, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7::vector, $8, $9, $10)
			ON CONFLICT (type, ref_id, chunk) DO UPDATE SET
				subject_id = EXCLUDED.subject_id,
				period = EXCLUDED.period,
				text = EXCLUDED.text,
				embedding = EXCLUDED.embedding,
				dimensions = EXCLUDED.dimensions,
				metadata = EXCLUDED.metadata
			RETURNING id
		`)
		if err != nil {
			return fmt.Errorf("prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, f := range fragments {
			if len(f.Vector) == 0 {
				return fmt.Errorf("%w: fragment %s/%d/%d has no vector", domain.ErrInvalidInput, f.Type, f.RefID, f.Chunk)
			}
			meta, err := json.Marshal(f.Metadata)
			if err != nil {
				return fmt.Errorf("marshal metadata: %w", err)
			}
			if f.CreatedAt.IsZero() {
				f.CreatedAt = time.Now()
			}
			err = stmt.QueryRowContext(ctx,
				f.SubjectID,
				f.Period,
				string(f.Type),
				f.RefID,
				f.Chunk,
				f.Text,
				vectorLiteral(f.Vector),
				len(f.Vector),
				meta,
				f.CreatedAt,
			).Scan(&f.ID)
			if err != nil {
				return fmt.Errorf("upsert fragment %s/%d/%d: %w", f.Type, f.RefID, f.Chunk, err)
			}
		}
		return nil
	})
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

	builder := psql.Select("id", "text", "ref_id", "period", "type", "metadata").
		Column(sq.Expr("embedding <=> ?::vector AS distance", vectorLiteral(vector))).
		From("embedded_fragments").
		Where(sq.Eq{"dimensions": len(vector)}).
		OrderBy("distance", "id").
		Limit(uint64(topK))
	query, args, err := applyFilter(builder, filter).ToSql()
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
		var meta []byte
		if err := rows.Scan(&hit.FragmentID, &hit.Text, &hit.RefID, &hit.Period, &hit.Type, &meta, &hit.Distance); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &hit.Metadata); err != nil {
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
	query, args, err := applyFilter(psql.Select("COUNT(*)").From("embedded_fragments"), filter).ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := idx.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count fragments: %w", err)
	}
	return n, nil
}
