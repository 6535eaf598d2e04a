package driven

import (
	"context"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
)

// VectorIndex stores embedded fragments and serves cosine nearest-neighbour search.
type VectorIndex interface {
	// Upsert stores fragments keyed by (type, ref_id, chunk). Ids are set on return.
	Upsert(ctx context.Context, fragments []*domain.EmbeddedFragment) error

	// Search returns at most topK fragments matching filter, by ascending
	// cosine distance to vector, ties broken by fragment id ascending.
	// No match is an empty slice, not an error.
	Search(ctx context.Context, vector []float32, filter domain.FragmentFilter, topK int) ([]*domain.RetrievedFragment, error)

	// Count returns how many fragments match filter.
	Count(ctx context.Context, filter domain.FragmentFilter) (int, error)
}
