package driving

import (
	"context"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
)

// SearchRequest is a similarity search scoped to a subject.
type SearchRequest struct {
	SubjectID int64
	// Period is the reference period. With IncludeCurrentPeriod false the
	// search covers every other period instead.
	Period               string
	Question             string
	TopK                 int
	Type                 domain.FragmentType
	IncludeCurrentPeriod bool
}

// RetrievalService indexes text fragments and serves similarity search.
type RetrievalService interface {
	// Index embeds and stores text for (subject, period, type, refID). It is
	// best effort: short text is dropped and provider failures are logged,
	// never returned. It reports how many fragments were stored.
	Index(ctx context.Context, subjectID int64, period string, fragmentType domain.FragmentType, refID int64, text string) int

	// Search returns fragments ranked by ascending cosine distance. No
	// match is an empty slice.
	Search(ctx context.Context, req SearchRequest) ([]*domain.RetrievedFragment, error)
}
