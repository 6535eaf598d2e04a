package ai

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
)

// Ensure RateLimitedGenerative implements GenerativeService
var _ driven.GenerativeService = (*RateLimitedGenerative)(nil)

// RateLimitedGenerative spaces Complete calls with a token bucket so that
// concurrent stages and collection batches stay under provider quotas.
type RateLimitedGenerative struct {
	driven.GenerativeService
	limiter *rate.Limiter
}

// NewRateLimitedGenerative wraps inner with a limit of requestsPerSecond
func NewRateLimitedGenerative(inner driven.GenerativeService, requestsPerSecond float64, burst int) *RateLimitedGenerative {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedGenerative{
		GenerativeService: inner,
		limiter:           rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
	}
}

// Complete waits for a token, then delegates
func (r *RateLimitedGenerative) Complete(ctx context.Context, req driven.CompletionRequest) (*driven.Completion, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, &domain.ProviderError{Provider: r.Name(), Op: "rate limit", Err: err}
	}
	return r.GenerativeService.Complete(ctx, req)
}
