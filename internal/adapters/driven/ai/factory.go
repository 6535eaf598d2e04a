package ai

import (
	"fmt"
	"time"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
)

// Ensure Factory implements AIServiceFactory
var _ driven.AIServiceFactory = (*Factory)(nil)

// FactoryConfig holds the decorators applied to every created service
type FactoryConfig struct {
	// QueryCacheTTL caches EmbedQuery results. Zero disables the cache.
	QueryCacheTTL time.Duration
	// RequestsPerSecond limits Complete calls per generative service.
	// Zero disables limiting.
	RequestsPerSecond float64
	Burst             int
}

// Factory creates AI services based on configuration
type Factory struct {
	cfg FactoryConfig
}

// NewFactory creates a new AI service factory
func NewFactory(cfg FactoryConfig) *Factory {
	return &Factory{cfg: cfg}
}

// CreateEmbeddingService creates an embedding service from settings
func (f *Factory) CreateEmbeddingService(settings *domain.EmbeddingSettings) (driven.EmbeddingService, error) {
	if settings == nil || !settings.IsConfigured() {
		return nil, nil
	}

	var (
		svc driven.EmbeddingService
		err error
	)
	switch settings.Provider {
	case domain.AIProviderOpenAI:
		svc, err = NewOpenAIEmbedding(settings.APIKey, settings.Model, settings.BaseURL, settings.Dimensions)
	case domain.AIProviderGoogle:
		svc, err = NewGeminiEmbedding(settings.APIKey, settings.Model, settings.BaseURL, settings.Dimensions)
	case domain.AIProviderOllama:
		svc, err = NewOllamaEmbedding(settings.BaseURL, settings.Model, settings.Dimensions)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidProvider, settings.Provider)
	}
	if err != nil {
		return nil, err
	}

	if f.cfg.QueryCacheTTL > 0 {
		svc = NewCachedEmbedding(svc, f.cfg.QueryCacheTTL)
	}
	return svc, nil
}

// CreateGenerativeService creates a generative service from settings
func (f *Factory) CreateGenerativeService(settings *domain.GenerativeSettings) (driven.GenerativeService, error) {
	if settings == nil || !settings.IsConfigured() {
		return nil, nil
	}

	var (
		svc driven.GenerativeService
		err error
	)
	switch settings.Provider {
	case domain.AIProviderOpenAI:
		svc, err = NewOpenAIGenerative(settings.APIKey, settings.Model, settings.BaseURL)
	case domain.AIProviderGoogle:
		svc, err = NewGeminiGenerative(settings.APIKey, settings.Model, settings.BaseURL)
	case domain.AIProviderOllama:
		svc, err = NewOllamaGenerative(settings.BaseURL, settings.Model)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidProvider, settings.Provider)
	}
	if err != nil {
		return nil, err
	}

	if f.cfg.RequestsPerSecond > 0 {
		svc = NewRateLimitedGenerative(svc, f.cfg.RequestsPerSecond, f.cfg.Burst)
	}
	return svc, nil
}
