package runtime

import (
	"context"
	"sort"
	"sync"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
)

// Services holds the AI services used by the pipeline and by collection.
// They can be swapped at runtime; replaced services are closed.
// Thread-safe for concurrent access.
type Services struct {
	mu sync.RWMutex

	config *domain.RuntimeConfig

	// Stage services (can be nil until configured)
	embeddingService  driven.EmbeddingService
	generativeService driven.GenerativeService

	// Answer providers asked during collection, keyed by provider name
	answerProviders map[string]driven.GenerativeService
}

// NewServices creates a new Services registry
func NewServices(config *domain.RuntimeConfig) *Services {
	return &Services{
		config:          config,
		answerProviders: make(map[string]driven.GenerativeService),
	}
}

// Config returns the runtime configuration
func (s *Services) Config() *domain.RuntimeConfig {
	return s.config
}

// EmbeddingService returns the current embedding service (may be nil)
func (s *Services) EmbeddingService() driven.EmbeddingService {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.embeddingService
}

// GenerativeService returns the service used by generative stages (may be nil)
func (s *Services) GenerativeService() driven.GenerativeService {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generativeService
}

// SetEmbeddingService updates the embedding service and closes the old one.
func (s *Services) SetEmbeddingService(svc driven.EmbeddingService) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.embeddingService != nil && s.embeddingService != svc {
		_ = s.embeddingService.Close()
	}

	s.embeddingService = svc
	s.config.SetEmbeddingAvailable(svc != nil)
}

// SetGenerativeService updates the stage generative service and closes the old one.
func (s *Services) SetGenerativeService(svc driven.GenerativeService) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.generativeService != nil && s.generativeService != svc && !s.isAnswerProvider(s.generativeService) {
		_ = s.generativeService.Close()
	}

	s.generativeService = svc
	s.config.SetGenerativeAvailable(svc != nil)
}

// SetAnswerProvider registers the provider asked under name during
// collection. A nil svc removes it.
func (s *Services) SetAnswerProvider(name string, svc driven.GenerativeService) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.answerProviders[name]; ok && old != svc && old != s.generativeService {
		_ = old.Close()
	}
	if svc == nil {
		delete(s.answerProviders, name)
		return
	}
	s.answerProviders[name] = svc
}

// AnswerProvider returns the provider registered under name.
func (s *Services) AnswerProvider(name string) (driven.GenerativeService, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.answerProviders[name]
	return svc, ok
}

// AnswerProviderNames returns registered provider names, sorted.
func (s *Services) AnswerProviderNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.answerProviders))
	for name := range s.answerProviders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Services) isAnswerProvider(svc driven.GenerativeService) bool {
	for _, p := range s.answerProviders {
		if p == svc {
			return true
		}
	}
	return false
}

// Close shuts down all services
func (s *Services) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	closed := make(map[driven.GenerativeService]bool)
	if s.embeddingService != nil {
		_ = s.embeddingService.Close()
		s.embeddingService = nil
	}
	if s.generativeService != nil {
		_ = s.generativeService.Close()
		closed[s.generativeService] = true
		s.generativeService = nil
	}
	for name, p := range s.answerProviders {
		if !closed[p] {
			_ = p.Close()
			closed[p] = true
		}
		delete(s.answerProviders, name)
	}

	s.config.SetEmbeddingAvailable(false)
	s.config.SetGenerativeAvailable(false)

	return nil
}

// ValidateAndSetEmbedding validates connectivity before setting embedding service
func (s *Services) ValidateAndSetEmbedding(ctx context.Context, svc driven.EmbeddingService) error {
	if svc == nil {
		s.SetEmbeddingService(nil)
		return nil
	}

	if err := svc.HealthCheck(ctx); err != nil {
		_ = svc.Close()
		return err
	}

	s.SetEmbeddingService(svc)
	return nil
}

// ValidateAndSetGenerative validates connectivity before setting the stage generative service
func (s *Services) ValidateAndSetGenerative(ctx context.Context, svc driven.GenerativeService) error {
	if svc == nil {
		s.SetGenerativeService(nil)
		return nil
	}

	if err := svc.Ping(ctx); err != nil {
		_ = svc.Close()
		return err
	}

	s.SetGenerativeService(svc)
	return nil
}
