package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driving"
	"github.com/custodia-labs/twolaps-core/internal/runtime"
)

// Ensure aiSettingsService implements AISettingsService
var _ driving.AISettingsService = (*aiSettingsService)(nil)

// aiSettingsService implements the AISettingsService interface
type aiSettingsService struct {
	aiFactory driven.AIServiceFactory
	services  *runtime.Services
	logger    *slog.Logger

	current *domain.AISettings
}

// NewAISettingsService creates a new AISettingsService
func NewAISettingsService(aiFactory driven.AIServiceFactory, services *runtime.Services, logger *slog.Logger) driving.AISettingsService {
	if logger == nil {
		logger = slog.Default()
	}
	return &aiSettingsService{
		aiFactory: aiFactory,
		services:  services,
		logger:    logger,
	}
}

// Apply creates the configured services and hot-reloads them
func (s *aiSettingsService) Apply(ctx context.Context, settings *domain.AISettings) (*driving.AISettingsStatus, error) {
	if settings == nil {
		return nil, fmt.Errorf("%w: ai settings required", domain.ErrInvalidInput)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	applied := *settings
	applied.UpdatedAt = time.Now()

	if applied.Embedding.IsConfigured() {
		embSvc, err := s.aiFactory.CreateEmbeddingService(&applied.Embedding)
		switch {
		case err != nil:
			s.logger.Warn("embedding service unavailable", "provider", applied.Embedding.Provider, "error", err)
		case embSvc == nil:
			s.services.SetEmbeddingService(nil)
		default:
			if err := s.services.ValidateAndSetEmbedding(ctx, embSvc); err != nil {
				s.logger.Warn("embedding health check failed", "provider", applied.Embedding.Provider, "error", err)
			}
		}
	} else {
		// Explicitly disable
		s.services.SetEmbeddingService(nil)
	}

	if applied.Generative.IsConfigured() {
		genSvc, err := s.aiFactory.CreateGenerativeService(&applied.Generative)
		switch {
		case err != nil:
			s.logger.Warn("generative service unavailable", "provider", applied.Generative.Provider, "error", err)
		case genSvc == nil:
			s.services.SetGenerativeService(nil)
		default:
			if err := s.services.ValidateAndSetGenerative(ctx, genSvc); err != nil {
				s.logger.Warn("generative ping failed", "provider", applied.Generative.Provider, "error", err)
			}
		}
	} else {
		s.services.SetGenerativeService(nil)
	}

	s.current = &applied
	return s.Status(ctx), nil
}

// ApplyAnswerProvider registers a collection provider
func (s *aiSettingsService) ApplyAnswerProvider(ctx context.Context, name string, settings *domain.GenerativeSettings) error {
	if name == "" {
		return fmt.Errorf("%w: provider name required", domain.ErrInvalidInput)
	}
	if settings == nil || !settings.IsConfigured() {
		s.services.SetAnswerProvider(name, nil)
		return nil
	}
	if !settings.Provider.IsValid() {
		return domain.ErrInvalidProvider
	}

	svc, err := s.aiFactory.CreateGenerativeService(settings)
	if err != nil {
		return fmt.Errorf("create answer provider %s: %w", name, err)
	}
	if err := svc.Ping(ctx); err != nil {
		_ = svc.Close()
		return &domain.ProviderError{Provider: name, Op: "ping", Err: err}
	}
	s.services.SetAnswerProvider(name, svc)
	return nil
}

// Status returns the current status of AI services
func (s *aiSettingsService) Status(ctx context.Context) *driving.AISettingsStatus {
	cfg := s.services.Config()
	status := &driving.AISettingsStatus{
		AnswerProviders: s.services.AnswerProviderNames(),
		CanIndex:        cfg.CanIndex(),
		CanRunPipeline:  cfg.CanRunPipeline(),
	}

	if embSvc := s.services.EmbeddingService(); embSvc != nil {
		status.Embedding = driving.AIServiceStatus{
			Available:    true,
			Model:        embSvc.Model(),
			EmbeddingDim: embSvc.Dimensions(),
		}
		if s.current != nil {
			status.Embedding.Provider = s.current.Embedding.Provider
		}
	}

	if genSvc := s.services.GenerativeService(); genSvc != nil {
		status.Generative = driving.AIServiceStatus{
			Available: true,
			Model:     genSvc.Model(),
		}
		if s.current != nil {
			status.Generative.Provider = s.current.Generative.Provider
		}
	}

	return status
}

// TestConnection tests every registered provider
func (s *aiSettingsService) TestConnection(ctx context.Context) error {
	if embSvc := s.services.EmbeddingService(); embSvc != nil {
		if err := embSvc.HealthCheck(ctx); err != nil {
			return &domain.ProviderError{Provider: embSvc.Model(), Op: "embed", Err: err}
		}
	}

	if genSvc := s.services.GenerativeService(); genSvc != nil {
		if err := genSvc.Ping(ctx); err != nil {
			return &domain.ProviderError{Provider: genSvc.Name(), Op: "ping", Err: err}
		}
	}

	for _, name := range s.services.AnswerProviderNames() {
		svc, ok := s.services.AnswerProvider(name)
		if !ok {
			continue
		}
		if err := svc.Ping(ctx); err != nil {
			return &domain.ProviderError{Provider: name, Op: "ping", Err: err}
		}
	}

	return nil
}
