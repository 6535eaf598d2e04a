package services

import (
	"context"
	"errors"
	"testing"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven/mocks"
	"github.com/custodia-labs/twolaps-core/internal/runtime"
)

// mockAIFactory implements driven.AIServiceFactory for testing
type mockAIFactory struct {
	embeddingErr  error
	generativeErr error
	pingErr       error
	created       []*mocks.MockGenerativeService
}

func (m *mockAIFactory) CreateEmbeddingService(settings *domain.EmbeddingSettings) (driven.EmbeddingService, error) {
	if settings == nil || !settings.IsConfigured() {
		return nil, nil
	}
	if m.embeddingErr != nil {
		return nil, m.embeddingErr
	}
	return mocks.NewMockEmbeddingService(), nil
}

func (m *mockAIFactory) CreateGenerativeService(settings *domain.GenerativeSettings) (driven.GenerativeService, error) {
	if settings == nil || !settings.IsConfigured() {
		return nil, nil
	}
	if m.generativeErr != nil {
		return nil, m.generativeErr
	}
	svc := mocks.NewMockGenerativeService(string(settings.Provider))
	svc.PingErr = m.pingErr
	m.created = append(m.created, svc)
	return svc, nil
}

func newTestRegistry() *runtime.Services {
	return runtime.NewServices(domain.NewRuntimeConfig("postgres", "postgres"))
}

func configuredSettings() *domain.AISettings {
	return &domain.AISettings{
		Embedding:  domain.EmbeddingSettings{Provider: domain.AIProviderOpenAI, Model: "text-embedding-3-small", APIKey: "sk-test"},
		Generative: domain.GenerativeSettings{Provider: domain.AIProviderOpenAI, Model: "gpt-4o", APIKey: "sk-test"},
	}
}

func TestAISettingsService_Apply(t *testing.T) {
	registry := newTestRegistry()
	svc := NewAISettingsService(&mockAIFactory{}, registry, nil)

	status, err := svc.Apply(context.Background(), configuredSettings())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.Embedding.Available || !status.Generative.Available {
		t.Fatalf("expected both services available, got %+v", status)
	}
	if status.Generative.Provider != domain.AIProviderOpenAI {
		t.Errorf("expected openai provider, got %s", status.Generative.Provider)
	}
	if status.Embedding.EmbeddingDim != 64 {
		t.Errorf("expected embedding dim 64, got %d", status.Embedding.EmbeddingDim)
	}
	if !status.CanIndex || !status.CanRunPipeline {
		t.Errorf("expected pipeline and indexing enabled, got %+v", status)
	}
}

func TestAISettingsService_Apply_Invalid(t *testing.T) {
	svc := NewAISettingsService(&mockAIFactory{}, newTestRegistry(), nil)

	settings := configuredSettings()
	settings.Generative.Provider = "unknown"
	if _, err := svc.Apply(context.Background(), settings); !errors.Is(err, domain.ErrInvalidProvider) {
		t.Fatalf("expected ErrInvalidProvider, got %v", err)
	}
	if _, err := svc.Apply(context.Background(), nil); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestAISettingsService_Apply_Unavailable(t *testing.T) {
	factory := &mockAIFactory{
		embeddingErr: errors.New("bad key"),
		pingErr:      errors.New("connection refused"),
	}
	registry := newTestRegistry()
	svc := NewAISettingsService(factory, registry, nil)

	status, err := svc.Apply(context.Background(), configuredSettings())
	if err != nil {
		t.Fatalf("unavailable services must not fail Apply: %v", err)
	}
	if status.Embedding.Available || status.Generative.Available {
		t.Fatalf("expected both services unavailable, got %+v", status)
	}
	if status.CanRunPipeline {
		t.Error("pipeline must be disabled without a generative service")
	}
	if len(factory.created) != 1 || !factory.created[0].Closed() {
		t.Error("service failing its ping should be closed")
	}
}

func TestAISettingsService_Apply_Disable(t *testing.T) {
	registry := newTestRegistry()
	svc := NewAISettingsService(&mockAIFactory{}, registry, nil)

	if _, err := svc.Apply(context.Background(), configuredSettings()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	status, err := svc.Apply(context.Background(), &domain.AISettings{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Embedding.Available || status.Generative.Available {
		t.Errorf("expected services disabled, got %+v", status)
	}
	if registry.GenerativeService() != nil {
		t.Error("registry still holds a generative service")
	}
}

func TestAISettingsService_ApplyAnswerProvider(t *testing.T) {
	registry := newTestRegistry()
	svc := NewAISettingsService(&mockAIFactory{}, registry, nil)
	ctx := context.Background()

	gemini := &domain.GenerativeSettings{Provider: domain.AIProviderGoogle, Model: "gemini-2.0-flash", APIKey: "key"}
	if err := svc.ApplyAnswerProvider(ctx, "gemini", gemini); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := registry.AnswerProvider("gemini"); !ok {
		t.Fatal("gemini should be registered")
	}
	if got := svc.Status(ctx).AnswerProviders; len(got) != 1 || got[0] != "gemini" {
		t.Errorf("expected [gemini], got %v", got)
	}

	if err := svc.ApplyAnswerProvider(ctx, "gemini", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := registry.AnswerProvider("gemini"); ok {
		t.Error("nil settings should unregister the provider")
	}

	if err := svc.ApplyAnswerProvider(ctx, "", gemini); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestAISettingsService_ApplyAnswerProvider_PingFails(t *testing.T) {
	factory := &mockAIFactory{pingErr: errors.New("timeout")}
	svc := NewAISettingsService(factory, newTestRegistry(), nil)

	err := svc.ApplyAnswerProvider(context.Background(), "openai", &configuredSettings().Generative)
	var perr *domain.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if perr.Provider != "openai" || perr.Op != "ping" {
		t.Errorf("unexpected provider error %+v", perr)
	}
}

func TestAISettingsService_TestConnection(t *testing.T) {
	registry := newTestRegistry()
	svc := NewAISettingsService(&mockAIFactory{}, registry, nil)
	ctx := context.Background()

	if err := svc.TestConnection(ctx); err != nil {
		t.Fatalf("empty registry should pass: %v", err)
	}

	broken := mocks.NewMockGenerativeService("claude")
	broken.PingErr = domain.ErrServiceUnavailable
	registry.SetAnswerProvider("claude", broken)

	err := svc.TestConnection(ctx)
	if !errors.Is(err, domain.ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
}
