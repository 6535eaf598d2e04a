package ai

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven/mocks"
)

func TestFactory_CreateEmbeddingService_NotConfigured(t *testing.T) {
	factory := NewFactory(FactoryConfig{})

	svc, err := factory.CreateEmbeddingService(nil)
	if err != nil || svc != nil {
		t.Errorf("expected nil, nil for nil settings, got %v %v", svc, err)
	}

	svc, err = factory.CreateEmbeddingService(&domain.EmbeddingSettings{Provider: domain.AIProviderOpenAI})
	if err != nil || svc != nil {
		t.Errorf("expected nil, nil when api key is missing, got %v %v", svc, err)
	}
}

func TestFactory_CreateEmbeddingService_Providers(t *testing.T) {
	testCases := []struct {
		name     string
		settings domain.EmbeddingSettings
		model    string
		dims     int
	}{
		{
			name:     "openai",
			settings: domain.EmbeddingSettings{Provider: domain.AIProviderOpenAI, APIKey: "sk-test"},
			model:    "text-embedding-3-small",
			dims:     1536,
		},
		{
			name:     "google",
			settings: domain.EmbeddingSettings{Provider: domain.AIProviderGoogle, APIKey: "g-test"},
			model:    "gemini-embedding-001",
			dims:     768,
		},
		{
			name:     "ollama",
			settings: domain.EmbeddingSettings{Provider: domain.AIProviderOllama, Model: "nomic-embed-text", Dimensions: 768},
			model:    "nomic-embed-text",
			dims:     768,
		},
	}

	factory := NewFactory(FactoryConfig{})
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			svc, err := factory.CreateEmbeddingService(&tc.settings)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if svc.Model() != tc.model || svc.Dimensions() != tc.dims {
				t.Errorf("expected %s/%d, got %s/%d", tc.model, tc.dims, svc.Model(), svc.Dimensions())
			}
		})
	}
}

func TestFactory_CreateEmbeddingService_InvalidProvider(t *testing.T) {
	factory := NewFactory(FactoryConfig{})
	_, err := factory.CreateEmbeddingService(&domain.EmbeddingSettings{Provider: "voyage", APIKey: "k"})
	if !errors.Is(err, domain.ErrInvalidProvider) {
		t.Errorf("expected ErrInvalidProvider, got %v", err)
	}
}

func TestFactory_CreateEmbeddingService_Cached(t *testing.T) {
	factory := NewFactory(FactoryConfig{QueryCacheTTL: time.Minute})
	svc, err := factory.CreateEmbeddingService(&domain.EmbeddingSettings{Provider: domain.AIProviderOpenAI, APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := svc.(*CachedEmbedding); !ok {
		t.Errorf("expected cached embedding, got %T", svc)
	}
}

func TestFactory_CreateGenerativeService(t *testing.T) {
	factory := NewFactory(FactoryConfig{})

	svc, err := factory.CreateGenerativeService(&domain.GenerativeSettings{})
	if err != nil || svc != nil {
		t.Errorf("expected nil, nil for empty settings, got %v %v", svc, err)
	}

	providers := map[domain.AIProvider]domain.GenerativeSettings{
		domain.AIProviderOpenAI: {Provider: domain.AIProviderOpenAI, APIKey: "sk-test"},
		domain.AIProviderGoogle: {Provider: domain.AIProviderGoogle, APIKey: "g-test"},
		domain.AIProviderOllama: {Provider: domain.AIProviderOllama, Model: "llama3.1"},
	}
	for provider, settings := range providers {
		svc, err := factory.CreateGenerativeService(&settings)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", provider, err)
		}
		if svc.Name() != string(provider) {
			t.Errorf("expected name %s, got %s", provider, svc.Name())
		}
	}

	_, err = factory.CreateGenerativeService(&domain.GenerativeSettings{Provider: "anthropic", APIKey: "k"})
	if !errors.Is(err, domain.ErrInvalidProvider) {
		t.Errorf("expected ErrInvalidProvider, got %v", err)
	}
}

func TestFactory_CreateGenerativeService_RateLimited(t *testing.T) {
	factory := NewFactory(FactoryConfig{RequestsPerSecond: 2, Burst: 1})
	svc, err := factory.CreateGenerativeService(&domain.GenerativeSettings{Provider: domain.AIProviderOpenAI, APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := svc.(*RateLimitedGenerative); !ok {
		t.Errorf("expected rate limited service, got %T", svc)
	}
	if svc.Name() != "openai" {
		t.Errorf("decorator must keep the provider name, got %s", svc.Name())
	}
}

func TestCachedEmbedding(t *testing.T) {
	inner := mocks.NewMockEmbeddingService()
	cached := NewCachedEmbedding(inner, time.Minute)
	ctx := context.Background()

	first, err := cached.EmbedQuery(ctx, "mejor cava para regalar")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := cached.EmbedQuery(ctx, "mejor cava para regalar")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.Calls() != 1 {
		t.Errorf("expected 1 upstream call, got %d", inner.Calls())
	}
	if len(first) != len(second) || cached.Len() != 1 {
		t.Errorf("expected identical cached vector, len %d", cached.Len())
	}

	// Embed is not cached
	if _, err := cached.Embed(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inner.Calls() != 2 {
		t.Errorf("expected Embed to pass through, got %d calls", inner.Calls())
	}

	// Errors are not cached
	inner.SetFailNext(true)
	if _, err := cached.EmbedQuery(ctx, "otra pregunta"); err == nil {
		t.Error("expected error to propagate")
	}
	if _, err := cached.EmbedQuery(ctx, "otra pregunta"); err != nil {
		t.Errorf("expected retry to reach the provider, got %v", err)
	}
	if cached.Len() != 2 {
		t.Errorf("expected 2 cached queries, got %d", cached.Len())
	}

	if err := cached.Close(); err != nil {
		t.Errorf("unexpected close error: %v", err)
	}
	if cached.Len() != 0 {
		t.Error("close must flush the cache")
	}
}

func TestRateLimitedGenerative(t *testing.T) {
	inner := mocks.NewMockGenerativeService("openai").Enqueue("uno", "dos")
	limited := NewRateLimitedGenerative(inner, 1000, 1)
	ctx := context.Background()

	for _, want := range []string{"uno", "dos"} {
		got, err := limited.Complete(ctx, driven.CompletionRequest{Prompt: "hola"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Text != want {
			t.Errorf("expected %q, got %q", want, got.Text)
		}
	}

	// A cancelled context fails while waiting for a token
	slow := NewRateLimitedGenerative(inner, 0.001, 1)
	if _, err := slow.Complete(ctx, driven.CompletionRequest{Prompt: "primero"}); err != nil {
		t.Fatalf("burst call should pass: %v", err)
	}
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := slow.Complete(cancelled, driven.CompletionRequest{Prompt: "segundo"})
	var perr *domain.ProviderError
	if !errors.As(err, &perr) || perr.Op != "rate limit" {
		t.Errorf("expected rate limit ProviderError, got %v", err)
	}
}
