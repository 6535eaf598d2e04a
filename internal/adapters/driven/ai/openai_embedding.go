package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
)

// Ensure OpenAIEmbedding implements EmbeddingService
var _ driven.EmbeddingService = (*OpenAIEmbedding)(nil)

// OpenAIEmbedding implements EmbeddingService against the OpenAI embeddings
// API or any server speaking it (Ollama's /v1 endpoint).
type OpenAIEmbedding struct {
	client     *openai.Client
	provider   string
	model      string
	baseURL    string
	dimensions int
}

// Model dimensions for OpenAI embedding models
var openAIModelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

const (
	defaultOpenAIEmbeddingModel = "text-embedding-3-small"
	defaultOpenAIBaseURL        = "https://api.openai.com/v1"
	defaultOllamaBaseURL        = "http://localhost:11434/v1"
)

// NewOpenAIEmbedding creates a new OpenAI embedding service. dimensions
// overrides the model default; the text-embedding-3 models shorten their
// vectors server-side to match.
func NewOpenAIEmbedding(apiKey, model, baseURL string, dimensions int) (*OpenAIEmbedding, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	if model == "" {
		model = defaultOpenAIEmbeddingModel
	}
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return newOpenAICompatibleEmbedding(string(domain.AIProviderOpenAI), apiKey, model, baseURL, dimensions)
}

// NewOllamaEmbedding creates an embedding service on a local Ollama server
func NewOllamaEmbedding(baseURL, model string, dimensions int) (*OpenAIEmbedding, error) {
	if model == "" {
		return nil, errors.New("Ollama embedding model is required")
	}
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	if dimensions <= 0 {
		return nil, errors.New("Ollama embedding dimensions are required")
	}
	return newOpenAICompatibleEmbedding(string(domain.AIProviderOllama), "ollama", model, baseURL, dimensions)
}

func newOpenAICompatibleEmbedding(provider, apiKey, model, baseURL string, dimensions int) (*OpenAIEmbedding, error) {
	if dimensions <= 0 {
		var ok bool
		if dimensions, ok = openAIModelDimensions[model]; !ok {
			// Default to 1536 for unknown models
			dimensions = 1536
		}
	}

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL

	return &OpenAIEmbedding{
		client:     openai.NewClientWithConfig(cfg),
		provider:   provider,
		model:      model,
		baseURL:    baseURL,
		dimensions: dimensions,
	}, nil
}

// Embed generates embeddings for multiple texts
func (e *OpenAIEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	req := openai.EmbeddingRequest{
		Input:          texts,
		Model:          openai.EmbeddingModel(e.model),
		EncodingFormat: openai.EmbeddingEncodingFormatFloat,
	}
	if _, known := openAIModelDimensions[e.model]; known && e.dimensions != openAIModelDimensions[e.model] {
		req.Dimensions = e.dimensions
	}

	resp, err := e.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, &domain.ProviderError{Provider: e.provider, Op: "embed", Err: err}
	}

	// Sort by index to ensure order matches input
	embeddings := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(embeddings) {
			embeddings[d.Index] = d.Embedding
		}
	}
	for i, v := range embeddings {
		if len(v) == 0 {
			return nil, &domain.ProviderError{Provider: e.provider, Op: "embed", Err: fmt.Errorf("no embedding for input %d", i)}
		}
	}
	return embeddings, nil
}

// EmbedQuery generates an embedding for an analytical question
func (e *OpenAIEmbedding) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	embeddings, err := e.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// Dimensions returns the embedding dimension size
func (e *OpenAIEmbedding) Dimensions() int {
	return e.dimensions
}

// Model returns the model name being used
func (e *OpenAIEmbedding) Model() string {
	return e.model
}

// HealthCheck verifies the embedding service is available
func (e *OpenAIEmbedding) HealthCheck(ctx context.Context) error {
	_, err := e.EmbedQuery(ctx, "health check")
	return err
}

// Close releases resources held by the embedding service
func (e *OpenAIEmbedding) Close() error {
	return nil
}
