package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
)

var (
	_ driven.EmbeddingService  = (*GeminiEmbedding)(nil)
	_ driven.GenerativeService = (*GeminiGenerative)(nil)
)

const (
	defaultGeminiEmbeddingModel = "gemini-embedding-001"
	defaultGeminiChatModel      = "gemini-2.5-flash"
	defaultGeminiDimensions     = 768
)

func newGeminiClient(apiKey, baseURL string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, errors.New("Gemini API key is required")
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("create Gemini client: %w", err)
	}
	return client, nil
}

// GeminiEmbedding generates embeddings with Google's Gemini API
type GeminiEmbedding struct {
	client     *genai.Client
	model      string
	dimensions int
}

// NewGeminiEmbedding creates a Gemini embedding service
func NewGeminiEmbedding(apiKey, model, baseURL string, dimensions int) (*GeminiEmbedding, error) {
	client, err := newGeminiClient(apiKey, baseURL)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = defaultGeminiEmbeddingModel
	}
	if dimensions <= 0 {
		dimensions = defaultGeminiDimensions
	}
	return &GeminiEmbedding{client: client, model: model, dimensions: dimensions}, nil
}

func (e *GeminiEmbedding) embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType:             taskType,
		OutputDimensionality: genai.Ptr(int32(e.dimensions)),
	})
	if err != nil {
		return nil, &domain.ProviderError{Provider: string(domain.AIProviderGoogle), Op: "embed", Err: err}
	}
	if len(result.Embeddings) != len(texts) {
		return nil, &domain.ProviderError{
			Provider: string(domain.AIProviderGoogle),
			Op:       "embed",
			Err:      fmt.Errorf("got %d embeddings for %d inputs", len(result.Embeddings), len(texts)),
		}
	}

	embeddings := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		embeddings[i] = emb.Values
	}
	return embeddings, nil
}

// Embed embeds fragments for storage
func (e *GeminiEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return e.embed(ctx, texts, "RETRIEVAL_DOCUMENT")
}

// EmbedQuery embeds a question for retrieval
func (e *GeminiEmbedding) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	embeddings, err := e.embed(ctx, []string{query}, "RETRIEVAL_QUERY")
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// Dimensions returns the requested output dimensionality
func (e *GeminiEmbedding) Dimensions() int {
	return e.dimensions
}

// Model returns the model name being used
func (e *GeminiEmbedding) Model() string {
	return e.model
}

// HealthCheck verifies the embedding service is available
func (e *GeminiEmbedding) HealthCheck(ctx context.Context) error {
	_, err := e.EmbedQuery(ctx, "health check")
	return err
}

// Close is a no-op; the client holds no long-lived connections of its own
func (e *GeminiEmbedding) Close() error {
	return nil
}

// GeminiGenerative implements GenerativeService on Gemini models
type GeminiGenerative struct {
	client *genai.Client
	model  string
}

// NewGeminiGenerative creates a Gemini completion service
func NewGeminiGenerative(apiKey, model, baseURL string) (*GeminiGenerative, error) {
	client, err := newGeminiClient(apiKey, baseURL)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = defaultGeminiChatModel
	}
	return &GeminiGenerative{client: client, model: model}, nil
}

// Complete sends one generate-content call
func (g *GeminiGenerative) Complete(ctx context.Context, req driven.CompletionRequest) (*driven.Completion, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Temperature),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.JSON {
		cfg.ResponseMIMEType = "application/json"
	}

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return nil, &domain.ProviderError{Provider: string(domain.AIProviderGoogle), Op: "complete", Err: err}
	}

	completion := &driven.Completion{
		Text:    strings.TrimSpace(resp.Text()),
		Model:   g.model,
		Latency: time.Since(start),
	}
	if resp.ModelVersion != "" {
		completion.Model = resp.ModelVersion
	}
	if usage := resp.UsageMetadata; usage != nil {
		completion.TokensInput = int(usage.PromptTokenCount)
		completion.TokensOutput = int(usage.CandidatesTokenCount)
	}
	if completion.Text == "" {
		return nil, &domain.ProviderError{Provider: string(domain.AIProviderGoogle), Op: "complete", Err: errors.New("empty response")}
	}
	return completion, nil
}

// Name returns the provider name
func (g *GeminiGenerative) Name() string {
	return string(domain.AIProviderGoogle)
}

// Model returns the model name being used
func (g *GeminiGenerative) Model() string {
	return g.model
}

// Ping fetches the model metadata
func (g *GeminiGenerative) Ping(ctx context.Context) error {
	if _, err := g.client.Models.Get(ctx, g.model, nil); err != nil {
		return &domain.ProviderError{Provider: string(domain.AIProviderGoogle), Op: "ping", Err: err}
	}
	return nil
}

// Close is a no-op
func (g *GeminiGenerative) Close() error {
	return nil
}
