package ai

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
)

// Ensure OpenAIGenerative implements GenerativeService
var _ driven.GenerativeService = (*OpenAIGenerative)(nil)

const defaultOpenAIChatModel = openai.GPT4o

// OpenAIGenerative implements GenerativeService with the chat completions API
type OpenAIGenerative struct {
	client   *openai.Client
	provider string
	model    string
}

// NewOpenAIGenerative creates a chat completion service on OpenAI
func NewOpenAIGenerative(apiKey, model, baseURL string) (*OpenAIGenerative, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	if model == "" {
		model = defaultOpenAIChatModel
	}
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return newOpenAICompatibleGenerative(string(domain.AIProviderOpenAI), apiKey, model, baseURL), nil
}

// NewOllamaGenerative creates a chat completion service on a local Ollama server
func NewOllamaGenerative(baseURL, model string) (*OpenAIGenerative, error) {
	if model == "" {
		return nil, errors.New("Ollama model is required")
	}
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return newOpenAICompatibleGenerative(string(domain.AIProviderOllama), "ollama", model, baseURL), nil
}

func newOpenAICompatibleGenerative(provider, apiKey, model, baseURL string) *OpenAIGenerative {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &OpenAIGenerative{
		client:   openai.NewClientWithConfig(cfg),
		provider: provider,
		model:    model,
	}
}

// Complete sends one chat completion
func (g *OpenAIGenerative) Complete(ctx context.Context, req driven.CompletionRequest) (*driven.Completion, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	chatReq := openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	// A zero temperature is dropped by omitempty and the API applies its
	// default of 1.
	if chatReq.Temperature == 0 {
		chatReq.Temperature = math.SmallestNonzeroFloat32
	}
	if req.JSON {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	start := time.Now()
	resp, err := g.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, &domain.ProviderError{Provider: g.provider, Op: "complete", Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &domain.ProviderError{Provider: g.provider, Op: "complete", Err: errors.New("no choices in response")}
	}

	model := resp.Model
	if model == "" {
		model = g.model
	}
	return &driven.Completion{
		Text:         strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:        model,
		TokensInput:  resp.Usage.PromptTokens,
		TokensOutput: resp.Usage.CompletionTokens,
		Latency:      time.Since(start),
	}, nil
}

// Name returns the provider name
func (g *OpenAIGenerative) Name() string {
	return g.provider
}

// Model returns the model name being used
func (g *OpenAIGenerative) Model() string {
	return g.model
}

// Ping lists models, the cheapest authenticated call
func (g *OpenAIGenerative) Ping(ctx context.Context) error {
	if _, err := g.client.ListModels(ctx); err != nil {
		return &domain.ProviderError{Provider: g.provider, Op: "ping", Err: err}
	}
	return nil
}

// Close releases resources held by the service
func (g *OpenAIGenerative) Close() error {
	return nil
}
