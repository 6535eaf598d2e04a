package driven

import (
	"context"
	"time"
)

// CompletionRequest is one call to a generative provider.
type CompletionRequest struct {
	// System sets the role instruction. Optional.
	System string
	// Prompt is the user message.
	Prompt string
	// Temperature is passed through as-is; zero is a valid value.
	Temperature float32
	// MaxTokens caps the response length. Zero leaves the provider default.
	MaxTokens int
	// JSON asks the provider for a JSON object response where supported.
	JSON bool
}

// Completion is a provider response with usage accounting.
type Completion struct {
	Text         string
	Model        string
	TokensInput  int
	TokensOutput int
	Latency      time.Duration
}

// GenerativeService is a text completion provider. It backs both the
// generative stages and the answer providers asked during collection.
type GenerativeService interface {
	// Complete sends the request and blocks until the provider answers
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)

	// Name returns the provider name recorded on observations
	Name() string

	// Model returns the model name being used
	Model() string

	// Ping verifies the provider is available
	Ping(ctx context.Context) error

	// Close releases resources held by the service
	Close() error
}
