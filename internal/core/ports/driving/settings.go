package driving

import (
	"context"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
)

// AISettingsService configures the AI services used by stages and
// collection, hot-reloading the runtime registry.
type AISettingsService interface {
	// Apply validates settings, creates the services they describe and
	// swaps them into the registry. A service that cannot be created or
	// fails its health check is reported unavailable, not as an error.
	Apply(ctx context.Context, settings *domain.AISettings) (*AISettingsStatus, error)

	// ApplyAnswerProvider registers the provider asked under name during collection
	ApplyAnswerProvider(ctx context.Context, name string, settings *domain.GenerativeSettings) error

	// Status returns the current status of AI services
	Status(ctx context.Context) *AISettingsStatus

	// TestConnection checks every configured service
	TestConnection(ctx context.Context) error
}

// AISettingsStatus represents the status of AI services
type AISettingsStatus struct {
	Embedding       AIServiceStatus `json:"embedding"`
	Generative      AIServiceStatus `json:"generative"`
	AnswerProviders []string        `json:"answer_providers"`
	CanIndex        bool            `json:"can_index"`
	CanRunPipeline  bool            `json:"can_run_pipeline"`
}

// AIServiceStatus represents the status of a single AI service
type AIServiceStatus struct {
	Available    bool              `json:"available"`
	Provider     domain.AIProvider `json:"provider,omitempty"`
	Model        string            `json:"model,omitempty"`
	EmbeddingDim int               `json:"embedding_dim,omitempty"` // Only for embedding service
}
