package domain

import "time"

// AIProvider identifies an embedding or generative provider
type AIProvider string

const (
	AIProviderOpenAI AIProvider = "openai"
	AIProviderGoogle AIProvider = "google"
	AIProviderOllama AIProvider = "ollama"
)

// AISettings holds AI service configuration (embedding and generative).
// It can be swapped at runtime through the service registry.
type AISettings struct {
	Embedding  EmbeddingSettings  `json:"embedding"`
	Generative GenerativeSettings `json:"generative"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// EmbeddingSettings configures the embedding service
type EmbeddingSettings struct {
	Provider   AIProvider `json:"provider"`
	Model      string     `json:"model"`
	APIKey     string     `json:"-"` // Never serialize to JSON
	BaseURL    string     `json:"base_url,omitempty"`
	Dimensions int        `json:"dimensions,omitempty"`
}

// IsConfigured returns true if embedding settings are properly configured
func (e *EmbeddingSettings) IsConfigured() bool {
	if e.Provider == "" {
		return false
	}
	if e.Provider.RequiresAPIKey() && e.APIKey == "" {
		return false
	}
	return true
}

// GenerativeSettings configures the generative service
type GenerativeSettings struct {
	Provider AIProvider `json:"provider"`
	Model    string     `json:"model"`
	APIKey   string     `json:"-"` // Never serialize to JSON
	BaseURL  string     `json:"base_url,omitempty"`
}

// IsConfigured returns true if generative settings are properly configured
func (g *GenerativeSettings) IsConfigured() bool {
	if g.Provider == "" {
		return false
	}
	if g.Provider.RequiresAPIKey() && g.APIKey == "" {
		return false
	}
	return true
}

// RequiresAPIKey returns true if this provider requires an API key
func (p AIProvider) RequiresAPIKey() bool {
	switch p {
	case AIProviderOllama:
		return false // Self-hosted, no API key needed
	default:
		return true
	}
}

// IsValid returns true if this is a known provider
func (p AIProvider) IsValid() bool {
	switch p {
	case AIProviderOpenAI, AIProviderGoogle, AIProviderOllama:
		return true
	default:
		return false
	}
}

// Validate checks if AISettings are valid
func (s *AISettings) Validate() error {
	if s.Embedding.Provider != "" && !s.Embedding.Provider.IsValid() {
		return ErrInvalidProvider
	}
	if s.Generative.Provider != "" && !s.Generative.Provider.IsValid() {
		return ErrInvalidProvider
	}
	return nil
}

// DefaultEmbeddingSettings returns the embedding defaults: 1536-dimension
// OpenAI vectors, matching the fragment index column.
func DefaultEmbeddingSettings() EmbeddingSettings {
	return EmbeddingSettings{
		Provider:   AIProviderOpenAI,
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
	}
}

// DefaultGenerativeSettings returns the generative defaults.
func DefaultGenerativeSettings() GenerativeSettings {
	return GenerativeSettings{
		Provider: AIProviderOpenAI,
		Model:    "gpt-4o",
	}
}
