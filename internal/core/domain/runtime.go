package domain

import "sync"

// RuntimeConfig tracks which services are available at runtime.
// Backends are fixed at startup; AI availability changes when the
// service registry is reconfigured. Safe for concurrent access.
type RuntimeConfig struct {
	mu sync.RWMutex

	// Static (set at startup, read-only)
	ArtifactBackend string // "postgres" or "sqlite"
	QueueBackend    string // "redis" or "postgres"

	embeddingAvailable  bool
	generativeAvailable bool
}

// NewRuntimeConfig creates a new RuntimeConfig with initial values
func NewRuntimeConfig(artifactBackend, queueBackend string) *RuntimeConfig {
	return &RuntimeConfig{
		ArtifactBackend: artifactBackend,
		QueueBackend:    queueBackend,
	}
}

// EmbeddingAvailable returns whether the embedding service is available
func (c *RuntimeConfig) EmbeddingAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.embeddingAvailable
}

// GenerativeAvailable returns whether the generative service is available
func (c *RuntimeConfig) GenerativeAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generativeAvailable
}

// SetEmbeddingAvailable updates the embedding availability flag
func (c *RuntimeConfig) SetEmbeddingAvailable(available bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.embeddingAvailable = available
}

// SetGenerativeAvailable updates the generative availability flag
func (c *RuntimeConfig) SetGenerativeAvailable(available bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generativeAvailable = available
}

// CanIndex returns true if fragments can be embedded and searched
func (c *RuntimeConfig) CanIndex() bool {
	return c.EmbeddingAvailable()
}

// CanRunPipeline returns true if generative stages can call a provider.
// The quantitative stage needs neither service.
func (c *RuntimeConfig) CanRunPipeline() bool {
	return c.GenerativeAvailable()
}
