package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driving"
	"github.com/custodia-labs/twolaps-core/internal/fragmenter"
	"github.com/custodia-labs/twolaps-core/internal/runtime"
	"github.com/custodia-labs/twolaps-core/internal/textclean"
)

// Ensure retrievalService implements RetrievalService
var _ driving.RetrievalService = (*retrievalService)(nil)

const (
	defaultTopK            = 10
	maxTopK                = 100
	defaultProviderTimeout = 90 * time.Second
)

// retrievalService indexes text as embedded fragments and serves
// similarity search over them.
type retrievalService struct {
	index    driven.VectorIndex
	services *runtime.Services // Dynamic AI services
	cleaner  *textclean.Registry
	pipeline *fragmenter.Pipeline
	logger   *slog.Logger
	topK     int
	timeout  time.Duration
}

// RetrievalConfig holds configuration for the retrieval service.
type RetrievalConfig struct {
	Index    driven.VectorIndex
	Services *runtime.Services
	Cleaner  *textclean.Registry  // default: textclean.DefaultRegistry()
	Pipeline *fragmenter.Pipeline // default: fragmenter.DefaultPipeline(MinChars)
	MinChars int                  // Fragments shorter than this are dropped (default: 40)
	TopK     int                  // Default result count (default: 10)
	Timeout  time.Duration        // Per embedding call (default: 90s)
	Logger   *slog.Logger
}

// NewRetrievalService creates a new RetrievalService.
// The embedding service is resolved from runtime.Services on every call.
func NewRetrievalService(cfg RetrievalConfig) driving.RetrievalService {
	return newRetrievalService(cfg)
}

func newRetrievalService(cfg RetrievalConfig) *retrievalService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cleaner := cfg.Cleaner
	if cleaner == nil {
		cleaner = textclean.DefaultRegistry()
	}
	pipeline := cfg.Pipeline
	if pipeline == nil {
		fc := fragmenter.DefaultConfig()
		if cfg.MinChars > 0 {
			fc.MinChars = cfg.MinChars
		}
		pipeline = fragmenter.DefaultPipeline(fc)
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	return &retrievalService{
		index:    cfg.Index,
		services: cfg.Services,
		cleaner:  cleaner,
		pipeline: pipeline,
		logger:   logger,
		topK:     topK,
		timeout:  timeout,
	}
}

// Index embeds text and stores its fragments. Failures are logged, never returned.
func (s *retrievalService) Index(ctx context.Context, subjectID int64, period string, fragmentType domain.FragmentType, refID int64, text string) int {
	log := s.logger.With("subject_id", subjectID, "period", period, "type", fragmentType, "ref_id", refID)

	if !fragmentType.IsValid() {
		log.Warn("skipping index of unknown fragment type")
		return 0
	}

	pieces := s.pipeline.Split(s.cleaner.Clean(text))
	if len(pieces) == 0 {
		log.Debug("text too short to index")
		return 0
	}

	embedder := s.services.EmbeddingService()
	if embedder == nil {
		log.Debug("embedding service not configured, skipping index")
		return 0
	}

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}

	embedCtx, cancel := context.WithTimeout(ctx, s.timeout)
	vectors, err := embedder.Embed(embedCtx, texts)
	cancel()
	if err != nil {
		log.Warn("failed to embed fragments", "error", err)
		return 0
	}
	if len(vectors) != len(pieces) {
		log.Warn("embedding count mismatch", "expected", len(pieces), "got", len(vectors))
		return 0
	}

	now := time.Now()
	fragments := make([]*domain.EmbeddedFragment, len(pieces))
	for i, p := range pieces {
		fragments[i] = &domain.EmbeddedFragment{
			SubjectID: subjectID,
			Period:    period,
			Type:      fragmentType,
			RefID:     refID,
			Chunk:     p.Position,
			Text:      p.Text,
			Vector:    vectors[i],
			Metadata: map[string]any{
				"start_offset": p.StartOffset,
				"end_offset":   p.EndOffset,
				"model":        embedder.Model(),
			},
			CreatedAt: now,
		}
	}

	if err := s.index.Upsert(ctx, fragments); err != nil {
		log.Warn("failed to store fragments", "error", err)
		return 0
	}

	log.Debug("indexed fragments", "count", len(fragments))
	return len(fragments)
}

// Search ranks fragments by cosine distance to the embedded question.
func (s *retrievalService) Search(ctx context.Context, req driving.SearchRequest) ([]*domain.RetrievedFragment, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, fmt.Errorf("%w: search question is required", domain.ErrInvalidInput)
	}
	if req.Type != "" && !req.Type.IsValid() {
		return nil, fmt.Errorf("%w: unknown fragment type %q", domain.ErrInvalidInput, req.Type)
	}

	topK := req.TopK
	if topK <= 0 {
		topK = s.topK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	embedder := s.services.EmbeddingService()
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedding service not configured", domain.ErrServiceUnavailable)
	}

	embedCtx, cancel := context.WithTimeout(ctx, s.timeout)
	vector, err := embedder.EmbedQuery(embedCtx, question)
	cancel()
	if err != nil {
		return nil, &domain.ProviderError{Provider: embedder.Model(), Op: "embed query", Err: err}
	}

	filter := domain.FragmentFilter{
		SubjectID:     req.SubjectID,
		Period:        req.Period,
		ExcludePeriod: !req.IncludeCurrentPeriod && req.Period != "",
		Type:          req.Type,
	}
	if req.IncludeCurrentPeriod && req.Period != "" {
		// Observations are indexed per day, so a week, month or range
		// matches every day it covers.
		if p, err := domain.ResolvePeriod(req.Period); err == nil {
			filter.Periods = p.Tokens()
		}
	}

	results, err := s.index.Search(ctx, vector, filter, topK)
	if err != nil {
		return nil, &domain.ProviderError{Provider: "vector index", Op: "search", Err: err}
	}
	if results == nil {
		results = []*domain.RetrievedFragment{}
	}
	return results, nil
}
