package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driving"
	"github.com/custodia-labs/twolaps-core/internal/runtime"
)

const (
	defaultMaxRetries      = 2
	defaultMaxContextChars = 60000
	truncationMarker       = "... [truncado]"

	methodRAG      = "rag_vector_search"
	methodResults  = "prior_results"
	methodFallback = "fallback"
)

// StageEngine holds what every generative stage shares: the provider
// registry, retrieval and the retry and context budgets.
type StageEngine struct {
	services        *runtime.Services // Dynamic AI services
	retrieval       driving.RetrievalService
	logger          *slog.Logger
	maxRetries      int
	topK            int
	timeout         time.Duration
	maxContextChars int
}

// StageEngineConfig holds configuration for the stage engine.
type StageEngineConfig struct {
	Services        *runtime.Services
	Retrieval       driving.RetrievalService
	Logger          *slog.Logger
	MaxRetries      *int          // Extra attempts after a failed validation (nil: 2, 0 disables)
	TopK            int           // Fragments retrieved per stage (default: 10)
	Timeout         time.Duration // Per provider call (default: 90s)
	MaxContextChars int           // Prompt context budget (default: 60000)
}

// NewStageEngine creates a new stage engine.
func NewStageEngine(cfg StageEngineConfig) *StageEngine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retries := defaultMaxRetries
	if cfg.MaxRetries != nil {
		retries = max(*cfg.MaxRetries, 0)
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	maxContext := cfg.MaxContextChars
	if maxContext <= 0 {
		maxContext = defaultMaxContextChars
	}
	return &StageEngine{
		services:        cfg.Services,
		retrieval:       cfg.Retrieval,
		logger:          logger,
		maxRetries:      retries,
		topK:            topK,
		timeout:         timeout,
		maxContextChars: maxContext,
	}
}

// generator returns the configured provider or ErrServiceUnavailable.
func (e *StageEngine) generator() (driven.GenerativeService, error) {
	svc := e.services.GenerativeService()
	if svc == nil {
		return nil, fmt.Errorf("%w: generative service not configured", domain.ErrServiceUnavailable)
	}
	return svc, nil
}

// complete calls the provider under the per-call timeout.
func (e *StageEngine) complete(ctx context.Context, svc driven.GenerativeService, req driven.CompletionRequest) (*driven.Completion, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := svc.Complete(callCtx, req)
	if err != nil {
		var provErr *domain.ProviderError
		if errors.As(err, &provErr) {
			return nil, err
		}
		return nil, &domain.ProviderError{Provider: svc.Name(), Op: "complete", Err: err}
	}
	return resp, nil
}

// completeDocument asks for a JSON document and validates it against schema,
// retrying with an amended instruction at most maxRetries times.
func (e *StageEngine) completeDocument(ctx context.Context, stage domain.StageName, schema Schema, req driven.CompletionRequest) (domain.Document, error) {
	svc, err := e.generator()
	if err != nil {
		return nil, err
	}

	base := req.Prompt
	req.JSON = true
	attempt := func(ctx context.Context, amend string) (domain.Document, error) {
		req.Prompt = base + amend
		resp, err := e.complete(ctx, svc, req)
		if err != nil {
			return nil, err
		}
		return parseJSONDocument(resp.Text)
	}
	check := func(doc domain.Document) error {
		return schema.Validate(stage, doc)
	}

	doc, err := ValidateOrRetry(ctx, e.maxRetries, attempt, check, amendInstruction)
	if err != nil {
		return nil, err
	}
	schema.Normalize(doc)
	return doc, nil
}

// search retrieves current-period evidence. Retrieval failures degrade to no evidence.
func (e *StageEngine) search(ctx context.Context, rc *RunContext, stage domain.StageName, question string) []*domain.RetrievedFragment {
	if question == "" || e.retrieval == nil {
		return nil
	}
	fragments, err := e.retrieval.Search(ctx, driving.SearchRequest{
		SubjectID:            rc.Subject.ID,
		Period:               rc.Period.Token,
		Question:             question,
		TopK:                 e.topK,
		Type:                 domain.FragmentQueryExecution,
		IncludeCurrentPeriod: true,
	})
	if err != nil {
		e.logger.Warn("retrieval failed, continuing without fragments",
			"stage", stage,
			"subject_id", rc.Subject.ID,
			"period", rc.Period.Token,
			"error", err,
		)
		return nil
	}
	return fragments
}

// ValidateOrRetry calls attempt until check accepts its result, retrying at
// most maxRetries times. Each retry receives amend(lastErr) so the caller
// can sharpen the instruction. On exhaustion the last error is returned.
func ValidateOrRetry[T any](
	ctx context.Context,
	maxRetries int,
	attempt func(ctx context.Context, amend string) (T, error),
	check func(T) error,
	amend func(err error) string,
) (T, error) {
	var (
		zero    T
		lastErr error
		note    string
	)
	for i := 0; i <= maxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		if i > 0 && amend != nil {
			note = amend(lastErr)
		}

		v, err := attempt(ctx, note)
		if err == nil {
			err = check(v)
		}
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	return zero, lastErr
}

func amendInstruction(err error) string {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return "\n\nThe previous answer was rejected: " + strings.Join(verr.Issues, "; ") +
			". Return ONLY one JSON object with every required key."
	}
	return "\n\nThe previous answer was not valid JSON. Return ONLY one JSON object, no markdown, no commentary."
}

// parseJSONDocument extracts a JSON object from a model answer, tolerating
// markdown fences and text around the object.
func parseJSONDocument(text string) (domain.Document, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		var body []string
		for _, line := range lines[1:] {
			if strings.HasPrefix(strings.TrimSpace(line), "```") {
				break
			}
			body = append(body, line)
		}
		text = strings.TrimSpace(strings.Join(body, "\n"))
	}
	if !strings.HasPrefix(text, "{") {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start == -1 || end <= start {
			return nil, errors.New("response contains no JSON object")
		}
		text = text[start : end+1]
	}

	var doc domain.Document
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("parse json response: %w", err)
	}
	if doc == nil {
		return nil, errors.New("response is a null JSON value")
	}
	return doc, nil
}

// promptBuilder assembles a prompt within a character budget. Sections that
// do not fit are truncated, never dropped silently.
type promptBuilder struct {
	sb     strings.Builder
	budget int
}

func newPromptBuilder(budget int) *promptBuilder {
	return &promptBuilder{budget: budget}
}

func (b *promptBuilder) line(format string, args ...any) {
	fmt.Fprintf(&b.sb, format, args...)
	b.sb.WriteByte('\n')
}

// section appends a titled block, truncating body to the remaining budget.
func (b *promptBuilder) section(title, body string) {
	if body == "" {
		return
	}
	remaining := b.budget - b.sb.Len()
	if remaining <= len(title)+len(truncationMarker)+8 {
		return
	}
	body = truncate(body, remaining-len(title)-8)
	b.sb.WriteString("\n## ")
	b.sb.WriteString(title)
	b.sb.WriteString("\n")
	b.sb.WriteString(body)
	b.sb.WriteString("\n")
}

func (b *promptBuilder) String() string {
	return b.sb.String()
}

// truncate cuts s to at most limit bytes on a rune boundary, appending the marker.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - len(truncationMarker)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}

// compactJSON renders a document for a prompt.
func compactJSON(doc domain.Document) string {
	raw, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	return string(raw)
}

func fragmentsContext(fragments []*domain.RetrievedFragment) string {
	parts := make([]string, len(fragments))
	for i, f := range fragments {
		parts[i] = fmt.Sprintf("[Fragmento %d]:\n%s", i+1, f.Text)
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// stampDocument adds the keys every stored artifact carries.
func stampDocument(doc domain.Document, rc *RunContext, metadata map[string]any) domain.Document {
	if doc == nil {
		doc = domain.Document{}
	}
	doc["periodo"] = rc.Period.Token
	doc["categoria_id"] = rc.Subject.ID
	meta := doc.Map("metadata")
	if meta == nil {
		meta = make(map[string]any)
	}
	for k, v := range metadata {
		meta[k] = v
	}
	doc["metadata"] = meta
	return doc
}
