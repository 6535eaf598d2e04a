package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
	"github.com/custodia-labs/twolaps-core/internal/runtime"
)

const (
	heuristicConfidence  = 0.4
	defaultLLMConfidence = 0.5
	discoveryTextChars   = 2000
	minCandidateChars    = 3
	maxCandidateChars    = 40

	sourceLLM       = "llm"
	sourceHeuristic = "heuristic"
)

// brandNamePattern matches one to four capitalised tokens.
var brandNamePattern = regexp.MustCompile(`\p{Lu}[\p{L}\p{N}&'\-]+(?:\s+\p{Lu}[\p{L}\p{N}&'\-]+){0,3}`)

// DiscoveryService finds brands mentioned in observations that are not
// tracked yet and records them as candidates for review.
type DiscoveryService struct {
	services   *runtime.Services
	candidates driven.CandidateStore
	logger     *slog.Logger
	timeout    time.Duration
}

// DiscoveryConfig holds configuration for the discovery service.
type DiscoveryConfig struct {
	Services   *runtime.Services
	Candidates driven.CandidateStore
	Logger     *slog.Logger
	Timeout    time.Duration // Per provider call (default: 90s)
}

// NewDiscoveryService creates a new discovery service.
func NewDiscoveryService(cfg DiscoveryConfig) *DiscoveryService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	return &DiscoveryService{
		services:   cfg.Services,
		candidates: cfg.Candidates,
		logger:     logger,
		timeout:    timeout,
	}
}

// Discover extracts candidates from obs, drops known entities and merges
// the rest into the candidate store. It returns the stored candidates.
func (d *DiscoveryService) Discover(ctx context.Context, subjectID int64, entities []*domain.TrackedEntity, obs *domain.RawObservation) ([]*domain.BrandCandidate, error) {
	if strings.TrimSpace(obs.Text) == "" {
		return nil, nil
	}

	found, err := d.extractLLM(ctx, obs.Text)
	if err != nil {
		d.logger.Debug("candidate extraction fell back to heuristic",
			"observation_id", obs.ID,
			"error", err,
		)
		found = extractHeuristic(obs.Text)
	}
	found = dropKnown(found, entities)

	seenAt := obs.Timestamp
	if seenAt.IsZero() {
		seenAt = time.Now()
	}

	stored := make([]*domain.BrandCandidate, 0, len(found))
	for _, c := range found {
		c.SubjectID = subjectID
		c.Occurrences = 1
		c.FirstSeen = seenAt
		c.LastSeen = seenAt

		existing, err := d.candidates.Get(ctx, subjectID, c.Name)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			c.Status = domain.CandidatePending
			existing = c
		case err != nil:
			return stored, fmt.Errorf("get candidate %q: %w", c.Name, err)
		default:
			existing.Merge(c)
		}
		if err := d.candidates.Save(ctx, existing); err != nil {
			return stored, fmt.Errorf("save candidate %q: %w", c.Name, err)
		}
		stored = append(stored, existing)
	}

	if len(stored) > 0 {
		d.logger.Info("brand candidates upserted",
			"subject_id", subjectID,
			"observation_id", obs.ID,
			"count", len(stored),
		)
	}
	return stored, nil
}

// Hook adapts Discover to run after an observation is committed.
func (d *DiscoveryService) Hook() ObservationHook {
	return func(ctx context.Context, subject *domain.Subject, entities []*domain.TrackedEntity, obs *domain.RawObservation) error {
		_, err := d.Discover(ctx, subject.ID, entities, obs)
		return err
	}
}

func (d *DiscoveryService) extractLLM(ctx context.Context, text string) ([]*domain.BrandCandidate, error) {
	svc := d.services.GenerativeService()
	if svc == nil {
		return nil, domain.ErrServiceUnavailable
	}

	prompt := "Identify the brand or operator names mentioned in the text.\n" +
		`Return JSON only, exactly: {"candidatos": [{"nombre": "...", "aliases": ["..."], "confianza": 0.0}]}` +
		"\n\nTEXT:\n" + truncate(text, discoveryTextChars)

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	resp, err := svc.Complete(callCtx, driven.CompletionRequest{
		Prompt:      prompt,
		Temperature: 0.2,
		MaxTokens:   500,
		JSON:        true,
	})
	if err != nil {
		return nil, &domain.ProviderError{Provider: svc.Name(), Op: "discover", Err: err}
	}
	doc, err := parseJSONDocument(resp.Text)
	if err != nil {
		return nil, err
	}

	var out []*domain.BrandCandidate
	for _, item := range doc.List("candidatos") {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		name, _ := m["nombre"].(string)
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		var aliases []string
		if raw, ok := m["aliases"].([]any); ok {
			for _, a := range raw {
				if s, ok := a.(string); ok {
					aliases = append(aliases, s)
				}
			}
		}
		confidence := defaultLLMConfidence
		if v, ok := m["confianza"].(float64); ok {
			confidence = v
		}
		out = append(out, &domain.BrandCandidate{
			Name:       name,
			Aliases:    domain.MergeAliases(nil, aliases),
			Confidence: confidence,
			Source:     sourceLLM,
		})
	}
	return out, nil
}

// extractHeuristic picks capitalised names of acceptable length, sorted.
func extractHeuristic(text string) []*domain.BrandCandidate {
	seen := make(map[string]struct{})
	for _, match := range brandNamePattern.FindAllString(text, -1) {
		name := strings.TrimSpace(match)
		if n := utf8.RuneCountInString(name); n < minCandidateChars || n > maxCandidateChars {
			continue
		}
		seen[name] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*domain.BrandCandidate, len(names))
	for i, name := range names {
		out[i] = &domain.BrandCandidate{
			Name:       name,
			Aliases:    []string{name},
			Confidence: heuristicConfidence,
			Source:     sourceHeuristic,
		}
	}
	return out
}

// dropKnown removes candidates matching a tracked entity name or alias.
func dropKnown(found []*domain.BrandCandidate, entities []*domain.TrackedEntity) []*domain.BrandCandidate {
	out := found[:0]
	for _, c := range found {
		known := false
		for _, e := range entities {
			if e.Known(c.Name) {
				known = true
				break
			}
		}
		if !known {
			out = append(out, c)
		}
	}
	return out
}
