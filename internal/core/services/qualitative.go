package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
)

const (
	defaultMaxBatchChars = 700000
	maxTextChars         = 3000
	maxThemes            = 10
)

// Ensure QualitativeStage implements Stage
var _ Stage = (*QualitativeStage)(nil)

var qualitativeSchema = Schema{
	Objects: []string{"sentimiento_por_marca", "atributos_por_marca"},
	Lists:   []string{"temas_emergentes", "insights_cualitativos"},
}

var sentimentLabels = []string{"positivo", "neutral", "negativo"}

// QualitativeStage extracts sentiment, attributes and themes from every
// observation of the window, packing texts into bounded batches.
type QualitativeStage struct {
	engine        *StageEngine
	observations  driven.ObservationStore
	maxBatchChars int
}

// QualitativeConfig holds configuration for the qualitative stage.
type QualitativeConfig struct {
	Engine        *StageEngine
	Observations  driven.ObservationStore
	MaxBatchChars int // Characters per provider call (default: 700000)
}

// NewQualitativeStage creates a new qualitative stage.
func NewQualitativeStage(cfg QualitativeConfig) *QualitativeStage {
	maxBatch := cfg.MaxBatchChars
	if maxBatch <= 0 {
		maxBatch = defaultMaxBatchChars
	}
	return &QualitativeStage{
		engine:        cfg.Engine,
		observations:  cfg.Observations,
		maxBatchChars: maxBatch,
	}
}

func (s *QualitativeStage) Name() domain.StageName { return domain.StageQualitative }

func (s *QualitativeStage) Requires() []domain.StageName { return nil }

func (s *QualitativeStage) Execute(ctx context.Context, rc *RunContext) (*StageOutput, error) {
	if len(rc.Entities) == 0 {
		return nil, &domain.NoDataError{Stage: s.Name(), Reason: "no entities configured"}
	}

	observations, err := s.observations.ListObservations(ctx, rc.Subject.ID, rc.Period.Start, rc.Period.End)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	var texts []string
	totalChars := 0
	for _, obs := range observations {
		if strings.TrimSpace(obs.Text) == "" {
			continue
		}
		texts = append(texts, obs.Text)
		totalChars += len(obs.Text)
	}
	if len(texts) == 0 {
		return nil, &domain.NoDataError{Stage: s.Name(), Reason: "no observations in window"}
	}

	if _, err := s.engine.generator(); err != nil {
		return nil, err
	}

	names := rc.EntityNames()
	profile := rc.Profile.Stage(s.Name(), domain.StageProfile{Temperature: 0.3, MaxTokens: 4000})
	batches := packBatches(texts, s.maxBatchChars)

	var results []domain.Document
	for i, batch := range batches {
		req := driven.CompletionRequest{
			System:      "You are a qualitative market researcher. You answer with JSON only.",
			Prompt:      qualitativePrompt(rc, names, profile, batch),
			Temperature: profile.Temperature,
			MaxTokens:   profile.MaxTokens,
		}
		doc, err := s.engine.completeDocument(ctx, s.Name(), qualitativeSchema, req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			s.engine.logger.Warn("qualitative batch failed, skipping",
				"subject_id", rc.Subject.ID,
				"period", rc.Period.Token,
				"batch", i+1,
				"batches", len(batches),
				"error", err,
			)
			continue
		}
		results = append(results, doc)
	}
	if len(results) == 0 {
		return nil, &domain.NoDataError{Stage: s.Name(), Reason: "no batch could be processed"}
	}

	doc := aggregateQualitative(results, names)
	return &StageOutput{Document: stampDocument(doc, rc, map[string]any{
		"textos_analizados":  len(texts),
		"total_caracteres":   totalChars,
		"batches_procesados": len(results),
		"batches_totales":    len(batches),
		"metodo":             "llm_full_analysis",
	})}, nil
}

// packBatches truncates long texts and groups them so no batch exceeds
// maxChars, except a single oversized text which gets its own batch.
func packBatches(texts []string, maxChars int) [][]string {
	var (
		batches [][]string
		current []string
		chars   int
	)
	for _, text := range texts {
		if len(text) > maxTextChars {
			text = truncate(text, maxTextChars+len(truncationMarker))
		}
		if chars+len(text) > maxChars && len(current) > 0 {
			batches = append(batches, current)
			current, chars = nil, 0
		}
		current = append(current, text)
		chars += len(text)
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

func qualitativePrompt(rc *RunContext, names []string, profile domain.StageProfile, texts []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyse every answer below about %s for period %s.\n", rc.Subject.Path(), rc.Period.Token)
	fmt.Fprintf(&b, "Tracked brands: %s.\n", strings.Join(names, ", "))
	if profile.Focus != "" {
		fmt.Fprintf(&b, "Market focus: %s.\n", profile.Focus)
	}
	b.WriteString("Return one JSON object with keys:\n")
	b.WriteString("- sentimiento_por_marca: {brand: {score_medio (-1..1), tono, intensidad, distribucion: {positivo, neutral, negativo}}}\n")
	b.WriteString("- atributos_por_marca: {brand: {attribute category: [values]}}\n")
	b.WriteString("- temas_emergentes: [string]\n")
	b.WriteString("- insights_cualitativos: [string]\n\n")
	b.WriteString(strings.Join(texts, "\n\n---\n\n"))
	return b.String()
}

// aggregateQualitative merges batch documents: mean score, modal tone and
// intensity, summed distribution, union of attributes and the first
// distinct themes and insights.
func aggregateQualitative(batches []domain.Document, names []string) domain.Document {
	sentiment := make(map[string]any, len(names))
	attributes := make(map[string]any, len(names))

	for _, name := range names {
		var (
			scores       []float64
			tones        []string
			intensities  []string
			distribution = map[string]float64{"positivo": 0, "neutral": 0, "negativo": 0}
			attrs        = make(map[string][]string)
		)
		for _, batch := range batches {
			if entry, ok := batch.Map("sentimiento_por_marca")[name].(map[string]any); ok {
				if v, ok := entry["score_medio"].(float64); ok {
					scores = append(scores, v)
				}
				if v, ok := entry["tono"].(string); ok && v != "" {
					tones = append(tones, v)
				}
				if v, ok := entry["intensidad"].(string); ok && v != "" {
					intensities = append(intensities, v)
				}
				if dist, ok := entry["distribucion"].(map[string]any); ok {
					for _, label := range sentimentLabels {
						if n, ok := dist[label].(float64); ok {
							distribution[label] += n
						}
					}
				}
			}
			if entry, ok := batch.Map("atributos_por_marca")[name].(map[string]any); ok {
				for category, values := range entry {
					list, _ := values.([]any)
					for _, v := range list {
						if s, ok := v.(string); ok && !containsString(attrs[category], s) {
							attrs[category] = append(attrs[category], s)
						}
					}
					if _, ok := attrs[category]; !ok {
						attrs[category] = []string{}
					}
				}
			}
		}

		mean := 0.0
		if len(scores) > 0 {
			var sum float64
			for _, v := range scores {
				sum += v
			}
			mean = sum / float64(len(scores))
		}
		sentiment[name] = map[string]any{
			"score_medio":          mean,
			"tono":                 mode(tones, "neutral"),
			"intensidad":           mode(intensities, "baja"),
			"distribucion":         distribution,
			"menciones_analizadas": distribution["positivo"] + distribution["neutral"] + distribution["negativo"],
		}
		attributes[name] = attrs
	}

	return domain.Document{
		"sentimiento_por_marca": sentiment,
		"atributos_por_marca":   attributes,
		"temas_emergentes":      distinctStrings(batches, "temas_emergentes", maxThemes),
		"insights_cualitativos": distinctStrings(batches, "insights_cualitativos", maxThemes),
	}
}

// mode returns the most frequent value, ties broken alphabetically.
func mode(values []string, fallback string) string {
	if len(values) == 0 {
		return fallback
	}
	counts := make(map[string]int)
	for _, v := range values {
		counts[v]++
	}
	keys := sortedKeys(counts)
	sort.SliceStable(keys, func(i, j int) bool { return counts[keys[i]] > counts[keys[j]] })
	return keys[0]
}

func distinctStrings(batches []domain.Document, key string, limit int) []string {
	out := []string{}
	for _, batch := range batches {
		for _, v := range batch.List(key) {
			s, ok := v.(string)
			if !ok || s == "" || containsString(out, s) {
				continue
			}
			out = append(out, s)
			if len(out) == limit {
				return out
			}
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
