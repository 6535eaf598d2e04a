package services

import (
	"context"
	"strings"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
)

// Ensure GenerativeStage implements Stage
var _ Stage = (*GenerativeStage)(nil)

// GenerativeStage runs one StageSpec: gather inputs and evidence, ask the
// provider for a document, validate it and degrade to an empty document
// rather than fail.
type GenerativeStage struct {
	spec   StageSpec
	engine *StageEngine
}

// NewGenerativeStage creates a stage from its spec.
func NewGenerativeStage(spec StageSpec, engine *StageEngine) *GenerativeStage {
	return &GenerativeStage{spec: spec, engine: engine}
}

func (s *GenerativeStage) Name() domain.StageName { return s.spec.Name }

func (s *GenerativeStage) Requires() []domain.StageName { return s.spec.Requires }

// Execute produces the stage document.
func (s *GenerativeStage) Execute(ctx context.Context, rc *RunContext) (*StageOutput, error) {
	inputs, err := s.loadInputs(ctx, rc)
	if err != nil {
		return nil, err
	}

	fragments := s.engine.search(ctx, rc, s.spec.Name, s.spec.Question)
	method := methodResults
	if s.spec.Question != "" {
		method = methodRAG
		if len(fragments) == 0 {
			s.engine.logger.Info("no evidence retrieved, emitting empty document",
				"stage", s.spec.Name,
				"subject_id", rc.Subject.ID,
				"period", rc.Period.Token,
			)
			doc := s.spec.Schema.Empty(s.emptyStatement())
			return &StageOutput{Document: stampDocument(doc, rc, map[string]any{
				"fragments_analyzed": 0,
				"metodo":             method,
			})}, nil
		}
	}

	if _, err := s.engine.generator(); err != nil {
		return nil, err
	}

	profile := rc.Profile.Stage(s.spec.Name, s.spec.Defaults)
	req := driven.CompletionRequest{
		System:      "You are a senior market analyst. You answer with JSON only.",
		Prompt:      s.buildPrompt(rc, profile, inputs, fragments),
		Temperature: profile.Temperature,
		MaxTokens:   profile.MaxTokens,
	}

	doc, err := s.engine.completeDocument(ctx, s.spec.Name, s.spec.Schema, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		s.engine.logger.Warn("stage response rejected, using empty document",
			"stage", s.spec.Name,
			"subject_id", rc.Subject.ID,
			"period", rc.Period.Token,
			"error", err,
		)
		doc = s.spec.Schema.Empty(s.emptyStatement())
		method = methodFallback
	} else if s.spec.Gate != nil && !s.spec.Gate(doc) {
		doc = s.stricterRetry(ctx, rc, req, doc)
	}

	return &StageOutput{Document: stampDocument(doc, rc, map[string]any{
		"fragments_analyzed": len(fragments),
		"metodo":             method,
	})}, nil
}

// stricterRetry makes one more attempt when the gate rejects a valid
// document. The best available result is kept.
func (s *GenerativeStage) stricterRetry(ctx context.Context, rc *RunContext, req driven.CompletionRequest, best domain.Document) domain.Document {
	s.engine.logger.Info("stage output failed quality gate, retrying once",
		"stage", s.spec.Name,
		"subject_id", rc.Subject.ID,
		"period", rc.Period.Token,
	)
	req.Prompt += "\n\nEvery insight MUST cite at least two evidence entries taken from the fragments. " +
		"If the fragments do not support any insight, set " + emptyStateKey + " to a sentence saying so."

	retry, err := s.engine.completeDocument(ctx, s.spec.Name, s.spec.Schema, req)
	if err != nil {
		return best
	}
	if s.spec.Gate(retry) {
		return retry
	}
	return best
}

func (s *GenerativeStage) loadInputs(ctx context.Context, rc *RunContext) (map[domain.StageName]domain.Document, error) {
	inputs := make(map[domain.StageName]domain.Document)
	for _, dep := range s.spec.Requires {
		doc, err := rc.Require(ctx, s.spec.Name, dep)
		if err != nil {
			return nil, err
		}
		inputs[dep] = doc
	}
	for _, dep := range s.spec.Optional {
		doc, err := rc.Optional(ctx, dep)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			inputs[dep] = doc
		}
	}
	return inputs, nil
}

func (s *GenerativeStage) emptyStatement() string {
	if s.spec.EmptyStatement != "" {
		return s.spec.EmptyStatement
	}
	return "Sin datos suficientes para este análisis en el periodo."
}

func (s *GenerativeStage) buildPrompt(rc *RunContext, profile domain.StageProfile, inputs map[domain.StageName]domain.Document, fragments []*domain.RetrievedFragment) string {
	b := newPromptBuilder(s.engine.maxContextChars)
	b.line("%s", s.spec.Instruction)
	if profile.Focus != "" {
		b.line("Market focus: %s.", profile.Focus)
	}
	b.line("Subject: %s (%s). Period: %s.", rc.Subject.Path(), rc.Subject.MarketType, rc.Period.Token)
	b.line("Tracked brands: %s.", strings.Join(rc.EntityNames(), ", "))
	b.line("Return one JSON object with keys: %s.", s.spec.Schema.Describe())
	b.line("If the evidence does not support a finding, say so in %q instead of inventing content.", emptyStateKey)

	// Inputs in declaration order keep prompts stable across runs.
	for _, dep := range append(append([]domain.StageName(nil), s.spec.Requires...), s.spec.Optional...) {
		if doc, ok := inputs[dep]; ok {
			b.section(string(dep)+" results", compactJSON(doc))
		}
	}
	b.section("Evidence fragments", fragmentsContext(fragments))
	return b.String()
}
