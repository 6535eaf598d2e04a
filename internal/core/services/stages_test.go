package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven/mocks"
	"github.com/custodia-labs/twolaps-core/internal/runtime"
)

// stageFixture wires a stage engine over in-memory collaborators.
type stageFixture struct {
	services  *runtime.Services
	generator *mocks.MockGenerativeService
	index     *mocks.MockVectorIndex
	results   *mocks.MockResultStore
	reports   *mocks.MockReportStore
	retrieval *retrievalService
	engine    *StageEngine
	entities  []*domain.TrackedEntity
}

func newStageFixture(t *testing.T) *stageFixture {
	t.Helper()
	services, _, generator := newTestServices()
	index := mocks.NewMockVectorIndex()
	retrieval := newRetrievalService(RetrievalConfig{Index: index, Services: services, MinChars: 20})
	return &stageFixture{
		services:  services,
		generator: generator,
		index:     index,
		results:   mocks.NewMockResultStore(),
		reports:   mocks.NewMockReportStore(),
		retrieval: retrieval,
		engine:    NewStageEngine(StageEngineConfig{Services: services, Retrieval: retrieval}),
		entities: []*domain.TrackedEntity{
			{ID: 1, SubjectID: 1, Name: "Freixenet", Aliases: []string{"freixenet"}},
			{ID: 2, SubjectID: 1, Name: "Codorniu", Aliases: []string{"codorniu", "codorníu"}},
		},
	}
}

func (f *stageFixture) runContext(t *testing.T, period string, mt domain.MarketType) *RunContext {
	t.Helper()
	subject := &domain.Subject{ID: 1, MarketID: 1, MarketName: "Bebidas", Name: "Cava", MarketType: mt, Active: true}
	return NewRunContext("run-1", subject, mustPeriod(t, period), f.entities, domain.MarketProfile{}, f.results)
}

// indexEvidence stores one current-period answer per text.
func (f *stageFixture) indexEvidence(texts ...string) {
	for i, text := range texts {
		f.retrieval.Index(context.Background(), 1, "2025-10", domain.FragmentQueryExecution, int64(100+i), text)
	}
}

func sentimentSpec(t *testing.T) StageSpec {
	return specByName(t, domain.StageSentiment)
}

func specByName(t *testing.T, name domain.StageName) StageSpec {
	t.Helper()
	for _, spec := range DefaultStageSpecs() {
		if spec.Name == name {
			return spec
		}
	}
	t.Fatalf("spec %s not found", name)
	return StageSpec{}
}

const validSentiment = `{"resumen":"Freixenet lidera","por_marca":{"Freixenet":{"score":0.6}},"insights":[{"titulo":"Precio","evidencia":["a","b"]}]}`

func TestGenerativeStage_ProducesValidatedDocument(t *testing.T) {
	f := newStageFixture(t)
	f.indexEvidence(champagneText, cavaText)
	f.results.Put(1, "2025-10", domain.StageQualitative, domain.Document{"temas_emergentes": []any{"precio"}})
	f.generator.Enqueue(validSentiment)

	stage := NewGenerativeStage(sentimentSpec(t), f.engine)
	out, err := stage.Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeGeneric))
	require.NoError(t, err)

	doc := out.Document
	assert.Equal(t, "Freixenet lidera", doc.String("resumen"))
	assert.Equal(t, "2025-10", doc["periodo"])
	assert.Equal(t, int64(1), doc["categoria_id"])
	meta := doc.Map("metadata")
	assert.Equal(t, 2, meta["fragments_analyzed"])
	assert.Equal(t, methodRAG, meta["metodo"])

	reqs := f.generator.Requests()
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].JSON)
	assert.Contains(t, reqs[0].Prompt, "[Fragmento 1]")
	assert.Contains(t, reqs[0].Prompt, "qualitative results")
	assert.Contains(t, reqs[0].Prompt, "Freixenet, Codorniu")
}

func TestGenerativeStage_EvidenceFromDailyObservations(t *testing.T) {
	tests := []struct {
		period    string
		wantFound bool
	}{
		{"2025-10", true},
		{"2025-W42", true},
		{"2025-10-13..2025-10-19", true},
		{"2025-11", false},
	}

	for _, tt := range tests {
		t.Run(tt.period, func(t *testing.T) {
			f := newStageFixture(t)
			subject := &domain.Subject{ID: 1, MarketID: 1, MarketName: "Bebidas", Name: "Cava", Active: true}
			obs := &domain.RawObservation{
				ID:        77,
				SubjectID: 1,
				Provider:  "openai",
				Text:      cavaText,
				Timestamp: time.Date(2025, 10, 14, 9, 30, 0, 0, time.UTC),
			}
			require.NoError(t, IndexHook(f.retrieval)(context.Background(), subject, f.entities, obs))

			f.results.Put(1, tt.period, domain.StageQualitative, domain.Document{})
			f.generator.Enqueue(validSentiment)

			out, err := NewGenerativeStage(sentimentSpec(t), f.engine).
				Execute(context.Background(), f.runContext(t, tt.period, domain.MarketTypeGeneric))
			require.NoError(t, err)

			meta := out.Document.Map("metadata")
			if !tt.wantFound {
				assert.Zero(t, f.generator.Calls())
				assert.Equal(t, 0, meta["fragments_analyzed"])
				return
			}
			assert.Equal(t, 1, meta["fragments_analyzed"])
			reqs := f.generator.Requests()
			require.Len(t, reqs, 1)
			assert.Contains(t, reqs[0].Prompt, "Freixenet cava")
		})
	}
}

func TestGenerativeStage_NoEvidenceSkipsProvider(t *testing.T) {
	f := newStageFixture(t)
	f.results.Put(1, "2025-10", domain.StageQualitative, domain.Document{})

	spec := sentimentSpec(t)
	out, err := NewGenerativeStage(spec, f.engine).Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeGeneric))
	require.NoError(t, err)

	assert.Zero(t, f.generator.Calls())
	assert.Equal(t, spec.EmptyStatement, out.Document.String(emptyStateKey))
	assert.Equal(t, []any{}, out.Document["insights"])
	assert.Equal(t, 0, out.Document.Map("metadata")["fragments_analyzed"])
}

func TestGenerativeStage_RetriesInvalidResponses(t *testing.T) {
	f := newStageFixture(t)
	f.indexEvidence(cavaText)
	f.results.Put(1, "2025-10", domain.StageQualitative, domain.Document{})
	f.generator.Enqueue("not json at all", `{"resumen": 42}`, validSentiment)

	out, err := NewGenerativeStage(sentimentSpec(t), f.engine).Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeGeneric))
	require.NoError(t, err)

	assert.Equal(t, 3, f.generator.Calls())
	assert.Equal(t, "Freixenet lidera", out.Document.String("resumen"))
	reqs := f.generator.Requests()
	assert.Contains(t, reqs[1].Prompt, "not valid JSON")
	assert.Contains(t, reqs[2].Prompt, "was rejected")
}

func TestGenerativeStage_FallsBackToEmptyDocument(t *testing.T) {
	f := newStageFixture(t)
	f.indexEvidence(cavaText)
	f.results.Put(1, "2025-10", domain.StageQualitative, domain.Document{})
	f.generator.Default = "still not json"

	out, err := NewGenerativeStage(sentimentSpec(t), f.engine).Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeGeneric))
	require.NoError(t, err)

	assert.Equal(t, 1+defaultMaxRetries, f.generator.Calls())
	assert.Equal(t, methodFallback, out.Document.Map("metadata")["metodo"])
	assert.NotEmpty(t, out.Document.String(emptyStateKey))
}

func TestGenerativeStage_ZeroRetriesDisablesRetry(t *testing.T) {
	f := newStageFixture(t)
	f.indexEvidence(cavaText)
	f.results.Put(1, "2025-10", domain.StageQualitative, domain.Document{})
	f.generator.Default = "still not json"

	noRetries := 0
	engine := NewStageEngine(StageEngineConfig{Services: f.services, Retrieval: f.retrieval, MaxRetries: &noRetries})
	out, err := NewGenerativeStage(sentimentSpec(t), engine).Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeGeneric))
	require.NoError(t, err)

	assert.Equal(t, 1, f.generator.Calls())
	assert.Equal(t, methodFallback, out.Document.Map("metadata")["metodo"])
}

func TestGenerativeStage_MissingDependency(t *testing.T) {
	f := newStageFixture(t)
	f.indexEvidence(cavaText)

	_, err := NewGenerativeStage(sentimentSpec(t), f.engine).Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeGeneric))

	var missing *domain.MissingDependencyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, domain.StageSentiment, missing.Stage)
	assert.Equal(t, domain.StageQualitative, missing.Dependency)
	assert.True(t, domain.IsTypedStageError(err))
}

func TestGenerativeStage_NoGenerator(t *testing.T) {
	f := newStageFixture(t)
	f.indexEvidence(cavaText)
	f.results.Put(1, "2025-10", domain.StageQualitative, domain.Document{})
	f.services.SetGenerativeService(nil)

	_, err := NewGenerativeStage(sentimentSpec(t), f.engine).Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeGeneric))
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
	assert.False(t, domain.IsTypedStageError(err))
}

func TestGenerativeStage_ResultsOnlyStage(t *testing.T) {
	f := newStageFixture(t)
	f.results.Put(1, "2025-10", domain.StageQuantitative, domain.Document{"sov_percent": map[string]any{"Freixenet": 60.0}})
	f.generator.Enqueue(`{"resumen":"ok","escenarios":[{"nombre":"base","probabilidad":0.6}]}`)

	out, err := NewGenerativeStage(specByName(t, domain.StageScenarioPlanning), f.engine).Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeGeneric))
	require.NoError(t, err)

	assert.Equal(t, methodResults, out.Document.Map("metadata")["metodo"])
	assert.Equal(t, []any{}, out.Document["drivers"])
	assert.Contains(t, f.generator.Requests()[0].Prompt, "quantitative results")
}

func TestGenerativeStage_GateTriggersStricterRetry(t *testing.T) {
	f := newStageFixture(t)
	f.indexEvidence(cavaText)
	weak := `{"resumen_actividad":"poca","insights":[{"titulo":"a","evidencia":["uno"]}]}`
	strong := `{"resumen_actividad":"campaña navideña","insights":[{"titulo":"a","evidencia":["uno","dos"]}]}`
	f.generator.Enqueue(weak, strong)

	out, err := NewGenerativeStage(specByName(t, domain.StageCampaign), f.engine).Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeFMCG))
	require.NoError(t, err)

	assert.Equal(t, 2, f.generator.Calls())
	assert.Equal(t, "campaña navideña", out.Document.String("resumen_actividad"))
	assert.Contains(t, f.generator.Requests()[1].Prompt, "at least two evidence entries")
}

func TestGenerativeStage_GateKeepsBestResult(t *testing.T) {
	f := newStageFixture(t)
	f.indexEvidence(cavaText)
	weak := `{"resumen_actividad":"poca","insights":[{"titulo":"a","evidencia":["uno"]}]}`
	f.generator.Enqueue(weak)
	f.generator.Default = "broken"

	out, err := NewGenerativeStage(specByName(t, domain.StageCampaign), f.engine).Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeFMCG))
	require.NoError(t, err)
	assert.Equal(t, "poca", out.Document.String("resumen_actividad"))
}

func TestGenerativeStage_ProviderErrorDegrades(t *testing.T) {
	f := newStageFixture(t)
	f.indexEvidence(cavaText)
	f.results.Put(1, "2025-10", domain.StageQualitative, domain.Document{})
	boom := errors.New("rate limited")
	f.generator.EnqueueError(boom).EnqueueError(boom).EnqueueError(boom)

	out, err := NewGenerativeStage(sentimentSpec(t), f.engine).Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeGeneric))
	require.NoError(t, err)
	assert.Equal(t, methodFallback, out.Document.Map("metadata")["metodo"])
}

func TestGenerativeStage_ProfileFocus(t *testing.T) {
	f := newStageFixture(t)
	f.indexEvidence(cavaText)
	f.results.Put(1, "2025-10", domain.StageQualitative, domain.Document{})
	f.generator.Enqueue(validSentiment)

	rc := f.runContext(t, "2025-10", domain.MarketTypeHealth)
	rc.Profile = domain.DefaultMarketProfiles().Resolve(domain.MarketTypeHealth)

	_, err := NewGenerativeStage(sentimentSpec(t), f.engine).Execute(context.Background(), rc)
	require.NoError(t, err)
	req := f.generator.Requests()[0]
	assert.True(t, strings.Contains(req.Prompt, "trust, safety and clinical evidence"))
	assert.InDelta(t, 0.3, req.Temperature, 1e-6)
}
