package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven/mocks"
)

const (
	qualBatchOne = `{
		"sentimiento_por_marca": {
			"Freixenet": {"score_medio": 0.8, "tono": "positivo", "intensidad": "alta", "distribucion": {"positivo": 3, "neutral": 1, "negativo": 0}}
		},
		"atributos_por_marca": {"Freixenet": {"precio": ["asequible"]}},
		"temas_emergentes": ["navidad", "precio"],
		"insights_cualitativos": ["Se asocia a celebraciones"]
	}`
	qualBatchTwo = `{
		"sentimiento_por_marca": {
			"Freixenet": {"score_medio": 0.4, "tono": "positivo", "intensidad": "media", "distribucion": {"positivo": 1, "neutral": 1, "negativo": 1}},
			"Codorniu": {"score_medio": -0.2, "tono": "negativo", "intensidad": "baja", "distribucion": {"positivo": 0, "neutral": 1, "negativo": 2}}
		},
		"atributos_por_marca": {"Freixenet": {"precio": ["asequible", "promociones"]}},
		"temas_emergentes": ["precio", "sostenibilidad"],
		"insights_cualitativos": []
	}`
)

func newQualitativeFixture(t *testing.T, maxBatch int) (*stageFixture, *mocks.MockObservationStore, *QualitativeStage) {
	t.Helper()
	f := newStageFixture(t)
	obs := mocks.NewMockObservationStore()
	stage := NewQualitativeStage(QualitativeConfig{Engine: f.engine, Observations: obs, MaxBatchChars: maxBatch})
	return f, obs, stage
}

func TestQualitative_AggregatesBatches(t *testing.T) {
	f, obs, stage := newQualitativeFixture(t, 60)
	obs.Add(1, strings.Repeat("Freixenet es barato. ", 2), oct5)
	obs.Add(1, strings.Repeat("Codorniu es caro. ", 2), oct5)
	f.generator.Enqueue(qualBatchOne, qualBatchTwo)

	out, err := stage.Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeFMCG))
	require.NoError(t, err)
	assert.Equal(t, 2, f.generator.Calls())

	doc := out.Document
	freixenet := doc.Map("sentimiento_por_marca")["Freixenet"].(map[string]any)
	assert.InDelta(t, 0.6, freixenet["score_medio"], 1e-9)
	assert.Equal(t, "positivo", freixenet["tono"])
	assert.Equal(t, "alta", freixenet["intensidad"])
	assert.Equal(t, map[string]float64{"positivo": 4, "neutral": 2, "negativo": 1}, freixenet["distribucion"])

	codorniu := doc.Map("sentimiento_por_marca")["Codorniu"].(map[string]any)
	assert.InDelta(t, -0.2, codorniu["score_medio"], 1e-9)
	assert.Equal(t, "negativo", codorniu["tono"])

	attrs := doc.Map("atributos_por_marca")["Freixenet"].(map[string][]string)
	assert.Equal(t, []string{"asequible", "promociones"}, attrs["precio"])

	assert.Equal(t, []string{"navidad", "precio", "sostenibilidad"}, doc["temas_emergentes"])
	assert.Equal(t, []string{"Se asocia a celebraciones"}, doc["insights_cualitativos"])

	meta := doc.Map("metadata")
	assert.Equal(t, 2, meta["textos_analizados"])
	assert.Equal(t, 2, meta["batches_procesados"])
	assert.Equal(t, 2, meta["batches_totales"])
}

func TestQualitative_SkipsFailedBatches(t *testing.T) {
	f, obs, stage := newQualitativeFixture(t, 60)
	obs.Add(1, strings.Repeat("Freixenet es barato. ", 2), oct5)
	obs.Add(1, strings.Repeat("Codorniu es caro. ", 2), oct5)
	boom := errors.New("upstream 500")
	f.generator.EnqueueError(boom).EnqueueError(boom).EnqueueError(boom).Enqueue(qualBatchTwo)

	out, err := stage.Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeGeneric))
	require.NoError(t, err)

	meta := out.Document.Map("metadata")
	assert.Equal(t, 1, meta["batches_procesados"])
	assert.Equal(t, 2, meta["batches_totales"])
}

func TestQualitative_NoData(t *testing.T) {
	t.Run("no entities", func(t *testing.T) {
		f, obs, stage := newQualitativeFixture(t, 0)
		obs.Add(1, "Freixenet", oct5)
		f.entities = nil

		_, err := stage.Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeGeneric))
		var noData *domain.NoDataError
		require.ErrorAs(t, err, &noData)
		assert.Equal(t, "no entities configured", noData.Reason)
	})

	t.Run("no observations", func(t *testing.T) {
		f, _, stage := newQualitativeFixture(t, 0)

		_, err := stage.Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeGeneric))
		var noData *domain.NoDataError
		require.ErrorAs(t, err, &noData)
		assert.Zero(t, f.generator.Calls())
	})

	t.Run("every batch fails", func(t *testing.T) {
		f, obs, stage := newQualitativeFixture(t, 0)
		obs.Add(1, "Freixenet es barato", oct5)
		f.generator.Default = "nope"

		_, err := stage.Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeGeneric))
		var noData *domain.NoDataError
		require.ErrorAs(t, err, &noData)
		assert.Equal(t, "no batch could be processed", noData.Reason)
	})
}

func TestPackBatches(t *testing.T) {
	long := strings.Repeat("x", maxTextChars+500)
	batches := packBatches([]string{"aaaa", "bbbb", "cccc", long}, 10)

	require.Len(t, batches, 3)
	assert.Equal(t, []string{"aaaa", "bbbb"}, batches[0])
	assert.Equal(t, []string{"cccc"}, batches[1])
	require.Len(t, batches[2], 1)
	assert.Equal(t, maxTextChars+len(truncationMarker), len(batches[2][0]))
	assert.True(t, strings.HasSuffix(batches[2][0], truncationMarker))
}

func TestMode(t *testing.T) {
	assert.Equal(t, "neutral", mode(nil, "neutral"))
	assert.Equal(t, "alta", mode([]string{"baja", "alta", "alta"}, "baja"))
	assert.Equal(t, "alta", mode([]string{"baja", "alta"}, "baja"), "ties break alphabetically")
}
