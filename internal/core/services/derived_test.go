package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
)

func sovDocument(sov map[string]float64) domain.Document {
	m := make(map[string]any, len(sov))
	for k, v := range sov {
		m[k] = v
	}
	return domain.Document{"sov_percent": m}
}

func qualitativeDocument(scores map[string]float64) domain.Document {
	m := make(map[string]any, len(scores))
	for k, v := range scores {
		m[k] = map[string]any{"score_medio": v}
	}
	return domain.Document{"sentimiento_por_marca": m}
}

func TestCompetitiveStage(t *testing.T) {
	f := newStageFixture(t)
	f.results.Put(1, "2025-10", domain.StageQuantitative, sovDocument(map[string]float64{
		"Freixenet": 50, "Codorniu": 40, "Juvé": 10,
	}))
	f.results.Put(1, "2025-10", domain.StageQualitative, qualitativeDocument(map[string]float64{
		"Freixenet": 0.7, "Codorniu": 0.1, "Juvé": 0.9,
	}))

	out, err := (&CompetitiveStage{}).Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeFMCG))
	require.NoError(t, err)

	doc := out.Document
	assert.Equal(t, "Freixenet", doc["lider_mercado"])
	assert.Equal(t, 50.0, doc["sov_lider"])

	gaps := doc["gaps_competitivos"].([]map[string]any)
	require.Len(t, gaps, 2)
	assert.Equal(t, "Codorniu", gaps[0]["marca"])
	assert.Equal(t, "riesgo", gaps[0]["gap_type"])
	assert.Equal(t, "Juvé", gaps[1]["marca"])
	assert.Equal(t, "oportunidad", gaps[1]["gap_type"])

	comparison := doc.Map("comparativa")
	assert.Equal(t, "lider", comparison["Freixenet"].(map[string]any)["posicion"])
	assert.Equal(t, "seguidor", comparison["Codorniu"].(map[string]any)["posicion"])
}

func TestCompetitiveStage_LeaderTieBreaksByName(t *testing.T) {
	f := newStageFixture(t)
	f.results.Put(1, "2025-10", domain.StageQuantitative, sovDocument(map[string]float64{"Zeta": 50, "Alfa": 50}))
	f.results.Put(1, "2025-10", domain.StageQualitative, qualitativeDocument(nil))

	out, err := (&CompetitiveStage{}).Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeGeneric))
	require.NoError(t, err)
	assert.Equal(t, "Alfa", out.Document["lider_mercado"])
}

func TestCompetitiveStage_RequiresQualitative(t *testing.T) {
	f := newStageFixture(t)
	f.results.Put(1, "2025-10", domain.StageQuantitative, sovDocument(map[string]float64{"A": 100}))

	_, err := (&CompetitiveStage{}).Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeGeneric))
	var missing *domain.MissingDependencyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, domain.StageQualitative, missing.Dependency)
}

func TestTrendsStage(t *testing.T) {
	f := newStageFixture(t)
	f.results.Put(1, "2025-09", domain.StageQuantitative, sovDocument(map[string]float64{
		"Freixenet": 40, "Codorniu": 45, "Juvé": 15,
	}))
	f.results.Put(1, "2025-10", domain.StageQuantitative, sovDocument(map[string]float64{
		"Freixenet": 52, "Codorniu": 38, "Juvé": 10,
	}))

	out, err := (&TrendsStage{}).Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeGeneric))
	require.NoError(t, err)

	doc := out.Document
	assert.Equal(t, "2025-09", doc["periodo_comparado"])
	trends := doc["tendencias"].([]map[string]any)
	require.Len(t, trends, 2)

	assert.Equal(t, "Codorniu", trends[0]["marca"])
	assert.Equal(t, "↓", trends[0]["direccion"])
	assert.Equal(t, "media", trends[0]["significancia"])

	assert.Equal(t, "Freixenet", trends[1]["marca"])
	assert.Equal(t, "↑", trends[1]["direccion"])
	assert.Equal(t, "alta", trends[1]["significancia"])
	assert.InDelta(t, 12.0, trends[1]["cambio_puntos"], 1e-9)

	assert.Equal(t, "1 marcas en crecimiento, 1 en decrecimiento", doc["resumen"])
	assert.Equal(t, true, doc.Map("metadata")["periodo_anterior_disponible"])
}

func TestTrendsStage_NoPreviousPeriod(t *testing.T) {
	f := newStageFixture(t)
	f.results.Put(1, "2025-10", domain.StageQuantitative, sovDocument(map[string]float64{"Freixenet": 100}))

	out, err := (&TrendsStage{}).Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeGeneric))
	require.NoError(t, err)
	assert.Empty(t, out.Document["tendencias"])
	assert.Equal(t, "No se detectaron cambios significativos", out.Document["resumen"])
	assert.Equal(t, false, out.Document.Map("metadata")["periodo_anterior_disponible"])
}

func TestTrendsStage_FallsBackToEarlierGranularity(t *testing.T) {
	tests := []struct {
		name     string
		period   string
		stored   string
		wantPrev string
	}{
		{"monthly without previous month", "2025-10", "2025-09-28", "2025-09-28"},
		{"range has no strict predecessor", "2025-10-01..2025-10-31", "2025-09-28", "2025-09-28"},
		{"earlier day inside the window is ignored", "2025-10-01..2025-10-31", "2025-10-01", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newStageFixture(t)
			f.results.Put(1, tt.stored, domain.StageQuantitative, sovDocument(map[string]float64{"Freixenet": 30, "Codorniu": 70}))
			f.results.Put(1, tt.period, domain.StageQuantitative, sovDocument(map[string]float64{"Freixenet": 50, "Codorniu": 50}))

			out, err := (&TrendsStage{}).Execute(context.Background(), f.runContext(t, tt.period, domain.MarketTypeGeneric))
			require.NoError(t, err)

			meta := out.Document.Map("metadata")
			if tt.wantPrev == "" {
				assert.Equal(t, false, meta["periodo_anterior_disponible"])
				assert.Empty(t, out.Document["tendencias"])
				return
			}
			assert.Equal(t, tt.wantPrev, out.Document["periodo_comparado"])
			assert.Equal(t, true, meta["comparacion_cruzada"])
			assert.Len(t, out.Document["tendencias"], 2)
		})
	}
}
