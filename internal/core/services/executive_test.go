package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
)

const fullExecutive = `{
	"resumen_ejecutivo": {"hallazgos_clave": ["Freixenet lidera con 52% de SOV", "Codorniu pierde 7 puntos"], "contexto": "Mercado estable"},
	"mercado": {"estado_general": "Consolidado", "lider": "Freixenet"},
	"oportunidades_riesgos": {"oportunidades": [{"titulo": "Juvé"}], "riesgos": [{"titulo": "Precio"}, {"titulo": "Canal"}]},
	"plan_90_dias": {"iniciativas": [{"titulo": "Campaña", "prioridad": "alta", "timeline": "Mes 1"}]}
}`

func newExecutiveFixture(t *testing.T) (*stageFixture, *ExecutiveStage) {
	t.Helper()
	f := newStageFixture(t)
	f.results.Put(1, "2025-10", domain.StageQuantitative, sovDocument(map[string]float64{"Freixenet": 52, "Codorniu": 48}))
	f.results.Put(1, "2025-10", domain.StageQualitative, qualitativeDocument(map[string]float64{"Freixenet": 0.6}))
	return f, NewExecutiveStage(f.engine, f.reports)
}

func TestExecutive_WritesAndIndexesReport(t *testing.T) {
	f, stage := newExecutiveFixture(t)
	f.generator.Enqueue(fullExecutive)

	out, err := stage.Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeGeneric))
	require.NoError(t, err)
	require.NotZero(t, out.ReportID)
	assert.Equal(t, out.ReportID, out.Document["report_id"])

	report, err := f.reports.Get(context.Background(), 1, "2025-10")
	require.NoError(t, err)
	assert.Equal(t, domain.ReportStatusDraft, report.Status)
	assert.Equal(t, map[string]int{"hallazgos": 2, "oportunidades": 1, "riesgos": 2, "plan_acciones": 1}, report.QualityMetrics)

	var reportFragments int
	for _, frag := range f.index.Fragments() {
		if frag.Type == domain.FragmentReport {
			reportFragments++
			assert.Equal(t, out.ReportID, frag.RefID)
			assert.Equal(t, "2025-10", frag.Period)
		}
	}
	assert.Equal(t, 1, reportFragments)

	req := f.generator.Requests()[0]
	assert.InDelta(t, 0.5, req.Temperature, 1e-6)
	assert.Equal(t, 10000, req.MaxTokens)
}

func TestExecutive_MinimalReportOnInvalidResponse(t *testing.T) {
	f, stage := newExecutiveFixture(t)
	f.results.Put(1, "2025-10", domain.StageStrategic, domain.Document{"oportunidades": []any{
		map[string]any{"titulo": "Premium", "descripcion": "Subir gama", "prioridad": "alta"},
		map[string]any{"titulo": "Online", "descripcion": "Canal digital"},
		map[string]any{"titulo": "Export", "descripcion": "Nuevos mercados"},
		map[string]any{"titulo": "Cuarta", "descripcion": "No entra"},
	}})
	f.generator.Default = "sorry"

	out, err := stage.Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeGeneric))
	require.NoError(t, err)
	assert.Equal(t, methodFallback, out.Document.Map("metadata")["metodo"])

	report, err := f.reports.Get(context.Background(), 1, "2025-10")
	require.NoError(t, err)
	summary := report.Content.Map("resumen_ejecutivo")
	assert.Equal(t, []any{"Análisis en proceso"}, summary["hallazgos_clave"])
	assert.Equal(t, "Informe generado automáticamente", summary["contexto"])

	initiatives := report.Content.Map("plan_90_dias")["iniciativas"].([]any)
	require.Len(t, initiatives, 3)
	first := initiatives[0].(map[string]any)
	assert.Equal(t, "Premium", first["titulo"])
	assert.Equal(t, "alta", first["prioridad"])
	assert.Equal(t, "Mes 1-3", first["timeline"])
	assert.Equal(t, "media", initiatives[1].(map[string]any)["prioridad"])
}

func TestExecutive_UsesHistoricalReports(t *testing.T) {
	f, stage := newExecutiveFixture(t)
	f.retrieval.Index(context.Background(), 1, "2025-09", domain.FragmentReport, 7,
		"Freixenet lideraba en septiembre con un 45% de share of voice.")
	f.retrieval.Index(context.Background(), 1, "2025-10", domain.FragmentReport, 8,
		"Informe anterior del mismo periodo que no debe aparecer en el contexto.")
	f.generator.Enqueue(fullExecutive)

	out, err := stage.Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeGeneric))
	require.NoError(t, err)

	assert.Equal(t, 1, out.Document.Map("metadata")["historical_fragments"])
	prompt := f.generator.Requests()[0].Prompt
	assert.Contains(t, prompt, "[2025-09] Freixenet lideraba")
	assert.NotContains(t, prompt, "mismo periodo")
}

func TestExecutive_RequiresQuantitativeAndQualitative(t *testing.T) {
	f := newStageFixture(t)
	stage := NewExecutiveStage(f.engine, f.reports)

	_, err := stage.Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeGeneric))
	var missing *domain.MissingDependencyError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, domain.StageQuantitative, missing.Dependency)
}

func TestExecutive_ReportStoreFailure(t *testing.T) {
	f, stage := newExecutiveFixture(t)
	f.generator.Enqueue(fullExecutive)
	f.reports.UpsertFn = func(*domain.Report) (int64, error) { return 0, errors.New("disk full") }

	_, err := stage.Execute(context.Background(), f.runContext(t, "2025-10", domain.MarketTypeGeneric))
	require.Error(t, err)
	assert.False(t, domain.IsTypedStageError(err))
}

func TestQualityMetrics_EmptyContent(t *testing.T) {
	assert.Equal(t, map[string]int{"hallazgos": 0, "oportunidades": 0, "riesgos": 0, "plan_acciones": 0},
		qualityMetrics(domain.Document{}))
}
