package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driving"
)

const historicalTopK = 2

// Ensure ExecutiveStage implements Stage
var _ Stage = (*ExecutiveStage)(nil)

var executiveSchema = Schema{
	Objects: []string{"resumen_ejecutivo", "mercado", "oportunidades_riesgos", "plan_90_dias"},
}

// executiveInputs are read when present; missing ones degrade the report.
var executiveInputs = []domain.StageName{
	domain.StageCompetitive,
	domain.StageTrends,
	domain.StageSentiment,
	domain.StageStrategic,
	domain.StageSynthesis,
	domain.StageCampaign,
	domain.StageChannel,
	domain.StageESG,
	domain.StagePackaging,
	domain.StageTransversal,
}

// ExecutiveStage writes the final report of a run from every prior result
// plus historical context, then indexes it for future runs.
type ExecutiveStage struct {
	engine  *StageEngine
	reports driven.ReportStore
}

// NewExecutiveStage creates a new executive stage.
func NewExecutiveStage(engine *StageEngine, reports driven.ReportStore) *ExecutiveStage {
	return &ExecutiveStage{engine: engine, reports: reports}
}

func (s *ExecutiveStage) Name() domain.StageName { return domain.StageExecutive }

func (s *ExecutiveStage) Requires() []domain.StageName {
	return []domain.StageName{domain.StageQuantitative, domain.StageQualitative}
}

func (s *ExecutiveStage) Execute(ctx context.Context, rc *RunContext) (*StageOutput, error) {
	inputs := make(map[domain.StageName]domain.Document)
	for _, dep := range s.Requires() {
		doc, err := rc.Require(ctx, s.Name(), dep)
		if err != nil {
			return nil, err
		}
		inputs[dep] = doc
	}
	var missing []string
	for _, dep := range executiveInputs {
		doc, err := rc.Optional(ctx, dep)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			missing = append(missing, string(dep))
			continue
		}
		inputs[dep] = doc
	}
	if len(missing) > 0 {
		s.engine.logger.Warn("prior analyses missing, report will be partial",
			"subject_id", rc.Subject.ID,
			"period", rc.Period.Token,
			"missing", strings.Join(missing, ","),
		)
	}

	history := s.historicalContext(ctx, rc)

	if _, err := s.engine.generator(); err != nil {
		return nil, err
	}

	profile := rc.Profile.Stage(s.Name(), domain.StageProfile{Temperature: 0.5, MaxTokens: 10000})
	req := driven.CompletionRequest{
		System:      "You are a strategy consultant writing an executive market report. You answer with JSON only.",
		Prompt:      s.buildPrompt(rc, profile, inputs, history),
		Temperature: profile.Temperature,
		MaxTokens:   profile.MaxTokens,
	}

	content, err := s.engine.completeDocument(ctx, s.Name(), executiveSchema, req)
	method := "llm_synthesis"
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		s.engine.logger.Warn("executive response rejected, writing minimal report",
			"subject_id", rc.Subject.ID,
			"period", rc.Period.Token,
			"error", err,
		)
		content = domain.Document{}
		method = methodFallback
	}
	completeReport(content, inputs[domain.StageStrategic])

	report := &domain.Report{
		SubjectID:      rc.Subject.ID,
		Period:         rc.Period.Token,
		Status:         domain.ReportStatusDraft,
		Content:        content,
		QualityMetrics: qualityMetrics(content),
		GeneratedAt:    time.Now(),
	}
	reportID, err := s.reports.Upsert(ctx, report)
	if err != nil {
		return nil, fmt.Errorf("save report: %w", err)
	}
	report.ID = reportID

	if s.engine.retrieval != nil {
		if text := report.SummaryText(); text != "" {
			s.engine.retrieval.Index(ctx, rc.Subject.ID, rc.Period.Token, domain.FragmentReport, reportID, text)
		}
	}

	doc := domain.Document{
		"report_id": reportID,
		"informe":   content,
	}
	return &StageOutput{
		Document: stampDocument(doc, rc, map[string]any{
			"historical_fragments": len(history),
			"analisis_faltantes":   missing,
			"metodo":               method,
		}),
		ReportID: reportID,
	}, nil
}

// historicalContext retrieves reports of earlier periods.
func (s *ExecutiveStage) historicalContext(ctx context.Context, rc *RunContext) []*domain.RetrievedFragment {
	if s.engine.retrieval == nil {
		return nil
	}
	fragments, err := s.engine.retrieval.Search(ctx, driving.SearchRequest{
		SubjectID: rc.Subject.ID,
		Period:    rc.Period.Token,
		Question:  fmt.Sprintf("Resumen ejecutivo, hallazgos clave y estado del mercado de %s", rc.Subject.Name),
		TopK:      historicalTopK,
		Type:      domain.FragmentReport,
	})
	if err != nil {
		s.engine.logger.Warn("historical context unavailable",
			"subject_id", rc.Subject.ID,
			"period", rc.Period.Token,
			"error", err,
		)
		return nil
	}
	return fragments
}

func (s *ExecutiveStage) buildPrompt(rc *RunContext, profile domain.StageProfile, inputs map[domain.StageName]domain.Document, history []*domain.RetrievedFragment) string {
	b := newPromptBuilder(s.engine.maxContextChars)
	b.line("Write the executive report of %s (%s) for period %s.", rc.Subject.Path(), rc.Subject.MarketType, rc.Period.Token)
	if profile.Focus != "" {
		b.line("Market focus: %s.", profile.Focus)
	}
	b.line("Tracked brands: %s.", strings.Join(rc.EntityNames(), ", "))
	b.line("Return one JSON object with keys: resumen_ejecutivo {hallazgos_clave: [string], contexto}, " +
		"mercado {estado_general, lider, dinamica}, oportunidades_riesgos {oportunidades: [], riesgos: []}, " +
		"plan_90_dias {iniciativas: [{titulo, descripcion, prioridad, timeline}]}.")
	b.line("Ground every statement in the data below; do not invent figures.")

	b.section(string(domain.StageQuantitative)+" results", compactJSON(inputs[domain.StageQuantitative]))
	b.section(string(domain.StageQualitative)+" results", compactJSON(inputs[domain.StageQualitative]))
	for _, dep := range executiveInputs {
		if doc, ok := inputs[dep]; ok {
			b.section(string(dep)+" results", compactJSON(doc))
		}
	}
	if len(history) > 0 {
		var parts []string
		for _, f := range history {
			parts = append(parts, fmt.Sprintf("[%s] %s", f.Period, f.Text))
		}
		b.section("Previous reports", strings.Join(parts, "\n"))
	}
	return b.String()
}

// completeReport guarantees the minimal sections. A missing plan is built
// from the top strategic opportunities.
func completeReport(content domain.Document, strategic domain.Document) {
	summary := content.Map("resumen_ejecutivo")
	if summary == nil {
		summary = map[string]any{}
		content["resumen_ejecutivo"] = summary
	}
	if findings, _ := summary["hallazgos_clave"].([]any); len(findings) == 0 {
		summary["hallazgos_clave"] = []any{"Análisis en proceso"}
	}
	if _, ok := summary["contexto"]; !ok {
		summary["contexto"] = "Informe generado automáticamente"
	}

	if content.Map("mercado") == nil {
		content["mercado"] = map[string]any{}
	}
	if content.Map("oportunidades_riesgos") == nil {
		content["oportunidades_riesgos"] = map[string]any{"oportunidades": []any{}, "riesgos": []any{}}
	}

	plan := content.Map("plan_90_dias")
	if items, _ := plan["iniciativas"].([]any); len(items) > 0 {
		return
	}
	initiatives := []any{}
	for i, item := range strategic.List("oportunidades") {
		if i == 3 {
			break
		}
		opp, ok := item.(map[string]any)
		if !ok {
			continue
		}
		priority, _ := opp["prioridad"].(string)
		if priority == "" {
			priority = "media"
		}
		initiatives = append(initiatives, map[string]any{
			"titulo":      opp["titulo"],
			"descripcion": opp["descripcion"],
			"prioridad":   priority,
			"timeline":    "Mes 1-3",
		})
	}
	content["plan_90_dias"] = map[string]any{"iniciativas": initiatives}
}

func qualityMetrics(content domain.Document) map[string]int {
	count := func(section, key string) int {
		items, _ := content.Map(section)[key].([]any)
		return len(items)
	}
	return map[string]int{
		"hallazgos":     count("resumen_ejecutivo", "hallazgos_clave"),
		"oportunidades": count("oportunidades_riesgos", "oportunidades"),
		"riesgos":       count("oportunidades_riesgos", "riesgos"),
		"plan_acciones": count("plan_90_dias", "iniciativas"),
	}
}
