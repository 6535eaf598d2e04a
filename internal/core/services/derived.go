package services

import (
	"context"
	"fmt"
	"math"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
)

// Gap thresholds of the competitive stage, in SOV points and sentiment score.
const (
	opportunityMaxSOV       = 15.0
	opportunityMinSentiment = 0.5
	riskMinSOV              = 25.0
	riskMaxSentiment        = 0.3

	trendMinPoints  = 5.0
	trendHighPoints = 10.0
)

var (
	_ Stage = (*CompetitiveStage)(nil)
	_ Stage = (*TrendsStage)(nil)
)

// CompetitiveStage crosses share of voice with sentiment to name the
// leader and the brands whose visibility and perception diverge.
type CompetitiveStage struct{}

func (s *CompetitiveStage) Name() domain.StageName { return domain.StageCompetitive }

func (s *CompetitiveStage) Requires() []domain.StageName {
	return []domain.StageName{domain.StageQuantitative, domain.StageQualitative}
}

func (s *CompetitiveStage) Execute(ctx context.Context, rc *RunContext) (*StageOutput, error) {
	quant, err := rc.Require(ctx, s.Name(), domain.StageQuantitative)
	if err != nil {
		return nil, err
	}
	qual, err := rc.Require(ctx, s.Name(), domain.StageQualitative)
	if err != nil {
		return nil, err
	}

	sov := domain.SOVFromDocument(quant)
	sentiment := sentimentScores(qual)
	names := sortedKeys(sov)

	leader := ""
	for _, name := range names {
		if leader == "" || sov[name] > sov[leader] {
			leader = name
		}
	}

	gaps := []map[string]any{}
	comparison := make(map[string]any, len(names))
	for _, name := range names {
		share, sent := sov[name], sentiment[name]
		switch {
		case share < opportunityMaxSOV && sent > opportunityMinSentiment:
			gaps = append(gaps, map[string]any{
				"marca":    name,
				"gap_type": "oportunidad",
				"razon":    fmt.Sprintf("Alto sentimiento (%.2f) pero bajo SOV (%.1f%%)", sent, share),
			})
		case share > riskMinSOV && sent < riskMaxSentiment:
			gaps = append(gaps, map[string]any{
				"marca":    name,
				"gap_type": "riesgo",
				"razon":    fmt.Sprintf("Alto SOV (%.1f%%) pero sentimiento bajo (%.2f)", share, sent),
			})
		}
		position := "seguidor"
		if name == leader {
			position = "lider"
		}
		comparison[name] = map[string]any{"sov": share, "sentimiento": sent, "posicion": position}
	}

	doc := domain.Document{
		"lider_mercado":     leader,
		"sov_lider":         sov[leader],
		"gaps_competitivos": gaps,
		"comparativa":       comparison,
	}
	return &StageOutput{Document: stampDocument(doc, rc, map[string]any{
		"marcas_comparadas": len(names),
		"metodo":            "sov_x_sentimiento",
	})}, nil
}

// sentimentScores reads sentimiento_por_marca.*.score_medio of a qualitative document.
func sentimentScores(qual domain.Document) map[string]float64 {
	out := make(map[string]float64)
	for name, v := range qual.Map("sentimiento_por_marca") {
		entry, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if score, ok := entry["score_medio"].(float64); ok {
			out[name] = score
		}
	}
	return out
}

// TrendsStage lists significant SOV moves against the previous period.
// Without a stored result for the same-granularity predecessor it compares
// against the latest earlier result of any granularity.
type TrendsStage struct{}

func (s *TrendsStage) Name() domain.StageName { return domain.StageTrends }

func (s *TrendsStage) Requires() []domain.StageName {
	return []domain.StageName{domain.StageQuantitative}
}

func (s *TrendsStage) Execute(ctx context.Context, rc *RunContext) (*StageOutput, error) {
	quant, err := rc.Require(ctx, s.Name(), domain.StageQuantitative)
	if err != nil {
		return nil, err
	}

	prevToken, err := domain.PreviousPeriod(rc.Period.Token)
	if err != nil {
		return nil, err
	}
	prev, err := rc.PeriodResult(ctx, domain.StageQuantitative, prevToken)
	if err != nil {
		return nil, err
	}
	crossGranularity := false
	if prev == nil {
		token, doc, err := rc.LatestResultBefore(ctx, domain.StageQuantitative)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			prevToken, prev, crossGranularity = token, doc, true
		}
	}

	trends := []map[string]any{}
	growing, declining := 0, 0
	if prev != nil {
		current := domain.SOVFromDocument(quant)
		previous := domain.SOVFromDocument(prev)
		for _, name := range sortedKeys(current) {
			delta := current[name] - previous[name]
			if math.Abs(delta) <= trendMinPoints {
				continue
			}
			direction, significance := "↑", "media"
			if delta < 0 {
				direction = "↓"
				declining++
			} else {
				growing++
			}
			if math.Abs(delta) > trendHighPoints {
				significance = "alta"
			}
			trends = append(trends, map[string]any{
				"marca":         name,
				"metrica":       "SOV",
				"cambio_puntos": delta,
				"direccion":     direction,
				"significancia": significance,
			})
		}
	}

	summary := "No se detectaron cambios significativos"
	if len(trends) > 0 {
		summary = fmt.Sprintf("%d marcas en crecimiento, %d en decrecimiento", growing, declining)
	}

	doc := domain.Document{
		"periodo_comparado": prevToken,
		"tendencias":        trends,
		"resumen":           summary,
	}
	return &StageOutput{Document: stampDocument(doc, rc, map[string]any{
		"periodo_anterior_disponible": prev != nil,
		"comparacion_cruzada":         crossGranularity,
		"metodo":                      "sov_delta",
	})}, nil
}
