package services

import (
	"fmt"
	"strings"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
)

// emptyStateKey holds an explicit "no signal" statement in a stage document.
const emptyStateKey = "estado_vacio"

// Schema is the structural contract of a stage document.
type Schema struct {
	// Text keys must be present as strings.
	Text []string
	// Lists may be absent; when present they must be arrays.
	Lists []string
	// Objects may be absent; when present they must be JSON objects.
	Objects []string
	// Items lists required keys of the objects inside a list.
	Items map[string][]string
}

// Validate reports every structural issue of doc as a *domain.ValidationError.
func (s Schema) Validate(stage domain.StageName, doc domain.Document) error {
	var issues []string
	for _, key := range s.Text {
		v, ok := doc[key]
		if !ok {
			issues = append(issues, fmt.Sprintf("missing %q", key))
			continue
		}
		if _, ok := v.(string); !ok {
			issues = append(issues, fmt.Sprintf("%q must be a string", key))
		}
	}
	for _, key := range s.Lists {
		v, ok := doc[key]
		if !ok || v == nil {
			continue
		}
		items, ok := v.([]any)
		if !ok {
			issues = append(issues, fmt.Sprintf("%q must be an array", key))
			continue
		}
		for i, item := range items {
			required := s.Items[key]
			if len(required) == 0 {
				continue
			}
			obj, ok := item.(map[string]any)
			if !ok {
				issues = append(issues, fmt.Sprintf("%s[%d] must be an object", key, i))
				continue
			}
			for _, field := range required {
				if _, ok := obj[field]; !ok {
					issues = append(issues, fmt.Sprintf("%s[%d] missing %q", key, i, field))
				}
			}
		}
	}
	for _, key := range s.Objects {
		v, ok := doc[key]
		if !ok || v == nil {
			continue
		}
		if _, ok := v.(map[string]any); !ok {
			issues = append(issues, fmt.Sprintf("%q must be an object", key))
		}
	}
	if len(issues) > 0 {
		return &domain.ValidationError{Stage: stage, Issues: issues}
	}
	return nil
}

// Normalize fills absent lists and objects so consumers see a stable shape.
func (s Schema) Normalize(doc domain.Document) {
	for _, key := range s.Lists {
		if doc[key] == nil {
			doc[key] = []any{}
		}
	}
	for _, key := range s.Objects {
		if doc[key] == nil {
			doc[key] = map[string]any{}
		}
	}
}

// Empty returns a valid document with no findings. The first text key
// carries statement, the explicit empty-state marker.
func (s Schema) Empty(statement string) domain.Document {
	doc := domain.Document{emptyStateKey: statement}
	for i, key := range s.Text {
		if i == 0 {
			doc[key] = statement
		} else {
			doc[key] = ""
		}
	}
	s.Normalize(doc)
	return doc
}

// Describe lists the keys a provider must return, for prompts.
func (s Schema) Describe() string {
	var parts []string
	for _, k := range s.Text {
		parts = append(parts, k+" (string)")
	}
	for _, k := range s.Lists {
		desc := k + " (array"
		if fields := s.Items[k]; len(fields) > 0 {
			desc += " of objects with " + strings.Join(fields, ", ")
		}
		parts = append(parts, desc+")")
	}
	for _, k := range s.Objects {
		parts = append(parts, k+" (object)")
	}
	return strings.Join(parts, "; ")
}

// Gate is a post-validation quality check.
type Gate func(doc domain.Document) bool

// EvidenceGate passes when some item of list carries at least min entries
// under evidence, or when the document states an explicit empty state.
func EvidenceGate(list, evidence string, min int) Gate {
	return func(doc domain.Document) bool {
		if s, _ := doc[emptyStateKey].(string); strings.TrimSpace(s) != "" {
			return true
		}
		for _, item := range doc.List(list) {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if ev, ok := obj[evidence].([]any); ok && len(ev) >= min {
				return true
			}
		}
		return false
	}
}

var insightItems = []string{"titulo", "evidencia"}

// StageSpec declares a generative stage: its dependencies, its retrieval
// question, the document schema and the default provider tuning.
type StageSpec struct {
	Name     domain.StageName
	Requires []domain.StageName
	Optional []domain.StageName
	// Question retrieves current-period fragments. Stages with a question
	// and no retrieved evidence emit the empty document without a provider call.
	Question    string
	Instruction string
	Schema      Schema
	Gate        Gate
	Defaults    domain.StageProfile
	// EmptyStatement is the explicit no-signal statement of the empty document.
	EmptyStatement string
}

// DefaultStageSpecs returns the catalog of generative stages.
func DefaultStageSpecs() []StageSpec {
	tuning := domain.StageProfile{Temperature: 0.3, MaxTokens: 3000}
	return []StageSpec{
		{
			Name:     domain.StageSentiment,
			Requires: []domain.StageName{domain.StageQualitative},
			Question: "opinión, valoración, satisfacción, quejas, elogios, recomendación, experiencia con la marca",
			Instruction: "Assess sentiment per tracked brand from the evidence. Score each brand from -1 to 1 " +
				"and split mentions into positive, neutral and negative.",
			Schema: Schema{
				Text:    []string{"resumen"},
				Objects: []string{"por_marca"},
				Lists:   []string{"insights"},
				Items:   map[string][]string{"insights": insightItems},
			},
			Defaults:       tuning,
			EmptyStatement: "No se detectó señal de sentimiento en el periodo.",
		},
		{
			Name:     domain.StageCustomerJourney,
			Optional: []domain.StageName{domain.StageQualitative},
			Question: "awareness, consideration, purchase, retention, advocacy, descubrimiento, evaluación, compra, " +
				"repetición, recomendación, buyer journey, touchpoints, pain points, información previa a compra",
			Instruction: "Map the buyer journey stages, touchpoints and pain points mentioned in the evidence.",
			Schema: Schema{
				Text:  []string{"resumen"},
				Lists: []string{"etapas", "pain_points", "insights"},
				Items: map[string][]string{"etapas": {"etapa"}, "insights": insightItems},
			},
			Defaults:       tuning,
			EmptyStatement: "No se detectaron señales del customer journey en el periodo.",
		},
		{
			Name:     domain.StageScenarioPlanning,
			Requires: []domain.StageName{domain.StageQuantitative},
			Optional: []domain.StageName{domain.StageTrends, domain.StageCompetitive},
			Instruction: "Project base, optimistic and pessimistic scenarios for next period from the current " +
				"share of voice, trends and competitive gaps. Name the drivers and recommended actions.",
			Schema: Schema{
				Text:  []string{"resumen"},
				Lists: []string{"escenarios", "drivers", "recommended_actions"},
				Items: map[string][]string{"escenarios": {"nombre", "probabilidad"}},
			},
			Defaults: tuning,
		},
		{
			Name: domain.StageCampaign,
			Question: "Campañas publicitarias, actividad de marketing, comunicación de marcas, publicidad en TV, " +
				"digital, redes sociales, influencers, mensajes de marca, lanzamientos de productos, promociones, patrocinios",
			Instruction: "Identify advertising activity, key messages, channels and how campaigns were received.",
			Schema: Schema{
				Text:  []string{"resumen_actividad"},
				Lists: []string{"mensajes_clave", "canales_destacados", "insights", "campanas_especificas", "gaps_marketing"},
				Items: map[string][]string{"insights": insightItems},
			},
			Gate:           EvidenceGate("insights", "evidencia", 2),
			Defaults:       tuning,
			EmptyStatement: "No se detectó actividad de marketing significativa en el periodo.",
		},
		{
			Name: domain.StageChannel,
			Question: "Canales de distribución, e-commerce, venta online, supermercados, retailers, disponibilidad " +
				"de productos, stock, experiencia de compra, omnicanalidad, distribución física vs digital",
			Instruction: "Infer the channel strategy, key retailers, e-commerce gaps and availability per brand.",
			Schema: Schema{
				Text:  []string{"estrategia_canal_inferida"},
				Lists: []string{"gaps_e_commerce", "retailers_clave", "insights", "disponibilidad_por_marca", "tendencias_canal"},
				Items: map[string][]string{"insights": insightItems},
			},
			Gate:           EvidenceGate("insights", "evidencia", 2),
			Defaults:       tuning,
			EmptyStatement: "No se detectaron señales de canal en el periodo.",
		},
		{
			Name: domain.StageESG,
			Question: "Sostenibilidad, medio ambiente, ESG, responsabilidad social, ética, plástico, reciclaje, " +
				"huella de carbono, origen sostenible, prácticas laborales, diversidad, governance, transparencia",
			Instruction: "Summarise sustainability perception, controversies and ESG benchmarking per brand.",
			Schema: Schema{
				Text:  []string{"resumen_esg"},
				Lists: []string{"controversias_clave", "benchmarking_marcas", "insights", "tendencias_esg", "gaps_oportunidades"},
				Items: map[string][]string{"insights": insightItems},
			},
			Gate:           EvidenceGate("insights", "evidencia", 2),
			Defaults:       tuning,
			EmptyStatement: "No se detectaron señales ESG en el periodo.",
		},
		{
			Name: domain.StagePackaging,
			Question: "Packaging, envase, empaque, diseño de producto, botella, lata, caja, etiqueta, apertura fácil, " +
				"cierre, reutilizable, funcionalidad, quejas sobre envase, difícil de abrir, fugas, deterioro",
			Instruction: "Extract packaging complaints, valued attributes, innovations and a functional benchmark.",
			Schema: Schema{
				Text:  []string{"quejas_packaging"},
				Lists: []string{"atributos_valorados", "innovaciones_detectadas", "benchmarking_funcional", "insights", "gaps_oportunidades"},
				Items: map[string][]string{"insights": insightItems},
			},
			Gate:           EvidenceGate("insights", "evidencia", 2),
			Defaults:       tuning,
			EmptyStatement: "No se detectaron señales de packaging en el periodo.",
		},
		{
			Name:     domain.StagePricingPower,
			Optional: []domain.StageName{domain.StageQuantitative},
			Question: "precio, caro, barato, promociones, descuento, premium, relación calidad-precio, " +
				"calidad percibida, posicionamiento precio, mapa perceptual",
			Instruction: "Estimate pricing power per brand and place brands on a price/quality perceptual map.",
			Schema: Schema{
				Lists: []string{"brand_pricing_metrics", "perceptual_map"},
				Items: map[string][]string{
					"brand_pricing_metrics": {"marca", "price_premium_pct"},
					"perceptual_map":        {"marca", "precio", "calidad"},
				},
			},
			Defaults: tuning,
		},
		{
			Name:     domain.StageROI,
			Optional: []domain.StageName{domain.StageCampaign, domain.StageChannel, domain.StageQuantitative},
			Instruction: "Estimate return on marketing investment per channel from the campaign and channel " +
				"analyses. State every assumption explicitly.",
			Schema: Schema{
				Text:    []string{"resumen"},
				Lists:   []string{"por_canal", "supuestos"},
				Objects: []string{"total"},
			},
			Defaults: tuning,
		},
		{
			Name:     domain.StageStrategic,
			Requires: []domain.StageName{domain.StageQuantitative, domain.StageQualitative},
			Optional: []domain.StageName{domain.StageCompetitive, domain.StageSentiment, domain.StageTrends},
			Instruction: "Derive strategic opportunities and risks. Support each with quantitative data and " +
				"qualitative evidence; rate impact, effort and priority.",
			Schema: Schema{
				Lists: []string{"oportunidades", "riesgos"},
				Items: map[string][]string{"oportunidades": {"titulo"}, "riesgos": {"titulo"}},
			},
			Defaults: tuning,
		},
		{
			Name: domain.StageTransversal,
			Optional: []domain.StageName{
				domain.StageSentiment, domain.StageCampaign, domain.StageChannel,
				domain.StageESG, domain.StagePackaging, domain.StageCustomerJourney,
			},
			Instruction: "Cross the specialised analyses: find common themes, contradictions and insights " +
				"that only appear when they are read together.",
			Schema: Schema{
				Lists: []string{"temas_comunes", "contradicciones", "insights_nuevos"},
			},
			Defaults: tuning,
		},
		{
			Name:     domain.StageSynthesis,
			Requires: []domain.StageName{domain.StageQuantitative, domain.StageQualitative},
			Optional: []domain.StageName{domain.StageStrategic, domain.StageTransversal},
			Instruction: "Write a situation, complication, key question synthesis of the period and the " +
				"answer it implies.",
			Schema: Schema{
				Text:  []string{"situacion", "complicacion", "pregunta_clave"},
				Lists: []string{"respuestas"},
			},
			Defaults: domain.StageProfile{Temperature: 0.4, MaxTokens: 3000},
		},
	}
}
