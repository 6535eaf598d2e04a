package domain

// RankingEntry is one position in the mention ranking.
type RankingEntry struct {
	Entity   string  `json:"marca"`
	Mentions int     `json:"menciones"`
	SOV      float64 `json:"sov"`
}

// OutlierEntry is an entity whose share falls outside the mean band.
type OutlierEntry struct {
	Entity    string  `json:"marca"`
	SOV       float64 `json:"sov"`
	Threshold float64 `json:"umbral"`
}

// AbruptChange is a period-over-period shift of at least BrusqueChangePoints.
type AbruptChange struct {
	Entity         string  `json:"marca"`
	Current        float64 `json:"sov_actual"`
	Previous       float64 `json:"sov_anterior"`
	DeltaPoints    float64 `json:"cambio_puntos"`
	PreviousPeriod string  `json:"periodo_anterior"`
}

// Outliers groups the outlier bands and abrupt changes.
type Outliers struct {
	High   []OutlierEntry `json:"sov_altos"`
	Low    []OutlierEntry `json:"sov_bajos"`
	Abrupt []AbruptChange `json:"cambios_bruscos"`
}

// Concentration holds the Herfindahl-Hirschman index of the SOV distribution.
type Concentration struct {
	NumBrands     int     `json:"num_brands"`
	HHI           float64 `json:"hhi"`
	HHINormalized float64 `json:"hhi_normalized"`
}

// ShareShift is the period-over-period delta of one entity.
type ShareShift struct {
	Entity         string  `json:"marca"`
	Current        float64 `json:"sov_actual"`
	Previous       float64 `json:"sov_anterior"`
	DeltaPoints    float64 `json:"delta_pp"`
	DeltaRelPct    float64 `json:"delta_rel_pct"`
	Abrupt         bool    `json:"brusco"`
	PreviousPeriod string  `json:"periodo_anterior"`
}

// TrendPoint is one SOV sample of a series.
type TrendPoint struct {
	Period string  `json:"periodo"`
	SOV    float64 `json:"sov"`
}

// QuantitativeMetadata describes the evidence behind a quantitative report.
type QuantitativeMetadata struct {
	QueriesAnalyzed int      `json:"queries_analizadas"`
	Providers       []string `json:"proveedores"`
	Granularity     string   `json:"granularidad"`
	WindowStart     string   `json:"ventana_inicio"`
	WindowEnd       string   `json:"ventana_fin"`
}

// QuantitativeReport is the output document of the quantitative stage.
// Other stages treat it as ground truth.
type QuantitativeReport struct {
	Period           string                  `json:"periodo"`
	SubjectID        int64                   `json:"categoria_id"`
	TotalMentions    int                     `json:"total_menciones"`
	TotalExecutions  int                     `json:"total_executions"`
	EntitiesSeen     int                     `json:"num_marcas_mencionadas"`
	MentionsByEntity map[string]int          `json:"menciones_por_marca"`
	SOV              map[string]float64      `json:"sov_percent"`
	Ranking          []RankingEntry          `json:"ranking"`
	CoOccurrences    map[string]int          `json:"co_ocurrencias"`
	Outliers         Outliers                `json:"outliers"`
	Concentration    Concentration           `json:"concentration"`
	ShareShift       []ShareShift            `json:"share_shift"`
	SOVTrend         map[string][]TrendPoint `json:"sov_trend_data"`
	SOVByDay         map[string][]TrendPoint `json:"sov_by_day,omitempty"`
	Metadata         QuantitativeMetadata    `json:"metadata"`
}

// SOVFromDocument extracts the sov_percent map of a stored quantitative document.
// Non-numeric entries are ignored.
func SOVFromDocument(doc Document) map[string]float64 {
	out := make(map[string]float64)
	raw := doc.Map("sov_percent")
	if raw == nil {
		if typed, ok := doc["sov_percent"].(map[string]float64); ok {
			for k, v := range typed {
				out[k] = v
			}
		}
		return out
	}
	for k, v := range raw {
		switch n := v.(type) {
		case float64:
			out[k] = n
		case float32:
			out[k] = float64(n)
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		}
	}
	return out
}
