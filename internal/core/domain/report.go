package domain

import "time"

// ReportStatus is the editorial state of an executive report.
type ReportStatus string

const (
	ReportStatusDraft     ReportStatus = "draft"
	ReportStatusReview    ReportStatus = "review"
	ReportStatusPublished ReportStatus = "published"
)

// Report is the final artifact of a run, one per (subject, period).
type Report struct {
	ID             int64          `json:"id"`
	SubjectID      int64          `json:"subject_id"`
	Period         string         `json:"period"`
	Status         ReportStatus   `json:"status"`
	Content        Document       `json:"content"`
	QualityMetrics map[string]int `json:"quality_metrics"`
	GeneratedAt    time.Time      `json:"generated_at"`
}

// SummaryText returns the text used to index the report for historical context:
// key findings followed by the overall market state.
func (r *Report) SummaryText() string {
	var text string
	if summary := r.Content.Map("resumen_ejecutivo"); summary != nil {
		if findings, ok := summary["hallazgos_clave"].([]any); ok {
			for _, f := range findings {
				if s, ok := f.(string); ok {
					if text != "" {
						text += " "
					}
					text += s
				}
			}
		}
	}
	if market := r.Content.Map("mercado"); market != nil {
		if state, ok := market["estado_general"].(string); ok && state != "" {
			if text != "" {
				text += " "
			}
			text += state
		}
	}
	return text
}
