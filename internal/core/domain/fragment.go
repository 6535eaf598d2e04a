package domain

import (
	"math"
	"time"
)

// FragmentType tags what an embedded fragment was derived from.
type FragmentType string

const (
	FragmentQueryExecution FragmentType = "query_execution"
	FragmentAnalysisResult FragmentType = "analysis_result"
	FragmentReport         FragmentType = "report"
)

// IsValid returns true if this is a known fragment type
func (t FragmentType) IsValid() bool {
	switch t {
	case FragmentQueryExecution, FragmentAnalysisResult, FragmentReport:
		return true
	default:
		return false
	}
}

// EmbeddedFragment is the vector representation of a piece of indexed text.
// Created once, never mutated, read only through similarity search.
type EmbeddedFragment struct {
	ID        int64          `json:"id"`
	SubjectID int64          `json:"subject_id"`
	Period    string         `json:"period"`
	Type      FragmentType   `json:"type"`
	RefID     int64          `json:"ref_id"`
	Chunk     int            `json:"chunk"`
	Text      string         `json:"text"`
	Vector    []float32      `json:"-"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// FragmentFilter scopes a similarity search. SubjectID is always applied.
//
// With ExcludePeriod false, results are restricted to Periods when set,
// otherwise to Period when non-empty. With ExcludePeriod true, fragments
// of Period are dropped and all other periods are eligible.
type FragmentFilter struct {
	SubjectID     int64
	Period        string
	Periods       []string // Tokens covered by the current window
	ExcludePeriod bool
	Type          FragmentType
}

// PeriodTokens returns the tokens an inclusive filter matches, or nil when
// the filter is not period scoped.
func (f FragmentFilter) PeriodTokens() []string {
	if f.ExcludePeriod {
		return nil
	}
	if len(f.Periods) > 0 {
		return f.Periods
	}
	if f.Period != "" {
		return []string{f.Period}
	}
	return nil
}

// RetrievedFragment is one ranked search hit.
type RetrievedFragment struct {
	FragmentID int64          `json:"fragment_id"`
	Text       string         `json:"text"`
	RefID      int64          `json:"ref_id"`
	Period     string         `json:"period"`
	Type       FragmentType   `json:"type"`
	Distance   float64        `json:"distance"`
	Similarity float64        `json:"similarity"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// CosineDistance returns 1 - cos(a, b). Empty, mismatched or zero vectors
// are at distance 1.
func CosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 1
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
