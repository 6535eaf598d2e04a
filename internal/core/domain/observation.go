package domain

import "time"

// Frequency controls how often a question is asked to providers.
type Frequency string

const (
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyBiweekly  Frequency = "biweekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
)

// Interval returns the spacing between two executions. Unknown values fall back to weekly.
func (f Frequency) Interval() time.Duration {
	day := 24 * time.Hour
	switch f {
	case FrequencyDaily:
		return day
	case FrequencyBiweekly:
		return 14 * day
	case FrequencyMonthly:
		return 30 * day
	case FrequencyQuarterly:
		return 90 * day
	default:
		return 7 * day
	}
}

// Question is a prompt asked periodically to one or more answer providers.
type Question struct {
	ID        int64      `json:"id"`
	SubjectID int64      `json:"subject_id"`
	Text      string     `json:"text"`
	Active    bool       `json:"active"`
	Frequency Frequency  `json:"frequency"`
	Providers []string   `json:"providers"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

// IsDue reports whether the question should be executed at now.
func (q *Question) IsDue(now time.Time) bool {
	if !q.Active {
		return false
	}
	if q.LastRunAt == nil {
		return true
	}
	return !now.Before(q.LastRunAt.Add(q.Frequency.Interval()))
}

// RawObservation is one timestamped answer of a provider to a question.
// Immutable once stored.
type RawObservation struct {
	ID           int64     `json:"id"`
	QuestionID   int64     `json:"question_id"`
	SubjectID    int64     `json:"subject_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Text         string    `json:"text"`
	Timestamp    time.Time `json:"timestamp"`
	TokensInput  int       `json:"tokens_input"`
	TokensOutput int       `json:"tokens_output"`
	LatencyMs    int64     `json:"latency_ms"`
}
