package driving

import (
	"context"
	"time"
)

// CollectionStats summarises one collection pass.
type CollectionStats struct {
	Questions  int           `json:"questions"`
	Executions int           `json:"executions"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
}

// CollectionService asks the due questions of a subject to answer providers
// and stores each answer as a raw observation.
type CollectionService interface {
	// Collect runs due questions of subjectPath against providers. An empty
	// provider list uses the providers configured on each question.
	Collect(ctx context.Context, subjectPath string, providers []string) (*CollectionStats, error)
}
