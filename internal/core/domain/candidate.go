package domain

import (
	"sort"
	"strings"
	"time"
)

// CandidateStatus tracks review of a discovered brand.
type CandidateStatus string

const (
	CandidatePending  CandidateStatus = "pending"
	CandidateApproved CandidateStatus = "approved"
	CandidateRejected CandidateStatus = "rejected"
)

// BrandCandidate is a brand seen in observations that is not tracked yet.
type BrandCandidate struct {
	ID          int64           `json:"id"`
	SubjectID   int64           `json:"subject_id"`
	Name        string          `json:"name"`
	Aliases     []string        `json:"aliases"`
	Confidence  float64         `json:"confidence"`
	Occurrences int             `json:"occurrences"`
	Source      string          `json:"source"`
	Status      CandidateStatus `json:"status"`
	FirstSeen   time.Time       `json:"first_seen"`
	LastSeen    time.Time       `json:"last_seen"`
}

// Merge folds a new sighting into an existing candidate: occurrences add up,
// confidence keeps the maximum and aliases are unioned and sorted.
func (c *BrandCandidate) Merge(other *BrandCandidate) {
	c.Occurrences += max(other.Occurrences, 1)
	if other.Confidence > c.Confidence {
		c.Confidence = other.Confidence
	}
	c.Aliases = MergeAliases(c.Aliases, other.Aliases)
	if other.LastSeen.After(c.LastSeen) {
		c.LastSeen = other.LastSeen
	}
}

// MergeAliases returns the sorted union of both alias sets, dropping blanks.
func MergeAliases(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, alias := range append(append([]string{}, a...), b...) {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		if _, ok := seen[alias]; ok {
			continue
		}
		seen[alias] = struct{}{}
		out = append(out, alias)
	}
	sort.Strings(out)
	return out
}
