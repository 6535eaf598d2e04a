package domain

import (
	"fmt"
	"strings"
)

// MarketType tags a market family. Stage gating and stage profiles are
// resolved from it once per run.
type MarketType string

const (
	MarketTypeFMCG    MarketType = "FMCG"
	MarketTypeDigital MarketType = "DIGITAL"
	MarketTypeHealth  MarketType = "HEALTH"
	MarketTypeGeneric MarketType = "GENERIC"
)

// ParseMarketType normalises a stored market type. Unknown values map to GENERIC.
func ParseMarketType(s string) MarketType {
	switch MarketType(strings.ToUpper(strings.TrimSpace(s))) {
	case MarketTypeFMCG:
		return MarketTypeFMCG
	case MarketTypeDigital:
		return MarketTypeDigital
	case MarketTypeHealth:
		return MarketTypeHealth
	default:
		return MarketTypeGeneric
	}
}

// Subject is a category within a market: the unit every analysis runs for.
type Subject struct {
	ID         int64      `json:"id"`
	MarketID   int64      `json:"market_id"`
	MarketName string     `json:"market_name"`
	MarketType MarketType `json:"market_type"`
	Name       string     `json:"name"`
	Active     bool       `json:"active"`
}

// Path returns the "Market/Category" path of the subject.
func (s *Subject) Path() string {
	return s.MarketName + "/" + s.Name
}

// ParseSubjectPath splits a "Market/Category" path.
func ParseSubjectPath(path string) (market, category string, err error) {
	market, category, ok := strings.Cut(strings.TrimSpace(path), "/")
	market = strings.TrimSpace(market)
	category = strings.TrimSpace(category)
	if !ok || market == "" || category == "" || strings.Contains(category, "/") {
		return "", "", fmt.Errorf("%w: subject path must be Market/Category, got %q", ErrInvalidInput, path)
	}
	return market, category, nil
}

// EntityType classifies a tracked entity within its subject.
type EntityType string

const (
	EntityTypeLeader     EntityType = "lider"
	EntityTypeCompetitor EntityType = "competidor"
	EntityTypeEmerging   EntityType = "emergente"
)

// TrackedEntity is a brand monitored inside a subject, matched by alias substrings.
type TrackedEntity struct {
	ID        int64      `json:"id"`
	SubjectID int64      `json:"subject_id"`
	Name      string     `json:"name"`
	Type      EntityType `json:"type"`
	Aliases   []string   `json:"aliases"`
}

// MentionedIn reports whether any alias occurs in the already lowercased text.
// An entity without aliases is matched by its name.
func (e *TrackedEntity) MentionedIn(lowerText string) bool {
	aliases := e.Aliases
	if len(aliases) == 0 {
		aliases = []string{e.Name}
	}
	for _, alias := range aliases {
		alias = strings.ToLower(strings.TrimSpace(alias))
		if alias != "" && strings.Contains(lowerText, alias) {
			return true
		}
	}
	return false
}

// Known reports whether name matches the entity name or one of its aliases,
// case-insensitively.
func (e *TrackedEntity) Known(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if strings.ToLower(e.Name) == name {
		return true
	}
	for _, alias := range e.Aliases {
		if strings.ToLower(strings.TrimSpace(alias)) == name {
			return true
		}
	}
	return false
}
