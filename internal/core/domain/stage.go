package domain

import (
	"encoding/json"
	"time"
)

// StageName identifies a pipeline stage. It is also the stage key in the result store.
type StageName string

const (
	StageQuantitative     StageName = "quantitative"
	StageQualitative      StageName = "qualitative"
	StageSentiment        StageName = "sentiment"
	StageCompetitive      StageName = "competitive"
	StageTrends           StageName = "trends"
	StageCustomerJourney  StageName = "customer_journey"
	StageScenarioPlanning StageName = "scenario_planning"
	StageCampaign         StageName = "campaign_analysis"
	StageChannel          StageName = "channel_analysis"
	StageESG              StageName = "esg_analysis"
	StagePackaging        StageName = "packaging_analysis"
	StagePricingPower     StageName = "pricing_power"
	StageROI              StageName = "roi"
	StageStrategic        StageName = "strategic"
	StageTransversal      StageName = "transversal"
	StageSynthesis        StageName = "synthesis"
	StageExecutive        StageName = "executive"
)

// StageOrder is the dependency order in which a run executes stages.
var StageOrder = []StageName{
	StageQuantitative,
	StageQualitative,
	StageSentiment,
	StageCompetitive,
	StageTrends,
	StageCustomerJourney,
	StageScenarioPlanning,
	StageCampaign,
	StageChannel,
	StageESG,
	StagePackaging,
	StagePricingPower,
	StageROI,
	StageStrategic,
	StageTransversal,
	StageSynthesis,
	StageExecutive,
}

// IsValid returns true if this is a known stage
func (s StageName) IsValid() bool {
	for _, name := range StageOrder {
		if s == name {
			return true
		}
	}
	return false
}

// IsCritical reports whether a failure of the stage aborts the run.
func (s StageName) IsCritical() bool {
	switch s {
	case StageQuantitative, StageQualitative, StageExecutive:
		return true
	default:
		return false
	}
}

// FMCGOnly reports whether the stage only applies to FMCG markets.
func (s StageName) FMCGOnly() bool {
	switch s {
	case StageCampaign, StageChannel, StageESG, StagePackaging:
		return true
	default:
		return false
	}
}

// StageStatus is the per-run state of a stage.
type StageStatus string

const (
	StageStatusPending StageStatus = "pending"
	StageStatusRunning StageStatus = "running"
	StageStatusSuccess StageStatus = "success"
	StageStatusError   StageStatus = "error"
	StageStatusFailed  StageStatus = "failed"
	StageStatusSkipped StageStatus = "skipped"
)

// IsTerminal reports whether the status is final for the run.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageStatusSuccess, StageStatusError, StageStatusFailed, StageStatusSkipped:
		return true
	default:
		return false
	}
}

// Document is the structured artifact a stage produces.
type Document map[string]any

// Clone returns a deep copy via a JSON round trip.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return d
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		return d
	}
	return out
}

// Map returns the nested object under key, or nil.
func (d Document) Map(key string) map[string]any {
	m, _ := d[key].(map[string]any)
	if m == nil {
		if dm, ok := d[key].(Document); ok {
			return dm
		}
	}
	return m
}

// List returns the nested array under key, or nil.
func (d Document) List(key string) []any {
	l, _ := d[key].([]any)
	return l
}

// String returns the string under key, or "".
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// ToDocument converts any JSON-marshalable value into a Document.
func ToDocument(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// StageResult is the persisted output of one stage for (subject, period).
// At most one exists per (SubjectID, Period, Stage).
type StageResult struct {
	ID        int64     `json:"id"`
	SubjectID int64     `json:"subject_id"`
	Period    string    `json:"period"`
	Stage     StageName `json:"stage"`
	Document  Document  `json:"document"`
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}
