package domain

import "time"

// StageOutcome records what happened to one stage during a run.
type StageOutcome struct {
	Stage    StageName     `json:"stage"`
	Status   StageStatus   `json:"status"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// AgentCounts aggregates stage outcomes by terminal state.
type AgentCounts struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Errored    int `json:"errored"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// PipelineRunReport is the transient summary of one orchestrator run. It is not persisted.
type PipelineRunReport struct {
	RunID        string         `json:"run_id"`
	SubjectPath  string         `json:"subject_path"`
	SubjectID    int64          `json:"subject_id"`
	Period       string         `json:"period"`
	MarketType   MarketType     `json:"market_type"`
	ReportID     int64          `json:"report_id,omitempty"`
	Success      bool           `json:"success"`
	Error        string         `json:"error,omitempty"`
	Stages       []StageOutcome `json:"results_detail"`
	StartedAt    time.Time      `json:"started_at"`
	TotalTime    time.Duration  `json:"total_time"`
	AbortedStage StageName      `json:"aborted_stage,omitempty"`
}

// Record appends the outcome of a stage.
func (r *PipelineRunReport) Record(outcome StageOutcome) {
	r.Stages = append(r.Stages, outcome)
}

// Counts returns the agents_executed aggregate.
func (r *PipelineRunReport) Counts() AgentCounts {
	c := AgentCounts{Total: len(r.Stages)}
	for _, s := range r.Stages {
		switch s.Status {
		case StageStatusSuccess:
			c.Successful++
		case StageStatusError:
			c.Errored++
		case StageStatusFailed:
			c.Failed++
		case StageStatusSkipped:
			c.Skipped++
		}
	}
	return c
}

// StagesWith returns the names of stages that ended in status.
func (r *PipelineRunReport) StagesWith(status StageStatus) []StageName {
	var names []StageName
	for _, s := range r.Stages {
		if s.Status == status {
			names = append(names, s.Stage)
		}
	}
	return names
}

// Outcome returns the recorded outcome of a stage, if any.
func (r *PipelineRunReport) Outcome(stage StageName) (StageOutcome, bool) {
	for _, s := range r.Stages {
		if s.Stage == stage {
			return s, true
		}
	}
	return StageOutcome{}, false
}

// TotalSeconds returns total wall time in seconds.
func (r *PipelineRunReport) TotalSeconds() float64 {
	return r.TotalTime.Seconds()
}
