package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driven/mocks"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driving"
)

// fakeStage returns a scripted document or error.
type fakeStage struct {
	name     domain.StageName
	requires []domain.StageName
	doc      domain.Document
	reportID int64
	err      error
	panics   bool
	calls    atomic.Int32
}

func (s *fakeStage) Name() domain.StageName        { return s.name }
func (s *fakeStage) Requires() []domain.StageName { return s.requires }

func (s *fakeStage) Execute(ctx context.Context, rc *RunContext) (*StageOutput, error) {
	s.calls.Add(1)
	if s.panics {
		panic("boom")
	}
	if s.err != nil {
		return nil, s.err
	}
	doc := s.doc
	if doc == nil {
		doc = domain.Document{"stage": string(s.name)}
	}
	return &StageOutput{Document: doc, ReportID: s.reportID}, nil
}

type orchestratorFixture struct {
	subjects *mocks.MockSubjectStore
	results  *mocks.MockResultStore
	lock     *mocks.MockDistributedLock
	subject  *domain.Subject
}

func newOrchestratorFixture(mt domain.MarketType) *orchestratorFixture {
	subjects := mocks.NewMockSubjectStore()
	subject := subjects.AddSubject("Bebidas", "Cava", mt,
		&domain.TrackedEntity{Name: "Freixenet", Aliases: []string{"freixenet"}},
		&domain.TrackedEntity{Name: "Codorniu", Aliases: []string{"codorniu"}},
	)
	return &orchestratorFixture{
		subjects: subjects,
		results:  mocks.NewMockResultStore(),
		lock:     mocks.NewMockDistributedLock(),
		subject:  subject,
	}
}

func (f *orchestratorFixture) orchestrator(stages ...Stage) *Orchestrator {
	return NewOrchestrator(OrchestratorConfig{
		Subjects: f.subjects,
		Results:  f.results,
		Lock:     f.lock,
		Profiles: domain.DefaultMarketProfiles(),
		Stages:   stages,
	})
}

func scriptedPipeline() (quant, qual, sentiment, campaign, exec *fakeStage) {
	quant = &fakeStage{name: domain.StageQuantitative}
	qual = &fakeStage{name: domain.StageQualitative}
	sentiment = &fakeStage{name: domain.StageSentiment, requires: []domain.StageName{domain.StageQualitative}}
	campaign = &fakeStage{name: domain.StageCampaign}
	exec = &fakeStage{name: domain.StageExecutive, reportID: 99,
		requires: []domain.StageName{domain.StageQuantitative, domain.StageQualitative}}
	return
}

func TestOrchestrator_Run(t *testing.T) {
	f := newOrchestratorFixture(domain.MarketTypeGeneric)
	quant, qual, sentiment, campaign, exec := scriptedPipeline()

	report, err := f.orchestrator(quant, qual, sentiment, campaign, exec).Run(context.Background(), "Bebidas/Cava", "2025-10")
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Equal(t, int64(99), report.ReportID)
	assert.Equal(t, "Bebidas/Cava", report.SubjectPath)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, domain.AgentCounts{Total: 5, Successful: 4, Skipped: 1}, report.Counts())
	assert.Equal(t, []domain.StageName{domain.StageCampaign}, report.StagesWith(domain.StageStatusSkipped))
	assert.Zero(t, campaign.calls.Load())

	stored, err := f.results.Get(context.Background(), f.subject.ID, "2025-10", domain.StageSentiment)
	require.NoError(t, err)
	assert.Equal(t, StageVersion, stored.Version)
	assert.Equal(t, 4, f.results.Writes())

	lockName := RunLockName(f.subject.ID, "2025-10")
	assert.Equal(t, []string{lockName}, f.lock.Acquired())
	assert.False(t, f.lock.IsHeld(lockName))
}

func TestOrchestrator_FMCGRunsGatedStages(t *testing.T) {
	f := newOrchestratorFixture(domain.MarketTypeFMCG)
	quant, qual, sentiment, campaign, exec := scriptedPipeline()

	report, err := f.orchestrator(quant, qual, sentiment, campaign, exec).Run(context.Background(), "Bebidas/Cava", "2025-10")
	require.NoError(t, err)
	assert.EqualValues(t, 1, campaign.calls.Load())
	assert.Empty(t, report.StagesWith(domain.StageStatusSkipped))
}

func TestOrchestrator_CriticalStageAborts(t *testing.T) {
	tests := []struct {
		name       string
		failing    domain.StageName
		err        error
		wantStatus domain.StageStatus
	}{
		{
			name:       "quantitative without data",
			failing:    domain.StageQuantitative,
			err:        &domain.NoDataError{Stage: domain.StageQuantitative, Reason: "no observations in window"},
			wantStatus: domain.StageStatusError,
		},
		{
			name:       "qualitative provider failure",
			failing:    domain.StageQualitative,
			err:        &domain.ProviderError{Provider: "openai", Op: "complete", Err: errors.New("timeout")},
			wantStatus: domain.StageStatusFailed,
		},
		{
			name:       "executive store failure",
			failing:    domain.StageExecutive,
			err:        errors.New("save report: connection reset"),
			wantStatus: domain.StageStatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newOrchestratorFixture(domain.MarketTypeGeneric)
			quant, qual, sentiment, campaign, exec := scriptedPipeline()
			stages := []*fakeStage{quant, qual, sentiment, campaign, exec}
			for _, s := range stages {
				if s.name == tt.failing {
					s.err = tt.err
				}
			}

			report, err := f.orchestrator(quant, qual, sentiment, campaign, exec).Run(context.Background(), "Bebidas/Cava", "2025-10")

			var runErr *domain.RunError
			require.ErrorAs(t, err, &runErr)
			assert.Equal(t, tt.failing, runErr.Stage)
			assert.ErrorIs(t, err, tt.err)
			require.NotNil(t, report)
			assert.False(t, report.Success)
			assert.Equal(t, tt.failing, report.AbortedStage)
			assert.NotEmpty(t, report.Error)

			outcome, ok := report.Outcome(tt.failing)
			require.True(t, ok)
			assert.Equal(t, tt.wantStatus, outcome.Status)

			// Nothing after the aborted stage ran.
			last := report.Stages[len(report.Stages)-1]
			assert.Equal(t, tt.failing, last.Stage)
			assert.False(t, f.lock.IsHeld(RunLockName(f.subject.ID, "2025-10")))
		})
	}
}

func TestOrchestrator_NonCriticalFailureContinues(t *testing.T) {
	f := newOrchestratorFixture(domain.MarketTypeGeneric)
	quant, qual, sentiment, campaign, exec := scriptedPipeline()
	sentiment.err = errors.New("unexpected")

	report, err := f.orchestrator(quant, qual, sentiment, campaign, exec).Run(context.Background(), "Bebidas/Cava", "2025-10")
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, []domain.StageName{domain.StageSentiment}, report.StagesWith(domain.StageStatusFailed))
	assert.EqualValues(t, 1, exec.calls.Load())

	_, err = f.results.Get(context.Background(), f.subject.ID, "2025-10", domain.StageSentiment)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrchestrator_MissingDependencyIsCheckedBeforeExecute(t *testing.T) {
	f := newOrchestratorFixture(domain.MarketTypeGeneric)
	quant, qual, _, _, exec := scriptedPipeline()
	strategic := &fakeStage{name: domain.StageStrategic, requires: []domain.StageName{domain.StageCompetitive}}

	report, err := f.orchestrator(quant, qual, strategic, exec).Run(context.Background(), "Bebidas/Cava", "2025-10")
	require.NoError(t, err)

	outcome, ok := report.Outcome(domain.StageStrategic)
	require.True(t, ok)
	assert.Equal(t, domain.StageStatusError, outcome.Status)
	assert.Contains(t, outcome.Error, "missing required result of competitive")
	assert.Zero(t, strategic.calls.Load())
}

func TestOrchestrator_PanicMarksStageFailed(t *testing.T) {
	f := newOrchestratorFixture(domain.MarketTypeGeneric)
	quant, qual, sentiment, campaign, exec := scriptedPipeline()
	sentiment.panics = true

	report, err := f.orchestrator(quant, qual, sentiment, campaign, exec).Run(context.Background(), "Bebidas/Cava", "2025-10")
	require.NoError(t, err)
	outcome, _ := report.Outcome(domain.StageSentiment)
	assert.Equal(t, domain.StageStatusFailed, outcome.Status)
	assert.Contains(t, outcome.Error, "panicked")
}

func TestOrchestrator_NoReport(t *testing.T) {
	f := newOrchestratorFixture(domain.MarketTypeGeneric)
	quant, qual, _, _, exec := scriptedPipeline()
	exec.reportID = 0

	report, err := f.orchestrator(quant, qual, exec).Run(context.Background(), "Bebidas/Cava", "2025-10")
	assert.ErrorIs(t, err, domain.ErrNoReport)
	require.NotNil(t, report)
	assert.False(t, report.Success)
}

func TestOrchestrator_RunInProgress(t *testing.T) {
	f := newOrchestratorFixture(domain.MarketTypeGeneric)
	quant, qual, _, _, exec := scriptedPipeline()
	f.lock.Hold(RunLockName(f.subject.ID, "2025-10"), time.Minute)

	report, err := f.orchestrator(quant, qual, exec).Run(context.Background(), "Bebidas/Cava", "2025-10")
	assert.Nil(t, report)
	assert.ErrorIs(t, err, domain.ErrRunInProgress)
	assert.True(t, IsRunInProgress(err))
	assert.Zero(t, quant.calls.Load())
}

func TestOrchestrator_InvalidInput(t *testing.T) {
	f := newOrchestratorFixture(domain.MarketTypeGeneric)
	quant, qual, _, _, exec := scriptedPipeline()
	o := f.orchestrator(quant, qual, exec)

	_, err := o.Run(context.Background(), "Bebidas/Cava", "2025-13")
	var formatErr *domain.FormatError
	assert.ErrorAs(t, err, &formatErr)

	_, err = o.Run(context.Background(), "Bebidas", "2025-10")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = o.Run(context.Background(), "Bebidas/Vino", "2025-10")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Zero(t, quant.calls.Load())
}

func TestOrchestrator_RerunOverwritesResults(t *testing.T) {
	f := newOrchestratorFixture(domain.MarketTypeGeneric)
	quant, qual, _, _, exec := scriptedPipeline()
	o := f.orchestrator(quant, qual, exec)

	_, err := o.Run(context.Background(), "Bebidas/Cava", "2025-10")
	require.NoError(t, err)
	quant.doc = domain.Document{"version": "second"}
	_, err = o.Run(context.Background(), "Bebidas/Cava", "2025-10")
	require.NoError(t, err)

	assert.Equal(t, 3, f.results.Len())
	stored, err := f.results.Get(context.Background(), f.subject.ID, "2025-10", domain.StageQuantitative)
	require.NoError(t, err)
	assert.Equal(t, "second", stored.Document["version"])
}

func TestOrchestrator_RunBatch(t *testing.T) {
	f := newOrchestratorFixture(domain.MarketTypeGeneric)
	quant, qual, _, _, exec := scriptedPipeline()
	o := f.orchestrator(quant, qual, exec)

	requests := []driving.RunRequest{
		{SubjectPath: "Bebidas/Cava", Period: "2025-09"},
		{SubjectPath: "Bebidas/Cava", Period: "bad"},
		{SubjectPath: "Bebidas/Cava", Period: "2025-10"},
	}
	outcomes := o.RunBatch(context.Background(), requests)

	require.Len(t, outcomes, 3)
	for i, out := range outcomes {
		assert.Equal(t, requests[i], out.Request)
	}
	assert.NoError(t, outcomes[0].Err)
	assert.Error(t, outcomes[1].Err)
	assert.Nil(t, outcomes[1].Report)
	assert.NoError(t, outcomes[2].Err)
	assert.Equal(t, "2025-10", outcomes[2].Report.Period)
}

func TestOrchestrator_DefaultPipeline(t *testing.T) {
	sf := newStageFixture(t)
	f := newOrchestratorFixture(domain.MarketTypeDigital)
	observations := mocks.NewMockObservationStore()
	for i := 0; i < 4; i++ {
		observations.Add(f.subject.ID, fmt.Sprintf("Freixenet y Codorniu son las marcas más citadas (%d)", i), oct5)
	}
	observations.Add(f.subject.ID, "Freixenet es mi favorita", oct5)

	sf.generator.Default = `{"resumen":"ok","situacion":"s","complicacion":"c","pregunta_clave":"p"}`
	stages := DefaultStages(PipelineConfig{
		Engine:       sf.engine,
		Observations: observations,
		Results:      f.results,
		Reports:      sf.reports,
	})

	names := make([]domain.StageName, len(stages))
	for i, s := range stages {
		names[i] = s.Name()
	}
	assert.Equal(t, domain.StageOrder, names)

	report, err := f.orchestrator(stages...).Run(context.Background(), "Bebidas/Cava", "2025-10")
	require.NoError(t, err)
	assert.True(t, report.Success, report.Error)
	assert.NotZero(t, report.ReportID)

	counts := report.Counts()
	assert.Equal(t, len(domain.StageOrder), counts.Total)
	assert.Equal(t, 4, counts.Skipped)
	assert.Zero(t, counts.Failed)

	quant, err := f.results.Get(context.Background(), f.subject.ID, "2025-10", domain.StageQuantitative)
	require.NoError(t, err)
	assert.InDelta(t, 5.0/9.0*100, domain.SOVFromDocument(quant.Document)["Freixenet"], 0.01)

	exec, err := f.results.Get(context.Background(), f.subject.ID, "2025-10", domain.StageExecutive)
	require.NoError(t, err)
	assert.EqualValues(t, report.ReportID, exec.Document["report_id"])
}
