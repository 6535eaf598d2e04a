package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/custodia-labs/twolaps-core/internal/config"
	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driving"
)

type stubRunner struct {
	failing map[string]bool
}

func (s *stubRunner) Run(ctx context.Context, subjectPath, period string) (*domain.PipelineRunReport, error) {
	report := &domain.PipelineRunReport{SubjectPath: subjectPath, Period: period, Success: !s.failing[subjectPath]}
	if s.failing[subjectPath] {
		report.AbortedStage = domain.StageQuantitative
		return report, &domain.RunError{SubjectPath: subjectPath, Period: period, Stage: domain.StageQuantitative, Err: &domain.NoDataError{Stage: domain.StageQuantitative}}
	}
	return report, nil
}

func (s *stubRunner) RunBatch(ctx context.Context, requests []driving.RunRequest) []driving.RunOutcome {
	out := make([]driving.RunOutcome, len(requests))
	for i, req := range requests {
		report, err := s.Run(ctx, req.SubjectPath, req.Period)
		out[i] = driving.RunOutcome{Request: req, Report: report, Err: err}
	}
	return out
}

func TestRunAnalysis_Single(t *testing.T) {
	var buf bytes.Buffer
	if err := runAnalysis(context.Background(), &stubRunner{}, []string{"Bebidas/Cava"}, "2025-10", &buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var report domain.PipelineRunReport
	if err := json.Unmarshal(buf.Bytes(), &report); err != nil {
		t.Fatalf("output is not a run report: %v", err)
	}
	if report.SubjectPath != "Bebidas/Cava" || !report.Success {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestRunAnalysis_BatchFailure(t *testing.T) {
	var buf bytes.Buffer
	runner := &stubRunner{failing: map[string]bool{"Bebidas/Vermut": true}}

	err := runAnalysis(context.Background(), runner, []string{"Bebidas/Cava", "Bebidas/Vermut"}, "2025-10", &buf)
	if err == nil {
		t.Fatal("expected error for failed run")
	}
	if !strings.Contains(err.Error(), "Bebidas/Vermut") {
		t.Errorf("error should name the failed subject: %v", err)
	}
	var runErr *domain.RunError
	if !errors.As(err, &runErr) || runErr.Stage != domain.StageQuantitative {
		t.Errorf("expected RunError for quantitative, got %v", err)
	}

	dec := json.NewDecoder(&buf)
	reports := 0
	for dec.More() {
		var r domain.PipelineRunReport
		if err := dec.Decode(&r); err != nil {
			t.Fatalf("decode report: %v", err)
		}
		reports++
	}
	if reports != 2 {
		t.Errorf("expected both reports printed, got %d", reports)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown", "subject", "Bebidas/Cava")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info should be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"subject":"Bebidas/Cava"`) {
		t.Errorf("expected json warn line, got %s", out)
	}

	buf.Reset()
	logger = newLogger(config.LogConfig{Level: "bogus", Format: "text"}, &buf)
	logger.Info("fallback")
	if !strings.Contains(buf.String(), "level=INFO") {
		t.Errorf("unknown level should fall back to info, got %s", buf.String())
	}
}
