package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		msg  string
	}{
		{"ErrNotFound", ErrNotFound, "not found"},
		{"ErrInvalidInput", ErrInvalidInput, "invalid input"},
		{"ErrRunInProgress", ErrRunInProgress, "analysis run already in progress"},
		{"ErrInvalidProvider", ErrInvalidProvider, "invalid provider"},
		{"ErrServiceUnavailable", ErrServiceUnavailable, "service unavailable"},
		{"ErrNoReport", ErrNoReport, "executive stage produced no report"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.msg {
				t.Errorf("expected %q, got %q", tt.msg, tt.err.Error())
			}
		})
	}
}

func TestErrorsAreDistinct(t *testing.T) {
	allErrors := []error{
		ErrNotFound,
		ErrInvalidInput,
		ErrRunInProgress,
		ErrInvalidProvider,
		ErrServiceUnavailable,
		ErrNoReport,
	}

	for i, err1 := range allErrors {
		for j, err2 := range allErrors {
			if i != j && errors.Is(err1, err2) {
				t.Errorf("errors should be distinct: %v and %v", err1, err2)
			}
		}
	}
}

func TestFormatError_IsInvalidInput(t *testing.T) {
	err := fmt.Errorf("resolve: %w", &FormatError{Token: "2025-13", Reason: "month out of range"})

	if !errors.Is(err, ErrInvalidInput) {
		t.Error("FormatError should match ErrInvalidInput")
	}

	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatal("expected errors.As to find FormatError")
	}
	if fe.Token != "2025-13" {
		t.Errorf("expected token 2025-13, got %s", fe.Token)
	}
}

func TestProviderError_Unwrap(t *testing.T) {
	err := &ProviderError{Provider: "openai", Op: "complete", Err: ErrServiceUnavailable}

	if !errors.Is(err, ErrServiceUnavailable) {
		t.Error("ProviderError should unwrap to its cause")
	}
	if err.Error() != "openai complete: service unavailable" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestRunError_NamesStage(t *testing.T) {
	err := &RunError{SubjectPath: "FMCG/Cervezas", Period: "2025-10", Stage: StageQuantitative, Err: errors.New("boom")}

	want := "analysis FMCG/Cervezas 2025-10 failed at critical stage quantitative: boom"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}

func TestIsTypedStageError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"no data", &NoDataError{Stage: StageQuantitative, Reason: "empty window"}, true},
		{"missing dependency", &MissingDependencyError{Stage: StageStrategic, Dependency: StageQuantitative}, true},
		{"wrapped no data", fmt.Errorf("stage: %w", &NoDataError{Stage: StageTrends}), true},
		{"provider", &ProviderError{Provider: "openai", Op: "complete", Err: errors.New("x")}, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTypedStageError(tt.err); got != tt.want {
				t.Errorf("IsTypedStageError() = %v, want %v", got, tt.want)
			}
		})
	}
}
