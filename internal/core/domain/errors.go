package domain

import (
	"errors"
	"fmt"
)

// Domain errors - used across all layers
var (
	// ErrNotFound indicates the requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates the input is invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrRunInProgress indicates an analysis run for the same subject and period is already running
	ErrRunInProgress = errors.New("analysis run already in progress")

	// ErrInvalidProvider indicates an unknown AI provider was specified
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrServiceUnavailable indicates the AI service could not be reached
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrNoReport indicates the executive stage finished without a report artifact
	ErrNoReport = errors.New("executive stage produced no report")
)

// FormatError reports an unparseable period token.
type FormatError struct {
	Token  string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid period token %q", e.Token)
	}
	return fmt.Sprintf("invalid period token %q: %s", e.Token, e.Reason)
}

// Unwrap lets callers match FormatError against ErrInvalidInput.
func (e *FormatError) Unwrap() error { return ErrInvalidInput }

// MissingDependencyError reports that a stage found no prior result it requires.
type MissingDependencyError struct {
	Stage      StageName
	Dependency StageName
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("stage %s: missing required result of %s", e.Stage, e.Dependency)
}

// NoDataError reports an empty evidence base: no entities, no observations
// in the window or zero mentions.
type NoDataError struct {
	Stage  StageName
	Reason string
}

func (e *NoDataError) Error() string {
	return fmt.Sprintf("stage %s: no data: %s", e.Stage, e.Reason)
}

// ProviderError wraps a failed call to an external embedding, generative or index provider.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ValidationError reports a structured response that does not match the stage schema.
type ValidationError struct {
	Stage  StageName
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("stage %s: response failed validation: %v", e.Stage, e.Issues)
}

// RunError is the run-level failure surfaced by the orchestrator. It names the
// critical stage that aborted the run.
type RunError struct {
	SubjectPath string
	Period      string
	Stage       StageName
	Err         error
}

func (e *RunError) Error() string {
	if e.Stage == "" {
		return fmt.Sprintf("analysis %s %s failed: %v", e.SubjectPath, e.Period, e.Err)
	}
	return fmt.Sprintf("analysis %s %s failed at critical stage %s: %v", e.SubjectPath, e.Period, e.Stage, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// IsTypedStageError reports whether err is a typed error result (NoData or
// MissingDependency) rather than an unexpected failure.
func IsTypedStageError(err error) bool {
	var noData *NoDataError
	var missing *MissingDependencyError
	return errors.As(err, &noData) || errors.As(err, &missing)
}
