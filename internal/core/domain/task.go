package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateID creates a unique random ID.
func GenerateID() string {
	return uuid.NewString()
}

// TaskType identifies the type of background task
type TaskType string

const (
	// TaskTypeRunAnalysis runs the stage pipeline for a subject and period
	TaskTypeRunAnalysis TaskType = "run_analysis"
	// TaskTypeCollect asks the due questions of a subject to answer providers
	TaskTypeCollect TaskType = "collect"
)

// TaskStatus represents the current state of a task
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Task represents a background job to be processed by workers
type Task struct {
	// ID is the unique identifier for this task
	ID string `json:"id"`

	// Type identifies what kind of task this is
	Type TaskType `json:"type"`

	// Payload contains task-specific data
	// For run_analysis: {"subject_path": "Market/Category", "period": "2025-10"}
	// For collect: {"subject_path": "Market/Category", "providers": "openai,google"}
	Payload map[string]string `json:"payload"`

	// Status is the current state of the task
	Status TaskStatus `json:"status"`

	// Priority determines processing order (higher = more urgent)
	Priority int `json:"priority"`

	// Attempts is how many times this task has been attempted
	Attempts int `json:"attempts"`

	// MaxAttempts is the maximum retry count before giving up
	MaxAttempts int `json:"max_attempts"`

	// Error contains the last error message if failed
	Error string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ScheduledFor is when the task should be processed (for delayed tasks)
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewTask creates a new task with default values
func NewTask(taskType TaskType, payload map[string]string) *Task {
	now := time.Now()
	return &Task{
		ID:           GenerateID(),
		Type:         taskType,
		Payload:      payload,
		Status:       TaskStatusPending,
		MaxAttempts:  3,
		CreatedAt:    now,
		UpdatedAt:    now,
		ScheduledFor: now,
	}
}

// NewRunAnalysisTask creates a task that runs the pipeline for subject and period
func NewRunAnalysisTask(subjectPath, period string) *Task {
	return NewTask(TaskTypeRunAnalysis, map[string]string{
		"subject_path": subjectPath,
		"period":       period,
	})
}

// NewCollectTask creates a task that collects observations for a subject.
// An empty provider list means every provider configured on the questions.
func NewCollectTask(subjectPath string, providers []string) *Task {
	payload := map[string]string{"subject_path": subjectPath}
	if len(providers) > 0 {
		payload["providers"] = strings.Join(providers, ",")
	}
	return NewTask(TaskTypeCollect, payload)
}

// SubjectPath extracts the subject_path from the payload
func (t *Task) SubjectPath() string {
	if t.Payload == nil {
		return ""
	}
	return t.Payload["subject_path"]
}

// Period extracts the period from the payload (for run_analysis tasks)
func (t *Task) Period() string {
	if t.Payload == nil {
		return ""
	}
	return t.Payload["period"]
}

// Providers extracts the provider list from the payload (for collect tasks)
func (t *Task) Providers() []string {
	if t.Payload == nil || t.Payload["providers"] == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(t.Payload["providers"], ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CanRetry returns true if the task can be retried
func (t *Task) CanRetry() bool {
	return t.Attempts < t.MaxAttempts
}

// IsReady returns true if the task is ready to be processed
func (t *Task) IsReady() bool {
	return t.Status == TaskStatusPending && time.Now().After(t.ScheduledFor)
}

// MarkProcessing updates the task to processing state
func (t *Task) MarkProcessing() {
	now := time.Now()
	t.Status = TaskStatusProcessing
	t.StartedAt = &now
	t.UpdatedAt = now
	t.Attempts++
}

// MarkCompleted updates the task to completed state
func (t *Task) MarkCompleted() {
	now := time.Now()
	t.Status = TaskStatusCompleted
	t.CompletedAt = &now
	t.UpdatedAt = now
	t.Error = ""
}

// MarkFailed updates the task to failed state
func (t *Task) MarkFailed(err string) {
	now := time.Now()
	t.Status = TaskStatusFailed
	t.UpdatedAt = now
	t.Error = err
}

// Retry resets the task for retry with exponential backoff
func (t *Task) Retry(err string) {
	now := time.Now()
	t.Status = TaskStatusPending
	t.UpdatedAt = now
	t.Error = err

	// Exponential backoff: 1s, 2s, 4s, 8s, etc.
	backoff := time.Duration(1<<t.Attempts) * time.Second
	if backoff > 5*time.Minute {
		backoff = 5 * time.Minute
	}
	t.ScheduledFor = now.Add(backoff)
}

// TaskResult represents the outcome of processing a task
type TaskResult struct {
	TaskID      string        `json:"task_id"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	ItemsCount  int           `json:"items_count,omitempty"`  // stages run or observations stored
	ErrorsCount int           `json:"errors_count,omitempty"` // stages or provider calls that failed
}
