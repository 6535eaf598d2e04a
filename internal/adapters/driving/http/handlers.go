package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/custodia-labs/twolaps-core/internal/core/domain"
	"github.com/custodia-labs/twolaps-core/internal/core/ports/driving"
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// RunRequest asks for an analysis of one subject and period
type RunRequest struct {
	SubjectPath string `json:"subject_path"`
	Period      string `json:"period"`
}

// CollectRequest asks for a collection pass over a subject
type CollectRequest struct {
	SubjectPath string   `json:"subject_path"`
	Providers   []string `json:"providers,omitempty"`
}

// TaskResponse is returned by the asynchronous endpoints
type TaskResponse struct {
	TaskID string            `json:"task_id"`
	Status domain.TaskStatus `json:"status"`
}

// RunResponse wraps a pipeline run report with its aggregates
type RunResponse struct {
	*domain.PipelineRunReport
	AgentsExecuted   domain.AgentCounts `json:"agents_executed"`
	TotalTimeSeconds float64            `json:"total_time_seconds"`
}

// SearchRequest is the body of POST /api/v1/search
type SearchRequest struct {
	SubjectID            int64               `json:"subject_id"`
	Period               string              `json:"period"`
	Question             string              `json:"question"`
	TopK                 int                 `json:"top_k"`
	Type                 domain.FragmentType `json:"type,omitempty"`
	IncludeCurrentPeriod bool                `json:"include_current_period"`
}

// SearchResponse lists ranked fragments
type SearchResponse struct {
	Fragments []*domain.RetrievedFragment `json:"fragments"`
	Count     int                         `json:"count"`
}

// Health endpoints

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady pings every configured dependency
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	failed := map[string]string{}
	for name, check := range s.checks {
		if check == nil {
			continue
		}
		if err := check.Ping(r.Context()); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// Run endpoints

// handleEnqueueRun validates the request and queues a run_analysis task
func (s *Server) handleEnqueueRun(w http.ResponseWriter, r *http.Request) {
	if s.taskQueue == nil {
		writeError(w, http.StatusServiceUnavailable, "task queue not configured")
		return
	}

	req, ok := decodeRunRequest(w, r)
	if !ok {
		return
	}

	task := domain.NewRunAnalysisTask(req.SubjectPath, req.Period)
	if err := s.taskQueue.Enqueue(r.Context(), task); err != nil {
		s.logger.Error("failed to enqueue run", "subject", req.SubjectPath, "period", req.Period, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue run")
		return
	}

	writeJSON(w, http.StatusAccepted, TaskResponse{TaskID: task.ID, Status: task.Status})
}

// handleRunSync runs the pipeline inline and returns the run report
func (s *Server) handleRunSync(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRunRequest(w, r)
	if !ok {
		return
	}

	report, err := s.runner.Run(r.Context(), req.SubjectPath, req.Period)
	if report == nil {
		writeServiceError(w, err)
		return
	}

	resp := RunResponse{
		PipelineRunReport: report,
		AgentsExecuted:    report.Counts(),
		TotalTimeSeconds:  report.TotalSeconds(),
	}
	if err != nil {
		if errors.Is(err, domain.ErrRunInProgress) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.taskQueue == nil {
		writeError(w, http.StatusServiceUnavailable, "task queue not configured")
		return
	}

	task, err := s.taskQueue.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleEnqueueCollect queues a collect task for a subject
func (s *Server) handleEnqueueCollect(w http.ResponseWriter, r *http.Request) {
	if s.taskQueue == nil {
		writeError(w, http.StatusServiceUnavailable, "task queue not configured")
		return
	}

	var req CollectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, _, err := domain.ParseSubjectPath(req.SubjectPath); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task := domain.NewCollectTask(req.SubjectPath, req.Providers)
	if err := s.taskQueue.Enqueue(r.Context(), task); err != nil {
		s.logger.Error("failed to enqueue collection", "subject", req.SubjectPath, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to enqueue collection")
		return
	}

	writeJSON(w, http.StatusAccepted, TaskResponse{TaskID: task.ID, Status: task.Status})
}

// Artifact endpoints

func subjectPathFrom(r *http.Request) string {
	return r.PathValue("market") + "/" + r.PathValue("category")
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	stage := domain.StageName(r.PathValue("stage"))
	if !stage.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown stage")
		return
	}

	result, err := s.results.GetResult(r.Context(), subjectPathFrom(r), r.PathValue("period"), stage)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.results.GetReport(r.Context(), subjectPathFrom(r), r.PathValue("period"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Retrieval endpoints

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SubjectID <= 0 {
		writeError(w, http.StatusBadRequest, "subject_id is required")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}
	if req.Type != "" && !req.Type.IsValid() {
		writeError(w, http.StatusBadRequest, "unknown fragment type")
		return
	}

	fragments, err := s.retrieval.Search(r.Context(), driving.SearchRequest{
		SubjectID:            req.SubjectID,
		Period:               req.Period,
		Question:             req.Question,
		TopK:                 req.TopK,
		Type:                 req.Type,
		IncludeCurrentPeriod: req.IncludeCurrentPeriod,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Fragments: fragments, Count: len(fragments)})
}

// AI endpoints

func (s *Server) handleGetAIStatus(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusServiceUnavailable, "AI settings not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.settings.Status(r.Context()))
}

func (s *Server) handleTestAIConnection(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusServiceUnavailable, "AI settings not configured")
		return
	}
	if err := s.settings.TestConnection(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Helper functions

func decodeRunRequest(w http.ResponseWriter, r *http.Request) (RunRequest, bool) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if _, _, err := domain.ParseSubjectPath(req.SubjectPath); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	if _, err := domain.ResolvePeriod(req.Period); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	return req, true
}

// writeServiceError maps domain errors to HTTP status codes
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeError(w, http.StatusInternalServerError, "internal server error")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
