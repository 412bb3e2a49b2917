package handler

import (
	"errors"
	"net/http"

	"github.com/bcnelson/hostbeat/internal/domain"
	"github.com/bcnelson/hostbeat/internal/service"
	"github.com/go-chi/chi/v5"
)

// JobHandler triggers consistency jobs.
type JobHandler struct {
	runner *service.JobRunner
}

// NewJobHandler creates a new JobHandler.
func NewJobHandler(runner *service.JobRunner) *JobHandler {
	return &JobHandler{runner: runner}
}

// Run runs the job named in the path and reports its summary. A failed job
// answers 500 with the error; the process keeps serving.
func (h *JobHandler) Run(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "job")

	summary, err := h.runner.Run(r.Context(), job)
	if err != nil {
		if errors.Is(err, service.ErrUnknownJob) {
			respondError(w, http.StatusNotFound, domain.ErrCodeResourceNotFound, "unknown job")
			return
		}
		respondJSON(w, http.StatusInternalServerError, &domain.JobResult{
			Job:    job,
			Status: "failed",
			Error:  err.Error(),
		})
		return
	}

	respondJSON(w, http.StatusOK, &domain.JobResult{
		Job:     job,
		Status:  "ok",
		Summary: summary,
	})
}
