package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/dvloznov/fraud-tracker/internal/api/middleware"
	"github.com/dvloznov/fraud-tracker/internal/jobs"
)

// JobsHandler handles job-related endpoints.
type JobsHandler struct {
	store jobs.JobStore
	log   zerolog.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		store: store,
		log:   log,
	}
}

// GetJob handles GET /api/jobs/:id
func (h *JobsHandler) GetJob(c *gin.Context) {
	jobID := c.Param("id")

	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if errors.Is(err, jobs.ErrJobNotFound) {
		middleware.WriteError(c, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("job_id", jobID).Msg("Failed to get job")
		middleware.WriteError(c, http.StatusInternalServerError, "Failed to get job")
		return
	}

	middleware.WriteJSON(c, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(c *gin.Context) {
	filter := jobs.JobFilter{
		TransactionID: c.Query("transaction_id"),
		UserID:        c.Query("user_id"),
		Status:        jobs.JobStatus(c.Query("status")),
		Limit:         queryLimit(c),
	}
	if v := c.Query("offset"); v != "" {
		if offset, err := strconv.Atoi(v); err == nil {
			filter.Offset = offset
		}
	}

	jobsList, err := h.store.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(c, http.StatusInternalServerError, "Failed to list jobs")
		return
	}
	if jobsList == nil {
		jobsList = []*jobs.ScoreTransactionJob{}
	}

	middleware.WriteJSON(c, http.StatusOK, gin.H{
		"jobs":  jobsList,
		"count": len(jobsList),
	})
}
