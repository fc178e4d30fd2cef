package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mleenorris/ComicMaintainer-sub000/internal/api/dto"
	"github.com/mleenorris/ComicMaintainer-sub000/internal/jobs"
	"github.com/mleenorris/ComicMaintainer-sub000/internal/store"
)

// CreateJob handles POST /api/v1/jobs
// Creates a job for the posted item list and starts it immediately
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "request body must carry a non-empty items list",
		})
		return
	}

	jobID, err := h.manager.CreateJob(c.Request.Context(), req.Items)
	if err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	if err := h.manager.StartJob(c.Request.Context(), jobID, h.process, req.Items); err != nil {
		h.logger.Error("Failed to start job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":  "Failed to start job",
			"job_id": jobID,
		})
		return
	}

	c.JSON(http.StatusAccepted, dto.CreateJobResponse{
		JobID:      jobID,
		TotalItems: len(req.Items),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the full snapshot including per-item results
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	job, err := h.manager.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.renderJobError(c, jobID, err)
		return
	}

	c.JSON(http.StatusOK, jobToDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Returns summaries only, no per-item results
func (h *JobHandler) ListJobs(c *gin.Context) {
	summaries, err := h.manager.ListJobs(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobSummaryDTO, len(summaries))}
	for i, s := range summaries {
		resp.Jobs[i] = summaryToDTO(&s)
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Marks a non-terminal job cancelled; in-flight items are not interrupted
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if err := h.manager.CancelJob(c.Request.Context(), jobID); err != nil {
		h.renderJobError(c, jobID, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID,
		"status": store.JobStatusCancelled,
	})
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if err := h.manager.DeleteJob(c.Request.Context(), jobID); err != nil {
		h.renderJobError(c, jobID, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// renderJobError maps the named failure reasons onto HTTP statuses
func (h *JobHandler) renderJobError(c *gin.Context, jobID string, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidJobID):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
	case errors.Is(err, jobs.ErrItemCountMismatch):
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "item list does not match job size",
		})
	case errors.Is(err, store.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": "job not found",
		})
	case errors.Is(err, store.ErrJobFinished):
		c.JSON(http.StatusConflict, gin.H{
			"error": "job already finished",
		})
	case errors.Is(err, jobs.ErrJobAlreadyRunning):
		c.JSON(http.StatusConflict, gin.H{
			"error": "job already running",
		})
	default:
		h.logger.Error("Job operation failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "internal error",
		})
	}
}

func jobToDTO(job *store.Job) dto.JobDTO {
	out := dto.JobDTO{
		JobID:          job.JobID,
		Status:         job.Status,
		TotalItems:     job.TotalItems,
		ProcessedItems: job.ProcessedItems,
		Progress:       job.Progress(),
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
		Results:        make([]dto.ItemResultDTO, len(job.Results)),
	}
	if job.ErrorMessage.Valid {
		out.Error = job.ErrorMessage.String
	}
	if job.StartedAt.Valid {
		out.StartedAt = job.StartedAt.Time.Format(time.RFC3339)
	}
	if job.CompletedAt.Valid {
		out.CompletedAt = job.CompletedAt.Time.Format(time.RFC3339)
	}

	for i, r := range job.Results {
		out.Results[i] = dto.ItemResultDTO{
			Item:    r.Item,
			Success: r.Success,
			Details: r.Details,
		}
		if r.ErrorMessage.Valid {
			out.Results[i].Error = r.ErrorMessage.String
		}
	}

	return out
}

func summaryToDTO(s *store.JobSummary) dto.JobSummaryDTO {
	out := dto.JobSummaryDTO{
		JobID:          s.JobID,
		Status:         s.Status,
		TotalItems:     s.TotalItems,
		ProcessedItems: s.ProcessedItems,
		Progress:       s.Progress(),
		CreatedAt:      s.CreatedAt.Format(time.RFC3339),
	}
	if s.ErrorMessage.Valid {
		out.Error = s.ErrorMessage.String
	}
	if s.StartedAt.Valid {
		out.StartedAt = s.StartedAt.Time.Format(time.RFC3339)
	}
	if s.CompletedAt.Valid {
		out.CompletedAt = s.CompletedAt.Time.Format(time.RFC3339)
	}
	return out
}
