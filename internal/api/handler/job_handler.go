package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cuongbtq/transform-adapter/internal/api/dto"
	"github.com/cuongbtq/transform-adapter/internal/worker/domain"
	"github.com/cuongbtq/transform-adapter/internal/worker/storage"
)

// GetJob handles GET /api/v1/jobs/:job_id
// Returns what this adapter recorded about a job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := strings.ToLower(c.Param("job_id"))

	h.logger.Debug("GetJob called",
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", jobID),
	)

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: "job_id must be a valid UUID"})
		return
	}

	record, err := h.ledger.Get(c.Request.Context(), jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, dto.ErrorResponse{Error: "Job not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get job", slog.String("job_id", jobID), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{Error: "Failed to get job"})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(record))
}

func toJobDTO(r *storage.Record) dto.JobDTO {
	out := dto.JobDTO{
		JobID:     r.JobID,
		Status:    r.Status,
		Category:  r.Category,
		Message:   r.Message,
		WorkerID:  r.WorkerID,
		Attempts:  r.Attempts,
		StartedAt: r.StartedAt.UTC().Format(time.RFC3339),
		UpdatedAt: r.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		out.CompletedAt = r.CompletedAt.UTC().Format(time.RFC3339)
	}
	return out
}
