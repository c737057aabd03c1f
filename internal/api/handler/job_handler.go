package handler

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pyckit/segmentation-service/internal/api/dto"
	"github.com/pyckit/segmentation-service/internal/scheduler"
	"github.com/pyckit/segmentation-service/internal/scheduler/domain"
	"github.com/pyckit/segmentation-service/internal/store"
)

// SubmitJob handles POST /api/v1/jobs
// Decodes the payload, enqueues the job and returns its id immediately.
// Processing happens asynchronously; poll GET /api/v1/jobs/:job_id for
// progress.
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	imageData, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		h.logger.Error("Invalid image encoding", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "image must be base64-encoded",
		})
		return
	}
	if h.maxImageBytes > 0 && int64(len(imageData)) > h.maxImageBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": "image exceeds maximum allowed size",
		})
		return
	}

	items := make([]domain.Item, len(req.Items))
	for i, it := range req.Items {
		items[i] = domain.Item{
			ID:       it.ID,
			Name:     it.Name,
			Category: it.Category,
			Value:    it.Value,
			Box: domain.BoundingBox{
				X:      it.Box.X,
				Y:      it.Box.Y,
				Width:  it.Box.Width,
				Height: it.Box.Height,
			},
		}
	}

	image := domain.ImageRef{
		Data:   imageData,
		Width:  req.Width,
		Height: req.Height,
	}

	jobID, err := h.scheduler.Submit(req.OwnerID, domain.Tier(req.Tier), image, items)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrInvalidTier), errors.Is(err, scheduler.ErrNoItems):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("Failed to submit job", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit job"})
		}
		return
	}

	h.logger.Info("Job submitted",
		slog.String("job_id", jobID),
		slog.String("owner_id", req.OwnerID),
		slog.String("tier", req.Tier),
		slog.Int("item_count", len(items)),
	)

	c.JSON(http.StatusAccepted, dto.SubmitJobResponse{JobID: jobID})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns the current state of a job, including any processed items so far.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	snap, err := h.scheduler.Status(jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job"})
		return
	}

	c.JSON(http.StatusOK, toJobStatusResponse(snap))
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Marks the job CANCELED; any unprocessed items are skipped by the scheduler.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	if err := h.scheduler.Cancel(jobID); err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		case errors.Is(err, domain.ErrJobTerminal):
			c.JSON(http.StatusConflict, gin.H{"error": "Job is already in a terminal state"})
		default:
			h.logger.Error("Failed to cancel job", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel job"})
		}
		return
	}

	h.logger.Info("Job canceled", slog.String("job_id", jobID))

	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID,
		"status": domain.JobStatusCanceled,
	})
}

func toJobStatusResponse(snap *store.JobSnapshot) dto.JobStatusResponse {
	processed := make([]dto.ProcessedItemDTO, len(snap.ProcessedItems))
	for i, p := range snap.ProcessedItems {
		processed[i] = dto.ProcessedItemDTO{
			ID:     p.ID,
			ItemID: p.ItemID,
			Mask:   base64.StdEncoding.EncodeToString(p.Mask),
			Crop: dto.CropDTO{
				X1: p.Crop.X1,
				Y1: p.Crop.Y1,
				X2: p.Crop.X2,
				Y2: p.Crop.Y2,
			},
			ProcessedAt: p.ProcessedAt.Format(time.RFC3339),
		}
	}

	resp := dto.JobStatusResponse{
		JobID:          snap.JobID,
		OwnerID:        snap.OwnerID,
		Tier:           string(snap.Tier),
		Status:         snap.Status,
		CompletedItems: snap.CompletedItems,
		TotalItems:     snap.TotalItems,
		DeadLettered:   snap.DeadLettered,
		FailureReason:  snap.FailureReason,
		ProcessedItems: processed,
		CreatedAt:      snap.CreatedAt.Format(time.RFC3339),
	}
	if snap.CompletedAt != nil {
		resp.CompletedAt = snap.CompletedAt.Format(time.RFC3339)
	}
	return resp
}
