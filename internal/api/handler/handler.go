package handler

import (
	"log/slog"

	"github.com/pyckit/segmentation-service/internal/scheduler"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger        *slog.Logger
	Scheduler     *scheduler.Scheduler
	MaxImageBytes int64
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger        *slog.Logger
	scheduler     *scheduler.Scheduler
	maxImageBytes int64
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:        deps.Logger,
		scheduler:     deps.Scheduler,
		maxImageBytes: deps.MaxImageBytes,
	}
}
