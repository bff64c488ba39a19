package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sanjoekurian/sdpip-backend/internal/logger"
	"github.com/sanjoekurian/sdpip-backend/internal/services"
)

type JobHandler struct {
	log      *logger.Logger
	pipeline services.PipelineService
}

func NewJobHandler(log *logger.Logger, pipeline services.PipelineService) *JobHandler {
	return &JobHandler{
		log:      log.With("handler", "JobHandler"),
		pipeline: pipeline,
	}
}

// GET /api/jobs/:id
func (h *JobHandler) GetJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	job, err := h.pipeline.GetJob(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// POST /api/jobs/:id/cancel
// Cooperative: the pipeline observes the request at its next stage
// boundary, so acceptance here does not mean the job is already cancelled.
func (h *JobHandler) Cancel(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}

	requested, err := h.pipeline.Cancel(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if !requested {
		c.JSON(http.StatusConflict, gin.H{"error": "job already finished"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"cancel_requested": true})
}
