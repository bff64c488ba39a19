package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sanjoekurian/sdpip-backend/internal/logger"
	"github.com/sanjoekurian/sdpip-backend/internal/services"
)

type DocumentHandler struct {
	log           *logger.Logger
	pipeline      services.PipelineService
	reportService services.ReportService
}

func NewDocumentHandler(log *logger.Logger, pipeline services.PipelineService, reportService services.ReportService) *DocumentHandler {
	return &DocumentHandler{
		log:           log.With("handler", "DocumentHandler"),
		pipeline:      pipeline,
		reportService: reportService,
	}
}

// POST /api/documents
// Multipart upload; kicks off (or dedupes into) a pipeline job.
func (h *DocumentHandler) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable upload"})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable upload"})
		return
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	var metadata map[string]any
	if raw := c.PostForm("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "metadata must be a JSON object"})
			return
		}
	}

	doc, job, err := h.pipeline.Submit(c.Request.Context(), fileHeader.Filename, mimeType, data, metadata)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"document": doc,
		"job":      job,
	})
}

// GET /api/documents/:id
func (h *DocumentHandler) GetStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}

	doc, job, err := h.pipeline.GetDocumentStatus(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := gin.H{"document": doc}
	if job != nil {
		resp["job"] = job
		resp["status"] = job.Status
	} else {
		resp["status"] = "unprocessed"
	}
	c.JSON(http.StatusOK, resp)
}

// GET /api/documents/:id/pii
func (h *DocumentHandler) GetPII(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}

	entities, err := h.pipeline.GetDocumentEntities(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"document_id": id,
		"count":       len(entities),
		"entities":    entities,
	})
}

// GET /api/documents/:id/report
func (h *DocumentHandler) GetReport(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid document id"})
		return
	}

	report, err := h.reportService.Generate(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", report)
}
