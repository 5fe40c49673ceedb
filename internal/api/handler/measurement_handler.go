package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pulselab/ecg-be/internal/analysis"
	"github.com/pulselab/ecg-be/internal/api/dto"
	"github.com/pulselab/ecg-be/internal/domain"
	"github.com/pulselab/ecg-be/internal/pipeline"
	"github.com/pulselab/ecg-be/shared/logger"
)

// MeasurementHandler handles measurement-related HTTP requests
type MeasurementHandler struct {
	logger   *logger.Logger
	pipeline *pipeline.Service
}

// NewMeasurementHandler creates a new MeasurementHandler instance
func NewMeasurementHandler(deps *Dependencies) *MeasurementHandler {
	return &MeasurementHandler{
		logger:   deps.Logger,
		pipeline: deps.Pipeline,
	}
}

// SubmitFile handles POST /v1/measurements
// Accepts a multipart recording upload plus fs and tag form fields.
func (h *MeasurementHandler) SubmitFile(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.logger.Error("failed to read upload", slog.Any("error", err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read file"})
		return
	}

	fs, err := strconv.Atoi(c.PostForm("fs"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fs must be an integer"})
		return
	}

	format := strings.TrimPrefix(filepath.Ext(header.Filename), ".")
	if format == "" {
		format = "csv"
	}

	// Count samples at intake so the recording duration is known up front.
	// An unparseable file is still accepted; the analysis side reports it.
	sampleCount := 0
	if format == "csv" {
		if samples, err := analysis.ParseCSV(data); err == nil {
			sampleCount = len(samples)
		}
	}

	m, err := h.pipeline.Submit(c.Request.Context(), OwnerID(c), pipeline.SubmitInput{
		Data:         data,
		Format:       format,
		SamplingRate: fs,
		Tag:          c.PostForm("tag"),
		SampleCount:  sampleCount,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dto.FromMeasurement(m))
}

// SubmitJSON handles POST /v1/measurements/json
// Accepts inline samples, encodes them to CSV and submits the same way as
// a file upload.
func (h *MeasurementHandler) SubmitJSON(c *gin.Context) {
	var req dto.SubmitJSONRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if len(req.ECG) < dto.MinInlineSamples {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("ecg must contain at least %d samples", dto.MinInlineSamples),
		})
		return
	}

	var sb strings.Builder
	sb.WriteString("ECG\n")
	for _, v := range req.ECG {
		sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		sb.WriteByte('\n')
	}

	m, err := h.pipeline.Submit(c.Request.Context(), OwnerID(c), pipeline.SubmitInput{
		Data:         []byte(sb.String()),
		Format:       "csv",
		SamplingRate: req.FS,
		Tag:          req.Tag,
		SampleCount:  len(req.ECG),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dto.FromMeasurement(m))
}

// ListMeasurements handles GET /v1/measurements
func (h *MeasurementHandler) ListMeasurements(c *gin.Context) {
	var req dto.ListMeasurementsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query parameters"})
		return
	}

	if req.Limit <= 0 {
		req.Limit = pipeline.DefaultListLimit
	}
	if req.Limit > pipeline.MaxListLimit {
		req.Limit = pipeline.MaxListLimit
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	measurements, total, err := h.pipeline.List(c.Request.Context(), OwnerID(c), req.Limit, req.Offset)
	if err != nil {
		h.writeError(c, err)
		return
	}

	items := make([]dto.MeasurementDTO, len(measurements))
	for i := range measurements {
		items[i] = dto.FromMeasurement(&measurements[i])
	}

	c.JSON(http.StatusOK, dto.ListMeasurementsResponse{
		Measurements: items,
		Total:        total,
		Limit:        req.Limit,
		Offset:       req.Offset,
	})
}

// GetMeasurement handles GET /v1/measurements/:id
func (h *MeasurementHandler) GetMeasurement(c *gin.Context) {
	m, err := h.pipeline.Get(c.Request.Context(), c.Param("id"), OwnerID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.FromMeasurement(m))
}

// UpdateTag handles PATCH /v1/measurements/:id
func (h *MeasurementHandler) UpdateTag(c *gin.Context) {
	var req dto.UpdateTagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tag is required"})
		return
	}

	m, err := h.pipeline.SetTag(c.Request.Context(), c.Param("id"), OwnerID(c), req.Tag)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.FromMeasurement(m))
}

// writeError maps pipeline errors to HTTP responses.
func (h *MeasurementHandler) writeError(c *gin.Context, err error) {
	var vErr *domain.ValidationError
	switch {
	case errors.As(err, &vErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": vErr.Error(), "field": vErr.Field})
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "measurement not found"})
	case errors.Is(err, domain.ErrDelivery):
		h.logger.Error("analysis dispatch failed", slog.Any("error", err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to dispatch for analysis"})
	default:
		h.logger.Error("request failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
