package dto

import (
	"time"

	"github.com/pulselab/ecg-be/internal/domain"
)

// MinInlineSamples is the smallest inline recording accepted over JSON.
const MinInlineSamples = 10

type SubmitJSONRequest struct {
	ECG []float64 `json:"ecg" binding:"required"`
	FS  int       `json:"fs" binding:"required"`
	Tag string    `json:"tag"`
}

type ListMeasurementsRequest struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}

type UpdateTagRequest struct {
	Tag string `json:"tag" binding:"required"`
}

type MeasurementDTO struct {
	ID           string             `json:"id"`
	Status       string             `json:"status"`
	Tag          string             `json:"tag"`
	SamplingRate int                `json:"fs"`
	Format       string             `json:"format"`
	DurationSec  float64            `json:"duration_sec"`
	Results      map[string]float64 `json:"results,omitempty"`
	Errors       []string           `json:"errors,omitempty"`
	Summary      string             `json:"summary,omitempty"`
	CreatedAt    string             `json:"created_at"`
	UpdatedAt    string             `json:"updated_at"`
}

type ListMeasurementsResponse struct {
	Measurements []MeasurementDTO `json:"measurements"`
	Total        int              `json:"total"`
	Limit        int              `json:"limit"`
	Offset       int              `json:"offset"`
}

// FromMeasurement maps the stored record to its API shape. The owner id and
// storage location never leave the service.
func FromMeasurement(m *domain.Measurement) MeasurementDTO {
	return MeasurementDTO{
		ID:           m.ID,
		Status:       m.Status,
		Tag:          m.Tag,
		SamplingRate: m.SamplingRate,
		Format:       m.Format,
		DurationSec:  m.DurationSec,
		Results:      m.Results,
		Errors:       m.Errors,
		Summary:      m.Summary,
		CreatedAt:    m.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    m.UpdatedAt.Format(time.RFC3339),
	}
}
