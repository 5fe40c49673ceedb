package pipeline

import (
	"encoding/json"
	"fmt"
)

// Response envelope statuses reported by the analysis side.
const (
	ResponseOK    = "ok"
	ResponseError = "error"
)

// AnalysisRequest is the work envelope published to the request queue. The
// measurement id is the only correlation key for the round-trip.
type AnalysisRequest struct {
	MeasurementID string `json:"measurement_id"`
	Location      string `json:"location"`
	SamplingRate  int    `json:"fs"`
}

// AnalysisResponse is the outcome envelope consumed from the response
// queue. Unknown fields are ignored on decode.
type AnalysisResponse struct {
	MeasurementID string             `json:"measurement_id"`
	Status        string             `json:"status"`
	Features      map[string]float64 `json:"features,omitempty"`
	Summary       string             `json:"summary,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// DecodeError marks a payload that can never be processed, regardless of
// retries. Such messages go to the dead-letter queue.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("undecodable response payload: %s", e.Reason)
}

// EncodeRequest marshals the request envelope.
func EncodeRequest(req AnalysisRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode analysis request: %w", err)
	}
	return body, nil
}

// DecodeResponse parses and validates a response envelope. A *DecodeError
// is returned for payloads that are malformed or lack correlation data.
func DecodeResponse(body []byte) (*AnalysisResponse, error) {
	var resp AnalysisResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}

	if resp.MeasurementID == "" {
		return nil, &DecodeError{Reason: "missing measurement_id"}
	}

	if resp.Status != ResponseOK && resp.Status != ResponseError {
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown status %q", resp.Status)}
	}

	return &resp, nil
}
