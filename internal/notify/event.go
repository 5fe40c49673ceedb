package notify

// Event types pushed to live client connections. The set is closed; clients
// discriminate on the type field.
const (
	EventStatusChanged = "status"
	EventTagChanged    = "tag"
	EventResultsReady  = "results"
	EventErrorOccurred = "error"
)

// Event is one state-change notification for a measurement, carrying only
// the payload subset relevant to its type.
type Event struct {
	Type          string             `json:"type"`
	MeasurementID string             `json:"measurement_id"`
	Status        string             `json:"status,omitempty"`
	Tag           string             `json:"tag,omitempty"`
	Results       map[string]float64 `json:"results,omitempty"`
	Errors        []string           `json:"errors,omitempty"`
}

// StatusChanged builds a status-changed event.
func StatusChanged(measurementID, status string) Event {
	return Event{Type: EventStatusChanged, MeasurementID: measurementID, Status: status}
}

// TagChanged builds a tag-changed event.
func TagChanged(measurementID, tag string) Event {
	return Event{Type: EventTagChanged, MeasurementID: measurementID, Tag: tag}
}

// ResultsReady builds a results-ready event.
func ResultsReady(measurementID string, results map[string]float64) Event {
	return Event{Type: EventResultsReady, MeasurementID: measurementID, Status: "done", Results: results}
}

// ErrorOccurred builds an error-occurred event.
func ErrorOccurred(measurementID string, errs []string) Event {
	return Event{Type: EventErrorOccurred, MeasurementID: measurementID, Status: "error", Errors: errs}
}
