package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Measurement status constants - lifecycle stage of automated processing
const (
	StatusProcessing  = "processing"
	StatusWaitingUser = "waiting_user"
	StatusDone        = "done"
	StatusError       = "error"
)

// Measurement tag constants - user-supplied classification, independent of status
const (
	TagExercise = "exercise"
	TagRest     = "rest"
	TagDaily    = "daily"
)

// Sampling rate bounds in Hz
const (
	MinSamplingRate = 50
	MaxSamplingRate = 2000
)

// ValidTag reports whether s is one of the known measurement tags.
func ValidTag(s string) bool {
	switch s {
	case TagExercise, TagRest, TagDaily:
		return true
	}
	return false
}

// FeatureMap holds named numeric analysis outputs. It is stored as a JSON
// text column; a nil map maps to SQL NULL.
type FeatureMap map[string]float64

func (f FeatureMap) Value() (driver.Value, error) {
	if f == nil {
		return nil, nil
	}
	return json.Marshal(f)
}

func (f *FeatureMap) Scan(src interface{}) error {
	if src == nil {
		*f = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, f)
	case string:
		return json.Unmarshal([]byte(v), f)
	default:
		return fmt.Errorf("cannot scan %T into FeatureMap", src)
	}
}

// ErrorList holds ordered processing error strings, stored as a JSON text
// column; a nil slice maps to SQL NULL.
type ErrorList []string

func (e ErrorList) Value() (driver.Value, error) {
	if e == nil {
		return nil, nil
	}
	return json.Marshal(e)
}

func (e *ErrorList) Scan(src interface{}) error {
	if src == nil {
		*e = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, e)
	case string:
		return json.Unmarshal([]byte(v), e)
	default:
		return fmt.Errorf("cannot scan %T into ErrorList", src)
	}
}

// Measurement is the persisted state of one submitted recording and its
// processing lifecycle. The id doubles as the correlation key for the
// analysis round-trip over the queue.
type Measurement struct {
	ID           string     `db:"id"`
	OwnerID      string     `db:"owner_id"`
	Status       string     `db:"status"`
	Tag          string     `db:"tag"`
	SamplingRate int        `db:"sampling_rate"`
	Format       string     `db:"format"`
	DurationSec  float64    `db:"duration_sec"`
	Location     string     `db:"location"`
	Results      FeatureMap `db:"results"`
	Errors       ErrorList  `db:"errors"`
	Summary      string     `db:"summary"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}
