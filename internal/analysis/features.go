package analysis

import (
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// MinSamples is the shortest signal worth analyzing
const MinSamples = 10

var (
	// ErrEmptySignal is returned when the recording contains no samples
	ErrEmptySignal = errors.New("recording contains no samples")
	// ErrShortSignal is returned when the recording is too short to analyze
	ErrShortSignal = fmt.Errorf("recording is shorter than %d samples", MinSamples)
)

// ParseCSV extracts the signal from a CSV recording. A header row selects
// the "ECG" column (case-insensitive); headerless single-column files are
// accepted as-is. Rows that fail to parse are skipped so a trailing blank
// line does not fail the whole recording.
func ParseCSV(data []byte) ([]float64, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse csv: %w", err)
	}

	if len(records) == 0 {
		return nil, ErrEmptySignal
	}

	col := 0
	start := 0
	if idx, ok := findSignalColumn(records[0]); ok {
		col = idx
		start = 1
	} else if _, err := strconv.ParseFloat(strings.TrimSpace(records[0][0]), 64); err != nil {
		// first row is neither a known header nor numeric
		return nil, fmt.Errorf("no ECG column in csv header %v", records[0])
	}

	samples := make([]float64, 0, len(records)-start)
	for _, row := range records[start:] {
		if col >= len(row) {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(row[col]), 64)
		if err != nil {
			continue
		}
		samples = append(samples, v)
	}

	if len(samples) == 0 {
		return nil, ErrEmptySignal
	}

	return samples, nil
}

func findSignalColumn(header []string) (int, bool) {
	for i, name := range header {
		if strings.EqualFold(strings.TrimSpace(name), "ecg") {
			return i, true
		}
	}
	return 0, false
}

// ComputeFeatures derives summary statistics from the signal. The heart
// rate estimate counts threshold crossings above mean + 1.5 std dev with a
// 250 ms refractory window, so it is absent for flat or near-flat signals.
func ComputeFeatures(samples []float64, fs int) (map[string]float64, error) {
	if len(samples) == 0 {
		return nil, ErrEmptySignal
	}
	if len(samples) < MinSamples {
		return nil, ErrShortSignal
	}

	var sum float64
	minV := samples[0]
	maxV := samples[0]
	for _, v := range samples {
		sum += v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	mean := sum / float64(len(samples))

	var sqSum float64
	for _, v := range samples {
		d := v - mean
		sqSum += d * d
	}
	std := math.Sqrt(sqSum / float64(len(samples)))

	duration := float64(len(samples)) / float64(fs)

	features := map[string]float64{
		"sample_count": float64(len(samples)),
		"duration_sec": duration,
		"mean":         mean,
		"std":          std,
		"min":          minV,
		"max":          maxV,
	}

	if beats := countBeats(samples, mean, std, fs); beats >= 2 && duration > 0 {
		features["beat_count"] = float64(beats)
		features["hr_mean"] = float64(beats) / duration * 60.0
	}

	return features, nil
}

func countBeats(samples []float64, mean, std float64, fs int) int {
	if std == 0 {
		return 0
	}

	threshold := mean + 1.5*std
	refractory := fs / 4
	if refractory < 1 {
		refractory = 1
	}

	beats := 0
	lastBeat := -refractory
	for i := 1; i < len(samples); i++ {
		if samples[i-1] < threshold && samples[i] >= threshold && i-lastBeat >= refractory {
			beats++
			lastBeat = i
		}
	}
	return beats
}

// Summarize renders a one-line human-readable account of the features.
func Summarize(features map[string]float64) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%.0f samples over %.1fs", features["sample_count"], features["duration_sec"])

	if hr, ok := features["hr_mean"]; ok {
		fmt.Fprintf(&sb, ", estimated mean heart rate %.0f bpm", hr)
	} else {
		sb.WriteString(", heart rate could not be estimated")
	}

	fmt.Fprintf(&sb, " (amplitude %.3g to %.3g)", features["min"], features["max"])
	return sb.String()
}
