package analytics

import "math"

// Direction classifies a period-over-period change.
type Direction string

const (
	Increasing Direction = "increasing"
	Decreasing Direction = "decreasing"
	Stable     Direction = "stable"
)

// TrendThreshold is the absolute percent change beyond which a metric moves.
const TrendThreshold = 5.0

// TrendResult compares one metric with the previous period.
type TrendResult struct {
	Current       float64   `json:"current_value"`
	Previous      float64   `json:"previous_value"`
	ChangePercent float64   `json:"change_percent"`
	Direction     Direction `json:"direction"`
}

// Trend applies the change rule. A zero previous value yields 100 when the
// metric grew from nothing and 0 otherwise.
func Trend(current, previous float64) TrendResult {
	var change float64
	switch {
	case previous == 0 && current > 0:
		change = 100
	case previous == 0:
		change = 0
	default:
		change = (current - previous) * 100 / previous
	}

	// Direction uses the exact change; only the reported percent is rounded.
	dir := Stable
	switch {
	case change > TrendThreshold:
		dir = Increasing
	case change < -TrendThreshold:
		dir = Decreasing
	}
	return TrendResult{Current: current, Previous: previous, ChangePercent: round2(change), Direction: dir}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
