package analytics

import (
	"math"

	"github.com/montanaflynn/stats"
)

// IsAnomaly reports whether candidate lies more than k population standard
// deviations from the mean of history. The candidate must not be part of
// history. Fewer than two history values never flag.
func IsAnomaly(candidate float64, history []float64, k float64) bool {
	if len(history) < 2 {
		return false
	}
	mean, err := stats.Mean(history)
	if err != nil {
		return false
	}
	sd, err := stats.StandardDeviationPopulation(history)
	if err != nil {
		return false
	}
	// strict: a candidate exactly k sigma away is not an anomaly
	return math.Abs(candidate-mean) > k*sd
}
