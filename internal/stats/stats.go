// Package stats implements the online mean/variance accumulator (Welford's
// algorithm) and the slow-task outlier classifier described in spec §4.2.
package stats

import (
	"fmt"
	"math"

	"github.com/swarmguard/flowforge/internal/model"
)

// Sample folds a new observation into an existing Welford accumulator,
// returning the updated (avg, m2, n). The first-ever sample always folds
// in: n starts at 1 with m2=0.
func Sample(avg, m2 float64, n int64, x float64) (newAvg, newM2 float64, newN int64) {
	newN = n + 1
	delta := x - avg
	newAvg = avg + delta/float64(newN)
	delta2 := x - newAvg
	newM2 = m2 + delta*delta2
	return newAvg, newM2, newN
}

// StdDev returns the sample standard deviation for a Welford accumulator:
// sqrt(m2/(n-1)) when n>1, else 0.
func StdDev(m2 float64, n int64) float64 {
	if n <= 1 {
		return 0
	}
	v := m2 / float64(n-1)
	if v < 0 {
		v = 0
	}
	return math.Sqrt(v)
}

// thresholds implements spec §4.2's sensitivity table.
var thresholds = map[model.Sensitivity]struct{ low, high float64 }{
	model.SensitivityConservative: {low: 7.0, high: 5.0},
	model.SensitivityNormal:       {low: 5.0, high: 3.3},
	model.SensitivityAggressive:   {low: 3.0, high: 2.5},
}

// DetectOutlier applies spec §4.2's five ordered rules and returns a
// PerformanceWarning, or nil when the sample is not a slow outlier.
func DetectOutlier(actual, avg, stddev float64, n int64, sensitivity model.Sensitivity) *model.PerformanceWarning {
	if n < 2 || stddev == 0 {
		return nil
	}
	diff := actual - avg
	if diff <= 0 {
		return nil
	}
	z := diff / stddev

	t, ok := thresholds[sensitivity]
	if !ok {
		t = thresholds[model.SensitivityNormal]
	}
	threshold := t.high
	if n < 20 {
		threshold = t.low
	}

	if z <= threshold {
		return nil
	}

	return &model.PerformanceWarning{
		Type:     "slow",
		Severity: "warning",
		Message: fmt.Sprintf("%.2fs (%.2fσ from %.2fs avg, n=%d)",
			actual/1000, z, avg/1000, n),
	}
}
