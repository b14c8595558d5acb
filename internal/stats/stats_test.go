package stats

import (
	"math"
	"testing"

	"github.com/swarmguard/flowforge/internal/model"
)

func TestSampleMatchesBatchMeanAndVariance(t *testing.T) {
	xs := []float64{1000, 1050, 950, 1020, 980}

	var avg, m2 float64
	var n int64
	for _, x := range xs {
		avg, m2, n = Sample(avg, m2, n, x)
	}

	var sum float64
	for _, x := range xs {
		sum += x
	}
	batchMean := sum / float64(len(xs))

	var sumSq float64
	for _, x := range xs {
		d := x - batchMean
		sumSq += d * d
	}

	if n != int64(len(xs)) {
		t.Fatalf("n = %d, want %d", n, len(xs))
	}
	if math.Abs(avg-batchMean) > 1e-9*math.Abs(batchMean) {
		t.Fatalf("avg = %v, want %v", avg, batchMean)
	}
	if math.Abs(m2-sumSq) > 1e-9*math.Abs(sumSq) {
		t.Fatalf("m2 = %v, want %v", m2, sumSq)
	}
}

func TestStdDevBoundary(t *testing.T) {
	if got := StdDev(0, 0); got != 0 {
		t.Fatalf("n=0: got %v, want 0", got)
	}
	if got := StdDev(0, 1); got != 0 {
		t.Fatalf("n=1: got %v, want 0", got)
	}
}

func TestDetectOutlierBoundaries(t *testing.T) {
	if w := DetectOutlier(2000, 1000, 0, 5, model.SensitivityNormal); w != nil {
		t.Fatalf("stddev=0 should never flag, got %v", w)
	}
	if w := DetectOutlier(2000, 1000, 0, 1, model.SensitivityNormal); w != nil {
		t.Fatalf("n<2 should never flag, got %v", w)
	}
	if w := DetectOutlier(900, 1000, 50, 5, model.SensitivityAggressive); w != nil {
		t.Fatalf("diff<=0 should never flag, got %v", w)
	}
}

func TestDetectOutlierScenario2(t *testing.T) {
	// Seed {1000,1050,950,1020,980}: avg=1000, sigma ~= 38.08, n=5.
	var avg, m2 float64
	var n int64
	for _, x := range []float64{1000, 1050, 950, 1020, 980} {
		avg, m2, n = Sample(avg, m2, n, x)
	}
	sd := StdDev(m2, n)

	w := DetectOutlier(1500, avg, sd, n, model.SensitivityNormal)
	if w == nil {
		t.Fatalf("expected outlier warning for z ~= %.2f", (1500-avg)/sd)
	}
	if w.Severity != "warning" || w.Type != "slow" {
		t.Fatalf("unexpected warning shape: %+v", w)
	}
}

func TestDetectOutlierSensitivityThresholds(t *testing.T) {
	// n<20 uses the "low" column, n>=20 uses "high".
	cases := []struct {
		name        string
		sensitivity model.Sensitivity
		n           int64
		z           float64
		wantWarn    bool
	}{
		{"conservative low just under", model.SensitivityConservative, 10, 6.9, false},
		{"conservative low just over", model.SensitivityConservative, 10, 7.1, true},
		{"normal high just under", model.SensitivityNormal, 25, 3.2, false},
		{"normal high just over", model.SensitivityNormal, 25, 3.4, true},
		{"aggressive high just over", model.SensitivityAggressive, 30, 2.6, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			stddev := 10.0
			actual := 1000 + c.z*stddev
			w := DetectOutlier(actual, 1000, stddev, c.n, c.sensitivity)
			if (w != nil) != c.wantWarn {
				t.Fatalf("z=%.2f n=%d: warning=%v, want %v", c.z, c.n, w != nil, c.wantWarn)
			}
		})
	}
}
