package miner

import (
	"math"
	"testing"

	"github.com/burst-apps-team/burstpool/internal/poc"
)

func TestAlpha(t *testing.T) {
	m := NewMaths(360, 1)

	if got := m.Alpha(0); got != 0 {
		t.Errorf("Alpha(0) = %f, want 0", got)
	}
	if got := m.Alpha(360); got != 1 {
		t.Errorf("Alpha(360) = %f, want 1", got)
	}
	if got := m.Alpha(500); got != 1 {
		t.Errorf("Alpha(500) = %f, want 1 beyond the window", got)
	}
	if got := m.Alpha(1); got <= 0 || got >= 1 {
		t.Errorf("Alpha(1) = %f, want in (0, 1)", got)
	}

	// Confidence must not decrease as more samples accumulate.
	prev := 0.0
	for n := 1; n <= 360; n++ {
		a := m.Alpha(n)
		if a < prev {
			t.Fatalf("Alpha(%d) = %f dropped below Alpha(%d) = %f", n, a, n-1, prev)
		}
		prev = a
	}
}

func TestAlphaBelowMinimumConfidence(t *testing.T) {
	m := NewMaths(10, 3)

	if got := m.Alpha(1); got != 0 {
		t.Errorf("Alpha(1) = %f, want 0 below nMin", got)
	}
	if got := m.Alpha(2); got != 0 {
		t.Errorf("Alpha(2) = %f, want 0 below nMin", got)
	}
	if got := m.Alpha(3); got <= 0 {
		t.Errorf("Alpha(3) = %f, want > 0 at nMin", got)
	}
}

func samplesWithValues(baseTarget uint64, values ...uint64) []Deadline {
	deadlines := make([]Deadline, len(values))
	for i, v := range values {
		deadlines[i] = Deadline{Height: uint64(100 + i), Value: v, BaseTarget: baseTarget}
	}
	return deadlines
}

func TestOutlierFence(t *testing.T) {
	// Nine tight samples and one runaway. The quartiles come from the
	// tight cluster, so the fence cuts the runaway off.
	deadlines := samplesWithValues(70000, 100, 101, 102, 103, 104, 105, 106, 107, 108, 1000000000)

	fence := OutlierFence(deadlines)
	if math.IsInf(fence, 1) {
		t.Fatal("expected a finite fence")
	}
	if fence >= 1000000000 {
		t.Errorf("fence %f does not exclude the runaway sample", fence)
	}
	if fence <= 108 {
		t.Errorf("fence %f excludes legitimate samples", fence)
	}
}

func TestOutlierFenceTooFewSamples(t *testing.T) {
	if fence := OutlierFence(nil); !math.IsInf(fence, 1) {
		t.Errorf("fence for no samples = %f, want +Inf", fence)
	}
	if fence := OutlierFence(samplesWithValues(1, 42)); !math.IsInf(fence, 1) {
		t.Errorf("fence for one sample = %f, want +Inf", fence)
	}
}

func TestEstimateCapacityClosedForm(t *testing.T) {
	m := NewMaths(360, 1)
	const baseTarget = uint64(70000)

	deadlines := samplesWithValues(baseTarget, 1000100, 1000101, 1000102, 1000103, 1000104, 1000105, 1000106, 1000107, 1000108, 100000000000)

	got, err := m.EstimateCapacity(deadlines, nil)
	if err != nil {
		t.Fatalf("EstimateCapacity error: %v", err)
	}

	// The runaway sample is excluded from the sum but still counts toward
	// the confidence weight.
	var hitSum uint64
	for _, d := range deadlines[:9] {
		hitSum += baseTarget * d.Value
	}
	want := m.Alpha(10) * 240 * 8 / float64(hitSum/poc.GenesisBaseTarget)

	if math.Abs(got-want) > math.Abs(want)*1e-9 {
		t.Errorf("capacity = %g, want %g", got, want)
	}
}

func TestEstimateCapacityTruncatesHitSum(t *testing.T) {
	m := NewMaths(360, 1)
	const baseTarget = uint64(70000)

	// The hit sum is 24.07 genesis base targets; the fraction is dropped
	// before the final division.
	deadlines := samplesWithValues(baseTarget, 2000000, 2100000, 2200000)

	got, err := m.EstimateCapacity(deadlines, nil)
	if err != nil {
		t.Fatalf("EstimateCapacity error: %v", err)
	}

	var hitSum uint64
	for _, d := range deadlines {
		hitSum += baseTarget * d.Value
	}
	want := m.Alpha(3) * 240 * 2 / float64(hitSum/poc.GenesisBaseTarget)
	if got != want {
		t.Errorf("capacity = %g, want %g", got, want)
	}

	untruncated := m.Alpha(3) * 240 * 2 / (float64(hitSum) / float64(poc.GenesisBaseTarget))
	if got == untruncated {
		t.Errorf("capacity %g kept the fractional hit sum", got)
	}
}

func TestEstimateCapacityExcludesFastBlocks(t *testing.T) {
	m := NewMaths(360, 1)
	deadlines := samplesWithValues(70000, 2000000, 2100000, 50000, 2200000)
	// Height of the suspiciously fast sample (index 2 -> height 102).
	fastBlocks := map[uint64]bool{102: true}

	withFast, err := m.EstimateCapacity(deadlines, nil)
	if err != nil {
		t.Fatal(err)
	}
	withoutFast, err := m.EstimateCapacity(deadlines, fastBlocks)
	if err != nil {
		t.Fatal(err)
	}

	// Dropping a very short deadline from the sum shrinks the estimate:
	// one fewer included sample against a nearly unchanged hit sum.
	if withoutFast >= withFast {
		t.Errorf("capacity with fast block excluded = %g, want below %g", withoutFast, withFast)
	}
}

func TestEstimateCapacityNoSamples(t *testing.T) {
	m := NewMaths(360, 1)

	if _, err := m.EstimateCapacity(nil, nil); err != ErrNoEstimate {
		t.Errorf("error = %v, want ErrNoEstimate", err)
	}

	// All samples excluded leaves a zero hit sum.
	deadlines := samplesWithValues(70000, 100, 110)
	fastBlocks := map[uint64]bool{100: true, 101: true}
	if _, err := m.EstimateCapacity(deadlines, fastBlocks); err != ErrNoEstimate {
		t.Errorf("error = %v, want ErrNoEstimate", err)
	}
}

func TestEstimateCapacitySingleSample(t *testing.T) {
	m := NewMaths(360, 1)

	got, err := m.EstimateCapacity(samplesWithValues(70000, 500000), nil)
	if err != nil {
		t.Fatalf("EstimateCapacity error: %v", err)
	}
	if got != 0 {
		t.Errorf("capacity from a single sample = %g, want 0", got)
	}
}
