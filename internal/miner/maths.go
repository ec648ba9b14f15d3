package miner

import (
	"errors"
	"math"
	"math/big"
	"sort"

	"github.com/burst-apps-team/burstpool/internal/poc"
)

// ErrNoEstimate is returned when no capacity estimate can be derived from
// the available samples. Callers keep the previously stored value.
var ErrNoEstimate = errors.New("no capacity estimate available")

// outlierFenceFactor scales the inter-quartile range when fencing off
// implausibly long deadlines.
const outlierFenceFactor = 100

// Maths estimates effective storage capacity from deadline samples using a
// precomputed confidence-weighting curve over the averaging window.
type Maths struct {
	nAvg   int
	nMin   int
	alphas []float64
}

// NewMaths builds the estimator for a window of nAvg blocks with minimum
// confidence index nMin.
func NewMaths(nAvg, nMin int) *Maths {
	alphas := make([]float64, nAvg)
	for i := 0; i < nAvg; i++ {
		if i < nMin-1 {
			continue
		}
		nConf := float64(i + 1)
		alphas[i] = 1.0 - (float64(nAvg)-nConf)/nConf*math.Log(float64(nAvg)/(float64(nAvg)-nConf))
	}
	alphas[nAvg-1] = 1.0

	return &Maths{nAvg: nAvg, nMin: nMin, alphas: alphas}
}

// NAvg returns the averaging window size in blocks.
func (m *Maths) NAvg() int { return m.nAvg }

// NMin returns the minimum confidence index.
func (m *Maths) NMin() int { return m.nMin }

// Alpha returns the confidence weight for a sample count of n.
func (m *Maths) Alpha(n int) float64 {
	if n == 0 {
		return 0
	}
	if n > len(m.alphas) {
		return 1
	}
	return m.alphas[n-1]
}

// OutlierFence returns the deadline value above which samples are treated
// as outliers. With fewer than two samples nothing is fenced off.
func OutlierFence(deadlines []Deadline) float64 {
	if len(deadlines) < 2 {
		return math.Inf(1)
	}

	sorted := make([]uint64, len(deadlines))
	for i, d := range deadlines {
		sorted[i] = d.Value
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	// The median itself belongs to neither half when the count is odd.
	half := len(sorted) / 2
	q1 := medianOf(sorted[:half])
	q3 := medianOf(sorted[len(sorted)-half:])

	return q3 + outlierFenceFactor*(q3-q1)
}

func medianOf(values []uint64) float64 {
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return float64(values[mid])
	}
	return (float64(values[mid-1]) + float64(values[mid])) / 2
}

// EstimateCapacity computes the effective capacity in TiB implied by the
// given samples. Samples beyond the outlier fence and samples for heights
// in fastBlocks are excluded from the sum but still count toward the
// confidence weighting, which uses the full sample count.
func (m *Maths) EstimateCapacity(deadlines []Deadline, fastBlocks map[uint64]bool) (float64, error) {
	fence := OutlierFence(deadlines)

	hitSum := new(big.Int)
	included := 0
	for _, d := range deadlines {
		if float64(d.Value) > fence {
			continue
		}
		if fastBlocks[d.Height] {
			continue
		}
		hitSum.Add(hitSum, d.Hit())
		included++
	}

	if hitSum.Sign() == 0 {
		return 0, ErrNoEstimate
	}

	// Integer division first: the sub-genesis-target fraction of the hit
	// sum is truncated away before entering float territory.
	scaledHitSum, _ := new(big.Float).SetInt(
		new(big.Int).Quo(hitSum, new(big.Int).SetUint64(poc.GenesisBaseTarget)),
	).Float64()

	capacity := m.Alpha(len(deadlines)) * 240 * float64(included-1) / scaledHitSum
	if math.IsNaN(capacity) || math.IsInf(capacity, 0) {
		return 0, ErrNoEstimate
	}

	return capacity, nil
}
