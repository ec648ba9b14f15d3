package miner

import (
	"math"
	"sync"
)

// State is the serializable snapshot of a miner used by the storage layer.
type State struct {
	ID            uint64
	Pending       int64
	Capacity      float64
	Share         float64
	MinimumPayout int64
	Name          string
	UserAgent     string
	Deadlines     []Deadline
}

// Miner is one pool participant. All mutating methods are safe for
// concurrent use; the submission path and the block-processing cycle touch
// the same instances.
type Miner struct {
	mu            sync.Mutex
	id            uint64
	pending       int64
	capacity      float64
	share         float64
	minimumPayout int64
	name          string
	userAgent     string
	deadlines     map[uint64]Deadline
	maxHeight     uint64
}

// NewMiner creates a fresh miner record with the configured default
// minimum payout.
func NewMiner(id uint64, minimumPayout int64) *Miner {
	return &Miner{
		id:            id,
		minimumPayout: minimumPayout,
		deadlines:     make(map[uint64]Deadline),
	}
}

// RestoreMiner rebuilds a miner from its persisted state.
func RestoreMiner(state State) *Miner {
	m := &Miner{
		id:            state.ID,
		pending:       state.Pending,
		capacity:      state.Capacity,
		share:         state.Share,
		minimumPayout: state.MinimumPayout,
		name:          state.Name,
		userAgent:     state.UserAgent,
		deadlines:     make(map[uint64]Deadline, len(state.Deadlines)),
	}
	for _, d := range state.Deadlines {
		m.deadlines[d.Height] = d
		if d.Height > m.maxHeight {
			m.maxHeight = d.Height
		}
	}
	return m
}

// Snapshot returns the persistable state of this miner.
func (m *Miner) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	deadlines := make([]Deadline, 0, len(m.deadlines))
	for _, d := range m.deadlines {
		deadlines = append(deadlines, d)
	}

	return State{
		ID:            m.id,
		Pending:       m.pending,
		Capacity:      m.capacity,
		Share:         m.share,
		MinimumPayout: m.minimumPayout,
		Name:          m.name,
		UserAgent:     m.userAgent,
		Deadlines:     deadlines,
	}
}

func (m *Miner) ID() uint64 { return m.id }

func (m *Miner) Pending() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending
}

func (m *Miner) IncreasePending(delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending += delta
}

func (m *Miner) DecreasePending(delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending -= delta
}

func (m *Miner) MinimumPayout() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minimumPayout
}

// SetMinimumPayout overrides the payout threshold for this miner.
func (m *Miner) SetMinimumPayout(amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.minimumPayout = amount
}

func (m *Miner) Capacity() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capacity
}

func (m *Miner) Share() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.share
}

func (m *Miner) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

func (m *Miner) SetName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
}

func (m *Miner) UserAgent() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userAgent
}

func (m *Miner) SetUserAgent(userAgent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userAgent = userAgent
}

// TakeShare credits this miner its share of the given reward and returns
// the amount credited.
func (m *Miner) TakeShare(fullReward int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	amount := int64(float64(fullReward) * m.share)
	m.pending += amount
	return amount
}

// ProcessNewDeadline records a deadline sample. Samples for heights older
// than the most recent known height are ignored; for a height already seen
// only the smaller deadline survives.
func (m *Miner) ProcessNewDeadline(d Deadline) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.Height < m.maxHeight {
		return
	}

	if existing, ok := m.deadlines[d.Height]; ok && existing.Value <= d.Value {
		return
	}

	m.deadlines[d.Height] = d
	if d.Height > m.maxHeight {
		m.maxHeight = d.Height
	}
}

// PruneDeadlines drops samples that have aged out of the averaging window.
func (m *Miner) PruneDeadlines(currentHeight uint64, nAvg int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for height := range m.deadlines {
		if height+uint64(nAvg) < currentHeight {
			delete(m.deadlines, height)
		}
	}
}

// DeadlineCount returns the number of samples currently in the window.
func (m *Miner) DeadlineCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.deadlines)
}

// Deadlines returns a copy of the current samples.
func (m *Miner) Deadlines() []Deadline {
	m.mu.Lock()
	defer m.mu.Unlock()

	deadlines := make([]Deadline, 0, len(m.deadlines))
	for _, d := range m.deadlines {
		deadlines = append(deadlines, d)
	}
	return deadlines
}

// RecalculateCapacity re-estimates this miner's capacity. On an estimator
// failure the previous value is kept.
func (m *Miner) RecalculateCapacity(maths *Maths, fastBlocks map[uint64]bool) {
	capacity, err := maths.EstimateCapacity(m.Deadlines(), fastBlocks)
	if err != nil {
		return
	}

	m.mu.Lock()
	m.capacity = capacity
	m.mu.Unlock()
}

// RecalculateShare recomputes this miner's share of the pool capacity,
// clamping to zero when the pool has no capacity.
func (m *Miner) RecalculateShare(poolCapacity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if poolCapacity <= 0 {
		m.share = 0
		return
	}
	share := m.capacity / poolCapacity
	if math.IsNaN(share) || share < 0 {
		share = 0
	}
	m.share = share
}
