package miner

import (
	"errors"
	"testing"
	"time"
)

type wonBlockRecord struct {
	height, blockID, generatorID, nonce uint64
	fullReward                          int64
}

// memStore is an in-memory Store for tracker tests.
type memStore struct {
	miners     map[uint64]*Miner
	fee        *FeeRecipient
	wonBlocks  []wonBlockRecord
	defaultMin int64
}

func newMemStore(defaultMin int64) *memStore {
	return &memStore{
		miners:     make(map[uint64]*Miner),
		fee:        NewFeeRecipient(999, 0, defaultMin),
		defaultMin: defaultMin,
	}
}

func (s *memStore) GetMiner(id uint64) (*Miner, error) {
	return s.miners[id], nil
}

func (s *memStore) GetOrCreateMiner(id uint64) (*Miner, error) {
	if m, ok := s.miners[id]; ok {
		return m, nil
	}
	m := NewMiner(id, s.defaultMin)
	s.miners[id] = m
	return m, nil
}

func (s *memStore) Miners() ([]*Miner, error) {
	miners := make([]*Miner, 0, len(s.miners))
	for _, m := range s.miners {
		miners = append(miners, m)
	}
	return miners, nil
}

func (s *memStore) MinerCount() (int, error) { return len(s.miners), nil }

func (s *memStore) SaveMiner(m *Miner) error { s.miners[m.ID()] = m; return nil }

func (s *memStore) FeeRecipient() (*FeeRecipient, error) { return s.fee, nil }

func (s *memStore) SaveFeeRecipient(f *FeeRecipient) error { s.fee = f; return nil }

func (s *memStore) AddWonBlock(height, blockID, generatorID, nonce uint64, fullReward int64) error {
	s.wonBlocks = append(s.wonBlocks, wonBlockRecord{height, blockID, generatorID, nonce, fullReward})
	return nil
}

func newTestTracker() *Tracker {
	return NewTracker(NewMaths(360, 1), 0.01, 0.2, 10000000000, 10000000000)
}

func seedMiner(t *testing.T, store *memStore, id uint64, deadlineValue uint64) *Miner {
	t.Helper()
	m, err := store.GetOrCreateMiner(id)
	if err != nil {
		t.Fatal(err)
	}
	for height := uint64(100); height < 110; height++ {
		m.ProcessNewDeadline(Deadline{Height: height, Value: deadlineValue, BaseTarget: 70000})
	}
	return m
}

func TestOnMinerSubmittedDeadline(t *testing.T) {
	tracker := newTestTracker()
	store := newMemStore(10000000000)

	d := Deadline{Height: 100, Value: 500, BaseTarget: 70000}
	if err := tracker.OnMinerSubmittedDeadline(store, 7, d, "scavenger/1.7"); err != nil {
		t.Fatalf("OnMinerSubmittedDeadline error: %v", err)
	}

	m, _ := store.GetMiner(7)
	if m == nil {
		t.Fatal("miner was not created")
	}
	if m.DeadlineCount() != 1 {
		t.Errorf("DeadlineCount = %d, want 1", m.DeadlineCount())
	}
	if m.UserAgent() != "scavenger/1.7" {
		t.Errorf("UserAgent = %q", m.UserAgent())
	}
	if m.MinimumPayout() != 10000000000 {
		t.Errorf("new miner MinimumPayout = %d, want default", m.MinimumPayout())
	}
}

func TestOnBlockWonConservesReward(t *testing.T) {
	tracker := newTestTracker()
	store := newMemStore(10000000000)

	// Two miners with different deadline quality, so shares differ.
	seedMiner(t, store, 1, 100)
	seedMiner(t, store, 2, 400)

	const fullReward = int64(100000000000) // 1000 coins

	if err := tracker.OnBlockWon(store, 110, 5555, 1, 42, fullReward, nil); err != nil {
		t.Fatalf("OnBlockWon error: %v", err)
	}

	m1, _ := store.GetMiner(1)
	m2, _ := store.GetMiner(2)
	total := m1.Pending() + m2.Pending() + store.fee.Pending()
	if total != fullReward {
		t.Errorf("distributed %d planck, want exactly %d", total, fullReward)
	}

	if store.fee.Pending() != int64(float64(fullReward)*0.01) {
		t.Errorf("fee recipient got %d, want 1%% of reward", store.fee.Pending())
	}

	// The winner takes the bonus on top of its proportional share.
	if m1.Pending() <= int64(float64(fullReward)*0.2) {
		t.Errorf("winner pending = %d, want more than the 20%% bonus alone", m1.Pending())
	}

	// Better deadlines mean more capacity, a larger share and more reward.
	if m1.Share() <= m2.Share() {
		t.Errorf("shares: winner %g <= slower miner %g", m1.Share(), m2.Share())
	}

	if len(store.wonBlocks) != 1 {
		t.Fatalf("won blocks recorded = %d, want 1", len(store.wonBlocks))
	}
	wb := store.wonBlocks[0]
	if wb.height != 110 || wb.blockID != 5555 || wb.generatorID != 1 || wb.nonce != 42 || wb.fullReward != fullReward {
		t.Errorf("won block record = %+v", wb)
	}
}

func TestOnBlockWonEqualizesRemainderAcrossMiners(t *testing.T) {
	tracker := newTestTracker()
	store := newMemStore(10000000000)

	// Three fresh miners without a capacity estimate yet: every share is
	// zero, so the whole non-fee, non-bonus reward is left over after the
	// share distribution.
	for id := uint64(1); id <= 3; id++ {
		if _, err := store.GetOrCreateMiner(id); err != nil {
			t.Fatal(err)
		}
	}

	const fullReward = int64(100000000000)
	if err := tracker.OnBlockWon(store, 110, 5555, 1, 42, fullReward, nil); err != nil {
		t.Fatalf("OnBlockWon error: %v", err)
	}

	fee := int64(float64(fullReward) * 0.01)
	bonus := int64(float64(fullReward) * 0.2)
	remaining := fullReward - fee - bonus
	each := remaining / 3
	dust := remaining - 3*each

	m1, _ := store.GetMiner(1)
	m2, _ := store.GetMiner(2)
	m3, _ := store.GetMiner(3)

	if m2.Pending() != each {
		t.Errorf("miner 2 pending = %d, want equal remainder cut %d", m2.Pending(), each)
	}
	if m3.Pending() != each {
		t.Errorf("miner 3 pending = %d, want equal remainder cut %d", m3.Pending(), each)
	}
	if want := each + bonus + dust; m1.Pending() != want {
		t.Errorf("winner pending = %d, want %d", m1.Pending(), want)
	}
	if total := m1.Pending() + m2.Pending() + m3.Pending() + store.fee.Pending(); total != fullReward {
		t.Errorf("distributed %d planck, want exactly %d", total, fullReward)
	}
}

// faultStore fails the read for miners it has never seen, the way a cold
// cache behaves when the backing store is unreachable.
type faultStore struct {
	*memStore
}

func (s *faultStore) GetOrCreateMiner(id uint64) (*Miner, error) {
	if _, ok := s.miners[id]; !ok {
		return nil, errors.New("storage read failed")
	}
	return s.memStore.GetOrCreateMiner(id)
}

func TestOnBlockWonFailedReadCreditsNothing(t *testing.T) {
	tracker := newTestTracker()
	store := &faultStore{newMemStore(10000000000)}

	seedMiner(t, store.memStore, 1, 100)
	seedMiner(t, store.memStore, 2, 400)

	// The winner is unknown, so its read fails. No balance may have moved
	// by then, or a retried settlement would credit twice.
	if err := tracker.OnBlockWon(store, 110, 5555, 777, 42, 100000000000, nil); err == nil {
		t.Fatal("expected error from the failed winner read")
	}

	m1, _ := store.GetMiner(1)
	m2, _ := store.GetMiner(2)
	if m1.Pending() != 0 || m2.Pending() != 0 {
		t.Errorf("failed settlement credited miners: %d, %d", m1.Pending(), m2.Pending())
	}
	if store.fee.Pending() != 0 {
		t.Errorf("failed settlement credited the fee recipient: %d", store.fee.Pending())
	}
}

func TestOnBlockNotWonStillUpdatesShares(t *testing.T) {
	tracker := newTestTracker()
	store := newMemStore(10000000000)

	seedMiner(t, store, 1, 100)
	seedMiner(t, store, 2, 100)

	if err := tracker.OnBlockNotWon(store, 110, nil); err != nil {
		t.Fatalf("OnBlockNotWon error: %v", err)
	}

	m1, _ := store.GetMiner(1)
	m2, _ := store.GetMiner(2)

	if m1.Pending() != 0 || m2.Pending() != 0 {
		t.Error("lost round credited a balance")
	}
	sum := m1.Share() + m2.Share()
	if sum < 0.999 || sum > 1.001 {
		t.Errorf("shares sum to %g, want 1", sum)
	}
}

func TestOnBlockNotWonPrunesAgedSamples(t *testing.T) {
	tracker := NewTracker(NewMaths(5, 1), 0.01, 0.2, 10000000000, 10000000000)
	store := newMemStore(10000000000)

	m := seedMiner(t, store, 1, 100) // heights 100..109

	if err := tracker.OnBlockNotWon(store, 112, nil); err != nil {
		t.Fatal(err)
	}
	if m.DeadlineCount() != 3 {
		t.Errorf("DeadlineCount after cycle = %d, want 3", m.DeadlineCount())
	}
}

func TestSetMinerMinimumPayout(t *testing.T) {
	tracker := newTestTracker()
	store := newMemStore(10000000000)
	seedMiner(t, store, 1, 100)

	if err := tracker.SetMinerMinimumPayout(store, 1, 20000000000); err != nil {
		t.Fatalf("SetMinerMinimumPayout error: %v", err)
	}
	m, _ := store.GetMiner(1)
	if m.MinimumPayout() != 20000000000 {
		t.Errorf("MinimumPayout = %d, want 20000000000", m.MinimumPayout())
	}

	if err := tracker.SetMinerMinimumPayout(store, 1, 100); err == nil {
		t.Error("expected error below the configured floor")
	}

	if err := tracker.SetMinerMinimumPayout(store, 404, 20000000000); err == nil {
		t.Error("expected error for unknown miner")
	}
}

func TestWaitUntilNotProcessingBlock(t *testing.T) {
	tracker := newTestTracker()
	tracker.SetCurrentlyProcessingBlock(true)

	done := make(chan struct{})
	go func() {
		tracker.WaitUntilNotProcessingBlock()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("wait returned while a cycle was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	tracker.SetCurrentlyProcessingBlock(false)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait did not return after the cycle finished")
	}
}
