package miner

import (
	"fmt"
	"sync"

	"github.com/burst-apps-team/burstpool/internal/util"
)

// Tracker applies submissions and block outcomes to the participant ledger.
// It owns the "currently processing block" gate that keeps submission-side
// and payout-side writes from racing the block-processing transaction.
type Tracker struct {
	maths *Maths

	poolFeePercentage      float64
	winnerRewardPercentage float64
	defaultMinimumPayout   int64
	minimumMinimumPayout   int64

	mu              sync.Mutex
	cond            *sync.Cond
	processingBlock bool
}

// NewTracker builds a tracker with the given estimator and reward split.
func NewTracker(maths *Maths, poolFeePct, winnerRewardPct float64, defaultMinimumPayout, minimumMinimumPayout int64) *Tracker {
	t := &Tracker{
		maths:                  maths,
		poolFeePercentage:      poolFeePct,
		winnerRewardPercentage: winnerRewardPct,
		defaultMinimumPayout:   defaultMinimumPayout,
		minimumMinimumPayout:   minimumMinimumPayout,
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// DefaultMinimumPayout returns the payout threshold new miners start with.
func (t *Tracker) DefaultMinimumPayout() int64 { return t.defaultMinimumPayout }

// SetCurrentlyProcessingBlock marks the start or end of a block-processing
// cycle. Clearing the flag wakes everyone blocked in
// WaitUntilNotProcessingBlock.
func (t *Tracker) SetCurrentlyProcessingBlock(processing bool) {
	t.mu.Lock()
	t.processingBlock = processing
	t.mu.Unlock()
	if !processing {
		t.cond.Broadcast()
	}
}

// WaitUntilNotProcessingBlock blocks while a block-processing cycle is in
// flight.
func (t *Tracker) WaitUntilNotProcessingBlock() {
	t.mu.Lock()
	for t.processingBlock {
		t.cond.Wait()
	}
	t.mu.Unlock()
}

// OnMinerSubmittedDeadline records a deadline sample for a miner, creating
// the record on first contact.
func (t *Tracker) OnMinerSubmittedDeadline(store Store, id uint64, d Deadline, userAgent string) error {
	t.WaitUntilNotProcessingBlock()

	m, err := store.GetOrCreateMiner(id)
	if err != nil {
		return err
	}

	m.ProcessNewDeadline(d)
	if userAgent != "" {
		m.SetUserAgent(userAgent)
	}

	return store.SaveMiner(m)
}

// OnBlockWon settles a block the pool won: the fee recipient takes the pool
// fee, the winner takes the winner bonus, and the rest is distributed by
// share after the capacity recompute, with the integer rounding remainder
// split evenly across all miners.
func (t *Tracker) OnBlockWon(store Store, height, blockID, generatorID, nonce uint64, fullReward int64, fastBlocks map[uint64]bool) error {
	util.Infof("Block %d won by %s, reward %s", height, util.FormatAccountID(generatorID), util.PlanckToCoin(fullReward))

	fee := int64(float64(fullReward) * t.poolFeePercentage)
	winnerBonus := int64(float64(fullReward) * t.winnerRewardPercentage)
	remaining := fullReward - fee - winnerBonus

	// Every fallible read happens before the first balance mutation, so a
	// failed settlement never leaves half-credited miners in the cache.
	feeRecipient, err := store.FeeRecipient()
	if err != nil {
		return err
	}
	winner, err := store.GetOrCreateMiner(generatorID)
	if err != nil {
		return err
	}
	miners, err := t.updateMiners(store, height, fastBlocks)
	if err != nil {
		return err
	}

	feeRecipient.IncreasePending(fee)
	if err := store.SaveFeeRecipient(feeRecipient); err != nil {
		return err
	}

	var distributed int64
	for _, m := range miners {
		distributed += m.TakeShare(remaining)
	}

	// The per-share truncation remainder is equalized across the whole
	// pool; only the final sub-miner dust goes to the winner.
	if n := int64(len(miners)); n > 0 {
		if each := (remaining - distributed) / n; each > 0 {
			for _, m := range miners {
				m.IncreasePending(each)
				distributed += each
			}
		}
	}
	winner.IncreasePending(winnerBonus + (remaining - distributed))

	for _, m := range miners {
		if err := store.SaveMiner(m); err != nil {
			return err
		}
	}
	if err := store.SaveMiner(winner); err != nil {
		return err
	}

	return store.AddWonBlock(height, blockID, generatorID, nonce, fullReward)
}

// OnBlockNotWon still runs the capacity and share recompute so rounds the
// pool lost keep feeding the statistics.
func (t *Tracker) OnBlockNotWon(store Store, height uint64, fastBlocks map[uint64]bool) error {
	miners, err := t.updateMiners(store, height, fastBlocks)
	if err != nil {
		return err
	}
	for _, m := range miners {
		if err := store.SaveMiner(m); err != nil {
			return err
		}
	}
	return nil
}

// updateMiners prunes aged samples, re-estimates every miner's capacity and
// recomputes shares against the new pool capacity. Callers persist the
// returned miners.
func (t *Tracker) updateMiners(store Store, currentHeight uint64, fastBlocks map[uint64]bool) ([]*Miner, error) {
	miners, err := store.Miners()
	if err != nil {
		return nil, err
	}

	var poolCapacity float64
	for _, m := range miners {
		m.PruneDeadlines(currentHeight, t.maths.NAvg())
		m.RecalculateCapacity(t.maths, fastBlocks)
		poolCapacity += m.Capacity()
	}

	for _, m := range miners {
		m.RecalculateShare(poolCapacity)
	}

	return miners, nil
}

// SetMinerMinimumPayout updates a miner's payout threshold, clamped to the
// configured floor.
func (t *Tracker) SetMinerMinimumPayout(store Store, id uint64, amount int64) error {
	if amount < t.minimumMinimumPayout {
		return fmt.Errorf("minimum payout must be at least %d planck", t.minimumMinimumPayout)
	}

	m, err := store.GetMiner(id)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("unknown miner %s", util.FormatAccountID(id))
	}

	m.SetMinimumPayout(amount)
	return store.SaveMiner(m)
}
