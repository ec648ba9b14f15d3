package storage

import (
	"fmt"
	"time"

	"github.com/burst-apps-team/burstpool/internal/miner"
)

// Tx scopes one block-processing cycle. Reads go through the shared miner
// cache; writes are staged and applied atomically on Commit via a Redis
// MULTI/EXEC pipeline. Rollback discards the staged writes and evicts
// touched miners from the cache so their committed state is reloaded.
//
// Exactly one transaction may be in flight at a time, which the
// block-processing single-flight lock guarantees.
type Tx struct {
	c *Client

	touched       map[uint64]*miner.Miner
	feeTouched    bool
	wonBlocks     []WonBlock
	removedBest   []uint64
	lastProcessed *uint64
	done          bool
}

// GetMiner returns the shared miner instance, or nil if unknown.
func (tx *Tx) GetMiner(id uint64) (*miner.Miner, error) {
	return tx.c.GetMiner(id)
}

// GetOrCreateMiner returns the miner, creating it in memory only; the
// record reaches Redis when the transaction commits.
func (tx *Tx) GetOrCreateMiner(id uint64) (*miner.Miner, error) {
	m, err := tx.c.GetMiner(id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = miner.NewMiner(id, tx.c.defaultMinimumPayout)
		tx.c.adoptMiner(m)
	}
	tx.touched[id] = m
	return m, nil
}

// Miners lists every known miner.
func (tx *Tx) Miners() ([]*miner.Miner, error) {
	return tx.c.Miners()
}

// MinerCount returns the number of known miners.
func (tx *Tx) MinerCount() (int, error) {
	return tx.c.MinerCount()
}

// SaveMiner stages the miner for the commit.
func (tx *Tx) SaveMiner(m *miner.Miner) error {
	tx.touched[m.ID()] = m
	return nil
}

// FeeRecipient returns the shared fee recipient instance.
func (tx *Tx) FeeRecipient() (*miner.FeeRecipient, error) {
	return tx.c.FeeRecipient()
}

// SaveFeeRecipient stages the fee recipient for the commit.
func (tx *Tx) SaveFeeRecipient(f *miner.FeeRecipient) error {
	tx.feeTouched = true
	return nil
}

// AddWonBlock stages a won-block audit record.
func (tx *Tx) AddWonBlock(height, blockID, generatorID, nonce uint64, fullReward int64) error {
	tx.wonBlocks = append(tx.wonBlocks, WonBlock{
		Height:      height,
		BlockID:     blockID,
		GeneratorID: generatorID,
		Nonce:       nonce,
		FullReward:  fullReward,
		Timestamp:   time.Now().Unix(),
	})
	return nil
}

// GetBestSubmission reads through to the client, honoring staged removals.
func (tx *Tx) GetBestSubmission(height uint64) (*BestSubmission, error) {
	for _, removed := range tx.removedBest {
		if removed == height {
			return nil, nil
		}
	}
	return tx.c.GetBestSubmission(height)
}

// BestSubmissions reads through to the client.
func (tx *Tx) BestSubmissions(from, to uint64) ([]*BestSubmission, error) {
	return tx.c.BestSubmissions(from, to)
}

// RemoveBestSubmission stages the removal of a height's best submission.
func (tx *Tx) RemoveBestSubmission(height uint64) error {
	tx.removedBest = append(tx.removedBest, height)
	return nil
}

// GetLastProcessedBlock returns the staged pointer if set, the committed
// one otherwise.
func (tx *Tx) GetLastProcessedBlock() (uint64, error) {
	if tx.lastProcessed != nil {
		return *tx.lastProcessed, nil
	}
	return tx.c.GetLastProcessedBlock()
}

// SetLastProcessedBlock stages the new processed-height pointer.
func (tx *Tx) SetLastProcessedBlock(height uint64) error {
	tx.lastProcessed = &height
	return nil
}

// Commit applies every staged write in one MULTI/EXEC pipeline.
func (tx *Tx) Commit() error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	tx.done = true

	pipe := tx.c.client.TxPipeline()

	for _, m := range tx.touched {
		tx.c.stageMiner(pipe, m)
	}
	if tx.feeTouched {
		fee, err := tx.c.FeeRecipient()
		if err != nil {
			return err
		}
		tx.c.stageFeeRecipient(pipe, fee)
	}
	for i := range tx.wonBlocks {
		tx.c.stageWonBlock(pipe, tx.wonBlocks[i])
	}
	for _, height := range tx.removedBest {
		tx.c.stageRemoveBestSubmission(pipe, height)
	}
	if tx.lastProcessed != nil {
		tx.c.stageLastProcessedBlock(pipe, *tx.lastProcessed)
	}

	if _, err := pipe.Exec(tx.c.ctx); err != nil {
		tx.evict()
		return err
	}
	return nil
}

// Rollback discards the staged writes and evicts touched state from the
// cache so in-memory mutations from this cycle are forgotten.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.done = true
	tx.evict()
}

func (tx *Tx) evict() {
	for id := range tx.touched {
		tx.c.invalidateMiner(id)
	}
	if tx.feeTouched {
		tx.c.invalidateFeeRecipient()
	}
}
