package miner

// Store is the slice of the persistence layer the ledger needs. It is
// implemented both by the direct storage client and by its transaction
// handle, so tracker operations run unchanged inside a block-processing
// transaction.
type Store interface {
	// GetMiner returns the miner with the given account ID, or nil if unknown.
	GetMiner(id uint64) (*Miner, error)
	// GetOrCreateMiner returns the miner, creating an empty record on first use.
	GetOrCreateMiner(id uint64) (*Miner, error)
	// Miners lists every known miner.
	Miners() ([]*Miner, error)
	// MinerCount returns the number of known miners.
	MinerCount() (int, error)
	// SaveMiner persists the miner's current state.
	SaveMiner(m *Miner) error
	// FeeRecipient returns the pool fee recipient.
	FeeRecipient() (*FeeRecipient, error)
	// SaveFeeRecipient persists the fee recipient's balance.
	SaveFeeRecipient(f *FeeRecipient) error
	// AddWonBlock appends a won-block audit record.
	AddWonBlock(height, blockID, generatorID, nonce uint64, fullReward int64) error
}
