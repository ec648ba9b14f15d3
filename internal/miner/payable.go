package miner

import "sync"

// Payable is the capability shared by everyone the pool can owe money to:
// regular miners and the pool fee recipient.
type Payable interface {
	// ID returns the numeric account ID.
	ID() uint64
	// Pending returns the accrued unpaid balance in planck.
	Pending() int64
	// IncreasePending adds to the pending balance.
	IncreasePending(delta int64)
	// DecreasePending subtracts from the pending balance.
	DecreasePending(delta int64)
	// MinimumPayout returns the balance at which this payee qualifies for a payout.
	MinimumPayout() int64
	// TakeShare credits this payee its share of a block reward and returns
	// the amount credited.
	TakeShare(fullReward int64) int64
}

// FeeRecipient accrues the pool fee portion of each won block. It carries no
// capacity or share; its TakeShare is always zero because it is funded from
// the fee percentage during block settlement instead.
type FeeRecipient struct {
	mu            sync.Mutex
	id            uint64
	pending       int64
	minimumPayout int64
}

// NewFeeRecipient builds the fee recipient for the given account.
func NewFeeRecipient(id uint64, pending, minimumPayout int64) *FeeRecipient {
	return &FeeRecipient{id: id, pending: pending, minimumPayout: minimumPayout}
}

func (f *FeeRecipient) ID() uint64 { return f.id }

func (f *FeeRecipient) Pending() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

func (f *FeeRecipient) IncreasePending(delta int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending += delta
}

func (f *FeeRecipient) DecreasePending(delta int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending -= delta
}

func (f *FeeRecipient) MinimumPayout() int64 { return f.minimumPayout }

func (f *FeeRecipient) TakeShare(fullReward int64) int64 { return 0 }
