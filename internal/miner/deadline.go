// Package miner holds the participant ledger: per-account balances,
// deadline history and capacity estimation.
package miner

import "math/big"

// Deadline is one observed deadline sample for one block.
type Deadline struct {
	Height     uint64 `json:"height"`
	Value      uint64 `json:"deadline"`
	BaseTarget uint64 `json:"baseTarget"`
}

// Hit returns the hit number this sample corresponds to, baseTarget * deadline.
// The product can exceed 64 bits.
func (d Deadline) Hit() *big.Int {
	hit := new(big.Int).SetUint64(d.BaseTarget)
	return hit.Mul(hit, new(big.Int).SetUint64(d.Value))
}
