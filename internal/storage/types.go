// Package storage provides Redis-backed persistence for the pool.
package storage

// BestSubmission is the stored best deadline for one block height.
type BestSubmission struct {
	Height   uint64 `json:"height"`
	MinerID  uint64 `json:"minerId"`
	Nonce    uint64 `json:"nonce"`
	Deadline uint64 `json:"deadline"`
}

// WonBlock is one entry of the append-only won-block audit log.
type WonBlock struct {
	Height      uint64 `json:"height"`
	BlockID     uint64 `json:"blockId"`
	GeneratorID uint64 `json:"generatorId"`
	Nonce       uint64 `json:"nonce"`
	FullReward  int64  `json:"fullReward"`
	Timestamp   int64  `json:"timestamp"`
}

// Payout is one entry of the append-only payout audit log.
type Payout struct {
	TransactionID   uint64           `json:"transactionId"`
	SenderPublicKey string           `json:"senderPublicKey"`
	Fee             int64            `json:"fee"`
	Deadline        int              `json:"deadline"`
	Recipients      map[string]int64 `json:"recipients"`
	Timestamp       int64            `json:"timestamp"`
}
