// Package pool coordinates mining rounds: submission arbitration, round
// resets on new blocks, and the periodic block-processing cycle.
package pool

import (
	"time"
)

// Submission is one accepted nonce submission.
type Submission struct {
	MinerID   uint64
	Nonce     uint64
	Deadline  uint64
	Height    uint64
	UserAgent string
}

// Round is an immutable snapshot of the active round. A new value is
// swapped in whole whenever the best submission or the round itself
// changes, so readers never see a torn combination of fields.
type Round struct {
	Height              uint64
	GenerationSignature string
	BaseTarget          uint64
	StartTime           time.Time
	Best                *Submission

	genSig []byte
}

// GenSigBytes returns the decoded generation signature.
func (r *Round) GenSigBytes() []byte {
	return r.genSig
}

// withBest returns a copy of the round carrying a new best submission.
func (r *Round) withBest(best *Submission) *Round {
	next := *r
	next.Best = best
	return &next
}

// RoundStatus is the JSON shape served by the status endpoint.
type RoundStatus struct {
	RoundStart   int64               `json:"roundStart"`
	MiningInfo   *MiningInfoStatus   `json:"miningInfo,omitempty"`
	BestDeadline *BestDeadlineStatus `json:"bestDeadline,omitempty"`
}

// MiningInfoStatus mirrors the upstream mining info plus the pool's
// target deadline.
type MiningInfoStatus struct {
	GenerationSignature string `json:"generationSignature"`
	BaseTarget          uint64 `json:"baseTarget"`
	Height              uint64 `json:"height"`
	TargetDeadline      uint64 `json:"targetDeadline,omitempty"`
}

// BestDeadlineStatus describes the round's best submission so far.
type BestDeadlineStatus struct {
	MinerID      uint64 `json:"minerId"`
	MinerAddress string `json:"minerAddress"`
	Nonce        uint64 `json:"nonce"`
	Deadline     uint64 `json:"deadline"`
}
