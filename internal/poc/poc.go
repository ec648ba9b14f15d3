// Package poc implements the proof-of-capacity deadline protocol.
package poc

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/zeebo/blake3"
)

const (
	// ScoopsPerPlot is the number of scoops in one plot
	ScoopsPerPlot = 4096

	// ScoopSize is the size of one scoop segment in bytes
	ScoopSize = 32

	// GenSigSize is the generation signature size in bytes
	GenSigSize = 32

	// GenesisBaseTarget is the base target of the genesis block
	GenesisBaseTarget = 18325193796
)

// ParseNonce parses a miner-supplied nonce string. Nonces are unsigned
// decimal integers; anything else is rejected before hashing.
func ParseNonce(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("nonce is empty")
	}
	nonce, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid nonce %q", s)
	}
	return nonce, nil
}

// CalculateScoop selects the scoop index for a block from its generation
// signature and height.
func CalculateScoop(genSig []byte, height uint64) (uint32, error) {
	if len(genSig) != GenSigSize {
		return 0, fmt.Errorf("generation signature must be %d bytes, got %d", GenSigSize, len(genSig))
	}

	hasher := blake3.New()
	hasher.Write(genSig)

	var heightBytes [8]byte
	binary.BigEndian.PutUint64(heightBytes[:], height)
	hasher.Write(heightBytes[:])

	hash := hasher.Sum(nil)
	return uint32(binary.BigEndian.Uint64(hash[24:32]) % ScoopsPerPlot), nil
}

// PlotScoop derives the scoop segment of the deterministic plot for
// (accountID, nonce, height). Only the requested segment is generated;
// the full plot never needs to exist in memory.
func PlotScoop(accountID, nonce, height uint64, scoop uint32) []byte {
	hasher := blake3.New()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], accountID)
	hasher.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], nonce)
	hasher.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], height)
	hasher.Write(buf[:])
	seed := hasher.Sum(nil)

	// Counter-based expansion selects the segment for the scoop index.
	h := blake3.New()
	h.Write(seed)
	var counter [4]byte
	binary.BigEndian.PutUint32(counter[:], scoop)
	h.Write(counter[:])

	return h.Sum(nil)[:ScoopSize]
}

// CalculateHit computes the hit number from the generation signature and
// a scoop segment. The first 8 bytes of the digest are interpreted
// byte-reversed as an unsigned 64-bit integer.
func CalculateHit(genSig, scoopData []byte) uint64 {
	hasher := blake3.New()
	hasher.Write(genSig)
	hasher.Write(scoopData)
	hash := hasher.Sum(nil)

	return binary.LittleEndian.Uint64(hash[:8])
}

// CalculateDeadline computes the deadline in seconds for one nonce of one
// account against the given round parameters. Pure and deterministic.
func CalculateDeadline(accountID, nonce uint64, genSig []byte, baseTarget, height uint64) (uint64, error) {
	if baseTarget == 0 {
		return 0, fmt.Errorf("base target must be > 0")
	}

	scoop, err := CalculateScoop(genSig, height)
	if err != nil {
		return 0, err
	}

	scoopData := PlotScoop(accountID, nonce, height, scoop)
	hit := CalculateHit(genSig, scoopData)

	return hit / baseTarget, nil
}
