// Package payout batches pending balances into multi-out transactions.
package payout

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"
)

// signatureOffset is where the signature slot sits in the transaction
// bytes the node hands back. The unsigned bytes carry zeroes there.
const signatureOffset = 96

// KeyFromPassphrase derives the pool's signing key from its passphrase.
func KeyFromPassphrase(passphrase string) ed25519.PrivateKey {
	seed := blake3.Sum256([]byte(passphrase))
	return ed25519.NewKeyFromSeed(seed[:])
}

// AccountIDFromPublicKey computes the numeric account ID for a public key.
func AccountIDFromPublicKey(publicKey []byte) uint64 {
	hash := blake3.Sum256(publicKey)
	return binary.LittleEndian.Uint64(hash[:8])
}

// SignTransaction signs unsigned transaction bytes and returns the bytes
// ready to broadcast.
func SignTransaction(key ed25519.PrivateKey, unsigned []byte) ([]byte, error) {
	if len(unsigned) < signatureOffset+ed25519.SignatureSize {
		return nil, fmt.Errorf("transaction too short to sign: %d bytes", len(unsigned))
	}

	signature := ed25519.Sign(key, unsigned)

	signed := append([]byte(nil), unsigned...)
	copy(signed[signatureOffset:], signature)
	return signed, nil
}
