package util

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// PlanckPerBurst is the number of planck in one whole coin.
const PlanckPerBurst = 100000000

// HexToBytes converts a hex string to bytes
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}

// BytesToHex converts bytes to a lowercase hex string
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// MustHexToBytes converts hex string to bytes, panics on error
func MustHexToBytes(s string) []byte {
	b, err := HexToBytes(s)
	if err != nil {
		panic(fmt.Sprintf("invalid hex string: %s", s))
	}
	return b
}

// ReverseBytes reverses a byte slice in place
func ReverseBytes(b []byte) []byte {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b
}

// ReverseBytesCopy returns a reversed copy of a byte slice
func ReverseBytesCopy(b []byte) []byte {
	result := make([]byte, len(b))
	for i, j := 0, len(b)-1; j >= 0; i, j = i+1, j-1 {
		result[i] = b[j]
	}
	return result
}

// IsValidHex checks if string is valid hexadecimal
func IsValidHex(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	_, err := hex.DecodeString(s)
	return err == nil
}

// ValidateGenerationSignature validates a generation signature (32 bytes / 64 hex chars)
func ValidateGenerationSignature(sig string) bool {
	if len(sig) != 64 {
		return false
	}
	return IsValidHex(sig)
}

// ParseAccountID parses a numeric account ID string into its unsigned 64-bit form.
// Signum tooling sometimes emits IDs as signed decimals, so negative values are
// accepted and reinterpreted as the equivalent unsigned ID.
func ParseAccountID(s string) (uint64, error) {
	if id, err := strconv.ParseUint(s, 10, 64); err == nil {
		return id, nil
	}
	signed, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid account ID %q", s)
	}
	return uint64(signed), nil
}

// FormatAccountID renders an account ID as its canonical unsigned decimal string.
func FormatAccountID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

// PlanckToCoin converts a planck amount to a whole-coin decimal string.
func PlanckToCoin(planck int64) string {
	sign := ""
	if planck < 0 {
		sign = "-"
		planck = -planck
	}
	s := fmt.Sprintf("%s%d.%08d", sign, planck/PlanckPerBurst, planck%PlanckPerBurst)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
