// Package idgen generates identifiers for trust-core records.
//
// Record IDs are a type prefix followed by the 32 hex digits of a UUIDv7,
// so IDs of one kind sort in creation order, which keeps keyset pagination
// ties stable.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// Prefixes for each record kind.
const (
	Escrow     = "esc_"
	Dispute    = "dsp_"
	Evidence   = "evd_"
	Ledger     = "led_"
	Alert      = "alr_"
	Assessment = "rsk_"
	MFAAttempt = "mfa_"
)

// WithPrefix returns prefix followed by a time-ordered random suffix.
func WithPrefix(prefix string) string {
	u, err := uuid.NewV7()
	if err != nil {
		u = uuid.New()
	}
	return prefix + strings.ReplaceAll(u.String(), "-", "")
}

// Hex returns a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
