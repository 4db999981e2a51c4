// Package idhash derives deterministic record identifiers.
package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputePaymentEventID computes a deterministic event_id using SHA256.
// Formula: SHA256(signature|outcome|attempt)
// Returns hex-encoded hash (64 characters).
func ComputePaymentEventID(signature, outcome string, attempt int) string {
	data := fmt.Sprintf("%s|%s|%d", signature, outcome, attempt)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
