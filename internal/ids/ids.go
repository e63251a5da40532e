// Package ids generates prefixed random identifiers for orchestration runs.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NewCorrelationID generates a correlation id with the "c" prefix.
func NewCorrelationID() string {
	return prefixedID("c", 12)
}

// NewTurnID generates a turn id with the "turn" prefix.
func NewTurnID() string {
	return prefixedID("turn", 8)
}

// prefixedID returns prefix-<hex> with n random bytes, falling back to a
// timestamp if the system RNG is unavailable.
func prefixedID(prefix string, n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return prefix + "-" + hex.EncodeToString(b)
}
