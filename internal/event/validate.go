package event

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrInvalidEvent marks a write rejected before it reached storage.
var ErrInvalidEvent = errors.New("invalid event")

// Payload bounds. A payload_min attachment is a small, allow-listed key/value
// map — never raw content, never provider internals.
const (
	MaxPayloadKeys     = 16
	MaxPayloadKeyLen   = 64
	MaxPayloadValueLen = 256
	MaxPayloadBytes    = 2048
)

// payloadKeyPattern is the shape of an allowed payload key: short
// snake_case identifiers only.
var payloadKeyPattern = regexp.MustCompile(`^[a-z][a-z0-9_.]*$`)

// secretPatterns flag payload values that look like raw secret material.
// A match fails the write; nothing is redacted after the fact.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)\b(api[_-]?key|secret|password|bearer)\b\s*[:=]`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{20,}\b`), // JWT-shaped
}

// rawContentPrefixes flag payload values that smuggle content references
// instead of using evidence_ref.
var rawContentPrefixes = []string{"audio:", "data:", "file://"}

// Validate checks every invariant a write must satisfy before the dedupe
// index is even consulted. The zero-tolerance fields are engine, event_type,
// reason_code, severity, correlation_id, turn_id, and payload_min.
func (e *Event) Validate() error {
	if e.Engine == "" {
		return fmt.Errorf("%w: engine is required", ErrInvalidEvent)
	}
	if e.Type == "" {
		return fmt.Errorf("%w: event_type is required", ErrInvalidEvent)
	}
	if !IsValidType(e.Type) {
		return fmt.Errorf("%w: unknown event_type %q", ErrInvalidEvent, e.Type)
	}
	if e.Reason == "" {
		return fmt.Errorf("%w: reason_code is required", ErrInvalidEvent)
	}
	if !IsValidReason(e.Reason) {
		return fmt.Errorf("%w: unknown reason_code %q", ErrInvalidEvent, e.Reason)
	}
	if e.Severity == "" {
		return fmt.Errorf("%w: severity is required", ErrInvalidEvent)
	}
	if !IsValidSeverity(e.Severity) {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidEvent, e.Severity)
	}
	if e.CorrelationID == "" {
		return fmt.Errorf("%w: correlation_id is required", ErrInvalidEvent)
	}
	if e.TurnID == "" {
		return fmt.Errorf("%w: turn_id is required", ErrInvalidEvent)
	}
	if e.PayloadMin == nil {
		return fmt.Errorf("%w: payload_min is required (may be empty, not nil)", ErrInvalidEvent)
	}
	return validatePayload(e.PayloadMin)
}

// ScrubValue makes free-form diagnostic text safe to store in payload_min:
// anything that trips the secret or raw-content screens is withheld, and
// oversized text is truncated on a rune boundary. Ledger writers use it for
// diagnostics they did not author, so a hostile message can never make the
// store reject its own decision record.
func ScrubValue(s string) string {
	for _, pat := range secretPatterns {
		if pat.MatchString(s) {
			return "[detail withheld: unsafe content]"
		}
	}
	for _, prefix := range rawContentPrefixes {
		if strings.HasPrefix(s, prefix) {
			return "[detail withheld: unsafe content]"
		}
	}
	if len(s) > MaxPayloadValueLen {
		cut := MaxPayloadValueLen - 3
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}

func validatePayload(p map[string]string) error {
	if len(p) > MaxPayloadKeys {
		return fmt.Errorf("%w: payload_min has %d keys, max %d", ErrInvalidEvent, len(p), MaxPayloadKeys)
	}

	total := 0
	for k, v := range p {
		if len(k) == 0 || len(k) > MaxPayloadKeyLen {
			return fmt.Errorf("%w: payload_min key %q exceeds %d bytes", ErrInvalidEvent, k, MaxPayloadKeyLen)
		}
		if !payloadKeyPattern.MatchString(k) {
			return fmt.Errorf("%w: payload_min key %q is not allow-listed shape", ErrInvalidEvent, k)
		}
		if len(v) > MaxPayloadValueLen {
			return fmt.Errorf("%w: payload_min value for %q exceeds %d bytes", ErrInvalidEvent, k, MaxPayloadValueLen)
		}
		for _, pat := range secretPatterns {
			if pat.MatchString(v) {
				return fmt.Errorf("%w: payload_min value for %q looks like secret material", ErrInvalidEvent, k)
			}
		}
		for _, prefix := range rawContentPrefixes {
			if strings.HasPrefix(v, prefix) {
				return fmt.Errorf("%w: payload_min value for %q carries raw content (use evidence_ref)", ErrInvalidEvent, k)
			}
		}
		total += len(k) + len(v)
	}

	if total > MaxPayloadBytes {
		return fmt.Errorf("%w: payload_min totals %d bytes, max %d", ErrInvalidEvent, total, MaxPayloadBytes)
	}
	return nil
}
