// Package event defines the audit event model — the immutable record of one
// gate decision. Events are the only thing the ledger stores, and every field
// that matters for replay is a closed enumeration, never free text.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// TimestampFormat is the layout used in event timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// EventType classifies what the event records.
type EventType string

const (
	GatePass         EventType = "GATE_PASS"
	GateFail         EventType = "GATE_FAIL"
	StateTransition  EventType = "STATE_TRANSITION"
	ToolFail         EventType = "TOOL_FAIL"
	RedactionApplied EventType = "REDACTION_APPLIED"
)

// validTypes is the set of recognized event types.
var validTypes = map[EventType]bool{
	GatePass:         true,
	GateFail:         true,
	StateTransition:  true,
	ToolFail:         true,
	RedactionApplied: true,
}

// IsValidType returns true if t is a recognized event type.
func IsValidType(t EventType) bool {
	return validTypes[t]
}

// Severity indicates how serious the recorded outcome is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// SeverityRank maps severity to a comparable integer for replay summaries.
var SeverityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarn:     1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// IsValidSeverity returns true if s is a recognized severity level.
func IsValidSeverity(s Severity) bool {
	_, ok := SeverityRank[s]
	return ok
}

// ReasonCode is the enumerated cause attached to every event.
type ReasonCode string

const (
	ReasonOK                  ReasonCode = "OK"
	ReasonInputSchemaInvalid  ReasonCode = "INPUT_SCHEMA_INVALID"
	ReasonUpstreamMissing     ReasonCode = "UPSTREAM_INPUT_MISSING"
	ReasonBudgetExceeded      ReasonCode = "BUDGET_EXCEEDED"
	ReasonInternalError       ReasonCode = "INTERNAL_PIPELINE_ERROR"
	ReasonValidationFailed    ReasonCode = "VALIDATION_FAILED"
	ReasonAppendOnlyViolation ReasonCode = "APPEND_ONLY_VIOLATION"
	ReasonDedupeConflict      ReasonCode = "DEDUPE_CONFLICT"
	ReasonTurnComplete        ReasonCode = "TURN_COMPLETE"
	ReasonTurnAborted         ReasonCode = "TURN_ABORTED"
	ReasonOutputForwarded     ReasonCode = "OUTPUT_FORWARDED"
)

// validReasons is the set of recognized reason codes.
var validReasons = map[ReasonCode]bool{
	ReasonOK:                  true,
	ReasonInputSchemaInvalid:  true,
	ReasonUpstreamMissing:     true,
	ReasonBudgetExceeded:      true,
	ReasonInternalError:       true,
	ReasonValidationFailed:    true,
	ReasonAppendOnlyViolation: true,
	ReasonDedupeConflict:      true,
	ReasonTurnComplete:        true,
	ReasonTurnAborted:         true,
	ReasonOutputForwarded:     true,
}

// IsValidReason returns true if r is a recognized reason code.
func IsValidReason(r ReasonCode) bool {
	return validReasons[r]
}

// GenesisHash is the prev_hash for the first event in a new ledger.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// Event is one immutable entry in the ledger. All serialized fields are
// either scalars or a string map (json.Marshal sorts map keys), so the
// canonical bytes are deterministic and safe to hash-chain.
type Event struct {
	EventID        string            `json:"event_id"`
	CreatedAt      string            `json:"created_at"`
	TenantID       string            `json:"tenant_id,omitempty"`
	WorkOrderID    string            `json:"work_order_id,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	DeviceID       string            `json:"device_id,omitempty"`
	Engine         string            `json:"engine"`
	Type           EventType         `json:"event_type"`
	Reason         ReasonCode        `json:"reason_code"`
	Severity       Severity          `json:"severity"`
	CorrelationID  string            `json:"correlation_id"`
	TurnID         string            `json:"turn_id"`
	PayloadMin     map[string]string `json:"payload_min"`
	EvidenceRef    string            `json:"evidence_ref,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	PrevHash       string            `json:"prev_hash"`
}

// Stamp sets CreatedAt to now (UTC) if unset.
func (e *Event) Stamp() {
	if e.CreatedAt == "" {
		e.CreatedAt = time.Now().UTC().Format(TimestampFormat)
	}
}

// CanonicalJSON returns the deterministic serialized form used for hashing.
func (e *Event) CanonicalJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

// Hash returns "sha256:<hex>" of the given bytes.
func Hash(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}
