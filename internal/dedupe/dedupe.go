// Package dedupe selects the uniqueness rule for a ledger write. Exactly one
// rule applies per write: the tenant/work-order scoped key when both scope
// fields are present, otherwise the legacy correlation-scoped key. The two
// key spaces are disjoint and never cross-checked.
package dedupe

import (
	"strings"

	"github.com/pvoronin/watchgate/internal/event"
)

// sep keeps key components from colliding on concatenation.
const sep = "\x1f"

// Rule identifies which uniqueness space a write falls into.
type Rule string

const (
	// RuleScoped is (tenant_id, work_order_id, idempotency_key).
	RuleScoped Rule = "scoped"
	// RuleLegacy is (correlation_id, idempotency_key).
	RuleLegacy Rule = "legacy"
	// RuleNone means no idempotency key was supplied; the write always
	// proceeds as new.
	RuleNone Rule = "none"
)

// ScopeKey returns the dedupe key and the rule that produced it.
// An empty key (RuleNone) means no dedupe check applies.
func ScopeKey(e *event.Event) (string, Rule) {
	if e.IdempotencyKey == "" {
		return "", RuleNone
	}
	if e.TenantID != "" && e.WorkOrderID != "" {
		return strings.Join([]string{"t", e.TenantID, e.WorkOrderID, e.IdempotencyKey}, sep), RuleScoped
	}
	return strings.Join([]string{"c", e.CorrelationID, e.IdempotencyKey}, sep), RuleLegacy
}
