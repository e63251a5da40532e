package gate

import (
	"fmt"
	"strings"
)

// RuleContext is the slice of turn state a hard rule may inspect. Rules see
// the inputs the engine was invoked with, never other engines' internals.
type RuleContext struct {
	Inputs map[string]string
}

// RuleFn checks one domain-specific invariant against a build result.
// A non-nil error is a hard violation and fails the gate.
type RuleFn func(br *BuildResult, rctx RuleContext) error

// Rule pairs a registry name with its check.
type Rule struct {
	Name string
	Fn   RuleFn
}

// registry holds the closed set of hard rules pipeline config may reference.
var registry = map[string]RuleFn{
	"no_reclarify":      noReclarify,
	"evidence_required": evidenceRequired,
	"anchored_rewrite":  anchoredRewrite,
}

// Resolve maps rule names from pipeline config to their implementations.
// An unknown name is a configuration error, caught at load time — never a
// silent skip at decision time.
func Resolve(names []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(names))
	for _, name := range names {
		fn, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("unknown hard rule %q", name)
		}
		rules = append(rules, Rule{Name: name, Fn: fn})
	}
	return rules, nil
}

// RuleNames returns the registry's rule names, for config validation errors.
func RuleNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// noReclarify forbids selecting the same clarify field that was already
// asked about this conversation. The orchestrator passes the prior field
// under the "last_clarify_field" input key.
func noReclarify(br *BuildResult, rctx RuleContext) error {
	prev := rctx.Inputs["last_clarify_field"]
	if prev == "" || br.Selected == nil {
		return nil
	}
	if br.Selected.ID == prev {
		return fmt.Errorf("re-selected previous clarify field %q", prev)
	}
	return nil
}

// evidenceRequired demands an evidence_ref whenever any candidate carries a
// vision or document signal tag. Those signals must be provable, not
// asserted inline.
func evidenceRequired(br *BuildResult, rctx RuleContext) error {
	for _, c := range br.Candidates {
		for _, tag := range c.Tags {
			if tag == "vision" || tag == "document" {
				if br.EvidenceRef == "" {
					return fmt.Errorf("candidate %q has %s signal but no evidence_ref", c.ID, tag)
				}
			}
		}
	}
	return nil
}

// anchoredRewrite requires a query rewrite to stay anchored to the original
// intent: at least one term of the source query must survive into the
// rewritten one.
func anchoredRewrite(br *BuildResult, rctx RuleContext) error {
	original := rctx.Inputs["query"]
	rewritten := br.Output["query"]
	if original == "" || rewritten == "" {
		return nil
	}
	lower := strings.ToLower(rewritten)
	for _, term := range strings.Fields(strings.ToLower(original)) {
		if len(term) < 3 {
			continue
		}
		if strings.Contains(lower, term) {
			return nil
		}
	}
	return fmt.Errorf("rewrite %q shares no term with original %q", rewritten, original)
}
