// Package gate is the single point that may authorize forwarding an engine's
// output downstream. Every engine invocation passes through the same
// two-phase check — build, then self-check — parameterized by per-engine
// budgets and hard rules. The gate is fail-closed: any ambiguity, overflow,
// or rule violation yields FAIL, and no best-effort forwarding path exists.
// A PASS licenses data flow only; it never grants permission or commits an
// action.
package gate

import (
	"fmt"

	"github.com/pvoronin/watchgate/internal/event"
)

// Status is the gate's terminal decision for one invocation.
type Status string

const (
	StatusOK   Status = "OK"
	StatusFail Status = "FAIL"
)

// Candidate is one ranked item an engine produced during its build phase.
type Candidate struct {
	ID      string            `json:"id"`
	Score   float64           `json:"score"`
	Payload map[string]string `json:"payload,omitempty"`
	Tags    []string          `json:"tags,omitempty"`
}

// BuildResult is the build-phase output of one capability invocation: an
// ordered candidate list (highest rank first, where applicable), the
// selected item, and the key/value output to forward on PASS.
type BuildResult struct {
	Candidates  []Candidate       `json:"candidates,omitempty"`
	Selected    *Candidate        `json:"selected,omitempty"`
	Output      map[string]string `json:"output"`
	EvidenceRef string            `json:"evidence_ref,omitempty"`
}

// Budget bounds what the self-check phase will accept from a build.
type Budget struct {
	MaxCandidates  int `yaml:"max_candidates"`
	MaxOutputBytes int `yaml:"max_output_bytes"`
}

// DefaultBudget is applied when an engine declares no bounds of its own.
var DefaultBudget = Budget{MaxCandidates: 8, MaxOutputBytes: 4096}

// Decision is the gate's terminal outcome.
type Decision struct {
	Status Status
	Reason event.ReasonCode
	Detail string
}

// fail builds a FAIL decision with the given reason.
func fail(reason event.ReasonCode, format string, args ...any) Decision {
	return Decision{Status: StatusFail, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Check runs the self-check phase against a build result and reaches the
// terminal decision.
//
// Check order (must not be changed):
//  1. Build output present and well-formed
//  2. Selected item consistent with the ordered candidate list
//  3. Budgets — candidate count, output size
//  4. Engine-specific hard rules, in declared order (first violation wins)
//
// A nil build, a rule error, or a panicking rule all resolve to FAIL.
func Check(br *BuildResult, budget Budget, rules []Rule, rctx RuleContext) (d Decision) {
	// A hard rule that panics must not escape the gate: fail closed.
	defer func() {
		if r := recover(); r != nil {
			d = fail(event.ReasonInternalError, "self-check panic: %v", r)
		}
	}()

	if budget.MaxCandidates <= 0 {
		budget.MaxCandidates = DefaultBudget.MaxCandidates
	}
	if budget.MaxOutputBytes <= 0 {
		budget.MaxOutputBytes = DefaultBudget.MaxOutputBytes
	}

	// Phase check 1: build output present.
	if br == nil {
		return fail(event.ReasonValidationFailed, "no build output")
	}
	if br.Output == nil {
		return fail(event.ReasonValidationFailed, "build produced no output map")
	}

	// Phase check 2: selected/ordered consistency. When a candidate list
	// exists, a selection is mandatory, must be a member, and must be the
	// top-ranked item.
	if len(br.Candidates) > 0 {
		if br.Selected == nil {
			return fail(event.ReasonValidationFailed, "candidates present but nothing selected")
		}
		member := false
		for _, c := range br.Candidates {
			if c.ID == br.Selected.ID {
				member = true
				break
			}
		}
		if !member {
			return fail(event.ReasonValidationFailed, "selected %q not in candidate list", br.Selected.ID)
		}
		if br.Selected.ID != br.Candidates[0].ID {
			return fail(event.ReasonValidationFailed,
				"selected %q is not the top-ranked candidate %q", br.Selected.ID, br.Candidates[0].ID)
		}
		for i := 1; i < len(br.Candidates); i++ {
			if br.Candidates[i].Score > br.Candidates[i-1].Score {
				return fail(event.ReasonValidationFailed,
					"candidate list not ordered at position %d", i)
			}
		}
	} else if br.Selected != nil {
		return fail(event.ReasonValidationFailed, "selection without candidate list")
	}

	// Phase check 3: budgets.
	if len(br.Candidates) > budget.MaxCandidates {
		return fail(event.ReasonBudgetExceeded,
			"%d candidates > max %d", len(br.Candidates), budget.MaxCandidates)
	}
	if size := outputBytes(br.Output); size > budget.MaxOutputBytes {
		return fail(event.ReasonBudgetExceeded,
			"output %d bytes > max %d", size, budget.MaxOutputBytes)
	}

	// Phase check 4: engine-specific hard rules.
	for _, rule := range rules {
		if err := rule.Fn(br, rctx); err != nil {
			return fail(event.ReasonValidationFailed, "rule %s: %v", rule.Name, err)
		}
	}

	return Decision{Status: StatusOK, Reason: event.ReasonOK}
}

func outputBytes(out map[string]string) int {
	n := 0
	for k, v := range out {
		n += len(k) + len(v)
	}
	return n
}
