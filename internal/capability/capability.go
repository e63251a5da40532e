// Package capability wraps external assist engines behind one uniform
// contract. The adapter treats every engine as an opaque, side-effect-free
// function: it never retries on the engine's behalf, never mutates the
// request, and holds no authority of its own. Whatever the engine computes,
// only the gate decides whether the result moves downstream.
package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pvoronin/watchgate/internal/event"
	"github.com/pvoronin/watchgate/internal/gate"
)

// Envelope is the bounded request handed to an engine. Every envelope must
// carry the orchestration identifiers; content travels in Inputs.
type Envelope struct {
	CorrelationID string            `json:"correlation_id"`
	TurnID        string            `json:"turn_id"`
	Inputs        map[string]string `json:"inputs"`
}

// Result is the uniform outcome of one capability invocation.
type Result struct {
	Build       *gate.BuildResult
	Status      gate.Status
	Reason      event.ReasonCode
	Diagnostics string
}

// Engine is an opaque capability. Implementations compute a build result
// from the envelope and nothing else; the adapter and gate own everything
// around the call.
type Engine interface {
	ID() string
	Invoke(ctx context.Context, env Envelope) (*gate.BuildResult, error)
}

// ReasonError carries a typed failure mode out of an engine. Engines that
// can classify their own failures wrap them so the ledger records the
// specific reason instead of a generic internal error.
type ReasonError struct {
	Reason event.ReasonCode
	Err    error
}

func (e *ReasonError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *ReasonError) Unwrap() error { return e.Err }

// Failf builds a ReasonError with a formatted cause.
func Failf(reason event.ReasonCode, format string, args ...any) error {
	return &ReasonError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// Adapter invokes engines under a bounded time budget.
type Adapter struct {
	// Timeout bounds one engine call. Overrun is a BUDGET_EXCEEDED
	// failure, handled like any other validation failure.
	Timeout time.Duration
}

// DefaultTimeout bounds an engine call when the adapter declares none.
const DefaultTimeout = 5 * time.Second

// Invoke calls one engine with the envelope and classifies the outcome.
// Schema problems are rejected without invoking the engine at all.
func (a *Adapter) Invoke(ctx context.Context, eng Engine, env Envelope) Result {
	if env.CorrelationID == "" || env.TurnID == "" {
		return Result{
			Status:      gate.StatusFail,
			Reason:      event.ReasonInputSchemaInvalid,
			Diagnostics: "envelope missing correlation_id or turn_id",
		}
	}

	timeout := a.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Engines get a copy: the adapter must not let a misbehaving engine
	// mutate the orchestrator's view of the request.
	call := env
	call.Inputs = copyInputs(env.Inputs)

	br, err := eng.Invoke(ctx, call)
	if err != nil {
		return classifyError(ctx, err)
	}
	if br == nil {
		return Result{
			Status:      gate.StatusFail,
			Reason:      event.ReasonInternalError,
			Diagnostics: "engine returned no build result and no error",
		}
	}
	return Result{Build: br, Status: gate.StatusOK, Reason: event.ReasonOK}
}

func classifyError(ctx context.Context, err error) Result {
	var re *ReasonError
	switch {
	case errors.As(err, &re):
		return Result{Status: gate.StatusFail, Reason: re.Reason, Diagnostics: re.Error()}
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Result{Status: gate.StatusFail, Reason: event.ReasonBudgetExceeded, Diagnostics: "engine call exceeded time budget"}
	case errors.Is(err, context.Canceled):
		return Result{Status: gate.StatusFail, Reason: event.ReasonInternalError, Diagnostics: "engine call canceled"}
	default:
		return Result{Status: gate.StatusFail, Reason: event.ReasonInternalError, Diagnostics: err.Error()}
	}
}

func copyInputs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
