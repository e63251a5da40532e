package pipeline

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pvoronin/watchgate/internal/capability"
	"github.com/pvoronin/watchgate/internal/event"
	"github.com/pvoronin/watchgate/internal/gate"
	"github.com/pvoronin/watchgate/internal/ids"
	"github.com/pvoronin/watchgate/internal/ledger"
)

// TurnState is the orchestrator's per-turn lifecycle.
type TurnState string

const (
	TurnPending  TurnState = "PENDING"
	TurnComplete TurnState = "COMPLETE"
	TurnAborted  TurnState = "ABORTED"
)

// orchestratorEngine names the loop itself on turn-level ledger events.
const orchestratorEngine = "orchestrator"

// TurnRequest describes one pipeline pass.
type TurnRequest struct {
	CorrelationID string            `json:"correlation_id"`
	TurnID        string            `json:"turn_id"`
	TenantID      string            `json:"tenant_id,omitempty"`
	WorkOrderID   string            `json:"work_order_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	DeviceID      string            `json:"device_id,omitempty"`
	Inputs        map[string]string `json:"inputs"`
}

// StageOutcome records what happened at one pipeline position for one engine.
type StageOutcome struct {
	Engine    string            `json:"engine"`
	Position  int               `json:"position"`
	Skipped   bool              `json:"skipped,omitempty"`
	SkipCause string            `json:"skip_cause,omitempty"`
	Status    gate.Status       `json:"status,omitempty"`
	Reason    event.ReasonCode  `json:"reason,omitempty"`
	Detail    string            `json:"detail,omitempty"`
	Output    map[string]string `json:"output,omitempty"`
}

// TurnResult is the orchestrator's view of a finished turn.
type TurnResult struct {
	CorrelationID string            `json:"correlation_id"`
	TurnID        string            `json:"turn_id"`
	State         TurnState         `json:"state"`
	Stages        []StageOutcome    `json:"stages"`
	Outputs       map[string]string `json:"outputs"`
}

// Runner drives the per-turn pipeline: adapter, then gate, then ledger, in
// declared order. It is the ledger's only writer and the only component that
// moves one engine's approved output into another engine's envelope.
type Runner struct {
	store   *ledger.Store
	adapter *capability.Adapter
	log     *zap.Logger

	mu      sync.RWMutex
	cfg     *Config
	cfgHash string
	base    map[string]capability.Engine
	engines map[string]capability.Engine
}

// NewRunner creates a runner over the given ledger, base engine fleet, and
// pipeline table. Table entries that declare a url resolve to remote HTTP
// engines; every other entry must be served by the fleet.
func NewRunner(store *ledger.Store, engines map[string]capability.Engine, cfg *Config, cfgHash string, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		store:   store,
		adapter: &capability.Adapter{},
		log:     log,
		cfg:     cfg,
		cfgHash: cfgHash,
		base:    engines,
		engines: ResolveEngines(cfg, engines),
	}
}

// Reload atomically swaps the pipeline table and re-resolves the engine set
// against it. Called by the config hot-reloader; in-flight turns keep the
// table and engines they started with.
func (r *Runner) Reload(cfg *Config, cfgHash string) {
	r.mu.Lock()
	r.cfg = cfg
	r.cfgHash = cfgHash
	r.engines = ResolveEngines(cfg, r.base)
	r.mu.Unlock()
}

// ConfigHash returns the hash of the active pipeline table.
func (r *Runner) ConfigHash() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfgHash
}

// stageResult carries one engine's outcome out of its goroutine.
type stageResult struct {
	outcome  StageOutcome
	produced map[string]string
	aborted  bool // required-path failure
}

// RunTurn executes one full pipeline pass. Stages run in ascending declared
// position; engines sharing a position run concurrently, and their ledger
// writes land before any later position consumes their output. Missing ids
// are generated so ad-hoc callers always get a replayable trail.
func (r *Runner) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.CorrelationID == "" {
		req.CorrelationID = ids.NewCorrelationID()
	}
	if req.TurnID == "" {
		req.TurnID = ids.NewTurnID()
	}

	r.mu.RLock()
	cfg := r.cfg
	cfgHash := r.cfgHash
	engines := r.engines
	r.mu.RUnlock()

	state := make(map[string]string, len(req.Inputs))
	for k, v := range req.Inputs {
		state[k] = v
	}

	result := &TurnResult{
		CorrelationID: req.CorrelationID,
		TurnID:        req.TurnID,
		State:         TurnPending,
		Outputs:       map[string]string{},
	}

	requiredAborted := false
	for _, group := range groupByPosition(cfg.Engines) {
		results := make([]stageResult, len(group))

		var wg sync.WaitGroup
		for i, spec := range group {
			outcome, run := r.planStage(spec, state)
			if !run {
				results[i] = stageResult{outcome: outcome}
				continue
			}
			wg.Add(1)
			go func(i int, spec EngineSpec) {
				defer wg.Done()
				results[i] = r.runStage(ctx, req, spec, state, engines, cfgHash)
			}(i, spec)
		}
		wg.Wait()

		// Merge in declaration order so identical ledgers always yield
		// identical downstream state.
		for _, sr := range results {
			result.Stages = append(result.Stages, sr.outcome)
			if sr.aborted {
				requiredAborted = true
			}
			for k, v := range sr.produced {
				state[k] = v
				result.Outputs[k] = v
			}
		}
	}

	if requiredAborted {
		result.State = TurnAborted
	} else {
		result.State = TurnComplete
	}

	if err := r.recordTurnEnd(ctx, req, result.State, cfgHash); err != nil {
		r.log.Error("turn terminal event not recorded",
			zap.String("correlation_id", req.CorrelationID),
			zap.String("turn_id", req.TurnID),
			zap.Error(err))
	}

	r.log.Info("turn finished",
		zap.String("correlation_id", req.CorrelationID),
		zap.String("turn_id", req.TurnID),
		zap.String("state", string(result.State)))

	return result, nil
}

// planStage decides skip-vs-run without touching the ledger. Skips produce
// no ledger event.
func (r *Runner) planStage(spec EngineSpec, state map[string]string) (StageOutcome, bool) {
	outcome := StageOutcome{Engine: spec.Engine, Position: spec.Position}

	if spec.Condition == ConditionOptional {
		if !EvalPredicate(spec.When, state) {
			outcome.Skipped = true
			outcome.SkipCause = "condition false"
			return outcome, false
		}
		if missing := missingKeys(spec.Consumes, state); len(missing) > 0 {
			// Upstream failed or was skipped; this branch quietly ends.
			outcome.Skipped = true
			outcome.SkipCause = "upstream output missing: " + strings.Join(missing, ",")
			return outcome, false
		}
	}
	return outcome, true
}

// runStage invokes one engine, gates the result, and writes the decision.
func (r *Runner) runStage(ctx context.Context, req TurnRequest, spec EngineSpec, state map[string]string, engines map[string]capability.Engine, cfgHash string) stageResult {
	outcome := StageOutcome{Engine: spec.Engine, Position: spec.Position}

	// A required engine with missing upstream input is a gate failure,
	// not a silent skip: the required path must leave a trail.
	if missing := missingKeys(spec.Consumes, state); len(missing) > 0 {
		decision := gate.Decision{
			Status: gate.StatusFail,
			Reason: event.ReasonUpstreamMissing,
			Detail: "missing upstream input: " + strings.Join(missing, ","),
		}
		return r.finishFail(ctx, req, spec, outcome, decision, cfgHash)
	}

	eng, ok := engines[spec.Engine]
	if !ok {
		decision := gate.Decision{
			Status: gate.StatusFail,
			Reason: event.ReasonInternalError,
			Detail: "no engine registered for " + spec.Engine,
		}
		return r.finishFail(ctx, req, spec, outcome, decision, cfgHash)
	}

	env := capability.Envelope{
		CorrelationID: req.CorrelationID,
		TurnID:        req.TurnID,
		Inputs:        state,
	}
	res := r.adapter.Invoke(ctx, eng, env)
	if res.Status != gate.StatusOK {
		decision := gate.Decision{Status: res.Status, Reason: res.Reason, Detail: res.Diagnostics}
		return r.finishFail(ctx, req, spec, outcome, decision, cfgHash)
	}

	rules, err := gate.Resolve(spec.Rules)
	if err != nil {
		// Unreachable with a validated table; fail closed regardless.
		decision := gate.Decision{Status: gate.StatusFail, Reason: event.ReasonInternalError, Detail: err.Error()}
		return r.finishFail(ctx, req, spec, outcome, decision, cfgHash)
	}

	decision := gate.Check(res.Build, spec.Budget, rules, gate.RuleContext{Inputs: state})
	if decision.Status != gate.StatusOK {
		return r.finishFail(ctx, req, spec, outcome, decision, cfgHash)
	}

	// PASS: record before forwarding. If the ledger write fails, nothing
	// is forwarded — the record is the license.
	produced := declaredOutputs(spec, res.Build.Output)
	pass := r.stageEvent(req, spec, event.GatePass, event.ReasonOK, event.SeverityInfo, cfgHash, map[string]string{
		"decision": string(gate.StatusOK),
	})
	pass.EvidenceRef = res.Build.EvidenceRef
	if _, err := r.store.Append(ctx, pass); err != nil {
		decision := gate.Decision{Status: gate.StatusFail, Reason: event.ReasonInternalError, Detail: "ledger append: " + err.Error()}
		outcome.Status = decision.Status
		outcome.Reason = decision.Reason
		outcome.Detail = decision.Detail
		r.log.Error("gate pass not recorded, branch aborted",
			zap.String("engine", spec.Engine), zap.Error(err))
		return stageResult{outcome: outcome, aborted: spec.Required()}
	}

	transition := r.stageEvent(req, spec, event.StateTransition, event.ReasonOutputForwarded, event.SeverityInfo, cfgHash, map[string]string{
		"forwarded": strings.Join(sortedKeys(produced), ","),
	})
	if _, err := r.store.Append(ctx, transition); err != nil {
		r.log.Error("state transition not recorded",
			zap.String("engine", spec.Engine), zap.Error(err))
	}

	outcome.Status = gate.StatusOK
	outcome.Reason = event.ReasonOK
	outcome.Output = produced
	return stageResult{outcome: outcome, produced: produced}
}

// finishFail records GATE_FAIL and marks the branch aborted when the engine
// was on the required path. The failed engine's output never leaves the gate.
func (r *Runner) finishFail(ctx context.Context, req TurnRequest, spec EngineSpec, outcome StageOutcome, decision gate.Decision, cfgHash string) stageResult {
	outcome.Status = decision.Status
	outcome.Reason = decision.Reason
	outcome.Detail = decision.Detail

	ev := r.stageEvent(req, spec, event.GateFail, decision.Reason, failSeverity(decision.Reason), cfgHash, map[string]string{
		"decision": string(gate.StatusFail),
		"detail":   event.ScrubValue(decision.Detail),
	})
	if _, err := r.store.Append(ctx, ev); err != nil {
		r.log.Error("gate fail not recorded",
			zap.String("engine", spec.Engine), zap.Error(err))
	}

	r.log.Warn("gate fail",
		zap.String("correlation_id", req.CorrelationID),
		zap.String("turn_id", req.TurnID),
		zap.String("engine", spec.Engine),
		zap.String("reason", string(decision.Reason)))

	return stageResult{outcome: outcome, aborted: spec.Required()}
}

// stageEvent assembles a ledger event for one engine decision. The
// idempotency key is deterministic over (turn, engine, type) so a retried
// turn dedupes into the original trail instead of double-writing.
func (r *Runner) stageEvent(req TurnRequest, spec EngineSpec, t event.EventType, reason event.ReasonCode, sev event.Severity, cfgHash string, payload map[string]string) *event.Event {
	if payload == nil {
		payload = map[string]string{}
	}
	payload["cfg"] = cfgHash
	payload["position"] = strconv.Itoa(spec.Position)
	return &event.Event{
		TenantID:       req.TenantID,
		WorkOrderID:    req.WorkOrderID,
		SessionID:      req.SessionID,
		UserID:         req.UserID,
		DeviceID:       req.DeviceID,
		Engine:         spec.Engine,
		Type:           t,
		Reason:         reason,
		Severity:       sev,
		CorrelationID:  req.CorrelationID,
		TurnID:         req.TurnID,
		PayloadMin:     payload,
		IdempotencyKey: strings.Join([]string{req.TurnID, spec.Engine, string(t)}, "/"),
	}
}

// recordTurnEnd writes the turn's terminal STATE_TRANSITION bookend.
func (r *Runner) recordTurnEnd(ctx context.Context, req TurnRequest, state TurnState, cfgHash string) error {
	reason := event.ReasonTurnComplete
	sev := event.SeverityInfo
	if state == TurnAborted {
		reason = event.ReasonTurnAborted
		sev = event.SeverityError
	}
	ev := &event.Event{
		TenantID:       req.TenantID,
		WorkOrderID:    req.WorkOrderID,
		SessionID:      req.SessionID,
		UserID:         req.UserID,
		DeviceID:       req.DeviceID,
		Engine:         orchestratorEngine,
		Type:           event.StateTransition,
		Reason:         reason,
		Severity:       sev,
		CorrelationID:  req.CorrelationID,
		TurnID:         req.TurnID,
		PayloadMin:     map[string]string{"state": string(state), "cfg": cfgHash},
		IdempotencyKey: strings.Join([]string{req.TurnID, orchestratorEngine, "end"}, "/"),
	}
	_, err := r.store.Append(ctx, ev)
	return err
}

// declaredOutputs keeps only the keys the engine declared it produces. The
// orchestrator forwards nothing an engine did not declare.
func declaredOutputs(spec EngineSpec, output map[string]string) map[string]string {
	produced := map[string]string{}
	for _, key := range spec.Produces {
		if v, ok := output[key]; ok {
			produced[key] = v
		}
	}
	return produced
}

func failSeverity(reason event.ReasonCode) event.Severity {
	if reason == event.ReasonInternalError {
		return event.SeverityError
	}
	return event.SeverityWarn
}

func missingKeys(keys []string, state map[string]string) []string {
	var missing []string
	for _, k := range keys {
		if state[k] == "" {
			missing = append(missing, k)
		}
	}
	return missing
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// groupByPosition buckets specs by ascending position, preserving
// declaration order within a bucket.
func groupByPosition(specs []EngineSpec) [][]EngineSpec {
	byPos := map[int][]EngineSpec{}
	var positions []int
	for _, s := range specs {
		if _, ok := byPos[s.Position]; !ok {
			positions = append(positions, s.Position)
		}
		byPos[s.Position] = append(byPos[s.Position], s)
	}
	sort.Ints(positions)

	groups := make([][]EngineSpec, 0, len(positions))
	for _, p := range positions {
		groups = append(groups, byPos[p])
	}
	return groups
}

// RegisteredEngines returns the ids of engines the runner can invoke.
func (r *Runner) RegisteredEngines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String renders the turn state for logs.
func (s TurnState) String() string { return string(s) }
