package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pvoronin/watchgate/internal/capability"
	"github.com/pvoronin/watchgate/internal/event"
	"github.com/pvoronin/watchgate/internal/gate"
	"github.com/pvoronin/watchgate/internal/ledger"
)

// scriptedEngine returns a canned build or typed error per invocation.
type scriptedEngine struct {
	id    string
	build *gate.BuildResult
	err   error
}

func (s *scriptedEngine) ID() string { return s.id }

func (s *scriptedEngine) Invoke(ctx context.Context, env capability.Envelope) (*gate.BuildResult, error) {
	return s.build, s.err
}

func outputEngine(id string, output map[string]string) capability.Engine {
	return &scriptedEngine{id: id, build: &gate.BuildResult{Output: output}}
}

func failingEngine(id string, reason event.ReasonCode) capability.Engine {
	return &scriptedEngine{id: id, err: capability.Failf(reason, "scripted failure")}
}

func newTestRunner(t *testing.T, cfg *Config, engines map[string]capability.Engine) (*Runner, *ledger.Store) {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewRunner(store, engines, cfg, "sha256:cfg-test", nil), store
}

func findStage(t *testing.T, res *TurnResult, engine string) StageOutcome {
	t.Helper()
	for _, s := range res.Stages {
		if s.Engine == engine {
			return s
		}
	}
	t.Fatalf("no stage outcome for %q in %+v", engine, res.Stages)
	return StageOutcome{}
}

func baseRequest() TurnRequest {
	return TurnRequest{
		CorrelationID: "c-abc",
		TurnID:        "turn-1",
		Inputs:        map[string]string{"utterance": "hallo welt"},
	}
}

func TestRunTurnHappyPathSkipsUntriggeredOptionals(t *testing.T) {
	engines := map[string]capability.Engine{
		"langdetect": outputEngine("langdetect", map[string]string{"lang": "de"}),
	}
	r, store := newTestRunner(t, DefaultConfig(), engines)

	res, err := r.RunTurn(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.State != TurnComplete {
		t.Fatalf("state = %q, want COMPLETE", res.State)
	}
	if res.Outputs["lang"] != "de" {
		t.Fatalf("outputs = %v", res.Outputs)
	}

	for _, eng := range []string{"searchhint", "clarify", "prefetch"} {
		if s := findStage(t, res, eng); !s.Skipped {
			t.Fatalf("%s should have been skipped: %+v", eng, s)
		}
	}

	// Exactly: langdetect GATE_PASS + STATE_TRANSITION, plus the turn-end
	// bookend. Skipped optionals leave no trail.
	n, _ := store.Len(context.Background())
	if n != 3 {
		t.Fatalf("ledger has %d events, want 3", n)
	}
}

func TestRunTurnRequiredFailureAborts(t *testing.T) {
	engines := map[string]capability.Engine{
		"langdetect": failingEngine("langdetect", event.ReasonBudgetExceeded),
	}
	r, store := newTestRunner(t, DefaultConfig(), engines)

	res, err := r.RunTurn(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.State != TurnAborted {
		t.Fatalf("state = %q, want ABORTED", res.State)
	}

	s := findStage(t, res, "langdetect")
	if s.Status != gate.StatusFail || s.Reason != event.ReasonBudgetExceeded {
		t.Fatalf("langdetect outcome = %+v", s)
	}

	events, err := store.QueryByCorrelation(context.Background(), "c-abc", "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var sawFail, sawAbort bool
	for _, e := range events {
		if e.Type == event.GateFail && e.Engine == "langdetect" {
			sawFail = true
		}
		if e.Reason == event.ReasonTurnAborted {
			sawAbort = true
		}
	}
	if !sawFail || !sawAbort {
		t.Fatalf("trail incomplete: fail=%v abort=%v", sawFail, sawAbort)
	}
}

func TestRunTurnOptionalFailureDoesNotAbortAndStarvesConsumer(t *testing.T) {
	// searchhint fails; clarify is independent and passes; prefetch consumes
	// search_hint, which never materializes, so it skips without a trace.
	engines := map[string]capability.Engine{
		"langdetect": outputEngine("langdetect", map[string]string{"lang": "en"}),
		"searchhint": failingEngine("searchhint", event.ReasonBudgetExceeded),
		"clarify":    outputEngine("clarify", map[string]string{"clarify_field": "destination"}),
		"prefetch":   outputEngine("prefetch", map[string]string{"prefetch_plan": "web"}),
	}
	r, store := newTestRunner(t, DefaultConfig(), engines)

	req := baseRequest()
	req.Inputs["query"] = "weather berlin"
	req.Inputs["ambiguous_fields"] = "destination,date"

	res, err := r.RunTurn(context.Background(), req)
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.State != TurnComplete {
		t.Fatalf("state = %q, want COMPLETE despite optional failure", res.State)
	}

	if s := findStage(t, res, "searchhint"); s.Status != gate.StatusFail {
		t.Fatalf("searchhint outcome = %+v", s)
	}
	if s := findStage(t, res, "clarify"); s.Status != gate.StatusOK {
		t.Fatalf("clarify outcome = %+v", s)
	}
	if s := findStage(t, res, "prefetch"); !s.Skipped {
		t.Fatalf("prefetch should have skipped: %+v", s)
	}
	if _, ok := res.Outputs["search_hint"]; ok {
		t.Fatal("failed engine's output was forwarded")
	}
	if res.Outputs["clarify_field"] != "destination" {
		t.Fatalf("independent branch output missing: %v", res.Outputs)
	}

	events, _ := store.QueryByCorrelation(context.Background(), "c-abc", "")
	for _, e := range events {
		if e.Engine == "prefetch" {
			t.Fatalf("skipped engine left a ledger event: %+v", e)
		}
	}
}

func TestRunTurnRequiredMissingInputIsRecordedFailure(t *testing.T) {
	cfg := &Config{Engines: []EngineSpec{{
		Engine:    "summarize",
		Position:  1,
		Condition: ConditionAlwaysOn,
		Consumes:  []string{"transcript"},
		Produces:  []string{"summary"},
	}}}
	engines := map[string]capability.Engine{
		"summarize": outputEngine("summarize", map[string]string{"summary": "x"}),
	}
	r, store := newTestRunner(t, cfg, engines)

	req := baseRequest() // no transcript input
	res, err := r.RunTurn(context.Background(), req)
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.State != TurnAborted {
		t.Fatalf("state = %q, want ABORTED", res.State)
	}

	s := findStage(t, res, "summarize")
	if s.Reason != event.ReasonUpstreamMissing {
		t.Fatalf("reason = %q, want UPSTREAM_INPUT_MISSING", s.Reason)
	}

	events, _ := store.QueryByCorrelation(context.Background(), "c-abc", "")
	found := false
	for _, e := range events {
		if e.Type == event.GateFail && e.Reason == event.ReasonUpstreamMissing {
			found = true
		}
	}
	if !found {
		t.Fatal("no GATE_FAIL/UPSTREAM_INPUT_MISSING event recorded")
	}
}

func TestRunTurnRetryDedupesIntoOriginalTrail(t *testing.T) {
	engines := map[string]capability.Engine{
		"langdetect": outputEngine("langdetect", map[string]string{"lang": "de"}),
	}
	r, store := newTestRunner(t, DefaultConfig(), engines)

	req := baseRequest()
	if _, err := r.RunTurn(context.Background(), req); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first, _ := store.Len(context.Background())

	if _, err := r.RunTurn(context.Background(), req); err != nil {
		t.Fatalf("retry: %v", err)
	}
	second, _ := store.Len(context.Background())

	if second != first {
		t.Fatalf("retry grew the ledger from %d to %d events", first, second)
	}
}

func TestRunTurnRecordsFailureWithSecretShapedDiagnostics(t *testing.T) {
	// The engine's failure message trips the payload secret screen. The
	// GATE_FAIL must still land in the ledger, with the detail withheld.
	engines := map[string]capability.Engine{
		"langdetect": &scriptedEngine{
			id:  "langdetect",
			err: capability.Failf(event.ReasonInternalError, "upstream said: password: hunter2"),
		},
	}
	r, store := newTestRunner(t, DefaultConfig(), engines)

	res, err := r.RunTurn(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.State != TurnAborted {
		t.Fatalf("state = %q, want ABORTED", res.State)
	}

	events, err := store.QueryByCorrelation(context.Background(), "c-abc", "")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var fail *event.Event
	for _, e := range events {
		if e.Type == event.GateFail && e.Engine == "langdetect" {
			fail = e
		}
	}
	if fail == nil {
		t.Fatalf("no GATE_FAIL in ledger for the failed invocation; %d events total", len(events))
	}
	if strings.Contains(fail.PayloadMin["detail"], "hunter2") {
		t.Fatalf("secret material stored in payload: %q", fail.PayloadMin["detail"])
	}
}

func TestRunTurnForwardsOnlyDeclaredOutputs(t *testing.T) {
	cfg := &Config{Engines: []EngineSpec{{
		Engine:    "chatty",
		Position:  1,
		Condition: ConditionAlwaysOn,
		Produces:  []string{"lang"},
	}}}
	engines := map[string]capability.Engine{
		"chatty": outputEngine("chatty", map[string]string{
			"lang":        "en",
			"undeclared":  "leaked",
			"also_hidden": "nope",
		}),
	}
	r, _ := newTestRunner(t, cfg, engines)

	res, err := r.RunTurn(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.Outputs["lang"] != "en" {
		t.Fatalf("declared output missing: %v", res.Outputs)
	}
	if _, ok := res.Outputs["undeclared"]; ok {
		t.Fatal("undeclared output was forwarded")
	}
}

func TestRunTurnUnregisteredEngineFailsClosed(t *testing.T) {
	r, _ := newTestRunner(t, DefaultConfig(), map[string]capability.Engine{})

	res, err := r.RunTurn(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.State != TurnAborted {
		t.Fatalf("state = %q, want ABORTED", res.State)
	}
	if s := findStage(t, res, "langdetect"); s.Reason != event.ReasonInternalError {
		t.Fatalf("outcome = %+v", s)
	}
}

func TestRunTurnGeneratesMissingIDs(t *testing.T) {
	engines := map[string]capability.Engine{
		"langdetect": outputEngine("langdetect", map[string]string{"lang": "de"}),
	}
	r, _ := newTestRunner(t, DefaultConfig(), engines)

	res, err := r.RunTurn(context.Background(), TurnRequest{Inputs: map[string]string{"utterance": "hi"}})
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.CorrelationID == "" || res.TurnID == "" {
		t.Fatalf("ids not generated: %+v", res)
	}
}

func TestRunTurnStampsConfigHash(t *testing.T) {
	engines := map[string]capability.Engine{
		"langdetect": outputEngine("langdetect", map[string]string{"lang": "de"}),
	}
	r, store := newTestRunner(t, DefaultConfig(), engines)

	if _, err := r.RunTurn(context.Background(), baseRequest()); err != nil {
		t.Fatalf("run turn: %v", err)
	}

	events, _ := store.QueryByCorrelation(context.Background(), "c-abc", "")
	if len(events) == 0 {
		t.Fatal("no events recorded")
	}
	for _, e := range events {
		if e.PayloadMin["cfg"] != "sha256:cfg-test" {
			t.Fatalf("event %s missing config hash: %v", e.EventID, e.PayloadMin)
		}
	}
}

func TestReloadSwapsTable(t *testing.T) {
	engines := map[string]capability.Engine{
		"langdetect": outputEngine("langdetect", map[string]string{"lang": "de"}),
		"summarize":  outputEngine("summarize", map[string]string{"summary": "s"}),
	}
	r, _ := newTestRunner(t, DefaultConfig(), engines)

	next := &Config{Engines: []EngineSpec{{
		Engine:    "summarize",
		Position:  1,
		Condition: ConditionAlwaysOn,
		Produces:  []string{"summary"},
	}}}
	r.Reload(next, "sha256:cfg-next")

	if r.ConfigHash() != "sha256:cfg-next" {
		t.Fatalf("config hash = %q", r.ConfigHash())
	}

	res, err := r.RunTurn(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if len(res.Stages) != 1 || res.Stages[0].Engine != "summarize" {
		t.Fatalf("reloaded table not in effect: %+v", res.Stages)
	}
}
