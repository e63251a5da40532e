package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pvoronin/watchgate/internal/capability"
	"github.com/pvoronin/watchgate/internal/event"
)

func TestResolveEnginesPrefersDeclaredURL(t *testing.T) {
	base := map[string]capability.Engine{
		"langdetect": outputEngine("langdetect", map[string]string{"lang": "en"}),
		"clarify":    outputEngine("clarify", map[string]string{"clarify_field": "x"}),
	}
	cfg := &Config{Engines: []EngineSpec{
		{Engine: "langdetect", Position: 1, Condition: ConditionAlwaysOn, Produces: []string{"lang"},
			URL: "http://engines.internal/langdetect"},
		{Engine: "clarify", Position: 2, Condition: ConditionOptional, When: "has:ambiguous_fields",
			Produces: []string{"clarify_field"}},
	}}

	engines := ResolveEngines(cfg, base)

	remote, ok := engines["langdetect"].(*capability.HTTPEngine)
	if !ok {
		t.Fatalf("url spec resolved to %T, want *capability.HTTPEngine", engines["langdetect"])
	}
	if remote.URL != "http://engines.internal/langdetect" || remote.ID() != "langdetect" {
		t.Fatalf("remote engine misconfigured: %+v", remote)
	}
	if engines["clarify"] != base["clarify"] {
		t.Fatal("url-less spec did not fall back to the base fleet")
	}
}

func TestRunTurnInvokesRemoteEngineFromConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"build":{"output":{"lang":"en"}}}`))
	}))
	defer srv.Close()

	cfg := &Config{Engines: []EngineSpec{{
		Engine:    "langdetect",
		Position:  1,
		Condition: ConditionAlwaysOn,
		Produces:  []string{"lang"},
		URL:       srv.URL,
	}}}

	// No base fleet at all: the remote engine must come from the table.
	r, _ := newTestRunner(t, cfg, nil)

	res, err := r.RunTurn(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.State != TurnComplete {
		t.Fatalf("state = %q, stages %+v", res.State, res.Stages)
	}
	if res.Outputs["lang"] != "en" {
		t.Fatalf("remote output not forwarded: %v", res.Outputs)
	}
}

func TestRemoteEngineFailureStaysFailClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "engine down", http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := &Config{Engines: []EngineSpec{{
		Engine:    "langdetect",
		Position:  1,
		Condition: ConditionAlwaysOn,
		Produces:  []string{"lang"},
		URL:       srv.URL,
	}}}
	r, store := newTestRunner(t, cfg, nil)

	res, err := r.RunTurn(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.State != TurnAborted {
		t.Fatalf("state = %q, want ABORTED", res.State)
	}

	events, _ := store.QueryByCorrelation(context.Background(), "c-abc", "")
	found := false
	for _, e := range events {
		if e.Type == event.GateFail && e.Engine == "langdetect" {
			found = true
		}
	}
	if !found {
		t.Fatal("remote failure left no GATE_FAIL in the ledger")
	}
}

func TestReloadResolvesURLEngines(t *testing.T) {
	engines := map[string]capability.Engine{
		"langdetect": outputEngine("langdetect", map[string]string{"lang": "de"}),
	}
	r, _ := newTestRunner(t, DefaultConfig(), engines)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"build":{"output":{"summary":"short"}}}`))
	}))
	defer srv.Close()

	next := &Config{Engines: []EngineSpec{{
		Engine:    "summarize",
		Position:  1,
		Condition: ConditionAlwaysOn,
		Produces:  []string{"summary"},
		URL:       srv.URL,
	}}}
	r.Reload(next, "sha256:cfg-remote")

	res, err := r.RunTurn(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.State != TurnComplete {
		t.Fatalf("state = %q, stages %+v", res.State, res.Stages)
	}
	if res.Outputs["summary"] != "short" {
		t.Fatalf("reloaded remote engine not invoked: %v", res.Outputs)
	}
}
