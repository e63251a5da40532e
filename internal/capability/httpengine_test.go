package capability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pvoronin/watchgate/internal/event"
	"github.com/pvoronin/watchgate/internal/gate"
)

func TestHTTPEngineInvoke(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")

		var env Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			t.Errorf("decode envelope: %v", err)
		}
		if env.TurnID != "turn-1" {
			t.Errorf("turn_id = %q", env.TurnID)
		}

		json.NewEncoder(w).Encode(engineResponse{
			Build: &gate.BuildResult{Output: map[string]string{"lang": env.Inputs["utterance"]}},
		})
	}))
	defer srv.Close()

	eng := &HTTPEngine{EngineID: "langdetect", URL: srv.URL, APIKey: "test-key"}
	br, err := eng.Invoke(context.Background(), Envelope{
		CorrelationID: "c-abc",
		TurnID:        "turn-1",
		Inputs:        map[string]string{"utterance": "hallo"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if br.Output["lang"] != "hallo" {
		t.Fatalf("build output = %v", br.Output)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("authorization header = %q", gotAuth)
	}
}

func TestHTTPEngineTypedFailureMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(engineResponse{
			Error:       "quota exhausted",
			FailureMode: string(event.ReasonBudgetExceeded),
		})
	}))
	defer srv.Close()

	eng := &HTTPEngine{EngineID: "searchhint", URL: srv.URL}
	_, err := eng.Invoke(context.Background(), Envelope{CorrelationID: "c", TurnID: "t"})

	var re *ReasonError
	if !errors.As(err, &re) {
		t.Fatalf("expected ReasonError, got %v", err)
	}
	if re.Reason != event.ReasonBudgetExceeded {
		t.Fatalf("reason = %q", re.Reason)
	}
}

func TestHTTPEngineUnknownFailureModeBecomesInternal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(engineResponse{Error: "weird", FailureMode: "MADE_UP_MODE"})
	}))
	defer srv.Close()

	eng := &HTTPEngine{EngineID: "searchhint", URL: srv.URL}
	_, err := eng.Invoke(context.Background(), Envelope{CorrelationID: "c", TurnID: "t"})

	var re *ReasonError
	if !errors.As(err, &re) {
		t.Fatalf("expected ReasonError, got %v", err)
	}
	if re.Reason != event.ReasonInternalError {
		t.Fatalf("reason = %q", re.Reason)
	}
}

func TestHTTPEngineOversizedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", maxEngineResponseBytes+1)))
	}))
	defer srv.Close()

	eng := &HTTPEngine{EngineID: "bloat", URL: srv.URL}
	_, err := eng.Invoke(context.Background(), Envelope{CorrelationID: "c", TurnID: "t"})

	var re *ReasonError
	if !errors.As(err, &re) || re.Reason != event.ReasonBudgetExceeded {
		t.Fatalf("oversized response: %v", err)
	}
}

func TestHTTPEngineNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	eng := &HTTPEngine{EngineID: "flaky", URL: srv.URL}
	if _, err := eng.Invoke(context.Background(), Envelope{CorrelationID: "c", TurnID: "t"}); err == nil {
		t.Fatal("non-200 response did not error")
	}
}

func TestHTTPEngineEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(engineResponse{})
	}))
	defer srv.Close()

	eng := &HTTPEngine{EngineID: "hollow", URL: srv.URL}
	if _, err := eng.Invoke(context.Background(), Envelope{CorrelationID: "c", TurnID: "t"}); err == nil {
		t.Fatal("response without build or error did not error")
	}
}
