package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pvoronin/watchgate/internal/event"
	"github.com/pvoronin/watchgate/internal/gate"
)

// maxEngineResponseBytes bounds what a remote engine may send back. Anything
// larger fails the invocation before parsing.
const maxEngineResponseBytes = 1 << 20

// HTTPEngine calls a remote assist engine over a JSON POST. The wire shape
// is envelope in, build result out; the engine's internals stay opaque.
type HTTPEngine struct {
	EngineID string
	URL      string
	APIKey   string
	Client   *http.Client
}

// engineResponse is the expected JSON from a remote engine.
type engineResponse struct {
	Build       *gate.BuildResult `json:"build"`
	Error       string            `json:"error,omitempty"`
	FailureMode string            `json:"failure_mode,omitempty"`
}

// ID returns the engine identifier.
func (h *HTTPEngine) ID() string { return h.EngineID }

// Invoke posts the envelope and decodes the build result. Engine-declared
// failure modes come back typed; everything malformed is an internal error.
func (h *HTTPEngine) Invoke(ctx context.Context, env Envelope) (*gate.BuildResult, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.APIKey)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine %s: %w", h.EngineID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxEngineResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("engine %s: read response: %w", h.EngineID, err)
	}
	if len(data) > maxEngineResponseBytes {
		return nil, Failf(event.ReasonBudgetExceeded, "engine %s response exceeds %d bytes", h.EngineID, maxEngineResponseBytes)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine %s: status %d", h.EngineID, resp.StatusCode)
	}

	var er engineResponse
	if err := json.Unmarshal(data, &er); err != nil {
		return nil, fmt.Errorf("engine %s: decode response: %w", h.EngineID, err)
	}
	if er.Error != "" {
		reason := event.ReasonCode(er.FailureMode)
		if !event.IsValidReason(reason) {
			reason = event.ReasonInternalError
		}
		return nil, Failf(reason, "engine %s: %s", h.EngineID, er.Error)
	}
	if er.Build == nil {
		return nil, fmt.Errorf("engine %s: response carried no build result", h.EngineID)
	}
	return er.Build, nil
}
