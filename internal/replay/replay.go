// Package replay reconstructs gate decisions strictly from ledger contents.
// It holds a read-only, non-owning view: identical ledgers always produce
// identical replays, and nothing here can write.
package replay

import (
	"context"
	"time"

	"github.com/pvoronin/watchgate/internal/event"
	"github.com/pvoronin/watchgate/internal/ledger"
)

// Filter holds the criteria for one replay.
type Filter struct {
	CorrelationID string
	TurnID        string    // empty = all turns in the correlation
	From          time.Time // zero value = no lower bound
	To            time.Time // zero value = no upper bound
}

// Summary holds decision counts and metadata for a replayed run.
type Summary struct {
	Total           int            `json:"total"`
	PassCount       int            `json:"pass_count"`
	FailCount       int            `json:"fail_count"`
	TransitionCount int            `json:"transition_count"`
	ByReason        map[string]int `json:"by_reason,omitempty"`
	Engines         []string       `json:"engines,omitempty"`
	FirstTimestamp  string         `json:"first_timestamp,omitempty"`
	LastTimestamp   string         `json:"last_timestamp,omitempty"`
	MaxSeverity     event.Severity `json:"max_severity,omitempty"`
}

// Result holds filtered events and summary for one replay.
type Result struct {
	CorrelationID string         `json:"correlation_id"`
	TurnID        string         `json:"turn_id,omitempty"`
	Events        []*event.Event `json:"events"`
	Summary       Summary        `json:"summary"`
}

// Read replays one correlation (optionally narrowed to a turn) from the
// store. The event order is the store's deterministic replay order.
func Read(ctx context.Context, store *ledger.Store, f Filter) (*Result, error) {
	events, err := store.QueryByCorrelation(ctx, f.CorrelationID, f.TurnID)
	if err != nil {
		return nil, err
	}

	result := &Result{
		CorrelationID: f.CorrelationID,
		TurnID:        f.TurnID,
		Summary:       Summary{ByReason: map[string]int{}},
	}

	for _, e := range events {
		if !f.From.IsZero() || !f.To.IsZero() {
			ts, err := time.Parse(event.TimestampFormat, e.CreatedAt)
			if err != nil {
				continue // unparseable timestamps never match a bound
			}
			if !f.From.IsZero() && ts.Before(f.From) {
				continue
			}
			if !f.To.IsZero() && ts.After(f.To) {
				continue
			}
		}
		result.Events = append(result.Events, e)
		updateSummary(&result.Summary, e)
	}

	return result, nil
}

func updateSummary(s *Summary, e *event.Event) {
	s.Total++

	switch e.Type {
	case event.GatePass:
		s.PassCount++
	case event.GateFail:
		s.FailCount++
	case event.StateTransition:
		s.TransitionCount++
	}

	s.ByReason[string(e.Reason)]++

	if !containsString(s.Engines, e.Engine) {
		s.Engines = append(s.Engines, e.Engine)
	}

	if event.SeverityRank[e.Severity] >= event.SeverityRank[s.MaxSeverity] {
		s.MaxSeverity = e.Severity
	}

	if s.FirstTimestamp == "" {
		s.FirstTimestamp = e.CreatedAt
	}
	s.LastTimestamp = e.CreatedAt
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
