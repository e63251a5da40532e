package replay

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pvoronin/watchgate/internal/event"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a replay as a human-readable text timeline.
func FormatTimeline(result *Result) string {
	if len(result.Events) == 0 {
		return fmt.Sprintf("Correlation: %s | No events found.\n", result.CorrelationID)
	}

	var b strings.Builder

	first := formatDateRange(result.Summary.FirstTimestamp)
	last := formatTimeOnly(result.Summary.LastTimestamp)
	b.WriteString(fmt.Sprintf("Correlation: %s | %s–%s UTC\n", result.CorrelationID, first, last))
	b.WriteString(separator + "\n")

	for _, e := range result.Events {
		ts := formatTimeOnly(e.CreatedAt)
		turn := truncate(e.TurnID, 14)
		engine := truncate(e.Engine, 14)
		reason := truncate(string(e.Reason), 24)

		b.WriteString(fmt.Sprintf("%-10s %-14s %-18s %-14s %-24s\n",
			ts, turn, string(e.Type), engine, reason))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))

	return b.String()
}

// FormatJSON renders a replay as indented JSON.
func FormatJSON(result *Result) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay result: %w", err)
	}
	return string(data), nil
}

func formatSummary(s Summary) string {
	parts := []string{}
	if s.PassCount > 0 {
		parts = append(parts, fmt.Sprintf("%d pass", s.PassCount))
	}
	if s.FailCount > 0 {
		parts = append(parts, fmt.Sprintf("%d fail", s.FailCount))
	}
	if s.TransitionCount > 0 {
		parts = append(parts, fmt.Sprintf("%d transitions", s.TransitionCount))
	}
	if len(parts) == 0 {
		parts = append(parts, "no decisions")
	}
	return fmt.Sprintf("Summary: %s | Max severity: %s\n",
		strings.Join(parts, ", "), s.MaxSeverity)
}

func formatDateRange(ts string) string {
	t, err := time.Parse(event.TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(event.TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

// truncate shortens s to at most max bytes, cutting on a rune boundary so
// multibyte text never renders as mojibake.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
