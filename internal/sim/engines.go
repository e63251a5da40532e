// Package sim provides deterministic, in-process assist engines for demos
// and pipeline tests. Their content logic is intentionally simple — the core
// treats them as opaque, exactly like a real engine fleet.
package sim

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pvoronin/watchgate/internal/capability"
	"github.com/pvoronin/watchgate/internal/event"
	"github.com/pvoronin/watchgate/internal/gate"
)

// Func is an engine body as a plain function.
type Func func(ctx context.Context, env capability.Envelope) (*gate.BuildResult, error)

// Engine wraps a Func as a capability.Engine.
type Engine struct {
	EngineID string
	Fn       Func
}

// ID returns the engine identifier.
func (e *Engine) ID() string { return e.EngineID }

// Invoke runs the scripted body.
func (e *Engine) Invoke(ctx context.Context, env capability.Envelope) (*gate.BuildResult, error) {
	return e.Fn(ctx, env)
}

// Engines returns the built-in demo fleet keyed by engine id, matching the
// default pipeline table.
func Engines() map[string]capability.Engine {
	return map[string]capability.Engine{
		"langdetect": &Engine{EngineID: "langdetect", Fn: LangDetect},
		"searchhint": &Engine{EngineID: "searchhint", Fn: SearchHint},
		"clarify":    &Engine{EngineID: "clarify", Fn: Clarify},
		"prefetch":   &Engine{EngineID: "prefetch", Fn: Prefetch},
	}
}

// langMarkers maps telltale tokens to a language guess.
var langMarkers = map[string]string{
	"der": "de", "und": "de", "nicht": "de",
	"le": "fr", "les": "fr", "bonjour": "fr",
	"el": "es", "los": "es", "hola": "es",
}

// LangDetect guesses the utterance language from marker tokens, defaulting
// to English. Candidates are ranked by marker hits.
func LangDetect(ctx context.Context, env capability.Envelope) (*gate.BuildResult, error) {
	utterance := env.Inputs["utterance"]
	if utterance == "" {
		return nil, capability.Failf(event.ReasonUpstreamMissing, "no utterance to detect")
	}

	hits := map[string]int{"en": 1}
	for _, tok := range strings.Fields(strings.ToLower(utterance)) {
		if lang, ok := langMarkers[tok]; ok {
			hits[lang] += 2
		}
	}

	langs := make([]string, 0, len(hits))
	for lang := range hits {
		langs = append(langs, lang)
	}
	sort.Slice(langs, func(i, j int) bool {
		if hits[langs[i]] != hits[langs[j]] {
			return hits[langs[i]] > hits[langs[j]]
		}
		return langs[i] < langs[j]
	})

	candidates := make([]gate.Candidate, len(langs))
	for i, lang := range langs {
		candidates[i] = gate.Candidate{ID: lang, Score: float64(hits[lang])}
	}

	return &gate.BuildResult{
		Candidates: candidates,
		Selected:   &candidates[0],
		Output:     map[string]string{"lang": candidates[0].ID},
	}, nil
}

// stopwords are dropped from search rewrites.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "to": true,
	"please": true, "me": true, "for": true,
}

// SearchHint rewrites the query into a compact search hint while keeping it
// anchored to the original terms.
func SearchHint(ctx context.Context, env capability.Envelope) (*gate.BuildResult, error) {
	query := env.Inputs["query"]
	if query == "" {
		return nil, capability.Failf(event.ReasonUpstreamMissing, "no query to rewrite")
	}

	var kept []string
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		if !stopwords[tok] {
			kept = append(kept, tok)
		}
	}
	if len(kept) == 0 {
		kept = strings.Fields(strings.ToLower(query))
	}
	rewritten := strings.Join(kept, " ")

	hint := rewritten
	if lang := env.Inputs["lang"]; lang != "" && lang != "en" {
		hint = fmt.Sprintf("%s lang:%s", rewritten, lang)
	}

	candidates := []gate.Candidate{
		{ID: "compact", Score: 1.0, Payload: map[string]string{"query": rewritten}},
		{ID: "verbatim", Score: 0.5, Payload: map[string]string{"query": strings.ToLower(query)}},
	}

	return &gate.BuildResult{
		Candidates: candidates,
		Selected:   &candidates[0],
		Output: map[string]string{
			"query":       rewritten,
			"search_hint": hint,
		},
	}, nil
}

// Clarify picks the field most worth asking the user about, ranked by
// declaration order in the ambiguous_fields input (comma-separated).
func Clarify(ctx context.Context, env capability.Envelope) (*gate.BuildResult, error) {
	raw := env.Inputs["ambiguous_fields"]
	if raw == "" {
		return nil, capability.Failf(event.ReasonUpstreamMissing, "no ambiguous fields")
	}

	fields := strings.Split(raw, ",")
	candidates := make([]gate.Candidate, 0, len(fields))
	for i, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		candidates = append(candidates, gate.Candidate{ID: f, Score: float64(len(fields) - i)})
	}
	if len(candidates) == 0 {
		return nil, capability.Failf(event.ReasonInputSchemaInvalid, "ambiguous_fields held no usable field")
	}

	return &gate.BuildResult{
		Candidates: candidates,
		Selected:   &candidates[0],
		Output:     map[string]string{"clarify_field": candidates[0].ID},
	}, nil
}

// Prefetch plans which backends to warm for the search hint.
func Prefetch(ctx context.Context, env capability.Envelope) (*gate.BuildResult, error) {
	hint := env.Inputs["search_hint"]
	if hint == "" {
		return nil, capability.Failf(event.ReasonUpstreamMissing, "no search hint to plan from")
	}

	backends := []string{"web"}
	lower := strings.ToLower(hint)
	if strings.Contains(lower, "weather") {
		backends = append(backends, "weather")
	}
	if strings.Contains(lower, "news") {
		backends = append(backends, "news")
	}

	candidates := make([]gate.Candidate, len(backends))
	for i, b := range backends {
		candidates[i] = gate.Candidate{ID: b, Score: float64(len(backends) - i)}
	}

	return &gate.BuildResult{
		Candidates: candidates,
		Selected:   &candidates[0],
		Output:     map[string]string{"prefetch_plan": strings.Join(backends, ",")},
	}, nil
}
