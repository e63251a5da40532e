// Package pipeline sequences capability calls per turn. The pipeline table —
// which engine runs at which position, under which condition — is declared
// configuration consumed by the orchestrator, never discovered at runtime
// and never writable by the engines themselves.
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pvoronin/watchgate/internal/gate"
)

// Invocation conditions. ALWAYS_ON engines are the turn's required path;
// OPTIONAL engines run only when their predicate holds.
const (
	ConditionAlwaysOn = "always_on"
	ConditionOptional = "optional"
)

// EngineSpec declares one engine's fixed place in the pipeline.
type EngineSpec struct {
	Engine       string      `yaml:"engine"`
	Position     int         `yaml:"position"`
	Condition    string      `yaml:"condition"`
	When         string      `yaml:"when,omitempty"`
	Consumes     []string    `yaml:"consumes,omitempty"`
	Produces     []string    `yaml:"produces"`
	Budget       gate.Budget `yaml:"budget,omitempty"`
	Rules        []string    `yaml:"rules,omitempty"`
	FailureModes []string    `yaml:"failure_modes,omitempty"`
	URL          string      `yaml:"url,omitempty"`
}

// Required returns true if the engine is on the turn's required path.
func (s *EngineSpec) Required() bool {
	return s.Condition == ConditionAlwaysOn
}

// Config is the declared pipeline table.
type Config struct {
	Engines []EngineSpec `yaml:"engines"`
}

// DefaultConfig returns the built-in assist pipeline: language detection
// always on, then search hinting and clarify selection in parallel, then
// prefetch planning over the search hint.
func DefaultConfig() *Config {
	return &Config{
		Engines: []EngineSpec{
			{
				Engine:    "langdetect",
				Position:  1,
				Condition: ConditionAlwaysOn,
				Consumes:  []string{"utterance"},
				Produces:  []string{"lang"},
				Budget:    gate.Budget{MaxCandidates: 4, MaxOutputBytes: 256},
			},
			{
				Engine:    "searchhint",
				Position:  2,
				Condition: ConditionOptional,
				When:      "has:query",
				Consumes:  []string{"query", "lang"},
				Produces:  []string{"query", "search_hint"},
				Budget:    gate.Budget{MaxCandidates: 8, MaxOutputBytes: 1024},
				Rules:     []string{"anchored_rewrite"},
			},
			{
				Engine:    "clarify",
				Position:  2,
				Condition: ConditionOptional,
				When:      "has:ambiguous_fields",
				Consumes:  []string{"ambiguous_fields"},
				Produces:  []string{"clarify_field"},
				Budget:    gate.Budget{MaxCandidates: 4, MaxOutputBytes: 512},
				Rules:     []string{"no_reclarify"},
			},
			{
				Engine:    "prefetch",
				Position:  3,
				Condition: ConditionOptional,
				Consumes:  []string{"search_hint"},
				Produces:  []string{"prefetch_plan"},
				Budget:    gate.Budget{MaxCandidates: 6, MaxOutputBytes: 2048},
			},
		},
	}
}

// LoadConfig loads the pipeline table from a YAML file. Empty path or a
// missing file returns the defaults. Invalid YAML or an invalid table
// returns an error.
func LoadConfig(path string) (*Config, error) {
	cfg, _, err := LoadConfigWithHash(path)
	return cfg, err
}

// LoadConfigWithHash loads the pipeline table and returns the SHA-256 hash
// of the raw bytes on disk. When defaults are used the hash is the SHA-256
// of empty input. The hash is stamped onto every ledger event so replay can
// prove which table produced a decision.
func LoadConfigWithHash(path string) (*Config, string, error) {
	if path == "" {
		return DefaultConfig(), emptyHash(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), emptyHash(), nil
		}
		return nil, "", fmt.Errorf("read pipeline config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, "", fmt.Errorf("parse pipeline config: %w", err)
	}
	if len(cfg.Engines) == 0 {
		cfg = *DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}

	h := sha256.Sum256(data)
	return &cfg, "sha256:" + hex.EncodeToString(h[:]), nil
}

func emptyHash() string {
	h := sha256.Sum256(nil)
	return "sha256:" + hex.EncodeToString(h[:])
}

// Validate rejects a malformed pipeline table at load time.
func (c *Config) Validate() error {
	seen := map[string]bool{}
	for i := range c.Engines {
		s := &c.Engines[i]
		if s.Engine == "" {
			return fmt.Errorf("pipeline config: engine %d has no name", i)
		}
		if seen[s.Engine] {
			return fmt.Errorf("pipeline config: duplicate engine %q", s.Engine)
		}
		seen[s.Engine] = true
		if s.Position <= 0 {
			return fmt.Errorf("pipeline config: engine %q has position %d, must be >= 1", s.Engine, s.Position)
		}
		if s.Condition != ConditionAlwaysOn && s.Condition != ConditionOptional {
			return fmt.Errorf("pipeline config: engine %q condition %q, want %s or %s",
				s.Engine, s.Condition, ConditionAlwaysOn, ConditionOptional)
		}
		if s.When != "" {
			if s.Condition != ConditionOptional {
				return fmt.Errorf("pipeline config: engine %q declares a predicate but is %s", s.Engine, s.Condition)
			}
			if err := validatePredicate(s.When); err != nil {
				return fmt.Errorf("pipeline config: engine %q: %w", s.Engine, err)
			}
		}
		if len(s.Produces) == 0 {
			return fmt.Errorf("pipeline config: engine %q produces nothing", s.Engine)
		}
		if _, err := gate.Resolve(s.Rules); err != nil {
			return fmt.Errorf("pipeline config: engine %q: %w (known: %s)",
				s.Engine, err, strings.Join(gate.RuleNames(), ", "))
		}
	}
	return nil
}

// validatePredicate accepts the closed predicate forms: has:<key> and
// missing:<key>.
func validatePredicate(when string) error {
	op, key, ok := strings.Cut(when, ":")
	if !ok || key == "" || (op != "has" && op != "missing") {
		return fmt.Errorf("invalid predicate %q, want has:<key> or missing:<key>", when)
	}
	return nil
}

// EvalPredicate evaluates a when-predicate against current turn state.
// An empty predicate is true.
func EvalPredicate(when string, state map[string]string) bool {
	if when == "" {
		return true
	}
	op, key, ok := strings.Cut(when, ":")
	if !ok {
		return false
	}
	_, present := state[key]
	switch op {
	case "has":
		return present && state[key] != ""
	case "missing":
		return !present || state[key] == ""
	default:
		return false
	}
}
