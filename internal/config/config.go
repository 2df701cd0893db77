// Package config loads search settings from YAML, TOML or JSON files with
// SEARCH_* environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danielpatrickdp/model-search/go-controller/internal/growth"
	"github.com/danielpatrickdp/model-search/go-controller/internal/naming"
	"github.com/danielpatrickdp/model-search/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/model-search/go-controller/internal/synthetic"
	"gopkg.in/yaml.v3"
)

// #region types

// Worker modes.
const (
	WorkerLocal  = "local"
	WorkerRemote = "remote"
)

// Coordination store backends.
const (
	CoordMemory = "memory"
	CoordSQLite = "sqlite"
)

// Duration decodes from strings such as "250ms" in every supported format.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// WorkerConfig selects where learning and comparison run.
type WorkerConfig struct {
	Mode string `json:"mode" yaml:"mode" toml:"mode"`
	Addr string `json:"addr" yaml:"addr" toml:"addr"`
}

// CoordConfig selects the coordination store.
type CoordConfig struct {
	Backend string `json:"backend" yaml:"backend" toml:"backend"`
	Path    string `json:"path" yaml:"path" toml:"path"`
}

// LedgerConfig locates the audit database. An empty path disables it.
type LedgerConfig struct {
	Path string `json:"path" yaml:"path" toml:"path"`
}

// SearchConfig is the full configuration of one search run.
type SearchConfig struct {
	RunID             string           `json:"run_id" yaml:"run_id" toml:"run_id"`
	Rules             []growth.Spec    `json:"rules" yaml:"rules" toml:"rules"`
	Threshold         float64          `json:"threshold" yaml:"threshold" toml:"threshold"`
	CollapseThreshold float64          `json:"collapse_threshold" yaml:"collapse_threshold" toml:"collapse_threshold"`
	RecomputeBudget   int              `json:"recompute_budget" yaml:"recompute_budget" toml:"recompute_budget"`
	Workers           int              `json:"workers" yaml:"workers" toml:"workers"`
	JobTimeout        Duration         `json:"job_timeout" yaml:"job_timeout" toml:"job_timeout"`
	PollInterval      Duration         `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
	ReduceChampion    bool             `json:"reduce_champion" yaml:"reduce_champion" toml:"reduce_champion"`
	TrueModel         string           `json:"true_model" yaml:"true_model" toml:"true_model"`
	FScoreBeta        float64          `json:"f_score_beta" yaml:"f_score_beta" toml:"f_score_beta"`
	Worker            WorkerConfig     `json:"worker" yaml:"worker" toml:"worker"`
	Synthetic         synthetic.Config `json:"synthetic" yaml:"synthetic" toml:"synthetic"`
	Coord             CoordConfig      `json:"coord" yaml:"coord" toml:"coord"`
	Ledger            LedgerConfig     `json:"ledger" yaml:"ledger" toml:"ledger"`
}

// #endregion types

// #region defaults

// Default returns a configuration with every field but Rules set.
func Default() SearchConfig {
	return SearchConfig{
		Threshold:         1,
		CollapseThreshold: 1e5,
		RecomputeBudget:   3,
		Workers:           4,
		JobTimeout:        Duration(5 * time.Minute),
		PollInterval:      Duration(100 * time.Millisecond),
		FScoreBeta:        1,
		Worker:            WorkerConfig{Mode: WorkerLocal, Addr: "localhost:50051"},
		Coord:             CoordConfig{Backend: CoordMemory, Path: "search_coord.db"},
		Ledger:            LedgerConfig{Path: "model_search.db"},
	}
}

// #endregion defaults

// #region load

// Load applies the file at path (if any) and then the environment over the
// defaults, and validates the result.
func Load(path string) (SearchConfig, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("config env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *SearchConfig) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.DecodeFile(path, cfg)
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			return err
		}
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

// applyEnv overrides fields from SEARCH_* variables.
func applyEnv(cfg *SearchConfig) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	float := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = i
		}
	}
	duration := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
			}
		}
	}

	str("SEARCH_RUN_ID", &cfg.RunID)
	float("SEARCH_THRESHOLD", &cfg.Threshold)
	float("SEARCH_COLLAPSE_THRESHOLD", &cfg.CollapseThreshold)
	integer("SEARCH_RECOMPUTE_BUDGET", &cfg.RecomputeBudget)
	integer("SEARCH_WORKERS", &cfg.Workers)
	duration("SEARCH_JOB_TIMEOUT", &cfg.JobTimeout)
	duration("SEARCH_POLL_INTERVAL", &cfg.PollInterval)
	if v := os.Getenv("SEARCH_REDUCE_CHAMPION"); v != "" {
		cfg.ReduceChampion = v == "true" || v == "1"
	}
	str("SEARCH_TRUE_MODEL", &cfg.TrueModel)
	float("SEARCH_F_SCORE_BETA", &cfg.FScoreBeta)
	str("SEARCH_WORKER_MODE", &cfg.Worker.Mode)
	str("SEARCH_WORKER_ADDR", &cfg.Worker.Addr)
	str("SEARCH_TARGET", &cfg.Synthetic.Target)
	str("SEARCH_COORD_BACKEND", &cfg.Coord.Backend)
	str("SEARCH_COORD_PATH", &cfg.Coord.Path)
	str("SEARCH_LEDGER_PATH", &cfg.Ledger.Path)

	if len(errs) > 0 {
		log.Printf("[CONFIG] %d invalid environment overrides", len(errs))
	}
	return errors.Join(errs...)
}

// #endregion load

// #region validate

// Validate checks ranges and cross-field requirements.
func (c SearchConfig) Validate() error {
	if len(c.Rules) == 0 {
		return fmt.Errorf("at least one rule is required")
	}
	names := make(map[string]bool, len(c.Rules))
	for i, r := range c.Rules {
		name := r.Name
		if name == "" {
			name = r.Kind
		}
		switch {
		case r.Kind != growth.KindFixed && r.Kind != growth.KindTermAddition && r.Kind != growth.KindGenetic:
			return fmt.Errorf("rules[%d]: unknown kind %q", i, r.Kind)
		case name == orchestrator.FinalTree:
			return fmt.Errorf("rules[%d]: name %q is reserved", i, name)
		case names[name]:
			return fmt.Errorf("rules[%d]: duplicate name %q", i, name)
		}
		names[name] = true
	}
	if c.Threshold <= 0 {
		return fmt.Errorf("threshold must be > 0")
	}
	if c.CollapseThreshold <= 0 {
		return fmt.Errorf("collapse_threshold must be > 0")
	}
	if c.RecomputeBudget < 0 {
		return fmt.Errorf("recompute_budget must be >= 0")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1")
	}
	if c.FScoreBeta <= 0 {
		return fmt.Errorf("f_score_beta must be > 0")
	}
	if c.JobTimeout < 0 || c.PollInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	switch c.Worker.Mode {
	case WorkerLocal:
		if c.Synthetic.Target == "" {
			return fmt.Errorf("local worker mode needs synthetic.target")
		}
	case WorkerRemote:
		if c.Worker.Addr == "" {
			return fmt.Errorf("remote worker mode needs worker.addr")
		}
	default:
		return fmt.Errorf("unknown worker mode %q", c.Worker.Mode)
	}
	switch c.Coord.Backend {
	case CoordMemory:
	case CoordSQLite:
		if c.Coord.Path == "" {
			return fmt.Errorf("sqlite coord backend needs coord.path")
		}
	default:
		return fmt.Errorf("unknown coord backend %q", c.Coord.Backend)
	}
	return nil
}

// #endregion validate

// #region conversions

// Orchestrator returns the search tuning. A zero recompute budget disables
// tie-break recursion. Without an explicit true model, local runs score the
// champion against the synthetic target.
func (c SearchConfig) Orchestrator() orchestrator.Config {
	budget := c.RecomputeBudget
	if budget == 0 {
		budget = -1
	}
	truth := c.TrueModel
	if truth == "" && c.Worker.Mode == WorkerLocal {
		truth = c.Synthetic.Target
	}
	return orchestrator.Config{
		Threshold:         c.Threshold,
		CollapseThreshold: c.CollapseThreshold,
		RecomputeBudget:   budget,
		Workers:           c.Workers,
		JobTimeout:        time.Duration(c.JobTimeout),
		PollInterval:      time.Duration(c.PollInterval),
		ReduceChampion:    c.ReduceChampion,
		TrueModel:         truth,
		FScoreBeta:        c.FScoreBeta,
	}
}

// BuildRules constructs every configured growth rule.
func (c SearchConfig) BuildRules(conv naming.Convention) ([]growth.Rule, error) {
	rules := make([]growth.Rule, 0, len(c.Rules))
	for i, spec := range c.Rules {
		r, err := growth.Build(spec, conv)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// #endregion conversions
