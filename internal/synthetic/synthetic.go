// Package synthetic provides a Learner and Comparator that score candidate
// models against a known target model. It stands in for a real experiment
// when running the search locally, in cmd/worker and in tests.
package synthetic

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"time"

	"github.com/danielpatrickdp/model-search/go-controller/internal/naming"
	"github.com/danielpatrickdp/model-search/go-controller/internal/worker"
)

// #region config

// Config describes the simulated system.
type Config struct {
	Target          string        `json:"target" yaml:"target" toml:"target"`
	NegligibleLimit float64       `json:"negligible_limit" yaml:"negligible_limit" toml:"negligible_limit"`
	Noise           float64       `json:"noise" yaml:"noise" toml:"noise"`
	MissPenalty     float64       `json:"miss_penalty" yaml:"miss_penalty" toml:"miss_penalty"`
	Complexity      float64       `json:"complexity" yaml:"complexity" toml:"complexity"`
	Seed            uint64        `json:"seed" yaml:"seed" toml:"seed"`
	Delay           time.Duration `json:"delay" yaml:"delay" toml:"delay"`
}

// WithDefaults fills unset numeric fields.
func (c Config) WithDefaults() Config {
	if c.NegligibleLimit <= 0 {
		c.NegligibleLimit = 0.1
	}
	// negative disables jitter; zero means unset
	switch {
	case c.Noise < 0:
		c.Noise = 0
	case c.Noise == 0:
		c.Noise = 0.02
	}
	if c.MissPenalty <= 0 {
		c.MissPenalty = 10
	}
	if c.Complexity <= 0 {
		c.Complexity = 1
	}
	return c
}

// #endregion config

// #region learned

// Learned is the JSON handle produced by Learner.Learn.
type Learned struct {
	Name   string             `json:"name"`
	Params map[string]float64 `json:"params"` // canonical term -> fitted value
	Terms  map[string]string  `json:"terms"`  // canonical term -> term as named
}

// DecodeHandle parses a handle produced by Learn.
func DecodeHandle(h worker.Handle) (*Learned, error) {
	var l Learned
	if err := json.Unmarshal(h, &l); err != nil {
		return nil, fmt.Errorf("decode handle: %w", err)
	}
	if len(l.Params) == 0 {
		return nil, fmt.Errorf("decode handle: no parameters")
	}
	return &l, nil
}

// #endregion learned

// #region system

// System implements both worker.Learner and worker.Comparator.
type System struct {
	cfg    Config
	naming naming.Convention
	target map[string]bool
}

// New builds a System for cfg. The target name must parse under n.
func New(cfg Config, n naming.Convention) (*System, error) {
	cfg = cfg.WithDefaults()
	if cfg.Target == "" {
		return nil, fmt.Errorf("synthetic: target model required")
	}
	s := &System{cfg: cfg, naming: n, target: make(map[string]bool)}
	for _, term := range n.Terms(cfg.Target) {
		canon, _, err := n.Canonicalize(term)
		if err != nil {
			return nil, fmt.Errorf("synthetic target: %w", err)
		}
		s.target[canon] = true
	}
	return s, nil
}

// Learn fits each term of m: near 1 for target terms, near 0 otherwise.
func (s *System) Learn(ctx context.Context, m worker.Subject) (worker.Handle, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	l := Learned{Name: m.Name, Params: make(map[string]float64), Terms: make(map[string]string)}
	for _, term := range s.naming.Terms(m.Name) {
		canon, _, err := s.naming.Canonicalize(term)
		if err != nil {
			return nil, fmt.Errorf("learn %s: %w", m.Name, err)
		}
		truth := 0.0
		if s.target[canon] {
			truth = 1
		}
		l.Params[canon] = truth + s.jitter(m.Name, canon)
		l.Terms[canon] = term
	}
	return json.Marshal(l)
}

// Negligible returns the terms of m fitted below the negligible limit.
func (s *System) Negligible(ctx context.Context, m worker.Subject) ([]string, error) {
	l, err := DecodeHandle(m.Handle)
	if err != nil {
		return nil, err
	}
	var out []string
	for canon, v := range l.Params {
		if math.Abs(v) < s.cfg.NegligibleLimit {
			out = append(out, l.Terms[canon])
		}
	}
	sort.Strings(out)
	return out, nil
}

// Compare returns exp(logL(a) - logL(b)).
func (s *System) Compare(ctx context.Context, a, b worker.Subject) (float64, error) {
	if err := s.wait(ctx); err != nil {
		return 0, err
	}
	la, err := DecodeHandle(a.Handle)
	if err != nil {
		return 0, fmt.Errorf("compare %d: %w", a.ID, err)
	}
	lb, err := DecodeHandle(b.Handle)
	if err != nil {
		return 0, fmt.Errorf("compare %d: %w", b.ID, err)
	}
	diff := s.logLikelihood(la) - s.logLikelihood(lb)
	// keep within float range; 700 is well past any decisive threshold
	diff = math.Max(-700, math.Min(700, diff))
	return math.Exp(diff), nil
}

// logLikelihood penalises missing target terms, model size and fit residuals.
func (s *System) logLikelihood(l *Learned) float64 {
	ll := 0.0
	for canon := range s.target {
		if _, ok := l.Params[canon]; !ok {
			ll -= s.cfg.MissPenalty
		}
	}
	keys := make([]string, 0, len(l.Params))
	for canon := range l.Params {
		keys = append(keys, canon)
	}
	sort.Strings(keys)
	for _, canon := range keys {
		v := l.Params[canon]
		truth := 0.0
		if s.target[canon] {
			truth = 1
		}
		ll -= s.cfg.Complexity + (v-truth)*(v-truth)
	}
	return ll
}

// jitter is a deterministic offset in [-Noise, Noise] per model and term.
func (s *System) jitter(model, term string) float64 {
	if s.cfg.Noise == 0 {
		return 0
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s|%s", s.cfg.Seed, model, term)
	u := float64(h.Sum64()>>11) / float64(1<<53)
	return (2*u - 1) * s.cfg.Noise
}

func (s *System) wait(ctx context.Context) error {
	if s.cfg.Delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(s.cfg.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// #endregion system
