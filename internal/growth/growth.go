// Package growth holds the strategies that decide which models a tree
// considers next. Each rule is asked once per generation, given the ranking
// the tournament produced for the generation just finished.
package growth

import (
	"errors"
	"fmt"

	"github.com/danielpatrickdp/model-search/go-controller/internal/naming"
)

// #region rule

// Rule proposes generations of candidate models.
type Rule interface {
	// Name identifies the rule; it is also the tree's key.
	Name() string
	// SeedModels returns the first generation.
	SeedModels() []string
	// NextGeneration returns the models for generation gen+1 given the
	// ranking of generation gen (champion first) and the champions of all
	// generations so far. done reports that the rule has nothing more to add.
	NextGeneration(ranked, champions []string, gen int) (models []string, done bool, err error)
	// CompletedInitially is true for rules whose seed is their whole search.
	CompletedInitially() bool
}

// ErrNoRanking is returned when NextGeneration gets an empty ranking.
var ErrNoRanking = errors.New("empty ranking")

// #endregion rule

// #region spec

// Rule kinds accepted by Build.
const (
	KindFixed        = "fixed"
	KindTermAddition = "term_addition"
	KindGenetic      = "genetic"
)

// Spec is the configuration form of a rule.
type Spec struct {
	Kind           string   `json:"kind" yaml:"kind" toml:"kind"`
	Name           string   `json:"name" yaml:"name" toml:"name"`
	Models         []string `json:"models,omitempty" yaml:"models,omitempty" toml:"models,omitempty"`
	Terms          []string `json:"terms,omitempty" yaml:"terms,omitempty" toml:"terms,omitempty"`
	MaxDepth       int      `json:"max_depth,omitempty" yaml:"max_depth,omitempty" toml:"max_depth,omitempty"`
	Population     int      `json:"population,omitempty" yaml:"population,omitempty" toml:"population,omitempty"`
	MutationRate   float64  `json:"mutation_rate,omitempty" yaml:"mutation_rate,omitempty" toml:"mutation_rate,omitempty"`
	MaxGenerations int      `json:"max_generations,omitempty" yaml:"max_generations,omitempty" toml:"max_generations,omitempty"`
	Seed           uint64   `json:"seed,omitempty" yaml:"seed,omitempty" toml:"seed,omitempty"`
}

// Build constructs the rule described by spec.
func Build(spec Spec, conv naming.Convention) (Rule, error) {
	if spec.Name == "" {
		spec.Name = spec.Kind
	}
	switch spec.Kind {
	case KindFixed:
		return NewFixed(spec.Name, spec.Models)
	case KindTermAddition:
		return NewTermAddition(spec.Name, spec.Terms, spec.MaxDepth, conv)
	case KindGenetic:
		return NewGenetic(GeneticConfig{
			Name:           spec.Name,
			Terms:          spec.Terms,
			Population:     spec.Population,
			MutationRate:   spec.MutationRate,
			MaxGenerations: spec.MaxGenerations,
			Seed:           spec.Seed,
		}, conv)
	default:
		return nil, fmt.Errorf("unknown growth rule kind %q", spec.Kind)
	}
}

// #endregion spec

// #region fixed

// Fixed evaluates a given list of models once.
type Fixed struct {
	name   string
	models []string
}

// NewFixed returns a rule whose only generation is models.
func NewFixed(name string, models []string) (*Fixed, error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("fixed rule %q: no models", name)
	}
	return &Fixed{name: name, models: append([]string(nil), models...)}, nil
}

func (f *Fixed) Name() string             { return f.name }
func (f *Fixed) SeedModels() []string     { return append([]string(nil), f.models...) }
func (f *Fixed) CompletedInitially() bool { return true }

func (f *Fixed) NextGeneration(ranked, champions []string, gen int) ([]string, bool, error) {
	return nil, true, nil
}

// #endregion fixed

// #region term-addition

// TermAddition starts from single terms and grows the champion by one unused
// term per generation.
type TermAddition struct {
	name     string
	terms    []string
	maxDepth int
	conv     naming.Convention
}

// NewTermAddition builds the rule. maxDepth bounds the number of generations;
// zero means one generation per term.
func NewTermAddition(name string, terms []string, maxDepth int, conv naming.Convention) (*TermAddition, error) {
	if len(terms) == 0 {
		return nil, fmt.Errorf("term addition rule %q: no terms", name)
	}
	if maxDepth <= 0 || maxDepth > len(terms) {
		maxDepth = len(terms)
	}
	return &TermAddition{name: name, terms: append([]string(nil), terms...), maxDepth: maxDepth, conv: conv}, nil
}

func (r *TermAddition) Name() string             { return r.name }
func (r *TermAddition) CompletedInitially() bool { return false }

func (r *TermAddition) SeedModels() []string {
	return append([]string(nil), r.terms...)
}

func (r *TermAddition) NextGeneration(ranked, champions []string, gen int) ([]string, bool, error) {
	if len(ranked) == 0 {
		return nil, false, fmt.Errorf("%s generation %d: %w", r.name, gen, ErrNoRanking)
	}
	if gen+1 >= r.maxDepth {
		return nil, true, nil
	}

	champ := r.conv.Terms(ranked[0])
	used := make(map[string]bool, len(champ))
	for _, t := range champ {
		c, err := canonical(r.conv, t)
		if err != nil {
			return nil, false, err
		}
		used[c] = true
	}

	var next []string
	for _, t := range r.terms {
		c, err := canonical(r.conv, t)
		if err != nil {
			return nil, false, err
		}
		if used[c] {
			continue
		}
		name, err := r.conv.Join(append(append([]string(nil), champ...), t))
		if err != nil {
			return nil, false, fmt.Errorf("%s: join: %w", r.name, err)
		}
		next = append(next, name)
	}
	if len(next) == 0 {
		return nil, true, nil
	}
	return next, false, nil
}

func canonical(conv naming.Convention, term string) (string, error) {
	c, _, err := conv.Canonicalize(term)
	return c, err
}

// #endregion term-addition
