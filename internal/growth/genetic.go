package growth

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/danielpatrickdp/model-search/go-controller/internal/naming"
)

// #region config

// GeneticConfig parameterises the genetic rule.
type GeneticConfig struct {
	Name           string
	Terms          []string
	Population     int
	MutationRate   float64
	MaxGenerations int
	Seed           uint64
}

// #endregion config

// #region genetic

// chromosome marks which terms a model includes.
type chromosome []bool

func (c chromosome) key() string {
	var b strings.Builder
	for _, on := range c {
		if on {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

func (c chromosome) empty() bool {
	for _, on := range c {
		if on {
			return false
		}
	}
	return true
}

// Genetic evolves term subsets: rank-weighted parent selection, single-point
// crossover and per-bit mutation. A chromosome is never proposed twice.
type Genetic struct {
	cfg      GeneticConfig
	conv     naming.Convention
	rng      *rand.Rand
	index    map[string]int // canonical term -> bit
	seen     map[string]bool
	attempts int
}

// NewGenetic builds the rule and validates cfg.
func NewGenetic(cfg GeneticConfig, conv naming.Convention) (*Genetic, error) {
	if len(cfg.Terms) < 2 {
		return nil, fmt.Errorf("genetic rule %q: need at least 2 terms", cfg.Name)
	}
	if len(cfg.Terms) > 62 {
		return nil, fmt.Errorf("genetic rule %q: too many terms (%d)", cfg.Name, len(cfg.Terms))
	}
	if cfg.Population <= 0 {
		cfg.Population = 2 * len(cfg.Terms)
	}
	if limit := 1<<len(cfg.Terms) - 1; cfg.Population > limit {
		cfg.Population = limit
	}
	if cfg.MutationRate <= 0 || cfg.MutationRate >= 1 {
		cfg.MutationRate = 0.1
	}
	if cfg.MaxGenerations <= 0 {
		cfg.MaxGenerations = 5
	}

	g := &Genetic{
		cfg:      cfg,
		conv:     conv,
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		index:    make(map[string]int, len(cfg.Terms)),
		seen:     make(map[string]bool),
		attempts: 50 * cfg.Population,
	}
	for i, t := range cfg.Terms {
		c, err := canonical(conv, t)
		if err != nil {
			return nil, fmt.Errorf("genetic rule %q: %w", cfg.Name, err)
		}
		if _, dup := g.index[c]; dup {
			return nil, fmt.Errorf("genetic rule %q: duplicate term %q", cfg.Name, t)
		}
		g.index[c] = i
	}
	return g, nil
}

func (g *Genetic) Name() string             { return g.cfg.Name }
func (g *Genetic) CompletedInitially() bool { return false }

// SeedModels draws Population distinct random chromosomes. Repeated calls
// return the same first generation.
func (g *Genetic) SeedModels() []string {
	rng := rand.New(rand.NewPCG(g.cfg.Seed, g.cfg.Seed^0x9e3779b97f4a7c15))
	picked := make(map[string]bool)
	var out []string
	for tries := 0; len(out) < g.cfg.Population && tries < g.attempts; tries++ {
		c := make(chromosome, len(g.cfg.Terms))
		for i := range c {
			c[i] = rng.IntN(2) == 1
		}
		if c.empty() || picked[c.key()] {
			continue
		}
		picked[c.key()] = true
		g.seen[c.key()] = true
		name, err := g.name(c)
		if err != nil {
			continue
		}
		out = append(out, name)
	}
	return out
}

func (g *Genetic) NextGeneration(ranked, champions []string, gen int) ([]string, bool, error) {
	if len(ranked) == 0 {
		return nil, false, fmt.Errorf("%s generation %d: %w", g.cfg.Name, gen, ErrNoRanking)
	}
	if gen+1 >= g.cfg.MaxGenerations {
		return nil, true, nil
	}

	parents := make([]chromosome, 0, len(ranked))
	for _, name := range ranked {
		c, err := g.decode(name)
		if err != nil {
			return nil, false, err
		}
		g.seen[c.key()] = true
		parents = append(parents, c)
	}

	var out []string
	for tries := 0; len(out) < g.cfg.Population && tries < g.attempts; tries++ {
		child := g.crossover(g.selectParent(parents), g.selectParent(parents))
		g.mutate(child)
		if child.empty() || g.seen[child.key()] {
			continue
		}
		g.seen[child.key()] = true
		name, err := g.name(child)
		if err != nil {
			return nil, false, err
		}
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, true, nil
	}
	return out, false, nil
}

// selectParent picks rank i of n with weight n-i.
func (g *Genetic) selectParent(ranked []chromosome) chromosome {
	n := len(ranked)
	total := n * (n + 1) / 2
	r := g.rng.IntN(total)
	for i := 0; i < n; i++ {
		r -= n - i
		if r < 0 {
			return ranked[i]
		}
	}
	return ranked[n-1]
}

func (g *Genetic) crossover(a, b chromosome) chromosome {
	cut := 1 + g.rng.IntN(len(a)-1)
	child := make(chromosome, len(a))
	copy(child[:cut], a[:cut])
	copy(child[cut:], b[cut:])
	return child
}

func (g *Genetic) mutate(c chromosome) {
	for i := range c {
		if g.rng.Float64() < g.cfg.MutationRate {
			c[i] = !c[i]
		}
	}
}

func (g *Genetic) name(c chromosome) (string, error) {
	var ts []string
	for i, on := range c {
		if on {
			ts = append(ts, g.cfg.Terms[i])
		}
	}
	return g.conv.Join(ts)
}

func (g *Genetic) decode(name string) (chromosome, error) {
	c := make(chromosome, len(g.cfg.Terms))
	for _, t := range g.conv.Terms(name) {
		canon, err := canonical(g.conv, t)
		if err != nil {
			return nil, err
		}
		i, ok := g.index[canon]
		if !ok {
			return nil, fmt.Errorf("%s: model %q has unknown term %q", g.cfg.Name, name, t)
		}
		c[i] = true
	}
	return c, nil
}

// #endregion genetic
