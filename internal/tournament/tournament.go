// Package tournament runs all-pairs evidence tournaments inside a branch and
// picks its champion.
package tournament

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/danielpatrickdp/model-search/go-controller/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// #region errors

// ErrInconclusiveTournament is matched by *InconclusiveError.
var ErrInconclusiveTournament = errors.New("inconclusive tournament")

// InconclusiveError names the models still tied once the recompute budget
// is spent.
type InconclusiveError struct {
	Branch int
	Tied   []int
}

func (e *InconclusiveError) Error() string {
	return fmt.Sprintf("branch %d: %v: tied models %v", e.Branch, ErrInconclusiveTournament, e.Tied)
}

func (e *InconclusiveError) Is(target error) bool {
	return target == ErrInconclusiveTournament
}

// #endregion errors

// #region metrics

var tieBreaks = promauto.NewCounter(prometheus.CounterOpts{
	Name: "modelsearch_tie_breaks_total",
	Help: "Tournament tie-break rounds run with forced recompute",
})

// #endregion metrics

// #region engine

// PairSource supplies evidence ratios. A ratio under key k favours k.Low.
type PairSource interface {
	// Ensure blocks until every pair has a ratio. With force, every pair is
	// recomputed even if cached.
	Ensure(ctx context.Context, pairs []registry.PairKey, force bool) error
	Ratio(ctx context.Context, k registry.PairKey) (float64, bool, error)
}

// Config tunes decisiveness and tie-breaking.
type Config struct {
	// Threshold T: a ratio above T (or below 1/T) awards a point.
	Threshold float64
	// RecomputeBudget bounds tie-break rounds.
	RecomputeBudget int
}

// Result is the outcome of one CompareAll call.
type Result struct {
	Points   map[int]int
	Champion int
	Ranking  []int
	// Ratios holds the first-round ratios the points were scored from.
	Ratios    map[registry.PairKey]float64
	TieBreaks int
}

// Engine scores branches held in a registry.
type Engine struct {
	reg *registry.Registry
	src PairSource
	cfg Config
}

// New returns an Engine. A non-positive threshold defaults to 1 and a
// negative budget to 0.
func New(reg *registry.Registry, src PairSource, cfg Config) *Engine {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 1
	}
	if cfg.Threshold < 1 {
		cfg.Threshold = 1 / cfg.Threshold
	}
	if cfg.RecomputeBudget < 0 {
		cfg.RecomputeBudget = 0
	}
	return &Engine{reg: reg, src: src, cfg: cfg}
}

// Threshold returns the effective decisiveness threshold.
func (e *Engine) Threshold() float64 {
	return e.cfg.Threshold
}

// CompareAll compares every resident pair of b, awards points and picks the
// champion, breaking ties on the tied subset with forced recompute. The
// champion becomes Active and every other resident Deactivated. The branch
// ranking is frozen on the first call.
func (e *Engine) CompareAll(ctx context.Context, b *registry.Branch) (Result, error) {
	res := Result{Champion: -1}
	if b.Size() == 0 {
		return res, registry.ErrEmptyBranch
	}

	ratios, err := e.collect(ctx, b.Pairs(), false)
	if err != nil {
		return res, fmt.Errorf("branch %d: %w", b.ID, err)
	}
	res.Ratios = ratios
	res.Points = Score(b.Models, ratios, e.cfg.Threshold)

	tied := Leaders(b.Models, res.Points)
	for len(tied) > 1 {
		if res.TieBreaks >= e.cfg.RecomputeBudget {
			return res, &InconclusiveError{Branch: b.ID, Tied: tied}
		}
		res.TieBreaks++
		tieBreaks.Inc()
		log.Printf("[TOURNEY] branch %d: tie between %v, recomputing (round %d)", b.ID, tied, res.TieBreaks)

		sub, err := e.collect(ctx, pairsOf(tied), true)
		if err != nil {
			return res, fmt.Errorf("branch %d tie-break: %w", b.ID, err)
		}
		tied = Leaders(tied, Score(tied, sub, e.cfg.Threshold))
	}
	res.Champion = tied[0]
	res.Ranking = Rank(b.Models, res.Points, res.Champion)

	for _, id := range b.Models {
		status := registry.StatusDeactivated
		if id == res.Champion {
			status = registry.StatusActive
		}
		if err := e.reg.SetStatus(id, status); err != nil {
			return res, err
		}
	}
	b.Champion = res.Champion
	b.SetRanking(res.Ranking)

	log.Printf("[TOURNEY] branch %d (%s): champion %d, points %v", b.ID, b.Kind, res.Champion, res.Points)
	return res, nil
}

// collect ensures ratios for pairs, reads them back and records each in the
// registry's comparison caches.
func (e *Engine) collect(ctx context.Context, pairs []registry.PairKey, force bool) (map[registry.PairKey]float64, error) {
	out := make(map[registry.PairKey]float64, len(pairs))
	if len(pairs) == 0 {
		return out, nil
	}
	if err := e.src.Ensure(ctx, pairs, force); err != nil {
		return nil, err
	}
	for _, k := range pairs {
		r, ok, err := e.src.Ratio(ctx, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("pair %s: no ratio after comparison", k)
		}
		if err := e.reg.AppendComparison(k, r); err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}

// #endregion engine

// #region scoring

// Score awards one point per decisive pair among ids: to the lower id when the
// ratio exceeds t, to the higher id when it is below 1/t. Missing pairs score
// nothing. Every id appears in the result.
func Score(ids []int, ratios map[registry.PairKey]float64, t float64) map[int]int {
	points := make(map[int]int, len(ids))
	for _, id := range ids {
		points[id] = 0
	}
	for _, k := range pairsOf(ids) {
		r, ok := ratios[k]
		if !ok {
			continue
		}
		switch {
		case r > t:
			points[k.Low]++
		case r < 1/t:
			points[k.High]++
		}
	}
	return points
}

// Rank orders ids by points descending then id ascending, with champion
// moved to the front.
func Rank(ids []int, points map[int]int, champion int) []int {
	ranked := append([]int(nil), ids...)
	sort.SliceStable(ranked, func(i, j int) bool {
		pi, pj := points[ranked[i]], points[ranked[j]]
		if pi != pj {
			return pi > pj
		}
		return ranked[i] < ranked[j]
	})
	for i, id := range ranked {
		if id == champion {
			copy(ranked[1:i+1], ranked[:i])
			ranked[0] = id
			break
		}
	}
	return ranked
}

// Leaders returns the ids holding the maximum score, ascending. More than one
// leader means CompareAll had to break a tie.
func Leaders(ids []int, points map[int]int) []int {
	best := -1
	var out []int
	for _, id := range ids {
		switch p := points[id]; {
		case p > best:
			best, out = p, []int{id}
		case p == best:
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

func pairsOf(ids []int) []registry.PairKey {
	var pairs []registry.PairKey
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			pairs = append(pairs, registry.NewPairKey(ids[i], ids[j]))
		}
	}
	return pairs
}

// #endregion scoring
