package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/danielpatrickdp/model-search/go-controller/internal/registry"
)

// #region outcome

func (o *Orchestrator) outcome(ctx context.Context, champion, reducedFrom int) (*Outcome, error) {
	champ, err := o.reg.Model(champion)
	if err != nil {
		return nil, err
	}
	out := &Outcome{
		RunID:        o.runID,
		ChampionID:   champion,
		ChampionName: champ.Name,
		ReducedFrom:  reducedFrom,
		Threshold:    o.engine.Threshold(),
		Collapse:     o.cfg.CollapseThreshold,
		Decisions:    append(o.decisions[:0:0], o.decisions...),
	}

	for _, m := range o.reg.Models() {
		out.Models = append(out.Models, ModelRecord{
			ID:        m.ID,
			Name:      m.Name,
			Canonical: m.Canonical,
			Qubits:    m.Qubits,
			Status:    m.Status,
			BranchID:  m.BranchID,
		})
	}
	for _, b := range o.reg.Branches() {
		out.Branches = append(out.Branches, BranchRecord{
			ID:          b.ID,
			Tree:        b.Tree,
			Kind:        b.Kind,
			Generation:  b.Generation,
			Parent:      b.Parent,
			Models:      append([]int(nil), b.Models...),
			Precomputed: append([]int(nil), b.Precomputed...),
			State:       b.State,
			Champion:    b.Champion,
			Ranking:     b.Ranking(),
			Ratios:      comparisonRecords(o.results[b.ID].Ratios),
		})
	}
	for _, t := range o.reg.Trees() {
		out.Trees = append(out.Trees, TreeRecord{
			Rule:     t.Rule,
			Branches: append([]int(nil), t.Branches...),
			State:    t.State,
			Depth:    t.Depth,
		})
	}

	ratios, err := o.store.Ratios(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ratios: %w", err)
	}
	out.Comparisons = comparisonRecords(ratios)

	if o.cfg.TrueModel != "" {
		acc, err := ScoreTerms(o.deps.Naming, champ.Name, o.cfg.TrueModel, o.cfg.FScoreBeta)
		if err != nil {
			return nil, fmt.Errorf("score champion: %w", err)
		}
		out.Accuracy = &acc
		log.Printf("[SEARCH] champion %d vs true model %s: precision %.3f, sensitivity %.3f, f-score %.3f",
			champion, acc.TrueModel, acc.Precision, acc.Sensitivity, acc.FScore)
	}
	return out, nil
}

func comparisonRecords(ratios map[registry.PairKey]float64) []ComparisonRecord {
	out := make([]ComparisonRecord, 0, len(ratios))
	for k, r := range ratios {
		out = append(out, ComparisonRecord{Low: k.Low, High: k.High, Ratio: r})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Low != out[j].Low {
			return out[i].Low < out[j].Low
		}
		return out[i].High < out[j].High
	})
	return out
}

// #endregion
