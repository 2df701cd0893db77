package orchestrator

// #region imports
import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/danielpatrickdp/model-search/go-controller/internal/logging"
	"github.com/danielpatrickdp/model-search/go-controller/internal/registry"
	"github.com/danielpatrickdp/model-search/go-controller/internal/tournament"
	"github.com/danielpatrickdp/model-search/go-controller/internal/worker"
)

// #endregion

// #region loop

// drive advances every pending branch until done reports true. It wakes on
// store writes and otherwise polls at PollInterval.
func (o *Orchestrator) drive(ctx context.Context, done func() bool) error {
	for {
		if err := o.checkFailure(ctx); err != nil {
			return err
		}
		if done() {
			return nil
		}

		progressed := false
		for _, b := range o.reg.Branches() {
			if b.ComparisonsComplete() {
				continue
			}
			moved, err := o.advance(ctx, b)
			if err != nil {
				return err
			}
			progressed = progressed || moved
		}
		if progressed {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.store.Changed():
		case <-time.After(o.cfg.PollInterval):
		}
	}
}

// advance moves b through learned and compared when its counters allow.
func (o *Orchestrator) advance(ctx context.Context, b *registry.Branch) (bool, error) {
	moved := false
	if !b.Learned() {
		n, err := o.store.Learned(ctx, b.ID)
		if err != nil {
			return false, err
		}
		if n < b.Size() {
			return false, nil
		}
		if err := o.collectResults(ctx, b); err != nil {
			return false, err
		}
		b.MarkLearned()
		moved = true
		for _, k := range b.Pairs() {
			if err := o.pool.Compare(ctx, b.ID, o.subject(k.Low), o.subject(k.High), false); err != nil {
				return moved, o.workerErr(ctx, err)
			}
		}
	}

	n, err := o.store.Compared(ctx, b.ID)
	if err != nil {
		return moved, err
	}
	if n < b.PairCount || !b.MarkComparisonsComplete() {
		return moved, nil
	}

	res, err := o.engine.CompareAll(ctx, b)
	if err != nil {
		return true, o.workerErr(ctx, err)
	}
	o.results[b.ID] = res
	return true, o.onCompared(ctx, b, res)
}

func (o *Orchestrator) collectResults(ctx context.Context, b *registry.Branch) error {
	for _, id := range b.Models {
		h, ok, err := o.store.Result(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("branch %d: model %d counted learned without a result", b.ID, id)
		}
		if err := o.reg.RecordResult(id, h); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) onCompared(ctx context.Context, b *registry.Branch, res tournament.Result) error {
	tree, err := o.reg.Tree(b.Tree)
	if err != nil {
		return err
	}
	switch b.Kind {
	case registry.KindGhost:
		o.survivors[b.Tree] = []int{res.Champion}
		tree.State = registry.TreeDone
		o.recordTournament(logging.DecisionGhost, b, res)
		return nil
	case registry.KindFinal:
		tree.State = registry.TreeDone
		o.recordTournament(logging.DecisionFinal, b, res)
		return nil
	}

	o.champions[b.Tree] = append(o.champions[b.Tree], res.Champion)
	o.recordTournament(logging.DecisionBranchChampion, b, res)
	return o.grow(ctx, tree, b)
}

// grow asks the tree's rule for the next generation.
func (o *Orchestrator) grow(ctx context.Context, tree *registry.Tree, b *registry.Branch) error {
	rule := o.rules[tree.Rule]
	if rule.CompletedInitially() {
		tree.State = registry.TreeAwaitingFinalTournament
		log.Printf("[SEARCH] tree %s: complete after seed branch %d", tree.Rule, b.ID)
		return nil
	}

	next, done, err := rule.NextGeneration(o.names(b.Ranking()), o.names(o.champions[tree.Rule]), b.Generation)
	if err != nil {
		return fmt.Errorf("tree %s: %w", tree.Rule, err)
	}
	if done {
		tree.State = registry.TreeAwaitingFinalTournament
		log.Printf("[SEARCH] tree %s: rule complete after generation %d", tree.Rule, b.Generation)
		return nil
	}
	if len(next) == 0 {
		return &ExhaustionError{Rule: tree.Rule, Generation: b.Generation + 1}
	}

	if err := o.checkFailure(ctx); err != nil {
		return err
	}
	tree.Depth++
	if _, err := o.newBranch(ctx, tree, next, b.ID); err != nil {
		return err
	}
	b.MarkSpawned()
	return nil
}

// treesSettled reports when no search tree is left in state.
func (o *Orchestrator) treesSettled(state registry.TreeState) func() bool {
	return func() bool {
		for _, name := range o.order {
			if t, err := o.reg.Tree(name); err == nil && t.State == state {
				return false
			}
		}
		return true
	}
}

func (o *Orchestrator) names(ids []int) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if m, err := o.reg.Model(id); err == nil {
			out = append(out, m.Name)
		}
	}
	return out
}

// #endregion

// #region reconcile

// collapse weighs each branch champion against its parent branch's champion
// and drops the loser when the evidence exceeds C.
func (o *Orchestrator) collapse(ctx context.Context) error {
	for _, name := range o.order {
		o.survivors[name] = uniqueSorted(o.champions[name])
	}
	c := o.cfg.CollapseThreshold

	for _, b := range o.reg.Branches() {
		if b.Kind != registry.KindGeneration || b.Parent == 0 {
			continue
		}
		parent, err := o.reg.Branch(b.Parent)
		if err != nil {
			return err
		}
		p, q := parent.Champion, b.Champion
		if p == q || p < 0 || q < 0 {
			continue
		}
		if !contains(o.survivors[b.Tree], p) || !contains(o.survivors[b.Tree], q) {
			continue
		}

		k := registry.NewPairKey(p, q)
		r, err := o.ratio(ctx, k)
		if err != nil {
			return err
		}
		var winner, loser int
		switch {
		case r > c:
			winner, loser = k.Low, k.High
		case r < 1/c:
			winner, loser = k.High, k.Low
		default:
			continue
		}
		if err := o.reg.SetStatus(loser, registry.StatusDeactivated); err != nil {
			return err
		}
		o.survivors[b.Tree] = remove(o.survivors[b.Tree], loser)
		log.Printf("[SEARCH] collapse: branch %d vs parent %d, model %d beats %d (ratio %g)", b.ID, parent.ID, winner, loser, k.Favouring(winner, r))
		o.record(logging.Decision{
			Kind:     logging.DecisionCollapse,
			BranchID: b.ID,
			ModelID:  winner,
			OtherID:  loser,
			Ratio:    k.Favouring(winner, r),
			Reason:   fmt.Sprintf("parent branch %d champion vs child champion", parent.ID),
		})
	}
	return nil
}

// ghosts runs one tournament per tree among its surviving champions.
func (o *Orchestrator) ghosts(ctx context.Context) error {
	for _, name := range o.order {
		tree, err := o.reg.Tree(name)
		if err != nil {
			return err
		}
		if _, err := o.newBranchFromIDs(ctx, tree, o.survivors[name], registry.KindGhost); err != nil {
			return err
		}
	}
	return o.drive(ctx, o.treesSettled(registry.TreeAwaitingFinalTournament))
}

// final merges the ghost champions and returns the global champion. Every
// other model ends Deactivated.
func (o *Orchestrator) final(ctx context.Context) (int, error) {
	tree, err := o.reg.NewTree(FinalTree)
	if err != nil {
		return -1, err
	}
	var ids []int
	for _, name := range o.order {
		ids = append(ids, o.survivors[name]...)
	}
	fb, err := o.newBranchFromIDs(ctx, tree, uniqueSorted(ids), registry.KindFinal)
	if err != nil {
		return -1, err
	}
	if err := o.drive(ctx, func() bool { return fb.Champion >= 0 }); err != nil {
		return -1, err
	}

	for _, id := range o.reg.ActiveIDs() {
		if err := o.reg.SetStatus(id, registry.StatusDeactivated); err != nil {
			return -1, err
		}
	}
	if err := o.reg.SetStatus(fb.Champion, registry.StatusActive); err != nil {
		return -1, err
	}
	return fb.Champion, nil
}

// reduce drops the champion's negligible terms and keeps the reduced model
// if its evidence over the champion exceeds C.
func (o *Orchestrator) reduce(ctx context.Context, champion int) (int, error) {
	m, err := o.reg.Model(champion)
	if err != nil {
		return champion, err
	}
	if m.BranchID > 0 {
		if b, err := o.reg.Branch(m.BranchID); err == nil {
			if rule, ok := o.rules[b.Tree]; ok && rule.CompletedInitially() {
				log.Printf("[SEARCH] reduction skipped: champion from fixed rule %s", b.Tree)
				return champion, nil
			}
		}
	}

	negligible, err := o.deps.Learner.Negligible(ctx, worker.Subject{ID: m.ID, Name: m.Name, Handle: m.Result})
	if err != nil {
		return champion, &WorkerFailure{Phase: "negligible", ModelID: champion, Reason: err.Error()}
	}
	drop := make(map[string]bool, len(negligible))
	for _, t := range negligible {
		if c, _, err := o.deps.Naming.Canonicalize(t); err == nil {
			drop[c] = true
		}
	}
	terms := o.deps.Naming.Terms(m.Name)
	var keep []string
	for _, t := range terms {
		if c, _, err := o.deps.Naming.Canonicalize(t); err == nil && drop[c] {
			continue
		}
		keep = append(keep, t)
	}
	if len(keep) == 0 || len(keep) == len(terms) {
		return champion, nil
	}

	reducedName, err := o.deps.Naming.Join(keep)
	if err != nil {
		return champion, fmt.Errorf("reduce %s: %w", m.Name, err)
	}
	rid, isNew, err := o.reg.GetOrCreate(reducedName)
	if err != nil {
		return champion, err
	}
	if isNew {
		modelsRegistered.Inc()
	}
	if rid == champion {
		return champion, nil
	}
	h, err := o.pool.AwaitLearned(ctx, o.subject(rid))
	if err != nil {
		return champion, o.workerErr(ctx, err)
	}
	if err := o.reg.RecordResult(rid, h); err != nil {
		return champion, err
	}

	k := registry.NewPairKey(rid, champion)
	r, err := o.ratio(ctx, k)
	if err != nil {
		return champion, err
	}
	favour := k.Favouring(rid, r)
	replaced := favour > o.cfg.CollapseThreshold
	log.Printf("[SEARCH] reduction: %s -> %s, ratio %g, replaced=%v", m.Name, reducedName, favour, replaced)

	d := logging.Decision{
		Kind:    logging.DecisionReduction,
		ModelID: champion,
		OtherID: rid,
		Ratio:   favour,
		Reason:  fmt.Sprintf("dropped %v", negligible),
	}
	if replaced {
		d.ModelID, d.OtherID = rid, champion
		if err := o.reg.SetStatus(champion, registry.StatusDeactivated); err != nil {
			return champion, err
		}
		if err := o.reg.SetStatus(rid, registry.StatusActive); err != nil {
			return champion, err
		}
	}
	o.record(d)
	if replaced {
		return rid, nil
	}
	return champion, nil
}

// ratio ensures a single pair is compared and records it in the caches.
func (o *Orchestrator) ratio(ctx context.Context, k registry.PairKey) (float64, error) {
	src := poolSource{o: o}
	if err := src.Ensure(ctx, []registry.PairKey{k}, false); err != nil {
		return 0, o.workerErr(ctx, err)
	}
	r, ok, err := o.store.Ratio(ctx, k)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("pair %s: no ratio after comparison", k)
	}
	if err := o.reg.AppendComparison(k, r); err != nil {
		return 0, err
	}
	return r, nil
}

func (o *Orchestrator) recordTournament(kind string, b *registry.Branch, res tournament.Result) {
	detail := logging.TournamentDetail{
		Threshold: o.engine.Threshold(),
		Points:    res.Points,
		Ranking:   b.Ranking(),
		TieBreaks: res.TieBreaks,
		Ratios:    make(map[string]float64, len(res.Ratios)),
	}
	for k, r := range res.Ratios {
		detail.Ratios[k.String()] = r
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		log.Printf("[SEARCH] marshal tournament detail: %v", err)
	}
	o.record(logging.Decision{
		Kind:       kind,
		BranchID:   b.ID,
		ModelID:    res.Champion,
		OtherID:    -1,
		Reason:     fmt.Sprintf("%s branch of %s", b.Kind, b.Tree),
		DetailJSON: string(raw),
	})
}

// #endregion

// #region pair-source

// poolSource feeds the tournament engine from the worker pool.
type poolSource struct {
	o *Orchestrator
}

func (s poolSource) Ensure(ctx context.Context, pairs []registry.PairKey, force bool) error {
	subjects := make([][2]worker.Subject, len(pairs))
	for i, k := range pairs {
		subjects[i] = [2]worker.Subject{s.o.subject(k.Low), s.o.subject(k.High)}
	}
	return s.o.pool.AwaitCompared(ctx, subjects, force)
}

func (s poolSource) Ratio(ctx context.Context, k registry.PairKey) (float64, bool, error) {
	return s.o.store.Ratio(ctx, k)
}

// #endregion

// #region helpers

func uniqueSorted(ids []int) []int {
	seen := make(map[int]bool, len(ids))
	var out []int
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

func contains(ids []int, id int) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func remove(ids []int, id int) []int {
	out := ids[:0:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

// #endregion
