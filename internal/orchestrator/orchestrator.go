package orchestrator

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/danielpatrickdp/model-search/go-controller/internal/coord"
	"github.com/danielpatrickdp/model-search/go-controller/internal/growth"
	"github.com/danielpatrickdp/model-search/go-controller/internal/logging"
	"github.com/danielpatrickdp/model-search/go-controller/internal/registry"
	"github.com/danielpatrickdp/model-search/go-controller/internal/tournament"
	"github.com/danielpatrickdp/model-search/go-controller/internal/worker"
	"github.com/google/uuid"
)

// #endregion

// #region orchestrator-struct

// ErrNoRules is returned by Run when no growth rule was configured.
var ErrNoRules = errors.New("no growth rules configured")

// Orchestrator drives one search: it owns the registry, dispatches work to
// the pool and advances every tree from seed to final champion. All registry
// mutation happens on the goroutine calling Run.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	runID  string
	reg    *registry.Registry
	store  coord.Store
	pool   *worker.Pool
	engine *tournament.Engine

	rules map[string]growth.Rule
	order []string

	champions map[string][]int // tree -> branch champions in generation order
	survivors map[string][]int // tree -> champions still standing
	results   map[int]tournament.Result
	decisions []logging.Decision
	ran       bool
}

// #endregion

// #region constructor

// New validates deps and wires a search.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("orchestrator: coordination store required")
	case deps.Learner == nil || deps.Comparator == nil:
		return nil, fmt.Errorf("orchestrator: learner and comparator required")
	case deps.Naming == nil:
		return nil, fmt.Errorf("orchestrator: naming convention required")
	}
	cfg = cfg.withDefaults()
	if cfg.TrueModel != "" {
		if _, _, err := deps.Naming.Canonicalize(cfg.TrueModel); err != nil {
			return nil, fmt.Errorf("orchestrator: true model: %w", err)
		}
	}
	if deps.RunID == "" {
		deps.RunID = uuid.NewString()
	}

	o := &Orchestrator{
		cfg:       cfg,
		deps:      deps,
		runID:     deps.RunID,
		reg:       registry.New(deps.Naming),
		store:     deps.Store,
		rules:     make(map[string]growth.Rule, len(deps.Rules)),
		champions: make(map[string][]int),
		survivors: make(map[string][]int),
		results:   make(map[int]tournament.Result),
	}
	for _, r := range deps.Rules {
		name := r.Name()
		if name == FinalTree {
			return nil, fmt.Errorf("orchestrator: rule name %q is reserved", name)
		}
		if _, dup := o.rules[name]; dup {
			return nil, fmt.Errorf("orchestrator: duplicate rule %q", name)
		}
		o.rules[name] = r
		o.order = append(o.order, name)
	}

	o.pool = worker.NewPool(deps.Store, deps.Learner, deps.Comparator, worker.PoolConfig{
		Workers:    cfg.Workers,
		JobTimeout: cfg.JobTimeout,
	})
	o.engine = tournament.New(o.reg, poolSource{o: o}, tournament.Config{
		Threshold:       cfg.Threshold,
		RecomputeBudget: cfg.RecomputeBudget,
	})
	return o, nil
}

// RunID returns the id stamped on this search's records.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Registry exposes the search state for inspection after Run returns.
func (o *Orchestrator) Registry() *registry.Registry {
	return o.reg
}

// #endregion

// #region run

// Run searches every configured tree and returns the global champion with a
// full audit trail. A worker failure aborts with *WorkerFailure and no
// partial outcome.
func (o *Orchestrator) Run(ctx context.Context) (*Outcome, error) {
	if o.ran {
		return nil, fmt.Errorf("orchestrator: run %s already executed", o.runID)
	}
	o.ran = true
	if len(o.order) == 0 {
		return nil, ErrNoRules
	}
	defer o.pool.Wait()

	started := time.Now().UTC()
	log.Printf("[SEARCH] run %s: %d trees, T=%g C=%g", o.runID, len(o.order), o.cfg.Threshold, o.cfg.CollapseThreshold)

	if err := o.seed(ctx); err != nil {
		return nil, err
	}
	if err := o.drive(ctx, o.treesSettled(registry.TreeGrowing)); err != nil {
		return nil, err
	}
	if err := o.collapse(ctx); err != nil {
		return nil, err
	}
	if err := o.ghosts(ctx); err != nil {
		return nil, err
	}
	champion, err := o.final(ctx)
	if err != nil {
		return nil, err
	}

	reducedFrom := -1
	if o.cfg.ReduceChampion {
		reduced, err := o.reduce(ctx, champion)
		if err != nil {
			return nil, err
		}
		if reduced != champion {
			reducedFrom, champion = champion, reduced
		}
	}

	out, err := o.outcome(ctx, champion, reducedFrom)
	if err != nil {
		return nil, err
	}
	out.StartedAt = started
	out.FinishedAt = time.Now().UTC()
	log.Printf("[SEARCH] run %s: champion %d (%s) from %d models, %d branches",
		o.runID, out.ChampionID, out.ChampionName, len(out.Models), len(out.Branches))
	return out, nil
}

// RunSingleModel registers and learns one model outside any tournament and
// returns its learned handle.
func (o *Orchestrator) RunSingleModel(ctx context.Context, name string) (worker.Handle, error) {
	id, isNew, err := o.reg.GetOrCreate(name)
	if err != nil {
		return nil, err
	}
	if isNew {
		modelsRegistered.Inc()
	}
	h, err := o.pool.AwaitLearned(ctx, o.subject(id))
	if err != nil {
		return nil, o.workerErr(ctx, err)
	}
	if err := o.reg.RecordResult(id, h); err != nil {
		return nil, err
	}
	log.Printf("[SEARCH] single model %d (%s) learned", id, name)
	return h, nil
}

// #endregion

// #region dispatch

func (o *Orchestrator) seed(ctx context.Context) error {
	for _, name := range o.order {
		tree, err := o.reg.NewTree(name)
		if err != nil {
			return err
		}
		seed := o.rules[name].SeedModels()
		if len(seed) == 0 {
			return &ExhaustionError{Rule: name, Generation: 0}
		}
		if _, err := o.newBranch(ctx, tree, seed, 0); err != nil {
			return err
		}
	}
	return nil
}

// newBranch registers names as a generation branch and dispatches learning.
func (o *Orchestrator) newBranch(ctx context.Context, tree *registry.Tree, names []string, parent int) (*registry.Branch, error) {
	before := o.reg.Len()
	b, err := o.reg.CreateBranch(tree, names, parent, registry.KindGeneration)
	if err != nil {
		return nil, fmt.Errorf("tree %s: %w", tree.Rule, err)
	}
	modelsRegistered.Add(float64(o.reg.Len() - before))
	return b, o.dispatch(ctx, b)
}

// newBranchFromIDs builds a ghost or final branch from known models.
func (o *Orchestrator) newBranchFromIDs(ctx context.Context, tree *registry.Tree, ids []int, kind registry.BranchKind) (*registry.Branch, error) {
	b, err := o.reg.CreateBranchFromIDs(tree, ids, 0, kind)
	if err != nil {
		return nil, fmt.Errorf("tree %s: %w", tree.Rule, err)
	}
	return b, o.dispatch(ctx, b)
}

func (o *Orchestrator) dispatch(ctx context.Context, b *registry.Branch) error {
	branchesCreated.WithLabelValues(string(b.Kind)).Inc()
	if err := o.store.InitBranch(ctx, b.ID); err != nil {
		return fmt.Errorf("init branch %d: %w", b.ID, err)
	}
	log.Printf("[SEARCH] branch %d (%s/%s gen %d): %d models, %d precomputed, %d pairs",
		b.ID, b.Tree, b.Kind, b.Generation, b.Size(), len(b.Precomputed), b.PairCount)

	for _, id := range b.Models {
		if err := o.pool.Learn(ctx, b.ID, o.subject(id)); err != nil {
			return o.workerErr(ctx, err)
		}
	}
	return nil
}

func (o *Orchestrator) subject(id int) worker.Subject {
	s := worker.Subject{ID: id}
	if m, err := o.reg.Model(id); err == nil {
		s.Name = m.Name
	}
	return s
}

// #endregion

// #region failures

func (o *Orchestrator) checkFailure(ctx context.Context) error {
	reason, failed, err := o.store.Failure(ctx)
	if err != nil {
		return fmt.Errorf("read failure flag: %w", err)
	}
	if failed {
		return o.failure(reason)
	}
	return nil
}

// workerErr maps pool errors onto *WorkerFailure and passes others through.
func (o *Orchestrator) workerErr(ctx context.Context, err error) error {
	var jerr *worker.JobError
	if !errors.Is(err, worker.ErrHalted) && !errors.As(err, &jerr) {
		return err
	}
	reason, _, ferr := o.store.Failure(context.WithoutCancel(ctx))
	if ferr != nil || reason == "" {
		reason = err.Error()
	}
	return o.failure(reason)
}

func (o *Orchestrator) failure(reason string) error {
	wf := &WorkerFailure{ModelID: -1, Reason: reason}
	var jerr *worker.JobError
	if errors.As(o.pool.Err(), &jerr) {
		wf.Phase = jerr.Kind
		if jerr.Kind == worker.KindLearn {
			wf.ModelID = jerr.Model
		} else {
			wf.Pair = jerr.Pair
		}
	}
	log.Printf("[SEARCH] run %s aborted: %v", o.runID, wf)
	return wf
}

// #endregion

// #region decisions

func (o *Orchestrator) record(d logging.Decision) {
	d.RunID = o.runID
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	o.decisions = append(o.decisions, d)
	if o.deps.Decisions != nil {
		o.deps.Decisions.Record(d)
	}
}

// #endregion
