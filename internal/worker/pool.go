package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/danielpatrickdp/model-search/go-controller/internal/coord"
	"github.com/danielpatrickdp/model-search/go-controller/internal/registry"
	"golang.org/x/sync/semaphore"
)

// #region constants

// NoBranch is passed when a job should not credit any branch counter.
const NoBranch = 0

// ErrHalted is returned for dispatches attempted after the failure flag is up.
var ErrHalted = errors.New("dispatch halted by failure flag")

// #endregion constants

// #region pool-struct

// job tracks one in-flight learn or compare. Branches that ask for the same
// model or pair while it runs are credited when it lands.
type job struct {
	branches []int
	done     chan struct{}
	err      error
}

// Pool runs Learner and Comparator calls concurrently, bounded by a weighted
// semaphore. Results go to the coordination store only; the pool never sees
// registry state.
type Pool struct {
	store      coord.Store
	learner    Learner
	comparator Comparator
	sem        *semaphore.Weighted
	timeout    time.Duration

	mu        sync.Mutex
	learning  map[int]*job
	comparing map[registry.PairKey]*job
	firstErr  *JobError
	wg        sync.WaitGroup
}

// PoolConfig bounds concurrency and per-job time.
type PoolConfig struct {
	Workers    int
	JobTimeout time.Duration
}

// NewPool creates a pool writing into store.
func NewPool(store coord.Store, learner Learner, comparator Comparator, cfg PoolConfig) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Pool{
		store:      store,
		learner:    learner,
		comparator: comparator,
		sem:        semaphore.NewWeighted(int64(cfg.Workers)),
		timeout:    cfg.JobTimeout,
		learning:   make(map[int]*job),
		comparing:  make(map[registry.PairKey]*job),
	}
}

// #endregion pool-struct

// #region learn

// Learn credits branch with one learned model once m has a result, dispatching
// a learn job if none exists or is running.
func (p *Pool) Learn(ctx context.Context, branch int, m Subject) error {
	_, err := p.learn(ctx, branch, m)
	return err
}

// AwaitLearned learns m if needed and blocks until its handle is available.
func (p *Pool) AwaitLearned(ctx context.Context, m Subject) (Handle, error) {
	j, err := p.learn(ctx, NoBranch, m)
	if err != nil {
		return nil, err
	}
	if j != nil {
		select {
		case <-j.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if j.err != nil {
			return nil, j.err
		}
	}
	h, ok, err := p.store.Result(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("model %d: no result after learning", m.ID)
	}
	return Handle(h), nil
}

// learn returns the job to wait on, or nil when the result already exists.
func (p *Pool) learn(ctx context.Context, branch int, m Subject) (*job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if j, ok := p.learning[m.ID]; ok {
		j.branches = appendBranch(j.branches, branch)
		return j, nil
	}
	if _, ok, err := p.store.Result(ctx, m.ID); err != nil {
		return nil, err
	} else if ok {
		return nil, p.credit(ctx, []int{branch}, p.store.IncrLearned)
	}
	if err := p.checkHalted(ctx); err != nil {
		return nil, err
	}

	j := &job{branches: appendBranch(nil, branch), done: make(chan struct{})}
	p.learning[m.ID] = j
	p.wg.Add(1)
	jobsDispatched.WithLabelValues(KindLearn).Inc()
	go p.runLearn(ctx, m, j)
	return j, nil
}

func (p *Pool) runLearn(ctx context.Context, m Subject, j *job) {
	defer p.wg.Done()
	defer close(j.done)

	// the slot is held until the failure flag is raised, so queued jobs see it
	release, err := p.acquire(ctx)
	if err == nil {
		defer release()
		err = p.timed(ctx, KindLearn, func(jobCtx context.Context) error {
			h, err := p.learner.Learn(jobCtx, m)
			if err != nil {
				return err
			}
			if h == nil {
				h = Handle{}
			}
			return p.store.PutResult(ctx, m.ID, h)
		})
	}

	p.mu.Lock()
	delete(p.learning, m.ID)
	branches := j.branches
	p.mu.Unlock()

	if errors.Is(err, ErrHalted) {
		j.err = err
		return
	}
	if err != nil {
		j.err = p.fail(ctx, &JobError{Kind: KindLearn, Model: m.ID, Err: err})
		return
	}
	if err := p.credit(ctx, branches, p.store.IncrLearned); err != nil {
		j.err = p.fail(ctx, &JobError{Kind: KindLearn, Model: m.ID, Err: err})
	}
}

// #endregion learn

// #region compare

// Compare credits branch with one completed comparison once the pair has a
// ratio. With force, a fresh comparison is run even if a ratio is cached.
// a and b may be given in either order.
func (p *Pool) Compare(ctx context.Context, branch int, a, b Subject, force bool) error {
	_, err := p.compare(ctx, branch, a, b, force)
	return err
}

// AwaitCompared ensures every pair has a ratio and blocks until all land.
// With force every pair is recomputed.
func (p *Pool) AwaitCompared(ctx context.Context, pairs [][2]Subject, force bool) error {
	var jobs []*job
	for _, pr := range pairs {
		j, err := p.compare(ctx, NoBranch, pr[0], pr[1], force)
		if err != nil {
			return err
		}
		if j != nil {
			jobs = append(jobs, j)
		}
	}
	for _, j := range jobs {
		select {
		case <-j.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if j.err != nil {
			return j.err
		}
	}
	return nil
}

func (p *Pool) compare(ctx context.Context, branch int, a, b Subject, force bool) (*job, error) {
	if a.ID > b.ID {
		a, b = b, a
	}
	k := registry.NewPairKey(a.ID, b.ID)

	p.mu.Lock()
	defer p.mu.Unlock()

	// a running job is always a fresh computation, so it satisfies force too
	if j, ok := p.comparing[k]; ok {
		j.branches = appendBranch(j.branches, branch)
		return j, nil
	}
	if !force {
		if _, ok, err := p.store.Ratio(ctx, k); err != nil {
			return nil, err
		} else if ok {
			return nil, p.credit(ctx, []int{branch}, p.store.IncrCompared)
		}
	}
	if err := p.checkHalted(ctx); err != nil {
		return nil, err
	}

	j := &job{branches: appendBranch(nil, branch), done: make(chan struct{})}
	p.comparing[k] = j
	p.wg.Add(1)
	jobsDispatched.WithLabelValues(KindCompare).Inc()
	go p.runCompare(ctx, k, a, b, j)
	return j, nil
}

func (p *Pool) runCompare(ctx context.Context, k registry.PairKey, a, b Subject, j *job) {
	defer p.wg.Done()
	defer close(j.done)

	release, err := p.acquire(ctx)
	if err == nil {
		defer release()
		// one forced retry for failed or unusable ratios
		for attempt := 0; attempt < 2; attempt++ {
			if attempt > 0 {
				if herr := p.checkHalted(ctx); herr != nil {
					err = herr
					break
				}
				jobRetries.Inc()
				log.Printf("[POOL] retrying comparison %s after: %v", k, err)
			}
			err = p.timed(ctx, KindCompare, func(jobCtx context.Context) error {
				sa, sb, err := p.withHandles(jobCtx, a, b)
				if err != nil {
					return err
				}
				ratio, err := p.comparator.Compare(jobCtx, sa, sb)
				if err != nil {
					return err
				}
				if math.IsNaN(ratio) || math.IsInf(ratio, 0) || ratio <= 0 {
					return fmt.Errorf("unusable ratio %v", ratio)
				}
				return p.store.PutRatio(ctx, k, ratio)
			})
			if err == nil || ctx.Err() != nil {
				break
			}
		}
	}

	p.mu.Lock()
	delete(p.comparing, k)
	branches := j.branches
	p.mu.Unlock()

	if errors.Is(err, ErrHalted) {
		j.err = err
		return
	}
	if err != nil {
		j.err = p.fail(ctx, &JobError{Kind: KindCompare, Pair: k, Err: err})
		return
	}
	if err := p.credit(ctx, branches, p.store.IncrCompared); err != nil {
		j.err = p.fail(ctx, &JobError{Kind: KindCompare, Pair: k, Err: err})
	}
}

func (p *Pool) withHandles(ctx context.Context, a, b Subject) (Subject, Subject, error) {
	for _, s := range []*Subject{&a, &b} {
		if s.Handle != nil {
			continue
		}
		h, ok, err := p.store.Result(ctx, s.ID)
		if err != nil {
			return a, b, err
		}
		if !ok {
			return a, b, fmt.Errorf("model %d has no learned result", s.ID)
		}
		s.Handle = Handle(h)
	}
	return a, b, nil
}

// #endregion compare

// #region helpers

// acquire waits for a semaphore slot. Jobs still queued when the failure
// flag goes up get ErrHalted and never run.
func (p *Pool) acquire(ctx context.Context) (func(), error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if err := p.checkHalted(ctx); err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return func() { p.sem.Release(1) }, nil
}

// timed runs fn under the per-job timeout and records its duration.
func (p *Pool) timed(ctx context.Context, kind string, fn func(context.Context) error) error {
	jobCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(jobCtx)
	jobDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	return err
}

func (p *Pool) credit(ctx context.Context, branches []int, incr func(context.Context, int) (int, error)) error {
	for _, b := range branches {
		if b == NoBranch {
			continue
		}
		if _, err := incr(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// fail raises the global flag and remembers the first structured error.
func (p *Pool) fail(ctx context.Context, jerr *JobError) error {
	jobsFailed.WithLabelValues(jerr.Kind).Inc()
	log.Printf("[POOL] job failed: %v", jerr)

	p.mu.Lock()
	if p.firstErr == nil {
		p.firstErr = jerr
	}
	p.mu.Unlock()

	if err := p.store.Fail(context.WithoutCancel(ctx), jerr.Error()); err != nil {
		log.Printf("[POOL] failed to raise failure flag: %v", err)
	}
	return jerr
}

func (p *Pool) checkHalted(ctx context.Context) error {
	if _, failed, err := p.store.Failure(ctx); err != nil {
		return err
	} else if failed {
		return ErrHalted
	}
	return nil
}

// Err returns the first job failure seen by this pool, nil if none.
func (p *Pool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.firstErr == nil {
		return nil
	}
	return p.firstErr
}

// Wait blocks until every dispatched job has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func appendBranch(branches []int, b int) []int {
	if b == NoBranch {
		return branches
	}
	for _, existing := range branches {
		if existing == b {
			return branches
		}
	}
	return append(branches, b)
}

// #endregion helpers
