package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danielpatrickdp/model-search/go-controller/internal/coord"
	"github.com/danielpatrickdp/model-search/go-controller/internal/registry"
)

// #region fakes

type fakeLearner struct {
	calls atomic.Int32
	fail  map[int]bool
	delay time.Duration
}

func (f *fakeLearner) Learn(ctx context.Context, m Subject) (Handle, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail[m.ID] {
		return nil, fmt.Errorf("cannot fit %s", m.Name)
	}
	return Handle(m.Name), nil
}

func (f *fakeLearner) Negligible(ctx context.Context, m Subject) ([]string, error) {
	return nil, nil
}

// fakeComparator favours the model with the shorter handle by a factor of 10
// per character.
type fakeComparator struct {
	mu     sync.Mutex
	calls  int
	script []float64 // consumed first, then the length rule
}

func (f *fakeComparator) Compare(ctx context.Context, a, b Subject) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.script) > 0 {
		r := f.script[0]
		f.script = f.script[1:]
		return r, nil
	}
	return math.Pow(10, float64(len(b.Handle)-len(a.Handle))), nil
}

func (f *fakeComparator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func subjects(names ...string) []Subject {
	out := make([]Subject, len(names))
	for i, n := range names {
		out[i] = Subject{ID: i + 1, Name: n}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// #endregion fakes

// #region learn-tests
func TestLearnCreditsBranch(t *testing.T) {
	ctx := context.Background()
	store := coord.NewMemStore()
	learner := &fakeLearner{}
	p := NewPool(store, learner, &fakeComparator{}, PoolConfig{Workers: 2})
	store.InitBranch(ctx, 1)

	for _, s := range subjects("x", "y", "z") {
		if err := p.Learn(ctx, 1, s); err != nil {
			t.Fatalf("Learn: %v", err)
		}
	}
	p.Wait()

	if n, _ := store.Learned(ctx, 1); n != 3 {
		t.Fatalf("expected learned=3, got %d", n)
	}
	if h, ok, _ := store.Result(ctx, 2); !ok || string(h) != "y" {
		t.Fatalf("expected result y, got %q ok=%v", h, ok)
	}
}

func TestLearnSharedModelCreditsEveryBranch(t *testing.T) {
	ctx := context.Background()
	store := coord.NewMemStore()
	learner := &fakeLearner{delay: 20 * time.Millisecond}
	p := NewPool(store, learner, &fakeComparator{}, PoolConfig{Workers: 4})
	store.InitBranch(ctx, 1)
	store.InitBranch(ctx, 2)

	m := Subject{ID: 7, Name: "x"}
	p.Learn(ctx, 1, m)
	p.Learn(ctx, 2, m)
	p.Wait()

	if got := learner.calls.Load(); got != 1 {
		t.Fatalf("expected one learn call, got %d", got)
	}
	for _, b := range []int{1, 2} {
		if n, _ := store.Learned(ctx, b); n != 1 {
			t.Fatalf("branch %d: expected learned=1, got %d", b, n)
		}
	}

	// already learned: credited immediately without a new job
	store.InitBranch(ctx, 3)
	if err := p.Learn(ctx, 3, m); err != nil {
		t.Fatalf("Learn: %v", err)
	}
	if n, _ := store.Learned(ctx, 3); n != 1 {
		t.Fatalf("expected immediate credit, got %d", n)
	}
	if got := learner.calls.Load(); got != 1 {
		t.Fatalf("expected no new learn call, got %d", got)
	}
}

func TestAwaitLearned(t *testing.T) {
	ctx := context.Background()
	store := coord.NewMemStore()
	p := NewPool(store, &fakeLearner{delay: 10 * time.Millisecond}, &fakeComparator{}, PoolConfig{Workers: 1})

	h, err := p.AwaitLearned(ctx, Subject{ID: 3, Name: "xTx"})
	if err != nil {
		t.Fatalf("AwaitLearned: %v", err)
	}
	if string(h) != "xTx" {
		t.Fatalf("expected handle xTx, got %q", h)
	}
}

func TestLearnFailureRaisesFlag(t *testing.T) {
	ctx := context.Background()
	store := coord.NewMemStore()
	p := NewPool(store, &fakeLearner{fail: map[int]bool{2: true}}, &fakeComparator{}, PoolConfig{Workers: 2})
	store.InitBranch(ctx, 1)

	ss := subjects("x", "y")
	p.Learn(ctx, 1, ss[0])
	p.Learn(ctx, 1, ss[1])
	p.Wait()

	reason, failed, _ := store.Failure(ctx)
	if !failed {
		t.Fatal("expected failure flag")
	}
	if reason == "" {
		t.Fatal("expected failure reason")
	}
	var jerr *JobError
	if !errors.As(p.Err(), &jerr) {
		t.Fatalf("expected *JobError, got %v", p.Err())
	}
	if jerr.Kind != KindLearn || jerr.Model != 2 {
		t.Fatalf("unexpected job error: %+v", jerr)
	}

	// no further dispatch
	if err := p.Learn(ctx, 1, Subject{ID: 9, Name: "z"}); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", err)
	}
}

func TestQueuedJobsStopAfterFailure(t *testing.T) {
	ctx := context.Background()
	store := coord.NewMemStore()
	learner := &fakeLearner{delay: 10 * time.Millisecond, fail: map[int]bool{1: true, 2: true, 3: true, 4: true, 5: true, 6: true}}
	p := NewPool(store, learner, &fakeComparator{}, PoolConfig{Workers: 1})
	store.InitBranch(ctx, 1)

	for _, s := range subjects("a", "b", "c", "d", "e", "f") {
		// later dispatches may already see the flag
		if err := p.Learn(ctx, 1, s); err != nil && !errors.Is(err, ErrHalted) {
			t.Fatalf("Learn: %v", err)
		}
	}
	start := time.Now()
	p.Wait()

	if n := learner.calls.Load(); n != 1 {
		t.Fatalf("expected exactly one learn call, got %d", n)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("expected queued jobs to stop promptly, waited %v", elapsed)
	}
	var jerr *JobError
	if !errors.As(p.Err(), &jerr) || jerr.Kind != KindLearn {
		t.Fatalf("expected learn *JobError, got %v", p.Err())
	}
	if n, _ := store.Learned(ctx, 1); n != 0 {
		t.Fatalf("expected learned=0, got %d", n)
	}
}

func TestQueuedAwaitReturnsHalted(t *testing.T) {
	ctx := context.Background()
	store := coord.NewMemStore()
	learner := &fakeLearner{delay: 20 * time.Millisecond, fail: map[int]bool{1: true}}
	p := NewPool(store, learner, &fakeComparator{}, PoolConfig{Workers: 1})
	store.InitBranch(ctx, 1)

	ss := subjects("a", "b")
	if err := p.Learn(ctx, 1, ss[0]); err != nil {
		t.Fatalf("Learn: %v", err)
	}
	waitFor(t, "first learn started", func() bool { return learner.calls.Load() == 1 })

	// b queues behind the failing job and must not run
	if _, err := p.AwaitLearned(ctx, ss[1]); !errors.Is(err, ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", err)
	}
	p.Wait()
	if n := learner.calls.Load(); n != 1 {
		t.Fatalf("expected one learn call, got %d", n)
	}
}

// #endregion learn-tests

// #region compare-tests
func learnAll(t *testing.T, p *Pool, ss []Subject) {
	t.Helper()
	for _, s := range ss {
		if _, err := p.AwaitLearned(context.Background(), s); err != nil {
			t.Fatalf("AwaitLearned: %v", err)
		}
	}
}

func TestCompareOrientsPair(t *testing.T) {
	ctx := context.Background()
	store := coord.NewMemStore()
	p := NewPool(store, &fakeLearner{}, &fakeComparator{}, PoolConfig{Workers: 2})
	ss := []Subject{{ID: 1, Name: "xTx"}, {ID: 2, Name: "x"}}
	learnAll(t, p, ss)
	store.InitBranch(ctx, 1)

	// given reversed, stored favouring the lower id
	if err := p.Compare(ctx, 1, ss[1], ss[0], false); err != nil {
		t.Fatalf("Compare: %v", err)
	}
	p.Wait()

	r, ok, _ := store.Ratio(ctx, registry.NewPairKey(1, 2))
	if !ok {
		t.Fatal("expected ratio")
	}
	if math.Abs(r-0.01) > 1e-12 {
		t.Fatalf("expected ratio 0.01 for low id, got %v", r)
	}
	if n, _ := store.Compared(ctx, 1); n != 1 {
		t.Fatalf("expected compared=1, got %d", n)
	}
}

func TestCompareCachedUnlessForced(t *testing.T) {
	ctx := context.Background()
	store := coord.NewMemStore()
	cmp := &fakeComparator{}
	p := NewPool(store, &fakeLearner{}, cmp, PoolConfig{Workers: 2})
	ss := subjects("x", "xy")
	learnAll(t, p, ss)
	store.InitBranch(ctx, 1)
	store.InitBranch(ctx, 2)

	pair := [][2]Subject{{ss[0], ss[1]}}
	if err := p.AwaitCompared(ctx, pair, false); err != nil {
		t.Fatalf("AwaitCompared: %v", err)
	}
	if err := p.Compare(ctx, 2, ss[0], ss[1], false); err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if cmp.count() != 1 {
		t.Fatalf("expected cached ratio reuse, got %d calls", cmp.count())
	}
	if n, _ := store.Compared(ctx, 2); n != 1 {
		t.Fatalf("expected immediate credit, got %d", n)
	}

	if err := p.AwaitCompared(ctx, pair, true); err != nil {
		t.Fatalf("AwaitCompared forced: %v", err)
	}
	if cmp.count() != 2 {
		t.Fatalf("expected forced recompute, got %d calls", cmp.count())
	}
}

func TestCompareRetriesOnce(t *testing.T) {
	ctx := context.Background()
	store := coord.NewMemStore()
	cmp := &fakeComparator{script: []float64{math.NaN()}}
	p := NewPool(store, &fakeLearner{}, cmp, PoolConfig{Workers: 1})
	ss := subjects("x", "xy")
	learnAll(t, p, ss)

	if err := p.AwaitCompared(ctx, [][2]Subject{{ss[0], ss[1]}}, false); err != nil {
		t.Fatalf("AwaitCompared: %v", err)
	}
	if cmp.count() != 2 {
		t.Fatalf("expected 2 attempts, got %d", cmp.count())
	}
	if _, failed, _ := store.Failure(ctx); failed {
		t.Fatal("retry succeeded, flag must stay down")
	}
}

func TestComparePersistentFailure(t *testing.T) {
	ctx := context.Background()
	store := coord.NewMemStore()
	cmp := &fakeComparator{script: []float64{0, -1}}
	p := NewPool(store, &fakeLearner{}, cmp, PoolConfig{Workers: 1})
	ss := subjects("x", "xy")
	learnAll(t, p, ss)

	err := p.AwaitCompared(ctx, [][2]Subject{{ss[1], ss[0]}}, false)
	var jerr *JobError
	if !errors.As(err, &jerr) {
		t.Fatalf("expected *JobError, got %v", err)
	}
	if jerr.Kind != KindCompare || jerr.Pair != registry.NewPairKey(1, 2) {
		t.Fatalf("unexpected job error: %+v", jerr)
	}
	if _, failed, _ := store.Failure(ctx); !failed {
		t.Fatal("expected failure flag")
	}
	if _, ok, _ := store.Ratio(ctx, jerr.Pair); ok {
		t.Fatal("failed comparison must not store a ratio")
	}
}

func TestCompareUnlearnedModelFails(t *testing.T) {
	ctx := context.Background()
	store := coord.NewMemStore()
	p := NewPool(store, &fakeLearner{}, &fakeComparator{}, PoolConfig{Workers: 1})
	ss := subjects("x", "y")

	if err := p.AwaitCompared(ctx, [][2]Subject{{ss[0], ss[1]}}, false); err == nil {
		t.Fatal("expected error comparing unlearned models")
	}
}

func TestConcurrencyBound(t *testing.T) {
	ctx := context.Background()
	store := coord.NewMemStore()
	var running, peak atomic.Int32
	learner := learnFunc(func(ctx context.Context, m Subject) (Handle, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return Handle(m.Name), nil
	})
	p := NewPool(store, learner, &fakeComparator{}, PoolConfig{Workers: 3})
	store.InitBranch(ctx, 1)

	for i := 1; i <= 12; i++ {
		p.Learn(ctx, 1, Subject{ID: i, Name: fmt.Sprintf("m%d", i)})
	}
	waitFor(t, "all learned", func() bool {
		n, _ := store.Learned(ctx, 1)
		return n == 12
	})
	p.Wait()
	if peak.Load() > 3 {
		t.Fatalf("expected at most 3 concurrent jobs, saw %d", peak.Load())
	}
}

type learnFunc func(ctx context.Context, m Subject) (Handle, error)

func (f learnFunc) Learn(ctx context.Context, m Subject) (Handle, error) { return f(ctx, m) }
func (f learnFunc) Negligible(ctx context.Context, m Subject) ([]string, error) {
	return nil, nil
}

// #endregion compare-tests
