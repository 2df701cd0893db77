package coord

import (
	"context"
	"fmt"
	"sync"

	"github.com/danielpatrickdp/model-search/go-controller/internal/registry"
)

// #region memstore

type branchCounters struct {
	learned  int
	compared int
}

// MemStore is an in-process Store for single-process runs and tests.
type MemStore struct {
	mu       sync.Mutex
	branches map[int]*branchCounters
	results  map[int][]byte
	ratios   map[registry.PairKey]float64
	failed   bool
	reason   string
	notify   notifier
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		branches: make(map[int]*branchCounters),
		results:  make(map[int][]byte),
		ratios:   make(map[registry.PairKey]float64),
		notify:   newNotifier(),
	}
}

func (s *MemStore) InitBranch(_ context.Context, branch int) error {
	s.mu.Lock()
	if _, ok := s.branches[branch]; !ok {
		s.branches[branch] = &branchCounters{}
	}
	s.mu.Unlock()
	return nil
}

func (s *MemStore) IncrLearned(_ context.Context, branch int) (int, error) {
	s.mu.Lock()
	c, ok := s.branches[branch]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %d", ErrUnknownBranch, branch)
	}
	c.learned++
	n := c.learned
	s.mu.Unlock()
	s.notify.signal()
	return n, nil
}

func (s *MemStore) Learned(_ context.Context, branch int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.branches[branch]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownBranch, branch)
	}
	return c.learned, nil
}

func (s *MemStore) IncrCompared(_ context.Context, branch int) (int, error) {
	s.mu.Lock()
	c, ok := s.branches[branch]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %d", ErrUnknownBranch, branch)
	}
	c.compared++
	n := c.compared
	s.mu.Unlock()
	s.notify.signal()
	return n, nil
}

func (s *MemStore) Compared(_ context.Context, branch int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.branches[branch]
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrUnknownBranch, branch)
	}
	return c.compared, nil
}

func (s *MemStore) PutResult(_ context.Context, model int, handle []byte) error {
	cp := make([]byte, len(handle))
	copy(cp, handle)
	s.mu.Lock()
	s.results[model] = cp
	s.mu.Unlock()
	s.notify.signal()
	return nil
}

func (s *MemStore) Result(_ context.Context, model int) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.results[model]
	return h, ok, nil
}

func (s *MemStore) PutRatio(_ context.Context, k registry.PairKey, ratio float64) error {
	s.mu.Lock()
	s.ratios[k] = ratio
	s.mu.Unlock()
	s.notify.signal()
	return nil
}

func (s *MemStore) Ratio(_ context.Context, k registry.PairKey) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.ratios[k]
	return r, ok, nil
}

func (s *MemStore) Ratios(_ context.Context) (map[registry.PairKey]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[registry.PairKey]float64, len(s.ratios))
	for k, v := range s.ratios {
		out[k] = v
	}
	return out, nil
}

func (s *MemStore) Fail(_ context.Context, reason string) error {
	s.mu.Lock()
	if !s.failed {
		s.failed = true
		s.reason = reason
	}
	s.mu.Unlock()
	s.notify.signal()
	return nil
}

func (s *MemStore) Failure(_ context.Context) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.failed, nil
}

func (s *MemStore) Changed() <-chan struct{} {
	return s.notify.ch
}

func (s *MemStore) Close() error {
	return nil
}

// #endregion memstore
