package registry

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/danielpatrickdp/model-search/go-controller/internal/naming"
)

// #region errors

var (
	// ErrIndexConflict means the bucketed index points at a model whose
	// canonical form does not match. This is a programming error.
	ErrIndexConflict = errors.New("registry index conflict")
	ErrUnknownModel  = errors.New("unknown model")
	ErrUnknownTree   = errors.New("unknown tree")
	ErrDuplicateTree = errors.New("tree already exists")
	ErrEmptyBranch   = errors.New("branch has no models")
)

// #endregion errors

// #region registry-struct

// Registry owns every Model, Branch and Tree considered by a search. It is
// single-writer: only the orchestrator goroutine mutates it.
type Registry struct {
	namer naming.Namer

	models   []*Model
	index    map[int]map[string]int // qubits -> canonical -> id
	branches []*Branch              // branch id n lives at n-1
	trees    []*Tree
	byRule   map[string]*Tree
}

// New creates an empty registry that canonicalises names with namer.
func New(namer naming.Namer) *Registry {
	return &Registry{
		namer:  namer,
		index:  make(map[int]map[string]int),
		byRule: make(map[string]*Tree),
	}
}

// #endregion registry-struct

// #region models

// GetOrCreate resolves name to a model id, creating the model if its
// canonical form has not been seen at this qubit count.
func (r *Registry) GetOrCreate(name string) (int, bool, error) {
	canon, qubits, err := r.namer.Canonicalize(name)
	if err != nil {
		return 0, false, err
	}

	bucket, ok := r.index[qubits]
	if !ok {
		bucket = make(map[string]int)
		r.index[qubits] = bucket
	}
	if id, ok := bucket[canon]; ok {
		if id < 0 || id >= len(r.models) {
			return 0, false, fmt.Errorf("%w: %s -> %d", ErrIndexConflict, canon, id)
		}
		m := r.models[id]
		if m.Canonical != canon || m.Qubits != qubits {
			return 0, false, fmt.Errorf("%w: %s/%d indexed at model %d (%s/%d)",
				ErrIndexConflict, canon, qubits, id, m.Canonical, m.Qubits)
		}
		return id, false, nil
	}

	id := len(r.models)
	r.models = append(r.models, &Model{
		ID:          id,
		Name:        name,
		Canonical:   canon,
		Qubits:      qubits,
		Status:      StatusReady,
		Comparisons: make(map[int][]float64),
	})
	bucket[canon] = id
	return id, true, nil
}

// Lookup returns the id of name without creating it.
func (r *Registry) Lookup(name string) (int, bool) {
	canon, qubits, err := r.namer.Canonicalize(name)
	if err != nil {
		return 0, false
	}
	id, ok := r.index[qubits][canon]
	return id, ok
}

// Model returns the model with the given id.
func (r *Registry) Model(id int) (*Model, error) {
	if id < 0 || id >= len(r.models) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownModel, id)
	}
	return r.models[id], nil
}

// Models returns all models in id order.
func (r *Registry) Models() []*Model {
	out := make([]*Model, len(r.models))
	copy(out, r.models)
	return out
}

// Len returns the number of registered models.
func (r *Registry) Len() int {
	return len(r.models)
}

// RecordResult stores a learned-result handle and marks the model Completed.
// Models already promoted by a tournament keep their status.
func (r *Registry) RecordResult(id int, handle []byte) error {
	m, err := r.Model(id)
	if err != nil {
		return err
	}
	m.Result = handle
	if m.Status == StatusReady {
		m.Status = StatusCompleted
	}
	return nil
}

// SetStatus updates a model's status.
func (r *Registry) SetStatus(id int, status Status) error {
	m, err := r.Model(id)
	if err != nil {
		return err
	}
	m.Status = status
	return nil
}

// ActiveIDs returns the ids of all Active models in id order.
func (r *Registry) ActiveIDs() []int {
	var ids []int
	for _, m := range r.models {
		if m.Status == StatusActive {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// AppendComparison records ratio (favouring k.Low) in both models' caches.
func (r *Registry) AppendComparison(k PairKey, ratio float64) error {
	low, err := r.Model(k.Low)
	if err != nil {
		return err
	}
	high, err := r.Model(k.High)
	if err != nil {
		return err
	}
	if ratio <= 0 || math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return fmt.Errorf("comparison %s: invalid ratio %v", k, ratio)
	}
	low.Comparisons[k.High] = append(low.Comparisons[k.High], ratio)
	high.Comparisons[k.Low] = append(high.Comparisons[k.Low], 1/ratio)
	return nil
}

// #endregion models

// #region trees

// NewTree registers the tree for a growth rule. Each rule gets one tree.
func (r *Registry) NewTree(rule string) (*Tree, error) {
	if _, ok := r.byRule[rule]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTree, rule)
	}
	t := &Tree{Rule: rule, State: TreeGrowing}
	r.trees = append(r.trees, t)
	r.byRule[rule] = t
	return t, nil
}

// Tree returns the tree for rule.
func (r *Registry) Tree(rule string) (*Tree, error) {
	t, ok := r.byRule[rule]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTree, rule)
	}
	return t, nil
}

// Trees returns all trees in creation order.
func (r *Registry) Trees() []*Tree {
	out := make([]*Tree, len(r.trees))
	copy(out, r.trees)
	return out
}

// #endregion trees

// #region branches

// CreateBranch resolves names through the registry and appends a new branch to
// tree. Names resolving to the same model are kept once.
func (r *Registry) CreateBranch(tree *Tree, names []string, parent int, kind BranchKind) (*Branch, error) {
	ids := make([]int, 0, len(names))
	var fresh, reused []int
	for _, name := range names {
		id, isNew, err := r.GetOrCreate(name)
		if err != nil {
			return nil, fmt.Errorf("branch model %q: %w", name, err)
		}
		ids = append(ids, id)
		if isNew {
			fresh = append(fresh, id)
		} else {
			reused = append(reused, id)
		}
	}
	b, err := r.newBranch(tree, ids, parent, kind)
	if err != nil {
		return nil, err
	}
	for _, id := range fresh {
		r.models[id].BranchID = b.ID
	}
	// a name that resolved to an existing model (including one created
	// earlier in this same call) marks that model precomputed
	b.Precomputed = dedupe(reused)
	sort.Ints(b.Precomputed)
	return b, nil
}

// CreateBranchFromIDs appends a branch built from already-registered models.
// Every resident is precomputed.
func (r *Registry) CreateBranchFromIDs(tree *Tree, ids []int, parent int, kind BranchKind) (*Branch, error) {
	for _, id := range ids {
		if _, err := r.Model(id); err != nil {
			return nil, err
		}
	}
	b, err := r.newBranch(tree, ids, parent, kind)
	if err != nil {
		return nil, err
	}
	b.Precomputed = append([]int(nil), b.Models...)
	return b, nil
}

func (r *Registry) newBranch(tree *Tree, ids []int, parent int, kind BranchKind) (*Branch, error) {
	if tree == nil {
		return nil, ErrUnknownTree
	}
	models := dedupe(ids)
	if len(models) == 0 {
		return nil, ErrEmptyBranch
	}
	b := &Branch{
		ID:         len(r.branches) + 1,
		Tree:       tree.Rule,
		Kind:       kind,
		Generation: tree.Depth,
		Parent:     parent,
		Models:     models,
		PairCount:  PairCount(len(models)),
		State:      BranchDispatched,
		Champion:   -1,
	}
	r.branches = append(r.branches, b)
	tree.Branches = append(tree.Branches, b.ID)
	return b, nil
}

// Branch returns the branch with the given id.
func (r *Registry) Branch(id int) (*Branch, error) {
	if id < 1 || id > len(r.branches) {
		return nil, fmt.Errorf("unknown branch %d", id)
	}
	return r.branches[id-1], nil
}

// Branches returns all branches in id order.
func (r *Registry) Branches() []*Branch {
	out := make([]*Branch, len(r.branches))
	copy(out, r.branches)
	return out
}

// #endregion branches

// #region helpers

func dedupe(ids []int) []int {
	seen := make(map[int]bool, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// #endregion helpers
