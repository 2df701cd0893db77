package registry

// #region branch

// Branch is one generation cohort of sibling models. Membership is fixed at
// creation; only completion flags, state and ranking change afterwards.
type Branch struct {
	ID          int
	Tree        string
	Kind        BranchKind
	Generation  int
	Parent      int // 0 when the branch has no parent
	Models      []int
	Precomputed []int
	PairCount   int

	State    BranchState
	Champion int // -1 until a tournament has run

	learned  bool
	compared bool
	ranking  []int
}

// Size returns the number of resident models.
func (b *Branch) Size() int {
	return len(b.Models)
}

// Pairs returns every unordered resident pair in a stable order.
func (b *Branch) Pairs() []PairKey {
	pairs := make([]PairKey, 0, b.PairCount)
	for i := 0; i < len(b.Models); i++ {
		for j := i + 1; j < len(b.Models); j++ {
			pairs = append(pairs, NewPairKey(b.Models[i], b.Models[j]))
		}
	}
	return pairs
}

// IsPrecomputed reports whether id already existed when the branch was made.
func (b *Branch) IsPrecomputed(id int) bool {
	for _, p := range b.Precomputed {
		if p == id {
			return true
		}
	}
	return false
}

// Contains reports whether id is a resident of the branch.
func (b *Branch) Contains(id int) bool {
	for _, m := range b.Models {
		if m == id {
			return true
		}
	}
	return false
}

// Learned reports whether MarkLearned has been called.
func (b *Branch) Learned() bool { return b.learned }

// ComparisonsComplete reports whether MarkComparisonsComplete has been called.
func (b *Branch) ComparisonsComplete() bool { return b.compared }

// MarkLearned flags every resident as learned. The caller must have observed
// learned-count == Size. Returns false if the branch was already marked.
func (b *Branch) MarkLearned() bool {
	if b.learned {
		return false
	}
	b.learned = true
	b.State = BranchLearned
	return true
}

// MarkComparisonsComplete flags all pairs as compared. The caller must have
// observed compared-count == PairCount. Returns false if already marked or if
// the branch has not been marked learned.
func (b *Branch) MarkComparisonsComplete() bool {
	if b.compared || !b.learned {
		return false
	}
	b.compared = true
	b.State = BranchCompared
	return true
}

// MarkSpawned records that the next generation was created from this branch.
func (b *Branch) MarkSpawned() {
	if b.compared {
		b.State = BranchSpawned
	}
}

// Ranking returns the frozen best-first ranking, nil before the first tournament.
func (b *Branch) Ranking() []int {
	if b.ranking == nil {
		return nil
	}
	out := make([]int, len(b.ranking))
	copy(out, b.ranking)
	return out
}

// SetRanking freezes the ranking on its first call. Later calls are ignored
// and return false.
func (b *Branch) SetRanking(ranking []int) bool {
	if b.ranking != nil {
		return false
	}
	b.ranking = make([]int, len(ranking))
	copy(b.ranking, ranking)
	return true
}

// #endregion branch

// #region tree

// Tree is the lineage of branches produced by one growth rule.
type Tree struct {
	Rule     string
	Branches []int
	State    TreeState
	Depth    int
}

// Latest returns the most recently created branch id, 0 if none.
func (t *Tree) Latest() int {
	if len(t.Branches) == 0 {
		return 0
	}
	return t.Branches[len(t.Branches)-1]
}

// #endregion tree

// #region pairs

// PairCount returns C(n, 2).
func PairCount(n int) int {
	if n < 2 {
		return 0
	}
	return n * (n - 1) / 2
}

// #endregion pairs
