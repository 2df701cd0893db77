package registry

import (
	"fmt"
	"strconv"
	"strings"
)

// #region status

// Status is the lifecycle state of a model.
type Status string

const (
	StatusReady       Status = "ready"
	StatusCompleted   Status = "completed"
	StatusActive      Status = "active"
	StatusDeactivated Status = "deactivated"
)

// #endregion status

// #region model

// Model is a uniquely identified candidate. Models are never deleted.
type Model struct {
	ID        int
	Name      string // name as first proposed
	Canonical string
	Qubits    int
	Status    Status
	BranchID  int    // first branch that referenced the model, 0 if none
	Result    []byte // opaque learned-result handle, nil until learned

	// Comparisons holds every observed evidence ratio of this model over
	// another, keyed by the other model's id.
	Comparisons map[int][]float64
}

// Learned reports whether a result has been recorded.
func (m *Model) Learned() bool {
	return m.Result != nil
}

// #endregion model

// #region pair-key

// PairKey identifies an unordered pair of models. Low < High always holds for
// keys built with NewPairKey. A ratio stored under a key favours Low when > 1.
type PairKey struct {
	Low  int
	High int
}

// NewPairKey orders a and b into a PairKey.
func NewPairKey(a, b int) PairKey {
	if a > b {
		a, b = b, a
	}
	return PairKey{Low: a, High: b}
}

// String renders the key as "low,high".
func (k PairKey) String() string {
	return strconv.Itoa(k.Low) + "," + strconv.Itoa(k.High)
}

// ParsePairKey parses the "low,high" form produced by String.
func ParsePairKey(s string) (PairKey, error) {
	lo, hi, ok := strings.Cut(s, ",")
	if !ok {
		return PairKey{}, fmt.Errorf("pair key %q: missing separator", s)
	}
	a, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return PairKey{}, fmt.Errorf("pair key %q: %w", s, err)
	}
	b, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return PairKey{}, fmt.Errorf("pair key %q: %w", s, err)
	}
	return NewPairKey(a, b), nil
}

// Favouring returns the ratio oriented as id over the other member of the pair.
func (k PairKey) Favouring(id int, ratio float64) float64 {
	if id == k.Low {
		return ratio
	}
	return 1 / ratio
}

// #endregion pair-key

// #region branch-enums

// BranchKind distinguishes generation cohorts from reconciliation branches.
type BranchKind string

const (
	KindGeneration BranchKind = "generation"
	KindGhost      BranchKind = "ghost"
	KindFinal      BranchKind = "final"
)

// BranchState tracks a branch through the generation loop.
type BranchState string

const (
	BranchDispatched BranchState = "dispatched"
	BranchLearned    BranchState = "learned"
	BranchCompared   BranchState = "compared"
	BranchSpawned    BranchState = "spawned"
)

// TreeState tracks a growth rule's lineage.
type TreeState string

const (
	TreeGrowing                 TreeState = "growing"
	TreeAwaitingFinalTournament TreeState = "awaiting_final_tournament"
	TreeDone                    TreeState = "done"
)

// #endregion branch-enums
