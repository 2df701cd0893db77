package orchestrator

// #region imports
import (
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/model-search/go-controller/internal/coord"
	"github.com/danielpatrickdp/model-search/go-controller/internal/growth"
	"github.com/danielpatrickdp/model-search/go-controller/internal/logging"
	"github.com/danielpatrickdp/model-search/go-controller/internal/naming"
	"github.com/danielpatrickdp/model-search/go-controller/internal/registry"
	"github.com/danielpatrickdp/model-search/go-controller/internal/worker"
)

// #endregion

// #region config

// FinalTree is the reserved tree holding the cross-tree final branch.
const FinalTree = "final"

// Config tunes a search. Zero values take the defaults noted per field.
type Config struct {
	Threshold         float64       // T, default 1
	CollapseThreshold float64       // C, default 1e5
	RecomputeBudget   int           // default 3; negative means none
	Workers           int           // default 4
	JobTimeout        time.Duration // 0 means no per-job timeout
	PollInterval      time.Duration // default 100ms
	ReduceChampion    bool

	// TrueModel, when set, scores the champion's terms against it.
	TrueModel  string
	FScoreBeta float64 // default 1
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 1
	}
	if c.CollapseThreshold <= 0 {
		c.CollapseThreshold = 1e5
	}
	switch {
	case c.RecomputeBudget == 0:
		c.RecomputeBudget = 3
	case c.RecomputeBudget < 0:
		c.RecomputeBudget = 0
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.FScoreBeta <= 0 {
		c.FScoreBeta = 1
	}
	return c
}

// DecisionSink receives every selection the search makes.
type DecisionSink interface {
	Record(d logging.Decision)
}

// Deps are the collaborators a search runs against.
type Deps struct {
	Store      coord.Store
	Learner    worker.Learner
	Comparator worker.Comparator
	Naming     naming.Convention
	Rules      []growth.Rule
	Decisions  DecisionSink // optional
	RunID      string       // generated when empty
}

// #endregion

// #region errors

// ErrGrowthRuleExhausted is matched by *ExhaustionError.
var ErrGrowthRuleExhausted = errors.New("growth rule exhausted")

// ExhaustionError reports a rule that proposed no models without signalling
// completion.
type ExhaustionError struct {
	Rule       string
	Generation int
}

func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("rule %s generation %d: %v", e.Rule, e.Generation, ErrGrowthRuleExhausted)
}

func (e *ExhaustionError) Is(target error) bool {
	return target == ErrGrowthRuleExhausted
}

// WorkerFailure aborts a search when a worker job failed permanently.
type WorkerFailure struct {
	Phase   string // worker.KindLearn or worker.KindCompare
	ModelID int    // set for learn failures, -1 otherwise
	Pair    registry.PairKey
	Reason  string
}

func (e *WorkerFailure) Error() string {
	if e.Phase == worker.KindCompare {
		return fmt.Sprintf("worker failure during compare of %s: %s", e.Pair, e.Reason)
	}
	if e.ModelID >= 0 {
		return fmt.Sprintf("worker failure during %s of model %d: %s", e.Phase, e.ModelID, e.Reason)
	}
	return fmt.Sprintf("worker failure: %s", e.Reason)
}

// #endregion

// #region outcome

// ModelRecord is the audit view of a model.
type ModelRecord struct {
	ID        int             `json:"id"`
	Name      string          `json:"name"`
	Canonical string          `json:"canonical"`
	Qubits    int             `json:"qubits"`
	Status    registry.Status `json:"status"`
	BranchID  int             `json:"branch_id"`
}

// BranchRecord is the audit view of a branch, including the ratios its
// tournament was scored from.
type BranchRecord struct {
	ID          int                  `json:"id"`
	Tree        string               `json:"tree"`
	Kind        registry.BranchKind  `json:"kind"`
	Generation  int                  `json:"generation"`
	Parent      int                  `json:"parent"`
	Models      []int                `json:"models"`
	Precomputed []int                `json:"precomputed"`
	State       registry.BranchState `json:"state"`
	Champion    int                  `json:"champion"`
	Ranking     []int                `json:"ranking"`
	Ratios      []ComparisonRecord   `json:"ratios"`
}

// TreeRecord is the audit view of a tree.
type TreeRecord struct {
	Rule     string             `json:"rule"`
	Branches []int              `json:"branches"`
	State    registry.TreeState `json:"state"`
	Depth    int                `json:"depth"`
}

// ComparisonRecord is one stored evidence ratio, favouring Low.
type ComparisonRecord struct {
	Low   int     `json:"low"`
	High  int     `json:"high"`
	Ratio float64 `json:"ratio"`
}

// Outcome is the result of a completed search.
type Outcome struct {
	RunID        string             `json:"run_id"`
	ChampionID   int                `json:"champion_id"`
	ChampionName string             `json:"champion_name"`
	ReducedFrom  int                `json:"reduced_from"` // -1 unless reduction replaced the champion
	Threshold    float64            `json:"threshold"`
	Collapse     float64            `json:"collapse_threshold"`
	Models       []ModelRecord      `json:"models"`
	Branches     []BranchRecord     `json:"branches"`
	Trees        []TreeRecord       `json:"trees"`
	Comparisons  []ComparisonRecord `json:"comparisons"`
	Decisions    []logging.Decision `json:"decisions"`
	Accuracy     *Accuracy          `json:"accuracy,omitempty"` // set when a true model is configured
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   time.Time          `json:"finished_at"`
}

// #endregion
