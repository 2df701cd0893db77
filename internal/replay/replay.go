// Package replay re-scores a recorded search from its stored ratios and
// reports every selection that does not follow from them.
package replay

import (
	"fmt"
	"reflect"

	"github.com/danielpatrickdp/model-search/go-controller/internal/logging"
	"github.com/danielpatrickdp/model-search/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/model-search/go-controller/internal/registry"
	"github.com/danielpatrickdp/model-search/go-controller/internal/tournament"
)

// #region types

// Mismatch is one recorded value that replay could not reproduce.
type Mismatch struct {
	BranchID int    `json:"branch_id"`
	Field    string `json:"field"`
	Recorded string `json:"recorded"`
	Replayed string `json:"replayed"`
}

func (m Mismatch) String() string {
	return fmt.Sprintf("branch %d %s: recorded %s, replayed %s", m.BranchID, m.Field, m.Recorded, m.Replayed)
}

// BranchResult is the replayed tournament of one branch.
type BranchResult struct {
	BranchID int         `json:"branch_id"`
	Points   map[int]int `json:"points"`
	Ranking  []int       `json:"ranking"`
	// TieBroken is set when the first round left several leaders and the
	// recorded champion came out of recomputed comparisons.
	TieBroken bool `json:"tie_broken"`
}

// Report summarises a replay.
type Report struct {
	RunID      string         `json:"run_id"`
	Threshold  float64        `json:"threshold"`
	Branches   []BranchResult `json:"branches"`
	Mismatches []Mismatch     `json:"mismatches"`
}

// OK reports whether every recorded selection was reproduced.
func (r Report) OK() bool {
	return len(r.Mismatches) == 0
}

// #endregion types

// #region replay

// Replay recomputes each branch ranking from its first-round ratios with
// threshold t, checks collapse decisions against the run's collapse threshold
// and the final branch against the run champion. A non-positive t uses the
// threshold recorded with the run.
func Replay(run *orchestrator.Outcome, t float64) Report {
	if t <= 0 {
		t = run.Threshold
	}
	rep := Report{RunID: run.RunID, Threshold: t}
	mismatch := func(branch int, field string, recorded, replayed interface{}) {
		rep.Mismatches = append(rep.Mismatches, Mismatch{
			BranchID: branch,
			Field:    field,
			Recorded: fmt.Sprint(recorded),
			Replayed: fmt.Sprint(replayed),
		})
	}

	for _, b := range run.Branches {
		ratios := make(map[registry.PairKey]float64, len(b.Ratios))
		for _, c := range b.Ratios {
			ratios[registry.NewPairKey(c.Low, c.High)] = c.Ratio
		}
		if want := registry.PairCount(len(b.Models)); len(ratios) != want {
			mismatch(b.ID, "pairs", len(ratios), want)
			continue
		}

		points := tournament.Score(b.Models, ratios, t)
		top := tournament.Leaders(b.Models, points)
		res := BranchResult{BranchID: b.ID, Points: points, TieBroken: len(top) > 1}

		switch {
		case len(top) == 1 && top[0] != b.Champion:
			mismatch(b.ID, "champion", b.Champion, top[0])
		case len(top) > 1 && !containsID(top, b.Champion):
			mismatch(b.ID, "champion", b.Champion, fmt.Sprintf("one of %v", top))
		}
		res.Ranking = tournament.Rank(b.Models, points, b.Champion)
		if !reflect.DeepEqual(res.Ranking, b.Ranking) {
			mismatch(b.ID, "ranking", b.Ranking, res.Ranking)
		}
		rep.Branches = append(rep.Branches, res)

		if b.Kind == registry.KindFinal {
			want := run.ChampionID
			if run.ReducedFrom >= 0 {
				want = run.ReducedFrom
			}
			if b.Champion != want {
				mismatch(b.ID, "final champion", want, b.Champion)
			}
		}
	}

	for _, d := range run.Decisions {
		if d.Kind == logging.DecisionCollapse && d.Ratio <= run.Collapse {
			mismatch(d.BranchID, "collapse ratio", d.Ratio, fmt.Sprintf("not above %g", run.Collapse))
		}
	}
	return rep
}

func containsID(ids []int, id int) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

// #endregion replay
