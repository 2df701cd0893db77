package logging

import "time"

// #region decision-kinds
// Decision kinds written to decision_log.
const (
	DecisionBranchChampion = "branch_champion"
	DecisionCollapse       = "collapse"
	DecisionGhost          = "ghost_champion"
	DecisionFinal          = "final_champion"
	DecisionReduction      = "reduction"
)

// #endregion decision-kinds

// #region decision
// Decision is a single row in the decision_log table.
type Decision struct {
	RunID      string
	Kind       string
	BranchID   int // 0 when the decision is not tied to a branch
	ModelID    int // the model the decision favours
	OtherID    int // the model it was weighed against, -1 if none
	Ratio      float64
	Reason     string
	DetailJSON string
	CreatedAt  time.Time
}

// #endregion decision

// #region decision-detail
// TournamentDetail captures what a branch tournament saw. Serialized as JSON
// into decision_log.detail_json for replay.
type TournamentDetail struct {
	Threshold float64            `json:"threshold"`
	Points    map[int]int        `json:"points"`
	Ranking   []int              `json:"ranking"`
	TieBreaks int                `json:"tie_breaks"`
	Ratios    map[string]float64 `json:"ratios"` // "low,high" -> ratio favouring low
}

// #endregion decision-detail
