package logging

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

// #region schema
const decisionLogSchema = `
CREATE TABLE IF NOT EXISTS decision_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL,
    kind        TEXT NOT NULL,
    branch_id   INTEGER NOT NULL DEFAULT 0,
    model_id    INTEGER NOT NULL,
    other_id    INTEGER NOT NULL DEFAULT -1,
    ratio       REAL,
    reason      TEXT,
    detail_json TEXT,
    created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_run ON decision_log(run_id, id);
`

// EnsureSchema creates the decision_log table if missing.
func EnsureSchema(db *sql.DB) error {
	if _, err := db.Exec(decisionLogSchema); err != nil {
		return fmt.Errorf("decision_log schema: %w", err)
	}
	return nil
}

// #endregion schema

// #region log-decision
// LogDecision writes a decision to the decision_log table.
func LogDecision(db *sql.DB, d Decision) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO decision_log (run_id, kind, branch_id, model_id, other_id, ratio, reason, detail_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.RunID,
		d.Kind,
		d.BranchID,
		d.ModelID,
		d.OtherID,
		nullIfZero(d.Ratio),
		nullIfEmpty(d.Reason),
		nullIfEmpty(d.DetailJSON),
		d.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// ListDecisions returns the decisions of a run in the order they were logged.
func ListDecisions(db *sql.DB, runID string) ([]Decision, error) {
	rows, err := db.Query(
		`SELECT run_id, kind, branch_id, model_id, other_id, ratio, reason, detail_json, created_at
		 FROM decision_log WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []Decision
	for rows.Next() {
		var d Decision
		var ratio sql.NullFloat64
		var reason, detail sql.NullString
		var created string
		if err := rows.Scan(&d.RunID, &d.Kind, &d.BranchID, &d.ModelID, &d.OtherID, &ratio, &reason, &detail, &created); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Ratio = ratio.Float64
		d.Reason = reason.String
		d.DetailJSON = detail.String
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, d)
	}
	return out, rows.Err()
}

// #endregion log-decision

// #region recorder
// Recorder logs decisions to db, stamping each with a run id.
type Recorder struct {
	db    *sql.DB
	runID string
}

// NewRecorder ensures the schema and returns a Recorder for runID.
func NewRecorder(db *sql.DB, runID string) (*Recorder, error) {
	if err := EnsureSchema(db); err != nil {
		return nil, err
	}
	return &Recorder{db: db, runID: runID}, nil
}

// Record logs d under the recorder's run. Failures are logged, not returned.
func (r *Recorder) Record(d Decision) {
	if d.RunID == "" {
		d.RunID = r.runID
	}
	if err := LogDecision(r.db, d); err != nil {
		log.Printf("[LEDGER] %v", err)
	}
}

// #endregion recorder

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(f float64) interface{} {
	if f == 0 {
		return nil
	}
	return f
}

// #endregion helpers
