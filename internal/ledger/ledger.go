package ledger

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/model-search/go-controller/internal/logging"
	"github.com/danielpatrickdp/model-search/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/model-search/go-controller/internal/registry"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id        TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	champion_id   INTEGER NOT NULL DEFAULT -1,
	champion_name TEXT,
	reduced_from  INTEGER NOT NULL DEFAULT -1,
	threshold     REAL,
	collapse      REAL,
	true_model    TEXT,
	precision     REAL,
	sensitivity   REAL,
	f_score       REAL,
	error         TEXT,
	started_at    TEXT NOT NULL,
	finished_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS run_models (
	run_id     TEXT NOT NULL,
	model_id   INTEGER NOT NULL,
	name       TEXT NOT NULL,
	canonical  TEXT NOT NULL,
	qubits     INTEGER NOT NULL,
	status     TEXT NOT NULL,
	branch_id  INTEGER NOT NULL,
	PRIMARY KEY (run_id, model_id),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS run_branches (
	run_id           TEXT NOT NULL,
	branch_id        INTEGER NOT NULL,
	tree             TEXT NOT NULL,
	kind             TEXT NOT NULL,
	generation       INTEGER NOT NULL,
	parent           INTEGER NOT NULL,
	state            TEXT NOT NULL,
	champion         INTEGER NOT NULL,
	models_json      TEXT NOT NULL,
	precomputed_json TEXT NOT NULL,
	ranking_json     TEXT NOT NULL,
	ratios_json      TEXT NOT NULL,
	PRIMARY KEY (run_id, branch_id),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS run_trees (
	run_id        TEXT NOT NULL,
	rule          TEXT NOT NULL,
	state         TEXT NOT NULL,
	depth         INTEGER NOT NULL,
	branches_json TEXT NOT NULL,
	PRIMARY KEY (run_id, rule),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS run_comparisons (
	run_id  TEXT NOT NULL,
	low     INTEGER NOT NULL,
	high    INTEGER NOT NULL,
	ratio   REAL NOT NULL,
	PRIMARY KEY (run_id, low, high),
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
`

// #endregion schema

// #region ledger-struct

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrRunNotFound is returned by LoadRun for an unknown run id.
var ErrRunNotFound = errors.New("run not found")

// Ledger keeps the audit trail of finished searches in SQLite.
type Ledger struct {
	db *sql.DB
}

// RunSummary is one row of ListRuns.
type RunSummary struct {
	RunID        string    `json:"run_id"`
	Status       string    `json:"status"`
	ChampionID   int       `json:"champion_id"`
	ChampionName string    `json:"champion_name,omitempty"`
	FScore       *float64  `json:"f_score,omitempty"`
	Models       int       `json:"models"`
	Branches     int       `json:"branches"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// #endregion ledger-struct

// #region constructor

// Open opens a SQLite database and runs migrations, including the
// decision_log table.
func Open(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := logging.EnsureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// DB returns the underlying *sql.DB for the decision recorder.
func (l *Ledger) DB() *sql.DB {
	return l.db
}

// #endregion constructor

// #region save

// SaveOutcome stores a completed run. Decisions are written too unless a
// recorder already logged them for this run.
func (l *Ledger) SaveOutcome(out *orchestrator.Outcome) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var truth, precision, sensitivity, fscore interface{}
	if acc := out.Accuracy; acc != nil {
		truth, precision, sensitivity, fscore = acc.TrueModel, acc.Precision, acc.Sensitivity, acc.FScore
	}
	_, err = tx.Exec(
		`INSERT INTO runs (run_id, status, champion_id, champion_name, reduced_from, threshold, collapse,
		 true_model, precision, sensitivity, f_score, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.RunID, StatusCompleted, out.ChampionID, out.ChampionName, out.ReducedFrom,
		out.Threshold, out.Collapse, truth, precision, sensitivity, fscore,
		formatTime(out.StartedAt), formatTime(out.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, m := range out.Models {
		_, err = tx.Exec(
			`INSERT INTO run_models (run_id, model_id, name, canonical, qubits, status, branch_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			out.RunID, m.ID, m.Name, m.Canonical, m.Qubits, string(m.Status), m.BranchID,
		)
		if err != nil {
			return fmt.Errorf("insert model %d: %w", m.ID, err)
		}
	}

	for _, b := range out.Branches {
		cols, err := marshalAll(b.Models, b.Precomputed, b.Ranking, b.Ratios)
		if err != nil {
			return fmt.Errorf("branch %d: %w", b.ID, err)
		}
		_, err = tx.Exec(
			`INSERT INTO run_branches (run_id, branch_id, tree, kind, generation, parent, state, champion,
			 models_json, precomputed_json, ranking_json, ratios_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			out.RunID, b.ID, b.Tree, string(b.Kind), b.Generation, b.Parent, string(b.State), b.Champion,
			cols[0], cols[1], cols[2], cols[3],
		)
		if err != nil {
			return fmt.Errorf("insert branch %d: %w", b.ID, err)
		}
	}

	for _, t := range out.Trees {
		cols, err := marshalAll(t.Branches)
		if err != nil {
			return fmt.Errorf("tree %s: %w", t.Rule, err)
		}
		_, err = tx.Exec(
			`INSERT INTO run_trees (run_id, rule, state, depth, branches_json) VALUES (?, ?, ?, ?, ?)`,
			out.RunID, t.Rule, string(t.State), t.Depth, cols[0],
		)
		if err != nil {
			return fmt.Errorf("insert tree %s: %w", t.Rule, err)
		}
	}

	for _, c := range out.Comparisons {
		_, err = tx.Exec(
			`INSERT INTO run_comparisons (run_id, low, high, ratio) VALUES (?, ?, ?, ?)`,
			out.RunID, c.Low, c.High, c.Ratio,
		)
		if err != nil {
			return fmt.Errorf("insert comparison %d,%d: %w", c.Low, c.High, err)
		}
	}

	var logged int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM decision_log WHERE run_id = ?`, out.RunID).Scan(&logged); err != nil {
		return fmt.Errorf("count decisions: %w", err)
	}
	if logged == 0 {
		for _, d := range out.Decisions {
			d.RunID = out.RunID
			if err := insertDecision(tx, d); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// SaveFailure records a run that aborted before producing an outcome.
func (l *Ledger) SaveFailure(runID string, runErr error, startedAt time.Time) error {
	_, err := l.db.Exec(
		`INSERT INTO runs (run_id, status, error, started_at, finished_at) VALUES (?, ?, ?, ?, ?)`,
		runID, StatusFailed, runErr.Error(), formatTime(startedAt), formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("insert failed run: %w", err)
	}
	return nil
}

func insertDecision(tx *sql.Tx, d logging.Decision) error {
	var ratio, reason, detail interface{}
	if d.Ratio != 0 {
		ratio = d.Ratio
	}
	if d.Reason != "" {
		reason = d.Reason
	}
	if d.DetailJSON != "" {
		detail = d.DetailJSON
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := tx.Exec(
		`INSERT INTO decision_log (run_id, kind, branch_id, model_id, other_id, ratio, reason, detail_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.RunID, d.Kind, d.BranchID, d.ModelID, d.OtherID, ratio, reason, detail, formatTime(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// #endregion save

// #region list-runs

// ListRuns returns the most recent runs first.
func (l *Ledger) ListRuns(limit int) ([]RunSummary, error) {
	rows, err := l.db.Query(
		`SELECT r.run_id, r.status, r.champion_id, r.champion_name, r.f_score, r.error, r.started_at, r.finished_at,
		        (SELECT COUNT(*) FROM run_models m WHERE m.run_id = r.run_id),
		        (SELECT COUNT(*) FROM run_branches b WHERE b.run_id = r.run_id)
		 FROM runs r ORDER BY r.started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var s RunSummary
		var name, runErr sql.NullString
		var fscore sql.NullFloat64
		var started, finished string
		if err := rows.Scan(&s.RunID, &s.Status, &s.ChampionID, &name, &fscore, &runErr, &started, &finished, &s.Models, &s.Branches); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		s.ChampionName = name.String
		if fscore.Valid {
			s.FScore = &fscore.Float64
		}
		s.Error = runErr.String
		s.StartedAt = parseTime(started)
		s.FinishedAt = parseTime(finished)
		out = append(out, s)
	}
	return out, rows.Err()
}

// #endregion list-runs

// #region load-run

// LoadRun rebuilds the outcome of a completed run.
func (l *Ledger) LoadRun(runID string) (*orchestrator.Outcome, error) {
	out := &orchestrator.Outcome{RunID: runID}
	var status string
	var name, truth sql.NullString
	var threshold, collapse, precision, sensitivity, fscore sql.NullFloat64
	var started, finished string
	err := l.db.QueryRow(
		`SELECT status, champion_id, champion_name, reduced_from, threshold, collapse,
		        true_model, precision, sensitivity, f_score, started_at, finished_at
		 FROM runs WHERE run_id = ?`, runID,
	).Scan(&status, &out.ChampionID, &name, &out.ReducedFrom, &threshold, &collapse,
		&truth, &precision, &sensitivity, &fscore, &started, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	if status != StatusCompleted {
		return nil, fmt.Errorf("run %s has status %s", runID, status)
	}
	out.ChampionName = name.String
	out.Threshold = threshold.Float64
	out.Collapse = collapse.Float64
	if truth.Valid {
		out.Accuracy = &orchestrator.Accuracy{
			TrueModel:   truth.String,
			Precision:   precision.Float64,
			Sensitivity: sensitivity.Float64,
			FScore:      fscore.Float64,
		}
	}
	out.StartedAt = parseTime(started)
	out.FinishedAt = parseTime(finished)

	if out.Models, err = l.models(runID); err != nil {
		return nil, err
	}
	if out.Branches, err = l.branches(runID); err != nil {
		return nil, err
	}
	if out.Trees, err = l.trees(runID); err != nil {
		return nil, err
	}
	if out.Comparisons, err = l.comparisons(runID); err != nil {
		return nil, err
	}
	if out.Decisions, err = logging.ListDecisions(l.db, runID); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Ledger) models(runID string) ([]orchestrator.ModelRecord, error) {
	rows, err := l.db.Query(
		`SELECT model_id, name, canonical, qubits, status, branch_id
		 FROM run_models WHERE run_id = ? ORDER BY model_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.ModelRecord
	for rows.Next() {
		var m orchestrator.ModelRecord
		var status string
		if err := rows.Scan(&m.ID, &m.Name, &m.Canonical, &m.Qubits, &status, &m.BranchID); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		m.Status = registry.Status(status)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (l *Ledger) branches(runID string) ([]orchestrator.BranchRecord, error) {
	rows, err := l.db.Query(
		`SELECT branch_id, tree, kind, generation, parent, state, champion,
		        models_json, precomputed_json, ranking_json, ratios_json
		 FROM run_branches WHERE run_id = ? ORDER BY branch_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.BranchRecord
	for rows.Next() {
		var b orchestrator.BranchRecord
		var kind, state string
		var models, precomputed, ranking, ratios string
		if err := rows.Scan(&b.ID, &b.Tree, &kind, &b.Generation, &b.Parent, &state, &b.Champion,
			&models, &precomputed, &ranking, &ratios); err != nil {
			return nil, fmt.Errorf("scan branch: %w", err)
		}
		b.Kind = registry.BranchKind(kind)
		b.State = registry.BranchState(state)
		if err := unmarshalAll(
			[]string{models, precomputed, ranking, ratios},
			&b.Models, &b.Precomputed, &b.Ranking, &b.Ratios,
		); err != nil {
			return nil, fmt.Errorf("branch %d: %w", b.ID, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (l *Ledger) trees(runID string) ([]orchestrator.TreeRecord, error) {
	rows, err := l.db.Query(
		`SELECT rule, state, depth, branches_json FROM run_trees WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("list trees: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.TreeRecord
	for rows.Next() {
		var t orchestrator.TreeRecord
		var state, branches string
		if err := rows.Scan(&t.Rule, &state, &t.Depth, &branches); err != nil {
			return nil, fmt.Errorf("scan tree: %w", err)
		}
		t.State = registry.TreeState(state)
		if err := json.Unmarshal([]byte(branches), &t.Branches); err != nil {
			return nil, fmt.Errorf("tree %s: %w", t.Rule, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (l *Ledger) comparisons(runID string) ([]orchestrator.ComparisonRecord, error) {
	rows, err := l.db.Query(
		`SELECT low, high, ratio FROM run_comparisons WHERE run_id = ? ORDER BY low, high`, runID)
	if err != nil {
		return nil, fmt.Errorf("list comparisons: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.ComparisonRecord
	for rows.Next() {
		var c orchestrator.ComparisonRecord
		if err := rows.Scan(&c.Low, &c.High, &c.Ratio); err != nil {
			return nil, fmt.Errorf("scan comparison: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// #endregion load-run

// #region encoding
func marshalAll(vs ...interface{}) ([]string, error) {
	out := make([]string, len(vs))
	for i, v := range vs {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal: %w", err)
		}
		out[i] = string(b)
	}
	return out, nil
}

func unmarshalAll(raw []string, dsts ...interface{}) error {
	for i, dst := range dsts {
		if err := json.Unmarshal([]byte(raw[i]), dst); err != nil {
			return fmt.Errorf("unmarshal: %w", err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// #endregion encoding
