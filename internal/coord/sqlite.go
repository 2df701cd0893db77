package coord

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/danielpatrickdp/model-search/go-controller/internal/registry"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS coord_branches (
	run_id     TEXT NOT NULL,
	branch_id  INTEGER NOT NULL,
	learned    INTEGER NOT NULL DEFAULT 0,
	compared   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, branch_id)
);

CREATE TABLE IF NOT EXISTS coord_results (
	run_id     TEXT NOT NULL,
	model_id   INTEGER NOT NULL,
	handle     BLOB NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (run_id, model_id)
);

CREATE TABLE IF NOT EXISTS coord_ratios (
	run_id     TEXT NOT NULL,
	pair       TEXT NOT NULL,
	low_id     INTEGER NOT NULL,
	high_id    INTEGER NOT NULL,
	ratio      REAL NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (run_id, pair)
);

CREATE TABLE IF NOT EXISTS coord_failures (
	run_id     TEXT PRIMARY KEY,
	reason     TEXT NOT NULL,
	failed_at  TEXT NOT NULL
);
`

// #endregion schema

// #region store-struct

// SQLiteStore is a Store backed by SQLite so that workers in other processes
// can share counters with the controller. All keys are scoped by run id.
type SQLiteStore struct {
	db     *sql.DB
	runID  string
	owned  bool
	notify notifier
}

// #endregion store-struct

// #region constructor

// NewSQLiteStore opens (or creates) the database at dbPath and migrates it.
func NewSQLiteStore(dbPath, runID string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// one connection serialises writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy: %w", err)
	}
	s, err := NewSQLiteStoreDB(db, runID)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQLiteStoreDB migrates an existing connection. Close leaves db open.
func NewSQLiteStoreDB(db *sql.DB, runID string) (*SQLiteStore, error) {
	if runID == "" {
		return nil, fmt.Errorf("coord: empty run id")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db, runID: runID, notify: newNotifier()}, nil
}

// #endregion constructor

// #region close
// Close closes the underlying database if this store opened it.
func (s *SQLiteStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// #endregion close

// #region counters

func (s *SQLiteStore) InitBranch(ctx context.Context, branch int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO coord_branches (run_id, branch_id, learned, compared) VALUES (?, ?, 0, 0)`,
		s.runID, branch,
	)
	if err != nil {
		return fmt.Errorf("init branch %d: %w", branch, err)
	}
	return nil
}

func (s *SQLiteStore) IncrLearned(ctx context.Context, branch int) (int, error) {
	return s.incr(ctx, branch, "learned")
}

func (s *SQLiteStore) Learned(ctx context.Context, branch int) (int, error) {
	return s.read(ctx, branch, "learned")
}

func (s *SQLiteStore) IncrCompared(ctx context.Context, branch int) (int, error) {
	return s.incr(ctx, branch, "compared")
}

func (s *SQLiteStore) Compared(ctx context.Context, branch int) (int, error) {
	return s.read(ctx, branch, "compared")
}

// incr bumps a counter column inside one transaction. column is never user input.
func (s *SQLiteStore) incr(ctx context.Context, branch int, column string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE coord_branches SET `+column+` = `+column+` + 1 WHERE run_id = ? AND branch_id = ?`,
		s.runID, branch,
	)
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("%w: %d", ErrUnknownBranch, branch)
	}

	var v int
	err = tx.QueryRowContext(ctx,
		`SELECT `+column+` FROM coord_branches WHERE run_id = ? AND branch_id = ?`,
		s.runID, branch,
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", column, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	s.notify.signal()
	return v, nil
}

func (s *SQLiteStore) read(ctx context.Context, branch int, column string) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT `+column+` FROM coord_branches WHERE run_id = ? AND branch_id = ?`,
		s.runID, branch,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %d", ErrUnknownBranch, branch)
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", column, err)
	}
	return v, nil
}

// #endregion counters

// #region results

func (s *SQLiteStore) PutResult(ctx context.Context, model int, handle []byte) error {
	if handle == nil {
		handle = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO coord_results (run_id, model_id, handle, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id, model_id) DO UPDATE SET handle = excluded.handle, created_at = excluded.created_at`,
		s.runID, model, handle, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put result %d: %w", model, err)
	}
	s.notify.signal()
	return nil
}

func (s *SQLiteStore) Result(ctx context.Context, model int) ([]byte, bool, error) {
	var h []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT handle FROM coord_results WHERE run_id = ? AND model_id = ?`, s.runID, model,
	).Scan(&h)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get result %d: %w", model, err)
	}
	return h, true, nil
}

// #endregion results

// #region ratios

func (s *SQLiteStore) PutRatio(ctx context.Context, k registry.PairKey, ratio float64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO coord_ratios (run_id, pair, low_id, high_id, ratio, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, pair) DO UPDATE SET ratio = excluded.ratio, updated_at = excluded.updated_at`,
		s.runID, k.String(), k.Low, k.High, ratio, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put ratio %s: %w", k, err)
	}
	s.notify.signal()
	return nil
}

func (s *SQLiteStore) Ratio(ctx context.Context, k registry.PairKey) (float64, bool, error) {
	var r float64
	err := s.db.QueryRowContext(ctx,
		`SELECT ratio FROM coord_ratios WHERE run_id = ? AND pair = ?`, s.runID, k.String(),
	).Scan(&r)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get ratio %s: %w", k, err)
	}
	return r, true, nil
}

func (s *SQLiteStore) Ratios(ctx context.Context) (map[registry.PairKey]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT low_id, high_id, ratio FROM coord_ratios WHERE run_id = ?`, s.runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list ratios: %w", err)
	}
	defer rows.Close()

	out := make(map[registry.PairKey]float64)
	for rows.Next() {
		var lo, hi int
		var r float64
		if err := rows.Scan(&lo, &hi, &r); err != nil {
			return nil, fmt.Errorf("scan ratio: %w", err)
		}
		out[registry.NewPairKey(lo, hi)] = r
	}
	return out, rows.Err()
}

// #endregion ratios

// #region failure

func (s *SQLiteStore) Fail(ctx context.Context, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO coord_failures (run_id, reason, failed_at) VALUES (?, ?, ?)`,
		s.runID, reason, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("set failure: %w", err)
	}
	s.notify.signal()
	return nil
}

func (s *SQLiteStore) Failure(ctx context.Context) (string, bool, error) {
	var reason string
	err := s.db.QueryRowContext(ctx,
		`SELECT reason FROM coord_failures WHERE run_id = ?`, s.runID,
	).Scan(&reason)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get failure: %w", err)
	}
	return reason, true, nil
}

func (s *SQLiteStore) Changed() <-chan struct{} {
	return s.notify.ch
}

// #endregion failure
