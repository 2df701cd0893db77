package logging

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

// #region helpers
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// #endregion helpers

// #region log-decision-tests
func TestLogDecision_Success(t *testing.T) {
	db := setupDB(t)

	d := Decision{
		RunID:      "run-1",
		Kind:       DecisionCollapse,
		BranchID:   3,
		ModelID:    1,
		OtherID:    4,
		Ratio:      1e6,
		Reason:     "parent beats child",
		DetailJSON: `{"threshold":100000}`,
		CreatedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := LogDecision(db, d); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := ListDecisions(db, "run-1")
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 row, got %d", len(got))
	}
	if got[0].Kind != DecisionCollapse || got[0].OtherID != 4 || got[0].Ratio != 1e6 {
		t.Errorf("unexpected row %+v", got[0])
	}
	if !got[0].CreatedAt.Equal(d.CreatedAt) {
		t.Errorf("expected created_at %v, got %v", d.CreatedAt, got[0].CreatedAt)
	}
}

func TestLogDecision_ZeroCreatedAt(t *testing.T) {
	db := setupDB(t)

	before := time.Now().UTC().Add(-time.Second)
	if err := LogDecision(db, Decision{RunID: "r", Kind: DecisionFinal, ModelID: 2, OtherID: -1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := ListDecisions(db, "r")
	if len(got) != 1 || got[0].CreatedAt.Before(before) {
		t.Fatalf("expected created_at filled with now, got %+v", got)
	}
	if got[0].Reason != "" || got[0].DetailJSON != "" {
		t.Errorf("expected empty optional columns, got %+v", got[0])
	}
}

func TestLogDecision_NoTable(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := LogDecision(db, Decision{RunID: "r", Kind: DecisionFinal}); err == nil {
		t.Fatal("expected error when table does not exist")
	}
}

// #endregion log-decision-tests

// #region recorder-tests
func TestRecorderStampsRun(t *testing.T) {
	db := setupDB(t)
	rec, err := NewRecorder(db, "run-7")
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	rec.Record(Decision{Kind: DecisionBranchChampion, BranchID: 1, ModelID: 0, OtherID: -1})
	rec.Record(Decision{Kind: DecisionGhost, BranchID: 2, ModelID: 0, OtherID: -1})
	rec.Record(Decision{RunID: "other", Kind: DecisionFinal, ModelID: 0, OtherID: -1})

	got, err := ListDecisions(db, "run-7")
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 decisions for run-7, got %d", len(got))
	}
	if got[0].Kind != DecisionBranchChampion || got[1].Kind != DecisionGhost {
		t.Errorf("unexpected order: %s, %s", got[0].Kind, got[1].Kind)
	}
}

// #endregion recorder-tests
