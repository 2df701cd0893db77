package ledger

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/danielpatrickdp/model-search/go-controller/internal/logging"
	"github.com/danielpatrickdp/model-search/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/model-search/go-controller/internal/registry"
)

func tempLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func sampleOutcome(runID string) *orchestrator.Outcome {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &orchestrator.Outcome{
		RunID:        runID,
		ChampionID:   1,
		ChampionName: "xPy",
		ReducedFrom:  -1,
		Threshold:    1,
		Collapse:     1e5,
		Models: []orchestrator.ModelRecord{
			{ID: 0, Name: "x", Canonical: "x", Qubits: 1, Status: registry.StatusDeactivated, BranchID: 1},
			{ID: 1, Name: "xPy", Canonical: "xPy", Qubits: 1, Status: registry.StatusActive, BranchID: 1},
		},
		Branches: []orchestrator.BranchRecord{
			{
				ID: 1, Tree: "adder", Kind: registry.KindGeneration, Parent: 0,
				Models: []int{0, 1}, Precomputed: []int{}, State: registry.BranchSpawned,
				Champion: 1, Ranking: []int{1, 0},
				Ratios: []orchestrator.ComparisonRecord{{Low: 0, High: 1, Ratio: 0.01}},
			},
			{
				ID: 2, Tree: "adder", Kind: registry.KindGhost,
				Models: []int{1}, Precomputed: []int{1}, State: registry.BranchCompared,
				Champion: 1, Ranking: []int{1}, Ratios: []orchestrator.ComparisonRecord{},
			},
		},
		Trees: []orchestrator.TreeRecord{
			{Rule: "adder", Branches: []int{1, 2}, State: registry.TreeDone, Depth: 0},
		},
		Comparisons: []orchestrator.ComparisonRecord{{Low: 0, High: 1, Ratio: 0.01}},
		Accuracy:    &orchestrator.Accuracy{TrueModel: "xPyPz", Precision: 1, Sensitivity: 2.0 / 3, FScore: 0.8},
		Decisions: []logging.Decision{
			{RunID: runID, Kind: logging.DecisionBranchChampion, BranchID: 1, ModelID: 1, OtherID: -1, CreatedAt: start},
			{RunID: runID, Kind: logging.DecisionFinal, BranchID: 2, ModelID: 1, OtherID: -1, CreatedAt: start},
		},
		StartedAt:  start,
		FinishedAt: start.Add(time.Minute),
	}
}

func TestSaveAndLoadRun(t *testing.T) {
	l := tempLedger(t)
	want := sampleOutcome("run-1")

	if err := l.SaveOutcome(want); err != nil {
		t.Fatalf("SaveOutcome: %v", err)
	}
	got, err := l.LoadRun("run-1")
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}

	if got.ChampionID != 1 || got.ChampionName != "xPy" || got.ReducedFrom != -1 {
		t.Fatalf("unexpected champion fields %+v", got)
	}
	if got.Threshold != 1 || got.Collapse != 1e5 {
		t.Fatalf("unexpected thresholds %v %v", got.Threshold, got.Collapse)
	}
	if !got.StartedAt.Equal(want.StartedAt) || !got.FinishedAt.Equal(want.FinishedAt) {
		t.Fatalf("timestamps differ: %v %v", got.StartedAt, got.FinishedAt)
	}
	if !reflect.DeepEqual(got.Models, want.Models) {
		t.Fatalf("models differ:\n got %+v\nwant %+v", got.Models, want.Models)
	}
	if !reflect.DeepEqual(got.Branches, want.Branches) {
		t.Fatalf("branches differ:\n got %+v\nwant %+v", got.Branches, want.Branches)
	}
	if !reflect.DeepEqual(got.Trees, want.Trees) {
		t.Fatalf("trees differ: %+v", got.Trees)
	}
	if !reflect.DeepEqual(got.Comparisons, want.Comparisons) {
		t.Fatalf("comparisons differ: %+v", got.Comparisons)
	}
	if len(got.Decisions) != 2 || got.Decisions[1].Kind != logging.DecisionFinal {
		t.Fatalf("unexpected decisions %+v", got.Decisions)
	}
	if !reflect.DeepEqual(got.Accuracy, want.Accuracy) {
		t.Fatalf("accuracy differs: got %+v want %+v", got.Accuracy, want.Accuracy)
	}
}

func TestSaveOutcomeWithoutAccuracy(t *testing.T) {
	l := tempLedger(t)
	out := sampleOutcome("run-n")
	out.Accuracy = nil
	if err := l.SaveOutcome(out); err != nil {
		t.Fatalf("SaveOutcome: %v", err)
	}
	got, err := l.LoadRun("run-n")
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if got.Accuracy != nil {
		t.Fatalf("expected no accuracy, got %+v", got.Accuracy)
	}
	runs, err := l.ListRuns(1)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if runs[0].FScore != nil {
		t.Fatalf("expected nil f-score, got %v", *runs[0].FScore)
	}
}

func TestSaveOutcomeKeepsRecordedDecisions(t *testing.T) {
	l := tempLedger(t)
	rec, err := logging.NewRecorder(l.DB(), "run-2")
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	out := sampleOutcome("run-2")
	for _, d := range out.Decisions {
		rec.Record(d)
	}

	if err := l.SaveOutcome(out); err != nil {
		t.Fatalf("SaveOutcome: %v", err)
	}
	got, err := l.LoadRun("run-2")
	if err != nil {
		t.Fatalf("LoadRun: %v", err)
	}
	if len(got.Decisions) != len(out.Decisions) {
		t.Fatalf("expected %d decisions, got %d", len(out.Decisions), len(got.Decisions))
	}
}

func TestSaveOutcomeTwice(t *testing.T) {
	l := tempLedger(t)
	if err := l.SaveOutcome(sampleOutcome("run-3")); err != nil {
		t.Fatalf("SaveOutcome: %v", err)
	}
	if err := l.SaveOutcome(sampleOutcome("run-3")); err == nil {
		t.Fatal("expected error saving the same run twice")
	}
	runs, err := l.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected rollback to leave 1 run, got %d", len(runs))
	}
}

func TestListRuns(t *testing.T) {
	l := tempLedger(t)
	if err := l.SaveOutcome(sampleOutcome("run-a")); err != nil {
		t.Fatalf("SaveOutcome: %v", err)
	}
	later := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	if err := l.SaveFailure("run-b", errors.New("worker failure: boom"), later); err != nil {
		t.Fatalf("SaveFailure: %v", err)
	}

	runs, err := l.ListRuns(10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].RunID != "run-b" || runs[0].Status != StatusFailed || runs[0].Error == "" {
		t.Fatalf("expected failed run first, got %+v", runs[0])
	}
	if runs[1].Status != StatusCompleted || runs[1].Models != 2 || runs[1].Branches != 2 {
		t.Fatalf("unexpected completed summary %+v", runs[1])
	}
	if runs[1].FScore == nil || *runs[1].FScore != 0.8 || runs[0].FScore != nil {
		t.Fatalf("unexpected f-scores %v %v", runs[1].FScore, runs[0].FScore)
	}

	limited, err := l.ListRuns(1)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected limit 1, got %d", len(limited))
	}
}

func TestLoadRunErrors(t *testing.T) {
	l := tempLedger(t)
	if _, err := l.LoadRun("missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if err := l.SaveFailure("run-f", errors.New("aborted"), time.Now()); err != nil {
		t.Fatalf("SaveFailure: %v", err)
	}
	if _, err := l.LoadRun("run-f"); err == nil {
		t.Fatal("expected error loading a failed run")
	}
}

func TestOpenInvalidPath(t *testing.T) {
	_, err := Open(filepath.Join(string(os.PathSeparator), "nonexistent", "deep", "path", "ledger.db"))
	if err == nil {
		t.Fatal("expected error for invalid path")
	}
}
