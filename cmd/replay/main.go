package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/danielpatrickdp/model-search/go-controller/internal/ledger"
	"github.com/danielpatrickdp/model-search/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/model-search/go-controller/internal/replay"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to model_search.db (DB mode)")
	runID := flag.String("run", "", "run id to replay (DB mode)")
	fixturePath := flag.String("fixture", "", "path to exported run JSON (fixture mode)")
	exportPath := flag.String("export", "", "write the loaded run as a fixture to this path")
	threshold := flag.Float64("threshold", 0, "override the recorded threshold T")
	jsonOut := flag.Bool("json", false, "print the report as JSON")
	flag.Parse()

	dbMode := *dbPath != "" && *runID != ""
	if dbMode == (*fixturePath != "") {
		fmt.Fprintln(os.Stderr, "usage: replay --db path/to/model_search.db --run id [--export out.json]")
		fmt.Fprintln(os.Stderr, "       replay --fixture path/to/run.json")
		os.Exit(2)
	}

	var run *orchestrator.Outcome
	var err error
	if dbMode {
		run, err = loadFromDB(*dbPath, *runID)
	} else {
		run, err = replay.LoadFixture(*fixturePath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "load run: %v\n", err)
		os.Exit(2)
	}

	if *exportPath != "" {
		if err := replay.WriteFixture(*exportPath, run); err != nil {
			fmt.Fprintf(os.Stderr, "export: %v\n", err)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "exported run %s to %s\n", run.RunID, *exportPath)
	}

	rep := replay.Replay(run, *threshold)
	os.Exit(printReport(rep, *jsonOut))
}

func loadFromDB(dbPath, runID string) (*orchestrator.Outcome, error) {
	led, err := ledger.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	defer led.Close()
	return led.LoadRun(runID)
}

// #endregion main

// #region output

// printReport outputs the replay table and returns the exit code.
func printReport(rep replay.Report, jsonOut bool) int {
	code := 0
	if !rep.OK() {
		code = 1
	}
	if jsonOut {
		data, err := json.MarshalIndent(rep, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "marshal json: %v\n", err)
			return 2
		}
		fmt.Println(string(data))
		return code
	}

	fmt.Printf("%-8s| %-24s| %s\n", "Branch", "Replayed ranking", "Tie")
	fmt.Printf("%-8s+%-25s+%s\n", "--------", "-------------------------", "-----")
	for _, b := range rep.Branches {
		tie := ""
		if b.TieBroken {
			tie = "yes"
		}
		fmt.Printf("%-8d| %-24s| %s\n", b.BranchID, fmt.Sprint(b.Ranking), tie)
	}

	for _, m := range rep.Mismatches {
		fmt.Printf("DIFF  %s\n", m)
	}
	fmt.Printf("\nSummary: run %s, T=%g, %d branches, %d mismatches\n",
		rep.RunID, rep.Threshold, len(rep.Branches), len(rep.Mismatches))
	return code
}

// #endregion output
