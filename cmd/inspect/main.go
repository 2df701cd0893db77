package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/danielpatrickdp/model-search/go-controller/internal/ledger"
	"github.com/danielpatrickdp/model-search/go-controller/internal/orchestrator"
)

// #region main

func main() {
	dbPath := flag.String("db", os.Getenv("SEARCH_LEDGER_PATH"), "path to model_search.db")
	last := flag.Int("last", 20, "show N most recent runs")
	runID := flag.String("run", "", "show single run detail")
	comparisons := flag.Bool("comparisons", false, "include every stored comparison in run detail")
	jsonOut := flag.Bool("json", false, "output as JSON instead of table")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect --db path/to/model_search.db [--last N] [--run id] [--comparisons] [--json]")
		os.Exit(2)
	}

	led, err := ledger.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer led.Close()

	if *runID != "" {
		err = runDetailMode(led, *runID, *comparisons, *jsonOut)
	} else {
		err = runListMode(led, *last, *jsonOut)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		led.Close()
		os.Exit(1)
	}
}

// #endregion main

// #region list-mode

func runListMode(led *ledger.Ledger, last int, jsonOut bool) error {
	runs, err := led.ListRuns(last)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(os.Stderr, "no runs found")
		return nil
	}
	if jsonOut {
		return printJSON(runs)
	}

	fmt.Printf("%-12s  %-9s  %-24s  %5s  %6s  %8s  %s\n", "Run", "Status", "Champion", "F", "Models", "Branches", "Started")
	fmt.Printf("%-12s+-%-9s+-%-24s+-%5s+-%6s+-%8s+-%s\n",
		"------------", "---------", "------------------------", "-----", "------", "--------", "--------------------")
	for _, r := range runs {
		champion := r.ChampionName
		if r.Status == ledger.StatusFailed {
			champion = "-"
		}
		fscore := "-"
		if r.FScore != nil {
			fscore = fmt.Sprintf("%.3f", *r.FScore)
		}
		fmt.Printf("%-12s  %-9s  %-24s  %5s  %6d  %8d  %s\n",
			shortID(r.RunID), r.Status, truncate(champion, 24), fscore, r.Models, r.Branches,
			r.StartedAt.Format("2006-01-02T15:04:05Z"))
		if r.Error != "" {
			fmt.Printf("%-12s  error: %s\n", "", r.Error)
		}
	}
	return nil
}

// #endregion list-mode

// #region detail-mode

func runDetailMode(led *ledger.Ledger, runID string, withComparisons, jsonOut bool) error {
	out, err := led.LoadRun(runID)
	if err != nil {
		return err
	}
	if !withComparisons {
		out.Comparisons = nil
	}
	if jsonOut {
		return printJSON(out)
	}

	fmt.Printf("Run:        %s\n", out.RunID)
	fmt.Printf("Champion:   %s (model %d)\n", out.ChampionName, out.ChampionID)
	if out.ReducedFrom >= 0 {
		fmt.Printf("Reduced:    from model %d\n", out.ReducedFrom)
	}
	fmt.Printf("Thresholds: T=%g C=%g\n", out.Threshold, out.Collapse)
	if acc := out.Accuracy; acc != nil {
		fmt.Printf("Accuracy:   vs %s precision %.3f sensitivity %.3f f-score %.3f\n",
			acc.TrueModel, acc.Precision, acc.Sensitivity, acc.FScore)
	}
	fmt.Printf("Duration:   %s\n", out.FinishedAt.Sub(out.StartedAt))

	fmt.Printf("\nModels:\n")
	for _, m := range out.Models {
		fmt.Printf("  %4d  %-12s  %-24s  q=%d  branch %d\n", m.ID, m.Status, truncate(m.Name, 24), m.Qubits, m.BranchID)
	}

	fmt.Printf("\nBranches:\n")
	for _, b := range out.Branches {
		fmt.Printf("  %4d  %-10s  %-16s  gen %d  parent %d  champion %d  ranking %s\n",
			b.ID, b.Kind, truncate(b.Tree, 16), b.Generation, b.Parent, b.Champion, joinIDs(b.Ranking))
	}

	fmt.Printf("\nDecisions:\n")
	for _, d := range out.Decisions {
		line := fmt.Sprintf("  %-16s  branch %d  model %d", d.Kind, d.BranchID, d.ModelID)
		if d.OtherID >= 0 {
			line += fmt.Sprintf(" over %d", d.OtherID)
		}
		if d.Ratio != 0 {
			line += fmt.Sprintf("  ratio %.4g", d.Ratio)
		}
		fmt.Println(line)
	}

	if withComparisons {
		printComparisons(out.Comparisons)
	}
	return nil
}

func printComparisons(cs []orchestrator.ComparisonRecord) {
	fmt.Printf("\nComparisons:\n")
	for _, c := range cs {
		fmt.Printf("  %4d vs %-4d  %.6g\n", c.Low, c.High, c.Ratio)
	}
}

// #endregion detail-mode

// #region output

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "~"
}

// #endregion output
