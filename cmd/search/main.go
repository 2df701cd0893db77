package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielpatrickdp/model-search/go-controller/internal/codec"
	"github.com/danielpatrickdp/model-search/go-controller/internal/config"
	"github.com/danielpatrickdp/model-search/go-controller/internal/coord"
	"github.com/danielpatrickdp/model-search/go-controller/internal/ledger"
	"github.com/danielpatrickdp/model-search/go-controller/internal/logging"
	"github.com/danielpatrickdp/model-search/go-controller/internal/naming"
	"github.com/danielpatrickdp/model-search/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/model-search/go-controller/internal/replay"
	"github.com/danielpatrickdp/model-search/go-controller/internal/synthetic"
	"github.com/danielpatrickdp/model-search/go-controller/internal/worker"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// #region main
func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", envOr("SEARCH_CONFIG", ""), "path to search config (.yaml, .toml or .json)")
	outPath := flag.String("out", "", "also write the outcome as JSON to this path")
	single := flag.String("single", "", "learn one model and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}
	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		go serveMetrics(addr)
	}

	store, err := openStore(cfg, runID)
	if err != nil {
		log.Printf("failed to open coordination store: %v", err)
		return 1
	}
	defer store.Close()

	learner, comparator, closeWorker, err := openWorker(cfg)
	if err != nil {
		log.Printf("failed to set up workers: %v", err)
		return 1
	}
	defer closeWorker()

	var led *ledger.Ledger
	var sink orchestrator.DecisionSink
	if cfg.Ledger.Path != "" {
		led, err = ledger.Open(cfg.Ledger.Path)
		if err != nil {
			log.Printf("failed to open ledger: %v", err)
			return 1
		}
		defer led.Close()
		rec, err := logging.NewRecorder(led.DB(), runID)
		if err != nil {
			log.Printf("failed to set up decision log: %v", err)
			return 1
		}
		sink = rec
	}

	rules, err := cfg.BuildRules(naming.Pauli{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}
	o, err := orchestrator.New(cfg.Orchestrator(), orchestrator.Deps{
		Store:      store,
		Learner:    learner,
		Comparator: comparator,
		Naming:     naming.Pauli{},
		Rules:      rules,
		Decisions:  sink,
		RunID:      runID,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}

	if *single != "" {
		h, err := o.RunSingleModel(ctx, *single)
		if err != nil {
			log.Printf("single model %s: %v", *single, err)
			return 1
		}
		fmt.Printf("%s learned (%d byte handle)\n", *single, len(h))
		return 0
	}

	fmt.Println("Model search starting.")
	fmt.Printf("  Run: %s | Rules: %d | Workers: %s (%d) | Coord: %s\n",
		runID, len(rules), cfg.Worker.Mode, cfg.Workers, cfg.Coord.Backend)

	started := time.Now().UTC()
	out, err := o.Run(ctx)
	if err != nil {
		if led != nil {
			if serr := led.SaveFailure(runID, err, started); serr != nil {
				log.Printf("ledger error: %v", serr)
			}
		}
		log.Printf("search failed: %v", err)
		if errors.Is(err, orchestrator.ErrGrowthRuleExhausted) {
			return 2
		}
		return 1
	}

	if led != nil {
		if err := led.SaveOutcome(out); err != nil {
			log.Printf("ledger error: %v", err)
		}
	}
	if *outPath != "" {
		if err := replay.WriteFixture(*outPath, out); err != nil {
			log.Printf("write outcome: %v", err)
		}
	}

	printSummary(out)
	return 0
}

// #endregion main

// #region wiring
func openStore(cfg config.SearchConfig, runID string) (coord.Store, error) {
	switch cfg.Coord.Backend {
	case config.CoordSQLite:
		s, err := coord.NewSQLiteStore(cfg.Coord.Path, runID)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return coord.NewMemStore(), nil
	}
}

func openWorker(cfg config.SearchConfig) (worker.Learner, worker.Comparator, func(), error) {
	if cfg.Worker.Mode == config.WorkerRemote {
		client, err := codec.NewWorkerClient(cfg.Worker.Addr)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to worker service at %s: %w", cfg.Worker.Addr, err)
		}
		return client, client, func() { client.Close() }, nil
	}
	sys, err := synthetic.New(cfg.Synthetic, naming.Pauli{})
	if err != nil {
		return nil, nil, nil, err
	}
	return sys, sys, func() {}, nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Printf("[SEARCH] metrics on %s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("[SEARCH] metrics server: %v", err)
	}
}

// #endregion wiring

// #region output
func printSummary(out *orchestrator.Outcome) {
	fmt.Printf("\nChampion: %s (model %d)\n", out.ChampionName, out.ChampionID)
	if out.ReducedFrom >= 0 {
		fmt.Printf("  reduced from model %d\n", out.ReducedFrom)
	}
	if acc := out.Accuracy; acc != nil {
		fmt.Printf("  vs %s: precision %.3f | sensitivity %.3f | f-score %.3f\n",
			acc.TrueModel, acc.Precision, acc.Sensitivity, acc.FScore)
	}
	fmt.Printf("  %d models | %d branches | %d comparisons | %s\n",
		len(out.Models), len(out.Branches), len(out.Comparisons), out.FinishedAt.Sub(out.StartedAt).Round(time.Millisecond))
	for _, t := range out.Trees {
		if t.Rule == orchestrator.FinalTree {
			continue
		}
		fmt.Printf("  tree %-16s depth %d, %d branches\n", t.Rule, t.Depth, len(t.Branches))
	}
}

// #endregion output

// #region helpers
func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
