package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielpatrickdp/model-search/go-controller/internal/growth"
	"github.com/danielpatrickdp/model-search/go-controller/internal/naming"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const yamlConfig = `
threshold: 2.5
recompute_budget: 5
job_timeout: 30s
poll_interval: 250ms
reduce_champion: true
synthetic:
  target: xPy
  seed: 7
coord:
  backend: sqlite
  path: coord.db
rules:
  - kind: term_addition
    name: adder
    terms: [x, y, z]
    max_depth: 2
  - kind: fixed
    models: [xPyPz]
`

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeFile(t, "search.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, 2.5, cfg.Threshold)
	assert.Equal(t, 1e5, cfg.CollapseThreshold, "unset fields keep defaults")
	assert.Equal(t, 5, cfg.RecomputeBudget)
	assert.Equal(t, Duration(30*time.Second), cfg.JobTimeout)
	assert.Equal(t, Duration(250*time.Millisecond), cfg.PollInterval)
	assert.True(t, cfg.ReduceChampion)
	assert.Equal(t, "xPy", cfg.Synthetic.Target)
	assert.Equal(t, uint64(7), cfg.Synthetic.Seed)
	assert.Equal(t, CoordSQLite, cfg.Coord.Backend)
	require.Len(t, cfg.Rules, 2)
	assert.Equal(t, growth.KindTermAddition, cfg.Rules[0].Kind)
	assert.Equal(t, []string{"x", "y", "z"}, cfg.Rules[0].Terms)
	assert.Equal(t, 2, cfg.Rules[0].MaxDepth)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "search.toml", `
threshold = 3.0
collapse_threshold = 1000.0
poll_interval = "50ms"

[worker]
mode = "remote"
addr = "worker:50051"

[[rules]]
kind = "genetic"
name = "ga"
terms = ["x", "y", "z"]
population = 4
seed = 11
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3.0, cfg.Threshold)
	assert.Equal(t, 1000.0, cfg.CollapseThreshold)
	assert.Equal(t, Duration(50*time.Millisecond), cfg.PollInterval)
	assert.Equal(t, WorkerRemote, cfg.Worker.Mode)
	assert.Equal(t, "worker:50051", cfg.Worker.Addr)
	require.Len(t, cfg.Rules, 1)
	assert.Equal(t, "ga", cfg.Rules[0].Name)
	assert.Equal(t, 4, cfg.Rules[0].Population)
	assert.Equal(t, uint64(11), cfg.Rules[0].Seed)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "search.json", `{
  "workers": 8,
  "job_timeout": "2m",
  "synthetic": {"target": "x"},
  "rules": [{"kind": "fixed", "name": "list", "models": ["x", "y"]}]
}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, Duration(2*time.Minute), cfg.JobTimeout)
	assert.Equal(t, []string{"x", "y"}, cfg.Rules[0].Models)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "threshold: [1, 2\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.conf", "{not yaml: [ nor json"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SEARCH_THRESHOLD", "4")
	t.Setenv("SEARCH_WORKERS", "2")
	t.Setenv("SEARCH_POLL_INTERVAL", "10ms")
	t.Setenv("SEARCH_REDUCE_CHAMPION", "false")
	t.Setenv("SEARCH_TARGET", "yPz")
	t.Setenv("SEARCH_RUN_ID", "run-env")

	cfg, err := Load(writeFile(t, "search.yaml", yamlConfig))
	require.NoError(t, err)

	assert.Equal(t, 4.0, cfg.Threshold)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, Duration(10*time.Millisecond), cfg.PollInterval)
	assert.False(t, cfg.ReduceChampion)
	assert.Equal(t, "yPz", cfg.Synthetic.Target)
	assert.Equal(t, "run-env", cfg.RunID)
}

func TestEnvInvalid(t *testing.T) {
	t.Setenv("SEARCH_WORKERS", "many")
	_, err := Load(writeFile(t, "search.yaml", yamlConfig))
	assert.ErrorContains(t, err, "SEARCH_WORKERS")
}

func TestValidate(t *testing.T) {
	valid := func() SearchConfig {
		c := Default()
		c.Synthetic.Target = "x"
		c.Rules = []growth.Spec{{Kind: growth.KindFixed, Models: []string{"x"}}}
		return c
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*SearchConfig){
		"no rules":       func(c *SearchConfig) { c.Rules = nil },
		"unknown kind":   func(c *SearchConfig) { c.Rules[0].Kind = "beam" },
		"reserved name":  func(c *SearchConfig) { c.Rules[0].Name = "final" },
		"duplicate":      func(c *SearchConfig) { c.Rules = append(c.Rules, c.Rules[0]) },
		"threshold":      func(c *SearchConfig) { c.Threshold = 0 },
		"collapse":       func(c *SearchConfig) { c.CollapseThreshold = -1 },
		"budget":         func(c *SearchConfig) { c.RecomputeBudget = -2 },
		"workers":        func(c *SearchConfig) { c.Workers = 0 },
		"f-score beta":   func(c *SearchConfig) { c.FScoreBeta = 0 },
		"no target":      func(c *SearchConfig) { c.Synthetic.Target = "" },
		"remote no addr": func(c *SearchConfig) { c.Worker = WorkerConfig{Mode: WorkerRemote} },
		"worker mode":    func(c *SearchConfig) { c.Worker.Mode = "cluster" },
		"coord backend":  func(c *SearchConfig) { c.Coord.Backend = "redis" },
		"coord path":     func(c *SearchConfig) { c.Coord = CoordConfig{Backend: CoordSQLite} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestOrchestratorConfig(t *testing.T) {
	c := Default()
	oc := c.Orchestrator()
	assert.Equal(t, 1.0, oc.Threshold)
	assert.Equal(t, 3, oc.RecomputeBudget)
	assert.Equal(t, 100*time.Millisecond, oc.PollInterval)

	c.RecomputeBudget = 0
	assert.Equal(t, -1, c.Orchestrator().RecomputeBudget, "zero budget disables recursion")
}

func TestOrchestratorTrueModel(t *testing.T) {
	c := Default()
	c.Synthetic.Target = "xPy"
	oc := c.Orchestrator()
	assert.Equal(t, "xPy", oc.TrueModel, "local runs score against the synthetic target")
	assert.Equal(t, 1.0, oc.FScoreBeta)

	c.TrueModel = "xPz"
	assert.Equal(t, "xPz", c.Orchestrator().TrueModel)

	c.TrueModel = ""
	c.Worker = WorkerConfig{Mode: WorkerRemote, Addr: "worker:50051"}
	assert.Empty(t, c.Orchestrator().TrueModel, "remote runs have no known truth by default")
}

func TestEnvTrueModel(t *testing.T) {
	t.Setenv("SEARCH_TRUE_MODEL", "yPz")
	t.Setenv("SEARCH_F_SCORE_BETA", "2")

	cfg, err := Load(writeFile(t, "search.yaml", yamlConfig))
	require.NoError(t, err)
	assert.Equal(t, "yPz", cfg.TrueModel)
	assert.Equal(t, 2.0, cfg.FScoreBeta)
}

func TestBuildRules(t *testing.T) {
	c := Default()
	c.Rules = []growth.Spec{
		{Kind: growth.KindFixed, Name: "list", Models: []string{"x"}},
		{Kind: growth.KindTermAddition, Terms: []string{"x", "y"}},
	}
	rules, err := c.BuildRules(naming.Pauli{})
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "list", rules[0].Name())
	assert.Equal(t, growth.KindTermAddition, rules[1].Name())

	c.Rules = []growth.Spec{{Kind: growth.KindFixed}}
	_, err = c.BuildRules(naming.Pauli{})
	assert.Error(t, err)
}
