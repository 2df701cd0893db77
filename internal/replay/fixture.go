package replay

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/model-search/go-controller/internal/orchestrator"
)

// #region fixture

// LoadFixture reads a run exported as JSON.
func LoadFixture(path string) (*orchestrator.Outcome, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var out orchestrator.Outcome
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &out, nil
}

// WriteFixture exports run as indented JSON.
func WriteFixture(path string, run *orchestrator.Outcome) error {
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// #endregion fixture
