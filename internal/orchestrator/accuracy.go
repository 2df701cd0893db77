package orchestrator

import (
	"fmt"

	"github.com/danielpatrickdp/model-search/go-controller/internal/naming"
)

// #region accuracy

// Accuracy scores a model's terms against the model known to have generated
// the data.
type Accuracy struct {
	TrueModel   string  `json:"true_model"`
	Precision   float64 `json:"precision"`
	Sensitivity float64 `json:"sensitivity"`
	FScore      float64 `json:"f_score"`
}

// ScoreTerms compares the constituent terms of name with those of truth.
// Precision is the share of name's terms found in truth, sensitivity the
// share of truth's terms recovered, FScore their F-beta combination.
func ScoreTerms(conv naming.Convention, name, truth string, beta float64) (Accuracy, error) {
	acc := Accuracy{TrueModel: truth}
	if beta <= 0 {
		beta = 1
	}
	learned, err := termSet(conv, name)
	if err != nil {
		return acc, err
	}
	want, err := termSet(conv, truth)
	if err != nil {
		return acc, err
	}
	if len(want) == 0 {
		return acc, fmt.Errorf("true model %q: %w", truth, naming.ErrMalformedName)
	}

	hits := 0
	for t := range learned {
		if want[t] {
			hits++
		}
	}
	if len(learned) > 0 {
		acc.Precision = float64(hits) / float64(len(learned))
	}
	acc.Sensitivity = float64(hits) / float64(len(want))
	if hits > 0 {
		b2 := beta * beta
		acc.FScore = (1 + b2) * acc.Precision * acc.Sensitivity / (b2*acc.Precision + acc.Sensitivity)
	}
	return acc, nil
}

// termSet canonicalises each term so equivalent spellings match.
func termSet(conv naming.Convention, name string) (map[string]bool, error) {
	set := make(map[string]bool)
	for _, t := range conv.Terms(name) {
		canon, _, err := conv.Canonicalize(t)
		if err != nil {
			return nil, fmt.Errorf("term %q of %q: %w", t, name, err)
		}
		set[canon] = true
	}
	return set, nil
}

// #endregion accuracy
