package worker

import (
	"context"
	"fmt"

	"github.com/danielpatrickdp/model-search/go-controller/internal/registry"
)

// #region subject

// Handle is the opaque learned-result produced by a Learner.
type Handle []byte

// Subject identifies a model handed to a Learner or Comparator. Handle is set
// for comparisons and negligibility checks, nil for learning.
type Subject struct {
	ID     int
	Name   string
	Handle Handle
}

// #endregion subject

// #region interfaces

// Learner fits a named model.
type Learner interface {
	Learn(ctx context.Context, m Subject) (Handle, error)
	// Negligible returns the terms of a learned model whose parameters are
	// statistically indistinguishable from zero.
	Negligible(ctx context.Context, m Subject) ([]string, error)
}

// Comparator scores one learned model against another. The returned evidence
// ratio favours a when > 1. Implementations must satisfy
// Compare(a, b) == 1 / Compare(b, a).
type Comparator interface {
	Compare(ctx context.Context, a, b Subject) (float64, error)
}

// #endregion interfaces

// #region job-error

// Job kinds.
const (
	KindLearn   = "learn"
	KindCompare = "compare"
)

// JobError describes a failed worker job.
type JobError struct {
	Kind  string
	Model int              // set for learn jobs
	Pair  registry.PairKey // set for compare jobs
	Err   error
}

func (e *JobError) Error() string {
	if e.Kind == KindCompare {
		return fmt.Sprintf("compare pair %s: %v", e.Pair, e.Err)
	}
	return fmt.Sprintf("learn model %d: %v", e.Model, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// #endregion job-error
