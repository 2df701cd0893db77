// Package coord holds the counters, flags and keyed results shared between the
// search controller and the workers it dispatches. Workers only write here;
// the controller reads here and owns every other piece of search state.
package coord

import (
	"context"
	"errors"

	"github.com/danielpatrickdp/model-search/go-controller/internal/registry"
)

// #region store-interface

// Store is the coordination surface. Implementations must make each call
// atomic; increments from concurrent workers must never be lost.
type Store interface {
	// InitBranch zeroes the counters for a branch. Calling it again is a no-op.
	InitBranch(ctx context.Context, branch int) error
	IncrLearned(ctx context.Context, branch int) (int, error)
	Learned(ctx context.Context, branch int) (int, error)
	IncrCompared(ctx context.Context, branch int) (int, error)
	Compared(ctx context.Context, branch int) (int, error)

	PutResult(ctx context.Context, model int, handle []byte) error
	Result(ctx context.Context, model int) ([]byte, bool, error)

	// PutRatio stores a ratio favouring k.Low, replacing any previous value.
	PutRatio(ctx context.Context, k registry.PairKey, ratio float64) error
	Ratio(ctx context.Context, k registry.PairKey) (float64, bool, error)
	Ratios(ctx context.Context) (map[registry.PairKey]float64, error)

	// Fail raises the global failure flag. The first reason is kept.
	Fail(ctx context.Context, reason string) error
	Failure(ctx context.Context) (string, bool, error)

	// Changed is signalled (coalesced) after every write made through this
	// Store value.
	Changed() <-chan struct{}
	Close() error
}

// ErrUnknownBranch is returned when counters are read for an uninitialised branch.
var ErrUnknownBranch = errors.New("branch not initialised")

// #endregion store-interface

// #region notifier

type notifier struct {
	ch chan struct{}
}

func newNotifier() notifier {
	return notifier{ch: make(chan struct{}, 1)}
}

func (n notifier) signal() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// #endregion notifier
