package comet

import (
	"context"
	"errors"
	"fmt"
)

// ErrPreconditionUnavailable marks a guarded action whose precondition could
// not be evaluated because the target-state read itself failed.
var ErrPreconditionUnavailable = errors.New("precondition unavailable")

type (
	// Precondition reports whether a guarded action still needs to run.
	// It must be written so that its result flips to false exactly when the
	// effect's goal state is reached on the target.
	Precondition func(ctx context.Context) (bool, error)

	// Effect performs the actual state change.
	Effect func(ctx context.Context) error

	// GuardedAction pairs a precondition with the effect it guards. Authors
	// must keep the pair closed under idempotence: immediately after a
	// successful Run, Check must report false.
	GuardedAction struct {
		Check Precondition
		Run   Effect
	}
)

// RunIfNeeded evaluates check against current target state and invokes run
// only if the check reports the goal state is not yet reached. A failing
// check is surfaced wrapped in ErrPreconditionUnavailable; a failing run is
// surfaced unchanged. There are no retries and no postcondition verification.
func RunIfNeeded(ctx context.Context, check Precondition, run Effect) error {
	needed, err := check(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPreconditionUnavailable, err)
	}
	if !needed {
		return nil
	}
	return run(ctx)
}

// Execute runs the guarded action through RunIfNeeded.
func (a GuardedAction) Execute(ctx context.Context) error {
	return RunIfNeeded(ctx, a.Check, a.Run)
}
