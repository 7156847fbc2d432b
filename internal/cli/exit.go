package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/kingrea/appfactory/internal/failure"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitError       = 1
	ExitValidation  = 2
	ExitLock        = 3
	ExitExecutor    = 4
	ExitWrite       = 5
	ExitInterrupted = 130
)

var errRegistryInvalid = failure.Validation("", "", "", "build registry has problems", nil)

// ExitCode maps an error to the process exit code. A cancelled ctx wins over
// whatever error the interruption surfaced as.
func ExitCode(ctx context.Context, err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, context.Canceled) || (ctx != nil && ctx.Err() != nil) {
		return ExitInterrupted
	}
	kind, ok := failure.KindOf(err)
	if !ok {
		return ExitError
	}
	switch kind {
	case failure.KindBoundaryViolation, failure.KindArtifactValidation:
		return ExitValidation
	case failure.KindLockUnavailable:
		return ExitLock
	case failure.KindExecutor:
		return ExitExecutor
	case failure.KindWrite:
		return ExitWrite
	default:
		return ExitError
	}
}

func (a *app) reportError(ctx context.Context, err error) {
	if errors.Is(err, errRegistryInvalid) {
		return
	}
	fmt.Fprintln(a.errOut, errStyle.Render("Error: ")+err.Error())
	switch ExitCode(ctx, err) {
	case ExitInterrupted:
		fmt.Fprintln(a.errOut, mutedStyle.Render("Interrupted. Run `appfactory resume` to continue."))
	case ExitLock:
		fmt.Fprintln(a.errOut, mutedStyle.Render("Another invocation holds the pipeline lock. If it is gone, run `appfactory unlock --force`."))
	case ExitExecutor, ExitValidation, ExitWrite:
		fmt.Fprintln(a.errOut, mutedStyle.Render("A failure report was written under the run's failures/ directory. Fix the cause, then run `appfactory resume`."))
	}
}
