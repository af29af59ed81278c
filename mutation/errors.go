/*
errors.go - Typed failures of the mutation pipeline

ERROR CATEGORIES:
  CommitError:     the remote operation was rejected or timed out. The
                   snapshot rollback has ALREADY run by the time callers see
                   this error; it is re-surfaced so the UI can react.
  SideEffectError: a trailing sub-write of a multi-write commit failed after
                   the primary write succeeded. An accepted inconsistency
                   window on the remote side - surfaced, never compensated.

Both unwrap to their cause so callers can branch with errors.Is on the
remote package's sentinels.
*/
package mutation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidMutation is returned by Run for a structurally incomplete
// mutation (missing id, targets, transform, or commit).
var ErrInvalidMutation = errors.New("invalid mutation")

// ErrRunPending is returned by Runner.Run while a prior run is in flight.
var ErrRunPending = errors.New("a run is already pending")

// =============================================================================
// COMMIT ERROR
// =============================================================================

// CommitError reports a failed commit. Message() is safe to show operators:
// the underlying remote message when available, generic otherwise.
type CommitError struct {
	MutationID string
	Kind       Kind
	Err        error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("%s commit failed: %v", e.Kind, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// Message returns the operator-facing description of the failure.
func (e *CommitError) Message() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "the operation could not be completed"
}

// =============================================================================
// SIDE EFFECT ERROR - Partial failure of a multi-write commit
// =============================================================================

// SideEffectError reports that sub-write Step failed after the sub-writes in
// Completed had already been applied remotely. The pipeline does not attempt
// to compensate the completed writes; the operator sees exactly what landed.
type SideEffectError struct {
	Step      string
	Completed []string
	Err       error
}

func (e *SideEffectError) Error() string {
	return fmt.Sprintf("%s failed after %s completed: %v",
		e.Step, strings.Join(e.Completed, ", "), e.Err)
}

func (e *SideEffectError) Unwrap() error { return e.Err }

// IsPartialSideEffect reports whether err carries a partially applied
// multi-write commit.
func IsPartialSideEffect(err error) bool {
	var se *SideEffectError
	return errors.As(err, &se)
}
