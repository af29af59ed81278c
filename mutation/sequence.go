package mutation

import "context"

// =============================================================================
// SEQUENTIAL COMMIT - Best-effort multi-write commits
// =============================================================================

// SubWrite is one remote write within a multi-write commit.
type SubWrite struct {
	Name string
	Do   func(ctx context.Context) error
}

// Sequential composes sub-writes into one commit function, applied in order.
// The writes are best-effort, NOT transactional: if a later sub-write fails
// after earlier ones succeeded, the commit reports failure via
// SideEffectError but the earlier writes are not compensated. A failure of
// the first sub-write is an ordinary commit failure.
func Sequential(writes ...SubWrite) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		var completed []string
		for _, w := range writes {
			if err := w.Do(ctx); err != nil {
				if len(completed) == 0 {
					return err
				}
				return &SideEffectError{Step: w.Name, Completed: completed, Err: err}
			}
			completed = append(completed, w.Name)
		}
		return nil
	}
}
