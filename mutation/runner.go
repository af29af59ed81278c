package mutation

import (
	"context"
	"sync"
)

// =============================================================================
// RUNNER - Per-action mutation surface for UI callers
// =============================================================================

// Runner is the hook-shaped surface a view binds to for one business action:
// run the action, observe pending state and the last error. Build converts
// the action's input into a Mutation; the zero fields reset on each Run.
type Runner[T any] struct {
	Pipeline *Pipeline
	Build    func(in T) (*Mutation, error)

	mu      sync.Mutex
	pending bool
	lastErr error
}

// NewRunner creates a runner for one action kind.
func NewRunner[T any](p *Pipeline, build func(in T) (*Mutation, error)) *Runner[T] {
	return &Runner[T]{Pipeline: p, Build: build}
}

// Run builds and executes one mutation. Concurrent calls are rejected while
// a prior run is pending - one action surface drives one mutation at a time.
func (r *Runner[T]) Run(ctx context.Context, in T) error {
	r.mu.Lock()
	if r.pending {
		r.mu.Unlock()
		return ErrRunPending
	}
	r.pending = true
	r.lastErr = nil
	r.mu.Unlock()

	err := func() error {
		m, err := r.Build(in)
		if err != nil {
			return err
		}
		return r.Pipeline.Run(ctx, m)
	}()

	r.mu.Lock()
	r.pending = false
	r.lastErr = err
	r.mu.Unlock()
	return err
}

// IsPending reports whether a run is in flight.
func (r *Runner[T]) IsPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

// LastError returns the error of the most recent completed run, nil after a
// success.
func (r *Runner[T]) LastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}
