package mutation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/warp/fieldops/cache"
)

// =============================================================================
// COLLABORATORS - Fire-and-forget feedback and operator notifications
// =============================================================================

// Feedback is the tactile/acoustic collaborator. Calls are fire-and-forget;
// no return value is consumed.
type Feedback interface {
	Begin(kind Kind)
	Success(kind Kind)
	Error(kind Kind)
}

// Notifier is the toast/notification collaborator. Undoable carries the
// affordance callback, which reaches back into the undo ledger.
type Notifier interface {
	Success(message string)
	Error(message string)
	Undoable(message string, undo func(ctx context.Context) error)
}

// UndoRegistry is implemented by the undo ledger. Register is called only
// after a commit has succeeded, and only for mutations declaring an UndoSpec.
type UndoRegistry interface {
	Register(ctx context.Context, m *Mutation) error
	Undo(ctx context.Context, mutationID string) error
}

// NopFeedback and NopNotifier satisfy the collaborator interfaces with
// no-ops, for tests and headless wiring.
type NopFeedback struct{}

func (NopFeedback) Begin(Kind)   {}
func (NopFeedback) Success(Kind) {}
func (NopFeedback) Error(Kind)   {}

type NopNotifier struct{}

func (NopNotifier) Success(string)                                   {}
func (NopNotifier) Error(string)                                     {}
func (NopNotifier) Undoable(string, func(ctx context.Context) error) {}

// =============================================================================
// PIPELINE - Drives mutations through the lifecycle
// =============================================================================

// Pipeline wires the cache store, the undo registry and the UI collaborators.
// Fields are set once at construction time; Registry is assigned after the
// undo ledger exists (the ledger needs the pipeline to run compensations).
type Pipeline struct {
	Cache    *cache.Store
	Registry UndoRegistry
	Feedback Feedback
	Notifier Notifier
	Logger   *slog.Logger
}

// NewPipeline creates a pipeline with no-op collaborators.
func NewPipeline(store *cache.Store) *Pipeline {
	return &Pipeline{
		Cache:    store,
		Feedback: NopFeedback{},
		Notifier: NopNotifier{},
		Logger:   slog.Default(),
	}
}

// Run drives m through begin, optimistic apply, commit and settle. It returns
// nil on settled success, a *CommitError on settled failure. Begin and apply
// happen synchronously before Run first suspends; callers observe the
// optimistic value in the cache as soon as Run has been entered.
func (p *Pipeline) Run(ctx context.Context, m *Mutation) error {
	if err := p.validate(m); err != nil {
		return err
	}

	// Begin: snapshot targets, mark in-flight.
	m.setState(StateBegun)
	snaps := p.Cache.Capture(m.Targets)
	p.Feedback.Begin(m.Kind)

	// Optimistic apply: synchronous, before any network latency.
	for _, key := range m.Targets {
		k := key
		p.Cache.WriteOptimistic(k, func(old any) any { return m.Apply(k, old) })
	}
	m.setState(StateApplied)

	// Commit: the only step allowed to be slow or fail. No mid-flight
	// cancellation - once issued we run to a settled state.
	m.setState(StateCommitting)
	err := m.Commit(ctx)

	if err != nil {
		// Restore every targeted key from its snapshot. Exact overwrite:
		// whatever landed in the interim loses to the rollback, and the
		// settle refetch corrects the rest.
		for _, snap := range snaps {
			p.Cache.Restore(snap)
		}
		m.setState(StateSettledFailure)
		p.settle(m)

		cerr := &CommitError{MutationID: m.ID, Kind: m.Kind, Err: err}
		p.Logger.Warn("mutation failed",
			"mutation", m.ID, "kind", m.Kind, "error", err,
			"partial_side_effect", IsPartialSideEffect(err))
		p.Feedback.Error(m.Kind)
		p.Notifier.Error(cerr.Message())
		return cerr
	}

	m.setState(StateSettledSuccess)
	p.Feedback.Success(m.Kind)

	if m.Undo != nil && p.Registry != nil {
		if rerr := p.Registry.Register(ctx, m); rerr != nil {
			// The commit stands; losing the undo affordance is the lesser
			// failure. Log and continue as a plain success.
			p.Logger.Warn("undo registration failed", "mutation", m.ID, "error", rerr)
			p.Notifier.Success(m.Description)
		} else {
			id := m.ID
			p.Notifier.Undoable(m.Undo.Description, func(ctx context.Context) error {
				return p.Registry.Undo(ctx, id)
			})
		}
	} else {
		p.Notifier.Success(m.Description)
	}

	p.settle(m)
	return nil
}

// settle invalidates the mutation's settle set, forcing an eventual
// refetch of ground truth. Runs on both branches.
func (p *Pipeline) settle(m *Mutation) {
	for _, key := range m.Settle {
		p.Cache.Invalidate(key)
	}
}

func (p *Pipeline) validate(m *Mutation) error {
	switch {
	case m == nil:
		return fmt.Errorf("%w: nil", ErrInvalidMutation)
	case m.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidMutation)
	case len(m.Targets) == 0:
		return fmt.Errorf("%w: %s has no target keys", ErrInvalidMutation, m.Kind)
	case m.Apply == nil:
		return fmt.Errorf("%w: %s has no optimistic transform", ErrInvalidMutation, m.Kind)
	case m.Commit == nil:
		return fmt.Errorf("%w: %s has no commit", ErrInvalidMutation, m.Kind)
	}
	return nil
}
