/*
Package mutation implements the optimistic mutation pipeline: the state
machine that lets the client apply a state change to its local view before
the remote operation confirms it, and safely revert on failure.

LIFECYCLE (one mutation, one pass):

	Idle -> Begun -> Applied -> Committing -> SettledSuccess
	                                       -> SettledFailure

  Begin:     snapshot every targeted cache key, mark them in-flight
  Apply:     run the pure optimistic transform, synchronously - the UI
             reflects the change before any network latency is incurred
  Commit:    invoke the remote operation; the only step allowed to be slow
  Settle:    always invalidate the declared settle set, so a refetch of
             ground truth corrects any optimistic approximation

CRITICAL INVARIANTS:
  1. The optimistic transform is derivable from the mutation's input alone.
     No hidden reads - it can be replayed identically.
  2. On commit failure, every targeted key is restored from its snapshot.
     Restoration always wins at the moment it runs.
  3. Commit has no mid-flight cancellation: once issued, the pipeline runs
     to SettledSuccess or SettledFailure. Timeouts are commit failures.
  4. Nothing swallows a commit failure without first restoring snapshots.

SEE ALSO:
  - cache/store.go:  the store this pipeline reads and writes
  - undo/ledger.go:  registry of reversible mutations (UndoRegistry here)
  - batch/coordinator.go: runs many mutations with per-entry isolation
*/
package mutation

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/warp/fieldops/cache"
)

// =============================================================================
// STATES
// =============================================================================

type State int32

const (
	StateIdle State = iota
	StateBegun
	StateApplied
	StateCommitting
	StateSettledSuccess
	StateSettledFailure
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBegun:
		return "begun"
	case StateApplied:
		return "applied"
	case StateCommitting:
		return "committing"
	case StateSettledSuccess:
		return "settled-success"
	case StateSettledFailure:
		return "settled-failure"
	}
	return "unknown"
}

// =============================================================================
// MUTATION - One intended remote state change
// =============================================================================

// Kind names a business action ("record-payment", "verify-payment", ...).
type Kind string

// Mutation bundles one optimistic-apply/commit pair with the cache keys it
// touches. Domain packages construct these; the Pipeline runs them.
type Mutation struct {
	// ID uniquely identifies this mutation. Use NewID().
	ID string

	// Kind is the business action this mutation performs.
	Kind Kind

	// Description is human-readable, used in notifications and errors.
	Description string

	// Targets are the cache keys the optimistic transform writes.
	// Snapshotted at Begin; restored on failure.
	Targets []cache.Key

	// Settle are the keys invalidated after the mutation settles,
	// regardless of outcome. Typically broader than Targets.
	Settle []cache.Key

	// Apply is the pure optimistic transform, called once per target key
	// against the current cache value (not the snapshot). It must return a
	// new value; it must not mutate old in place.
	Apply func(key cache.Key, old any) any

	// Commit performs the remote operation. The only step allowed to
	// suspend or fail. See Sequential for multi-write commits.
	Commit func(ctx context.Context) error

	// Undo, when non-nil, declares this mutation kind reversible. An undo
	// record is registered only after Commit succeeds.
	Undo *UndoSpec

	state atomic.Int32
}

// UndoSpec is the pre-state descriptor carried by an undoable mutation:
// enough to construct a compensating remote operation, which is NOT a cache
// replay - the remote state has changed since.
type UndoSpec struct {
	// TargetID is the entity instance this mutation changed. At most one
	// live undo record exists per TargetID.
	TargetID string

	// Description of the reversal, shown on the undo affordance.
	Description string

	// PriorStatus records the status being reverted to, for the history log.
	PriorStatus string

	// Window overrides the ledger's validity window when > 0.
	Window time.Duration

	// Compensate builds the compensating mutation from the pre-state
	// descriptor. It runs through the full pipeline, with its own
	// optimistic apply and its own failure rollback.
	Compensate func() *Mutation
}

// NewID returns a fresh mutation id.
func NewID() string { return uuid.NewString() }

// State returns the mutation's current lifecycle state.
func (m *Mutation) State() State { return State(m.state.Load()) }

func (m *Mutation) setState(s State) { m.state.Store(int32(s)) }
