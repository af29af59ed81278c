/*
Package undo implements the time-boxed undo ledger: the registry that lets a
completed mutation be reversed for a fixed window after its commit succeeded.

LIFECYCLE OF A RECORD:
  created   - only after a mutation's remote commit SUCCEEDED
  consumed  - the operator invoked undo; the record is removed from the
              registry BEFORE the compensation runs, so a concurrent second
              invocation fails with ErrNotFound instead of double-reversing
  expired   - the validity window (default 120s) elapsed; a per-record timer
              removes it. Removal is idempotent: expiry racing a consume is
              a no-op, never an error.

COMPENSATION:
  Undo does not replay the cache snapshot - the remote state has moved since.
  It builds a fresh compensating mutation from the record's pre-state
  descriptor and runs it through the full pipeline: its own optimistic apply,
  its own rollback on failure.

HISTORY:
  Every successful reversal is appended to a persisted, append-only history
  log (kind, target entity, timestamp, prior status). The log is independent
  of the registry's live, expiring entries.

SEE ALSO:
  - mutation/pipeline.go: registers records via the UndoRegistry interface
  - store/sqlite:         persisted History implementation
*/
package undo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/fieldops/mutation"
)

// DefaultWindow is the validity window applied when a mutation's UndoSpec
// does not override it.
const DefaultWindow = 120 * time.Second

// ErrNotFound is returned when undo is invoked for a record that expired,
// was already consumed, or never existed. A soft error: no state changed.
var ErrNotFound = errors.New("undo: record not found")

// =============================================================================
// RECORD
// =============================================================================

// Record is one live, reversible mutation.
type Record struct {
	ID          string
	MutationID  string
	TargetID    string
	Kind        mutation.Kind
	Description string
	PriorStatus string
	CreatedAt   time.Time
	ExpiresAt   time.Time

	compensate func() *mutation.Mutation
	timer      *time.Timer
}

// HistoryEntry is one row of the persisted reversal log.
type HistoryEntry struct {
	ID          string
	Kind        string
	Target      string
	PriorStatus string
	At          time.Time
}

// History is the append-only reversal log. Persisted client-locally; not part
// of the remote source of truth.
type History interface {
	Append(ctx context.Context, entry HistoryEntry) error
	List(ctx context.Context, limit int) ([]HistoryEntry, error)
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger is the live registry. It implements mutation.UndoRegistry.
type Ledger struct {
	mu       sync.Mutex
	byMut    map[string]*Record // mutation id -> record
	byTarget map[string]string  // target entity -> mutation id

	pipeline *mutation.Pipeline
	history  History
	window   time.Duration
	clock    func() time.Time
	logger   *slog.Logger
}

type Option func(*Ledger)

// WithWindow overrides the default validity window.
func WithWindow(d time.Duration) Option { return func(l *Ledger) { l.window = d } }

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.clock = now } }
func WithLogger(lg *slog.Logger) Option     { return func(l *Ledger) { l.logger = lg } }

// NewLedger creates a ledger running compensations through p. history may be
// nil (reversals are then logged but not persisted).
func NewLedger(p *mutation.Pipeline, history History, opts ...Option) *Ledger {
	l := &Ledger{
		byMut:    make(map[string]*Record),
		byTarget: make(map[string]string),
		pipeline: p,
		history:  history,
		window:   DefaultWindow,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Register creates a record for m and starts its expiry timer. At most one
// live record exists per target entity: a newer registration for the same
// target replaces the older one.
func (l *Ledger) Register(ctx context.Context, m *mutation.Mutation) error {
	if m.Undo == nil || m.Undo.Compensate == nil {
		return fmt.Errorf("mutation %s declares no undo descriptor", m.ID)
	}

	window := l.window
	if m.Undo.Window > 0 {
		window = m.Undo.Window
	}
	now := l.clock()
	rec := &Record{
		ID:          uuid.NewString(),
		MutationID:  m.ID,
		TargetID:    m.Undo.TargetID,
		Kind:        m.Kind,
		Description: m.Undo.Description,
		PriorStatus: m.Undo.PriorStatus,
		CreatedAt:   now,
		ExpiresAt:   now.Add(window),
		compensate:  m.Undo.Compensate,
	}

	l.mu.Lock()
	if prevMut, ok := l.byTarget[rec.TargetID]; ok {
		l.removeLocked(prevMut)
	}
	l.byMut[m.ID] = rec
	l.byTarget[rec.TargetID] = m.ID
	id := m.ID
	rec.timer = time.AfterFunc(window, func() { l.expire(id) })
	l.mu.Unlock()

	l.logger.Debug("undo registered",
		"mutation", m.ID, "target", rec.TargetID, "expires_at", rec.ExpiresAt)
	return nil
}

// Undo consumes the record for mutationID and runs its compensation through
// the full pipeline. The record is removed before the compensation starts;
// a second invocation - concurrent or later - returns ErrNotFound.
func (l *Ledger) Undo(ctx context.Context, mutationID string) error {
	l.mu.Lock()
	rec, ok := l.byMut[mutationID]
	if ok {
		l.removeLocked(mutationID)
	}
	l.mu.Unlock()

	if !ok {
		return ErrNotFound
	}

	comp := rec.compensate()
	if err := l.pipeline.Run(ctx, comp); err != nil {
		// The record stays consumed: the compensation ran its own rollback
		// and the operator retries through the normal action, not undo.
		return fmt.Errorf("undo %s: %w", rec.Kind, err)
	}

	entry := HistoryEntry{
		ID:          rec.ID,
		Kind:        string(rec.Kind),
		Target:      rec.TargetID,
		PriorStatus: rec.PriorStatus,
		At:          l.clock(),
	}
	if l.history != nil {
		if err := l.history.Append(ctx, entry); err != nil {
			l.logger.Warn("undo history append failed", "target", rec.TargetID, "error", err)
		}
	}
	l.logger.Info("mutation reversed", "kind", rec.Kind, "target", rec.TargetID)
	return nil
}

// Pending returns the live record for mutationID, if any.
func (l *Ledger) Pending(mutationID string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.byMut[mutationID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Records returns every live record, soonest expiry first.
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, len(l.byMut))
	for _, rec := range l.byMut {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out
}

// Len returns the number of live records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byMut)
}

func (l *Ledger) expire(mutationID string) {
	l.mu.Lock()
	_, ok := l.byMut[mutationID]
	if ok {
		l.removeLocked(mutationID)
	}
	l.mu.Unlock()
	if ok {
		l.logger.Debug("undo window elapsed", "mutation", mutationID)
	}
}

// removeLocked is the single compare-and-remove. Idempotent: removing an
// already-removed id is a no-op.
func (l *Ledger) removeLocked(mutationID string) {
	rec, ok := l.byMut[mutationID]
	if !ok {
		return
	}
	delete(l.byMut, mutationID)
	if l.byTarget[rec.TargetID] == mutationID {
		delete(l.byTarget, rec.TargetID)
	}
	if rec.timer != nil {
		rec.timer.Stop()
	}
}
