/*
Package batch implements the grouped submission coordinator: many mutations
issued against one logical operation (e.g. N payments collected in the
field), with per-entry isolation and an aggregate report.

SEMANTICS:
  - Pre-flight first: format + same-batch uniqueness + remote uniqueness for
    every entry, via the validation guard. A doomed batch is rejected
    WHOLESALE before any entry starts committing.
  - Strictly sequential: a prior entry's remote effects (balance updates)
    may legitimately influence a later entry against the same aggregate, so
    no two entries ever run their commits concurrently.
  - Isolated: one entry's failure never aborts its siblings. Every entry is
    processed; the summary says exactly which ones need retry.
  - Partial failure is a normal return value, never an error.
*/
package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/warp/fieldops/guard"
	"github.com/warp/fieldops/mutation"
)

// =============================================================================
// ENTRIES AND RESULTS
// =============================================================================

// Entry wraps one mutation's input for batched submission. ChannelID and
// TxRef feed the pre-flight guard; Mutation is the ready-to-run pipeline
// input built by the entry's action kind.
type Entry struct {
	ID        string
	ChannelID string
	TxRef     string
	Mutation  *mutation.Mutation
}

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// EntryResult is one entry's outcome. Err is non-nil iff Status is failed.
type EntryResult struct {
	ID     string
	TxRef  string
	Status Status
	Err    error
}

// Outcome classifies the aggregate, so the operator can tell a clean run
// from one that needs per-entry retries.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// Summary is the aggregate report of one batch run.
type Summary struct {
	SuccessCount int
	FailedCount  int
	Results      []EntryResult
}

func (s Summary) Outcome() Outcome {
	switch {
	case s.FailedCount == 0:
		return OutcomeSuccess
	case s.SuccessCount == 0:
		return OutcomeFailure
	default:
		return OutcomePartial
	}
}

// FailedEntries returns the results needing retry.
func (s Summary) FailedEntries() []EntryResult {
	var out []EntryResult
	for _, r := range s.Results {
		if r.Status == StatusFailed {
			out = append(out, r)
		}
	}
	return out
}

// =============================================================================
// COORDINATOR
// =============================================================================

// Coordinator runs batches through the mutation pipeline. Progress is
// readable concurrently while a run is underway (the useBatch surface).
type Coordinator struct {
	Pipeline *mutation.Pipeline
	Guard    *guard.Guard
	Logger   *slog.Logger

	total atomic.Int64
	done  atomic.Int64
}

func NewCoordinator(p *mutation.Pipeline, g *guard.Guard) *Coordinator {
	return &Coordinator{Pipeline: p, Guard: g, Logger: slog.Default()}
}

// Run validates and executes entries sequentially. It returns an error only
// when the whole batch is rejected up front (pre-flight validation) or the
// context is canceled between entries; everything past pre-flight is
// reported through the Summary.
func (c *Coordinator) Run(ctx context.Context, entries []Entry) (Summary, error) {
	if len(entries) == 0 {
		return Summary{}, nil
	}

	if c.Guard != nil {
		refs := make([]guard.Ref, 0, len(entries))
		for i, e := range entries {
			refs = append(refs, guard.Ref{Row: i, ChannelID: e.ChannelID, Value: e.TxRef})
		}
		if err := c.Guard.Preflight(ctx, refs); err != nil {
			return Summary{}, fmt.Errorf("batch rejected: %w", err)
		}
	}

	c.total.Store(int64(len(entries)))
	c.done.Store(0)

	summary := Summary{Results: make([]EntryResult, 0, len(entries))}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		err := c.runEntry(ctx, e)
		res := EntryResult{ID: e.ID, TxRef: e.TxRef, Status: StatusSuccess}
		if err != nil {
			res.Status = StatusFailed
			res.Err = err
			summary.FailedCount++
			c.Logger.Warn("batch entry failed", "entry", e.ID, "ref", e.TxRef, "error", err)
		} else {
			summary.SuccessCount++
		}
		summary.Results = append(summary.Results, res)
		c.done.Add(1)
	}

	c.Logger.Info("batch settled",
		"outcome", summary.Outcome(),
		"success", summary.SuccessCount,
		"failed", summary.FailedCount)
	return summary, nil
}

// Progress returns the fraction of entries processed in the current or most
// recent run, in [0, 1].
func (c *Coordinator) Progress() float64 {
	total := c.total.Load()
	if total == 0 {
		return 0
	}
	return float64(c.done.Load()) / float64(total)
}

// runEntry isolates one entry: a panic inside an entry's commit is recorded
// as that entry's failure, never escaping to abort the loop.
func (c *Coordinator) runEntry(ctx context.Context, e Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("entry %s panicked: %v", e.ID, r)
		}
	}()
	return c.Pipeline.Run(ctx, e.Mutation)
}
