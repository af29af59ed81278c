package guard

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// BATCH PRE-FLIGHT - Reject a doomed batch before anything commits
// =============================================================================

// Ref is one guarded identifier within a batch, with its row position for
// error reporting.
type Ref struct {
	Row       int
	ChannelID string
	Value     string
}

// RowFormatError reports a malformed identifier at a batch row.
type RowFormatError struct {
	Row    int
	Value  string
	Reason string
}

func (e *RowFormatError) Error() string {
	return fmt.Sprintf("row %d (%s): %s", e.Row, e.Value, e.Reason)
}

// BatchDuplicateError reports two rows of the same batch carrying an
// identical transaction identifier.
type BatchDuplicateError struct {
	Value string
	Rows  []int
}

func (e *BatchDuplicateError) Error() string {
	return fmt.Sprintf("duplicate reference %s at rows %v", e.Value, e.Rows)
}

// RowExistsError reports an identifier already committed remotely.
type RowExistsError struct {
	Row   int
	Value string
}

func (e *RowExistsError) Error() string {
	return fmt.Sprintf("row %d: reference %s is already recorded", e.Row, e.Value)
}

// Preflight validates a whole batch: formats, same-batch uniqueness, then
// all remote existence lookups concurrently. Any failure rejects the entire
// batch - no entry may start committing with a doomed sibling.
func (g *Guard) Preflight(ctx context.Context, refs []Ref) error {
	// Stage 1: synchronous format checks.
	for _, r := range refs {
		if reason := g.CheckFormat(r.ChannelID, r.Value); reason != "" {
			return &RowFormatError{Row: r.Row, Value: r.Value, Reason: reason}
		}
	}

	// Stage 2: same-batch uniqueness, independent of the remote check.
	seen := make(map[string][]int, len(refs))
	for _, r := range refs {
		seen[r.Value] = append(seen[r.Value], r.Row)
	}
	for value, rows := range seen {
		if len(rows) > 1 {
			sort.Ints(rows)
			return &BatchDuplicateError{Value: value, Rows: rows}
		}
	}

	// Stage 3: remote existence, all rows concurrently. A lookup failure
	// blocks the batch - indeterminate never passes.
	eg, egCtx := errgroup.WithContext(ctx)
	for _, r := range refs {
		r := r
		eg.Go(func() error {
			exists, err := g.checker.Exists(egCtx, r.Value)
			if err != nil {
				return fmt.Errorf("row %d uniqueness check: %w", r.Row, err)
			}
			if exists {
				return &RowExistsError{Row: r.Row, Value: r.Value}
			}
			return nil
		})
	}
	return eg.Wait()
}
