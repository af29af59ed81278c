/*
Package remote defines the boundary to the remote data service and its push
feed. The rest of the client treats the remote side as an opaque service
offering row-level CRUD plus a subscribe-by-table notification feed; this
package holds the interfaces and the typed errors that cross that boundary.

IMPLEMENTATIONS:
  - remote/memory: in-process service + feed for tests and local dev
  - remote/ws:     websocket-backed push feed client

ERROR CONTRACT:
  Every call returns success-with-data or a typed error. Callers branch with
  errors.Is on the sentinels below; anything else is treated as a service
  failure (network, timeout) and is retryable.
*/
package remote

import (
	"context"
	"errors"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("remote: row not found")

	// ErrConflict is returned when a write collides with existing state,
	// e.g. inserting a row whose unique field already exists.
	ErrConflict = errors.New("remote: conflict")

	// ErrUnavailable is returned when the service cannot be reached.
	// Always retryable.
	ErrUnavailable = errors.New("remote: service unavailable")
)

// IsRetryable reports whether the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// =============================================================================
// ROWS AND QUERIES
// =============================================================================

// Row is one record as the remote service sees it. The "id" field is the
// row's primary key on every table.
type Row map[string]any

// ID returns the row's primary key, or "" when absent.
func (r Row) ID() string {
	id, _ := r["id"].(string)
	return id
}

// Query selects rows by equality on a single field, optionally bounded and
// ordered by the named field (ascending). Zero values mean "no constraint".
type Query struct {
	Field   string
	Value   any
	OrderBy string
	Limit   int
}

// =============================================================================
// SERVICE - Row-level CRUD per entity table
// =============================================================================

// Service is the remote data store. Implementations must be safe for
// concurrent use; every method honors ctx cancellation.
type Service interface {
	// Insert creates a row. Returns ErrConflict if the id already exists.
	Insert(ctx context.Context, table string, row Row) error

	// Update merges fields into an existing row. Returns ErrNotFound when
	// the id does not exist.
	Update(ctx context.Context, table, id string, fields Row) error

	// Delete removes a row. Deleting an absent row returns ErrNotFound.
	Delete(ctx context.Context, table, id string) error

	// Get returns a single row by id.
	Get(ctx context.Context, table, id string) (Row, error)

	// Select returns the rows matching q, ordered when q.OrderBy is set.
	Select(ctx context.Context, table string, q Query) ([]Row, error)

	// Exists reports whether any row in table has field == value. Used by
	// the validation guard's uniqueness check.
	Exists(ctx context.Context, table, field string, value any) (bool, error)
}
