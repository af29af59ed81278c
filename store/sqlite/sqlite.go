/*
Package sqlite provides the client-local SQLite persistence layer.

PURPOSE:
  Two things survive a client restart, and only these two:
  - the undo history log (undo.History): an append-only record of every
    reversal actually performed
  - saved batch templates (batch.TemplateStore): reusable batch entry lists
    an operator prepared in advance

  Neither is remote truth. Cache entries, pending mutations and live undo
  records are deliberately NOT persisted; a restart starts from a clean
  cache and refetches.

WAL MODE:
  The database is opened with WAL so a template save never blocks a history
  read. Use ":memory:" in tests.

USAGE:
  store, err := sqlite.New("./fieldops.db")
  ledger := undo.NewLedger(pipeline, store.History())
  coord.Templates = store.Templates()

SEE ALSO:
  - undo/ledger.go:    appends to History on successful reversal
  - batch/template.go: TemplateStore interface
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/fieldops/batch"
	"github.com/warp/fieldops/undo"
)

// Store holds the database. The typed views History() and Templates()
// implement the consumer interfaces; both share the same connection and lock.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// History returns the undo.History view.
func (s *Store) History() *HistoryStore { return &HistoryStore{s} }

// Templates returns the batch.TemplateStore view.
func (s *Store) Templates() *TemplateStore { return &TemplateStore{s} }

func (s *Store) migrate() error {
	schema := `
	-- Reversal log (append-only: no UPDATE, no DELETE)
	CREATE TABLE IF NOT EXISTS undo_history (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		target TEXT NOT NULL,
		prior_status TEXT NOT NULL,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_undo_history_at
		ON undo_history(at DESC);
	CREATE INDEX IF NOT EXISTS idx_undo_history_target
		ON undo_history(target);

	-- Saved batch templates, newest save wins per name
	CREATE TABLE IF NOT EXISTS batch_templates (
		name TEXT PRIMARY KEY,
		saved_at TEXT NOT NULL,
		payload TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// UNDO HISTORY (undo.History interface)
// =============================================================================

type HistoryStore struct {
	s *Store
}

// Append writes one reversal to the log.
func (h *HistoryStore) Append(ctx context.Context, entry undo.HistoryEntry) error {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()

	query := `
		INSERT INTO undo_history (id, kind, target, prior_status, at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := h.s.db.ExecContext(ctx, query,
		entry.ID, entry.Kind, entry.Target, entry.PriorStatus,
		entry.At.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			// Appending the same reversal twice is a no-op: one reversal,
			// one row.
			return nil
		}
		return fmt.Errorf("append undo history: %w", err)
	}
	return nil
}

// List returns the most recent reversals, newest first. limit <= 0 means 50.
func (h *HistoryStore) List(ctx context.Context, limit int) ([]undo.HistoryEntry, error) {
	h.s.mu.RLock()
	defer h.s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, kind, target, prior_status, at
		FROM undo_history
		ORDER BY at DESC, id DESC
		LIMIT ?
	`
	rows, err := h.s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query undo history: %w", err)
	}
	defer rows.Close()

	var entries []undo.HistoryEntry
	for rows.Next() {
		var e undo.HistoryEntry
		var at string
		if err := rows.Scan(&e.ID, &e.Kind, &e.Target, &e.PriorStatus, &at); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(time.RFC3339, at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// BATCH TEMPLATES (batch.TemplateStore interface)
// =============================================================================

type TemplateStore struct {
	s *Store
}

// Save stores a template; saving under an existing name replaces it.
func (t *TemplateStore) Save(ctx context.Context, tpl batch.Template) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	query := `
		INSERT INTO batch_templates (name, saved_at, payload)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			saved_at = excluded.saved_at,
			payload = excluded.payload
	`
	savedAt := tpl.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now()
	}
	_, err := t.s.db.ExecContext(ctx, query,
		tpl.Name, savedAt.UTC().Format(time.RFC3339), string(tpl.Payload),
	)
	if err != nil {
		return fmt.Errorf("save template %q: %w", tpl.Name, err)
	}
	return nil
}

// Get retrieves a template by name. Returns sql.ErrNoRows when absent.
func (t *TemplateStore) Get(ctx context.Context, name string) (batch.Template, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	var tpl batch.Template
	var savedAt, payload string
	err := t.s.db.QueryRowContext(ctx,
		"SELECT name, saved_at, payload FROM batch_templates WHERE name = ?",
		name,
	).Scan(&tpl.Name, &savedAt, &payload)
	if err != nil {
		return batch.Template{}, err
	}

	tpl.SavedAt, _ = time.Parse(time.RFC3339, savedAt)
	tpl.Payload = []byte(payload)
	return tpl, nil
}

// List returns all templates ordered by name.
func (t *TemplateStore) List(ctx context.Context) ([]batch.Template, error) {
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	rows, err := t.s.db.QueryContext(ctx,
		"SELECT name, saved_at, payload FROM batch_templates ORDER BY name",
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []batch.Template
	for rows.Next() {
		var tpl batch.Template
		var savedAt, payload string
		if err := rows.Scan(&tpl.Name, &savedAt, &payload); err != nil {
			return nil, err
		}
		tpl.SavedAt, _ = time.Parse(time.RFC3339, savedAt)
		tpl.Payload = []byte(payload)
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

// Delete removes a template. Deleting an absent name is a no-op.
func (t *TemplateStore) Delete(ctx context.Context, name string) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	_, err := t.s.db.ExecContext(ctx, "DELETE FROM batch_templates WHERE name = ?", name)
	return err
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
