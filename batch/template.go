package batch

import (
	"context"
	"encoding/json"
	"time"
)

// =============================================================================
// SAVED BATCH TEMPLATES - Client-local, not remote truth
// =============================================================================

// Template is a named, reusable batch entry list. The payload is the domain
// package's serialized input slice; the coordinator never interprets it.
type Template struct {
	Name    string
	SavedAt time.Time
	Payload json.RawMessage
}

// TemplateStore persists templates in client-local storage under a
// namespaced key. Implemented by store/sqlite.
type TemplateStore interface {
	Save(ctx context.Context, t Template) error
	Get(ctx context.Context, name string) (Template, error)
	List(ctx context.Context) ([]Template, error)
	Delete(ctx context.Context, name string) error
}
