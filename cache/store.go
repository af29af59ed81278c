/*
Package cache provides the client-side cache store: the single source of
"current displayed truth" for every view in the field-operations client.

PURPOSE:
  All local state lives here, keyed by entity type + scope. Every component
  that changes state - optimistic mutations, rollbacks, reconciliation
  refetches - goes through the Store's read-modify-write API. UI code never
  holds a private copy of an entry beyond one mutation's snapshot.

KEY CONCEPTS IN THIS FILE (store.go):
  - Key:       Composite cache key ("tenants/agent-7", "payments/tenant-12")
  - Entry:     A cached value with a freshness state and version
  - Store:     The keyed container with Read/Write/Invalidate/Remove
  - Fetcher:   Pluggable refetch of ground truth for stale entries

FRESHNESS MODEL:
  fresh     - value reflects the last known good state
  stale     - invalidated; next Read schedules a background refetch
  in-flight - a mutation targets this key, or a refetch is outstanding

DESIGN PRINCIPLES:
  1. Values are treated as immutable: Write takes a pure transform that
     returns a NEW value. Transforms must copy slices, never mutate in place.
  2. Per-key writes are applied in the order issued. No reordering.
  3. Invalidation never blocks callers. Refetch happens in the background
     on the next Read of a stale entry, at most once per staleness.
  4. Notification-based side effects only: subscribers of a key are told
     when that key changes; no key's write touches another key.

SEE ALSO:
  - mutation/pipeline.go: The only writer of optimistic values
  - reconcile/channel.go: Invalidates keys on remote push events
*/
package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// KEY - Composite cache key (entity type + scope)
// =============================================================================

// Key identifies one cache entry. Keys are path-like so that related entries
// share a prefix and can be invalidated together, e.g.
//
//	tenants/agent-7        all tenants collected by agent-7
//	tenant/t-12            a single tenant record
//	payments/tenant/t-12   payment history for tenant t-12
type Key string

// NewKey joins parts into a Key. Empty parts are skipped.
func NewKey(parts ...string) Key {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return Key(strings.Join(kept, "/"))
}

// HasPrefix reports whether k falls under the given prefix, segment-aligned:
// "tenants/agent-7" is under "tenants" but not under "tenant".
func (k Key) HasPrefix(prefix Key) bool {
	if k == prefix {
		return true
	}
	return strings.HasPrefix(string(k), string(prefix)+"/")
}

func (k Key) String() string { return string(k) }

// =============================================================================
// ENTRY - Cached value with freshness
// =============================================================================

type Freshness int

const (
	Fresh Freshness = iota
	Stale
	InFlight
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "in-flight"
	}
}

// Entry is a copy of one cache slot. Value holds either a single record or an
// ordered list of records; callers must treat it as immutable.
type Entry struct {
	Key       Key
	Value     any
	Freshness Freshness
	Version   uint64
	UpdatedAt time.Time
}

// =============================================================================
// FETCHER - Refetch of ground truth
// =============================================================================

// Fetcher loads the current remote value for a key. Used by the Store to
// refresh stale entries in the background.
type Fetcher interface {
	Fetch(ctx context.Context, key Key) (any, error)
}

// FetchFunc adapts a function to the Fetcher interface.
type FetchFunc func(ctx context.Context, key Key) (any, error)

func (f FetchFunc) Fetch(ctx context.Context, key Key) (any, error) { return f(ctx, key) }

// =============================================================================
// STORE - The keyed container
// =============================================================================

// Store is the single shared mutable resource of the client. All access goes
// through Read/Write/Invalidate/Remove; per-key writes are serialized and
// applied in issue order.
type Store struct {
	mu      sync.Mutex
	entries map[Key]*Entry
	subs    map[Key]map[int]func(Entry)
	nextSub int

	fetcher Fetcher
	logger  *slog.Logger
	clock   func() time.Time
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option      { return func(s *Store) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Store) { s.clock = now } }

// New creates a Store. fetcher may be nil, in which case stale entries stay
// stale until something writes them (useful in tests).
func New(fetcher Fetcher, opts ...Option) *Store {
	s := &Store{
		entries: make(map[Key]*Entry),
		subs:    make(map[Key]map[int]func(Entry)),
		fetcher: fetcher,
		logger:  slog.Default(),
		clock:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Read returns a copy of the entry for key, or ok=false when absent.
// Reading a stale entry schedules exactly one background refetch; the stale
// value is still returned so the UI keeps rendering something while ground
// truth is on the way.
func (s *Store) Read(ctx context.Context, key Key) (Entry, bool) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return Entry{}, false
	}
	out := *e
	refetch := e.Freshness == Stale && s.fetcher != nil
	if refetch {
		e.Freshness = InFlight
	}
	s.mu.Unlock()

	if refetch {
		// The refetch must outlive the reading caller: a request-scoped read
		// canceling at response time would abort every refetch it scheduled
		// and the entry would never converge.
		go s.refetch(context.WithoutCancel(ctx), key, out.Version)
	}
	return out, true
}

// Write applies a pure transform to the current value of key and notifies
// subscribers of that key only. Creates the entry if absent (updater sees
// old == nil). The result is marked fresh.
func (s *Store) Write(key Key, updater func(old any) any) Entry {
	return s.apply(key, updater, Fresh)
}

// WriteOptimistic is Write, except the result is marked in-flight: the value
// is an unconfirmed local shadow awaiting its remote commit.
func (s *Store) WriteOptimistic(key Key, updater func(old any) any) Entry {
	return s.apply(key, updater, InFlight)
}

func (s *Store) apply(key Key, updater func(old any) any, freshness Freshness) Entry {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &Entry{Key: key}
		s.entries[key] = e
	}
	e.Value = updater(e.Value)
	e.Freshness = freshness
	e.Version++
	e.UpdatedAt = s.clock()
	out := *e
	subs := s.snapshotSubs(key)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(out)
	}
	return out
}

// Restore overwrites the entry for key with a previously captured copy,
// discarding whatever the slot holds now. This is the failure-rollback path:
// restoration always wins at the moment it runs, and is in turn correctable
// by the next refetch.
func (s *Store) Restore(snap Entry) {
	s.mu.Lock()
	e, ok := s.entries[snap.Key]
	if !ok {
		e = &Entry{Key: snap.Key}
		s.entries[snap.Key] = e
	}
	e.Value = snap.Value
	e.Freshness = snap.Freshness
	e.Version++
	e.UpdatedAt = s.clock()
	out := *e
	subs := s.snapshotSubs(snap.Key)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(out)
	}
}

// Capture snapshots the entries for keys and marks them in-flight. Keys with
// no entry yet are returned with Version 0 and ok tracked via Key presence;
// restoring such a snapshot recreates an empty slot.
func (s *Store) Capture(keys []Key) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	snaps := make([]Entry, 0, len(keys))
	for _, key := range keys {
		e, ok := s.entries[key]
		if !ok {
			e = &Entry{Key: key}
			s.entries[key] = e
		}
		snaps = append(snaps, *e)
		e.Freshness = InFlight
	}
	return snaps
}

// Invalidate marks the entry for key stale. The next Read schedules a
// background refetch. No-op for absent keys. Never blocks on the network.
func (s *Store) Invalidate(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.Freshness = Stale
	}
}

// InvalidatePrefix marks every entry under prefix stale.
func (s *Store) InvalidatePrefix(prefix Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if k.HasPrefix(prefix) {
			e.Freshness = Stale
		}
	}
}

// Remove evicts the entry entirely (entity deleted). Subscribers of the key
// are notified with a zero-value entry.
func (s *Store) Remove(key Key) {
	s.mu.Lock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	subs := s.snapshotSubs(key)
	s.mu.Unlock()

	if !ok {
		return
	}
	for _, fn := range subs {
		fn(Entry{Key: key})
	}
}

// Subscribe registers fn to run on every change to key. The returned cancel
// function unregisters it. fn is called outside the store lock.
func (s *Store) Subscribe(key Key, fn func(Entry)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	if s.subs[key] == nil {
		s.subs[key] = make(map[int]func(Entry))
	}
	s.subs[key][id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[key], id)
	}
}

// Keys returns all keys currently held, in no particular order.
func (s *Store) Keys() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Key, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	return out
}

func (s *Store) snapshotSubs(key Key) []func(Entry) {
	out := make([]func(Entry), 0, len(s.subs[key]))
	for _, fn := range s.subs[key] {
		out = append(out, fn)
	}
	return out
}

// refetch loads ground truth for key and writes it back, unless a newer write
// landed while the fetch was outstanding (version check). A failed fetch
// returns the entry to stale so the next Read retries.
func (s *Store) refetch(ctx context.Context, key Key, sinceVersion uint64) {
	value, err := s.fetcher.Fetch(ctx, key)

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	if err != nil {
		if e.Freshness == InFlight && e.Version == sinceVersion {
			e.Freshness = Stale
		}
		s.mu.Unlock()
		s.logger.Warn("cache refetch failed", "key", key, "error", err)
		return
	}
	if e.Version != sinceVersion {
		// A mutation wrote this key while the fetch was in the air. The
		// settle-invalidate of that mutation will trigger another refetch;
		// dropping this result is always safe.
		s.mu.Unlock()
		return
	}
	e.Value = value
	e.Freshness = Fresh
	e.Version++
	e.UpdatedAt = s.clock()
	out := *e
	subs := s.snapshotSubs(key)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(out)
	}
}
