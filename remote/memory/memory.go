// Package memory provides in-process implementations of remote.Service and
// remote.Feed for tests and local development. Every successful write on the
// service publishes a matching event on the feed, so a client wired to both
// behaves like one client among many against a live backend.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/fieldops/remote"
)

// =============================================================================
// MEMORY SERVICE - Row-level CRUD over maps
// =============================================================================

type Service struct {
	mu     sync.RWMutex
	tables map[string]map[string]remote.Row
	feed   *Feed

	// FailNext, when set, makes the next write call fail with the given
	// error. Used by tests to engineer commit failures.
	failNext error
}

// New creates an empty Service publishing to feed. feed may be nil.
func New(feed *Feed) *Service {
	return &Service{
		tables: make(map[string]map[string]remote.Row),
		feed:   feed,
	}
}

// FailNextWrite arranges for the next Insert/Update/Delete to return err.
func (s *Service) FailNextWrite(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

func (s *Service) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *Service) Insert(ctx context.Context, table string, row remote.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.takeFailure(); err != nil {
		s.mu.Unlock()
		return err
	}
	id := row.ID()
	if id == "" {
		s.mu.Unlock()
		return fmt.Errorf("insert into %s: row has no id", table)
	}
	t := s.tables[table]
	if t == nil {
		t = make(map[string]remote.Row)
		s.tables[table] = t
	}
	if _, exists := t[id]; exists {
		s.mu.Unlock()
		return fmt.Errorf("insert %s/%s: %w", table, id, remote.ErrConflict)
	}
	t[id] = cloneRow(row)
	s.mu.Unlock()

	s.publish(remote.Event{Type: remote.EventInsert, Table: table, Row: cloneRow(row)})
	return nil
}

func (s *Service) Update(ctx context.Context, table, id string, fields remote.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.takeFailure(); err != nil {
		s.mu.Unlock()
		return err
	}
	row, ok := s.tables[table][id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("update %s/%s: %w", table, id, remote.ErrNotFound)
	}
	for k, v := range fields {
		row[k] = v
	}
	updated := cloneRow(row)
	s.mu.Unlock()

	s.publish(remote.Event{Type: remote.EventUpdate, Table: table, Row: updated})
	return nil
}

func (s *Service) Delete(ctx context.Context, table, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.takeFailure(); err != nil {
		s.mu.Unlock()
		return err
	}
	row, ok := s.tables[table][id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("delete %s/%s: %w", table, id, remote.ErrNotFound)
	}
	delete(s.tables[table], id)
	deleted := cloneRow(row)
	s.mu.Unlock()

	s.publish(remote.Event{Type: remote.EventDelete, Table: table, Row: deleted})
	return nil
}

func (s *Service) Get(ctx context.Context, table, id string) (remote.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.tables[table][id]
	if !ok {
		return nil, fmt.Errorf("get %s/%s: %w", table, id, remote.ErrNotFound)
	}
	return cloneRow(row), nil
}

func (s *Service) Select(ctx context.Context, table string, q remote.Query) ([]remote.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []remote.Row
	for _, row := range s.tables[table] {
		if q.Field != "" && row[q.Field] != q.Value {
			continue
		}
		out = append(out, cloneRow(row))
	}
	s.mu.RUnlock()

	if q.OrderBy != "" {
		sort.Slice(out, func(i, j int) bool {
			return fmt.Sprint(out[i][q.OrderBy]) < fmt.Sprint(out[j][q.OrderBy])
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Service) Exists(ctx context.Context, table, field string, value any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, row := range s.tables[table] {
		if row[field] == value {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) publish(ev remote.Event) {
	if s.feed != nil {
		s.feed.Publish(ev)
	}
}

func cloneRow(row remote.Row) remote.Row {
	out := make(remote.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// =============================================================================
// MEMORY FEED - In-process push feed
// =============================================================================

// Feed fans published events out to every live subscription whose table set
// matches. DropAll severs every connection, simulating a feed outage.
type Feed struct {
	mu    sync.Mutex
	conns map[int]*conn
	next  int
}

func NewFeed() *Feed {
	return &Feed{conns: make(map[int]*conn)}
}

func (f *Feed) Connect(ctx context.Context, sub remote.Subscription) (remote.FeedConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &conn{
		feed:   f,
		tables: make(map[string]bool, len(sub.Tables)),
		events: make(chan remote.Event, 64),
		done:   make(chan struct{}),
	}
	for _, t := range sub.Tables {
		c.tables[t] = true
	}

	f.mu.Lock()
	c.id = f.next
	f.next++
	f.conns[c.id] = c
	f.mu.Unlock()
	return c, nil
}

// Publish delivers ev to every matching subscription. Slow consumers drop
// events rather than block the publisher (at-most-once delivery).
func (f *Feed) Publish(ev remote.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		if len(c.tables) > 0 && !c.tables[ev.Table] {
			continue
		}
		select {
		case c.events <- ev:
		default:
		}
	}
}

// DropAll closes every live connection. Consumers observe an error from Next
// and must reconnect.
func (f *Feed) DropAll() {
	f.mu.Lock()
	conns := make([]*conn, 0, len(f.conns))
	for _, c := range f.conns {
		conns = append(conns, c)
	}
	f.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// ConnCount returns the number of live subscriptions.
func (f *Feed) ConnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

type conn struct {
	feed   *Feed
	id     int
	tables map[string]bool
	events chan remote.Event
	done   chan struct{}
	once   sync.Once
}

func (c *conn) Next(ctx context.Context) (remote.Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case <-c.done:
		return remote.Event{}, fmt.Errorf("feed connection closed: %w", remote.ErrUnavailable)
	case <-ctx.Done():
		return remote.Event{}, ctx.Err()
	}
}

func (c *conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.feed.mu.Lock()
		delete(c.feed.conns, c.id)
		c.feed.mu.Unlock()
	})
	return nil
}
