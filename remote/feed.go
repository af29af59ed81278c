package remote

import "context"

// =============================================================================
// PUSH FEED - Subscribe-by-table change notifications
// =============================================================================

// EventType is the kind of remote change.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Event is one change pushed by the remote side. Delivery is at-most-once;
// ordering across different tables is not guaranteed.
type Event struct {
	Type  EventType `json:"event"`
	Table string    `json:"table"`
	Row   Row       `json:"row"`
}

// Subscription scopes a feed connection to a set of tables, optionally with
// a server-side row filter (implementation-defined syntax, e.g. "agent=a-7").
type Subscription struct {
	Tables []string `json:"tables"`
	Filter string   `json:"filter,omitempty"`
}

// FeedConn is one live subscription. Next blocks until an event arrives or
// the connection drops; a dropped connection surfaces as an error, after
// which the conn is dead and must be re-established via Feed.Connect.
type FeedConn interface {
	Next(ctx context.Context) (Event, error)
	Close() error
}

// Feed produces subscriptions to the remote push feed. Missed events cannot
// be replayed: after a reconnect the consumer must assume it lost events and
// invalidate everything it depends on.
type Feed interface {
	Connect(ctx context.Context, sub Subscription) (FeedConn, error)
}
