/*
Package reconcile keeps the local cache convergent with changes made by
OTHER actors: it listens on the remote push feed and invalidates the cache
keys that logically depend on each changed table.

STRATEGY:
  Coarse invalidate-and-refetch, deliberately. Merging a partial remote row
  into a cache entry that may simultaneously hold an unsettled optimistic
  value is unsafe; invalidation plus refetch is always correct, only
  sometimes chattier than necessary.

FAILURE SEMANTICS:
  Delivery is at-most-once and missed events cannot be replayed. A dropped
  connection is recovered by resubscribing and invalidating the FULL
  dependency set once, accepting a brief staleness window instead of a
  permanently divergent view.
*/
package reconcile

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/warp/fieldops/cache"
	"github.com/warp/fieldops/remote"
)

// =============================================================================
// DEPENDENCY MAP - table name -> affected cache key prefixes
// =============================================================================

// DependencyMap declares which cache key prefixes depend on each remote
// table. The domain package owns the concrete map.
type DependencyMap map[string][]cache.Key

// Tables returns the subscribed table names, sorted for stable logs.
func (m DependencyMap) Tables() []string {
	out := make([]string, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// CHANNEL - Push feed listener
// =============================================================================

// Channel consumes the push feed and invalidates dependent cache keys.
// Run blocks until ctx is done, reconnecting with backoff on feed drops.
type Channel struct {
	Feed   remote.Feed
	Cache  *cache.Store
	Deps   DependencyMap
	Filter string
	Logger *slog.Logger

	// ReconnectWait is the pause before redialing a dropped feed.
	// Zero means 1s.
	ReconnectWait time.Duration
}

func NewChannel(feed remote.Feed, store *cache.Store, deps DependencyMap) *Channel {
	return &Channel{Feed: feed, Cache: store, Deps: deps, Logger: slog.Default()}
}

// Run subscribes and dispatches events until ctx is canceled. Every
// (re)connect starts with one full invalidation of the dependency set,
// since events during the gap are gone for good.
func (ch *Channel) Run(ctx context.Context) error {
	wait := ch.ReconnectWait
	if wait == 0 {
		wait = time.Second
	}
	sub := remote.Subscription{Tables: ch.Deps.Tables(), Filter: ch.Filter}

	for {
		conn, err := ch.Feed.Connect(ctx, sub)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			ch.Logger.Warn("push feed connect failed", "error", err)
			if !sleep(ctx, wait) {
				return ctx.Err()
			}
			continue
		}

		// The gap before (re)subscribing may have swallowed events.
		ch.InvalidateAll()

		err = ch.consume(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ch.Logger.Warn("push feed dropped, resubscribing", "error", err)
		if !sleep(ctx, wait) {
			return ctx.Err()
		}
	}
}

// Apply invalidates the cache keys mapped to one event's table. Exported so
// in-process feeds can dispatch directly in tests.
func (ch *Channel) Apply(ev remote.Event) {
	prefixes, ok := ch.Deps[ev.Table]
	if !ok {
		return
	}
	for _, p := range prefixes {
		ch.Cache.InvalidatePrefix(p)
	}
	ch.Logger.Debug("reconciliation invalidate",
		"event", ev.Type, "table", ev.Table, "row", ev.Row.ID())
}

// InvalidateAll marks every dependent key prefix stale.
func (ch *Channel) InvalidateAll() {
	for _, prefixes := range ch.Deps {
		for _, p := range prefixes {
			ch.Cache.InvalidatePrefix(p)
		}
	}
}

func (ch *Channel) consume(ctx context.Context, conn remote.FeedConn) error {
	for {
		ev, err := conn.Next(ctx)
		if err != nil {
			return err
		}
		ch.Apply(ev)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
