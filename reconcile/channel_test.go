package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fieldops/cache"
	"github.com/warp/fieldops/reconcile"
	"github.com/warp/fieldops/remote"
	"github.com/warp/fieldops/remote/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func testDeps() reconcile.DependencyMap {
	return reconcile.DependencyMap{
		"tenants":  {"tenant", "tenants"},
		"payments": {"payment", "payments", "tenant", "tenants"},
	}
}

func freshStore() *cache.Store {
	s := cache.New(nil)
	s.Write("tenant/t-1", func(any) any { return "t1" })
	s.Write("tenants/ag-1", func(any) any { return "list" })
	s.Write("payment/p-1", func(any) any { return "p1" })
	s.Write("agent/ag-1", func(any) any { return "agent" })
	return s
}

func freshness(s *cache.Store, key cache.Key) cache.Freshness {
	e, _ := s.Read(context.Background(), key)
	return e.Freshness
}

// =============================================================================
// EVENT DISPATCH
// =============================================================================

func TestChannel_Apply_InvalidatesMappedPrefixes(t *testing.T) {
	// GIVEN: a fresh cache and a change event on the tenants table
	// WHEN: the event is applied
	// THEN: tenant-dependent keys go stale; unrelated keys stay fresh

	s := freshStore()
	ch := reconcile.NewChannel(nil, s, testDeps())

	ch.Apply(remote.Event{Type: remote.EventUpdate, Table: "tenants", Row: remote.Row{"id": "t-1"}})

	assert.Equal(t, cache.Stale, freshness(s, "tenant/t-1"))
	assert.Equal(t, cache.Stale, freshness(s, "tenants/ag-1"))
	assert.Equal(t, cache.Fresh, freshness(s, "payment/p-1"))
	assert.Equal(t, cache.Fresh, freshness(s, "agent/ag-1"))
}

func TestChannel_Apply_UnknownTableIgnored(t *testing.T) {
	s := freshStore()
	ch := reconcile.NewChannel(nil, s, testDeps())

	ch.Apply(remote.Event{Type: remote.EventInsert, Table: "audit_log", Row: remote.Row{"id": "x"}})

	assert.Equal(t, cache.Fresh, freshness(s, "tenant/t-1"))
}

func TestChannel_InvalidateAll(t *testing.T) {
	s := freshStore()
	ch := reconcile.NewChannel(nil, s, testDeps())

	ch.InvalidateAll()

	assert.Equal(t, cache.Stale, freshness(s, "tenant/t-1"))
	assert.Equal(t, cache.Stale, freshness(s, "payment/p-1"))
	assert.Equal(t, cache.Fresh, freshness(s, "agent/ag-1"), "unmapped prefix untouched")
}

func TestDependencyMap_TablesSorted(t *testing.T) {
	assert.Equal(t, []string{"payments", "tenants"}, testDeps().Tables())
}

// =============================================================================
// LIVE FEED
// =============================================================================

func TestChannel_Run_DispatchesFeedEvents(t *testing.T) {
	// GIVEN: a running channel subscribed to the in-process feed
	// WHEN: a payment event is published
	// THEN: the dependent keys are invalidated

	feed := memory.NewFeed()
	s := freshStore()
	ch := reconcile.NewChannel(feed, s, testDeps())
	ch.ReconnectWait = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		ch.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return feed.ConnCount() == 1 }, time.Second, 5*time.Millisecond)

	// (Re)connecting invalidated everything; refresh before the event.
	s.Write("payment/p-1", func(any) any { return "p1" })
	s.Write("agent/ag-1", func(any) any { return "agent" })

	feed.Publish(remote.Event{Type: remote.EventInsert, Table: "payments", Row: remote.Row{"id": "p-9"}})

	require.Eventually(t, func() bool {
		return freshness(s, "payment/p-1") == cache.Stale
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, cache.Fresh, freshness(s, "agent/ag-1"))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("channel did not stop on context cancel")
	}
}

func TestChannel_Reconnect_InvalidatesFullDependencySet(t *testing.T) {
	// GIVEN: a connected channel and a cache refreshed after the events that
	//        happened so far
	// WHEN: the feed drops and the channel resubscribes
	// THEN: the full dependency set is invalidated once, because events
	//       during the gap are gone for good

	feed := memory.NewFeed()
	s := freshStore()
	ch := reconcile.NewChannel(feed, s, testDeps())
	ch.ReconnectWait = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	require.Eventually(t, func() bool { return feed.ConnCount() == 1 }, time.Second, 5*time.Millisecond)
	s.Write("tenant/t-1", func(any) any { return "t1" })
	s.Write("payment/p-1", func(any) any { return "p1" })

	feed.DropAll()

	require.Eventually(t, func() bool { return feed.ConnCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return freshness(s, "tenant/t-1") == cache.Stale &&
			freshness(s, "payment/p-1") == cache.Stale
	}, time.Second, 5*time.Millisecond)
}
