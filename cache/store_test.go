package cache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fieldops/cache"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// countingFetcher records fetch calls and serves a fixed value per key.
type countingFetcher struct {
	mu     sync.Mutex
	values map[cache.Key]any
	err    error
	calls  map[cache.Key]int
}

func newCountingFetcher() *countingFetcher {
	return &countingFetcher{
		values: make(map[cache.Key]any),
		calls:  make(map[cache.Key]int),
	}
}

func (f *countingFetcher) Fetch(ctx context.Context, key cache.Key) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[key]++
	if f.err != nil {
		return nil, f.err
	}
	return f.values[key], nil
}

func (f *countingFetcher) callCount(key cache.Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

// =============================================================================
// KEYS
// =============================================================================

func TestKey_HasPrefix_SegmentAligned(t *testing.T) {
	// GIVEN: keys sharing a textual prefix but not a path segment
	// THEN: only segment-aligned prefixes match

	k := cache.NewKey("tenants", "agent-7")
	assert.True(t, k.HasPrefix("tenants"))
	assert.True(t, k.HasPrefix("tenants/agent-7"))
	assert.False(t, k.HasPrefix("tenant"))
	assert.False(t, k.HasPrefix("tenants/agent"))
}

func TestNewKey_SkipsEmptyParts(t *testing.T) {
	assert.Equal(t, cache.Key("payments/tenant/t-1"), cache.NewKey("payments", "", "tenant", "t-1"))
}

// =============================================================================
// READ / WRITE
// =============================================================================

func TestStore_WriteThenRead(t *testing.T) {
	// GIVEN: a value written under a key
	// WHEN: the key is read
	// THEN: the value comes back fresh, with a bumped version

	s := cache.New(nil)
	s.Write("tenant/t-1", func(old any) any {
		assert.Nil(t, old, "first write sees no prior value")
		return "v1"
	})

	e, ok := s.Read(context.Background(), "tenant/t-1")
	require.True(t, ok)
	assert.Equal(t, "v1", e.Value)
	assert.Equal(t, cache.Fresh, e.Freshness)
	assert.Equal(t, uint64(1), e.Version)
}

func TestStore_ReadAbsentKey(t *testing.T) {
	s := cache.New(nil)
	_, ok := s.Read(context.Background(), "tenant/missing")
	assert.False(t, ok)
}

func TestStore_WriteOptimistic_MarksInFlight(t *testing.T) {
	s := cache.New(nil)
	e := s.WriteOptimistic("tenant/t-1", func(any) any { return "shadow" })
	assert.Equal(t, cache.InFlight, e.Freshness)
}

func TestStore_PerKeyWriteOrder(t *testing.T) {
	// GIVEN: a sequence of writes to one key
	// THEN: each transform sees the previous transform's result

	s := cache.New(nil)
	for i := 0; i < 100; i++ {
		s.Write("counter", func(old any) any {
			n, _ := old.(int)
			return n + 1
		})
	}
	e, _ := s.Read(context.Background(), "counter")
	assert.Equal(t, 100, e.Value)
}

// =============================================================================
// INVALIDATION AND REFETCH
// =============================================================================

func TestStore_InvalidateThenRead_RefetchesOnce(t *testing.T) {
	// GIVEN: a fresh entry that gets invalidated
	// WHEN: the stale entry is read several times quickly
	// THEN: the stale value is served immediately and exactly one background
	//       refetch replaces it with ground truth

	f := newCountingFetcher()
	f.values["tenant/t-1"] = "truth"
	s := cache.New(f)

	s.Write("tenant/t-1", func(any) any { return "old" })
	s.Invalidate("tenant/t-1")

	e, ok := s.Read(context.Background(), "tenant/t-1")
	require.True(t, ok)
	assert.Equal(t, "old", e.Value, "stale value served while refetch runs")
	assert.Equal(t, cache.Stale, e.Freshness)

	// Further reads while the refetch is outstanding must not pile on.
	s.Read(context.Background(), "tenant/t-1")
	s.Read(context.Background(), "tenant/t-1")

	require.Eventually(t, func() bool {
		e, _ := s.Read(context.Background(), "tenant/t-1")
		return e.Value == "truth" && e.Freshness == cache.Fresh
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.callCount("tenant/t-1"))
}

func TestStore_RefetchFailure_ReturnsToStale(t *testing.T) {
	// GIVEN: a stale entry whose refetch fails
	// THEN: the entry goes back to stale so the next read retries

	f := newCountingFetcher()
	f.err = errors.New("network down")
	s := cache.New(f)

	s.Write("tenant/t-1", func(any) any { return "old" })
	s.Invalidate("tenant/t-1")
	s.Read(context.Background(), "tenant/t-1")

	require.Eventually(t, func() bool {
		e, _ := s.Read(context.Background(), "tenant/t-1")
		return e.Freshness == cache.Stale || e.Freshness == cache.InFlight
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, f.callCount("tenant/t-1"), 1)
}

func TestStore_RefetchLosesToNewerWrite(t *testing.T) {
	// GIVEN: a refetch outstanding while a mutation writes the key
	// THEN: the fetched value is discarded, the newer write stays

	block := make(chan struct{})
	s := cache.New(cache.FetchFunc(func(ctx context.Context, key cache.Key) (any, error) {
		<-block
		return "fetched", nil
	}))

	s.Write("tenant/t-1", func(any) any { return "old" })
	s.Invalidate("tenant/t-1")
	s.Read(context.Background(), "tenant/t-1") // schedules the refetch

	s.WriteOptimistic("tenant/t-1", func(any) any { return "newer" })
	close(block)

	// The fetched value must never overwrite the newer optimistic write.
	time.Sleep(50 * time.Millisecond)
	e, _ := s.Read(context.Background(), "tenant/t-1")
	assert.Equal(t, "newer", e.Value)
}

func TestStore_RefetchOutlivesReadContext(t *testing.T) {
	// GIVEN: a stale entry read under a request-scoped context and a fetcher
	//        that honors cancellation
	// WHEN: the caller's context is canceled right after the read returns
	// THEN: the scheduled refetch still completes and the entry converges

	fetched := make(chan struct{})
	s := cache.New(cache.FetchFunc(func(ctx context.Context, key cache.Key) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-fetched:
			return "truth", nil
		}
	}))

	s.Write("tenant/t-1", func(any) any { return "old" })
	s.Invalidate("tenant/t-1")

	ctx, cancel := context.WithCancel(context.Background())
	e, ok := s.Read(ctx, "tenant/t-1")
	require.True(t, ok)
	assert.Equal(t, "old", e.Value)
	cancel()

	close(fetched)
	require.Eventually(t, func() bool {
		e, _ := s.Read(context.Background(), "tenant/t-1")
		return e.Value == "truth" && e.Freshness == cache.Fresh
	}, time.Second, 5*time.Millisecond)
}

func TestStore_InvalidatePrefix(t *testing.T) {
	f := newCountingFetcher()
	s := cache.New(f)
	s.Write("tenants/ag-1", func(any) any { return "a" })
	s.Write("tenants/ag-2", func(any) any { return "b" })
	s.Write("tenant/t-1", func(any) any { return "c" })

	s.InvalidatePrefix("tenants")

	e, _ := s.Read(context.Background(), "tenant/t-1")
	assert.Equal(t, cache.Fresh, e.Freshness, "segment-aligned: tenant/ untouched")
	e, _ = s.Read(context.Background(), "tenants/ag-1")
	assert.NotEqual(t, cache.Fresh, e.Freshness)
}

// =============================================================================
// SNAPSHOT AND RESTORE
// =============================================================================

func TestStore_CaptureAndRestore(t *testing.T) {
	// GIVEN: a snapshot taken before an optimistic write
	// WHEN: the snapshot is restored
	// THEN: the prior value and freshness are back, exactly

	s := cache.New(nil)
	s.Write("tenant/t-1", func(any) any { return "before" })

	snaps := s.Capture([]cache.Key{"tenant/t-1"})
	require.Len(t, snaps, 1)
	assert.Equal(t, "before", snaps[0].Value)

	s.WriteOptimistic("tenant/t-1", func(any) any { return "optimistic" })
	s.Restore(snaps[0])

	e, _ := s.Read(context.Background(), "tenant/t-1")
	assert.Equal(t, "before", e.Value)
	assert.Equal(t, cache.Fresh, e.Freshness)
}

func TestStore_CaptureAbsentKey_RestoresEmptySlot(t *testing.T) {
	s := cache.New(nil)
	snaps := s.Capture([]cache.Key{"tenant/new"})
	require.Len(t, snaps, 1)
	assert.Nil(t, snaps[0].Value)

	s.WriteOptimistic("tenant/new", func(any) any { return "speculative" })
	s.Restore(snaps[0])

	e, ok := s.Read(context.Background(), "tenant/new")
	require.True(t, ok)
	assert.Nil(t, e.Value)
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

func TestStore_Subscribe_NotifiesOnWriteOnly(t *testing.T) {
	// GIVEN: subscribers on two different keys
	// WHEN: one key is written
	// THEN: only that key's subscriber fires

	s := cache.New(nil)
	var gotT1, gotT2 []any
	var mu sync.Mutex
	s.Subscribe("tenant/t-1", func(e cache.Entry) {
		mu.Lock()
		gotT1 = append(gotT1, e.Value)
		mu.Unlock()
	})
	s.Subscribe("tenant/t-2", func(e cache.Entry) {
		mu.Lock()
		gotT2 = append(gotT2, e.Value)
		mu.Unlock()
	})

	s.Write("tenant/t-1", func(any) any { return "v1" })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{"v1"}, gotT1)
	assert.Empty(t, gotT2)
}

func TestStore_Subscribe_CancelStopsNotifications(t *testing.T) {
	s := cache.New(nil)
	calls := 0
	cancel := s.Subscribe("k", func(cache.Entry) { calls++ })

	s.Write("k", func(any) any { return 1 })
	cancel()
	s.Write("k", func(any) any { return 2 })

	assert.Equal(t, 1, calls)
}

func TestStore_Remove_NotifiesWithZeroEntry(t *testing.T) {
	s := cache.New(nil)
	s.Write("k", func(any) any { return "v" })

	var last cache.Entry
	s.Subscribe("k", func(e cache.Entry) { last = e })
	s.Remove("k")

	assert.Nil(t, last.Value)
	_, ok := s.Read(context.Background(), "k")
	assert.False(t, ok)
}
