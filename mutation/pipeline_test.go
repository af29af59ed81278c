package mutation_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fieldops/cache"
	"github.com/warp/fieldops/mutation"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newMutation(id string, commit func(ctx context.Context) error) *mutation.Mutation {
	return &mutation.Mutation{
		ID:      id,
		Kind:    "test-action",
		Targets: []cache.Key{"tenant/t-1"},
		Settle:  []cache.Key{"tenant/t-1", "tenants/ag-1"},
		Apply: func(key cache.Key, old any) any {
			n, _ := old.(int)
			return n + 10
		},
		Commit: commit,
	}
}

// recordingNotifier captures notifier calls for assertions.
type recordingNotifier struct {
	successes []string
	errors    []string
	undoables []string
	undoFn    func(ctx context.Context) error
}

func (n *recordingNotifier) Success(msg string) { n.successes = append(n.successes, msg) }
func (n *recordingNotifier) Error(msg string)   { n.errors = append(n.errors, msg) }
func (n *recordingNotifier) Undoable(msg string, undo func(ctx context.Context) error) {
	n.undoables = append(n.undoables, msg)
	n.undoFn = undo
}

// =============================================================================
// SUCCESS PATH
// =============================================================================

func TestPipeline_Success_OptimisticValueConfirmed(t *testing.T) {
	// GIVEN: a cache holding the pre-mutation value
	// WHEN: a mutation commits successfully
	// THEN: the optimistic value stands and the settle set is invalidated

	store := cache.New(nil)
	store.Write("tenant/t-1", func(any) any { return 100 })
	store.Write("tenants/ag-1", func(any) any { return "list" })
	p := mutation.NewPipeline(store)

	m := newMutation("m-1", func(ctx context.Context) error { return nil })
	err := p.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, mutation.StateSettledSuccess, m.State())

	e, _ := store.Read(context.Background(), "tenant/t-1")
	assert.Equal(t, 110, e.Value)
	assert.NotEqual(t, cache.Fresh, e.Freshness, "settle invalidates the key")
}

func TestPipeline_OptimisticApplyBeforeCommit(t *testing.T) {
	// GIVEN: a commit that inspects the cache when it runs
	// THEN: the optimistic value is already visible at commit time

	store := cache.New(nil)
	store.Write("tenant/t-1", func(any) any { return 1 })
	p := mutation.NewPipeline(store)

	var seenAtCommit any
	m := newMutation("m-1", func(ctx context.Context) error {
		e, _ := store.Read(context.Background(), "tenant/t-1")
		seenAtCommit = e.Value
		return nil
	})

	require.NoError(t, p.Run(context.Background(), m))
	assert.Equal(t, 11, seenAtCommit)
}

func TestPipeline_Success_NotifiesUndoable(t *testing.T) {
	// GIVEN: a mutation declaring an undo descriptor and a registry
	// WHEN: the commit succeeds
	// THEN: the undoable notification carries a working undo callback

	store := cache.New(nil)
	store.Write("tenant/t-1", func(any) any { return 0 })
	p := mutation.NewPipeline(store)
	notifier := &recordingNotifier{}
	p.Notifier = notifier
	reg := &stubRegistry{}
	p.Registry = reg

	m := newMutation("m-1", func(ctx context.Context) error { return nil })
	m.Undo = &mutation.UndoSpec{
		TargetID:    "t-1",
		Description: "Reverse test action",
		Compensate:  func() *mutation.Mutation { return nil },
	}

	require.NoError(t, p.Run(context.Background(), m))
	require.Len(t, notifier.undoables, 1)
	assert.Equal(t, []string{"m-1"}, reg.registered)

	require.NotNil(t, notifier.undoFn)
	notifier.undoFn(context.Background())
	assert.Equal(t, []string{"m-1"}, reg.undone)
}

type stubRegistry struct {
	registered []string
	undone     []string
	regErr     error
}

func (r *stubRegistry) Register(ctx context.Context, m *mutation.Mutation) error {
	if r.regErr != nil {
		return r.regErr
	}
	r.registered = append(r.registered, m.ID)
	return nil
}

func (r *stubRegistry) Undo(ctx context.Context, id string) error {
	r.undone = append(r.undone, id)
	return nil
}

func TestPipeline_RegistrationFailure_CommitStands(t *testing.T) {
	// GIVEN: an undoable mutation whose registry rejects registration
	// THEN: the run still succeeds; only the undo affordance is lost

	store := cache.New(nil)
	store.Write("tenant/t-1", func(any) any { return 0 })
	p := mutation.NewPipeline(store)
	notifier := &recordingNotifier{}
	p.Notifier = notifier
	p.Registry = &stubRegistry{regErr: errors.New("ledger full")}

	m := newMutation("m-1", func(ctx context.Context) error { return nil })
	m.Undo = &mutation.UndoSpec{TargetID: "t-1", Compensate: func() *mutation.Mutation { return nil }}

	require.NoError(t, p.Run(context.Background(), m))
	assert.Empty(t, notifier.undoables)
	assert.Len(t, notifier.successes, 1)
}

// =============================================================================
// FAILURE PATH
// =============================================================================

func TestPipeline_CommitFailure_RollsBackSnapshots(t *testing.T) {
	// GIVEN: a cache value and a commit that fails
	// WHEN: the mutation runs
	// THEN: the pre-mutation value is restored and a CommitError surfaces

	store := cache.New(nil)
	store.Write("tenant/t-1", func(any) any { return 100 })
	p := mutation.NewPipeline(store)

	boom := errors.New("rejected by service")
	m := newMutation("m-1", func(ctx context.Context) error { return boom })

	err := p.Run(context.Background(), m)
	require.Error(t, err)
	assert.Equal(t, mutation.StateSettledFailure, m.State())

	var cerr *mutation.CommitError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "m-1", cerr.MutationID)
	assert.ErrorIs(t, err, boom)

	e, _ := store.Read(context.Background(), "tenant/t-1")
	assert.Equal(t, 100, e.Value, "snapshot rollback wins")
}

func TestPipeline_CommitFailure_RollbackOverwritesInterimWrites(t *testing.T) {
	// GIVEN: a concurrent write landing between apply and commit failure
	// THEN: rollback still restores the snapshot; the settle refetch is what
	//       eventually corrects the lost interim write

	store := cache.New(nil)
	store.Write("tenant/t-1", func(any) any { return 100 })
	p := mutation.NewPipeline(store)

	m := newMutation("m-1", func(ctx context.Context) error {
		store.Write("tenant/t-1", func(any) any { return 999 })
		return errors.New("fail")
	})

	require.Error(t, p.Run(context.Background(), m))
	e, _ := store.Read(context.Background(), "tenant/t-1")
	assert.Equal(t, 100, e.Value)
	assert.NotEqual(t, cache.Fresh, e.Freshness, "settle marks it for refetch")
}

func TestPipeline_InvalidMutationRejected(t *testing.T) {
	p := mutation.NewPipeline(cache.New(nil))

	for name, m := range map[string]*mutation.Mutation{
		"nil":        nil,
		"no id":      {Targets: []cache.Key{"k"}, Apply: func(cache.Key, any) any { return nil }, Commit: func(context.Context) error { return nil }},
		"no targets": {ID: "x", Apply: func(cache.Key, any) any { return nil }, Commit: func(context.Context) error { return nil }},
		"no apply":   {ID: "x", Targets: []cache.Key{"k"}, Commit: func(context.Context) error { return nil }},
		"no commit":  {ID: "x", Targets: []cache.Key{"k"}, Apply: func(cache.Key, any) any { return nil }},
	} {
		err := p.Run(context.Background(), m)
		assert.ErrorIs(t, err, mutation.ErrInvalidMutation, name)
	}
}

// =============================================================================
// SEQUENTIAL COMMITS
// =============================================================================

func TestSequential_FirstWriteFailure_IsPlainError(t *testing.T) {
	// GIVEN: a multi-write commit whose FIRST write fails
	// THEN: no side-effect error; nothing was applied

	boom := errors.New("primary rejected")
	commit := mutation.Sequential(
		mutation.SubWrite{Name: "payment write", Do: func(context.Context) error { return boom }},
		mutation.SubWrite{Name: "audit entry", Do: func(context.Context) error { return nil }},
	)

	err := commit(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.False(t, mutation.IsPartialSideEffect(err))
}

func TestSequential_TrailingWriteFailure_IsSideEffectError(t *testing.T) {
	// GIVEN: a multi-write commit whose trailing write fails
	// THEN: a SideEffectError names the failed step and what completed

	boom := errors.New("audit store down")
	commit := mutation.Sequential(
		mutation.SubWrite{Name: "payment write", Do: func(context.Context) error { return nil }},
		mutation.SubWrite{Name: "audit entry", Do: func(context.Context) error { return boom }},
		mutation.SubWrite{Name: "notification", Do: func(context.Context) error {
			t.Fatal("later sub-writes must not run")
			return nil
		}},
	)

	err := commit(context.Background())
	require.Error(t, err)
	assert.True(t, mutation.IsPartialSideEffect(err))

	var se *mutation.SideEffectError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "audit entry", se.Step)
	assert.Equal(t, []string{"payment write"}, se.Completed)
	assert.ErrorIs(t, err, boom)
}

func TestPipeline_PartialSideEffect_StillRollsBack(t *testing.T) {
	// GIVEN: a commit that partially applied (primary ok, trailing failed)
	// THEN: the pipeline treats it as a settled failure with full rollback

	store := cache.New(nil)
	store.Write("tenant/t-1", func(any) any { return 100 })
	p := mutation.NewPipeline(store)

	m := newMutation("m-1", mutation.Sequential(
		mutation.SubWrite{Name: "primary", Do: func(context.Context) error { return nil }},
		mutation.SubWrite{Name: "audit", Do: func(context.Context) error { return errors.New("down") }},
	))

	err := p.Run(context.Background(), m)
	require.Error(t, err)
	assert.True(t, mutation.IsPartialSideEffect(err))

	e, _ := store.Read(context.Background(), "tenant/t-1")
	assert.Equal(t, 100, e.Value)
}

// =============================================================================
// RUNNER
// =============================================================================

func TestRunner_RejectsConcurrentRuns(t *testing.T) {
	// GIVEN: a runner with a commit blocked mid-flight
	// WHEN: a second run is issued
	// THEN: it is rejected with ErrRunPending

	store := cache.New(nil)
	store.Write("tenant/t-1", func(any) any { return 0 })
	p := mutation.NewPipeline(store)

	release := make(chan struct{})
	entered := make(chan struct{})
	r := mutation.NewRunner(p, func(in int) (*mutation.Mutation, error) {
		return newMutation(mutation.NewID(), func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		}), nil
	})

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), 1) }()
	<-entered

	assert.True(t, r.IsPending())
	assert.ErrorIs(t, r.Run(context.Background(), 2), mutation.ErrRunPending)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, r.IsPending())
	assert.NoError(t, r.LastError())
}
