package collect_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/fieldops/cache"
	"github.com/warp/fieldops/collect"
	"github.com/warp/fieldops/mutation"
	"github.com/warp/fieldops/remote"
	"github.com/warp/fieldops/remote/memory"
	"github.com/warp/fieldops/undo"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type memHistory struct {
	mu      sync.Mutex
	entries []undo.HistoryEntry
}

func (h *memHistory) Append(ctx context.Context, e undo.HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	return nil
}

func (h *memHistory) List(ctx context.Context, limit int) ([]undo.HistoryEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]undo.HistoryEntry(nil), h.entries...), nil
}

// harness wires the full mutation stack over the in-memory backend. The cache
// has no fetcher so assertions see exactly what the optimistic pass and the
// rollbacks wrote.
type harness struct {
	svc     *memory.Service
	store   *cache.Store
	pipe    *mutation.Pipeline
	ledger  *undo.Ledger
	history *memHistory
	actions *collect.Actions
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		svc:     memory.New(nil),
		store:   cache.New(nil),
		history: &memHistory{},
	}
	h.pipe = mutation.NewPipeline(h.store)
	h.ledger = undo.NewLedger(h.pipe, h.history)
	h.pipe.Registry = h.ledger
	h.actions = collect.NewActions(h.svc)
	return h
}

func (h *harness) primeTenant(t collect.Tenant) {
	h.store.Write(collect.TenantKey(t.ID), func(any) any { return t })
	h.store.Write(collect.TenantsKey(t.AgentID), func(old any) any {
		list, _ := old.([]collect.Tenant)
		return append(list, t)
	})
}

func (h *harness) primeAgent(a collect.Agent) {
	h.store.Write(collect.AgentKey(a.ID), func(any) any { return a })
}

func (h *harness) tenant(t *testing.T, id collect.TenantID) collect.Tenant {
	t.Helper()
	e, ok := h.store.Read(context.Background(), collect.TenantKey(id))
	require.True(t, ok)
	out, ok := e.Value.(collect.Tenant)
	require.True(t, ok)
	return out
}

func (h *harness) agent(t *testing.T, id collect.AgentID) collect.Agent {
	t.Helper()
	e, ok := h.store.Read(context.Background(), collect.AgentKey(id))
	require.True(t, ok)
	out, ok := e.Value.(collect.Agent)
	require.True(t, ok)
	return out
}

func (h *harness) payments(t *testing.T, id collect.TenantID) []collect.Payment {
	t.Helper()
	e, ok := h.store.Read(context.Background(), collect.PaymentsKey(id))
	require.True(t, ok)
	out, _ := e.Value.([]collect.Payment)
	return out
}

func baseTenant() collect.Tenant {
	return collect.Tenant{
		ID:          "t-1",
		AgentID:     "ag-1",
		Name:        "Wanjiru Apartments 4B",
		Phone:       "+254712000001",
		Outstanding: collect.NewMoney(5000),
	}
}

func baseAgent() collect.Agent {
	return collect.Agent{ID: "ag-1", Name: "Achieng Odhiambo"}
}

func recordInput() collect.RecordPaymentInput {
	return collect.RecordPaymentInput{
		PaymentID: "p-1",
		TenantID:  "t-1",
		AgentID:   "ag-1",
		Amount:    collect.NewMoney(800),
		ChannelID: "mpesa",
		TxRef:     "MP12345678",
		ActorID:   "ag-1",
	}
}

// =============================================================================
// RECORD PAYMENT
// =============================================================================

func TestRecordPayment_AdjustsEveryTouchedKey(t *testing.T) {
	// GIVEN: a tenant owing 5000 and an agent with zero aggregates
	// WHEN: an 800 payment is recorded and commits
	// THEN: the balance, both aggregates, the agent's tenant list and the
	//       payment history all reflect the collection

	h := newHarness(t)
	h.primeTenant(baseTenant())
	h.primeAgent(baseAgent())
	h.store.Write(collect.PaymentsKey("t-1"), func(any) any { return []collect.Payment{} })

	m := h.actions.RecordPayment(recordInput())
	require.NoError(t, h.pipe.Run(context.Background(), m))

	assert.True(t, h.tenant(t, "t-1").Outstanding.Equal(collect.NewMoney(4200)))

	ag := h.agent(t, "ag-1")
	assert.True(t, ag.Collected.Equal(collect.NewMoney(800)))
	assert.True(t, ag.Commission.Equal(collect.NewMoney(40)), "five percent of 800")

	history := h.payments(t, "t-1")
	require.Len(t, history, 1)
	assert.Equal(t, collect.PaymentID("p-1"), history[0].ID)
	assert.Equal(t, collect.PaymentPending, history[0].Status)

	e, _ := h.store.Read(context.Background(), collect.TenantsKey("ag-1"))
	list := e.Value.([]collect.Tenant)
	require.Len(t, list, 1)
	assert.True(t, list[0].Outstanding.Equal(collect.NewMoney(4200)), "list copy adjusted too")
}

func TestRecordPayment_RemoteWrites(t *testing.T) {
	// The commit lands the payment row plus an audit entry and a notification.

	h := newHarness(t)
	h.primeTenant(baseTenant())
	h.primeAgent(baseAgent())

	require.NoError(t, h.pipe.Run(context.Background(), h.actions.RecordPayment(recordInput())))

	row, err := h.svc.Get(context.Background(), collect.TablePayments, "p-1")
	require.NoError(t, err)
	assert.Equal(t, "MP12345678", row["ref"])
	assert.Equal(t, "pending", row["status"])
	assert.Equal(t, "800", row["amount"])

	audits, err := h.svc.Select(context.Background(), collect.TableAuditLog, remote.Query{})
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "payment_recorded", audits[0]["action"])

	notes, err := h.svc.Select(context.Background(), collect.TableNotifications, remote.Query{})
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestRecordPayment_OverpaymentFloorsAtZero(t *testing.T) {
	h := newHarness(t)
	short := baseTenant()
	short.Outstanding = collect.NewMoney(300)
	h.primeTenant(short)
	h.primeAgent(baseAgent())

	require.NoError(t, h.pipe.Run(context.Background(), h.actions.RecordPayment(recordInput())))

	assert.True(t, h.tenant(t, "t-1").Outstanding.IsZero())
	assert.True(t, h.agent(t, "ag-1").Collected.Equal(collect.NewMoney(800)), "aggregates take the full amount")
}

func TestRecordPayment_CommitFailure_RollsBackEveryKey(t *testing.T) {
	// GIVEN: a backend that rejects the next write
	// WHEN: the payment mutation runs
	// THEN: all four touched keys return to their pre-mutation values and no
	//       remote row exists

	h := newHarness(t)
	h.primeTenant(baseTenant())
	h.primeAgent(baseAgent())
	h.store.Write(collect.PaymentsKey("t-1"), func(any) any { return []collect.Payment{} })
	h.svc.FailNextWrite(errors.New("gateway timeout"))

	err := h.pipe.Run(context.Background(), h.actions.RecordPayment(recordInput()))
	require.Error(t, err)

	assert.True(t, h.tenant(t, "t-1").Outstanding.Equal(collect.NewMoney(5000)))
	ag := h.agent(t, "ag-1")
	assert.True(t, ag.Collected.IsZero())
	assert.True(t, ag.Commission.IsZero())
	assert.Empty(t, h.payments(t, "t-1"))

	_, getErr := h.svc.Get(context.Background(), collect.TablePayments, "p-1")
	assert.ErrorIs(t, getErr, remote.ErrNotFound)
	assert.Equal(t, 0, h.ledger.Len(), "failed mutations register nothing")
}

// =============================================================================
// UNDO - Compensation as a fresh remote operation
// =============================================================================

func TestRecordPayment_Undo_DeletesRowAndRestoresBalances(t *testing.T) {
	// GIVEN: a committed, registered payment
	// WHEN: the agent undoes it within the window
	// THEN: the remote row is deleted, the balances reverse, and the reversal
	//       lands in the history log

	h := newHarness(t)
	h.primeTenant(baseTenant())
	h.primeAgent(baseAgent())
	h.store.Write(collect.PaymentsKey("t-1"), func(any) any { return []collect.Payment{} })

	m := h.actions.RecordPayment(recordInput())
	require.NoError(t, h.pipe.Run(context.Background(), m))
	require.Equal(t, 1, h.ledger.Len())

	require.NoError(t, h.ledger.Undo(context.Background(), m.ID))

	assert.True(t, h.tenant(t, "t-1").Outstanding.Equal(collect.NewMoney(5000)))
	ag := h.agent(t, "ag-1")
	assert.True(t, ag.Collected.IsZero())
	assert.True(t, ag.Commission.IsZero())
	assert.Empty(t, h.payments(t, "t-1"))

	_, err := h.svc.Get(context.Background(), collect.TablePayments, "p-1")
	assert.ErrorIs(t, err, remote.ErrNotFound)

	entries, _ := h.history.List(context.Background(), 0)
	require.Len(t, entries, 1)
	assert.Equal(t, "record-payment", entries[0].Kind)
	assert.Equal(t, "p-1", entries[0].Target)
}

func TestVerifyPayment_UndoRestoresPriorStatus(t *testing.T) {
	// GIVEN: a pending payment, verified and then undone
	// THEN: both the cache and the remote row are pending again

	h := newHarness(t)
	p := collect.Payment{
		ID:       "p-1",
		TenantID: "t-1",
		AgentID:  "ag-1",
		Amount:   collect.NewMoney(800),
		TxRef:    "MP12345678",
		Status:   collect.PaymentPending,
	}
	require.NoError(t, collect.SeedPayment(h.svc, p))
	h.store.Write(collect.PaymentKey("p-1"), func(any) any { return p })
	h.store.Write(collect.PaymentsKey("t-1"), func(any) any { return []collect.Payment{p} })

	m := h.actions.VerifyPayment(p, "mgr-1")
	require.NoError(t, h.pipe.Run(context.Background(), m))

	e, _ := h.store.Read(context.Background(), collect.PaymentKey("p-1"))
	assert.Equal(t, collect.PaymentVerified, e.Value.(collect.Payment).Status)
	row, _ := h.svc.Get(context.Background(), collect.TablePayments, "p-1")
	assert.Equal(t, "verified", row["status"])

	require.NoError(t, h.ledger.Undo(context.Background(), m.ID))

	e, _ = h.store.Read(context.Background(), collect.PaymentKey("p-1"))
	assert.Equal(t, collect.PaymentPending, e.Value.(collect.Payment).Status)
	row, _ = h.svc.Get(context.Background(), collect.TablePayments, "p-1")
	assert.Equal(t, "pending", row["status"])
	assert.Equal(t, 0, h.ledger.Len(), "compensations are not themselves undoable")
}

// =============================================================================
// TRANSFER TENANT
// =============================================================================

func TestTransferTenant_MovesAcrossThreeKeys(t *testing.T) {
	// GIVEN: a tenant under ag-1 and a second agent with an empty list
	// WHEN: the tenant transfers to ag-2
	// THEN: the record, the source list and the destination list all agree

	h := newHarness(t)
	tn := baseTenant()
	require.NoError(t, collect.SeedTenant(h.svc, tn))
	h.primeTenant(tn)
	h.store.Write(collect.TenantsKey("ag-2"), func(any) any { return []collect.Tenant{} })

	m := h.actions.TransferTenant(tn, "ag-2", "mgr-1")
	require.NoError(t, h.pipe.Run(context.Background(), m))

	assert.Equal(t, collect.AgentID("ag-2"), h.tenant(t, "t-1").AgentID)

	src, _ := h.store.Read(context.Background(), collect.TenantsKey("ag-1"))
	assert.Empty(t, src.Value.([]collect.Tenant))
	dst, _ := h.store.Read(context.Background(), collect.TenantsKey("ag-2"))
	require.Len(t, dst.Value.([]collect.Tenant), 1)
	assert.Equal(t, collect.AgentID("ag-2"), dst.Value.([]collect.Tenant)[0].AgentID)

	row, _ := h.svc.Get(context.Background(), collect.TableTenants, "t-1")
	assert.Equal(t, "ag-2", row["agent_id"])

	// Undoing returns the tenant to ag-1.
	require.NoError(t, h.ledger.Undo(context.Background(), m.ID))
	assert.Equal(t, collect.AgentID("ag-1"), h.tenant(t, "t-1").AgentID)
	row, _ = h.svc.Get(context.Background(), collect.TableTenants, "t-1")
	assert.Equal(t, "ag-1", row["agent_id"])
}

// =============================================================================
// FIELD EDITS
// =============================================================================

func TestUpdateTenantContact_NotUndoable(t *testing.T) {
	h := newHarness(t)
	tn := baseTenant()
	require.NoError(t, collect.SeedTenant(h.svc, tn))
	h.primeTenant(tn)

	m := h.actions.UpdateTenantContact(tn, "+254722999999", "ag-1")
	assert.Nil(t, m.Undo)
	require.NoError(t, h.pipe.Run(context.Background(), m))

	assert.Equal(t, "+254722999999", h.tenant(t, "t-1").Phone)
	assert.Equal(t, 0, h.ledger.Len())
}

func TestSuspendAgent_UndoRestores(t *testing.T) {
	h := newHarness(t)
	ag := baseAgent()
	require.NoError(t, collect.SeedAgent(h.svc, ag))
	h.primeAgent(ag)

	m := h.actions.SuspendAgent(ag, "mgr-1")
	require.NoError(t, h.pipe.Run(context.Background(), m))
	assert.True(t, h.agent(t, "ag-1").Suspended)

	require.NoError(t, h.ledger.Undo(context.Background(), m.ID))
	assert.False(t, h.agent(t, "ag-1").Suspended)
	row, _ := h.svc.Get(context.Background(), collect.TableAgents, "ag-1")
	assert.Equal(t, false, row["suspended"])
}
