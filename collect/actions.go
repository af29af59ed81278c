/*
actions.go - Mutation constructors for every business action

Each action builds one mutation.Mutation: the cache keys it touches, the pure
optimistic transform, the remote commit, the settle set, and - for reversible
kinds - the pre-state descriptor that can construct a compensating remote
operation later.

UNDOABLE OR NOT:
  record-payment, verify/reject-payment, suspend-agent, archive-tenant and
  transfer-tenant register an undo record on commit success. A raw field
  edit (update-tenant-contact) does not. Compensating mutations are never
  themselves undoable.

MULTI-WRITE COMMITS:
  Commits that also write an audit entry and a notification use
  mutation.Sequential: best-effort, in order, no compensation of earlier
  sub-writes when a later one fails.
*/
package collect

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/fieldops/cache"
	"github.com/warp/fieldops/mutation"
	"github.com/warp/fieldops/remote"
)

// =============================================================================
// ACTION KINDS
// =============================================================================

const (
	KindRecordPayment       mutation.Kind = "record-payment"
	KindReversePayment      mutation.Kind = "reverse-payment"
	KindVerifyPayment       mutation.Kind = "verify-payment"
	KindRejectPayment       mutation.Kind = "reject-payment"
	KindRevertPaymentStatus mutation.Kind = "revert-payment-status"
	KindSuspendAgent        mutation.Kind = "suspend-agent"
	KindRestoreAgent        mutation.Kind = "restore-agent"
	KindArchiveTenant       mutation.Kind = "archive-tenant"
	KindRestoreTenant       mutation.Kind = "restore-tenant"
	KindTransferTenant      mutation.Kind = "transfer-tenant"
	KindUpdateTenantContact mutation.Kind = "update-tenant-contact"
)

// DefaultCommissionRate is the agent's cut of every collected payment.
var DefaultCommissionRate = decimal.NewFromFloat(0.05)

// =============================================================================
// ACTIONS - Shared dependencies of all constructors
// =============================================================================

type Actions struct {
	Remote remote.Service
	Rate   decimal.Decimal
	Clock  func() time.Time
	NewID  func() string
}

func NewActions(svc remote.Service) *Actions {
	return &Actions{
		Remote: svc,
		Rate:   DefaultCommissionRate,
		Clock:  time.Now,
		NewID:  mutation.NewID,
	}
}

// =============================================================================
// RECORD PAYMENT
// =============================================================================

type RecordPaymentInput struct {
	PaymentID PaymentID // generated when empty
	TenantID  TenantID
	AgentID   AgentID
	Amount    Money
	ChannelID string
	TxRef     string
	ActorID   string
}

// RecordPayment books one collection: the tenant's outstanding balance drops
// by the amount (floored at zero), the agent's collected/commission
// aggregates grow, and the payment appears in the tenant's history - all
// optimistically, before the remote write confirms.
func (a *Actions) RecordPayment(in RecordPaymentInput) *mutation.Mutation {
	if in.PaymentID == "" {
		in.PaymentID = PaymentID(a.NewID())
	}
	p := Payment{
		ID:         in.PaymentID,
		TenantID:   in.TenantID,
		AgentID:    in.AgentID,
		Amount:     in.Amount,
		Commission: in.Amount.Mul(a.Rate),
		ChannelID:  in.ChannelID,
		TxRef:      in.TxRef,
		Status:     PaymentPending,
		RecordedBy: in.ActorID,
		RecordedAt: a.Clock(),
	}

	keys := paymentEffectKeys(p)
	return &mutation.Mutation{
		ID:          a.NewID(),
		Kind:        KindRecordPayment,
		Description: fmt.Sprintf("Payment %s of %s recorded", p.TxRef, p.Amount),
		Targets:     keys,
		Settle:      keys,
		Apply:       paymentEffect(p, false),
		Commit: mutation.Sequential(
			mutation.SubWrite{Name: "payment write", Do: func(ctx context.Context) error {
				return a.Remote.Insert(ctx, TablePayments, paymentRow(p))
			}},
			a.auditWrite("payment_recorded", string(p.ID), in.ActorID),
			a.notificationWrite(fmt.Sprintf("Payment %s received from tenant %s", p.TxRef, p.TenantID)),
		),
		Undo: &mutation.UndoSpec{
			TargetID:    string(p.ID),
			Description: fmt.Sprintf("Reverse payment %s of %s", p.TxRef, p.Amount),
			PriorStatus: "unrecorded",
			Compensate:  func() *mutation.Mutation { return a.reversePayment(p) },
		},
	}
}

// reversePayment is the compensating operation for RecordPayment: a fresh
// remote delete restoring the prior remote state, not a cache replay.
func (a *Actions) reversePayment(p Payment) *mutation.Mutation {
	keys := paymentEffectKeys(p)
	return &mutation.Mutation{
		ID:          a.NewID(),
		Kind:        KindReversePayment,
		Description: fmt.Sprintf("Payment %s reversed", p.TxRef),
		Targets:     keys,
		Settle:      keys,
		Apply:       paymentEffect(p, true),
		Commit: mutation.Sequential(
			mutation.SubWrite{Name: "payment delete", Do: func(ctx context.Context) error {
				return a.Remote.Delete(ctx, TablePayments, string(p.ID))
			}},
			a.auditWrite("payment_reversed", string(p.ID), p.RecordedBy),
		),
	}
}

// paymentEffectKeys lists every cache key a payment touches: the tenant, the
// agent aggregate, the agent's tenant list and the tenant's payment history.
func paymentEffectKeys(p Payment) []cache.Key {
	return []cache.Key{
		TenantKey(p.TenantID),
		TenantsKey(p.AgentID),
		AgentKey(p.AgentID),
		PaymentsKey(p.TenantID),
	}
}

// paymentEffect is the pure transform for recording p (or, reversed, for
// compensating it). Derives entirely from p - no hidden reads.
func paymentEffect(p Payment, reverse bool) func(key cache.Key, old any) any {
	amount, commission := p.Amount, p.Commission
	if reverse {
		amount, commission = amount.Neg(), commission.Neg()
	}
	adjustTenant := func(t Tenant) Tenant {
		if reverse {
			t.Outstanding = t.Outstanding.Add(p.Amount)
		} else {
			t.Outstanding = t.Outstanding.SubFloor(p.Amount)
		}
		return t
	}

	return func(key cache.Key, old any) any {
		switch key {
		case TenantKey(p.TenantID):
			return mapTenant(old, adjustTenant)
		case TenantsKey(p.AgentID):
			return mapTenantList(old, p.TenantID, adjustTenant)
		case AgentKey(p.AgentID):
			return mapAgent(old, func(ag Agent) Agent {
				ag.Collected = ag.Collected.Add(amount)
				ag.Commission = ag.Commission.Add(commission)
				return ag
			})
		case PaymentsKey(p.TenantID):
			if reverse {
				return removePayment(old, p.ID)
			}
			return appendPayment(old, p)
		}
		return old
	}
}

// =============================================================================
// VERIFY / REJECT PAYMENT - Status transitions, undoable
// =============================================================================

// VerifyPayment marks p verified. The prior status is captured now, so the
// undo descriptor can restore it without reading anything later.
func (a *Actions) VerifyPayment(p Payment, actorID string) *mutation.Mutation {
	return a.paymentStatus(KindVerifyPayment, p, PaymentVerified, "", actorID, true)
}

// RejectPayment marks p rejected with a reason.
func (a *Actions) RejectPayment(p Payment, reason, actorID string) *mutation.Mutation {
	return a.paymentStatus(KindRejectPayment, p, PaymentRejected, reason, actorID, true)
}

func (a *Actions) paymentStatus(kind mutation.Kind, p Payment, status PaymentStatus, reason, actorID string, undoable bool) *mutation.Mutation {
	keys := []cache.Key{PaymentKey(p.ID), PaymentsKey(p.TenantID)}
	fields := remote.Row{"status": string(status)}
	if reason != "" {
		fields["reason"] = reason
	}

	m := &mutation.Mutation{
		ID:          a.NewID(),
		Kind:        kind,
		Description: fmt.Sprintf("Payment %s %s", p.TxRef, status),
		Targets:     keys,
		Settle:      keys,
		Apply: func(key cache.Key, old any) any {
			set := func(pp Payment) Payment {
				pp.Status = status
				if reason != "" {
					pp.Reason = reason
				}
				return pp
			}
			switch key {
			case PaymentKey(p.ID):
				return mapPayment(old, set)
			case PaymentsKey(p.TenantID):
				return mapPaymentList(old, p.ID, set)
			}
			return old
		},
		Commit: mutation.Sequential(
			mutation.SubWrite{Name: "status write", Do: func(ctx context.Context) error {
				return a.Remote.Update(ctx, TablePayments, string(p.ID), fields)
			}},
			a.auditWrite(fmt.Sprintf("payment_%s", status), string(p.ID), actorID),
		),
	}
	if undoable {
		prior := p
		m.Undo = &mutation.UndoSpec{
			TargetID:    string(p.ID),
			Description: fmt.Sprintf("Revert payment %s to %s", p.TxRef, prior.Status),
			PriorStatus: string(prior.Status),
			Compensate: func() *mutation.Mutation {
				// The descriptor carries the pre-transition payment.
				return a.paymentStatus(KindRevertPaymentStatus, prior, prior.Status, prior.Reason, actorID, false)
			},
		}
	}
	return m
}

// =============================================================================
// SUSPEND AGENT
// =============================================================================

func (a *Actions) SuspendAgent(ag Agent, actorID string) *mutation.Mutation {
	return a.agentSuspension(KindSuspendAgent, ag, true, actorID, true)
}

func (a *Actions) agentSuspension(kind mutation.Kind, ag Agent, suspended bool, actorID string, undoable bool) *mutation.Mutation {
	keys := []cache.Key{AgentKey(ag.ID)}
	m := &mutation.Mutation{
		ID:          a.NewID(),
		Kind:        kind,
		Description: fmt.Sprintf("Agent %s %s", ag.Name, suspendWord(suspended)),
		Targets:     keys,
		Settle:      keys,
		Apply: func(key cache.Key, old any) any {
			return mapAgent(old, func(x Agent) Agent {
				x.Suspended = suspended
				return x
			})
		},
		Commit: mutation.Sequential(
			mutation.SubWrite{Name: "agent write", Do: func(ctx context.Context) error {
				return a.Remote.Update(ctx, TableAgents, string(ag.ID), remote.Row{"suspended": suspended})
			}},
			a.auditWrite(fmt.Sprintf("agent_%s", suspendWord(suspended)), string(ag.ID), actorID),
		),
	}
	if undoable {
		m.Undo = &mutation.UndoSpec{
			TargetID:    string(ag.ID),
			Description: fmt.Sprintf("Restore agent %s", ag.Name),
			PriorStatus: suspendWord(!suspended),
			Compensate: func() *mutation.Mutation {
				return a.agentSuspension(KindRestoreAgent, ag, !suspended, actorID, false)
			},
		}
	}
	return m
}

func suspendWord(suspended bool) string {
	if suspended {
		return "suspended"
	}
	return "active"
}

// =============================================================================
// ARCHIVE TENANT
// =============================================================================

func (a *Actions) ArchiveTenant(t Tenant, actorID string) *mutation.Mutation {
	return a.tenantArchival(KindArchiveTenant, t, true, actorID, true)
}

func (a *Actions) tenantArchival(kind mutation.Kind, t Tenant, archived bool, actorID string, undoable bool) *mutation.Mutation {
	keys := []cache.Key{TenantKey(t.ID), TenantsKey(t.AgentID)}
	word := "archived"
	if !archived {
		word = "restored"
	}
	set := func(x Tenant) Tenant {
		x.Archived = archived
		return x
	}

	m := &mutation.Mutation{
		ID:          a.NewID(),
		Kind:        kind,
		Description: fmt.Sprintf("Tenant %s %s", t.Name, word),
		Targets:     keys,
		Settle:      keys,
		Apply: func(key cache.Key, old any) any {
			switch key {
			case TenantKey(t.ID):
				return mapTenant(old, set)
			case TenantsKey(t.AgentID):
				return mapTenantList(old, t.ID, set)
			}
			return old
		},
		Commit: mutation.Sequential(
			mutation.SubWrite{Name: "tenant write", Do: func(ctx context.Context) error {
				return a.Remote.Update(ctx, TableTenants, string(t.ID), remote.Row{"archived": archived})
			}},
			a.auditWrite("tenant_"+word, string(t.ID), actorID),
		),
	}
	if undoable {
		m.Undo = &mutation.UndoSpec{
			TargetID:    string(t.ID),
			Description: fmt.Sprintf("Restore tenant %s", t.Name),
			PriorStatus: activeWord(t.Archived),
			Compensate: func() *mutation.Mutation {
				return a.tenantArchival(KindRestoreTenant, t, !archived, actorID, false)
			},
		}
	}
	return m
}

func activeWord(archived bool) string {
	if archived {
		return "archived"
	}
	return "active"
}

// =============================================================================
// TRANSFER TENANT - Multi-key mutation across two agents
// =============================================================================

// TransferTenant moves t from its current agent to another: three cache keys
// change together (the tenant record, both agents' tenant lists).
func (a *Actions) TransferTenant(t Tenant, to AgentID, actorID string) *mutation.Mutation {
	from := t.AgentID
	keys := []cache.Key{TenantKey(t.ID), TenantsKey(from), TenantsKey(to)}
	moved := t
	moved.AgentID = to

	m := &mutation.Mutation{
		ID:          a.NewID(),
		Kind:        KindTransferTenant,
		Description: fmt.Sprintf("Tenant %s transferred to agent %s", t.Name, to),
		Targets:     keys,
		Settle:      append(keys, AgentKey(from), AgentKey(to)),
		Apply: func(key cache.Key, old any) any {
			switch key {
			case TenantKey(t.ID):
				return mapTenant(old, func(x Tenant) Tenant {
					x.AgentID = to
					return x
				})
			case TenantsKey(from):
				return removeTenant(old, t.ID)
			case TenantsKey(to):
				return appendTenant(old, moved)
			}
			return old
		},
		Commit: mutation.Sequential(
			mutation.SubWrite{Name: "tenant write", Do: func(ctx context.Context) error {
				return a.Remote.Update(ctx, TableTenants, string(t.ID), remote.Row{"agent_id": string(to)})
			}},
			a.auditWrite("tenant_transferred", string(t.ID), actorID),
			a.notificationWrite(fmt.Sprintf("Tenant %s is now collected by agent %s", t.Name, to)),
		),
		Undo: &mutation.UndoSpec{
			TargetID:    string(t.ID),
			Description: fmt.Sprintf("Return tenant %s to agent %s", t.Name, from),
			PriorStatus: string(from),
			Compensate: func() *mutation.Mutation {
				back := a.TransferTenant(moved, from, actorID)
				back.Undo = nil
				return back
			},
		},
	}
	return m
}

// =============================================================================
// UPDATE TENANT CONTACT - Raw field edit, not undoable
// =============================================================================

func (a *Actions) UpdateTenantContact(t Tenant, phone, actorID string) *mutation.Mutation {
	keys := []cache.Key{TenantKey(t.ID), TenantsKey(t.AgentID)}
	set := func(x Tenant) Tenant {
		x.Phone = phone
		return x
	}
	return &mutation.Mutation{
		ID:          a.NewID(),
		Kind:        KindUpdateTenantContact,
		Description: fmt.Sprintf("Tenant %s contact updated", t.Name),
		Targets:     keys,
		Settle:      keys,
		Apply: func(key cache.Key, old any) any {
			switch key {
			case TenantKey(t.ID):
				return mapTenant(old, set)
			case TenantsKey(t.AgentID):
				return mapTenantList(old, t.ID, set)
			}
			return old
		},
		Commit: func(ctx context.Context) error {
			return a.Remote.Update(ctx, TableTenants, string(t.ID), remote.Row{"phone": phone})
		},
	}
}

// =============================================================================
// AUDIT AND NOTIFICATION SUB-WRITES
// =============================================================================

func (a *Actions) auditWrite(action, entityID, actorID string) mutation.SubWrite {
	return mutation.SubWrite{Name: "audit entry", Do: func(ctx context.Context) error {
		return a.Remote.Insert(ctx, TableAuditLog, remote.Row{
			"id":        a.NewID(),
			"action":    action,
			"entity_id": entityID,
			"actor_id":  actorID,
			"at":        a.Clock().UTC().Format(time.RFC3339),
		})
	}}
}

func (a *Actions) notificationWrite(message string) mutation.SubWrite {
	return mutation.SubWrite{Name: "notification", Do: func(ctx context.Context) error {
		return a.Remote.Insert(ctx, TableNotifications, remote.Row{
			"id":      a.NewID(),
			"message": message,
			"at":      a.Clock().UTC().Format(time.RFC3339),
		})
	}}
}
