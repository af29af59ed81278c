/*
Package collect is the rent-collection domain: the records the field client
displays, the cache keys they live under, and the business actions (record,
verify, reject, suspend, archive, transfer) that mutate them optimistically.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money:     decimal-backed amount; never floats
  - Tenant:    a renter, owned by one collection agent, with an outstanding
               balance
  - Agent:     a collection agent with collected/commission aggregates
  - Payment:   one recorded collection, gated by a channel-specific
               transaction reference

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for all amounts.
  2. Type safety: distinct id types for tenants, agents, payments.
  3. Cache values are immutable: every transform builds new structs/slices.

SEE ALSO:
  - keys.go:    cache keys and the table dependency map
  - actions.go: mutation constructors per business action
*/
package collect

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/fieldops/remote"
)

// =============================================================================
// MONEY - Decimal-backed amount
// =============================================================================

type Money struct {
	Value decimal.Decimal
}

func NewMoney(v float64) Money          { return Money{Value: decimal.NewFromFloat(v)} }
func MoneyFromDecimal(d decimal.Decimal) Money { return Money{Value: d} }

// ParseMoney parses a decimal string; invalid input yields zero.
func ParseMoney(s string) Money {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{Value: decimal.Zero}
	}
	return Money{Value: d}
}

func (m Money) Add(o Money) Money { return Money{Value: m.Value.Add(o.Value)} }
func (m Money) Sub(o Money) Money { return Money{Value: m.Value.Sub(o.Value)} }

// SubFloor subtracts o, flooring at zero: the optimistic balance transform
// for payments that may exceed the outstanding amount.
func (m Money) SubFloor(o Money) Money {
	r := m.Value.Sub(o.Value)
	if r.IsNegative() {
		return Money{Value: decimal.Zero}
	}
	return Money{Value: r}
}

func (m Money) Mul(rate decimal.Decimal) Money { return Money{Value: m.Value.Mul(rate)} }
func (m Money) Neg() Money                     { return Money{Value: m.Value.Neg()} }
func (m Money) IsZero() bool                   { return m.Value.IsZero() }
func (m Money) IsNegative() bool               { return m.Value.IsNegative() }
func (m Money) Equal(o Money) bool             { return m.Value.Equal(o.Value) }
func (m Money) String() string                 { return m.Value.String() }

// =============================================================================
// IDENTIFIERS
// =============================================================================

type TenantID string
type AgentID string
type PaymentID string

// =============================================================================
// RECORDS
// =============================================================================

type Tenant struct {
	ID          TenantID
	AgentID     AgentID
	Name        string
	Phone       string
	Outstanding Money
	Archived    bool
}

type Agent struct {
	ID         AgentID
	Name       string
	Suspended  bool
	Collected  Money
	Commission Money
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentVerified PaymentStatus = "verified"
	PaymentRejected PaymentStatus = "rejected"
)

type Payment struct {
	ID         PaymentID
	TenantID   TenantID
	AgentID    AgentID
	Amount     Money
	Commission Money
	ChannelID  string
	TxRef      string
	Status     PaymentStatus
	Reason     string
	RecordedBy string
	RecordedAt time.Time
}

// =============================================================================
// REMOTE TABLES
// =============================================================================

const (
	TableTenants       = "tenants"
	TableAgents        = "agents"
	TablePayments      = "payments"
	TableAuditLog      = "audit_log"
	TableNotifications = "notifications"
)

// =============================================================================
// ROW CODECS - Records <-> remote rows
// =============================================================================

func tenantRow(t Tenant) remote.Row {
	return remote.Row{
		"id":          string(t.ID),
		"agent_id":    string(t.AgentID),
		"name":        t.Name,
		"phone":       t.Phone,
		"outstanding": t.Outstanding.String(),
		"archived":    t.Archived,
	}
}

func tenantFromRow(r remote.Row) Tenant {
	archived, _ := r["archived"].(bool)
	return Tenant{
		ID:          TenantID(str(r, "id")),
		AgentID:     AgentID(str(r, "agent_id")),
		Name:        str(r, "name"),
		Phone:       str(r, "phone"),
		Outstanding: ParseMoney(str(r, "outstanding")),
		Archived:    archived,
	}
}

func agentRow(a Agent) remote.Row {
	return remote.Row{
		"id":         string(a.ID),
		"name":       a.Name,
		"suspended":  a.Suspended,
		"collected":  a.Collected.String(),
		"commission": a.Commission.String(),
	}
}

func agentFromRow(r remote.Row) Agent {
	suspended, _ := r["suspended"].(bool)
	return Agent{
		ID:         AgentID(str(r, "id")),
		Name:       str(r, "name"),
		Suspended:  suspended,
		Collected:  ParseMoney(str(r, "collected")),
		Commission: ParseMoney(str(r, "commission")),
	}
}

func paymentRow(p Payment) remote.Row {
	return remote.Row{
		"id":          string(p.ID),
		"tenant_id":   string(p.TenantID),
		"agent_id":    string(p.AgentID),
		"amount":      p.Amount.String(),
		"commission":  p.Commission.String(),
		"channel_id":  p.ChannelID,
		"ref":         p.TxRef,
		"status":      string(p.Status),
		"reason":      p.Reason,
		"recorded_by": p.RecordedBy,
		"recorded_at": p.RecordedAt.UTC().Format(time.RFC3339),
	}
}

func paymentFromRow(r remote.Row) Payment {
	at, _ := time.Parse(time.RFC3339, str(r, "recorded_at"))
	return Payment{
		ID:         PaymentID(str(r, "id")),
		TenantID:   TenantID(str(r, "tenant_id")),
		AgentID:    AgentID(str(r, "agent_id")),
		Amount:     ParseMoney(str(r, "amount")),
		Commission: ParseMoney(str(r, "commission")),
		ChannelID:  str(r, "channel_id"),
		TxRef:      str(r, "ref"),
		Status:     PaymentStatus(str(r, "status")),
		Reason:     str(r, "reason"),
		RecordedBy: str(r, "recorded_by"),
		RecordedAt: at,
	}
}

func str(r remote.Row, field string) string {
	s, _ := r[field].(string)
	return s
}

// SeedTenant and friends insert fixture rows; used by cmd/server and tests.
func SeedTenant(svc remote.Service, t Tenant) error {
	return seed(svc, TableTenants, tenantRow(t))
}

func SeedAgent(svc remote.Service, a Agent) error {
	return seed(svc, TableAgents, agentRow(a))
}

func SeedPayment(svc remote.Service, p Payment) error {
	return seed(svc, TablePayments, paymentRow(p))
}

func seed(svc remote.Service, table string, row remote.Row) error {
	if err := svc.Insert(context.Background(), table, row); err != nil {
		return fmt.Errorf("seed %s: %w", table, err)
	}
	return nil
}
