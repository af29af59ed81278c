package collect

import (
	"github.com/warp/fieldops/cache"
	"github.com/warp/fieldops/reconcile"
)

// =============================================================================
// CACHE KEYS - entity type + scope
// =============================================================================

func TenantKey(id TenantID) cache.Key { return cache.NewKey("tenant", string(id)) }

// TenantsKey holds the ordered tenant list for one agent.
func TenantsKey(agentID AgentID) cache.Key { return cache.NewKey("tenants", string(agentID)) }

func AgentKey(id AgentID) cache.Key { return cache.NewKey("agent", string(id)) }

func PaymentKey(id PaymentID) cache.Key { return cache.NewKey("payment", string(id)) }

// PaymentsKey holds the payment history for one tenant.
func PaymentsKey(tenantID TenantID) cache.Key {
	return cache.NewKey("payments", "tenant", string(tenantID))
}

// =============================================================================
// DEPENDENCY MAP - remote table -> dependent key prefixes
// =============================================================================

// Dependencies declares which cache keys each remote table feeds. Payment
// rows carry server-computed balance effects, so the payments table fans out
// to tenant and agent keys as well.
func Dependencies() reconcile.DependencyMap {
	return reconcile.DependencyMap{
		TableTenants:  {"tenant", "tenants"},
		TableAgents:   {"agent", "tenants"},
		TablePayments: {"payment", "payments", "tenant", "tenants", "agent"},
	}
}
