package collect

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/warp/fieldops/cache"
	"github.com/warp/fieldops/remote"
)

// =============================================================================
// FETCHER - Ground truth loader per cache key shape
// =============================================================================

// Fetcher resolves cache keys to remote reads. It is the refetch side of the
// invalidate-and-refetch cycle: the cache calls it whenever a stale entry is
// read, and the value it returns replaces whatever optimistic or rolled-back
// state the slot held.
type Fetcher struct {
	Remote remote.Service
}

func NewFetcher(svc remote.Service) *Fetcher { return &Fetcher{Remote: svc} }

// Fetch loads the current remote value for key. Single-record keys resolve
// via Get; list keys via an ordered Select. ErrNotFound maps to a nil value
// so a deleted entity renders as absent rather than erroring forever.
func (f *Fetcher) Fetch(ctx context.Context, key cache.Key) (any, error) {
	parts := strings.Split(string(key), "/")
	switch {
	case len(parts) == 2 && parts[0] == "tenant":
		row, err := f.Remote.Get(ctx, TableTenants, parts[1])
		if err != nil {
			return nilOnNotFound(err)
		}
		return tenantFromRow(row), nil

	case len(parts) == 2 && parts[0] == "agent":
		row, err := f.Remote.Get(ctx, TableAgents, parts[1])
		if err != nil {
			return nilOnNotFound(err)
		}
		return agentFromRow(row), nil

	case len(parts) == 2 && parts[0] == "payment":
		row, err := f.Remote.Get(ctx, TablePayments, parts[1])
		if err != nil {
			return nilOnNotFound(err)
		}
		return paymentFromRow(row), nil

	case len(parts) == 2 && parts[0] == "tenants":
		rows, err := f.Remote.Select(ctx, TableTenants, remote.Query{
			Field: "agent_id", Value: parts[1], OrderBy: "name",
		})
		if err != nil {
			return nil, err
		}
		tenants := make([]Tenant, 0, len(rows))
		for _, r := range rows {
			tenants = append(tenants, tenantFromRow(r))
		}
		return tenants, nil

	case len(parts) == 3 && parts[0] == "payments" && parts[1] == "tenant":
		rows, err := f.Remote.Select(ctx, TablePayments, remote.Query{
			Field: "tenant_id", Value: parts[2], OrderBy: "recorded_at",
		})
		if err != nil {
			return nil, err
		}
		payments := make([]Payment, 0, len(rows))
		for _, r := range rows {
			payments = append(payments, paymentFromRow(r))
		}
		return payments, nil
	}

	return nil, fmt.Errorf("unknown cache key shape %q", key)
}

func nilOnNotFound(err error) (any, error) {
	if errors.Is(err, remote.ErrNotFound) {
		return nil, nil
	}
	return nil, err
}
