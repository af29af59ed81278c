package collect

import (
	"context"

	"github.com/warp/fieldops/guard"
	"github.com/warp/fieldops/remote"
)

// =============================================================================
// PAYMENT CHANNELS - Transaction reference formats per channel
// =============================================================================

// PaymentChannels declares the accepted mobile-money channels and their
// transaction reference shapes.
func PaymentChannels() []guard.Channel {
	return []guard.Channel{
		{ID: "mpesa", Prefix: "MP", Digits: 8},
		{ID: "airtel", Prefix: "AT", Digits: 10},
		{ID: "bank", Prefix: "BK", Digits: 12},
	}
}

// RefChecker adapts the remote service's existence query to the guard:
// a reference is taken only when no committed payment carries it.
func RefChecker(svc remote.Service) guard.Checker {
	return guard.CheckerFunc(func(ctx context.Context, ref string) (bool, error) {
		return svc.Exists(ctx, TablePayments, "ref", ref)
	})
}

// NewGuard assembles the validation guard over the standard channel set.
func NewGuard(svc remote.Service, opts ...guard.Option) *guard.Guard {
	return guard.New(RefChecker(svc), PaymentChannels(), opts...)
}
