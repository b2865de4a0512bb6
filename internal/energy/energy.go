// Package energy tracks the per-user entitlement that each generated turn
// consumes. A user's balance is the sum of granted and purchased energy minus
// the energy charged for every message generated in their stories.
package energy

import "context"

// Gate answers whether a user may spend energy on another turn.
type Gate interface {
	// Balance returns the user's remaining energy. It may be negative if
	// charges raced past the last balance check.
	Balance(ctx context.Context, userID string) (int, error)
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context, userID string) (int, error)

// Balance implements Gate.
func (f GateFunc) Balance(ctx context.Context, userID string) (int, error) {
	return f(ctx, userID)
}

// Granter credits energy to a user's ledger.
type Granter interface {
	// Grant records a credit of amount energy for the user.
	Grant(ctx context.Context, userID string, amount int) error
}

// Unlimited is a Gate that always reports a positive balance, for
// deployments that do not meter usage.
var Unlimited Gate = GateFunc(func(context.Context, string) (int, error) {
	return 1, nil
})
