package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// StrategyAdapter is the capability set every external yield source
// implements. Implementations must tolerate retried calls: a call carrying an
// operation id already seen (see WithOperationID) returns the first result
// without repeating the side effect.
//
// Harvest reports the yield accrued since the previous harvest and leaves it
// in the position: the caller adds it to the allocation's current value, and
// it reaches the vault only through a later Withdraw or EmergencyWithdraw.
// Balance includes harvested and unharvested yield.
type StrategyAdapter interface {
	Deposit(ctx context.Context, asset string, amount decimal.Decimal) (bool, error)
	Withdraw(ctx context.Context, asset string, amount decimal.Decimal) (decimal.Decimal, error)
	Harvest(ctx context.Context, asset string) (decimal.Decimal, error)
	Balance(ctx context.Context, asset string) (decimal.Decimal, error)
	EmergencyWithdraw(ctx context.Context, asset string) (decimal.Decimal, error)
}

type operationIDKey struct{}

// WithOperationID attaches an idempotency key to ctx for adapter calls.
func WithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, operationIDKey{}, id)
}

// OperationID returns the idempotency key carried by ctx, if any.
func OperationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(operationIDKey{}).(string)
	return id, ok && id != ""
}
