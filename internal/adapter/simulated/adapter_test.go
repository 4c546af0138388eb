package simulated

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

func TestAdapter_Lifecycle(t *testing.T) {
	a := New("sim")
	ctx := context.Background()

	ok, err := a.Deposit(ctx, "usdc", decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.True(t, ok)

	a.Accrue("usdc", decimal.NewFromInt(50))
	bal, err := a.Balance(ctx, "usdc")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(1050)))

	y, err := a.Harvest(ctx, "usdc")
	require.NoError(t, err)
	assert.True(t, y.Equal(decimal.NewFromInt(50)))

	y, err = a.Harvest(ctx, "usdc")
	require.NoError(t, err)
	assert.True(t, y.IsZero())

	out, err := a.Withdraw(ctx, "usdc", decimal.NewFromInt(300))
	require.NoError(t, err)
	assert.True(t, out.Equal(decimal.NewFromInt(300)))

	_, err = a.Withdraw(ctx, "usdc", decimal.NewFromInt(10000))
	assert.ErrorIs(t, err, domain.ErrInsufficientLiquidity)

	out, err = a.EmergencyWithdraw(ctx, "usdc")
	require.NoError(t, err)
	assert.True(t, out.Equal(decimal.NewFromInt(750)))

	bal, err = a.Balance(ctx, "usdc")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestAdapter_IdempotentByOperationID(t *testing.T) {
	a := New("sim")
	ctx := domain.WithOperationID(context.Background(), "op-1")

	for i := 0; i < 3; i++ {
		ok, err := a.Deposit(ctx, "usdc", decimal.NewFromInt(100))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.Equal(t, 1, a.Calls(OpDeposit))

	bal, err := a.Balance(ctx, "usdc")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(100)))

	// The same id on a different operation is a different call.
	out, err := a.Withdraw(ctx, "usdc", decimal.NewFromInt(40))
	require.NoError(t, err)
	assert.True(t, out.Equal(decimal.NewFromInt(40)))
	out, err = a.Withdraw(ctx, "usdc", decimal.NewFromInt(40))
	require.NoError(t, err)
	assert.True(t, out.Equal(decimal.NewFromInt(40)))
	assert.Equal(t, 1, a.Calls(OpWithdraw))
}

func TestAdapter_FailNextIsRetryable(t *testing.T) {
	a := New("sim")
	ctx := domain.WithOperationID(context.Background(), "op-2")
	boom := errors.New("rpc down")

	a.FailNext(OpDeposit, boom)
	_, err := a.Deposit(ctx, "usdc", decimal.NewFromInt(100))
	assert.ErrorIs(t, err, boom)

	ok, err := a.Deposit(ctx, "usdc", decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAdapter_AccrueBpsAndSlash(t *testing.T) {
	a := New("sim")
	ctx := context.Background()
	_, err := a.Deposit(ctx, "usdc", decimal.NewFromInt(10000))
	require.NoError(t, err)

	total := a.AccrueBps(100)
	assert.True(t, total.Equal(decimal.NewFromInt(100)))

	a.Slash("usdc", decimal.NewFromInt(10050))
	bal, err := a.Balance(ctx, "usdc")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(50)))

	y, err := a.Harvest(ctx, "usdc")
	require.NoError(t, err)
	assert.True(t, y.Equal(decimal.NewFromInt(50)))
}

func TestAdapter_SeedIsNotYield(t *testing.T) {
	a := New("sim")
	ctx := context.Background()
	a.Seed("usdc", decimal.NewFromInt(700))

	bal, err := a.Balance(ctx, "usdc")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(700)))

	y, err := a.Harvest(ctx, "usdc")
	require.NoError(t, err)
	assert.True(t, y.IsZero())
}
