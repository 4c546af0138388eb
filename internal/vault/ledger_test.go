package vault

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
	"github.com/alanyoungcy/yieldrouter/internal/store/memory"
)

const usdc = "usdc"

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newLedger(t *testing.T) (*Ledger, *memory.Store) {
	t.Helper()
	st := memory.New()
	l := New(Config{}, st, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, l.AddAsset(context.Background(), usdc))
	return l, st
}

func TestDeposit_FirstDepositLocksMinimumShares(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	minted, err := l.Deposit(ctx, usdc, d(5000), "alice")
	require.NoError(t, err)
	assert.True(t, minted.Equal(d(4000)), "minted %s", minted)
	assert.True(t, l.SharesOf(usdc, DeadHolder).Equal(d(1000)))

	slot, err := l.Slot(usdc)
	require.NoError(t, err)
	assert.True(t, slot.TotalShares.Equal(d(5000)))
	assert.True(t, slot.TotalAssetsHeld.Equal(d(5000)))
}

func TestDeposit_FirstDepositBelowMinimum(t *testing.T) {
	l, _ := newLedger(t)
	_, err := l.Deposit(context.Background(), usdc, d(1000), "alice")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestDeposit_Validation(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	_, err := l.Deposit(ctx, usdc, d(0), "alice")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = l.Deposit(ctx, usdc, decimal.RequireFromString("10.5"), "alice")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = l.Deposit(ctx, "weth", d(5000), "alice")
	assert.ErrorIs(t, err, domain.ErrUnsupportedAsset)

	require.NoError(t, l.SetAssetActive(ctx, usdc, false))
	_, err = l.Deposit(ctx, usdc, d(5000), "alice")
	assert.ErrorIs(t, err, domain.ErrUnsupportedAsset)
}

func TestDeposit_ProportionalAfterYield(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	access, err := l.BindAllocator("allocation")
	require.NoError(t, err)

	_, err = l.Deposit(ctx, usdc, d(10000), "alice")
	require.NoError(t, err)
	require.NoError(t, access.Allocate(ctx, usdc, d(5000)))
	require.NoError(t, access.Return(ctx, usdc, d(5000), d(10000)))

	// 20000 assets back 10000 shares; 1000 more assets mint 500 shares.
	minted, err := l.Deposit(ctx, usdc, d(1000), "bob")
	require.NoError(t, err)
	assert.True(t, minted.Equal(d(500)), "minted %s", minted)

	// One unit at 2 units per share floors to zero shares.
	_, err = l.Deposit(ctx, usdc, d(1), "carol")
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestWithdraw(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	_, err := l.Deposit(ctx, usdc, d(5000), "alice")
	require.NoError(t, err)

	out, err := l.Withdraw(ctx, usdc, d(1500), "alice")
	require.NoError(t, err)
	assert.True(t, out.Equal(d(1500)))
	assert.True(t, l.SharesOf(usdc, "alice").Equal(d(2500)))

	_, err = l.Withdraw(ctx, usdc, d(2501), "alice")
	assert.ErrorIs(t, err, domain.ErrInsufficientShares)

	_, err = l.Withdraw(ctx, usdc, d(1), "mallory")
	assert.ErrorIs(t, err, domain.ErrInsufficientShares)
}

func TestWithdraw_LiquidityAndCap(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	access, err := l.BindAllocator("allocation")
	require.NoError(t, err)

	_, err = l.Deposit(ctx, usdc, d(10000), "alice")
	require.NoError(t, err)
	require.NoError(t, access.Allocate(ctx, usdc, d(8000)))

	// 2000 is free, but leaving 8000 total with 8000 allocated breaks the cap.
	_, err = l.Withdraw(ctx, usdc, d(2000), "alice")
	assert.ErrorIs(t, err, domain.ErrInsufficientLiquidity)

	_, err = l.Withdraw(ctx, usdc, d(2001), "alice")
	assert.ErrorIs(t, err, domain.ErrInsufficientLiquidity)

	require.NoError(t, access.Return(ctx, usdc, d(4000), decimal.Zero))
	out, err := l.Withdraw(ctx, usdc, d(5000), "alice")
	require.NoError(t, err)
	assert.True(t, out.Equal(d(5000)))
	require.NoError(t, l.CheckInvariants())
}

func TestBindAllocator_OnlyOnce(t *testing.T) {
	l, _ := newLedger(t)

	_, err := l.BindAllocator("allocation")
	require.NoError(t, err)

	_, err = l.BindAllocator("intruder")
	assert.ErrorIs(t, err, domain.ErrUnauthorizedCaller)
}

func TestAllocate_Limits(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	access, err := l.BindAllocator("allocation")
	require.NoError(t, err)

	_, err = l.Deposit(ctx, usdc, d(10000), "alice")
	require.NoError(t, err)

	err = access.Allocate(ctx, usdc, d(8001))
	assert.ErrorIs(t, err, domain.ErrInvalidAllocation)

	err = access.Allocate(ctx, usdc, d(10001))
	assert.ErrorIs(t, err, domain.ErrInsufficientLiquidity)

	require.NoError(t, access.Allocate(ctx, usdc, d(8000)))
	assert.True(t, l.Available(usdc).Equal(d(2000)))

	err = access.Return(ctx, usdc, d(8001), decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrInvalidAllocation)
}

func TestReturn_Loss(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	access, err := l.BindAllocator("allocation")
	require.NoError(t, err)

	_, err = l.Deposit(ctx, usdc, d(10000), "alice")
	require.NoError(t, err)
	require.NoError(t, access.Allocate(ctx, usdc, d(4000)))
	require.NoError(t, access.Return(ctx, usdc, d(4000), d(-1000)))

	slot, err := l.Slot(usdc)
	require.NoError(t, err)
	assert.True(t, slot.TotalAssetsHeld.Equal(d(9000)))
	assert.True(t, slot.AllocatedToStrategies.IsZero())
	assert.True(t, slot.CumulativeYield.IsZero())
	assert.True(t, l.PreviewRedeem(usdc, d(1000)).Equal(d(900)))
}

func TestPause(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	access, err := l.BindAllocator("allocation")
	require.NoError(t, err)
	_, err = l.Deposit(ctx, usdc, d(10000), "alice")
	require.NoError(t, err)
	require.NoError(t, access.Allocate(ctx, usdc, d(1000)))

	l.Pause()
	assert.True(t, l.Paused())

	_, err = l.Deposit(ctx, usdc, d(100), "alice")
	assert.ErrorIs(t, err, domain.ErrPaused)
	_, err = l.Withdraw(ctx, usdc, d(100), "alice")
	assert.ErrorIs(t, err, domain.ErrPaused)
	assert.ErrorIs(t, access.Allocate(ctx, usdc, d(100)), domain.ErrPaused)
	assert.ErrorIs(t, access.Return(ctx, usdc, d(100), decimal.Zero), domain.ErrPaused)
	assert.NoError(t, access.ReturnEmergency(ctx, usdc, d(1000), decimal.Zero))

	l.Unpause()
	_, err = l.Deposit(ctx, usdc, d(100), "alice")
	assert.NoError(t, err)
}

func TestSetMaxAllocationBps(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()
	access, err := l.BindAllocator("allocation")
	require.NoError(t, err)
	_, err = l.Deposit(ctx, usdc, d(10000), "alice")
	require.NoError(t, err)
	require.NoError(t, access.Allocate(ctx, usdc, d(6000)))

	assert.ErrorIs(t, l.SetMaxAllocationBps(10001), domain.ErrInvalidPercentage)
	assert.ErrorIs(t, l.SetMaxAllocationBps(5000), domain.ErrInvalidAllocation)
	assert.Equal(t, int64(8000), l.MaxAllocationBps())
	require.NoError(t, l.SetMaxAllocationBps(6000))
	assert.Equal(t, int64(6000), l.MaxAllocationBps())
}

func TestStoreFailureLeavesStateUnchanged(t *testing.T) {
	l, st := newLedger(t)
	ctx := context.Background()
	_, err := l.Deposit(ctx, usdc, d(5000), "alice")
	require.NoError(t, err)

	boom := errors.New("disk full")
	st.FailWrites(boom)
	_, err = l.Deposit(ctx, usdc, d(5000), "bob")
	assert.ErrorIs(t, err, boom)
	st.FailWrites(nil)

	slot, err := l.Slot(usdc)
	require.NoError(t, err)
	assert.True(t, slot.TotalAssetsHeld.Equal(d(5000)))
	assert.True(t, l.SharesOf(usdc, "bob").IsZero())
}

func TestRestore(t *testing.T) {
	l, st := newLedger(t)
	ctx := context.Background()
	_, err := l.Deposit(ctx, usdc, d(5000), "alice")
	require.NoError(t, err)

	restored := New(Config{}, st, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, restored.Restore(ctx))

	slot, err := restored.Slot(usdc)
	require.NoError(t, err)
	assert.True(t, slot.TotalShares.Equal(d(5000)))
	assert.True(t, restored.SharesOf(usdc, "alice").Equal(d(4000)))
	assert.True(t, restored.SharesOf(usdc, DeadHolder).Equal(d(1000)))
}
