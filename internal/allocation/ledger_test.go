package allocation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/yieldrouter/internal/adapter/simulated"
	"github.com/alanyoungcy/yieldrouter/internal/domain"
	"github.com/alanyoungcy/yieldrouter/internal/lock"
	"github.com/alanyoungcy/yieldrouter/internal/store/memory"
	"github.com/alanyoungcy/yieldrouter/internal/vault"
)

const (
	assetA     = "A"
	assetB     = "B"
	pool       = "pool-1"
	operator   = "ops"
	localChain = uint32(1)
	farChain   = uint32(2)
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixture struct {
	vault   *vault.Ledger
	ledger  *Ledger
	store   *memory.Store
	adapter *simulated.Adapter
}

func newFixture(t *testing.T, cfg Config, oracle domain.PriceOracle) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	v := vault.New(vault.Config{}, st, nil, discard())
	for _, a := range []string{assetA, assetB} {
		require.NoError(t, v.AddAsset(ctx, a))
		_, err := v.Deposit(ctx, a, d(5000), "lp")
		require.NoError(t, err)
	}

	cfg.LocalDomain = localChain
	l, err := New(cfg, Deps{Vault: v, Oracle: oracle, Locks: lock.New(), Store: st, Logger: discard()})
	require.NoError(t, err)
	require.NoError(t, l.AddPool(ctx, pool))
	require.NoError(t, l.AddOperator(ctx, operator))
	return &fixture{vault: v, ledger: l, store: st, adapter: simulated.New("sim")}
}

func (f *fixture) register(t *testing.T) uint64 {
	t.Helper()
	id, err := f.ledger.RegisterStrategy(context.Background(), "sim", f.adapter, localChain, []string{"deposit(uint256)"})
	require.NoError(t, err)
	return id
}

func (f *fixture) invest(id uint64, pct int64, assets ...string) (domain.InvestReceipt, error) {
	if len(assets) == 0 {
		assets = []string{assetA}
	}
	pcts := make([]int64, len(assets))
	for i := range pcts {
		pcts[i] = pct
	}
	return f.ledger.Invest(context.Background(), domain.InvestRequest{
		PoolID:      pool,
		StrategyID:  id,
		AssetIDs:    assets,
		Percentages: pcts,
		TargetAsset: assets[0],
	})
}

func (f *fixture) balance(t *testing.T, asset string) decimal.Decimal {
	t.Helper()
	b, err := f.adapter.Balance(context.Background(), asset)
	require.NoError(t, err)
	return b
}

func (f *fixture) checkInvariants(t *testing.T) {
	t.Helper()
	require.NoError(t, f.vault.CheckInvariants())
	require.NoError(t, f.ledger.CheckInvariants())
}

func TestRegisterStrategy_SequentialIDs(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()

	id1, err := f.ledger.RegisterStrategy(ctx, "first", f.adapter, localChain, nil)
	require.NoError(t, err)
	id2, err := f.ledger.RegisterStrategy(ctx, "second", simulated.New("other"), localChain, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), id1)
	assert.Equal(t, uint64(2), id2)

	st, err := f.ledger.Strategy(2)
	require.NoError(t, err)
	assert.Equal(t, "second", st.Name)
	assert.True(t, st.Active)
}

func TestRegisterStrategy_Validation(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()

	_, err := f.ledger.RegisterStrategy(ctx, "nil", nil, localChain, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidStrategy)

	_, err = f.ledger.RegisterRemoteStrategy(ctx, "local", localChain, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidStrategy)

	_, err = f.ledger.RegisterStrategy(ctx, "", f.adapter, localChain, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidStrategy)

	assert.Empty(t, f.ledger.Strategies())
}

func TestInvest_HalfOfPool(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	id := f.register(t)

	receipt, err := f.invest(id, 5000)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferCompleted, receipt.Status)
	require.Len(t, receipt.Legs, 1)
	assert.True(t, receipt.Legs[0].Amount.Equal(d(2500)))

	a, err := f.ledger.Allocation(id, assetA)
	require.NoError(t, err)
	assert.True(t, a.Principal.Equal(d(2500)))
	assert.True(t, a.CurrentValue.Equal(d(2500)))
	assert.True(t, a.Active)
	assert.True(t, f.ledger.AvailableLiquidity(assetA).Equal(d(2500)))
	assert.True(t, f.balance(t, assetA).Equal(d(2500)))

	st, err := f.ledger.Strategy(id)
	require.NoError(t, err)
	assert.True(t, st.TotalAllocated.Equal(d(2500)))
	f.checkInvariants(t)
}

func TestWithdrawFromStrategy_Partial(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	id := f.register(t)
	_, err := f.invest(id, 5000)
	require.NoError(t, err)

	receipt, err := f.ledger.WithdrawFromStrategy(context.Background(), pool, id, assetA, d(1250))
	require.NoError(t, err)
	assert.Equal(t, domain.TransferCompleted, receipt.Status)
	assert.True(t, receipt.Received.Equal(d(1250)))

	assert.True(t, f.ledger.AvailableLiquidity(assetA).Equal(d(3750)))
	a, err := f.ledger.Allocation(id, assetA)
	require.NoError(t, err)
	assert.True(t, a.Principal.Equal(d(1250)))
	assert.True(t, a.CurrentValue.Equal(d(1250)))
	assert.True(t, a.Active)
	f.checkInvariants(t)
}

func TestInvestThenFullWithdraw_Conserves(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	id := f.register(t)
	before := f.ledger.AvailableLiquidity(assetA)

	_, err := f.invest(id, 3333)
	require.NoError(t, err)
	a, err := f.ledger.Allocation(id, assetA)
	require.NoError(t, err)

	_, err = f.ledger.WithdrawFromStrategy(context.Background(), pool, id, assetA, a.CurrentValue)
	require.NoError(t, err)

	assert.True(t, f.ledger.AvailableLiquidity(assetA).Equal(before))
	a, err = f.ledger.Allocation(id, assetA)
	require.NoError(t, err)
	assert.True(t, a.Principal.IsZero())
	assert.False(t, a.Active)
	f.checkInvariants(t)
}

func TestInvest_CapExceededLeavesBalancesUnchanged(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	id := f.register(t)

	_, err := f.invest(id, 6000)
	assert.ErrorIs(t, err, domain.ErrAllocationLimitExceeded)

	assert.True(t, f.ledger.AvailableLiquidity(assetA).Equal(d(5000)))
	assert.True(t, f.balance(t, assetA).IsZero())
	_, err = f.ledger.Allocation(id, assetA)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// A second investment that would push the total over the cap fails too.
	_, err = f.invest(id, 4000)
	require.NoError(t, err)
	_, err = f.invest(id, 2000)
	assert.ErrorIs(t, err, domain.ErrAllocationLimitExceeded)
	a, err := f.ledger.Allocation(id, assetA)
	require.NoError(t, err)
	assert.True(t, a.Principal.Equal(d(2000)))
	f.checkInvariants(t)
}

func TestInvest_Validation(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	id := f.register(t)
	ctx := context.Background()
	inactive, err := f.ledger.RegisterStrategy(ctx, "old", simulated.New("old"), localChain, nil)
	require.NoError(t, err)
	require.NoError(t, f.ledger.DeactivateStrategy(ctx, inactive))

	tests := []struct {
		name string
		req  domain.InvestRequest
		want error
	}{
		{"unknown pool", domain.InvestRequest{PoolID: "nope", StrategyID: id, AssetIDs: []string{assetA}, Percentages: []int64{100}}, domain.ErrUnauthorizedCaller},
		{"unknown strategy", domain.InvestRequest{PoolID: pool, StrategyID: 99, AssetIDs: []string{assetA}, Percentages: []int64{100}}, domain.ErrInvalidStrategy},
		{"inactive strategy", domain.InvestRequest{PoolID: pool, StrategyID: inactive, AssetIDs: []string{assetA}, Percentages: []int64{100}}, domain.ErrStrategyNotActive},
		{"no assets", domain.InvestRequest{PoolID: pool, StrategyID: id}, domain.ErrInvalidPercentage},
		{"length mismatch", domain.InvestRequest{PoolID: pool, StrategyID: id, AssetIDs: []string{assetA, assetB}, Percentages: []int64{100}}, domain.ErrInvalidPercentage},
		{"over 100%", domain.InvestRequest{PoolID: pool, StrategyID: id, AssetIDs: []string{assetA, assetB}, Percentages: []int64{6000, 5000}}, domain.ErrInvalidPercentage},
		{"negative", domain.InvestRequest{PoolID: pool, StrategyID: id, AssetIDs: []string{assetA}, Percentages: []int64{-1}}, domain.ErrInvalidPercentage},
		{"duplicate asset", domain.InvestRequest{PoolID: pool, StrategyID: id, AssetIDs: []string{assetA, assetA}, Percentages: []int64{100, 100}}, domain.ErrInvalidPercentage},
		{"zero amount", domain.InvestRequest{PoolID: pool, StrategyID: id, AssetIDs: []string{assetA}, Percentages: []int64{0}}, domain.ErrInvalidAmount},
		{"unknown asset", domain.InvestRequest{PoolID: pool, StrategyID: id, AssetIDs: []string{"C"}, Percentages: []int64{100}}, domain.ErrUnsupportedAsset},
		{"local override", domain.InvestRequest{PoolID: pool, StrategyID: id, AssetIDs: []string{assetA}, Percentages: []int64{100}, DomainOverride: farChain}, domain.ErrInvalidStrategy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.Invest(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, f.ledger.AvailableLiquidity(assetA).Equal(d(5000)))
		})
	}
}

// depositFailer fails deposits of one asset.
type depositFailer struct {
	*simulated.Adapter
	asset string
}

func (a depositFailer) Deposit(ctx context.Context, asset string, amount decimal.Decimal) (bool, error) {
	if asset == a.asset {
		return false, nil
	}
	return a.Adapter.Deposit(ctx, asset, amount)
}

func TestInvest_MultiAssetRollsBack(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ad := depositFailer{Adapter: f.adapter, asset: assetB}
	id, err := f.ledger.RegisterStrategy(context.Background(), "flaky", ad, localChain, nil)
	require.NoError(t, err)

	_, err = f.invest(id, 2000, assetA, assetB)
	assert.ErrorIs(t, err, domain.ErrAdapterRejected)

	assert.True(t, f.ledger.AvailableLiquidity(assetA).Equal(d(5000)))
	assert.True(t, f.ledger.AvailableLiquidity(assetB).Equal(d(5000)))
	assert.True(t, f.balance(t, assetA).IsZero())
	assert.Empty(t, f.ledger.Allocations())
	f.checkInvariants(t)
}

func TestInvest_StoreFailureRollsBack(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	id := f.register(t)

	boom := errors.New("db down")
	f.store.FailWrites(boom)
	_, err := f.invest(id, 2000)
	f.store.FailWrites(nil)

	assert.ErrorIs(t, err, boom)
	assert.True(t, f.balance(t, assetA).IsZero())
	_, err = f.ledger.Allocation(id, assetA)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWithdrawFromStrategy_StoreFailureStillBooks(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	id := f.register(t)
	ctx := context.Background()
	_, err := f.invest(id, 5000)
	require.NoError(t, err)

	f.store.FailWrites(errors.New("disk full"))
	receipt, err := f.ledger.WithdrawFromStrategy(ctx, pool, id, assetA, d(1250))
	f.store.FailWrites(nil)
	require.NoError(t, err)
	assert.True(t, receipt.Received.Equal(d(1250)))

	assert.True(t, f.balance(t, assetA).Equal(d(1250)))
	a, err := f.ledger.Allocation(id, assetA)
	require.NoError(t, err)
	assert.True(t, a.Principal.Equal(d(1250)), a.Principal.String())
	assert.True(t, a.CurrentValue.Equal(d(1250)), a.CurrentValue.String())
	avail := f.ledger.AvailableLiquidity(assetA)
	assert.True(t, avail.Equal(d(3750)), avail.String())

	_, err = f.ledger.WithdrawFromStrategy(ctx, pool, id, assetA, d(1250))
	require.NoError(t, err)
	avail = f.ledger.AvailableLiquidity(assetA)
	assert.True(t, avail.Equal(d(5000)), avail.String())
	f.checkInvariants(t)
}

// pausingAdapter pauses the vault while a withdrawal is in flight.
type pausingAdapter struct {
	*simulated.Adapter
	vault *vault.Ledger
}

func (p pausingAdapter) Withdraw(ctx context.Context, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	p.vault.Pause()
	return p.Adapter.Withdraw(ctx, asset, amount)
}

func TestWithdrawFromStrategy_PauseMidFlightStillBooks(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	id, err := f.ledger.RegisterStrategy(ctx, "sim", pausingAdapter{Adapter: f.adapter, vault: f.vault}, localChain, nil)
	require.NoError(t, err)
	_, err = f.invest(id, 2000)
	require.NoError(t, err)

	_, err = f.ledger.WithdrawFromStrategy(ctx, pool, id, assetA, d(1000))
	require.NoError(t, err)
	assert.True(t, f.vault.Paused())
	assert.True(t, f.balance(t, assetA).IsZero())

	_, err = f.ledger.Allocation(id, assetA)
	require.NoError(t, err)
	avail := f.ledger.AvailableLiquidity(assetA)
	assert.True(t, avail.Equal(d(5000)), avail.String())
	f.checkInvariants(t)
}

func TestEmergencyWithdraw_StoreFailureStillBooks(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	id := f.register(t)
	ctx := context.Background()
	_, err := f.invest(id, 4000)
	require.NoError(t, err)
	f.adapter.Accrue(assetA, d(40))

	f.store.FailWrites(errors.New("disk full"))
	receipt, err := f.ledger.EmergencyWithdraw(ctx, operator, id, assetA)
	f.store.FailWrites(nil)
	require.NoError(t, err)
	assert.True(t, receipt.Received.Equal(d(2040)))

	a, err := f.ledger.Allocation(id, assetA)
	require.NoError(t, err)
	assert.False(t, a.Active)
	slot, err := f.vault.Slot(assetA)
	require.NoError(t, err)
	assert.True(t, slot.AllocatedToStrategies.IsZero())
	assert.True(t, slot.TotalAssetsHeld.Equal(d(5040)), slot.TotalAssetsHeld.String())
}

func TestWithdrawFromStrategy_Validation(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	id := f.register(t)
	ctx := context.Background()
	_, err := f.invest(id, 2000)
	require.NoError(t, err)

	_, err = f.ledger.WithdrawFromStrategy(ctx, "nope", id, assetA, d(10))
	assert.ErrorIs(t, err, domain.ErrUnauthorizedCaller)

	_, err = f.ledger.WithdrawFromStrategy(ctx, pool, id, assetA, d(0))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.ledger.WithdrawFromStrategy(ctx, pool, id, assetA, d(1001))
	assert.ErrorIs(t, err, domain.ErrInsufficientLiquidity)

	f.vault.Pause()
	_, err = f.ledger.WithdrawFromStrategy(ctx, pool, id, assetA, d(10))
	assert.ErrorIs(t, err, domain.ErrPaused)
	f.vault.Unpause()
	assert.True(t, f.balance(t, assetA).Equal(d(1000)))
}

func TestHarvestYield(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	id := f.register(t)
	ctx := context.Background()
	_, err := f.invest(id, 5000)
	require.NoError(t, err)

	f.adapter.Accrue(assetA, d(100))
	results, err := f.ledger.HarvestYield(ctx, id, []string{assetA})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Yield.Equal(d(100)))

	a, err := f.ledger.Allocation(id, assetA)
	require.NoError(t, err)
	assert.True(t, a.Principal.Equal(d(2500)))
	assert.True(t, a.CurrentValue.Equal(d(2600)))
	assert.True(t, a.TotalHarvested.Equal(d(100)))
	assert.False(t, a.LastHarvest.IsZero())

	// Withdrawing everything books the harvested yield in the vault.
	_, err = f.ledger.WithdrawFromStrategy(ctx, pool, id, assetA, d(2600))
	require.NoError(t, err)
	slot, err := f.vault.Slot(assetA)
	require.NoError(t, err)
	assert.True(t, slot.TotalAssetsHeld.Equal(d(5100)))
	assert.True(t, slot.CumulativeYield.Equal(d(100)))
	assert.True(t, slot.AllocatedToStrategies.IsZero())

	_, err = f.ledger.HarvestYield(ctx, id, []string{assetA})
	assert.ErrorIs(t, err, domain.ErrInvalidAllocation)
	f.checkInvariants(t)
}

func TestWithdrawFromStrategy_FractionAfterYield(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	id := f.register(t)
	ctx := context.Background()
	_, err := f.invest(id, 4000)
	require.NoError(t, err)
	f.adapter.Accrue(assetA, d(1000))
	_, err = f.ledger.HarvestYield(ctx, id, []string{assetA})
	require.NoError(t, err)

	// principal 2000, value 3000: withdrawing 1500 is half of both.
	_, err = f.ledger.WithdrawFromStrategy(ctx, pool, id, assetA, d(1500))
	require.NoError(t, err)
	a, err := f.ledger.Allocation(id, assetA)
	require.NoError(t, err)
	assert.True(t, a.Principal.Equal(d(1000)))
	assert.True(t, a.CurrentValue.Equal(d(1500)))

	slot, err := f.vault.Slot(assetA)
	require.NoError(t, err)
	assert.True(t, slot.AllocatedToStrategies.Equal(d(1000)))
	assert.True(t, slot.TotalAssetsHeld.Equal(d(5500)))
	f.checkInvariants(t)
}

func TestWithdrawFromStrategy_RealizesLoss(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	id := f.register(t)
	ctx := context.Background()
	_, err := f.invest(id, 4000)
	require.NoError(t, err)

	lossy := &shortPayer{Adapter: f.adapter, haircut: d(200)}
	require.NoError(t, f.ledger.AttachAdapter(id, lossy))

	_, err = f.ledger.WithdrawFromStrategy(ctx, pool, id, assetA, d(2000))
	require.NoError(t, err)
	slot, err := f.vault.Slot(assetA)
	require.NoError(t, err)
	assert.True(t, slot.TotalAssetsHeld.Equal(d(4800)))
	assert.True(t, slot.AllocatedToStrategies.IsZero())
	f.checkInvariants(t)
}

// shortPayer returns less than requested from withdrawals.
type shortPayer struct {
	*simulated.Adapter
	haircut decimal.Decimal
}

func (a *shortPayer) Withdraw(ctx context.Context, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	out, err := a.Adapter.Withdraw(ctx, asset, amount)
	if err != nil {
		return out, err
	}
	return out.Sub(a.haircut), nil
}

func TestEmergencyWithdraw(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	id := f.register(t)
	ctx := context.Background()
	_, err := f.invest(id, 5000)
	require.NoError(t, err)
	f.adapter.Accrue(assetA, d(300))

	// The normal cap no longer admits the allocation; emergency ignores it.
	require.NoError(t, f.ledger.UpdateMaxAllocation(ctx, 0))
	f.vault.Pause()

	_, err = f.ledger.EmergencyWithdraw(ctx, "stranger", id, assetA)
	assert.ErrorIs(t, err, domain.ErrUnauthorizedCaller)

	receipt, err := f.ledger.EmergencyWithdraw(ctx, operator, id, assetA)
	require.NoError(t, err)
	assert.True(t, receipt.Requested.Equal(d(2800)))
	assert.True(t, receipt.Received.Equal(d(2800)))
	assert.True(t, f.balance(t, assetA).IsZero())

	a, err := f.ledger.Allocation(id, assetA)
	require.NoError(t, err)
	assert.False(t, a.Active)
	assert.True(t, a.Principal.IsZero())
	assert.True(t, a.CurrentValue.IsZero())

	slot, err := f.vault.Slot(assetA)
	require.NoError(t, err)
	assert.True(t, slot.TotalAssetsHeld.Equal(d(5300)))
	assert.True(t, slot.AllocatedToStrategies.IsZero())
	f.vault.Unpause()
	f.checkInvariants(t)
}

type fixedOracle struct {
	price decimal.Decimal
	age   time.Duration
}

func (o fixedOracle) Price(context.Context, string) (decimal.Decimal, time.Duration, error) {
	return o.price, o.age, nil
}

func TestInvest_ReferenceValueCap(t *testing.T) {
	cfg := Config{MaxStrategyValue: d(2000), MaxPriceAge: time.Minute}

	f := newFixture(t, cfg, fixedOracle{price: decimal.RequireFromString("0.5")})
	id := f.register(t)
	_, err := f.invest(id, 5000) // 2500 units at 0.5
	require.NoError(t, err)
	_, err = f.invest(id, 5000, assetB)
	assert.ErrorIs(t, err, domain.ErrAllocationLimitExceeded)

	stale := newFixture(t, cfg, fixedOracle{price: d(1), age: time.Hour})
	id = stale.register(t)
	_, err = stale.invest(id, 1000)
	assert.ErrorIs(t, err, domain.ErrStalePrice)
}

// recordingDispatcher stands in for the coordinator.
type recordingDispatcher struct {
	mu   sync.Mutex
	sent []domain.Transfer
	err  error
}

func (r *recordingDispatcher) Dispatch(_ context.Context, t domain.Transfer) (domain.Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return domain.Transfer{}, r.err
	}
	t.MessageID = fmt.Sprintf("msg-%d", len(r.sent)+1)
	t.Status = domain.TransferPending
	r.sent = append(r.sent, t)
	return t, nil
}

func TestRemoteDeposit_Lifecycle(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	disp := &recordingDispatcher{}
	f.ledger.SetDispatcher(disp)

	id, err := f.ledger.RegisterRemoteStrategy(ctx, "far", farChain, nil)
	require.NoError(t, err)

	receipt, err := f.invest(id, 5000)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferPending, receipt.Status)
	require.Len(t, disp.sent, 1)
	assert.Equal(t, "msg-1", receipt.Legs[0].MessageID)
	assert.Equal(t, farChain, disp.sent[0].DestinationDomain)
	assert.True(t, disp.sent[0].Amount.Equal(d(2500)))

	a, err := f.ledger.Allocation(id, assetA)
	require.NoError(t, err)
	assert.True(t, a.PendingDeposit.Equal(d(2500)))
	assert.True(t, a.Principal.IsZero())
	assert.False(t, a.Active)
	assert.True(t, f.ledger.AvailableLiquidity(assetA).Equal(d(2500)))

	_, err = f.invest(id, 1000)
	assert.ErrorIs(t, err, domain.ErrTransferPending)

	require.NoError(t, f.ledger.RecordAllocation(ctx, id, assetA, d(2500), "ack-1"))
	a, err = f.ledger.Allocation(id, assetA)
	require.NoError(t, err)
	assert.True(t, a.PendingDeposit.IsZero())
	assert.True(t, a.Principal.Equal(d(2500)))
	assert.True(t, a.CurrentValue.Equal(d(2500)))
	assert.True(t, a.Active)

	// Remote withdrawal settles only when acknowledged.
	wr, err := f.ledger.WithdrawFromStrategy(ctx, pool, id, assetA, d(1250))
	require.NoError(t, err)
	assert.Equal(t, domain.TransferPending, wr.Status)
	assert.True(t, f.ledger.AvailableLiquidity(assetA).Equal(d(2500)))

	require.NoError(t, f.ledger.RecordWithdrawal(ctx, id, assetA, d(1250), d(1250), false))
	assert.True(t, f.ledger.AvailableLiquidity(assetA).Equal(d(3750)))
	a, err = f.ledger.Allocation(id, assetA)
	require.NoError(t, err)
	assert.True(t, a.Principal.Equal(d(1250)))
	assert.True(t, a.PendingWithdrawal.IsZero())

	// Remote yield report then emergency exit.
	require.NoError(t, f.ledger.RecordHarvest(ctx, id, assetA, d(50), "ack-3"))
	er, err := f.ledger.EmergencyWithdraw(ctx, operator, id, assetA)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferPending, er.Status)
	assert.Equal(t, domain.TransferEmergency, disp.sent[len(disp.sent)-1].Kind)

	require.NoError(t, f.ledger.RecordWithdrawal(ctx, id, assetA, d(1300), d(1300), true))
	a, err = f.ledger.Allocation(id, assetA)
	require.NoError(t, err)
	assert.False(t, a.Active)
	assert.True(t, a.CurrentValue.IsZero())
	slot, err := f.vault.Slot(assetA)
	require.NoError(t, err)
	assert.True(t, slot.TotalAssetsHeld.Equal(d(5050)))
	assert.True(t, slot.AllocatedToStrategies.IsZero())
	f.checkInvariants(t)
}

func TestRemoteDeposit_FailureCreditsVault(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	f.ledger.SetDispatcher(&recordingDispatcher{})
	id, err := f.ledger.RegisterRemoteStrategy(ctx, "far", farChain, nil)
	require.NoError(t, err)

	_, err = f.invest(id, 4000)
	require.NoError(t, err)
	assert.True(t, f.ledger.AvailableLiquidity(assetA).Equal(d(3000)))

	err = f.ledger.RecordAllocation(ctx, id, assetA, d(2001), "bad")
	assert.ErrorIs(t, err, domain.ErrInvalidAllocation)

	require.NoError(t, f.ledger.RevertPendingDeposit(ctx, id, assetA, d(2000), "nack"))
	assert.True(t, f.ledger.AvailableLiquidity(assetA).Equal(d(5000)))
	a, err := f.ledger.Allocation(id, assetA)
	require.NoError(t, err)
	assert.True(t, a.PendingDeposit.IsZero())
	f.checkInvariants(t)
}

func TestRemoteDeposit_DispatchFailureReleases(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	boom := errors.New("messenger down")
	f.ledger.SetDispatcher(&recordingDispatcher{err: boom})
	id, err := f.ledger.RegisterRemoteStrategy(ctx, "far", farChain, nil)
	require.NoError(t, err)

	_, err = f.invest(id, 4000)
	assert.ErrorIs(t, err, boom)
	assert.True(t, f.ledger.AvailableLiquidity(assetA).Equal(d(5000)))
	a, err := f.ledger.Allocation(id, assetA)
	require.NoError(t, err)
	assert.True(t, a.PendingDeposit.IsZero())
}

func TestRestore(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	id := f.register(t)
	_, err := f.invest(id, 2000)
	require.NoError(t, err)
	require.NoError(t, f.ledger.UpdateMaxAllocation(ctx, 4000))

	v := vault.New(vault.Config{}, f.store, nil, discard())
	require.NoError(t, v.Restore(ctx))
	l, err := New(Config{LocalDomain: localChain}, Deps{Vault: v, Locks: lock.New(), Store: f.store, Logger: discard()})
	require.NoError(t, err)
	require.NoError(t, l.Restore(ctx))

	assert.Equal(t, int64(4000), l.MaxAllocationBps())
	a, err := l.Allocation(id, assetA)
	require.NoError(t, err)
	assert.True(t, a.Principal.Equal(d(1000)))

	next, err := l.RegisterStrategy(ctx, "after", simulated.New("after"), localChain, nil)
	require.NoError(t, err)
	assert.Equal(t, id+1, next)

	// Pools survive a restart; adapters must be reattached.
	_, err = l.WithdrawFromStrategy(ctx, pool, id, assetA, d(100))
	assert.ErrorIs(t, err, domain.ErrInvalidStrategy)
	require.NoError(t, l.AttachAdapter(id, f.adapter))
	_, err = l.WithdrawFromStrategy(ctx, pool, id, assetA, d(100))
	require.NoError(t, err)
}

func TestConcurrentInvestAndWithdraw(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	id := f.register(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, _ = f.invest(id, 500)
				return
			}
			_, _ = f.ledger.WithdrawFromStrategy(ctx, pool, id, assetA, d(50))
		}(i)
	}
	wg.Wait()

	a, err := f.ledger.Allocation(id, assetA)
	require.NoError(t, err)
	slot, err := f.vault.Slot(assetA)
	require.NoError(t, err)
	assert.True(t, slot.AllocatedToStrategies.Equal(a.Principal))
	assert.True(t, f.balance(t, assetA).Equal(a.CurrentValue))
	f.checkInvariants(t)
}
