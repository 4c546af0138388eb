package vault

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// StrategyAccess is the only handle that can move capital between the ledger
// and strategies. BindAllocator hands out exactly one.
type StrategyAccess struct {
	l    *Ledger
	name string
}

// BindAllocator binds the strategy allocator. The first caller receives the
// access handle; every later call fails with ErrUnauthorizedCaller.
func (l *Ledger) BindAllocator(name string) (*StrategyAccess, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.allocator != "" {
		return nil, fmt.Errorf("vault: allocator already bound to %q: %w", l.allocator, domain.ErrUnauthorizedCaller)
	}
	l.allocator = name
	l.logger.Info("allocator bound", slog.String("allocator", name))
	return &StrategyAccess{l: l, name: name}, nil
}

// Name returns the bound allocator name.
func (a *StrategyAccess) Name() string { return a.name }

// Allocate commits amount of asset to strategies. The amount stays part of
// TotalAssetsHeld; only AllocatedToStrategies grows.
func (a *StrategyAccess) Allocate(ctx context.Context, asset string, amount decimal.Decimal) error {
	l := a.l
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.paused {
		return domain.ErrPaused
	}
	if !isUnits(amount) {
		return fmt.Errorf("vault: allocate %s: %w", amount, domain.ErrInvalidAmount)
	}
	cur, ok := l.slots[asset]
	if !ok {
		return fmt.Errorf("vault: allocate %s: %w", asset, domain.ErrUnsupportedAsset)
	}
	if amount.GreaterThan(cur.Available()) {
		return fmt.Errorf("vault: allocate %s of %s available: %w", amount, cur.Available(), domain.ErrInsufficientLiquidity)
	}

	next := *cur
	next.AllocatedToStrategies = next.AllocatedToStrategies.Add(amount)
	if !l.withinCap(next) {
		return fmt.Errorf("vault: allocate %s exceeds %d bps of %s: %w", amount, l.maxBps, next.TotalAssetsHeld, domain.ErrInvalidAllocation)
	}
	next.LastUpdate = l.now()
	return l.commit(ctx, next)
}

// Return releases principal back from strategies and books yield. A
// negative yield realizes a loss against TotalAssetsHeld.
func (a *StrategyAccess) Return(ctx context.Context, asset string, principal, yield decimal.Decimal) error {
	return a.ret(ctx, asset, principal, yield, false, false)
}

// ReturnEmergency behaves like Return but is accepted while the ledger is
// paused.
func (a *StrategyAccess) ReturnEmergency(ctx context.Context, asset string, principal, yield decimal.Decimal) error {
	return a.ret(ctx, asset, principal, yield, true, false)
}

// Settle books capital that has already left a strategy. It is accepted
// while paused, and a failed write is logged rather than returned: the funds
// are back in the vault whether or not the store saw it, so memory stays
// authoritative until the slot is next written. Only an invalid return
// leaves the slot unchanged and fails.
func (a *StrategyAccess) Settle(ctx context.Context, asset string, principal, yield decimal.Decimal) error {
	return a.ret(ctx, asset, principal, yield, true, true)
}

func (a *StrategyAccess) ret(ctx context.Context, asset string, principal, yield decimal.Decimal, ignorePause, settled bool) error {
	l := a.l
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.paused && !ignorePause {
		return domain.ErrPaused
	}
	if principal.IsNegative() || !principal.Equal(principal.Floor()) || !yield.Equal(yield.Floor()) {
		return fmt.Errorf("vault: return principal %s yield %s: %w", principal, yield, domain.ErrInvalidAmount)
	}
	cur, ok := l.slots[asset]
	if !ok {
		return fmt.Errorf("vault: return %s: %w", asset, domain.ErrUnsupportedAsset)
	}
	if principal.GreaterThan(cur.AllocatedToStrategies) {
		return fmt.Errorf("vault: return %s exceeds allocated %s: %w", principal, cur.AllocatedToStrategies, domain.ErrInvalidAllocation)
	}

	next := *cur
	next.AllocatedToStrategies = next.AllocatedToStrategies.Sub(principal)
	next.TotalAssetsHeld = next.TotalAssetsHeld.Add(yield)
	if yield.IsPositive() {
		next.CumulativeYield = next.CumulativeYield.Add(yield)
	}
	if next.TotalAssetsHeld.IsNegative() {
		return fmt.Errorf("vault: return loss %s exceeds assets held: %w", yield.Neg(), domain.ErrInvalidAllocation)
	}
	next.LastUpdate = l.now()
	if !settled {
		return l.commit(ctx, next)
	}

	l.slots[asset] = &next
	if err := l.store.SaveSlot(ctx, next); err != nil {
		l.logger.ErrorContext(ctx, "persist settled slot failed",
			slog.String("asset", asset),
			slog.String("principal", principal.String()),
			slog.String("yield", yield.String()),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
