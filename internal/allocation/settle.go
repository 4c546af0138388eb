package allocation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// The methods below are called by the cross-chain coordinator when a remote
// domain acknowledges a request. Each one either applies fully or returns an
// error without changing anything, so the coordinator can leave the message
// unprocessed and let the transport redeliver it.

// RecordAllocation confirms a pending remote deposit of amount.
func (l *Ledger) RecordAllocation(ctx context.Context, id uint64, asset string, amount decimal.Decimal, messageID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	release, err := l.acquire(ctx, allocLock(id, asset))
	if err != nil {
		return err
	}
	defer release()

	st, cur, err := l.pendingRow(id, asset)
	if err != nil {
		return err
	}
	if amount.GreaterThan(cur.PendingDeposit) {
		return fmt.Errorf("allocation: confirm %s for %d:%s with %s pending: %w", amount, id, asset, cur.PendingDeposit, domain.ErrInvalidAllocation)
	}

	now := l.now()
	next := cur
	next.PendingDeposit = cur.PendingDeposit.Sub(amount)
	next.Principal = cur.Principal.Add(amount)
	next.CurrentValue = cur.CurrentValue.Add(amount)
	next.Active = next.Principal.IsPositive()
	next.UpdatedAt = now
	st.TotalAllocated = st.TotalAllocated.Add(amount)
	st.LastUpdate = now
	if err := l.commit(ctx, st, next); err != nil {
		return err
	}
	l.publishAllocation(ctx, next, amount, messageID)
	return nil
}

// RevertPendingDeposit releases a failed remote deposit and credits the
// reserved amount back to the vault's uncommitted balance.
func (l *Ledger) RevertPendingDeposit(ctx context.Context, id uint64, asset string, amount decimal.Decimal, messageID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	release, err := l.acquire(ctx, assetLock(asset), allocLock(id, asset))
	if err != nil {
		return err
	}
	defer release()

	st, cur, err := l.pendingRow(id, asset)
	if err != nil {
		return err
	}
	if amount.GreaterThan(cur.PendingDeposit) {
		return fmt.Errorf("allocation: revert %s for %d:%s with %s pending: %w", amount, id, asset, cur.PendingDeposit, domain.ErrInvalidAllocation)
	}
	if err := l.access.ReturnEmergency(ctx, asset, amount, decimal.Zero); err != nil {
		return fmt.Errorf("allocation: revert %d:%s: %w", id, asset, err)
	}

	next := cur
	next.PendingDeposit = cur.PendingDeposit.Sub(amount)
	next.UpdatedAt = l.now()
	l.apply(ctx, st, next)

	l.logger.WarnContext(ctx, "pending deposit reverted",
		slog.Uint64("strategy_id", id),
		slog.String("asset", asset),
		slog.String("amount", amount.String()),
		slog.String("message_id", messageID),
	)
	l.publishAllocation(ctx, next, decimal.Zero, messageID)
	return nil
}

// RecordWithdrawal settles a confirmed remote withdrawal. requested is what
// was asked for and received is what the vault got back. full marks an
// emergency withdrawal that empties the allocation.
func (l *Ledger) RecordWithdrawal(ctx context.Context, id uint64, asset string, requested, received decimal.Decimal, full bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	release, err := l.acquire(ctx, assetLock(asset), allocLock(id, asset))
	if err != nil {
		return err
	}
	defer release()

	st, cur, err := l.pendingRow(id, asset)
	if err != nil {
		return err
	}
	if received.IsNegative() || !received.Equal(received.Floor()) {
		return fmt.Errorf("allocation: withdrawal of %d:%s received %s: %w", id, asset, received, domain.ErrInvalidAmount)
	}
	if !full && l.vault.Paused() {
		return domain.ErrPaused
	}
	return l.settleWithdrawal(ctx, st, cur, requested, received, full)
}

// ReleasePendingWithdrawal clears a withdrawal the remote domain refused.
func (l *Ledger) ReleasePendingWithdrawal(ctx context.Context, id uint64, asset string, amount decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	release, err := l.acquire(ctx, allocLock(id, asset))
	if err != nil {
		return err
	}
	defer release()

	st, cur, err := l.pendingRow(id, asset)
	if err != nil {
		return err
	}
	next := cur
	next.PendingWithdrawal = decimal.Max(cur.PendingWithdrawal.Sub(amount), decimal.Zero)
	next.UpdatedAt = l.now()
	return l.commit(ctx, st, next)
}

// RecordHarvest applies yield reported by a remote domain.
func (l *Ledger) RecordHarvest(ctx context.Context, id uint64, asset string, yield decimal.Decimal, messageID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	release, err := l.acquire(ctx, allocLock(id, asset))
	if err != nil {
		return err
	}
	defer release()

	st, cur, err := l.pendingRow(id, asset)
	if err != nil {
		return err
	}
	if yield.IsNegative() {
		return fmt.Errorf("allocation: harvest report %s for %d:%s: %w", yield, id, asset, domain.ErrInvalidAmount)
	}
	l.bookHarvest(ctx, st, cur, yield, messageID)
	return nil
}

// pendingRow returns the strategy and existing allocation a remote
// acknowledgement refers to.
func (l *Ledger) pendingRow(id uint64, asset string) (domain.Strategy, domain.Allocation, error) {
	st, err := l.strategy(id)
	if err != nil {
		return domain.Strategy{}, domain.Allocation{}, err
	}
	cur, ok := l.allocations[domain.AllocationKey{StrategyID: id, Asset: asset}]
	if !ok {
		return domain.Strategy{}, domain.Allocation{}, fmt.Errorf("allocation: %d:%s: %w", id, asset, domain.ErrNotFound)
	}
	return st, cur, nil
}
