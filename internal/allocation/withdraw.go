package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// WithdrawFromStrategy pulls amount of asset back from a strategy into the
// vault. Principal and current value shrink by the same fraction
// amount/CurrentValue. Remote withdrawals return a Pending receipt and settle
// through RecordWithdrawal.
func (l *Ledger) WithdrawFromStrategy(ctx context.Context, poolID string, id uint64, asset string, amount decimal.Decimal) (domain.WithdrawReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.isPool(poolID) {
		return domain.WithdrawReceipt{}, fmt.Errorf("allocation: withdraw: pool %q: %w", poolID, domain.ErrUnauthorizedCaller)
	}
	if !amount.IsPositive() || !amount.Equal(amount.Floor()) {
		return domain.WithdrawReceipt{}, fmt.Errorf("allocation: withdraw %s: %w", amount, domain.ErrInvalidAmount)
	}
	st, err := l.strategy(id)
	if err != nil {
		return domain.WithdrawReceipt{}, err
	}

	release, err := l.acquire(ctx, assetLock(asset), allocLock(id, asset))
	if err != nil {
		return domain.WithdrawReceipt{}, err
	}
	defer release()

	cur := l.allocation(id, asset)
	if cur.PendingDeposit.IsPositive() || cur.PendingWithdrawal.IsPositive() {
		return domain.WithdrawReceipt{}, fmt.Errorf("allocation: withdraw %d:%s: %w", id, asset, domain.ErrTransferPending)
	}
	if amount.GreaterThan(cur.CurrentValue) {
		return domain.WithdrawReceipt{}, fmt.Errorf("allocation: withdraw %s of %s held by %d:%s: %w", amount, cur.CurrentValue, id, asset, domain.ErrInsufficientLiquidity)
	}

	if cur.Domain != l.cfg.LocalDomain {
		return l.withdrawRemote(ctx, st, cur, domain.TransferWithdraw, amount, poolID)
	}

	adapter, err := l.adapterFor(st)
	if err != nil {
		return domain.WithdrawReceipt{}, err
	}
	if l.vault.Paused() {
		return domain.WithdrawReceipt{}, domain.ErrPaused
	}
	opID := uuid.NewString()
	received, err := adapter.Withdraw(domain.WithOperationID(ctx, opID), asset, amount)
	if err != nil {
		return domain.WithdrawReceipt{}, fmt.Errorf("allocation: withdraw %d:%s: adapter: %w", id, asset, err)
	}
	if err := l.settleWithdrawal(ctx, st, cur, amount, received, false); err != nil {
		return domain.WithdrawReceipt{}, l.redeposit(ctx, adapter, opID, asset, received, err)
	}
	return domain.WithdrawReceipt{
		Status:    domain.TransferCompleted,
		Requested: amount,
		Received:  received,
	}, nil
}

func (l *Ledger) withdrawRemote(ctx context.Context, st domain.Strategy, cur domain.Allocation, kind domain.TransferKind, amount decimal.Decimal, poolID string) (domain.WithdrawReceipt, error) {
	if l.dispatcher == nil {
		return domain.WithdrawReceipt{}, fmt.Errorf("allocation: withdraw: no coordinator for domain %d: %w", cur.Domain, domain.ErrUnknownDomain)
	}
	next := cur
	next.PendingWithdrawal = amount
	next.UpdatedAt = l.now()
	if err := l.commit(ctx, st, next); err != nil {
		return domain.WithdrawReceipt{}, err
	}

	t, err := l.dispatcher.Dispatch(ctx, domain.Transfer{
		Kind:              kind,
		StrategyID:        st.ID,
		SourceDomain:      l.cfg.LocalDomain,
		DestinationDomain: cur.Domain,
		Asset:             cur.Asset,
		Amount:            amount,
		PoolID:            poolID,
	})
	if err != nil {
		l.apply(ctx, st, cur)
		return domain.WithdrawReceipt{}, fmt.Errorf("allocation: withdraw %d:%s: dispatch: %w", st.ID, cur.Asset, err)
	}
	return domain.WithdrawReceipt{
		Status:    domain.TransferPending,
		Requested: amount,
		MessageID: t.MessageID,
	}, nil
}

// redeposit puts received back into the strategy after a withdrawal that
// could not be booked, so the allocation keeps matching the position.
func (l *Ledger) redeposit(ctx context.Context, adapter domain.StrategyAdapter, opID, asset string, received decimal.Decimal, cause error) error {
	if !received.IsPositive() {
		return cause
	}
	rbCtx := domain.WithOperationID(ctx, opID+":rollback")
	ok, err := adapter.Deposit(rbCtx, asset, received)
	if err == nil && !ok {
		err = domain.ErrAdapterRejected
	}
	if err != nil {
		l.logger.ErrorContext(ctx, "withdraw rollback incomplete",
			slog.String("asset", asset),
			slog.String("amount", received.String()),
			slog.String("error", err.Error()),
		)
		return errors.Join(cause, fmt.Errorf("rollback: %w", err))
	}
	return cause
}

// settleWithdrawal books a completed withdrawal of requested from cur that
// returned received to the vault. With full set the whole allocation is
// released, including any pending deposit, and the row goes inactive. The
// capital has already left the strategy, so the vault side is settled
// regardless of the pause flag or the store; only an invalid return fails.
func (l *Ledger) settleWithdrawal(ctx context.Context, st domain.Strategy, cur domain.Allocation, requested, received decimal.Decimal, full bool) error {
	next := cur
	var released decimal.Decimal
	switch {
	case full:
		released = cur.Principal.Add(cur.PendingDeposit)
		next.Principal = decimal.Zero
		next.CurrentValue = decimal.Zero
		next.PendingDeposit = decimal.Zero
		next.PendingWithdrawal = decimal.Zero
	case requested.GreaterThanOrEqual(cur.CurrentValue):
		released = cur.Principal
		next.Principal = decimal.Zero
		next.CurrentValue = decimal.Zero
	default:
		released = cur.Principal.Mul(requested).Div(cur.CurrentValue).Floor()
		next.Principal = cur.Principal.Sub(released)
		next.CurrentValue = cur.CurrentValue.Sub(requested)
	}
	if !full {
		next.PendingWithdrawal = decimal.Max(cur.PendingWithdrawal.Sub(requested), decimal.Zero)
	}
	next.Active = next.Principal.IsPositive()
	next.UpdatedAt = l.now()

	yield := received.Sub(released)
	if err := l.access.Settle(ctx, cur.Asset, released, yield); err != nil {
		return fmt.Errorf("allocation: settle withdrawal %d:%s: %w", cur.StrategyID, cur.Asset, err)
	}

	st.TotalAllocated = decimal.Max(st.TotalAllocated.Sub(cur.Principal.Sub(next.Principal)), decimal.Zero)
	st.LastUpdate = next.UpdatedAt
	l.apply(ctx, st, next)
	l.publishAllocation(ctx, next, requested.Neg(), "")

	l.logger.InfoContext(ctx, "withdrawal settled",
		slog.Uint64("strategy_id", cur.StrategyID),
		slog.String("asset", cur.Asset),
		slog.String("requested", requested.String()),
		slog.String("received", received.String()),
		slog.String("principal_released", released.String()),
	)
	return nil
}

// HarvestYield realizes yield for each asset of a strategy. Yield is added
// to CurrentValue and the lifetime counter; principal is never touched. For
// remote strategies a harvest request is sent per asset and the reported
// yield is applied by RecordHarvest.
func (l *Ledger) HarvestYield(ctx context.Context, id uint64, assets []string) ([]domain.HarvestResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.strategy(id)
	if err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("allocation: harvest %d: no assets: %w", id, domain.ErrUnsupportedAsset)
	}
	keys := make([]string, 0, len(assets))
	for _, asset := range assets {
		a, ok := l.allocations[domain.AllocationKey{StrategyID: id, Asset: asset}]
		if !ok || !a.Active {
			return nil, fmt.Errorf("allocation: harvest %d:%s: no active allocation: %w", id, asset, domain.ErrInvalidAllocation)
		}
		keys = append(keys, allocLock(id, asset))
	}
	release, err := l.acquire(ctx, keys...)
	if err != nil {
		return nil, err
	}
	defer release()

	results := make([]domain.HarvestResult, 0, len(assets))
	var errs []error
	for _, asset := range assets {
		cur := l.allocation(id, asset)
		if cur.Domain != l.cfg.LocalDomain {
			res, err := l.harvestRemote(ctx, st, cur)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			results = append(results, res)
			continue
		}

		adapter, err := l.adapterFor(st)
		if err != nil {
			return results, err
		}
		y, err := adapter.Harvest(domain.WithOperationID(ctx, uuid.NewString()), asset)
		if err != nil {
			errs = append(errs, fmt.Errorf("allocation: harvest %d:%s: adapter: %w", id, asset, err))
			continue
		}
		l.bookHarvest(ctx, st, cur, y, "")
		st = l.strategies[id]
		results = append(results, domain.HarvestResult{Asset: asset, Yield: y})
	}
	return results, errors.Join(errs...)
}

func (l *Ledger) harvestRemote(ctx context.Context, st domain.Strategy, cur domain.Allocation) (domain.HarvestResult, error) {
	if l.dispatcher == nil {
		return domain.HarvestResult{}, fmt.Errorf("allocation: harvest: no coordinator for domain %d: %w", cur.Domain, domain.ErrUnknownDomain)
	}
	t, err := l.dispatcher.Dispatch(ctx, domain.Transfer{
		Kind:              domain.TransferHarvest,
		StrategyID:        st.ID,
		SourceDomain:      l.cfg.LocalDomain,
		DestinationDomain: cur.Domain,
		Asset:             cur.Asset,
		Amount:            decimal.Zero,
	})
	if err != nil {
		return domain.HarvestResult{}, fmt.Errorf("allocation: harvest %d:%s: dispatch: %w", st.ID, cur.Asset, err)
	}
	return domain.HarvestResult{Asset: cur.Asset, Yield: decimal.Zero, MessageID: t.MessageID}, nil
}

func (l *Ledger) bookHarvest(ctx context.Context, st domain.Strategy, cur domain.Allocation, y decimal.Decimal, messageID string) {
	now := l.now()
	next := cur
	if y.IsPositive() {
		next.CurrentValue = next.CurrentValue.Add(y)
		next.TotalHarvested = next.TotalHarvested.Add(y)
	}
	next.LastHarvest = now
	next.UpdatedAt = now
	st.LastUpdate = now
	l.apply(ctx, st, next)

	l.publish(ctx, domain.Event{
		Type:         domain.EventYieldHarvested,
		StrategyID:   cur.StrategyID,
		Asset:        cur.Asset,
		Amount:       y,
		Principal:    next.Principal,
		CurrentValue: next.CurrentValue,
		MessageID:    messageID,
		Domain:       cur.Domain,
	})
}

// EmergencyWithdraw pulls everything a strategy holds of asset back into the
// vault and deactivates the allocation. Only operators may call it. It
// ignores allocation caps, pending transfers and the vault pause flag.
func (l *Ledger) EmergencyWithdraw(ctx context.Context, operator string, id uint64, asset string) (domain.WithdrawReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.isOperator(operator) {
		return domain.WithdrawReceipt{}, fmt.Errorf("allocation: emergency withdraw: operator %q: %w", operator, domain.ErrUnauthorizedCaller)
	}
	st, err := l.strategy(id)
	if err != nil {
		return domain.WithdrawReceipt{}, err
	}
	cur, ok := l.allocations[domain.AllocationKey{StrategyID: id, Asset: asset}]
	if !ok {
		return domain.WithdrawReceipt{}, fmt.Errorf("allocation: emergency withdraw %d:%s: %w", id, asset, domain.ErrNotFound)
	}

	release, err := l.acquire(ctx, assetLock(asset), allocLock(id, asset))
	if err != nil {
		return domain.WithdrawReceipt{}, err
	}
	defer release()

	if cur.Domain != l.cfg.LocalDomain {
		receipt, err := l.withdrawRemote(ctx, st, cur, domain.TransferEmergency, cur.CurrentValue, "")
		if err != nil {
			return domain.WithdrawReceipt{}, err
		}
		l.logger.WarnContext(ctx, "remote emergency withdrawal requested",
			slog.Uint64("strategy_id", id),
			slog.String("asset", asset),
			slog.String("operator", operator),
			slog.String("message_id", receipt.MessageID),
		)
		return receipt, nil
	}

	adapter, err := l.adapterFor(st)
	if err != nil {
		return domain.WithdrawReceipt{}, err
	}
	opCtx := domain.WithOperationID(ctx, uuid.NewString())
	balance, err := adapter.Balance(opCtx, asset)
	if err != nil {
		return domain.WithdrawReceipt{}, fmt.Errorf("allocation: emergency withdraw %d:%s: balance: %w", id, asset, err)
	}
	received, err := adapter.EmergencyWithdraw(opCtx, asset)
	if err != nil {
		return domain.WithdrawReceipt{}, fmt.Errorf("allocation: emergency withdraw %d:%s: adapter: %w", id, asset, err)
	}
	if err := l.settleWithdrawal(ctx, st, cur, balance, received, true); err != nil {
		return domain.WithdrawReceipt{}, err
	}

	l.publish(ctx, domain.Event{
		Type:       domain.EventEmergencyWithdrawal,
		StrategyID: id,
		Asset:      asset,
		Amount:     received,
		Principal:  cur.Principal,
		Domain:     cur.Domain,
		Detail:     operator,
	})
	l.logger.WarnContext(ctx, "emergency withdrawal",
		slog.Uint64("strategy_id", id),
		slog.String("asset", asset),
		slog.String("operator", operator),
		slog.String("received", received.String()),
	)
	return domain.WithdrawReceipt{
		Status:    domain.TransferCompleted,
		Requested: balance,
		Received:  received,
	}, nil
}
