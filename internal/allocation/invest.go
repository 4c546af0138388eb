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

type leg struct {
	asset  string
	amount decimal.Decimal
	before domain.Allocation
}

// Invest moves a percentage of the vault's available liquidity of each asset
// into a strategy. Local strategies are funded synchronously. Remote ones are
// funded through the coordinator and come back with a Pending receipt.
//
// Every check runs before anything moves. Once execution starts a failing
// leg rolls back the legs before it, so a local Invest either applies fully
// or leaves every balance unchanged.
func (l *Ledger) Invest(ctx context.Context, req domain.InvestRequest) (domain.InvestReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.isPool(req.PoolID) {
		return domain.InvestReceipt{}, fmt.Errorf("allocation: invest: pool %q: %w", req.PoolID, domain.ErrUnauthorizedCaller)
	}
	st, err := l.strategy(req.StrategyID)
	if err != nil {
		return domain.InvestReceipt{}, err
	}
	if !st.Active {
		return domain.InvestReceipt{}, fmt.Errorf("allocation: invest: strategy %d: %w", st.ID, domain.ErrStrategyNotActive)
	}
	dest, err := l.destination(st, req.DomainOverride)
	if err != nil {
		return domain.InvestReceipt{}, err
	}
	if err := validatePercentages(req.AssetIDs, req.Percentages); err != nil {
		return domain.InvestReceipt{}, err
	}
	remote := dest != l.cfg.LocalDomain
	if remote && l.dispatcher == nil {
		return domain.InvestReceipt{}, fmt.Errorf("allocation: invest: no coordinator for domain %d: %w", dest, domain.ErrUnknownDomain)
	}

	keys := make([]string, 0, 2*len(req.AssetIDs))
	for _, asset := range req.AssetIDs {
		keys = append(keys, assetLock(asset), allocLock(st.ID, asset))
	}
	release, err := l.acquire(ctx, keys...)
	if err != nil {
		return domain.InvestReceipt{}, err
	}
	defer release()

	legs, err := l.planLegs(st, dest, req)
	if err != nil {
		return domain.InvestReceipt{}, err
	}
	if err := l.checkValueCap(ctx, st.ID, legs); err != nil {
		return domain.InvestReceipt{}, err
	}

	depositID := uuid.NewString()
	if remote {
		return l.investRemote(ctx, st, dest, depositID, req, legs)
	}
	return l.investLocal(ctx, st, depositID, legs)
}

// destination resolves which domain receives the capital. An override only
// applies to remote strategies.
func (l *Ledger) destination(st domain.Strategy, override uint32) (uint32, error) {
	if override == 0 || override == st.Domain {
		return st.Domain, nil
	}
	if !l.isRemote(st) || override == l.cfg.LocalDomain {
		return 0, fmt.Errorf("allocation: strategy %d on domain %d cannot be routed to %d: %w", st.ID, st.Domain, override, domain.ErrInvalidStrategy)
	}
	return override, nil
}

func validatePercentages(assets []string, pcts []int64) error {
	if len(assets) == 0 || len(assets) != len(pcts) {
		return fmt.Errorf("allocation: %d assets with %d percentages: %w", len(assets), len(pcts), domain.ErrInvalidPercentage)
	}
	seen := make(map[string]struct{}, len(assets))
	var sum int64
	for i, p := range pcts {
		if p < 0 || p > domain.BasisPoints {
			return fmt.Errorf("allocation: percentage %d out of range: %w", p, domain.ErrInvalidPercentage)
		}
		if _, dup := seen[assets[i]]; dup {
			return fmt.Errorf("allocation: asset %s listed twice: %w", assets[i], domain.ErrInvalidPercentage)
		}
		seen[assets[i]] = struct{}{}
		sum += p
	}
	if sum > domain.BasisPoints {
		return fmt.Errorf("allocation: percentages sum to %d: %w", sum, domain.ErrInvalidPercentage)
	}
	return nil
}

func (l *Ledger) planLegs(st domain.Strategy, dest uint32, req domain.InvestRequest) ([]leg, error) {
	legs := make([]leg, 0, len(req.AssetIDs))
	for i, asset := range req.AssetIDs {
		slot, err := l.vault.Slot(asset)
		if err != nil {
			return nil, fmt.Errorf("allocation: invest %s: %w", asset, domain.ErrUnsupportedAsset)
		}
		amount := domain.Bps(slot.Available(), req.Percentages[i])
		if !amount.IsPositive() {
			return nil, fmt.Errorf("allocation: invest %s: computed amount is zero: %w", asset, domain.ErrInvalidAmount)
		}

		cur := l.allocation(st.ID, asset)
		if cur.PendingDeposit.IsPositive() || cur.PendingWithdrawal.IsPositive() {
			return nil, fmt.Errorf("allocation: invest %d:%s: %w", st.ID, asset, domain.ErrTransferPending)
		}
		if cur.Committed().IsPositive() && cur.Domain != dest {
			return nil, fmt.Errorf("allocation: invest %d:%s: capital already on domain %d: %w", st.ID, asset, cur.Domain, domain.ErrInvalidStrategy)
		}
		limit := domain.Bps(slot.TotalAssetsHeld, l.capBps)
		if cur.Committed().Add(amount).GreaterThan(limit) {
			return nil, fmt.Errorf("allocation: invest %d:%s: %s exceeds limit %s: %w",
				st.ID, asset, cur.Committed().Add(amount), limit, domain.ErrAllocationLimitExceeded)
		}
		legs = append(legs, leg{asset: asset, amount: amount, before: cur})
	}
	return legs, nil
}

// checkValueCap applies the optional reference-currency cap across every
// asset the strategy would hold after legs.
func (l *Ledger) checkValueCap(ctx context.Context, id uint64, legs []leg) error {
	if l.oracle == nil || !l.cfg.MaxStrategyValue.IsPositive() {
		return nil
	}
	held := make(map[string]decimal.Decimal)
	for k, a := range l.allocations {
		if k.StrategyID == id {
			held[k.Asset] = a.Committed()
		}
	}
	for _, lg := range legs {
		held[lg.asset] = held[lg.asset].Add(lg.amount)
	}

	total := decimal.Zero
	for asset, amount := range held {
		if amount.IsZero() {
			continue
		}
		price, age, err := l.oracle.Price(ctx, asset)
		if err != nil {
			return fmt.Errorf("allocation: price %s: %w", asset, err)
		}
		if age > l.cfg.MaxPriceAge {
			return fmt.Errorf("allocation: price %s is %s old: %w", asset, age, domain.ErrStalePrice)
		}
		total = total.Add(amount.Mul(price))
	}
	if total.GreaterThan(l.cfg.MaxStrategyValue) {
		return fmt.Errorf("allocation: strategy %d value %s exceeds %s: %w", id, total.StringFixed(2), l.cfg.MaxStrategyValue, domain.ErrAllocationLimitExceeded)
	}
	return nil
}

func (l *Ledger) investLocal(ctx context.Context, st domain.Strategy, depositID string, legs []leg) (domain.InvestReceipt, error) {
	adapter, err := l.adapterFor(st)
	if err != nil {
		return domain.InvestReceipt{}, err
	}

	var undo []func() error
	fail := func(err error) (domain.InvestReceipt, error) {
		errs := []error{err}
		for i := len(undo) - 1; i >= 0; i-- {
			if uerr := undo[i](); uerr != nil {
				errs = append(errs, fmt.Errorf("rollback: %w", uerr))
			}
		}
		if len(errs) > 1 {
			l.logger.ErrorContext(ctx, "invest rollback incomplete",
				slog.String("deposit_id", depositID),
				slog.String("error", errors.Join(errs[1:]...).Error()),
			)
		}
		return domain.InvestReceipt{}, errors.Join(errs...)
	}

	now := l.now()
	next := make([]domain.Allocation, 0, len(legs))
	for _, lg := range legs {
		if err := l.access.Allocate(ctx, lg.asset, lg.amount); err != nil {
			return fail(fmt.Errorf("allocation: invest %s: %w", lg.asset, err))
		}
		undo = append(undo, func() error {
			return l.access.Return(ctx, lg.asset, lg.amount, decimal.Zero)
		})

		opCtx := domain.WithOperationID(ctx, depositID+":"+lg.asset)
		ok, err := adapter.Deposit(opCtx, lg.asset, lg.amount)
		if err == nil && !ok {
			err = domain.ErrAdapterRejected
		}
		if err != nil {
			return fail(fmt.Errorf("allocation: invest %s: adapter deposit: %w", lg.asset, err))
		}
		undo = append(undo, func() error {
			rbCtx := domain.WithOperationID(ctx, depositID+":rollback:"+lg.asset)
			_, err := adapter.Withdraw(rbCtx, lg.asset, lg.amount)
			return err
		})

		a := lg.before
		a.Domain = l.cfg.LocalDomain
		a.Principal = a.Principal.Add(lg.amount)
		a.CurrentValue = a.CurrentValue.Add(lg.amount)
		a.Active = true
		a.UpdatedAt = now
		next = append(next, a)
		st.TotalAllocated = st.TotalAllocated.Add(lg.amount)
	}
	st.LastUpdate = now

	if err := l.commit(ctx, st, next...); err != nil {
		return fail(err)
	}

	receipt := domain.InvestReceipt{DepositID: depositID, Status: domain.TransferCompleted}
	for i, lg := range legs {
		receipt.Legs = append(receipt.Legs, domain.InvestLeg{Asset: lg.asset, Amount: lg.amount})
		l.publishAllocation(ctx, next[i], lg.amount, "")
	}
	l.logger.InfoContext(ctx, "invested",
		slog.String("deposit_id", depositID),
		slog.Uint64("strategy_id", st.ID),
		slog.Int("legs", len(legs)),
	)
	return receipt, nil
}

// investRemote reserves every leg in the vault, marks it pending and hands it
// to the coordinator. A sent message cannot be recalled: if a later send
// fails, the legs already sent stay pending and the rest are released.
func (l *Ledger) investRemote(ctx context.Context, st domain.Strategy, dest uint32, depositID string, req domain.InvestRequest, legs []leg) (domain.InvestReceipt, error) {
	now := l.now()
	reserved := 0
	var err error
	for _, lg := range legs {
		if err = l.access.Allocate(ctx, lg.asset, lg.amount); err != nil {
			err = fmt.Errorf("allocation: invest %s: %w", lg.asset, err)
			break
		}
		reserved++
	}
	if err == nil {
		next := make([]domain.Allocation, 0, len(legs))
		for _, lg := range legs {
			a := lg.before
			a.Domain = dest
			a.PendingDeposit = a.PendingDeposit.Add(lg.amount)
			a.UpdatedAt = now
			next = append(next, a)
		}
		err = l.commit(ctx, st, next...)
	}
	if err != nil {
		for _, lg := range legs[:reserved] {
			if rerr := l.access.Return(ctx, lg.asset, lg.amount, decimal.Zero); rerr != nil {
				err = errors.Join(err, fmt.Errorf("rollback %s: %w", lg.asset, rerr))
			}
		}
		return domain.InvestReceipt{}, err
	}

	receipt := domain.InvestReceipt{DepositID: depositID, Status: domain.TransferPending}
	for i, lg := range legs {
		t, derr := l.dispatcher.Dispatch(ctx, domain.Transfer{
			DepositID:         depositID,
			Kind:              domain.TransferDeposit,
			StrategyID:        st.ID,
			SourceDomain:      l.cfg.LocalDomain,
			DestinationDomain: dest,
			Asset:             lg.asset,
			TargetAsset:       req.TargetAsset,
			Amount:            lg.amount,
			PoolID:            req.PoolID,
		})
		if derr != nil {
			for _, rest := range legs[i:] {
				l.releaseReservation(ctx, st, rest)
			}
			if i == 0 {
				return domain.InvestReceipt{}, fmt.Errorf("allocation: invest: dispatch %s: %w", lg.asset, derr)
			}
			return receipt, fmt.Errorf("allocation: invest: dispatched %d of %d legs, %s failed: %w", i, len(legs), lg.asset, derr)
		}
		receipt.Legs = append(receipt.Legs, domain.InvestLeg{Asset: lg.asset, Amount: lg.amount, MessageID: t.MessageID})
	}
	l.logger.InfoContext(ctx, "cross-domain invest dispatched",
		slog.String("deposit_id", depositID),
		slog.Uint64("strategy_id", st.ID),
		slog.Uint64("domain", uint64(dest)),
		slog.Int("legs", len(legs)),
	)
	return receipt, nil
}

// releaseReservation undoes the pending deposit of a leg that was never sent.
func (l *Ledger) releaseReservation(ctx context.Context, st domain.Strategy, lg leg) {
	if err := l.access.Return(ctx, lg.asset, lg.amount, decimal.Zero); err != nil {
		l.logger.ErrorContext(ctx, "release reservation failed",
			slog.String("asset", lg.asset),
			slog.String("error", err.Error()),
		)
		return
	}
	a := l.allocation(st.ID, lg.asset)
	a.PendingDeposit = decimal.Max(a.PendingDeposit.Sub(lg.amount), decimal.Zero)
	a.UpdatedAt = l.now()
	l.apply(ctx, l.strategies[st.ID], a)
}
