// Package vault implements the share-based asset ledger. It owns every asset
// slot and share balance of the local domain; capital leaves it only through
// the StrategyAccess handle bound by the allocation ledger.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// DeadHolder receives the minimum shares locked by the first deposit of each
// slot. Those shares can never be redeemed.
const DeadHolder = "0x000000000000000000000000000000000000dEaD"

// Config holds the ledger's tunables.
type Config struct {
	// MaxAllocationBps caps the share of a slot's assets that may sit in
	// strategies. Defaults to 8000.
	MaxAllocationBps int64
	// MinimumShares is locked to DeadHolder on a slot's first deposit.
	// Defaults to 1000 base units.
	MinimumShares decimal.Decimal
}

func (c Config) withDefaults() Config {
	if c.MaxAllocationBps <= 0 {
		c.MaxAllocationBps = 8000
	}
	if c.MinimumShares.IsZero() {
		c.MinimumShares = decimal.NewFromInt(1000)
	}
	return c
}

// Ledger is the AssetLedger. All mutating calls run under one mutex for their
// whole duration.
type Ledger struct {
	mu        sync.Mutex
	slots     map[string]*domain.AssetSlot
	shares    map[string]map[string]decimal.Decimal // asset -> holder -> shares
	paused    bool
	maxBps    int64
	minShares decimal.Decimal
	allocator string

	store  domain.VaultStore
	events domain.EventSink
	logger *slog.Logger
	now    func() time.Time
}

// New creates an empty Ledger. Call Restore to load persisted state.
func New(cfg Config, store domain.VaultStore, events domain.EventSink, logger *slog.Logger) *Ledger {
	cfg = cfg.withDefaults()
	if events == nil {
		events = domain.NopSink{}
	}
	return &Ledger{
		slots:     make(map[string]*domain.AssetSlot),
		shares:    make(map[string]map[string]decimal.Decimal),
		maxBps:    cfg.MaxAllocationBps,
		minShares: cfg.MinimumShares,
		store:     store,
		events:    events,
		logger:    logger.With(slog.String("component", "vault")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Restore replaces in-memory state with the store's contents.
func (l *Ledger) Restore(ctx context.Context) error {
	slots, err := l.store.ListSlots(ctx)
	if err != nil {
		return fmt.Errorf("vault: restore slots: %w", err)
	}
	balances, err := l.store.ListShareBalances(ctx)
	if err != nil {
		return fmt.Errorf("vault: restore balances: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.slots = make(map[string]*domain.AssetSlot, len(slots))
	l.shares = make(map[string]map[string]decimal.Decimal, len(slots))
	for i := range slots {
		s := slots[i]
		l.slots[s.Asset] = &s
		l.shares[s.Asset] = make(map[string]decimal.Decimal)
	}
	for _, b := range balances {
		if _, ok := l.shares[b.Asset]; !ok {
			l.shares[b.Asset] = make(map[string]decimal.Decimal)
		}
		l.shares[b.Asset][b.Holder] = b.Shares
	}
	l.logger.InfoContext(ctx, "vault restored",
		slog.Int("slots", len(slots)),
		slog.Int("balances", len(balances)),
	)
	return nil
}

// AddAsset registers a supported asset, or reactivates a deactivated one.
func (l *Ledger) AddAsset(ctx context.Context, asset string) error {
	if asset == "" {
		return fmt.Errorf("vault: add asset: %w", domain.ErrUnsupportedAsset)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	next := domain.AssetSlot{
		Asset:                 asset,
		TotalShares:           decimal.Zero,
		TotalAssetsHeld:       decimal.Zero,
		AllocatedToStrategies: decimal.Zero,
		CumulativeYield:       decimal.Zero,
	}
	if cur, ok := l.slots[asset]; ok {
		if cur.Active {
			return nil
		}
		next = *cur
	}
	next.Active = true
	next.LastUpdate = l.now()
	return l.commit(ctx, next)
}

// SetAssetActive toggles whether new deposits are accepted for asset.
// Withdrawals stay open for inactive assets.
func (l *Ledger) SetAssetActive(ctx context.Context, asset string, active bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.slots[asset]
	if !ok {
		return fmt.Errorf("vault: set active %s: %w", asset, domain.ErrUnsupportedAsset)
	}
	next := *cur
	next.Active = active
	next.LastUpdate = l.now()
	return l.commit(ctx, next)
}

// Deposit mints shares for amount at the current exchange rate. The first
// deposit of a slot mints 1:1 and locks MinimumShares to DeadHolder.
func (l *Ledger) Deposit(ctx context.Context, asset string, amount decimal.Decimal, depositor string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.paused {
		return decimal.Zero, domain.ErrPaused
	}
	if depositor == "" {
		return decimal.Zero, fmt.Errorf("vault: deposit: empty depositor: %w", domain.ErrUnauthorizedCaller)
	}
	if !isUnits(amount) {
		return decimal.Zero, fmt.Errorf("vault: deposit %s: %w", amount, domain.ErrInvalidAmount)
	}
	cur, ok := l.slots[asset]
	if !ok || !cur.Active {
		return decimal.Zero, fmt.Errorf("vault: deposit %s: %w", asset, domain.ErrUnsupportedAsset)
	}

	next := *cur
	var balances []domain.ShareBalance
	var minted decimal.Decimal

	if next.TotalShares.IsZero() {
		if amount.LessThanOrEqual(l.minShares) {
			return decimal.Zero, fmt.Errorf("vault: first deposit must exceed %s units: %w", l.minShares, domain.ErrInvalidAmount)
		}
		minted = amount.Sub(l.minShares)
		next.TotalShares = amount
		balances = append(balances, domain.ShareBalance{
			Asset:  asset,
			Holder: DeadHolder,
			Shares: l.sharesOf(asset, DeadHolder).Add(l.minShares),
		})
	} else {
		if !next.TotalAssetsHeld.IsPositive() {
			return decimal.Zero, fmt.Errorf("vault: deposit %s: slot holds no assets: %w", asset, domain.ErrInvalidAmount)
		}
		minted = amount.Mul(next.TotalShares).Div(next.TotalAssetsHeld).Floor()
		if !minted.IsPositive() {
			return decimal.Zero, fmt.Errorf("vault: deposit %s mints zero shares: %w", amount, domain.ErrInvalidAmount)
		}
		next.TotalShares = next.TotalShares.Add(minted)
	}
	next.TotalAssetsHeld = next.TotalAssetsHeld.Add(amount)
	next.LastUpdate = l.now()
	balances = append(balances, domain.ShareBalance{
		Asset:  asset,
		Holder: depositor,
		Shares: l.sharesOf(asset, depositor).Add(minted),
	})

	if err := l.commit(ctx, next, balances...); err != nil {
		return decimal.Zero, err
	}

	l.publish(ctx, domain.Event{
		Type:   domain.EventVaultDeposit,
		Asset:  asset,
		Amount: amount,
		Detail: depositor,
	})
	return minted, nil
}

// Withdraw burns shares held by holder and returns the redeemed amount. It
// fails with ErrInsufficientLiquidity when the uncommitted balance cannot
// cover the redemption or the remaining assets would no longer back the
// current strategy allocations under the cap.
func (l *Ledger) Withdraw(ctx context.Context, asset string, shares decimal.Decimal, holder string) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.paused {
		return decimal.Zero, domain.ErrPaused
	}
	if !isUnits(shares) {
		return decimal.Zero, fmt.Errorf("vault: withdraw %s shares: %w", shares, domain.ErrInvalidAmount)
	}
	cur, ok := l.slots[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("vault: withdraw %s: %w", asset, domain.ErrUnsupportedAsset)
	}
	held := l.sharesOf(asset, holder)
	if held.LessThan(shares) {
		return decimal.Zero, fmt.Errorf("vault: withdraw: %s holds %s shares: %w", holder, held, domain.ErrInsufficientShares)
	}

	next := *cur
	amount := shares.Mul(next.TotalAssetsHeld).Div(next.TotalShares).Floor()
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("vault: withdraw %s shares redeems zero: %w", shares, domain.ErrInvalidAmount)
	}
	if amount.GreaterThan(next.Available()) {
		return decimal.Zero, fmt.Errorf("vault: withdraw %s of %s available: %w", amount, next.Available(), domain.ErrInsufficientLiquidity)
	}
	next.TotalShares = next.TotalShares.Sub(shares)
	next.TotalAssetsHeld = next.TotalAssetsHeld.Sub(amount)
	if !l.withinCap(next) {
		return decimal.Zero, fmt.Errorf("vault: withdraw %s would breach allocation cap: %w", amount, domain.ErrInsufficientLiquidity)
	}
	next.LastUpdate = l.now()

	if err := l.commit(ctx, next, domain.ShareBalance{
		Asset:  asset,
		Holder: holder,
		Shares: held.Sub(shares),
	}); err != nil {
		return decimal.Zero, err
	}

	l.publish(ctx, domain.Event{
		Type:   domain.EventVaultWithdraw,
		Asset:  asset,
		Amount: amount,
		Detail: holder,
	})
	return amount, nil
}

// PreviewDeposit returns the shares amount would mint right now.
func (l *Ledger) PreviewDeposit(asset string, amount decimal.Decimal) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[asset]
	if !ok {
		return decimal.Zero
	}
	if s.TotalShares.IsZero() {
		return decimal.Max(amount.Sub(l.minShares), decimal.Zero)
	}
	if !s.TotalAssetsHeld.IsPositive() {
		return decimal.Zero
	}
	return amount.Mul(s.TotalShares).Div(s.TotalAssetsHeld).Floor()
}

// PreviewRedeem returns the assets shares would redeem right now.
func (l *Ledger) PreviewRedeem(asset string, shares decimal.Decimal) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[asset]
	if !ok || s.TotalShares.IsZero() {
		return decimal.Zero
	}
	return shares.Mul(s.TotalAssetsHeld).Div(s.TotalShares).Floor()
}

// Available returns the uncommitted balance of asset.
func (l *Ledger) Available(asset string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[asset]
	if !ok {
		return decimal.Zero
	}
	return s.Available()
}

// Slot returns a copy of the slot for asset.
func (l *Ledger) Slot(asset string) (domain.AssetSlot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[asset]
	if !ok {
		return domain.AssetSlot{}, fmt.Errorf("vault: slot %s: %w", asset, domain.ErrNotFound)
	}
	return *s, nil
}

// Slots returns copies of every slot ordered by asset.
func (l *Ledger) Slots() []domain.AssetSlot {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.AssetSlot, 0, len(l.slots))
	for _, s := range l.slots {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// SharesOf returns holder's share balance for asset.
func (l *Ledger) SharesOf(asset, holder string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sharesOf(asset, holder)
}

// MaxAllocationBps returns the strategy allocation cap.
func (l *Ledger) MaxAllocationBps() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxBps
}

// SetMaxAllocationBps changes the strategy allocation cap. Lowering it below
// the current allocation of any slot is rejected.
func (l *Ledger) SetMaxAllocationBps(bps int64) error {
	if bps < 0 || bps > domain.BasisPoints {
		return fmt.Errorf("vault: max allocation %d: %w", bps, domain.ErrInvalidPercentage)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.maxBps
	l.maxBps = bps
	for _, s := range l.slots {
		if !l.withinCap(*s) {
			l.maxBps = prev
			return fmt.Errorf("vault: max allocation %d below current allocation of %s: %w", bps, s.Asset, domain.ErrInvalidAllocation)
		}
	}
	return nil
}

// Pause blocks every mutating call until Unpause.
func (l *Ledger) Pause() {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
	l.logger.Warn("vault paused")
}

// Unpause re-enables mutating calls.
func (l *Ledger) Unpause() {
	l.mu.Lock()
	l.paused = false
	l.mu.Unlock()
	l.logger.Info("vault unpaused")
}

// Paused reports whether the ledger is paused.
func (l *Ledger) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// CheckInvariants verifies the allocation cap and non-negative balances for
// every slot.
func (l *Ledger) CheckInvariants() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, s := range l.slots {
		if s.TotalAssetsHeld.IsNegative() || s.AllocatedToStrategies.IsNegative() || s.TotalShares.IsNegative() {
			return fmt.Errorf("vault: slot %s has negative balance", s.Asset)
		}
		if !l.withinCap(*s) {
			return fmt.Errorf("vault: slot %s allocated %s exceeds cap of %s", s.Asset, s.AllocatedToStrategies, domain.Bps(s.TotalAssetsHeld, l.maxBps))
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// internals; callers hold l.mu
// ---------------------------------------------------------------------------

func (l *Ledger) sharesOf(asset, holder string) decimal.Decimal {
	if m, ok := l.shares[asset]; ok {
		if s, ok := m[holder]; ok {
			return s
		}
	}
	return decimal.Zero
}

func (l *Ledger) withinCap(s domain.AssetSlot) bool {
	return s.AllocatedToStrategies.LessThanOrEqual(domain.Bps(s.TotalAssetsHeld, l.maxBps))
}

// commit persists next and the given balances, then installs them in memory.
// Nothing changes in memory when the store fails.
func (l *Ledger) commit(ctx context.Context, next domain.AssetSlot, balances ...domain.ShareBalance) error {
	if err := l.store.SaveSlot(ctx, next, balances...); err != nil {
		return fmt.Errorf("vault: persist slot %s: %w", next.Asset, err)
	}
	l.slots[next.Asset] = &next
	m, ok := l.shares[next.Asset]
	if !ok {
		m = make(map[string]decimal.Decimal)
		l.shares[next.Asset] = m
	}
	for _, b := range balances {
		m[b.Holder] = b.Shares
	}
	return nil
}

func (l *Ledger) publish(ctx context.Context, evt domain.Event) {
	evt.OccurredAt = l.now()
	if err := l.events.Publish(ctx, evt); err != nil {
		l.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", string(evt.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// isUnits reports whether d is a positive whole number of base units.
func isUnits(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(d.Floor())
}
