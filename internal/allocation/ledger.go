// Package allocation implements the strategy registry and allocation ledger.
// It is the only component that moves capital between the vault and
// strategy adapters, and the only one that asks the cross-chain coordinator
// to move capital to other domains.
package allocation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
	"github.com/alanyoungcy/yieldrouter/internal/vault"
)

const settingMaxAllocation = "max_strategy_allocation_bps"

// Dispatcher hands a cross-domain request to the coordinator, which assigns
// the message id and records the transfer as pending.
type Dispatcher interface {
	Dispatch(ctx context.Context, t domain.Transfer) (domain.Transfer, error)
}

// Config holds the ledger's tunables.
type Config struct {
	// LocalDomain is the settlement domain this ledger runs in.
	LocalDomain uint32
	// MaxAllocationBps caps what one strategy may hold of an asset, relative
	// to the vault's total assets. Defaults to 5000.
	MaxAllocationBps int64
	// MaxStrategyValue, when positive, caps the reference-currency value of
	// everything one strategy holds across assets.
	MaxStrategyValue decimal.Decimal
	// MaxPriceAge rejects oracle quotes older than this.
	MaxPriceAge time.Duration
	// LockTTL bounds how long a keyed lock may be held.
	LockTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAllocationBps <= 0 {
		c.MaxAllocationBps = 5000
	}
	if c.MaxPriceAge <= 0 {
		c.MaxPriceAge = 5 * time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	return c
}

// Ledger is the StrategyRegistry and AllocationLedger.
type Ledger struct {
	mu sync.Mutex

	cfg         Config
	capBps      int64
	nextID      uint64
	strategies  map[uint64]domain.Strategy
	adapters    map[uint64]domain.StrategyAdapter
	allocations map[domain.AllocationKey]domain.Allocation
	pools       map[string]struct{}
	operators   map[string]struct{}

	vault      *vault.Ledger
	access     *vault.StrategyAccess
	dispatcher Dispatcher
	oracle     domain.PriceOracle
	locks      domain.LockManager
	store      domain.StrategyStore
	events     domain.EventSink
	logger     *slog.Logger
	now        func() time.Time
}

// Deps are the collaborators of a Ledger. Oracle may be nil when no
// reference-currency cap is configured.
type Deps struct {
	Vault  *vault.Ledger
	Oracle domain.PriceOracle
	Locks  domain.LockManager
	Store  domain.StrategyStore
	Events domain.EventSink
	Logger *slog.Logger
}

// New creates a Ledger and binds it as the vault's allocator.
func New(cfg Config, deps Deps) (*Ledger, error) {
	cfg = cfg.withDefaults()
	access, err := deps.Vault.BindAllocator("allocation")
	if err != nil {
		return nil, fmt.Errorf("allocation: bind vault: %w", err)
	}
	events := deps.Events
	if events == nil {
		events = domain.NopSink{}
	}
	return &Ledger{
		cfg:         cfg,
		capBps:      cfg.MaxAllocationBps,
		nextID:      1,
		strategies:  make(map[uint64]domain.Strategy),
		adapters:    make(map[uint64]domain.StrategyAdapter),
		allocations: make(map[domain.AllocationKey]domain.Allocation),
		pools:       make(map[string]struct{}),
		operators:   make(map[string]struct{}),
		vault:       deps.Vault,
		access:      access,
		oracle:      deps.Oracle,
		locks:       deps.Locks,
		store:       deps.Store,
		events:      events,
		logger:      deps.Logger.With(slog.String("component", "allocation")),
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetDispatcher installs the cross-chain coordinator. It must be called
// before any cross-domain operation.
func (l *Ledger) SetDispatcher(d Dispatcher) {
	l.mu.Lock()
	l.dispatcher = d
	l.mu.Unlock()
}

// Restore reloads strategies, allocations, members and settings from the
// store. Adapters are not persisted; reattach them with AttachAdapter.
func (l *Ledger) Restore(ctx context.Context) error {
	strategies, err := l.store.ListStrategies(ctx)
	if err != nil {
		return fmt.Errorf("allocation: restore strategies: %w", err)
	}
	allocs, err := l.store.ListAllocations(ctx)
	if err != nil {
		return fmt.Errorf("allocation: restore allocations: %w", err)
	}
	pools, err := l.store.ListMembers(ctx, domain.RolePool)
	if err != nil {
		return fmt.Errorf("allocation: restore pools: %w", err)
	}
	operators, err := l.store.ListMembers(ctx, domain.RoleOperator)
	if err != nil {
		return fmt.Errorf("allocation: restore operators: %w", err)
	}
	settings, err := l.store.Settings(ctx)
	if err != nil {
		return fmt.Errorf("allocation: restore settings: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, s := range strategies {
		l.strategies[s.ID] = s
		if s.ID >= l.nextID {
			l.nextID = s.ID + 1
		}
	}
	for _, a := range allocs {
		l.allocations[a.Key()] = a
	}
	for _, p := range pools {
		l.pools[p] = struct{}{}
	}
	for _, o := range operators {
		l.operators[o] = struct{}{}
	}
	if v, ok := settings[settingMaxAllocation]; ok {
		bps, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("allocation: restore %s=%q: %w", settingMaxAllocation, v, err)
		}
		l.capBps = bps
	}
	l.logger.InfoContext(ctx, "allocation ledger restored",
		slog.Int("strategies", len(strategies)),
		slog.Int("allocations", len(allocs)),
	)
	return nil
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// RegisterStrategy registers a strategy served by a local adapter and returns
// its sequential id.
func (l *Ledger) RegisterStrategy(ctx context.Context, name string, adapter domain.StrategyAdapter, domainID uint32, entrypoints []string) (uint64, error) {
	if adapter == nil {
		return 0, fmt.Errorf("allocation: register %q: nil adapter: %w", name, domain.ErrInvalidStrategy)
	}
	return l.register(ctx, name, adapter, domainID, entrypoints)
}

// RegisterRemoteStrategy registers a strategy hosted by another domain's
// coordinator. It has no local adapter.
func (l *Ledger) RegisterRemoteStrategy(ctx context.Context, name string, domainID uint32, entrypoints []string) (uint64, error) {
	if domainID == l.cfg.LocalDomain {
		return 0, fmt.Errorf("allocation: register %q: remote strategy on local domain: %w", name, domain.ErrInvalidStrategy)
	}
	return l.register(ctx, name, nil, domainID, entrypoints)
}

func (l *Ledger) register(ctx context.Context, name string, adapter domain.StrategyAdapter, domainID uint32, entrypoints []string) (uint64, error) {
	if name == "" {
		return 0, fmt.Errorf("allocation: register: empty name: %w", domain.ErrInvalidStrategy)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := domain.Strategy{
		ID:             l.nextID,
		Name:           name,
		Domain:         domainID,
		Entrypoints:    append([]string(nil), entrypoints...),
		Active:         true,
		TotalAllocated: decimal.Zero,
		LastUpdate:     now,
		CreatedAt:      now,
	}
	if err := l.store.SaveStrategy(ctx, st); err != nil {
		return 0, fmt.Errorf("allocation: register %q: %w", name, err)
	}
	l.strategies[st.ID] = st
	if adapter != nil {
		l.adapters[st.ID] = adapter
	}
	l.nextID++

	l.logger.InfoContext(ctx, "strategy registered",
		slog.Uint64("strategy_id", st.ID),
		slog.String("name", name),
		slog.Uint64("domain", uint64(domainID)),
	)
	l.publish(ctx, domain.Event{
		Type:       domain.EventStrategyRegistered,
		StrategyID: st.ID,
		Domain:     domainID,
		Detail:     name,
	})
	return st.ID, nil
}

// AttachAdapter binds adapter to an already registered local strategy, as
// needed after Restore.
func (l *Ledger) AttachAdapter(id uint64, adapter domain.StrategyAdapter) error {
	if adapter == nil {
		return fmt.Errorf("allocation: attach %d: nil adapter: %w", id, domain.ErrInvalidStrategy)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.strategies[id]
	if !ok {
		return fmt.Errorf("allocation: attach %d: %w", id, domain.ErrInvalidStrategy)
	}
	if st.Domain != l.cfg.LocalDomain {
		return fmt.Errorf("allocation: attach %d: strategy lives on domain %d: %w", id, st.Domain, domain.ErrInvalidStrategy)
	}
	l.adapters[id] = adapter
	return nil
}

// DeactivateStrategy stops new investments into a strategy. Existing
// allocations can still be withdrawn.
func (l *Ledger) DeactivateStrategy(ctx context.Context, id uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.strategies[id]
	if !ok {
		return fmt.Errorf("allocation: deactivate %d: %w", id, domain.ErrInvalidStrategy)
	}
	if !st.Active {
		return nil
	}
	st.Active = false
	st.LastUpdate = l.now()
	if err := l.store.SaveStrategy(ctx, st); err != nil {
		return fmt.Errorf("allocation: deactivate %d: %w", id, err)
	}
	l.strategies[id] = st
	l.publish(ctx, domain.Event{
		Type:       domain.EventStrategyDeactivated,
		StrategyID: id,
		Domain:     st.Domain,
	})
	return nil
}

// AddPool allow-lists a pool for Invest and WithdrawFromStrategy.
func (l *Ledger) AddPool(ctx context.Context, poolID string) error {
	return l.addMember(ctx, domain.RolePool, poolID, l.pools)
}

// AddOperator allow-lists an operator for EmergencyWithdraw.
func (l *Ledger) AddOperator(ctx context.Context, operator string) error {
	return l.addMember(ctx, domain.RoleOperator, operator, l.operators)
}

func (l *Ledger) addMember(ctx context.Context, role, id string, set map[string]struct{}) error {
	if id == "" {
		return fmt.Errorf("allocation: add %s: empty id: %w", role, domain.ErrUnauthorizedCaller)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := set[id]; ok {
		return nil
	}
	if err := l.store.SaveMember(ctx, role, id); err != nil {
		return fmt.Errorf("allocation: add %s %s: %w", role, id, err)
	}
	set[id] = struct{}{}
	l.logger.InfoContext(ctx, "member added", slog.String("role", role), slog.String("id", id))
	return nil
}

// UpdateMaxAllocation changes the per-strategy cap in basis points.
func (l *Ledger) UpdateMaxAllocation(ctx context.Context, bps int64) error {
	if bps < 0 || bps > domain.BasisPoints {
		return fmt.Errorf("allocation: max allocation %d: %w", bps, domain.ErrInvalidPercentage)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.SaveSetting(ctx, settingMaxAllocation, strconv.FormatInt(bps, 10)); err != nil {
		return fmt.Errorf("allocation: max allocation: %w", err)
	}
	l.capBps = bps
	return nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Strategy returns the strategy with id.
func (l *Ledger) Strategy(id uint64) (domain.Strategy, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.strategies[id]
	if !ok {
		return domain.Strategy{}, fmt.Errorf("allocation: strategy %d: %w", id, domain.ErrNotFound)
	}
	return st, nil
}

// Strategies returns every registered strategy ordered by id.
func (l *Ledger) Strategies() []domain.Strategy {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.Strategy, 0, len(l.strategies))
	for _, st := range l.strategies {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Allocation returns the allocation of asset to strategy id.
func (l *Ledger) Allocation(id uint64, asset string) (domain.Allocation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a, ok := l.allocations[domain.AllocationKey{StrategyID: id, Asset: asset}]
	if !ok {
		return domain.Allocation{}, fmt.Errorf("allocation: %d:%s: %w", id, asset, domain.ErrNotFound)
	}
	return a, nil
}

// Allocations returns every allocation ordered by strategy and asset.
func (l *Ledger) Allocations() []domain.Allocation {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.Allocation, 0, len(l.allocations))
	for _, a := range l.allocations {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StrategyID != out[j].StrategyID {
			return out[i].StrategyID < out[j].StrategyID
		}
		return out[i].Asset < out[j].Asset
	})
	return out
}

// AvailableLiquidity returns the vault's uncommitted balance of asset.
func (l *Ledger) AvailableLiquidity(asset string) decimal.Decimal {
	return l.vault.Available(asset)
}

// MaxAllocationBps returns the per-strategy cap.
func (l *Ledger) MaxAllocationBps() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capBps
}

// CheckInvariants verifies the allocation invariants for every row.
func (l *Ledger) CheckInvariants() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for k, a := range l.allocations {
		if a.CurrentValue.IsNegative() || a.Principal.IsNegative() {
			return fmt.Errorf("allocation %s: negative balance", k)
		}
		if a.Principal.IsZero() && a.Active {
			return fmt.Errorf("allocation %s: active with zero principal", k)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// internals; callers hold l.mu
// ---------------------------------------------------------------------------

func (l *Ledger) isPool(id string) bool {
	_, ok := l.pools[id]
	return ok
}

func (l *Ledger) isOperator(id string) bool {
	_, ok := l.operators[id]
	return ok
}

func (l *Ledger) strategy(id uint64) (domain.Strategy, error) {
	st, ok := l.strategies[id]
	if !ok {
		return domain.Strategy{}, fmt.Errorf("allocation: strategy %d: %w", id, domain.ErrInvalidStrategy)
	}
	return st, nil
}

func (l *Ledger) isRemote(st domain.Strategy) bool {
	return st.Domain != l.cfg.LocalDomain
}

func (l *Ledger) adapterFor(st domain.Strategy) (domain.StrategyAdapter, error) {
	ad, ok := l.adapters[st.ID]
	if !ok {
		return nil, fmt.Errorf("allocation: strategy %d has no adapter attached: %w", st.ID, domain.ErrInvalidStrategy)
	}
	return ad, nil
}

// allocation returns the row for key, or a zero row if none exists yet.
func (l *Ledger) allocation(id uint64, asset string) domain.Allocation {
	if a, ok := l.allocations[domain.AllocationKey{StrategyID: id, Asset: asset}]; ok {
		return a
	}
	return domain.Allocation{
		StrategyID:        id,
		Asset:             asset,
		Principal:         decimal.Zero,
		CurrentValue:      decimal.Zero,
		PendingDeposit:    decimal.Zero,
		PendingWithdrawal: decimal.Zero,
		TotalHarvested:    decimal.Zero,
	}
}

// acquire takes the keyed locks in sorted order and returns one release func.
func (l *Ledger) acquire(ctx context.Context, keys ...string) (func(), error) {
	sort.Strings(keys)
	held := make([]func(), 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for i, k := range keys {
		if i > 0 && keys[i-1] == k {
			continue
		}
		unlock, err := l.locks.Acquire(ctx, k, l.cfg.LockTTL)
		if err != nil {
			release()
			return nil, fmt.Errorf("allocation: lock %s: %w", k, err)
		}
		held = append(held, unlock)
	}
	return release, nil
}

func assetLock(asset string) string { return "asset:" + asset }

func allocLock(id uint64, asset string) string { return fmt.Sprintf("alloc:%d:%s", id, asset) }

// commit persists st and allocs, then installs them. Memory is untouched when
// the store fails.
func (l *Ledger) commit(ctx context.Context, st domain.Strategy, allocs ...domain.Allocation) error {
	if err := l.store.SaveAllocations(ctx, allocs...); err != nil {
		return fmt.Errorf("allocation: persist allocations: %w", err)
	}
	if err := l.store.SaveStrategy(ctx, st); err != nil {
		return fmt.Errorf("allocation: persist strategy %d: %w", st.ID, err)
	}
	l.install(st, allocs...)
	return nil
}

// apply installs st and allocs, then persists them. It is used after an
// irreversible effect has already happened, so a store failure is logged and
// memory stays authoritative until the next successful write of the row.
func (l *Ledger) apply(ctx context.Context, st domain.Strategy, allocs ...domain.Allocation) {
	l.install(st, allocs...)
	if err := l.store.SaveAllocations(ctx, allocs...); err != nil {
		l.logger.ErrorContext(ctx, "persist allocations failed", slog.String("error", err.Error()))
	}
	if err := l.store.SaveStrategy(ctx, st); err != nil {
		l.logger.ErrorContext(ctx, "persist strategy failed",
			slog.Uint64("strategy_id", st.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (l *Ledger) install(st domain.Strategy, allocs ...domain.Allocation) {
	l.strategies[st.ID] = st
	for _, a := range allocs {
		l.allocations[a.Key()] = a
	}
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

func (l *Ledger) publishAllocation(ctx context.Context, a domain.Allocation, amount decimal.Decimal, messageID string) {
	l.publish(ctx, domain.Event{
		Type:         domain.EventAllocationUpdated,
		StrategyID:   a.StrategyID,
		Asset:        a.Asset,
		Amount:       amount,
		Principal:    a.Principal,
		CurrentValue: a.CurrentValue,
		MessageID:    messageID,
		Domain:       a.Domain,
	})
}
