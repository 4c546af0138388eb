package crosschain

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// Settler applies acknowledged cross-domain effects to the allocation
// ledger. allocation.Ledger implements it.
type Settler interface {
	RecordAllocation(ctx context.Context, strategyID uint64, asset string, amount decimal.Decimal, messageID string) error
	RevertPendingDeposit(ctx context.Context, strategyID uint64, asset string, amount decimal.Decimal, messageID string) error
	RecordWithdrawal(ctx context.Context, strategyID uint64, asset string, requested, received decimal.Decimal, full bool) error
	ReleasePendingWithdrawal(ctx context.Context, strategyID uint64, asset string, amount decimal.Decimal) error
	RecordHarvest(ctx context.Context, strategyID uint64, asset string, yield decimal.Decimal, messageID string) error
}

// Config identifies the local coordinator to its peers.
type Config struct {
	LocalDomain uint32
	// Address is this coordinator's reference as registered on remote
	// domains. Inbound messages must carry the address registered for
	// their source domain.
	Address string
}

// Coordinator drives the pending/completed/failed state machine of every
// outbound transfer and serves requests for locally hosted strategies.
type Coordinator struct {
	// recvMu serializes OnReceive and MarkFailed so that applying an effect
	// and marking its message processed happen as one step.
	recvMu sync.Mutex

	mu        sync.Mutex
	domains   map[uint32]domain.DomainInfo
	transfers map[string]domain.Transfer
	processed map[string]struct{}
	hosted    map[uint64]domain.StrategyAdapter

	// wmu guards the records the store refused; see Flush.
	wmu              sync.Mutex
	unsavedTransfers map[string]domain.Transfer
	unsavedReceipts  map[string][]domain.Transfer

	cfg       Config
	messenger domain.Messenger
	settler   Settler
	oracle    domain.PriceOracle
	store     domain.TransferStore
	events    domain.EventSink
	logger    *slog.Logger
	now       func() time.Time
}

// Deps are the collaborators of a Coordinator. Oracle is optional and only
// used by RefreshTVL.
type Deps struct {
	Messenger domain.Messenger
	Settler   Settler
	Oracle    domain.PriceOracle
	Store     domain.TransferStore
	Events    domain.EventSink
	Logger    *slog.Logger
}

// New creates a Coordinator. Call Restore to load persisted state.
func New(cfg Config, deps Deps) *Coordinator {
	events := deps.Events
	if events == nil {
		events = domain.NopSink{}
	}
	return &Coordinator{
		domains:   make(map[uint32]domain.DomainInfo),
		transfers: make(map[string]domain.Transfer),
		processed: make(map[string]struct{}),
		hosted:    make(map[uint64]domain.StrategyAdapter),
		cfg:       cfg,

		unsavedTransfers: make(map[string]domain.Transfer),
		unsavedReceipts:  make(map[string][]domain.Transfer),
		messenger: deps.Messenger,
		settler:   deps.Settler,
		oracle:    deps.Oracle,
		store:     deps.Store,
		events:    events,
		logger:    deps.Logger.With(slog.String("component", "crosschain")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Restore reloads domains, pending transfers and processed message ids.
func (c *Coordinator) Restore(ctx context.Context) error {
	domains, err := c.store.ListDomains(ctx)
	if err != nil {
		return fmt.Errorf("crosschain: restore domains: %w", err)
	}
	pending, err := c.store.ListTransfers(ctx, domain.TransferPending, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("crosschain: restore transfers: %w", err)
	}
	ids, err := c.store.ProcessedIDs(ctx)
	if err != nil {
		return fmt.Errorf("crosschain: restore processed ids: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range domains {
		c.domains[d.ID] = d
	}
	for _, t := range pending {
		c.transfers[t.MessageID] = t
	}
	for _, id := range ids {
		c.processed[id] = struct{}{}
	}
	c.logger.InfoContext(ctx, "coordinator restored",
		slog.Int("domains", len(domains)),
		slog.Int("pending", len(pending)),
		slog.Int("processed", len(ids)),
	)
	return nil
}

// AddDomain registers or reactivates a remote domain and the coordinator
// address it sends from.
func (c *Coordinator) AddDomain(ctx context.Context, id uint32, remoteCoordinator string) error {
	if id == c.cfg.LocalDomain {
		return fmt.Errorf("crosschain: add domain %d: local domain: %w", id, domain.ErrUnknownDomain)
	}
	if remoteCoordinator == "" {
		return fmt.Errorf("crosschain: add domain %d: empty coordinator: %w", id, domain.ErrInvalidSourceChain)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	d := c.domains[id]
	d.ID = id
	d.RemoteCoordinator = remoteCoordinator
	d.Active = true
	d.UpdatedAt = c.now()
	if err := c.store.SaveDomain(ctx, d); err != nil {
		return fmt.Errorf("crosschain: add domain %d: %w", id, err)
	}
	c.domains[id] = d
	c.logger.InfoContext(ctx, "domain registered",
		slog.Uint64("domain", uint64(id)),
		slog.String("coordinator", remoteCoordinator),
	)
	return nil
}

// DeactivateDomain stops sending to and accepting messages from a domain.
func (c *Coordinator) DeactivateDomain(ctx context.Context, id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.domains[id]
	if !ok {
		return fmt.Errorf("crosschain: deactivate domain %d: %w", id, domain.ErrUnknownDomain)
	}
	d.Active = false
	d.UpdatedAt = c.now()
	if err := c.store.SaveDomain(ctx, d); err != nil {
		return fmt.Errorf("crosschain: deactivate domain %d: %w", id, err)
	}
	c.domains[id] = d
	return nil
}

// Domains returns every registered domain ordered by id.
func (c *Coordinator) Domains() []domain.DomainInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.DomainInfo, 0, len(c.domains))
	for _, d := range c.domains {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Host makes adapter serve requests that remote domains send for strategyID.
func (c *Coordinator) Host(strategyID uint64, adapter domain.StrategyAdapter) {
	c.mu.Lock()
	c.hosted[strategyID] = adapter
	c.mu.Unlock()
}

// SendDeposit asks the destination domain to deposit t.Amount into a hosted
// strategy.
func (c *Coordinator) SendDeposit(ctx context.Context, t domain.Transfer) (domain.Transfer, error) {
	t.Kind = domain.TransferDeposit
	return c.Dispatch(ctx, t)
}

// SendWithdraw asks the destination domain to withdraw t.Amount from a hosted
// strategy.
func (c *Coordinator) SendWithdraw(ctx context.Context, t domain.Transfer) (domain.Transfer, error) {
	t.Kind = domain.TransferWithdraw
	return c.Dispatch(ctx, t)
}

// SendEmergencyWithdraw asks the destination domain to empty a hosted
// strategy's position in t.Asset.
func (c *Coordinator) SendEmergencyWithdraw(ctx context.Context, t domain.Transfer) (domain.Transfer, error) {
	t.Kind = domain.TransferEmergency
	return c.Dispatch(ctx, t)
}

// SendHarvest asks the destination domain to harvest a hosted strategy and
// report the yield.
func (c *Coordinator) SendHarvest(ctx context.Context, t domain.Transfer) (domain.Transfer, error) {
	t.Kind = domain.TransferHarvest
	t.Amount = decimal.Zero
	return c.Dispatch(ctx, t)
}

// Dispatch sends the request described by t and records it as pending under
// the messenger-assigned id. It returns as soon as the messenger accepts the
// payload.
func (c *Coordinator) Dispatch(ctx context.Context, t domain.Transfer) (domain.Transfer, error) {
	typ, err := requestType(t.Kind)
	if err != nil {
		return domain.Transfer{}, err
	}
	if t.DepositID == "" {
		t.DepositID = uuid.NewString()
	}
	t.SourceDomain = c.cfg.LocalDomain

	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.domains[t.DestinationDomain]
	if !ok || !d.Active {
		return domain.Transfer{}, fmt.Errorf("crosschain: send %s to %d: %w", t.Kind, t.DestinationDomain, domain.ErrUnknownDomain)
	}

	payload := Encode(Message{
		Type:              typ,
		StrategyID:        t.StrategyID,
		Asset:             t.Asset,
		TargetAsset:       t.TargetAsset,
		Amount:            t.Amount,
		PoolID:            t.PoolID,
		DepositID:         t.DepositID,
		SourceDomain:      c.cfg.LocalDomain,
		SourceCoordinator: c.cfg.Address,
	})
	// Nothing new goes out while earlier records are still unsaved.
	if err := c.Flush(ctx); err != nil {
		return domain.Transfer{}, fmt.Errorf("crosschain: send %s to %d: %w", t.Kind, t.DestinationDomain, err)
	}
	// The lock stays held across Send so an acknowledgement can never be
	// handled before its transfer is recorded.
	id, err := c.messenger.Send(ctx, t.DestinationDomain, payload)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("crosschain: send %s to %d: %w", t.Kind, t.DestinationDomain, err)
	}

	now := c.now()
	t.MessageID = id
	t.Status = domain.TransferPending
	t.SettledAmount = decimal.Zero
	t.CreatedAt = now
	t.UpdatedAt = now
	c.transfers[id] = t
	c.persistTransfer(ctx, t)

	c.logger.InfoContext(ctx, "transfer sent",
		slog.String("message_id", id),
		slog.String("kind", string(t.Kind)),
		slog.Uint64("strategy_id", t.StrategyID),
		slog.Uint64("domain", uint64(t.DestinationDomain)),
		slog.String("amount", t.Amount.String()),
	)
	switch t.Kind {
	case domain.TransferDeposit:
		c.publish(ctx, domain.EventCrossChainDepositInitiated, t, t.Amount, "")
	case domain.TransferWithdraw, domain.TransferEmergency:
		c.publish(ctx, domain.EventCrossChainWithdrawInitiated, t, t.Amount, "")
	}
	return t, nil
}

// Transfer returns the transfer recorded under messageID.
func (c *Coordinator) Transfer(ctx context.Context, messageID string) (domain.Transfer, error) {
	c.mu.Lock()
	t, ok := c.transfers[messageID]
	c.mu.Unlock()
	if ok {
		return t, nil
	}
	t, err := c.store.GetTransfer(ctx, messageID)
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("crosschain: transfer %s: %w", messageID, err)
	}
	return t, nil
}

// PendingTransfers returns every transfer still awaiting acknowledgement,
// oldest first.
func (c *Coordinator) PendingTransfers() []domain.Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []domain.Transfer
	for _, t := range c.transfers {
		if t.Status == domain.TransferPending {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out
}

// IsProcessed reports whether messageID has already been applied.
func (c *Coordinator) IsProcessed(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.processed[messageID]
	return ok
}

// RefreshTVL recomputes the cached value locked on each domain from allocs,
// priced through the oracle when one is configured.
func (c *Coordinator) RefreshTVL(ctx context.Context, allocs []domain.Allocation) error {
	totals := make(map[uint32]decimal.Decimal)
	prices := make(map[string]decimal.Decimal)
	for _, a := range allocs {
		if a.Domain == c.cfg.LocalDomain {
			continue
		}
		value := a.CurrentValue.Add(a.PendingDeposit)
		if c.oracle != nil {
			p, ok := prices[a.Asset]
			if !ok {
				price, _, err := c.oracle.Price(ctx, a.Asset)
				if err != nil {
					return fmt.Errorf("crosschain: tvl price %s: %w", a.Asset, err)
				}
				p = price
				prices[a.Asset] = p
			}
			value = value.Mul(p)
		}
		totals[a.Domain] = totals[a.Domain].Add(value)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for id, d := range c.domains {
		tvl, ok := totals[id]
		if !ok {
			tvl = decimal.Zero
		}
		d.TotalValueLocked = tvl
		d.UpdatedAt = now
		c.domains[id] = d
		if err := c.store.SaveDomain(ctx, d); err != nil {
			return fmt.Errorf("crosschain: save tvl of %d: %w", id, err)
		}
	}
	return nil
}

func (c *Coordinator) publish(ctx context.Context, typ domain.EventType, t domain.Transfer, amount decimal.Decimal, detail string) {
	evt := domain.Event{
		Type:       typ,
		StrategyID: t.StrategyID,
		Asset:      t.Asset,
		Amount:     amount,
		MessageID:  t.MessageID,
		DepositID:  t.DepositID,
		Domain:     t.DestinationDomain,
		Detail:     detail,
		OccurredAt: c.now(),
	}
	if err := c.events.Publish(ctx, evt); err != nil {
		c.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}
