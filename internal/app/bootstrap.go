package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/yieldrouter/internal/adapter/erc4626"
	"github.com/alanyoungcy/yieldrouter/internal/adapter/simulated"
	"github.com/alanyoungcy/yieldrouter/internal/allocation"
	"github.com/alanyoungcy/yieldrouter/internal/config"
	"github.com/alanyoungcy/yieldrouter/internal/crosschain"
	"github.com/alanyoungcy/yieldrouter/internal/crypto"
	"github.com/alanyoungcy/yieldrouter/internal/domain"
	"github.com/alanyoungcy/yieldrouter/internal/lock"
	"github.com/alanyoungcy/yieldrouter/internal/store/memory"
	"github.com/alanyoungcy/yieldrouter/internal/vault"
)

// simulatedSource is a simulated adapter that earns bps of its balance on
// every accrual tick.
type simulatedSource struct {
	name    string
	adapter *simulated.Adapter
	bps     int64
}

// bootstrap restores persisted ledger state and then applies the startup
// registrations from cfg. Registrations are idempotent, so a restarted
// process converges on the configured set without duplicating it.
func bootstrap(ctx context.Context, cfg *config.Config, deps *Dependencies, logger *slog.Logger) error {
	if err := deps.Vault.Restore(ctx); err != nil {
		return err
	}
	if err := deps.Allocation.Restore(ctx); err != nil {
		return err
	}
	if err := deps.Coordinator.Restore(ctx); err != nil {
		return err
	}

	for _, asset := range cfg.Vault.Assets {
		if err := deps.Vault.AddAsset(ctx, asset); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}
	for _, pool := range cfg.Allocation.Pools {
		if err := deps.Allocation.AddPool(ctx, pool); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}
	for _, op := range cfg.Allocation.Operators {
		if err := deps.Allocation.AddOperator(ctx, op); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}
	for _, r := range cfg.CrossChain.Remotes {
		if err := deps.Coordinator.AddDomain(ctx, r.ID, r.Coordinator); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}

	var evm *evmFactory
	if cfg.UsesAdapter("erc4626") {
		f, err := newEVMFactory(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		evm = f
	}

	if err := registerStrategies(ctx, cfg, deps, evm); err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	for _, h := range cfg.CrossChain.Hosted {
		name := h.Name
		if name == "" {
			name = fmt.Sprintf("hosted-%d", h.StrategyID)
		}
		adapter, err := buildAdapter(h.Adapter, name, 0, deps, evm)
		if err != nil {
			return fmt.Errorf("bootstrap: hosted strategy %d: %w", h.StrategyID, err)
		}
		deps.Coordinator.Host(h.StrategyID, adapter)
	}

	if deps.Network != nil {
		for _, r := range cfg.CrossChain.Remotes {
			if err := startPeer(ctx, cfg, r, deps, logger); err != nil {
				return fmt.Errorf("bootstrap: peer domain %d: %w", r.ID, err)
			}
		}
	}
	return nil
}

// registerStrategies registers the configured strategies. Strategies already
// restored from the store are matched by name and get a fresh adapter seeded
// with the position the ledger last recorded.
func registerStrategies(ctx context.Context, cfg *config.Config, deps *Dependencies, evm *evmFactory) error {
	existing := make(map[string]domain.Strategy)
	for _, st := range deps.Allocation.Strategies() {
		existing[st.Name] = st
	}
	positions := make(map[uint64][]domain.Allocation)
	for _, a := range deps.Allocation.Allocations() {
		positions[a.StrategyID] = append(positions[a.StrategyID], a)
	}

	for _, sc := range cfg.Strategies {
		domainID := sc.Domain
		if domainID == 0 {
			domainID = cfg.Domain.ID
		}

		if sc.Adapter == "remote" {
			if _, ok := existing[sc.Name]; ok {
				continue
			}
			if _, err := deps.Allocation.RegisterRemoteStrategy(ctx, sc.Name, domainID, sc.Entrypoints); err != nil {
				return err
			}
			continue
		}

		adapter, err := buildAdapter(sc.Adapter, sc.Name, sc.YieldBps, deps, evm)
		if err != nil {
			return fmt.Errorf("strategy %q: %w", sc.Name, err)
		}
		if st, ok := existing[sc.Name]; ok {
			seedAdapter(adapter, positions[st.ID])
			if err := deps.Allocation.AttachAdapter(st.ID, adapter); err != nil {
				return err
			}
			continue
		}
		if _, err := deps.Allocation.RegisterStrategy(ctx, sc.Name, adapter, domainID, sc.Entrypoints); err != nil {
			return err
		}
	}
	return nil
}

// buildAdapter constructs a local adapter of the given kind. Simulated
// adapters are recorded so the accrual loop can drive them.
func buildAdapter(kind, name string, yieldBps int64, deps *Dependencies, evm *evmFactory) (domain.StrategyAdapter, error) {
	switch kind {
	case "simulated":
		a := simulated.New(name)
		deps.Simulated = append(deps.Simulated, simulatedSource{name: name, adapter: a, bps: yieldBps})
		return a, nil
	case "erc4626":
		if evm == nil {
			return nil, fmt.Errorf("erc4626 adapter without chain config")
		}
		return evm.adapter(), nil
	default:
		return nil, fmt.Errorf("unsupported adapter %q", kind)
	}
}

func seedAdapter(adapter domain.StrategyAdapter, allocs []domain.Allocation) {
	for _, a := range allocs {
		switch ad := adapter.(type) {
		case *simulated.Adapter:
			ad.Seed(a.Asset, a.CurrentValue)
		case *erc4626.Adapter:
			ad.SetBooked(a.Asset, a.CurrentValue)
		}
	}
}

// evmFactory shares one RPC connection and signer between every ERC-4626
// adapter of the process.
type evmFactory struct {
	client *ethclient.Client
	signer *crypto.Signer
	cfg    erc4626.Config
	logger *slog.Logger
}

func newEVMFactory(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*evmFactory, error) {
	client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Chain.RPCURL, err)
	}
	signer, err := crypto.LoadSigner(crypto.KeyConfig{
		RawPrivateKey:    cfg.Chain.PrivateKey,
		EncryptedKeyPath: cfg.Chain.EncryptedKeyPath,
		KeyPassword:      cfg.Chain.KeyPassword,
	}, cfg.Chain.ChainID)
	if err != nil {
		client.Close()
		return nil, err
	}

	markets := make(map[string]erc4626.Market, len(cfg.Chain.Markets))
	for _, m := range cfg.Chain.Markets {
		markets[m.Asset] = erc4626.Market{
			Vault: common.HexToAddress(m.Vault),
			Token: common.HexToAddress(m.Token),
		}
	}
	logger.Info("erc4626 adapters enabled",
		slog.String("account", signer.Address().Hex()),
		slog.Int64("chain_id", cfg.Chain.ChainID),
		slog.Int("markets", len(markets)),
	)
	return &evmFactory{
		client: client,
		signer: signer,
		cfg: erc4626.Config{
			Markets:        markets,
			GasBufferPct:   cfg.Chain.GasBufferPct,
			ReceiptTimeout: cfg.Chain.ReceiptTimeout.Duration,
		},
		logger: logger,
	}, nil
}

func (f *evmFactory) adapter() *erc4626.Adapter {
	return erc4626.New(f.client, f.signer, f.cfg, f.logger)
}

// startPeer runs a remote domain in-process on the memory network. The peer
// hosts a simulated adapter for every local strategy that targets it, which
// makes a single binary a complete multi-domain simulation.
func startPeer(ctx context.Context, cfg *config.Config, r config.RemoteDomainConfig, deps *Dependencies, logger *slog.Logger) error {
	peerLogger := logger.With(slog.Uint64("peer_domain", uint64(r.ID)))
	st := memory.New()
	v := vault.New(vault.Config{}, st, nil, peerLogger)
	settler, err := allocation.New(allocation.Config{LocalDomain: r.ID}, allocation.Deps{
		Vault:  v,
		Locks:  lock.New(),
		Store:  st,
		Logger: peerLogger,
	})
	if err != nil {
		return err
	}
	peer := crosschain.New(crosschain.Config{
		LocalDomain: r.ID,
		Address:     r.Coordinator,
	}, crosschain.Deps{
		Messenger: deps.Network.Endpoint(r.ID),
		Settler:   settler,
		Oracle:    deps.Oracle,
		Store:     st,
		Logger:    peerLogger,
	})
	settler.SetDispatcher(peer)
	if err := peer.AddDomain(ctx, cfg.Domain.ID, cfg.Domain.Address); err != nil {
		return err
	}

	positions := make(map[uint64][]domain.Allocation)
	for _, a := range deps.Allocation.Allocations() {
		positions[a.StrategyID] = append(positions[a.StrategyID], a)
	}
	yields := make(map[string]int64, len(cfg.Strategies))
	for _, sc := range cfg.Strategies {
		yields[sc.Name] = sc.YieldBps
	}

	hosted := 0
	for _, s := range deps.Allocation.Strategies() {
		if s.Domain != r.ID {
			continue
		}
		a := simulated.New(s.Name)
		seedAdapter(a, positions[s.ID])
		peer.Host(s.ID, a)
		deps.Simulated = append(deps.Simulated, simulatedSource{name: s.Name, adapter: a, bps: yields[s.Name]})
		hosted++
	}
	deps.Network.Register(r.ID, peer)

	peerLogger.Info("simulated peer domain started",
		slog.String("coordinator", r.Coordinator),
		slog.Int("hosted_strategies", hosted),
	)
	return nil
}
