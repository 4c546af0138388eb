// Package erc4626 is a StrategyAdapter for tokenized vaults that follow
// EIP-4626. It holds the position in the operator account, signs EIP-1559
// transactions and waits for them to be mined.
package erc4626

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/yieldrouter/internal/crypto"
	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// Market binds one router asset to a vault and its underlying token.
type Market struct {
	Vault common.Address
	Token common.Address
}

// Config configures an Adapter.
type Config struct {
	// Markets maps router asset ids to on-chain vaults.
	Markets        map[string]Market
	GasBufferPct   uint64
	ReceiptPoll    time.Duration
	ReceiptTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.GasBufferPct == 0 {
		c.GasBufferPct = 20
	}
	if c.ReceiptPoll <= 0 {
		c.ReceiptPoll = 2 * time.Second
	}
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 3 * time.Minute
	}
	return c
}

type result struct {
	amount decimal.Decimal
	err    error
}

// Adapter implements domain.StrategyAdapter against ERC-4626 vaults. It
// tracks the value already reported to the caller per asset; Harvest reports
// everything above it as yield and leaves the yield in the vault.
type Adapter struct {
	backend Backend
	signer  *crypto.Signer
	cfg     Config
	logger  *slog.Logger

	// mu serializes transactions so nonces stay ordered.
	mu     sync.Mutex
	booked map[string]decimal.Decimal
	seen   map[string]result
}

// New creates an Adapter. backend is usually an *ethclient.Client.
func New(backend Backend, signer *crypto.Signer, cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		backend:   backend,
		signer:    signer,
		cfg:       cfg.withDefaults(),
		logger:    logger.With(slog.String("component", "erc4626"), slog.String("account", signer.Address().Hex())),
		booked:    make(map[string]decimal.Decimal),
		seen:      make(map[string]result),
	}
}

// SetBooked seeds the value of asset already reported to the allocation
// ledger, i.e. the allocation's current value after a restart.
func (a *Adapter) SetBooked(asset string, amount decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.booked[asset] = amount
}

// Booked returns the value of asset already reported as deposited or
// harvested.
func (a *Adapter) Booked(asset string) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.booked[asset]
}

func (a *Adapter) market(asset string) (Market, error) {
	m, ok := a.cfg.Markets[asset]
	if !ok {
		return Market{}, fmt.Errorf("erc4626: asset %s: %w", asset, domain.ErrUnsupportedAsset)
	}
	return m, nil
}

// Deposit approves the vault and deposits amount for the operator account.
func (a *Adapter) Deposit(ctx context.Context, asset string, amount decimal.Decimal) (bool, error) {
	r := a.once(ctx, "deposit", func() result {
		m, err := a.market(asset)
		if err != nil {
			return result{err: err}
		}
		units, err := toUnits(amount)
		if err != nil {
			return result{err: err}
		}
		if _, err := a.transact(ctx, m.Token, tokenABI, "approve", m.Vault, units); err != nil {
			return result{err: err}
		}
		if _, err := a.transact(ctx, m.Vault, vaultABI, "deposit", units, a.signer.Address()); err != nil {
			return result{err: err}
		}
		a.booked[asset] = a.booked[asset].Add(amount)
		return result{amount: amount}
	})
	return r.err == nil, r.err
}

// Withdraw takes amount of underlying out of the vault.
func (a *Adapter) Withdraw(ctx context.Context, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	r := a.once(ctx, "withdraw", func() result {
		received, err := a.withdraw(ctx, asset, amount)
		if err != nil {
			return result{err: err}
		}
		b := a.booked[asset]
		a.booked[asset] = b.Sub(decimal.Min(b, received))
		return result{amount: received}
	})
	return r.amount, r.err
}

// withdraw runs vault.withdraw after checking maxWithdraw. Callers hold mu.
func (a *Adapter) withdraw(ctx context.Context, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	m, err := a.market(asset)
	if err != nil {
		return decimal.Zero, err
	}
	units, err := toUnits(amount)
	if err != nil {
		return decimal.Zero, err
	}
	maxUnits, err := a.callUint(ctx, m.Vault, vaultABI, "maxWithdraw", a.signer.Address())
	if err != nil {
		return decimal.Zero, err
	}
	if units.Cmp(maxUnits) > 0 {
		return decimal.Zero, fmt.Errorf("erc4626: withdraw %s of %s: %w", amount, fromUnits(maxUnits), domain.ErrInsufficientLiquidity)
	}
	self := a.signer.Address()
	receipt, err := a.transact(ctx, m.Vault, vaultABI, "withdraw", units, self, self)
	if err != nil {
		return decimal.Zero, err
	}
	if got, ok := withdrawnAssets(receipt, m.Vault); ok {
		return fromUnits(got), nil
	}
	return amount, nil
}

// Harvest reports the value above what was already booked. No transaction
// is sent: the yield stays in the vault and compounds until it is withdrawn.
func (a *Adapter) Harvest(ctx context.Context, asset string) (decimal.Decimal, error) {
	r := a.once(ctx, "harvest", func() result {
		value, err := a.balance(ctx, asset)
		if err != nil {
			return result{err: err}
		}
		yield := value.Sub(a.booked[asset])
		if !yield.IsPositive() {
			return result{amount: decimal.Zero}
		}
		a.booked[asset] = value
		a.logger.InfoContext(ctx, "yield harvested",
			slog.String("asset", asset),
			slog.String("yield", yield.String()),
		)
		return result{amount: yield}
	})
	return r.amount, r.err
}

// Balance returns the underlying value of the operator's vault shares.
func (a *Adapter) Balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	return a.balance(ctx, asset)
}

func (a *Adapter) balance(ctx context.Context, asset string) (decimal.Decimal, error) {
	m, err := a.market(asset)
	if err != nil {
		return decimal.Zero, err
	}
	shares, err := a.callUint(ctx, m.Vault, vaultABI, "balanceOf", a.signer.Address())
	if err != nil {
		return decimal.Zero, err
	}
	if shares.Sign() == 0 {
		return decimal.Zero, nil
	}
	assets, err := a.callUint(ctx, m.Vault, vaultABI, "convertToAssets", shares)
	if err != nil {
		return decimal.Zero, err
	}
	return fromUnits(assets), nil
}

// EmergencyWithdraw redeems every share the operator holds.
func (a *Adapter) EmergencyWithdraw(ctx context.Context, asset string) (decimal.Decimal, error) {
	r := a.once(ctx, "emergency", func() result {
		m, err := a.market(asset)
		if err != nil {
			return result{err: err}
		}
		self := a.signer.Address()
		shares, err := a.callUint(ctx, m.Vault, vaultABI, "balanceOf", self)
		if err != nil {
			return result{err: err}
		}
		if shares.Sign() == 0 {
			a.booked[asset] = decimal.Zero
			return result{amount: decimal.Zero}
		}
		expected, err := a.callUint(ctx, m.Vault, vaultABI, "convertToAssets", shares)
		if err != nil {
			return result{err: err}
		}
		receipt, err := a.transact(ctx, m.Vault, vaultABI, "redeem", shares, self, self)
		if err != nil {
			return result{err: err}
		}
		received := fromUnits(expected)
		if got, ok := withdrawnAssets(receipt, m.Vault); ok {
			received = fromUnits(got)
		}
		a.booked[asset] = decimal.Zero
		a.logger.WarnContext(ctx, "position redeemed",
			slog.String("asset", asset),
			slog.String("received", received.String()),
		)
		return result{amount: received}
	})
	return r.amount, r.err
}

// once serializes the call and replays the first successful result for a
// repeated operation id.
func (a *Adapter) once(ctx context.Context, op string, fn func() result) result {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, hasID := domain.OperationID(ctx)
	key := op + "/" + id
	if hasID {
		if r, ok := a.seen[key]; ok {
			return r
		}
	}
	r := fn()
	if hasID && r.err == nil {
		a.seen[key] = r
	}
	return r
}

func toUnits(d decimal.Decimal) (*big.Int, error) {
	if !d.IsPositive() || !d.Equal(d.Truncate(0)) {
		return nil, fmt.Errorf("erc4626: amount %s: %w", d, domain.ErrInvalidAmount)
	}
	return d.BigInt(), nil
}

func fromUnits(b *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(b, 0)
}

var _ domain.StrategyAdapter = (*Adapter)(nil)
