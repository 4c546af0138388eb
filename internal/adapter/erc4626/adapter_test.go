package erc4626

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/yieldrouter/internal/crypto"
	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

var (
	vaultAddr = common.HexToAddress("0x000000000000000000000000000000000000a001")
	tokenAddr = common.HexToAddress("0x000000000000000000000000000000000000b001")
)

// chain simulates one ERC-4626 vault holding a single account's position.
type chain struct {
	mu        sync.Mutex
	t         *testing.T
	signer    types.Signer
	from      common.Address
	shares    *big.Int
	assets    *big.Int
	allowance *big.Int
	sent      []*types.Transaction
	receipts  map[common.Hash]*types.Receipt
	pending   int // receipts reported NotFound before being mined
	revert    string
}

func newChain(t *testing.T, from common.Address) *chain {
	return &chain{
		t:         t,
		signer:    types.LatestSignerForChainID(big.NewInt(8453)),
		from:      from,
		shares:    new(big.Int),
		assets:    new(big.Int),
		allowance: new(big.Int),
		receipts:  map[common.Hash]*types.Receipt{},
	}
}

func (c *chain) accrue(units int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.assets.Add(c.assets, big.NewInt(units))
}

func (c *chain) toAssets(shares *big.Int) *big.Int {
	if c.shares.Sign() == 0 {
		return new(big.Int).Set(shares)
	}
	out := new(big.Int).Mul(shares, c.assets)
	return out.Quo(out, c.shares)
}

func (c *chain) toShares(assets *big.Int, roundUp bool) *big.Int {
	if c.assets.Sign() == 0 {
		return new(big.Int).Set(assets)
	}
	num := new(big.Int).Mul(assets, c.shares)
	if roundUp {
		num.Add(num, new(big.Int).Sub(c.assets, big.NewInt(1)))
	}
	return num.Quo(num, c.assets)
}

func (c *chain) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	method, args := decode(c.t, vaultABI, call.Data)
	var out *big.Int
	switch method.Name {
	case "balanceOf":
		out = c.shares
	case "convertToAssets":
		out = c.toAssets(args[0].(*big.Int))
	case "maxWithdraw":
		out = c.toAssets(c.shares)
	default:
		return nil, fmt.Errorf("unexpected call %s", method.Name)
	}
	return method.Outputs.Pack(out)
}

func (c *chain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.sent)), nil
}

func (c *chain) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(2), nil }

func (c *chain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: big.NewInt(10)}, nil
}

func (c *chain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) { return 100_000, nil }

func (c *chain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	from, err := types.Sender(c.signer, tx)
	require.NoError(c.t, err)
	require.Equal(c.t, c.from, from)
	require.Equal(c.t, uint64(len(c.sent)), tx.Nonce())
	c.sent = append(c.sent, tx)

	receipt := &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash()}
	if *tx.To() == tokenAddr {
		method, args := decode(c.t, tokenABI, tx.Data())
		require.Equal(c.t, "approve", method.Name)
		c.allowance = args[1].(*big.Int)
		c.receipts[tx.Hash()] = receipt
		return nil
	}

	method, args := decode(c.t, vaultABI, tx.Data())
	if c.revert == method.Name {
		receipt.Status = types.ReceiptStatusFailed
		c.receipts[tx.Hash()] = receipt
		return nil
	}
	switch method.Name {
	case "deposit":
		amt := args[0].(*big.Int)
		require.True(c.t, c.allowance.Cmp(amt) >= 0, "deposit above allowance")
		c.allowance.Sub(c.allowance, amt)
		c.shares.Add(c.shares, c.toShares(amt, false))
		c.assets.Add(c.assets, amt)
	case "withdraw":
		amt := args[0].(*big.Int)
		burn := c.toShares(amt, true)
		c.shares.Sub(c.shares, burn)
		c.assets.Sub(c.assets, amt)
		receipt.Logs = append(receipt.Logs, withdrawLog(c.t, amt, burn))
	case "redeem":
		burn := args[0].(*big.Int)
		amt := c.toAssets(burn)
		c.shares.Sub(c.shares, burn)
		c.assets.Sub(c.assets, amt)
		receipt.Logs = append(receipt.Logs, withdrawLog(c.t, amt, burn))
	default:
		c.t.Fatalf("unexpected tx %s", method.Name)
	}
	c.receipts[tx.Hash()] = receipt
	return nil
}

func (c *chain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending > 0 {
		c.pending--
		return nil, ethereum.NotFound
	}
	r, ok := c.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func decode(t *testing.T, contract abi.ABI, data []byte) (*abi.Method, []any) {
	method, err := contract.MethodById(data[:4])
	require.NoError(t, err)
	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	return method, args
}

func withdrawLog(t *testing.T, assets, shares *big.Int) *types.Log {
	event := vaultABI.Events["Withdraw"]
	data, err := event.Inputs.NonIndexed().Pack(assets, shares)
	require.NoError(t, err)
	return &types.Log{Address: vaultAddr, Topics: []common.Hash{event.ID, {}, {}, {}}, Data: data}
}

func newAdapter(t *testing.T) (*Adapter, *chain) {
	t.Helper()
	signer, err := crypto.NewSigner(testKey, 8453)
	require.NoError(t, err)
	c := newChain(t, signer.Address())
	a := New(c, signer, Config{
		Markets:        map[string]Market{"USDC": {Vault: vaultAddr, Token: tokenAddr}},
		ReceiptPoll:    time.Millisecond,
		ReceiptTimeout: time.Second,
	}, slog.New(slog.DiscardHandler))
	return a, c
}

func dec(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

func TestAdapter_DepositHarvestWithdraw(t *testing.T) {
	a, c := newAdapter(t)
	ctx := context.Background()

	ok, err := a.Deposit(ctx, "USDC", dec(1000))
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, c.sent, 2)

	bal, err := a.Balance(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec(1000)))

	c.accrue(50)
	y, err := a.Harvest(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, y.Equal(dec(50)), y.String())
	assert.True(t, a.Booked("USDC").Equal(dec(1050)))
	// Harvest only reports; the yield stays in the vault.
	assert.Len(t, c.sent, 2)
	bal, err = a.Balance(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec(1050)), bal.String())

	y, err = a.Harvest(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, y.IsZero())

	got, err := a.Withdraw(ctx, "USDC", dec(400))
	require.NoError(t, err)
	assert.True(t, got.Equal(dec(400)))
	assert.True(t, a.Booked("USDC").Equal(dec(650)))

	_, err = a.Withdraw(ctx, "USDC", dec(10_000))
	assert.ErrorIs(t, err, domain.ErrInsufficientLiquidity)
}

func TestAdapter_EmergencyWithdrawRedeemsAll(t *testing.T) {
	a, c := newAdapter(t)
	ctx := context.Background()
	_, err := a.Deposit(ctx, "USDC", dec(1000))
	require.NoError(t, err)
	c.accrue(30)
	c.pending = 2

	got, err := a.EmergencyWithdraw(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, got.Equal(dec(1030)), got.String())
	assert.True(t, a.Booked("USDC").IsZero())

	got, err = a.EmergencyWithdraw(ctx, "USDC")
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestAdapter_ReplaysOperationID(t *testing.T) {
	a, c := newAdapter(t)
	ctx := domain.WithOperationID(context.Background(), "op-1")

	_, err := a.Deposit(ctx, "USDC", dec(500))
	require.NoError(t, err)
	_, err = a.Deposit(ctx, "USDC", dec(500))
	require.NoError(t, err)
	assert.Len(t, c.sent, 2)
	assert.True(t, a.Booked("USDC").Equal(dec(500)))
}

func TestAdapter_Errors(t *testing.T) {
	a, c := newAdapter(t)
	ctx := context.Background()

	_, err := a.Deposit(ctx, "DAI", dec(1))
	assert.ErrorIs(t, err, domain.ErrUnsupportedAsset)
	_, err = a.Deposit(ctx, "USDC", decimal.RequireFromString("1.5"))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = a.Deposit(ctx, "USDC", dec(0))
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	c.revert = "deposit"
	_, err = a.Deposit(ctx, "USDC", dec(10))
	assert.True(t, errors.Is(err, ErrReverted))
	assert.True(t, a.Booked("USDC").IsZero())
}

func TestWithdrawnAssets_IgnoresOtherLogs(t *testing.T) {
	lg := withdrawLog(t, big.NewInt(7), big.NewInt(7))
	other := *lg
	other.Address = tokenAddr
	got, ok := withdrawnAssets(&types.Receipt{Logs: []*types.Log{&other, lg}}, vaultAddr)
	require.True(t, ok)
	assert.Equal(t, int64(7), got.Int64())

	_, ok = withdrawnAssets(&types.Receipt{}, vaultAddr)
	assert.False(t, ok)
}
