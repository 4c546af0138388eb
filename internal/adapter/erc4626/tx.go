package erc4626

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Backend is the slice of ethclient.Client the adapter needs.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ErrReverted is returned when a mined transaction failed.
var ErrReverted = errors.New("erc4626: transaction reverted")

// call runs a read-only contract method and returns its unpacked outputs.
func (a *Adapter) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) ([]any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("erc4626: pack %s: %w", method, err)
	}
	out, err := a.backend.CallContract(ctx, ethereum.CallMsg{From: a.signer.Address(), To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("erc4626: call %s: %w", method, err)
	}
	vals, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("erc4626: unpack %s: %w", method, err)
	}
	return vals, nil
}

// callUint runs a view method returning a single uint256.
func (a *Adapter) callUint(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) (*big.Int, error) {
	vals, err := a.call(ctx, to, contract, method, args...)
	if err != nil {
		return nil, err
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("erc4626: %s returned %d values", method, len(vals))
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("erc4626: %s returned %T", method, vals[0])
	}
	return v, nil
}

// transact signs and sends an EIP-1559 transaction calling method on to and
// waits for it to be mined.
func (a *Adapter) transact(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...any) (*types.Receipt, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("erc4626: pack %s: %w", method, err)
	}
	from := a.signer.Address()

	nonce, err := a.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("erc4626: nonce: %w", err)
	}
	tip, err := a.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("erc4626: gas tip: %w", err)
	}
	head, err := a.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("erc4626: head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas, err := a.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("erc4626: estimate %s: %w", method, err)
	}
	gas += gas * a.cfg.GasBufferPct / 100

	tx, err := a.signer.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   a.signer.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     new(big.Int),
		Data:      data,
	}))
	if err != nil {
		return nil, err
	}
	if err := a.backend.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("erc4626: send %s: %w", method, err)
	}
	a.logger.InfoContext(ctx, "transaction sent",
		slog.String("method", method),
		slog.String("tx", tx.Hash().Hex()),
		slog.Uint64("nonce", nonce),
	)

	receipt, err := a.waitMined(ctx, tx.Hash())
	if err != nil {
		return nil, fmt.Errorf("erc4626: %s %s: %w", method, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("erc4626: %s %s: %w", method, tx.Hash().Hex(), ErrReverted)
	}
	return receipt, nil
}

func (a *Adapter) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(a.cfg.ReceiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := a.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// withdrawnAssets sums the assets of the vault's Withdraw events in receipt.
func withdrawnAssets(receipt *types.Receipt, vault common.Address) (*big.Int, bool) {
	event := vaultABI.Events["Withdraw"]
	total := new(big.Int)
	found := false
	for _, lg := range receipt.Logs {
		if lg.Address != vault || len(lg.Topics) == 0 || lg.Topics[0] != event.ID {
			continue
		}
		vals, err := vaultABI.Unpack("Withdraw", lg.Data)
		if err != nil || len(vals) != 2 {
			continue
		}
		if assets, ok := vals[0].(*big.Int); ok {
			total.Add(total, assets)
			found = true
		}
	}
	return total, found
}
