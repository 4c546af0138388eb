// Package simulated provides an in-memory StrategyAdapter. It stands in for
// an external yield protocol in tests and in the local simulation mode, where
// yield is accrued on a timer.
package simulated

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// Operation names an adapter call for FailNext and Calls.
type Operation string

const (
	OpDeposit   Operation = "deposit"
	OpWithdraw  Operation = "withdraw"
	OpHarvest   Operation = "harvest"
	OpEmergency Operation = "emergency"
	OpBalance   Operation = "balance"
)

type position struct {
	balance   decimal.Decimal
	unharvest decimal.Decimal
}

type result struct {
	amount decimal.Decimal
	ok     bool
	err    error
}

// Adapter is a simulated yield source. It is safe for concurrent use.
type Adapter struct {
	mu        sync.Mutex
	name      string
	positions map[string]*position
	seen      map[string]result
	fail      map[Operation]error
	calls     map[Operation]int
}

// New returns an empty Adapter.
func New(name string) *Adapter {
	return &Adapter{
		name:      name,
		positions: make(map[string]*position),
		seen:      make(map[string]result),
		fail:      make(map[Operation]error),
		calls:     make(map[Operation]int),
	}
}

// Name returns the adapter name.
func (a *Adapter) Name() string { return a.name }

// Deposit adds amount to the position.
func (a *Adapter) Deposit(ctx context.Context, asset string, amount decimal.Decimal) (bool, error) {
	r := a.once(ctx, OpDeposit, func() result {
		if !amount.IsPositive() {
			return result{err: fmt.Errorf("simulated: deposit %s: %w", amount, domain.ErrInvalidAmount)}
		}
		p := a.position(asset)
		p.balance = p.balance.Add(amount)
		return result{amount: amount, ok: true}
	})
	return r.ok, r.err
}

// Withdraw removes amount from the position and returns it in full.
func (a *Adapter) Withdraw(ctx context.Context, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	r := a.once(ctx, OpWithdraw, func() result {
		p := a.position(asset)
		if !amount.IsPositive() || amount.GreaterThan(p.balance) {
			return result{err: fmt.Errorf("simulated: withdraw %s of %s: %w", amount, p.balance, domain.ErrInsufficientLiquidity)}
		}
		p.balance = p.balance.Sub(amount)
		if p.unharvest.GreaterThan(p.balance) {
			p.unharvest = p.balance
		}
		return result{amount: amount, ok: true}
	})
	return r.amount, r.err
}

// Harvest realizes the yield accrued since the last harvest. The yield stays
// in the position and compounds.
func (a *Adapter) Harvest(ctx context.Context, asset string) (decimal.Decimal, error) {
	r := a.once(ctx, OpHarvest, func() result {
		p := a.position(asset)
		y := p.unharvest
		p.unharvest = decimal.Zero
		return result{amount: y, ok: true}
	})
	return r.amount, r.err
}

// Balance returns the position size including unharvested yield.
func (a *Adapter) Balance(_ context.Context, asset string) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail[OpBalance]; err != nil {
		delete(a.fail, OpBalance)
		return decimal.Zero, err
	}
	return a.position(asset).balance, nil
}

// EmergencyWithdraw empties the position.
func (a *Adapter) EmergencyWithdraw(ctx context.Context, asset string) (decimal.Decimal, error) {
	r := a.once(ctx, OpEmergency, func() result {
		p := a.position(asset)
		out := p.balance
		p.balance = decimal.Zero
		p.unharvest = decimal.Zero
		return result{amount: out, ok: true}
	})
	return r.amount, r.err
}

// Seed sets the position of asset without counting it as yield. It restores
// a position recorded by the allocation ledger after a restart.
func (a *Adapter) Seed(asset string, balance decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.position(asset)
	p.balance = balance
	p.unharvest = decimal.Zero
}

// Accrue adds yield to the position.
func (a *Adapter) Accrue(asset string, amount decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.position(asset)
	p.balance = p.balance.Add(amount)
	p.unharvest = p.unharvest.Add(amount)
}

// AccrueBps adds bps of the current balance of every position as yield and
// returns the total accrued.
func (a *Adapter) AccrueBps(bps int64) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := decimal.Zero
	for _, p := range a.positions {
		y := domain.Bps(p.balance, bps)
		p.balance = p.balance.Add(y)
		p.unharvest = p.unharvest.Add(y)
		total = total.Add(y)
	}
	return total
}

// Slash removes amount from the position, simulating a protocol loss.
func (a *Adapter) Slash(asset string, amount decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.position(asset)
	p.balance = decimal.Max(p.balance.Sub(amount), decimal.Zero)
	if p.unharvest.GreaterThan(p.balance) {
		p.unharvest = p.balance
	}
}

// FailNext makes the next call of op return err.
func (a *Adapter) FailNext(op Operation, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fail[op] = err
}

// Calls returns how many times op actually executed, ignoring replays.
func (a *Adapter) Calls(op Operation) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[op]
}

// once runs fn unless ctx carries an operation id already seen for op, in
// which case the recorded result is replayed. Failed calls are not recorded
// so a retry can succeed.
func (a *Adapter) once(ctx context.Context, op Operation, fn func() result) result {
	a.mu.Lock()
	defer a.mu.Unlock()

	id, hasID := domain.OperationID(ctx)
	key := string(op) + "/" + id
	if hasID {
		if r, ok := a.seen[key]; ok {
			return r
		}
	}
	if err := a.fail[op]; err != nil {
		delete(a.fail, op)
		return result{err: fmt.Errorf("simulated: %s: %w", op, err)}
	}
	a.calls[op]++
	r := fn()
	if hasID && r.err == nil {
		a.seen[key] = r
	}
	return r
}

func (a *Adapter) position(asset string) *position {
	p, ok := a.positions[asset]
	if !ok {
		p = &position{balance: decimal.Zero, unharvest: decimal.Zero}
		a.positions[asset] = p
	}
	return p
}
