// Package oracle provides domain.PriceOracle implementations.
package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// CacheOracle quotes assets from a PriceCache kept fresh by an external
// price feed. Staleness is the age of the cached quote.
type CacheOracle struct {
	cache domain.PriceCache
	now   func() time.Time
}

// NewCacheOracle returns an oracle reading from cache.
func NewCacheOracle(cache domain.PriceCache) *CacheOracle {
	return &CacheOracle{cache: cache, now: time.Now}
}

// Price returns the cached quote of asset.
func (o *CacheOracle) Price(ctx context.Context, asset string) (decimal.Decimal, time.Duration, error) {
	p, ts, err := o.cache.GetPrice(ctx, asset)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("oracle: price %s: %w", asset, err)
	}
	if !p.IsPositive() {
		return decimal.Zero, 0, fmt.Errorf("oracle: price %s is %s: %w", asset, p, domain.ErrStalePrice)
	}
	age := o.now().Sub(ts)
	if age < 0 {
		age = 0
	}
	return p, age, nil
}

// StaticOracle serves fixed prices. Used in simulation mode and by operators
// who price every asset at par.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticOracle returns an oracle serving prices.
func NewStaticOracle(prices map[string]decimal.Decimal) *StaticOracle {
	cp := make(map[string]decimal.Decimal, len(prices))
	for k, v := range prices {
		cp[k] = v
	}
	return &StaticOracle{prices: cp}
}

// Set replaces the price of asset.
func (o *StaticOracle) Set(asset string, price decimal.Decimal) {
	o.mu.Lock()
	o.prices[asset] = price
	o.mu.Unlock()
}

// Price returns the configured price of asset with zero staleness.
func (o *StaticOracle) Price(_ context.Context, asset string) (decimal.Decimal, time.Duration, error) {
	o.mu.RLock()
	p, ok := o.prices[asset]
	o.mu.RUnlock()
	if !ok {
		return decimal.Zero, 0, fmt.Errorf("oracle: price %s: %w", asset, domain.ErrNotFound)
	}
	return p, 0, nil
}

var (
	_ domain.PriceOracle = (*CacheOracle)(nil)
	_ domain.PriceOracle = (*StaticOracle)(nil)
)
