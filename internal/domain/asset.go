package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// BasisPoints is the denominator for every percentage in the system.
const BasisPoints = 10000

// AssetSlot is the vault's share accounting for one supported asset.
type AssetSlot struct {
	Asset                 string          `json:"asset"`
	TotalShares           decimal.Decimal `json:"total_shares"`
	TotalAssetsHeld       decimal.Decimal `json:"total_assets_held"`
	AllocatedToStrategies decimal.Decimal `json:"allocated_to_strategies"`
	CumulativeYield       decimal.Decimal `json:"cumulative_yield"`
	LastUpdate            time.Time       `json:"last_update"`
	Active                bool            `json:"active"`
}

// Available is the uncommitted balance of the slot.
func (s AssetSlot) Available() decimal.Decimal {
	return s.TotalAssetsHeld.Sub(s.AllocatedToStrategies)
}

// ExchangeRate returns assets per share, or one when no shares exist.
func (s AssetSlot) ExchangeRate() decimal.Decimal {
	if s.TotalShares.IsZero() {
		return decimal.NewFromInt(1)
	}
	return s.TotalAssetsHeld.DivRound(s.TotalShares, 18)
}

// ShareBalance is one holder's share position in an asset slot.
type ShareBalance struct {
	Asset  string          `json:"asset"`
	Holder string          `json:"holder"`
	Shares decimal.Decimal `json:"shares"`
}

// Bps returns amount * bps / 10000 rounded down.
func Bps(amount decimal.Decimal, bps int64) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(BasisPoints)).Floor()
}
