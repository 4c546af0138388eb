package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Strategy is a registered yield destination. Strategies are created once and
// only ever deactivated.
type Strategy struct {
	ID             uint64          `json:"id"`
	Name           string          `json:"name"`
	Domain         uint32          `json:"domain"`
	Entrypoints    []string        `json:"entrypoints"`
	Active         bool            `json:"active"`
	TotalAllocated decimal.Decimal `json:"total_allocated"`
	LastUpdate     time.Time       `json:"last_update"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AllocationKey identifies an allocation row.
type AllocationKey struct {
	StrategyID uint64
	Asset      string
}

func (k AllocationKey) String() string {
	return fmt.Sprintf("%d:%s", k.StrategyID, k.Asset)
}

// Allocation is the capital one strategy holds for one asset.
type Allocation struct {
	StrategyID        uint64          `json:"strategy_id"`
	Asset             string          `json:"asset"`
	Domain            uint32          `json:"domain"`
	Principal         decimal.Decimal `json:"principal"`
	CurrentValue      decimal.Decimal `json:"current_value"`
	PendingDeposit    decimal.Decimal `json:"pending_deposit"`
	PendingWithdrawal decimal.Decimal `json:"pending_withdrawal"`
	TotalHarvested    decimal.Decimal `json:"total_harvested"`
	LastHarvest       time.Time       `json:"last_harvest"`
	Active            bool            `json:"active"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Key returns the allocation's map key.
func (a Allocation) Key() AllocationKey {
	return AllocationKey{StrategyID: a.StrategyID, Asset: a.Asset}
}

// Committed is the amount counted against allocation caps.
func (a Allocation) Committed() decimal.Decimal {
	return a.Principal.Add(a.PendingDeposit)
}

// InvestRequest is one instruction from the decision engine.
type InvestRequest struct {
	PoolID         string   `json:"pool_id"`
	StrategyID     uint64   `json:"strategy_id"`
	AssetIDs       []string `json:"asset_ids"`
	Percentages    []int64  `json:"percentages"` // basis points, 0-10000
	TargetAsset    string   `json:"target_asset"`
	DomainOverride uint32   `json:"domain_override,omitempty"`
}

// InvestLeg describes one executed asset leg of an investment.
type InvestLeg struct {
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	MessageID string          `json:"message_id,omitempty"`
}

// InvestReceipt is returned to the caller of Invest. Remote investments come
// back Pending and are resolved later through the coordinator.
type InvestReceipt struct {
	DepositID string         `json:"deposit_id"`
	Status    TransferStatus `json:"status"`
	Legs      []InvestLeg    `json:"legs"`
}

// WithdrawReceipt is returned to the caller of WithdrawFromStrategy.
type WithdrawReceipt struct {
	Status    TransferStatus  `json:"status"`
	Requested decimal.Decimal `json:"requested"`
	Received  decimal.Decimal `json:"received"`
	MessageID string          `json:"message_id,omitempty"`
}

// HarvestResult reports one asset of a harvest call. Remote harvests return
// only the message id; the yield arrives later with the harvest report.
type HarvestResult struct {
	Asset     string          `json:"asset"`
	Yield     decimal.Decimal `json:"yield"`
	MessageID string          `json:"message_id,omitempty"`
}
