package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferStatus tracks a cross-domain transfer through its lifecycle.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferCompleted TransferStatus = "completed"
	TransferFailed    TransferStatus = "failed"
	TransferWithdrawn TransferStatus = "withdrawn"
)

// Terminal reports whether no further transition is allowed.
func (s TransferStatus) Terminal() bool {
	return s != TransferPending
}

// TransferKind is what the transfer asked the remote domain to do.
type TransferKind string

const (
	TransferDeposit   TransferKind = "deposit"
	TransferWithdraw  TransferKind = "withdraw"
	TransferEmergency TransferKind = "emergency"
	TransferHarvest   TransferKind = "harvest"
)

// Transfer is the pending-state record for one outbound cross-domain request,
// keyed by the messenger-assigned message id.
type Transfer struct {
	MessageID         string          `json:"message_id"`
	DepositID         string          `json:"deposit_id"`
	Kind              TransferKind    `json:"kind"`
	StrategyID        uint64          `json:"strategy_id"`
	SourceDomain      uint32          `json:"source_domain"`
	DestinationDomain uint32          `json:"destination_domain"`
	Asset             string          `json:"asset"`
	TargetAsset       string          `json:"target_asset,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	SettledAmount     decimal.Decimal `json:"settled_amount"`
	PoolID            string          `json:"pool_id,omitempty"`
	Status            TransferStatus  `json:"status"`
	FailureReason     string          `json:"failure_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// DomainInfo is a registered remote settlement domain.
type DomainInfo struct {
	ID                uint32          `json:"id"`
	RemoteCoordinator string          `json:"remote_coordinator"`
	Active            bool            `json:"active"`
	TotalValueLocked  decimal.Decimal `json:"total_value_locked"`
	UpdatedAt         time.Time       `json:"updated_at"`
}
