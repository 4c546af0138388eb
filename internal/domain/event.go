package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// EventType names an observation emitted for external monitoring.
type EventType string

const (
	EventStrategyRegistered          EventType = "strategy_registered"
	EventStrategyDeactivated         EventType = "strategy_deactivated"
	EventAllocationUpdated           EventType = "allocation_updated"
	EventCrossChainDepositInitiated  EventType = "crosschain_deposit_initiated"
	EventCrossChainDepositCompleted  EventType = "crosschain_deposit_completed"
	EventCrossChainDepositFailed     EventType = "crosschain_deposit_failed"
	EventCrossChainWithdrawInitiated EventType = "crosschain_withdraw_initiated"
	EventCrossChainWithdrawCompleted EventType = "crosschain_withdraw_completed"
	EventCrossChainWithdrawFailed    EventType = "crosschain_withdraw_failed"
	EventYieldHarvested              EventType = "yield_harvested"
	EventEmergencyWithdrawal         EventType = "emergency_withdrawal"
	EventVaultDeposit                EventType = "vault_deposit"
	EventVaultWithdraw               EventType = "vault_withdraw"
)

// Event carries enough detail to rebuild ledger state externally.
type Event struct {
	Type         EventType       `json:"type"`
	StrategyID   uint64          `json:"strategy_id,omitempty"`
	Asset        string          `json:"asset,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Principal    decimal.Decimal `json:"principal"`
	CurrentValue decimal.Decimal `json:"current_value"`
	MessageID    string          `json:"message_id,omitempty"`
	DepositID    string          `json:"deposit_id,omitempty"`
	Domain       uint32          `json:"domain,omitempty"`
	Detail       string          `json:"detail,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// EventSink receives observations. Publishing is best-effort: sinks report
// failures but callers never roll back ledger state because of them.
type EventSink interface {
	Publish(ctx context.Context, evt Event) error
}

// NopSink discards events.
type NopSink struct{}

// Publish does nothing.
func (NopSink) Publish(context.Context, Event) error { return nil }
