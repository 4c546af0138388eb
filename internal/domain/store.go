package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// VaultStore persists asset slots and share balances. SaveSlot writes the slot
// and any changed balances atomically.
type VaultStore interface {
	SaveSlot(ctx context.Context, slot AssetSlot, balances ...ShareBalance) error
	ListSlots(ctx context.Context) ([]AssetSlot, error)
	ListShareBalances(ctx context.Context) ([]ShareBalance, error)
}

// Member roles kept by the allocation registry.
const (
	RolePool     = "pool"
	RoleOperator = "operator"
)

// StrategyStore persists strategies, allocations and registry membership.
type StrategyStore interface {
	SaveStrategy(ctx context.Context, s Strategy) error
	ListStrategies(ctx context.Context) ([]Strategy, error)
	SaveAllocations(ctx context.Context, allocs ...Allocation) error
	ListAllocations(ctx context.Context) ([]Allocation, error)
	SaveMember(ctx context.Context, role, id string) error
	ListMembers(ctx context.Context, role string) ([]string, error)
	SaveSetting(ctx context.Context, key, value string) error
	Settings(ctx context.Context) (map[string]string, error)
}

// TransferStore persists cross-domain transfers, registered domains and the
// processed-message set.
type TransferStore interface {
	SaveDomain(ctx context.Context, d DomainInfo) error
	ListDomains(ctx context.Context) ([]DomainInfo, error)
	SaveTransfer(ctx context.Context, t Transfer) error
	GetTransfer(ctx context.Context, messageID string) (Transfer, error)
	ListTransfers(ctx context.Context, status TransferStatus, opts ListOpts) ([]Transfer, error)
	// CommitReceipt records messageID as processed and saves the transfers
	// touched by applying it, in one transaction.
	CommitReceipt(ctx context.Context, messageID string, transfers ...Transfer) error
	ProcessedIDs(ctx context.Context) ([]string, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
