package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrLockHeld      = errors.New("lock already held")
	ErrPaused        = errors.New("ledger paused")

	// Validation.
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInvalidPercentage = errors.New("invalid percentage")
	ErrInvalidStrategy   = errors.New("invalid strategy")
	ErrStrategyNotActive = errors.New("strategy not active")
	ErrUnsupportedAsset  = errors.New("unsupported asset")
	ErrInvalidMessage    = errors.New("invalid cross-domain message")
	ErrAdapterRejected   = errors.New("adapter rejected operation")

	// Authorization.
	ErrUnauthorizedCaller = errors.New("unauthorized caller")

	// Capacity.
	ErrAllocationLimitExceeded = errors.New("allocation limit exceeded")
	ErrInvalidAllocation       = errors.New("invalid allocation")
	ErrInsufficientLiquidity   = errors.New("insufficient liquidity")
	ErrInsufficientShares      = errors.New("insufficient shares")
	ErrStalePrice              = errors.New("stale price")

	// Cross-domain.
	ErrMessageAlreadyProcessed = errors.New("message already processed")
	ErrInvalidSourceChain      = errors.New("invalid source chain")
	ErrUnknownDomain           = errors.New("unknown domain")
	ErrTransferPending         = errors.New("transfer already pending")
	ErrTransferNotPending      = errors.New("transfer not pending")
)

// IsPoison reports whether err means a delivered message can never be
// applied, so a transport should drop it instead of retrying.
func IsPoison(err error) bool {
	return errors.Is(err, ErrMessageAlreadyProcessed) ||
		errors.Is(err, ErrInvalidMessage) ||
		errors.Is(err, ErrInvalidSourceChain) ||
		errors.Is(err, ErrNotFound)
}
