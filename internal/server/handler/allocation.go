package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// AllocationLedger is the part of the allocation ledger that moves capital.
type AllocationLedger interface {
	Allocation(id uint64, asset string) (domain.Allocation, error)
	AvailableLiquidity(asset string) decimal.Decimal
	MaxAllocationBps() int64
	Invest(ctx context.Context, req domain.InvestRequest) (domain.InvestReceipt, error)
	WithdrawFromStrategy(ctx context.Context, poolID string, id uint64, asset string, amount decimal.Decimal) (domain.WithdrawReceipt, error)
	HarvestYield(ctx context.Context, id uint64, assets []string) ([]domain.HarvestResult, error)
	EmergencyWithdraw(ctx context.Context, operator string, id uint64, asset string) (domain.WithdrawReceipt, error)
	AddPool(ctx context.Context, poolID string) error
	AddOperator(ctx context.Context, operator string) error
	UpdateMaxAllocation(ctx context.Context, bps int64) error
}

// AllocationHandler serves the capital movement endpoints.
type AllocationHandler struct {
	ledger AllocationLedger
	logger *slog.Logger
}

// NewAllocationHandler creates an AllocationHandler.
func NewAllocationHandler(ledger AllocationLedger, logger *slog.Logger) *AllocationHandler {
	return &AllocationHandler{ledger: ledger, logger: logHandler(logger, "allocation")}
}

// GetAllocation returns one allocation row.
// GET /api/allocations/{strategyID}/{asset}
func (h *AllocationHandler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "strategyID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := h.ledger.Allocation(id, pathParam(r, "asset"))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Liquidity reports how much of an asset may still be invested.
// GET /api/liquidity/{asset}
func (h *AllocationHandler) Liquidity(w http.ResponseWriter, r *http.Request) {
	asset := pathParam(r, "asset")
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":     asset,
		"available": h.ledger.AvailableLiquidity(asset),
	})
}

// Invest executes one instruction from the decision engine.
// POST /api/invest
func (h *AllocationHandler) Invest(w http.ResponseWriter, r *http.Request) {
	var req domain.InvestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := h.ledger.Invest(r.Context(), req)
	if err != nil && len(receipt.Legs) > 0 {
		// Some legs are already in flight; the caller needs their ids.
		writeDomainErrorWith(w, h.logger, r, err, map[string]any{"receipt": receipt})
		return
	}
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	status := http.StatusOK
	if receipt.Status == domain.TransferPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, receipt)
}

type withdrawRequest struct {
	PoolID     string          `json:"pool_id"`
	StrategyID uint64          `json:"strategy_id"`
	Asset      string          `json:"asset"`
	Amount     decimal.Decimal `json:"amount"`
}

// Withdraw pulls capital back from a strategy into the vault.
// POST /api/withdraw
func (h *AllocationHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := h.ledger.WithdrawFromStrategy(r.Context(), req.PoolID, req.StrategyID, req.Asset, req.Amount)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeReceipt(w, receipt)
}

type harvestRequest struct {
	StrategyID uint64   `json:"strategy_id"`
	Assets     []string `json:"assets"`
}

// Harvest realizes yield above principal for the given assets.
// POST /api/harvest
func (h *AllocationHandler) Harvest(w http.ResponseWriter, r *http.Request) {
	var req harvestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	results, err := h.ledger.HarvestYield(r.Context(), req.StrategyID, req.Assets)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

type emergencyRequest struct {
	Operator   string `json:"operator"`
	StrategyID uint64 `json:"strategy_id"`
	Asset      string `json:"asset"`
}

// EmergencyWithdraw pulls everything a strategy holds of an asset.
// POST /api/emergency-withdraw
func (h *AllocationHandler) EmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	var req emergencyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := h.ledger.EmergencyWithdraw(r.Context(), req.Operator, req.StrategyID, req.Asset)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	h.logger.WarnContext(r.Context(), "emergency withdrawal",
		slog.String("operator", req.Operator),
		slog.Uint64("strategy_id", req.StrategyID),
		slog.String("asset", req.Asset),
		slog.String("status", string(receipt.Status)),
	)
	writeReceipt(w, receipt)
}

type memberRequest struct {
	ID string `json:"id"`
}

// AddPool authorizes a pool to invest and withdraw.
// POST /api/pools
func (h *AllocationHandler) AddPool(w http.ResponseWriter, r *http.Request) {
	h.addMember(w, r, h.ledger.AddPool)
}

// AddOperator authorizes an operator to emergency-withdraw.
// POST /api/operators
func (h *AllocationHandler) AddOperator(w http.ResponseWriter, r *http.Request) {
	h.addMember(w, r, h.ledger.AddOperator)
}

func (h *AllocationHandler) addMember(w http.ResponseWriter, r *http.Request, add func(context.Context, string) error) {
	var req memberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := add(r.Context(), req.ID); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type capRequest struct {
	Bps int64 `json:"bps"`
}

// SetAllocationCap changes the per-strategy allocation cap.
// PUT /api/allocation-cap
func (h *AllocationHandler) SetAllocationCap(w http.ResponseWriter, r *http.Request) {
	var req capRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.ledger.UpdateMaxAllocation(r.Context(), req.Bps); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"bps": h.ledger.MaxAllocationBps()})
}

func writeReceipt(w http.ResponseWriter, receipt domain.WithdrawReceipt) {
	status := http.StatusOK
	if receipt.Status == domain.TransferPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, receipt)
}
