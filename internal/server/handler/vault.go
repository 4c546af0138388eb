package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// Vault is the part of the asset ledger exposed over HTTP.
type Vault interface {
	Slots() []domain.AssetSlot
	Slot(asset string) (domain.AssetSlot, error)
	SharesOf(asset, holder string) decimal.Decimal
	PreviewRedeem(asset string, shares decimal.Decimal) decimal.Decimal
	Deposit(ctx context.Context, asset string, amount decimal.Decimal, depositor string) (decimal.Decimal, error)
	Withdraw(ctx context.Context, asset string, shares decimal.Decimal, holder string) (decimal.Decimal, error)
	Pause()
	Unpause()
	Paused() bool
}

// VaultHandler serves asset ledger endpoints.
type VaultHandler struct {
	vault  Vault
	logger *slog.Logger
}

// NewVaultHandler creates a VaultHandler.
func NewVaultHandler(vault Vault, logger *slog.Logger) *VaultHandler {
	return &VaultHandler{vault: vault, logger: logHandler(logger, "vault")}
}

// ListSlots returns every asset slot.
// GET /api/vault
func (h *VaultHandler) ListSlots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"paused": h.vault.Paused(),
		"slots":  h.vault.Slots(),
	})
}

// GetSlot returns one slot, and the caller's position when ?holder= is set.
// GET /api/vault/{asset}
func (h *VaultHandler) GetSlot(w http.ResponseWriter, r *http.Request) {
	asset := pathParam(r, "asset")
	slot, err := h.vault.Slot(asset)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	resp := map[string]any{"slot": slot}
	if holder := r.URL.Query().Get("holder"); holder != "" {
		shares := h.vault.SharesOf(asset, holder)
		resp["holder"] = holder
		resp["shares"] = shares
		resp["redeemable"] = h.vault.PreviewRedeem(asset, shares)
	}
	writeJSON(w, http.StatusOK, resp)
}

type vaultDepositRequest struct {
	Depositor string          `json:"depositor"`
	Amount    decimal.Decimal `json:"amount"`
}

// Deposit mints shares for a depositor.
// POST /api/vault/{asset}/deposit
func (h *VaultHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req vaultDepositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	shares, err := h.vault.Deposit(r.Context(), pathParam(r, "asset"), req.Amount, req.Depositor)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"shares": shares})
}

type vaultWithdrawRequest struct {
	Holder string          `json:"holder"`
	Shares decimal.Decimal `json:"shares"`
}

// Withdraw burns a holder's shares.
// POST /api/vault/{asset}/withdraw
func (h *VaultHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req vaultWithdrawRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := h.vault.Withdraw(r.Context(), pathParam(r, "asset"), req.Shares, req.Holder)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"amount": amount})
}

// Pause halts deposits, withdrawals and new allocations.
// POST /api/vault/pause
func (h *VaultHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.vault.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// Unpause resumes normal operation.
// POST /api/vault/unpause
func (h *VaultHandler) Unpause(w http.ResponseWriter, r *http.Request) {
	h.vault.Unpause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}
