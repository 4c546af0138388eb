package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// Coordinator is the part of the cross-chain coordinator the admin API uses.
type Coordinator interface {
	AddDomain(ctx context.Context, id uint32, remoteCoordinator string) error
	DeactivateDomain(ctx context.Context, id uint32) error
	Domains() []domain.DomainInfo
	Transfer(ctx context.Context, messageID string) (domain.Transfer, error)
	PendingTransfers() []domain.Transfer
	MarkFailed(ctx context.Context, messageID, reason string) error
}

// TransferLister pages through the persisted transfer history.
type TransferLister interface {
	ListTransfers(ctx context.Context, status domain.TransferStatus, opts domain.ListOpts) ([]domain.Transfer, error)
}

// CrossChainHandler serves domain and transfer endpoints.
type CrossChainHandler struct {
	coord   Coordinator
	history TransferLister
	logger  *slog.Logger
}

// NewCrossChainHandler creates a CrossChainHandler. history may be nil, in
// which case GET /api/transfers is not served.
func NewCrossChainHandler(coord Coordinator, history TransferLister, logger *slog.Logger) *CrossChainHandler {
	return &CrossChainHandler{coord: coord, history: history, logger: logHandler(logger, "crosschain")}
}

// ListDomains returns every registered remote domain.
// GET /api/domains
func (h *CrossChainHandler) ListDomains(w http.ResponseWriter, r *http.Request) {
	domains := h.coord.Domains()
	if domains == nil {
		domains = []domain.DomainInfo{}
	}
	writeJSON(w, http.StatusOK, domains)
}

type addDomainRequest struct {
	ID          uint32 `json:"id"`
	Coordinator string `json:"coordinator"`
}

// AddDomain registers or reactivates a remote domain.
// POST /api/domains
func (h *CrossChainHandler) AddDomain(w http.ResponseWriter, r *http.Request) {
	var req addDomainRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.coord.AddDomain(r.Context(), req.ID, strings.TrimSpace(req.Coordinator)); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeactivateDomain stops traffic with a remote domain.
// POST /api/domains/{id}/deactivate
func (h *CrossChainHandler) DeactivateDomain(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil || id > uint64(^uint32(0)) {
		writeError(w, http.StatusBadRequest, "id must be a domain id")
		return
	}
	if err := h.coord.DeactivateDomain(r.Context(), uint32(id)); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PendingTransfers returns every transfer awaiting acknowledgement.
// GET /api/transfers/pending
func (h *CrossChainHandler) PendingTransfers(w http.ResponseWriter, r *http.Request) {
	pending := h.coord.PendingTransfers()
	if pending == nil {
		pending = []domain.Transfer{}
	}
	writeJSON(w, http.StatusOK, pending)
}

// ListTransfers pages through the transfer history, optionally filtered by
// ?status=.
// GET /api/transfers
func (h *CrossChainHandler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusNotImplemented, "transfer history unavailable")
		return
	}
	status := domain.TransferStatus(r.URL.Query().Get("status"))
	transfers, err := h.history.ListTransfers(r.Context(), status, parseListOpts(r))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	if transfers == nil {
		transfers = []domain.Transfer{}
	}
	writeJSON(w, http.StatusOK, transfers)
}

// GetTransfer returns one transfer by message id.
// GET /api/transfers/{id}
func (h *CrossChainHandler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	t, err := h.coord.Transfer(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type markFailedRequest struct {
	Reason string `json:"reason"`
}

// MarkFailed resolves a stuck pending transfer as failed.
// POST /api/transfers/{id}/fail
func (h *CrossChainHandler) MarkFailed(w http.ResponseWriter, r *http.Request) {
	var req markFailedRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "marked failed by operator"
	}
	id := pathParam(r, "id")
	if err := h.coord.MarkFailed(r.Context(), id, req.Reason); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	t, err := h.coord.Transfer(r.Context(), id)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
