package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// StrategyRegistry is the part of the allocation ledger the strategy
// endpoints use.
type StrategyRegistry interface {
	Strategies() []domain.Strategy
	Strategy(id uint64) (domain.Strategy, error)
	Allocations() []domain.Allocation
	RegisterRemoteStrategy(ctx context.Context, name string, domainID uint32, entrypoints []string) (uint64, error)
	DeactivateStrategy(ctx context.Context, id uint64) error
}

// StrategyHandler serves strategy registry endpoints.
type StrategyHandler struct {
	registry StrategyRegistry
	logger   *slog.Logger
}

// NewStrategyHandler creates a StrategyHandler.
func NewStrategyHandler(registry StrategyRegistry, logger *slog.Logger) *StrategyHandler {
	return &StrategyHandler{registry: registry, logger: logHandler(logger, "strategy")}
}

// strategyView is a strategy together with its allocations.
type strategyView struct {
	domain.Strategy
	Allocations []domain.Allocation `json:"allocations"`
}

// ListStrategies returns every registered strategy, active or not.
// GET /api/strategies
func (h *StrategyHandler) ListStrategies(w http.ResponseWriter, r *http.Request) {
	strategies := h.registry.Strategies()
	if strategies == nil {
		strategies = []domain.Strategy{}
	}
	writeJSON(w, http.StatusOK, strategies)
}

// GetStrategy returns one strategy with its allocation rows.
// GET /api/strategies/{id}
func (h *StrategyHandler) GetStrategy(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := h.registry.Strategy(id)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	view := strategyView{Strategy: st, Allocations: []domain.Allocation{}}
	for _, a := range h.registry.Allocations() {
		if a.StrategyID == id {
			view.Allocations = append(view.Allocations, a)
		}
	}
	writeJSON(w, http.StatusOK, view)
}

type registerStrategyRequest struct {
	Name        string   `json:"name"`
	Domain      uint32   `json:"domain"`
	Entrypoints []string `json:"entrypoints"`
}

// RegisterStrategy registers a strategy that lives on a remote domain. Local
// strategies need an adapter and are registered from configuration.
// POST /api/strategies
func (h *StrategyHandler) RegisterStrategy(w http.ResponseWriter, r *http.Request) {
	var req registerStrategyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	id, err := h.registry.RegisterRemoteStrategy(r.Context(), req.Name, req.Domain, req.Entrypoints)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "remote strategy registered",
		slog.Uint64("strategy_id", id),
		slog.String("name", req.Name),
		slog.Uint64("domain", uint64(req.Domain)),
	)
	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

// DeactivateStrategy stops new investments into a strategy.
// POST /api/strategies/{id}/deactivate
func (h *StrategyHandler) DeactivateStrategy(w http.ResponseWriter, r *http.Request) {
	id, err := pathUint(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.registry.DeactivateStrategy(r.Context(), id); err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
