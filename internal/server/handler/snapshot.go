package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/yieldrouter/internal/domain"
)

// SnapshotSource returns the newest stored ledger snapshot.
type SnapshotSource interface {
	Latest(ctx context.Context) (domain.LedgerSnapshot, error)
}

// SnapshotHandler serves ledger snapshot endpoints.
type SnapshotHandler struct {
	source    SnapshotSource
	logger    *slog.Logger
	triggerCh chan<- struct{} // when non-nil, sending requests one snapshot
}

// NewSnapshotHandler creates a SnapshotHandler.
func NewSnapshotHandler(source SnapshotSource, logger *slog.Logger) *SnapshotHandler {
	return &SnapshotHandler{source: source, logger: logHandler(logger, "snapshot")}
}

// WithTriggerChannel sets the channel to send on when a snapshot is requested.
// The snapshot loop must receive from this channel to take one.
func (h *SnapshotHandler) WithTriggerChannel(ch chan<- struct{}) *SnapshotHandler {
	h.triggerCh = ch
	return h
}

// Trigger enqueues one snapshot. The send is non-blocking so repeated
// requests collapse into one run.
// POST /api/snapshots
func (h *SnapshotHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	if h.triggerCh == nil {
		writeError(w, http.StatusNotImplemented, "snapshots are disabled")
		return
	}
	h.logger.InfoContext(r.Context(), "snapshot requested")
	select {
	case h.triggerCh <- struct{}{}:
	default:
		// already requested and not yet consumed
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":       "accepted",
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// Latest returns the newest stored snapshot.
// GET /api/snapshots/latest
func (h *SnapshotHandler) Latest(w http.ResponseWriter, r *http.Request) {
	snap, err := h.source.Latest(r.Context())
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
