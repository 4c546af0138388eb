package handler

import (
	"net/http"
	"time"
)

// StatusHandler reports what this process is and how long it has run.
type StatusHandler struct {
	Mode      string
	Domain    uint32
	StartedAt time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, domainID uint32, startedAt time.Time) *StatusHandler {
	return &StatusHandler{Mode: mode, Domain: domainID, StartedAt: startedAt}
}

// GetStatus responds with the run mode, local domain and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.Mode,
		"domain":         h.Domain,
		"started_at":     h.StartedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
	})
}
