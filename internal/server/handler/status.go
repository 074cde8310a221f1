package handler

import (
	"net/http"
	"time"
)

// StatusHandler serves the runtime status: mode, uptime, the redacted
// configuration and live counters from the running components.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	config    any
	sections  map[string]func() any
}

// NewStatusHandler creates a StatusHandler. config must already be
// redacted. Each section func is called per request.
func NewStatusHandler(mode string, startedAt time.Time, config any, sections map[string]func() any) *StatusHandler {
	return &StatusHandler{mode: mode, startedAt: startedAt, config: config, sections: sections}
}

// GetStatus responds with the current runtime status.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"mode":           h.mode,
		"started_at":     h.startedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"config":         h.config,
	}
	for name, fn := range h.sections {
		body[name] = fn()
	}
	writeJSON(w, http.StatusOK, body)
}
