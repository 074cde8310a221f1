package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	OpenPositions(ctx context.Context) ([]domain.Position, error)
	History(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error)
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logHandler(logger, "position"),
	}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns all open positions, optionally for one instance.
// GET /api/positions?instance=btc-1
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.OpenPositions(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "list positions", err)
		return
	}

	instance := r.URL.Query().Get("instance")
	out := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		if instance == "" || p.InstanceKey == instance {
			out = append(out, p)
		}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: out})
}

// ListHistory returns past positions with pagination.
// GET /api/positions/history?instance=btc-1&limit=50
func (h *PositionHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	positions, err := h.positions.History(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list position history", err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}
