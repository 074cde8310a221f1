package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/microflow/internal/domain"
	"github.com/alanyoungcy/microflow/internal/ledger"
)

// TradeLister lists realized trade records. Both the in-memory ledger and
// the Postgres store satisfy it.
type TradeLister interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error)
}

// LedgerStats aggregates performance per scheme.
type LedgerStats interface {
	Stats(scheme string) ledger.SchemeStats
	AllStats() []ledger.SchemeStats
}

// TradeHandler serves the trade ledger endpoints.
type TradeHandler struct {
	trades TradeLister
	stats  LedgerStats
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades TradeLister, stats LedgerStats, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, stats: stats, logger: logHandler(logger, "trade")}
}

// ListTrades returns realized trades newest first.
// GET /api/trades?instance=btc-1&since=2024-01-01T00:00:00Z&limit=50
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := h.trades.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, "list trades", err)
		return
	}
	if recs == nil {
		recs = []domain.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": recs})
}

// Stats returns ledger statistics for one scheme, or every scheme plus the
// overall total when no scheme is given.
// GET /api/ledger/stats?scheme=layered
func (h *TradeHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if scheme := r.URL.Query().Get("scheme"); scheme != "" {
		writeJSON(w, http.StatusOK, h.stats.Stats(scheme))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   h.stats.Stats(""),
		"schemes": h.stats.AllStats(),
	})
}
