package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/microflow/internal/domain"
	"github.com/alanyoungcy/microflow/internal/service"
	"github.com/alanyoungcy/microflow/internal/strategy"
)

// InstanceService defines the methods that the instance handler requires.
type InstanceService interface {
	List() []service.InstanceSummary
	Diagnostics(key string) (domain.Diagnostics, error)
	Config(key string) (strategy.StrategyConfig, error)
	UpdateConfig(ctx context.Context, key string, patch []byte) (service.ConfigUpdate, error)
	RecentIntents(limit int) []domain.OrderIntent
}

// InstanceHandler serves strategy instance endpoints.
type InstanceHandler struct {
	instances InstanceService
	logger    *slog.Logger
}

// NewInstanceHandler creates an InstanceHandler.
func NewInstanceHandler(instances InstanceService, logger *slog.Logger) *InstanceHandler {
	return &InstanceHandler{instances: instances, logger: logHandler(logger, "instance")}
}

// List returns a summary of every instance.
// GET /api/instances
func (h *InstanceHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"instances": h.instances.List()})
}

// Diagnostics returns the latest diagnostics of one instance.
// GET /api/instances/{key}/diagnostics
func (h *InstanceHandler) Diagnostics(w http.ResponseWriter, r *http.Request) {
	d, err := h.instances.Diagnostics(pathParam(r, "key"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get diagnostics", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GetConfig returns the configuration an instance currently runs.
// GET /api/instances/{key}/config
func (h *InstanceHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.instances.Config(pathParam(r, "key"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get config", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// UpdateConfig applies a full or partial configuration. A configuration
// that fails validation is answered with 422 and its problems; the running
// configuration is unchanged.
// PUT /api/instances/{key}/config
func (h *InstanceHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	key := pathParam(r, "key")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	upd, err := h.instances.UpdateConfig(r.Context(), key, body)
	if err != nil {
		writeServiceError(w, r, h.logger, "update config", err)
		return
	}
	if !upd.Result.Applied {
		writeJSON(w, http.StatusUnprocessableEntity, upd)
		return
	}
	h.logger.InfoContext(r.Context(), "instance config updated",
		slog.String("instance", key),
		slog.Int64("version", upd.Version),
	)
	writeJSON(w, http.StatusOK, upd)
}

// RecentIntents returns the newest order intents across instances.
// GET /api/intents?limit=20
func (h *InstanceHandler) RecentIntents(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	intents := h.instances.RecentIntents(limit)
	if intents == nil {
		intents = []domain.OrderIntent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"intents": intents})
}
