package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// DiagnosticsService mirrors per-instance diagnostics to the snapshot cache
// and the bus so processes without an engine (monitor mode) can serve them.
type DiagnosticsService struct {
	NopObserver

	cache  domain.DiagnosticsCache
	bus    Publisher
	logger *slog.Logger
}

// NewDiagnosticsService creates a DiagnosticsService. cache and bus may be nil.
func NewDiagnosticsService(cache domain.DiagnosticsCache, bus Publisher, logger *slog.Logger) *DiagnosticsService {
	return &DiagnosticsService{
		cache:  cache,
		bus:    bus,
		logger: logger.With(slog.String("component", "diagnostics_service")),
	}
}

// OnDiagnostics caches and publishes d.
func (s *DiagnosticsService) OnDiagnostics(ctx context.Context, d domain.Diagnostics) {
	if s.cache != nil {
		if err := s.cache.SetDiagnostics(ctx, d); err != nil {
			s.logger.WarnContext(ctx, "cache diagnostics failed",
				slog.String("instance", d.InstanceKey),
				slog.String("error", err.Error()),
			)
		}
	}
	publishJSON(ctx, s.bus, ChannelDiagnostics, d, s.logger)

	if d.Regime.RiskLevel == domain.RiskCritical {
		// Protective outcome, not a fault.
		s.logger.InfoContext(ctx, "critical regime",
			slog.String("instance", d.InstanceKey),
			slog.Any("blocking_reasons", d.Regime.BlockingReasons),
		)
	}
}

// Get returns the cached diagnostics for one instance.
func (s *DiagnosticsService) Get(ctx context.Context, instanceKey string) (domain.Diagnostics, error) {
	if s.cache == nil {
		return domain.Diagnostics{}, fmt.Errorf("diagnostics_service: get %s: %w", instanceKey, domain.ErrNotFound)
	}
	d, err := s.cache.GetDiagnostics(ctx, instanceKey)
	if err != nil {
		return domain.Diagnostics{}, fmt.Errorf("diagnostics_service: get %s: %w", instanceKey, err)
	}
	return d, nil
}

// List returns every cached diagnostics snapshot.
func (s *DiagnosticsService) List(ctx context.Context) ([]domain.Diagnostics, error) {
	if s.cache == nil {
		return nil, nil
	}
	out, err := s.cache.ListDiagnostics(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagnostics_service: list: %w", err)
	}
	return out, nil
}
