package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/microflow/internal/domain"
	"github.com/alanyoungcy/microflow/internal/strategy"
)

// InstanceEngine is the part of strategy.Engine the instance service drives.
type InstanceEngine interface {
	Reload(ctx context.Context, key string, cfg strategy.StrategyConfig) (strategy.ValidationResult, error)
	Diagnostics(key string) (domain.Diagnostics, bool)
	RecentIntents(limit int) []domain.OrderIntent
}

// InstanceSummary is one row of the instance listing.
type InstanceSummary struct {
	Key       string           `json:"key"`
	Symbol    string           `json:"symbol"`
	Scheme    string           `json:"scheme"`
	Halted    bool             `json:"halted"`
	RiskLevel domain.RiskLevel `json:"risk_level,omitempty"`
	Position  *domain.Position `json:"position,omitempty"`
}

// ConfigUpdate is the outcome of a configuration change.
type ConfigUpdate struct {
	Instance string                    `json:"instance"`
	Result   strategy.ValidationResult `json:"result"`
	Version  int64                     `json:"version,omitempty"`
	Config   strategy.StrategyConfig   `json:"config"`
}

// InstanceService exposes the registered instances to the API: listing,
// diagnostics and hot configuration changes that are persisted so they
// survive restarts.
type InstanceService struct {
	engine   InstanceEngine
	registry *strategy.Registry
	store    domain.StrategyConfigStore
	audit    domain.AuditStore
	logger   *slog.Logger

	mu      sync.Mutex
	configs map[string]strategy.StrategyConfig
}

// NewInstanceService creates an InstanceService. It must be built before
// the engine starts so it can read each instance's initial configuration.
// store and audit may be nil.
func NewInstanceService(engine InstanceEngine, registry *strategy.Registry, store domain.StrategyConfigStore, audit domain.AuditStore, logger *slog.Logger) *InstanceService {
	s := &InstanceService{
		engine:   engine,
		registry: registry,
		store:    store,
		audit:    audit,
		logger:   logger.With(slog.String("component", "instance_service")),
		configs:  make(map[string]strategy.StrategyConfig),
	}
	for _, key := range registry.List() {
		if inst, err := registry.Get(key); err == nil {
			s.configs[key] = inst.Config()
		}
	}
	return s
}

// RestorePersisted applies stored configurations on top of the file
// configuration. It calls the instances directly and so must run before
// the engine starts. Invalid stored configurations are logged and skipped.
func (s *InstanceService) RestorePersisted(ctx context.Context) (int, error) {
	if s.store == nil {
		return 0, nil
	}
	recs, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("instance_service: restore: %w", err)
	}
	restored := 0
	for _, rec := range recs {
		inst, err := s.registry.Get(rec.InstanceKey)
		if err != nil {
			continue
		}
		cfg, err := s.merge(rec.InstanceKey, rec.Payload)
		if err != nil {
			s.logger.WarnContext(ctx, "stored config undecodable",
				slog.String("instance", rec.InstanceKey),
				slog.String("error", err.Error()),
			)
			continue
		}
		res := inst.Reload(cfg)
		if !res.Applied {
			s.logger.WarnContext(ctx, "stored config rejected",
				slog.String("instance", rec.InstanceKey),
				slog.Any("problems", res.Problems),
			)
			continue
		}
		s.mu.Lock()
		s.configs[rec.InstanceKey] = cfg
		s.mu.Unlock()
		restored++
	}
	return restored, nil
}

// List summarizes every registered instance, ordered by key.
func (s *InstanceService) List() []InstanceSummary {
	infos := s.registry.ListInfo()
	out := make([]InstanceSummary, 0, len(infos))
	for _, info := range infos {
		sum := InstanceSummary{Key: info.Key, Symbol: info.Symbol}
		s.mu.Lock()
		sum.Scheme = s.configs[info.Key].Scheme
		s.mu.Unlock()
		if d, ok := s.engine.Diagnostics(info.Key); ok {
			sum.Halted = d.Halted
			sum.RiskLevel = d.Regime.RiskLevel
			sum.Position = d.Position
		}
		out = append(out, sum)
	}
	return out
}

// Diagnostics returns the latest diagnostics of one instance.
func (s *InstanceService) Diagnostics(key string) (domain.Diagnostics, error) {
	if _, err := s.registry.Get(key); err != nil {
		return domain.Diagnostics{}, err
	}
	d, ok := s.engine.Diagnostics(key)
	if !ok {
		return domain.Diagnostics{}, fmt.Errorf("instance_service: diagnostics %s: %w", key, domain.ErrNotFound)
	}
	return d, nil
}

// Config returns the configuration last applied to an instance.
func (s *InstanceService) Config(key string) (strategy.StrategyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[key]
	if !ok {
		return strategy.StrategyConfig{}, fmt.Errorf("instance_service: config %s: %w", key, domain.ErrNotFound)
	}
	return cfg, nil
}

// RecentIntents returns the newest intents across all instances.
func (s *InstanceService) RecentIntents(limit int) []domain.OrderIntent {
	return s.engine.RecentIntents(limit)
}

// UpdateConfig decodes patch over the instance's current configuration and
// reloads it. Fields missing from patch keep their value. A rejected change
// returns the problems in the result with a nil error; an applied change is
// persisted and audited.
func (s *InstanceService) UpdateConfig(ctx context.Context, key string, patch []byte) (ConfigUpdate, error) {
	if _, err := s.registry.Get(key); err != nil {
		return ConfigUpdate{}, err
	}
	cfg, err := s.merge(key, patch)
	if err != nil {
		return ConfigUpdate{}, &domain.ConfigurationError{Problems: []string{err.Error()}}
	}

	res, err := s.engine.Reload(ctx, key, cfg)
	if err != nil {
		return ConfigUpdate{}, fmt.Errorf("instance_service: reload %s: %w", key, err)
	}
	upd := ConfigUpdate{Instance: key, Result: res, Config: cfg}
	if !res.Applied {
		return upd, nil
	}

	s.mu.Lock()
	s.configs[key] = cfg
	s.mu.Unlock()

	if s.store != nil {
		payload, err := json.Marshal(cfg)
		if err != nil {
			return upd, fmt.Errorf("instance_service: marshal config %s: %w", key, err)
		}
		upd.Version, err = s.store.Upsert(ctx, domain.StrategyConfigRecord{InstanceKey: key, Payload: payload})
		if err != nil {
			// The engine already runs the new configuration.
			s.logger.WarnContext(ctx, "persist config failed",
				slog.String("instance", key),
				slog.String("error", err.Error()),
			)
		}
	}
	if s.audit != nil {
		if err := s.audit.Log(ctx, "config_reloaded", map[string]any{
			"instance":          key,
			"version":           upd.Version,
			"calculators_reset": res.CalculatorsReset,
		}); err != nil {
			s.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	return upd, nil
}

// merge decodes patch over a copy of the current configuration. Unknown
// fields are rejected.
func (s *InstanceService) merge(key string, patch []byte) (strategy.StrategyConfig, error) {
	s.mu.Lock()
	cfg, ok := s.configs[key]
	s.mu.Unlock()
	if !ok {
		return strategy.StrategyConfig{}, fmt.Errorf("instance %s: %w", key, domain.ErrNotFound)
	}
	if len(bytes.TrimSpace(patch)) == 0 {
		return strategy.StrategyConfig{}, errors.New("empty configuration")
	}
	dec := json.NewDecoder(bytes.NewReader(patch))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return strategy.StrategyConfig{}, fmt.Errorf("decode configuration: %w", err)
	}
	return cfg, nil
}
