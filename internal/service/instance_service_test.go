package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/alanyoungcy/microflow/internal/domain"
	"github.com/alanyoungcy/microflow/internal/strategy"
)

// directEngine reloads instances in place, standing in for the engine's
// goroutine hand-off.
type directEngine struct {
	registry *strategy.Registry
	diags    map[string]domain.Diagnostics
}

func (e *directEngine) Reload(_ context.Context, key string, cfg strategy.StrategyConfig) (strategy.ValidationResult, error) {
	inst, err := e.registry.Get(key)
	if err != nil {
		return strategy.ValidationResult{}, err
	}
	return inst.Reload(cfg), nil
}

func (e *directEngine) Diagnostics(key string) (domain.Diagnostics, bool) {
	d, ok := e.diags[key]
	return d, ok
}

func (e *directEngine) RecentIntents(int) []domain.OrderIntent { return nil }

type fakeConfigStore struct {
	mu   sync.Mutex
	recs map[string]domain.StrategyConfigRecord
}

func newFakeConfigStore() *fakeConfigStore {
	return &fakeConfigStore{recs: make(map[string]domain.StrategyConfigRecord)}
}

func (s *fakeConfigStore) Get(_ context.Context, key string) (domain.StrategyConfigRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recs[key]
	if !ok {
		return r, domain.ErrNotFound
	}
	return r, nil
}

func (s *fakeConfigStore) Upsert(_ context.Context, rec domain.StrategyConfigRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Version = s.recs[rec.InstanceKey].Version + 1
	s.recs[rec.InstanceKey] = rec
	return rec.Version, nil
}

func (s *fakeConfigStore) List(context.Context) ([]domain.StrategyConfigRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.StrategyConfigRecord
	for _, r := range s.recs {
		out = append(out, r)
	}
	return out, nil
}

func newInstanceFixture(t *testing.T) (*InstanceService, *directEngine, *fakeConfigStore, *fakeAudit) {
	t.Helper()
	reg := strategy.NewRegistry()
	inst, err := strategy.NewInstance("btc-1", "BTCUSDT", strategy.DefaultConfig(), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(inst); err != nil {
		t.Fatal(err)
	}
	eng := &directEngine{registry: reg, diags: map[string]domain.Diagnostics{
		"btc-1": {InstanceKey: "btc-1", Regime: domain.RegimeAssessment{RiskLevel: domain.RiskWarning}},
	}}
	store := newFakeConfigStore()
	audit := &fakeAudit{}
	return NewInstanceService(eng, reg, store, audit, quietLogger()), eng, store, audit
}

func TestInstanceServiceList(t *testing.T) {
	svc, _, _, _ := newInstanceFixture(t)
	got := svc.List()
	if len(got) != 1 {
		t.Fatalf("List = %+v", got)
	}
	if got[0].Key != "btc-1" || got[0].Symbol != "BTCUSDT" || got[0].Scheme != "layered" || got[0].RiskLevel != domain.RiskWarning {
		t.Errorf("summary = %+v", got[0])
	}
}

func TestInstanceServiceDiagnostics(t *testing.T) {
	svc, eng, _, _ := newInstanceFixture(t)
	if _, err := svc.Diagnostics("nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown key err = %v", err)
	}
	delete(eng.diags, "btc-1")
	if _, err := svc.Diagnostics("btc-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("no diagnostics yet err = %v", err)
	}
}

func TestUpdateConfigAppliesPatch(t *testing.T) {
	svc, _, store, audit := newInstanceFixture(t)

	upd, err := svc.UpdateConfig(context.Background(), "btc-1", []byte(`{"signal":{"threshold":0.35}}`))
	if err != nil {
		t.Fatal(err)
	}
	if !upd.Result.Applied || upd.Version != 1 {
		t.Fatalf("update = %+v", upd)
	}
	cfg, _ := svc.Config("btc-1")
	if cfg.Signal.Threshold != 0.35 {
		t.Errorf("threshold = %v", cfg.Signal.Threshold)
	}
	if cfg.Signal.Weights != strategy.DefaultConfig().Signal.Weights {
		t.Error("patch clobbered untouched fields")
	}

	var stored strategy.StrategyConfig
	if err := json.Unmarshal(store.recs["btc-1"].Payload, &stored); err != nil || stored.Signal.Threshold != 0.35 {
		t.Errorf("stored = %+v, %v", stored.Signal, err)
	}
	if len(audit.events) != 1 || audit.events[0] != "config_reloaded" {
		t.Errorf("audit = %v", audit.events)
	}
}

func TestUpdateConfigRejections(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		patch   string
		wantErr error
		applied bool
	}{
		{"unknown instance", "eth-1", `{}`, domain.ErrNotFound, false},
		{"unknown field", "btc-1", `{"bogus":1}`, domain.ErrConfiguration, false},
		{"empty body", "btc-1", ``, domain.ErrConfiguration, false},
		{"invalid value", "btc-1", `{"signal":{"threshold":-1}}`, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _, store, _ := newInstanceFixture(t)
			upd, err := svc.UpdateConfig(context.Background(), tt.key, []byte(tt.patch))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if upd.Result.Applied || len(upd.Result.Problems) == 0 {
				t.Errorf("result = %+v", upd.Result)
			}
			if len(store.recs) != 0 {
				t.Error("rejected config persisted")
			}
		})
	}
}

func TestRestorePersisted(t *testing.T) {
	svc, _, store, _ := newInstanceFixture(t)
	good := strategy.DefaultConfig()
	good.Signal.Threshold = 0.4
	payload, _ := json.Marshal(good)
	store.recs["btc-1"] = domain.StrategyConfigRecord{InstanceKey: "btc-1", Payload: payload, Version: 3}
	store.recs["gone"] = domain.StrategyConfigRecord{InstanceKey: "gone", Payload: payload}

	n, err := svc.RestorePersisted(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("restored = %d, %v", n, err)
	}
	cfg, _ := svc.Config("btc-1")
	if cfg.Signal.Threshold != 0.4 {
		t.Errorf("threshold = %v", cfg.Signal.Threshold)
	}
}
