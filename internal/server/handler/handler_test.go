package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/microflow/internal/domain"
	"github.com/alanyoungcy/microflow/internal/ledger"
	"github.com/alanyoungcy/microflow/internal/service"
	"github.com/alanyoungcy/microflow/internal/strategy"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeInstances struct {
	update service.ConfigUpdate
	err    error
	patch  string
}

func (f *fakeInstances) List() []service.InstanceSummary {
	return []service.InstanceSummary{{Key: "btc-1", Symbol: "BTCUSDT", Scheme: "layered"}}
}

func (f *fakeInstances) Diagnostics(key string) (domain.Diagnostics, error) {
	if key != "btc-1" {
		return domain.Diagnostics{}, domain.ErrNotFound
	}
	return domain.Diagnostics{InstanceKey: key, Halted: true}, nil
}

func (f *fakeInstances) Config(key string) (strategy.StrategyConfig, error) {
	if key != "btc-1" {
		return strategy.StrategyConfig{}, domain.ErrNotFound
	}
	return strategy.DefaultConfig(), nil
}

func (f *fakeInstances) UpdateConfig(_ context.Context, _ string, patch []byte) (service.ConfigUpdate, error) {
	f.patch = string(patch)
	return f.update, f.err
}

func (f *fakeInstances) RecentIntents(int) []domain.OrderIntent { return nil }

func newMux(inst InstanceService) *http.ServeMux {
	h := NewInstanceHandler(inst, quietLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/instances", h.List)
	mux.HandleFunc("GET /api/instances/{key}/diagnostics", h.Diagnostics)
	mux.HandleFunc("GET /api/instances/{key}/config", h.GetConfig)
	mux.HandleFunc("PUT /api/instances/{key}/config", h.UpdateConfig)
	mux.HandleFunc("GET /api/intents", h.RecentIntents)
	return mux
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestInstanceEndpoints(t *testing.T) {
	mux := newMux(&fakeInstances{})
	tests := []struct {
		name     string
		path     string
		wantCode int
		wantBody string
	}{
		{"list", "/api/instances", http.StatusOK, `"key":"btc-1"`},
		{"diagnostics", "/api/instances/btc-1/diagnostics", http.StatusOK, `"halted":true`},
		{"diagnostics unknown", "/api/instances/eth-1/diagnostics", http.StatusNotFound, "not found"},
		{"config", "/api/instances/btc-1/config", http.StatusOK, `"scheme":"layered"`},
		{"intents empty", "/api/intents", http.StatusOK, `{"intents":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, mux, http.MethodGet, tt.path, "")
			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %s, want substring %s", rec.Body, tt.wantBody)
			}
		})
	}
}

func TestUpdateConfigStatus(t *testing.T) {
	tests := []struct {
		name     string
		inst     *fakeInstances
		wantCode int
	}{
		{"applied", &fakeInstances{update: service.ConfigUpdate{Result: strategy.ValidationResult{Applied: true}}}, http.StatusOK},
		{"rejected", &fakeInstances{update: service.ConfigUpdate{Result: strategy.ValidationResult{Problems: []string{"bad"}}}}, http.StatusUnprocessableEntity},
		{"undecodable", &fakeInstances{err: &domain.ConfigurationError{Problems: []string{"decode"}}}, http.StatusBadRequest},
		{"unknown", &fakeInstances{err: domain.ErrNotFound}, http.StatusNotFound},
		{"store down", &fakeInstances{err: errors.New("conn refused")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, newMux(tt.inst), http.MethodPut, "/api/instances/btc-1/config", `{"signal":{"threshold":0.3}}`)
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body)
			}
			if tt.inst.patch != `{"signal":{"threshold":0.3}}` {
				t.Errorf("patch = %q", tt.inst.patch)
			}
		})
	}
}

func TestUpdateConfigBodyTooLarge(t *testing.T) {
	rec := do(t, newMux(&fakeInstances{}), http.MethodPut, "/api/instances/btc-1/config", strings.Repeat("x", maxBodyBytes+1))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("code = %d", rec.Code)
	}
}

func TestHealthCheck(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("dial tcp: refused") }

	rec := do(t, http.HandlerFunc(NewHealthHandler(map[string]Checker{"redis": ok}, quietLogger()).HealthCheck), http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("healthy = %d %s", rec.Code, rec.Body)
	}

	rec = do(t, http.HandlerFunc(NewHealthHandler(map[string]Checker{"redis": ok, "postgres": down}, quietLogger()).HealthCheck), http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "refused") {
		t.Errorf("degraded = %d %s", rec.Code, rec.Body)
	}
}

func TestStatus(t *testing.T) {
	h := NewStatusHandler("paper", time.Now().Add(-time.Minute), map[string]string{"api_key": "***"},
		map[string]func() any{"executor": func() any { return map[string]int{"filled": 3} }})
	rec := do(t, http.HandlerFunc(h.GetStatus), http.MethodGet, "/api/status", "")

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["mode"] != "paper" || body["uptime_seconds"].(float64) < 59 {
		t.Errorf("body = %v", body)
	}
	if ex, _ := body["executor"].(map[string]any); ex["filled"] != float64(3) {
		t.Errorf("executor = %v", body["executor"])
	}
}

type fakePositions struct{}

func (fakePositions) OpenPositions(context.Context) ([]domain.Position, error) {
	return []domain.Position{{ID: "p1", InstanceKey: "btc-1"}, {ID: "p2", InstanceKey: "btc-2"}}, nil
}

func (fakePositions) History(context.Context, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

func TestPositions(t *testing.T) {
	h := NewPositionHandler(fakePositions{}, quietLogger())
	rec := do(t, http.HandlerFunc(h.ListPositions), http.MethodGet, "/api/positions?instance=btc-2", "")
	if !strings.Contains(rec.Body.String(), `"id":"p2"`) || strings.Contains(rec.Body.String(), `"id":"p1"`) {
		t.Errorf("body = %s", rec.Body)
	}
	rec = do(t, http.HandlerFunc(h.ListHistory), http.MethodGet, "/api/positions/history?since=yesterday", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad since code = %d", rec.Code)
	}
	rec = do(t, http.HandlerFunc(h.ListHistory), http.MethodGet, "/api/positions/history", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"positions":[]`) {
		t.Errorf("history = %d %s", rec.Code, rec.Body)
	}
}

func TestTradesAndStats(t *testing.T) {
	l := ledger.New(quietLogger())
	for i, id := range []string{"a", "b"} {
		_ = l.Append(context.Background(), domain.TradeRecord{
			PositionID:  id,
			InstanceKey: "btc-1",
			Scheme:      "layered",
			NetPnL:      decimal.NewFromInt(int64(2*i - 1)),
			ExitTime:    time.Date(2026, 1, 1, i, 0, 0, 0, time.UTC),
		})
	}
	h := NewTradeHandler(l, l, quietLogger())

	rec := do(t, http.HandlerFunc(h.ListTrades), http.MethodGet, "/api/trades?limit=1", "")
	var trades struct {
		Trades []domain.TradeRecord `json:"trades"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &trades); err != nil {
		t.Fatal(err)
	}
	if len(trades.Trades) != 1 || trades.Trades[0].PositionID != "b" {
		t.Errorf("trades = %+v", trades.Trades)
	}

	rec = do(t, http.HandlerFunc(h.Stats), http.MethodGet, "/api/ledger/stats", "")
	if !strings.Contains(rec.Body.String(), `"schemes":[{"scheme":"layered"`) {
		t.Errorf("stats = %s", rec.Body)
	}
	rec = do(t, http.HandlerFunc(h.Stats), http.MethodGet, "/api/ledger/stats?scheme=layered", "")
	if !strings.Contains(rec.Body.String(), `"trades":2`) {
		t.Errorf("scheme stats = %s", rec.Body)
	}
}
