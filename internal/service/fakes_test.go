package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/microflow/internal/domain"
)

var t0 = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type published struct {
	channel string
	payload []byte
}

type fakeBus struct {
	mu   sync.Mutex
	msgs []published
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{channel, payload})
	return nil
}

func (b *fakeBus) on(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][]byte
	for _, m := range b.msgs {
		if m.channel == channel {
			out = append(out, m.payload)
		}
	}
	return out
}

type fakePositionStore struct {
	mu   sync.Mutex
	rows map[string]domain.Position
}

func newFakePositionStore() *fakePositionStore {
	return &fakePositionStore{rows: make(map[string]domain.Position)}
}

func (s *fakePositionStore) Upsert(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[p.ID] = p
	return nil
}

func (s *fakePositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *fakePositionStore) ListOpen(context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.rows {
		if p.Status == domain.PositionOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakePositionStore) ListHistory(context.Context, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

type fakeAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *fakeAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

func (a *fakeAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *fakeNotifier) Notify(_ context.Context, _, title, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
	return nil
}

func (n *fakeNotifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.Notify(ctx, "", title, message)
}

type fakeLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (l *fakeLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.keys = append(l.keys, key)
	return l.allow, l.err
}

type fixedPnL struct {
	net   decimal.Decimal
	since time.Time
}

func (p *fixedPnL) SumNet(_ context.Context, _ string, since time.Time) (decimal.Decimal, error) {
	p.since = since
	return p.net, nil
}

type fakeDiagCache struct {
	mu   sync.Mutex
	byID map[string]domain.Diagnostics
}

func (c *fakeDiagCache) SetDiagnostics(_ context.Context, d domain.Diagnostics) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byID == nil {
		c.byID = make(map[string]domain.Diagnostics)
	}
	c.byID[d.InstanceKey] = d
	return nil
}

func (c *fakeDiagCache) GetDiagnostics(_ context.Context, key string) (domain.Diagnostics, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.byID[key]
	if !ok {
		return domain.Diagnostics{}, domain.ErrNotFound
	}
	return d, nil
}

func (c *fakeDiagCache) ListDiagnostics(context.Context) ([]domain.Diagnostics, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Diagnostics, 0, len(c.byID))
	for _, d := range c.byID {
		out = append(out, d)
	}
	return out, nil
}

var errBoom = errors.New("boom")

func entryIntent() domain.OrderIntent {
	return domain.OrderIntent{
		ID:             "intent-1",
		InstanceKey:    "btc-1",
		Symbol:         "BTCUSDT",
		Action:         domain.ActionEnter,
		Direction:      domain.DirectionLong,
		Size:           0.5,
		Leverage:       3,
		ReferencePrice: 100,
		Style:          domain.StyleModerate,
		CreatedAt:      t0,
		ExpiresAt:      t0.Add(2 * time.Second),
	}
}
