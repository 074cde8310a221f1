package position

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/microflow/internal/domain"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("pos-%d", n)
	}
}

func defaultRules() Rules {
	return Rules{
		TrailingTriggerPct: 0.006,
		TrailingOffsetPct:  0.002,
		MaxHolding:         30 * time.Minute,
		MinHolding:         10 * time.Second,
		ReverseConfidence:  0.7,
		FeeRate:            0.0004,
		FundingRateHourly:  0.00003,
		PendingTimeout:     5 * time.Second,
	}
}

func newManager(t *testing.T, r Rules) *Manager {
	t.Helper()
	return NewManager("inst-a", "BTCUSDT", "layered", r, seqIDs())
}

func openLong(t *testing.T, m *Manager) domain.Position {
	t.Helper()
	p, err := m.Open(OpenParams{
		Direction:       domain.DirectionLong,
		EntryPrice:      100,
		EntryTime:       t0,
		Size:            1,
		Leverage:        10,
		StopLossPrice:   99,
		TakeProfitPrice: 103,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return p
}

func TestStopLossFiresOnThirdTick(t *testing.T) {
	m := newManager(t, defaultRules())
	openLong(t, m)
	ticks := []float64{100.5, 101, 99}
	for i, px := range ticks {
		now := t0.Add(time.Duration(i+1) * time.Second)
		chk := m.Evaluate(px, now, domain.Signal{})
		if i < 2 && chk.Fire {
			t.Fatalf("tick %d fired %s", i, chk.Reason)
		}
		if i == 2 {
			if !chk.Fire || chk.Reason != domain.ExitStopLoss {
				t.Fatalf("tick 3 = %+v, want STOP_LOSS", chk)
			}
		}
	}
}

func TestExitPriority(t *testing.T) {
	tests := []struct {
		name  string
		rules func(*Rules)
		price float64
		at    time.Duration
		sig   domain.Signal
		want  domain.ExitReason
	}{
		{name: "take profit", price: 103, at: time.Minute, want: domain.ExitTakeProfit},
		{
			name:  "take profit beats time limit",
			price: 104, at: time.Hour,
			want: domain.ExitTakeProfit,
		},
		{
			name:  "time limit beats reverse",
			price: 100, at: time.Hour,
			sig:  domain.Signal{Direction: domain.DirectionShort, Confidence: 0.9},
			want: domain.ExitTimeLimit,
		},
		{
			name:  "reverse signal",
			price: 100, at: time.Minute,
			sig:  domain.Signal{Direction: domain.DirectionShort, Confidence: 0.7},
			want: domain.ExitReverseSignal,
		},
		{
			name:  "weak reverse ignored",
			price: 100, at: time.Minute,
			sig: domain.Signal{Direction: domain.DirectionShort, Confidence: 0.69},
		},
		{
			name:  "same direction ignored",
			price: 100, at: time.Minute,
			sig: domain.Signal{Direction: domain.DirectionLong, Confidence: 1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t, defaultRules())
			openLong(t, m)
			chk := m.Evaluate(tt.price, t0.Add(tt.at), tt.sig)
			if tt.want == "" {
				if chk.Fire {
					t.Fatalf("unexpected exit %s", chk.Reason)
				}
				return
			}
			if !chk.Fire || chk.Reason != tt.want {
				t.Fatalf("check = %+v, want %s", chk, tt.want)
			}
		})
	}
}

func TestMinHoldingDefersAllButStopLoss(t *testing.T) {
	m := newManager(t, defaultRules())
	openLong(t, m)
	chk := m.Evaluate(103.5, t0.Add(2*time.Second), domain.Signal{})
	if chk.Fire || !chk.Deferred || chk.Reason != domain.ExitTakeProfit {
		t.Fatalf("early take profit = %+v, want deferred", chk)
	}
	if _, open := m.Position(); !open {
		t.Fatal("position should stay open while deferred")
	}
	chk = m.Evaluate(98.9, t0.Add(3*time.Second), domain.Signal{})
	if !chk.Fire || chk.Reason != domain.ExitStopLoss {
		t.Fatalf("early stop loss = %+v, want immediate STOP_LOSS", chk)
	}
}

func TestTrailingStop(t *testing.T) {
	m := newManager(t, defaultRules())
	openLong(t, m)
	now := t0.Add(time.Minute)
	// +0.5%: not armed
	m.Evaluate(100.5, now, domain.Signal{})
	if p, _ := m.Position(); p.Trailing.Armed {
		t.Fatal("trailing armed below trigger")
	}
	// +1%: armed, best 101
	if chk := m.Evaluate(101, now, domain.Signal{}); chk.Fire {
		t.Fatalf("fired on arming tick: %s", chk.Reason)
	}
	p, _ := m.Position()
	if !p.Trailing.Armed || p.Trailing.BestPrice != 101 {
		t.Fatalf("trailing = %+v", p.Trailing)
	}
	// 0.15% retrace: hold
	if chk := m.Evaluate(100.85, now, domain.Signal{}); chk.Fire {
		t.Fatalf("fired inside offset: %s", chk.Reason)
	}
	// 0.3% retrace: exit
	chk := m.Evaluate(100.7, now, domain.Signal{})
	if !chk.Fire || chk.Reason != domain.ExitTrailingStop {
		t.Fatalf("check = %+v, want TRAILING_STOP", chk)
	}
}

func TestShortExits(t *testing.T) {
	m := newManager(t, defaultRules())
	_, err := m.Open(OpenParams{
		Direction: domain.DirectionShort, EntryPrice: 100, EntryTime: t0, Size: 1,
		StopLossPrice: 101, TakeProfitPrice: 97,
	})
	if err != nil {
		t.Fatal(err)
	}
	if chk := m.Evaluate(101, t0.Add(time.Second), domain.Signal{}); chk.Reason != domain.ExitStopLoss {
		t.Fatalf("short stop = %+v", chk)
	}
	m2 := newManager(t, defaultRules())
	m2.Open(OpenParams{Direction: domain.DirectionShort, EntryPrice: 100, EntryTime: t0, Size: 1, StopLossPrice: 101, TakeProfitPrice: 97})
	if chk := m2.Evaluate(96.9, t0.Add(time.Minute), domain.Signal{}); chk.Reason != domain.ExitTakeProfit {
		t.Fatalf("short target = %+v", chk)
	}
}

func TestSecondOpenIsStateViolation(t *testing.T) {
	m := newManager(t, defaultRules())
	openLong(t, m)
	_, err := m.Open(OpenParams{Direction: domain.DirectionShort, EntryPrice: 100, EntryTime: t0, Size: 1})
	if !errors.Is(err, domain.ErrStateViolation) {
		t.Fatalf("err = %v, want state violation", err)
	}
	if err := m.BeginEntry(Entry{IntentID: "x", Direction: domain.DirectionLong}, t0); !errors.Is(err, domain.ErrStateViolation) {
		t.Fatalf("BeginEntry err = %v, want state violation", err)
	}
}

func TestClosedPositionIsTerminal(t *testing.T) {
	m := newManager(t, defaultRules())
	p := openLong(t, m)
	rec, err := m.Close(p.ID, 101, domain.ExitTakeProfit, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if rec.PositionID != p.ID || rec.ExitReason != domain.ExitTakeProfit {
		t.Fatalf("record = %+v", rec)
	}
	before, _ := m.LastClosed()

	_, err = m.Close(p.ID, 102, domain.ExitManual, t0.Add(2*time.Hour))
	if !errors.Is(err, domain.ErrStateViolation) {
		t.Fatalf("second close err = %v, want state violation", err)
	}
	if chk := m.Evaluate(90, t0.Add(3*time.Hour), domain.Signal{}); chk.Fire {
		t.Fatal("closed position must not be evaluated")
	}
	after, _ := m.LastClosed()
	if before != after {
		t.Fatalf("closed position mutated: %+v -> %+v", before, after)
	}
	if after.Status != domain.PositionClosed {
		t.Fatalf("status = %s", after.Status)
	}

	// a new entry creates a new record rather than reopening
	p2 := openLong(t, m)
	if p2.ID == p.ID {
		t.Fatal("position id reused")
	}
}

func TestCloseWithoutPosition(t *testing.T) {
	m := newManager(t, defaultRules())
	if _, err := m.Close("", 100, domain.ExitManual, t0); !errors.Is(err, domain.ErrStateViolation) {
		t.Fatalf("err = %v", err)
	}
}

func TestPendingEntryLifecycle(t *testing.T) {
	m := newManager(t, defaultRules())
	e := Entry{
		IntentID: "i-1", Direction: domain.DirectionShort, SizeFraction: 0.5, Leverage: 10,
		Capital: 1000, StopLossPct: 0.01, TakeProfitPct: 0.02,
	}
	if err := m.BeginEntry(e, t0); err != nil {
		t.Fatal(err)
	}
	if !m.Busy() || !m.PendingEntry() {
		t.Fatal("slot should be busy while entry pending")
	}
	if _, err := m.ConfirmEntry("other", 100, 0, t0); !errors.Is(err, domain.ErrStaleIntent) {
		t.Fatalf("mismatched fill err = %v", err)
	}
	p, err := m.ConfirmEntry("i-1", 200, 0, t0.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	// 1000 * 0.5 * 10 / 200
	if p.Size != 25 {
		t.Fatalf("size = %v, want 25", p.Size)
	}
	if p.StopLossPrice != 202 || p.TakeProfitPrice != 196 {
		t.Fatalf("short stop/target = %v/%v", p.StopLossPrice, p.TakeProfitPrice)
	}
}

func TestExpirePending(t *testing.T) {
	m := newManager(t, defaultRules())
	if err := m.BeginEntry(Entry{IntentID: "i-1", Direction: domain.DirectionLong}, t0); err != nil {
		t.Fatal(err)
	}
	if got := m.ExpirePending(t0.Add(4 * time.Second)); len(got) != 0 {
		t.Fatalf("expired early: %v", got)
	}
	if got := m.ExpirePending(t0.Add(5 * time.Second)); len(got) != 1 || got[0] != "i-1" {
		t.Fatalf("expired = %v", got)
	}
	if m.Busy() {
		t.Fatal("slot should be free after entry timeout")
	}

	p := openLong(t, m)
	if err := m.BeginExit("x-1", domain.ExitTakeProfit, t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if chk := m.Evaluate(50, t0.Add(time.Minute), domain.Signal{}); chk.Fire {
		t.Fatal("pending exit must suppress evaluation")
	}
	m.ExpirePending(t0.Add(time.Minute + 5*time.Second))
	cur, _ := m.Position()
	if cur.ID != p.ID || cur.Pending != domain.PendingNone {
		t.Fatalf("position after exit timeout = %+v", cur)
	}
	if chk := m.Evaluate(98, t0.Add(2*time.Minute), domain.Signal{}); !chk.Fire {
		t.Fatal("exit rules should run again after timeout")
	}
}

func TestRealize(t *testing.T) {
	p := domain.Position{
		ID: "p", Direction: domain.DirectionLong, EntryPrice: 100, ExitPrice: 101, Size: 2,
		EntryTime: t0, ExitTime: t0.Add(2 * time.Hour), ExitReason: domain.ExitTakeProfit,
	}
	rec := Realize(p, "layered", 0.0004, 0.00003)
	checks := map[string][2]decimal.Decimal{
		"gross":   {rec.GrossPnL, decimal.RequireFromString("2")},
		"fees":    {rec.Fees, decimal.RequireFromString("0.1608")},
		"funding": {rec.Funding, decimal.RequireFromString("0.012")},
		"net":     {rec.NetPnL, decimal.RequireFromString("1.8272")},
	}
	for name, c := range checks {
		if !c[0].Equal(c[1]) {
			t.Errorf("%s = %s, want %s", name, c[0], c[1])
		}
	}
	if rec.HoldingDuration != 2*time.Hour || !rec.Win() {
		t.Fatalf("record = %+v", rec)
	}

	p.Direction = domain.DirectionShort
	rec = Realize(p, "layered", 0, 0)
	if !rec.GrossPnL.Equal(decimal.NewFromInt(-2)) {
		t.Fatalf("short gross = %s", rec.GrossPnL)
	}
}

func TestEventsDrained(t *testing.T) {
	m := newManager(t, defaultRules())
	p := openLong(t, m)
	m.Close(p.ID, 100, domain.ExitManual, t0.Add(time.Minute))
	evs := m.DrainEvents()
	if len(evs) != 2 || evs[0].Kind != EventOpened || evs[1].Kind != EventClosed {
		t.Fatalf("events = %+v", evs)
	}
	if evs[1].Position.Status != domain.PositionClosed {
		t.Fatal("closed event should carry the closed position")
	}
	if len(m.DrainEvents()) != 0 {
		t.Fatal("events not cleared")
	}
}
