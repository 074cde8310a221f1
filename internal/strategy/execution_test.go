package strategy

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/microflow/internal/domain"
	"github.com/alanyoungcy/microflow/internal/position"
)

func seqIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func newExec(cfg StrategyConfig) (*ExecutionEngine, *position.Manager) {
	pm := position.NewManager("btc-1", "BTCUSDT", cfg.Scheme, rulesFrom(cfg), seqIDs("pos"))
	return NewExecutionEngine(cfg, NewRegimeFilter(cfg.Regime), pm), pm
}

func regimeAt(level domain.RiskLevel, vpin, spread float64) domain.RegimeAssessment {
	return domain.RegimeAssessment{RiskLevel: level, VPIN: &vpin, SpreadBps: domain.Bps(spread), Depth: 10}
}

func longSignal(conf float64) domain.Signal {
	return domain.Signal{Direction: domain.DirectionLong, Confidence: conf, Score: conf}
}

func TestBreakevenAndCostGate(t *testing.T) {
	be := BreakevenMove(0.0006, 0.0002, 20, 0.5)
	if math.Abs(be-0.00014) > 1e-12 {
		t.Fatalf("breakeven = %v, want 0.00014", be)
	}
	if PassesCostGate(0.0001, be, 1.5) {
		t.Error("expected move 0.0001 must be rejected")
	}
	if !PassesCostGate(0.0003, be, 1.5) {
		t.Error("expected move 0.0003 must be accepted")
	}
	if !math.IsInf(BreakevenMove(0.0006, 0.0002, 0, 0.5), 1) {
		t.Error("zero leverage should give infinite breakeven")
	}
}

func costGateConfig(tp float64) StrategyConfig {
	cfg := DefaultConfig()
	cfg.Leverage.Policy = PolicyStatic
	cfg.Leverage.Static = 20
	cfg.Sizing.BaseFraction = 0.5
	cfg.Costs.TakerFee = 0.0006
	cfg.Costs.AssumedSlippage = 0.0002
	cfg.Costs.SafetyMargin = 1.5
	cfg.Exit.Policy = PolicyStatic
	cfg.Exit.StopLossPct = 0.0001
	cfg.Exit.TakeProfitPct = tp
	return cfg
}

func TestDecideAppliesCostGate(t *testing.T) {
	tests := []struct {
		tp   float64
		want domain.DecisionOutcome
	}{
		{0.0001, domain.OutcomeNoTrade},
		{0.0003, domain.OutcomeEnter},
	}
	for _, tt := range tests {
		e, _ := newExec(costGateConfig(tt.tp))
		d := e.Decide(longSignal(1), regimeAt(domain.RiskSafe, 0.1, 1), 100, t0)
		if d.Outcome != tt.want {
			t.Errorf("tp %v: outcome = %s (%s), want %s", tt.tp, d.Outcome, d.Reason, tt.want)
		}
		if tt.want == domain.OutcomeEnter {
			p := d.Plan
			if p.Leverage != 20 || p.SizeFraction != 0.5 {
				t.Errorf("plan lev=%v frac=%v, want 20 and 0.5", p.Leverage, p.SizeFraction)
			}
			if math.Abs(p.BreakevenMove-0.00014) > 1e-12 {
				t.Errorf("breakeven = %v", p.BreakevenMove)
			}
			if math.Abs(p.Size-1000*0.5*20/100) > 1e-9 {
				t.Errorf("size = %v, want 100", p.Size)
			}
			if math.Abs(p.TakeProfitPrice-100.03) > 1e-9 || math.Abs(p.StopLossPrice-99.99) > 1e-9 {
				t.Errorf("tp/sl prices = %v/%v", p.TakeProfitPrice, p.StopLossPrice)
			}
			if p.Style != domain.StyleAggressive {
				t.Errorf("style = %s, want AGGRESSIVE", p.Style)
			}
		}
	}
}

func TestDecideEntryGates(t *testing.T) {
	tests := []struct {
		name   string
		sig    domain.Signal
		regime domain.RegimeAssessment
		price  float64
		want   domain.DecisionOutcome
	}{
		{"neutral", domain.Signal{Direction: domain.DirectionNeutral}, regimeAt(domain.RiskSafe, 0.1, 1), 100, domain.OutcomeNoTrade},
		{"critical", longSignal(0.95), regimeAt(domain.RiskCritical, 0.75, 1), 100, domain.OutcomeBlocked},
		{"danger low confidence", longSignal(0.7), regimeAt(domain.RiskDanger, 0.55, 1), 100, domain.OutcomeBlocked},
		{"danger override", longSignal(0.9), regimeAt(domain.RiskDanger, 0.55, 1), 100, domain.OutcomeEnter},
		{"warning", longSignal(0.7), regimeAt(domain.RiskWarning, 0.35, 1), 100, domain.OutcomeEnter},
		{"no price", longSignal(0.7), regimeAt(domain.RiskSafe, 0.1, 1), 0, domain.OutcomeNoTrade},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newExec(DefaultConfig())
			d := e.Decide(tt.sig, tt.regime, tt.price, t0)
			if d.Outcome != tt.want {
				t.Errorf("outcome = %s (%s), want %s", d.Outcome, d.Reason, tt.want)
			}
		})
	}
}

func TestWarningReducesSize(t *testing.T) {
	e, _ := newExec(DefaultConfig())
	safe := e.SizeFraction(0.7, domain.RiskSafe, false)
	warn := e.SizeFraction(0.7, domain.RiskWarning, false)
	override := e.SizeFraction(0.9, domain.RiskDanger, true)
	if safe != 0.5 {
		t.Errorf("safe fraction = %v, want 0.5", safe)
	}
	if math.Abs(warn-0.3) > 1e-12 {
		t.Errorf("warning fraction = %v, want 0.3", warn)
	}
	if math.Abs(override-0.3) > 1e-12 {
		t.Errorf("danger override fraction = %v, want 0.3", override)
	}
}

func TestSizeMonotoneInConfidence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sizing.ConfidenceWeight = 1
	e, _ := newExec(cfg)
	prev := 0.0
	for i := 0; i <= 20; i++ {
		f := e.SizeFraction(float64(i)/20, domain.RiskSafe, false)
		if f < prev {
			t.Fatalf("fraction fell from %v to %v at step %d", prev, f, i)
		}
		if f < cfg.Sizing.MinFraction || f > cfg.Sizing.MaxFraction {
			t.Fatalf("fraction %v outside bounds", f)
		}
		prev = f
	}
}

func TestDynamicLeverage(t *testing.T) {
	e, _ := newExec(DefaultConfig())

	prev := 0.0
	for i := 0; i <= 20; i++ {
		lev := e.Leverage(float64(i)/20, regimeAt(domain.RiskSafe, 0.1, 2))
		if lev < prev {
			t.Fatalf("leverage fell with confidence: %v -> %v", prev, lev)
		}
		if lev != math.Floor(lev) || lev < 2 || lev > 20 {
			t.Fatalf("leverage %v not an integer in [2, 20]", lev)
		}
		prev = lev
	}

	prev = math.Inf(1)
	for i := 0; i <= 10; i++ {
		lev := e.Leverage(0.9, regimeAt(domain.RiskSafe, float64(i)/10, 2))
		if lev > prev {
			t.Fatalf("leverage rose with vpin: %v -> %v", prev, lev)
		}
		prev = lev
	}

	if got := e.Leverage(1, regimeAt(domain.RiskSafe, 0, 0)); got != 20 {
		t.Errorf("ideal conditions leverage = %v, want 20", got)
	}
	if got := e.Leverage(1, domain.RegimeAssessment{SpreadBps: domain.Bps(math.Inf(1))}); got != 2 {
		t.Errorf("degenerate leverage = %v, want 2", got)
	}
}

func TestStaticLeverage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Leverage.Policy = PolicyStatic
	cfg.Leverage.Static = 7
	e, _ := newExec(cfg)
	if got := e.Leverage(0.1, regimeAt(domain.RiskSafe, 0.6, 15)); got != 7 {
		t.Errorf("leverage = %v, want 7", got)
	}
}

func TestDynamicStopTarget(t *testing.T) {
	e, _ := newExec(DefaultConfig())
	tests := []struct {
		lev    float64
		sl, tp float64
	}{
		{2, 0.01, 0.02},
		{10, 0.002, 0.004},
		{20, 0.002, 0.004},
		{1, 0.02, 0.04},
	}
	for _, tt := range tests {
		sl, tp := e.StopTarget(tt.lev)
		if math.Abs(sl-tt.sl) > 1e-12 || math.Abs(tp-tt.tp) > 1e-12 {
			t.Errorf("lev %v: sl/tp = %v/%v, want %v/%v", tt.lev, sl, tp, tt.sl, tt.tp)
		}
	}
}

func TestDecideExitsOpenPosition(t *testing.T) {
	e, pm := newExec(DefaultConfig())
	_, err := pm.Open(position.OpenParams{
		Direction: domain.DirectionLong, EntryPrice: 100, EntryTime: t0, Size: 1,
		SizeFraction: 0.5, Leverage: 10, StopLossPrice: 99, TakeProfitPrice: 103,
	})
	if err != nil {
		t.Fatal(err)
	}
	if d := e.Decide(longSignal(0.9), regimeAt(domain.RiskSafe, 0.1, 1), 100.5, t0.Add(time.Second)); d.Outcome != domain.OutcomeHold {
		t.Errorf("outcome = %s, want HOLD", d.Outcome)
	}
	d := e.Decide(longSignal(0.9), regimeAt(domain.RiskSafe, 0.1, 1), 98.9, t0.Add(2*time.Second))
	if d.Outcome != domain.OutcomeExit || d.Exit == nil || d.Exit.Reason != domain.ExitStopLoss {
		t.Fatalf("got %+v, want STOP_LOSS exit", d)
	}
}

func TestDecidePendingEntryIsNoTrade(t *testing.T) {
	e, pm := newExec(DefaultConfig())
	if err := pm.BeginEntry(position.Entry{
		IntentID: "i-1", Direction: domain.DirectionLong, SizeFraction: 0.5,
		Leverage: 10, Capital: 1000, StopLossPct: 0.01, TakeProfitPct: 0.02,
	}, t0); err != nil {
		t.Fatal(err)
	}
	d := e.Decide(longSignal(0.9), regimeAt(domain.RiskSafe, 0.1, 1), 100, t0)
	if d.Outcome != domain.OutcomeNoTrade {
		t.Errorf("outcome = %s, want NO_TRADE", d.Outcome)
	}
}

func TestLossStreakCooldown(t *testing.T) {
	e, _ := newExec(DefaultConfig())
	loss := domain.TradeRecord{NetPnL: decimal.NewFromInt(-1), ExitTime: t0}
	for i := 0; i < 3; i++ {
		e.RecordOutcome(loss)
	}
	if want := t0.Add(5 * time.Minute); !e.CooldownUntil().Equal(want) {
		t.Fatalf("cooldown until %v, want %v", e.CooldownUntil(), want)
	}
	if d := e.Decide(longSignal(0.9), regimeAt(domain.RiskSafe, 0.1, 1), 100, t0.Add(time.Minute)); d.Outcome != domain.OutcomeBlocked {
		t.Errorf("during cooldown: %s, want BLOCKED", d.Outcome)
	}
	if d := e.Decide(longSignal(0.9), regimeAt(domain.RiskSafe, 0.1, 1), 100, t0.Add(6*time.Minute)); d.Outcome != domain.OutcomeEnter {
		t.Errorf("after cooldown: %s (%s), want ENTER", d.Outcome, d.Reason)
	}
}

func TestWinResetsLossStreak(t *testing.T) {
	e, _ := newExec(DefaultConfig())
	loss := domain.TradeRecord{NetPnL: decimal.NewFromInt(-1), ExitTime: t0}
	win := domain.TradeRecord{NetPnL: decimal.NewFromInt(1), ExitTime: t0}
	e.RecordOutcome(loss)
	e.RecordOutcome(loss)
	e.RecordOutcome(win)
	e.RecordOutcome(loss)
	if !e.CooldownUntil().IsZero() {
		t.Errorf("cooldown set after interrupted streak: %v", e.CooldownUntil())
	}
}
