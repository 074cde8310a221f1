package strategy

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/alanyoungcy/microflow/internal/domain"
	"github.com/alanyoungcy/microflow/internal/position"
)

// EntryPlan is a fully parameterised entry ready to become an OrderIntent.
type EntryPlan struct {
	Direction       domain.Direction
	SizeFraction    float64
	Leverage        float64
	Size            float64
	StopLossPct     float64
	TakeProfitPct   float64
	StopLossPrice   float64
	TakeProfitPrice float64
	ReferencePrice  float64
	ExpectedMove    float64
	BreakevenMove   float64
	Style           domain.ExecutionStyle
}

// Decision is the execution layer's answer for one tick. Exactly one of
// Plan or Exit is set for ENTER and EXIT outcomes.
type Decision struct {
	Outcome domain.DecisionOutcome
	Reason  string
	Plan    *EntryPlan
	Exit    *position.ExitCheck
}

// ExecutionEngine turns an admitted signal into an entry, or evaluates exits
// when the slot is occupied. Exits and entries are mutually exclusive within
// a tick.
type ExecutionEngine struct {
	cfg       StrategyConfig
	filter    *RegimeFilter
	positions *position.Manager

	consecutiveLosses int
	cooldownUntil     time.Time
}

func NewExecutionEngine(cfg StrategyConfig, filter *RegimeFilter, positions *position.Manager) *ExecutionEngine {
	return &ExecutionEngine{cfg: cfg, filter: filter, positions: positions}
}

// SetConfig swaps parameters between ticks. The loss streak is kept.
func (e *ExecutionEngine) SetConfig(cfg StrategyConfig, filter *RegimeFilter) {
	e.cfg = cfg
	e.filter = filter
}

// CooldownUntil returns the end of the current loss cooldown, if any.
func (e *ExecutionEngine) CooldownUntil() time.Time { return e.cooldownUntil }

// RecordOutcome feeds a realized trade back into the loss-streak cooldown.
func (e *ExecutionEngine) RecordOutcome(rec domain.TradeRecord) {
	if rec.Win() {
		e.consecutiveLosses = 0
		return
	}
	e.consecutiveLosses++
	fb := e.cfg.Feedback
	if fb.MaxConsecutiveLosses > 0 && e.consecutiveLosses >= fb.MaxConsecutiveLosses {
		e.cooldownUntil = rec.ExitTime.Add(fb.Cooldown.Duration)
		e.consecutiveLosses = 0
	}
}

// Decide evaluates one tick. With an open position only exit rules run; a
// pending order yields NO_TRADE; otherwise the entry path runs.
func (e *ExecutionEngine) Decide(sig domain.Signal, regime domain.RegimeAssessment, price float64, now time.Time) Decision {
	if pos, open := e.positions.Position(); open {
		if pos.Pending == domain.PendingExit {
			return Decision{Outcome: domain.OutcomeNoTrade, Reason: "exit order pending"}
		}
		chk := e.positions.Evaluate(price, now, sig)
		switch {
		case chk.Fire:
			return Decision{Outcome: domain.OutcomeExit, Reason: string(chk.Reason), Exit: &chk}
		case chk.Deferred:
			return Decision{Outcome: domain.OutcomeHold, Reason: "exit deferred by min holding: " + string(chk.Reason)}
		default:
			return Decision{Outcome: domain.OutcomeHold, Reason: "position open"}
		}
	}
	if e.positions.PendingEntry() {
		return Decision{Outcome: domain.OutcomeNoTrade, Reason: "entry order pending"}
	}
	return e.decideEntry(sig, regime, price, now)
}

func (e *ExecutionEngine) decideEntry(sig domain.Signal, regime domain.RegimeAssessment, price float64, now time.Time) Decision {
	if sig.Direction != domain.DirectionLong && sig.Direction != domain.DirectionShort {
		return Decision{Outcome: domain.OutcomeNoTrade, Reason: "neutral signal"}
	}
	if now.Before(e.cooldownUntil) {
		return Decision{Outcome: domain.OutcomeBlocked, Reason: "loss streak cooldown until " + e.cooldownUntil.Format(time.RFC3339)}
	}
	adm := e.filter.Admit(sig, regime)
	if !adm.Allowed {
		reason := adm.Reason
		if len(regime.BlockingReasons) > 0 {
			reason += ": " + strings.Join(regime.BlockingReasons, "; ")
		}
		return Decision{Outcome: domain.OutcomeBlocked, Reason: reason}
	}
	if price <= 0 {
		return Decision{Outcome: domain.OutcomeNoTrade, Reason: "no reference price"}
	}

	fraction := e.SizeFraction(sig.Confidence, regime.RiskLevel, adm.Override)
	lev := e.Leverage(sig.Confidence, regime)
	sl, tp := e.StopTarget(lev)

	expected := tp * sig.Confidence
	breakeven := BreakevenMove(e.cfg.Costs.TakerFee, e.cfg.Costs.AssumedSlippage, lev, fraction)
	if !PassesCostGate(expected, breakeven, e.cfg.Costs.SafetyMargin) {
		return Decision{
			Outcome: domain.OutcomeNoTrade,
			Reason: fmt.Sprintf("expected move %.5f below breakeven %.5f x %.2f",
				expected, breakeven, e.cfg.Costs.SafetyMargin),
		}
	}

	sign := sig.Direction.Sign()
	plan := &EntryPlan{
		Direction:       sig.Direction,
		SizeFraction:    fraction,
		Leverage:        lev,
		Size:            e.cfg.Sizing.Capital * fraction * lev / price,
		StopLossPct:     sl,
		TakeProfitPct:   tp,
		StopLossPrice:   price * (1 - sign*sl),
		TakeProfitPrice: price * (1 + sign*tp),
		ReferencePrice:  price,
		ExpectedMove:    expected,
		BreakevenMove:   breakeven,
		Style:           executionStyle(sig.Confidence, regime.RiskLevel),
	}
	reason := fmt.Sprintf("%s score=%.3f conf=%.3f regime=%s", sig.Direction, sig.Score, sig.Confidence, regime.RiskLevel)
	if adm.Override {
		reason += " (" + adm.Reason + ")"
	}
	return Decision{Outcome: domain.OutcomeEnter, Reason: reason, Plan: plan}
}

// SizeFraction is base * regime multiplier, blended with confidence and
// clamped to the configured bounds. It never decreases as confidence rises.
func (e *ExecutionEngine) SizeFraction(confidence float64, level domain.RiskLevel, override bool) float64 {
	s := e.cfg.Sizing
	mult := 1.0
	if level == domain.RiskWarning || (level == domain.RiskDanger && override) {
		mult = s.WarningMultiplier
	}
	conf := math.Max(0, math.Min(1, confidence))
	f := s.BaseFraction * mult * (1 - s.ConfidenceWeight + s.ConfidenceWeight*conf)
	return math.Max(s.MinFraction, math.Min(s.MaxFraction, f))
}

// Leverage returns the static leverage, or for the dynamic policy a whole
// number between Min and Max that rises with confidence and falls with VPIN
// and spread.
func (e *ExecutionEngine) Leverage(confidence float64, regime domain.RegimeAssessment) float64 {
	l := e.cfg.Leverage
	if l.Policy == PolicyStatic {
		return l.Static
	}
	conf := math.Max(0, math.Min(1, confidence))

	toxicity := 1.0
	if regime.VPIN != nil {
		toxicity = math.Max(0, math.Min(1, *regime.VPIN/e.cfg.Regime.VPINCritical))
	}
	spread := float64(regime.SpreadBps)
	volatility := 1.0
	if !math.IsInf(spread, 0) && !math.IsNaN(spread) {
		volatility = math.Max(0, math.Min(1, spread/e.cfg.Regime.SpreadCriticalBps))
	}

	lev := l.Min + (l.Max-l.Min)*conf*(1-toxicity)*(1-l.SpreadScale*volatility)
	lev = math.Floor(lev)
	return math.Max(l.Min, math.Min(l.Max, lev))
}

// StopTarget returns stop-loss and take-profit as price fractions. The
// dynamic policy spreads a fixed risk budget over the leverage and sets the
// target at RewardRisk times the stop; both are clamped to their bounds.
func (e *ExecutionEngine) StopTarget(leverage float64) (sl, tp float64) {
	x := e.cfg.Exit
	if x.Policy == PolicyStatic {
		return x.StopLossPct, x.TakeProfitPct
	}
	if leverage < 1 {
		leverage = 1
	}
	sl = math.Max(x.MinStopLossPct, math.Min(x.MaxStopLossPct, x.RiskBudgetPct/leverage))
	tp = math.Max(x.MinTakeProfitPct, math.Min(x.MaxTakeProfitPct, sl*x.RewardRisk))
	return sl, tp
}

// BreakevenMove is the favorable move an entry needs to cover a round trip
// of taker fees plus slippage at the given leverage and capital fraction.
func BreakevenMove(takerFee, slippage, leverage, fraction float64) float64 {
	denom := leverage * fraction
	if denom <= 0 {
		return math.Inf(1)
	}
	return (takerFee*2 + slippage) / denom
}

// PassesCostGate rejects entries whose expected move does not clear the
// breakeven by the safety margin.
func PassesCostGate(expectedMove, breakeven, margin float64) bool {
	return expectedMove > breakeven*margin
}

func executionStyle(confidence float64, level domain.RiskLevel) domain.ExecutionStyle {
	switch {
	case confidence >= 0.8 && level == domain.RiskSafe:
		return domain.StyleAggressive
	case confidence >= 0.6:
		return domain.StyleModerate
	default:
		return domain.StyleConservative
	}
}
