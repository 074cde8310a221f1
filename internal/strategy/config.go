package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/alanyoungcy/microflow/internal/domain"
	"github.com/alanyoungcy/microflow/internal/microstructure"
)

// Leverage and exit policy variants.
const (
	PolicyStatic  = "static"
	PolicyDynamic = "dynamic"
)

const weightTolerance = 1e-9

// Duration wraps time.Duration so it decodes from "2500ms" style strings in
// both TOML and JSON.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Weights are the signal-layer component weights. They must sum to 1.
type Weights struct {
	OBI          float64 `toml:"obi" json:"obi"`
	OBIVelocity  float64 `toml:"obi_velocity" json:"obi_velocity"`
	SignedVolume float64 `toml:"signed_volume" json:"signed_volume"`
	Microprice   float64 `toml:"microprice" json:"microprice"`
}

func (w Weights) Sum() float64 {
	return w.OBI + w.OBIVelocity + w.SignedVolume + w.Microprice
}

// SignalParams configures the signal layer.
type SignalParams struct {
	Weights          Weights `toml:"weights" json:"weights"`
	Threshold        float64 `toml:"threshold" json:"threshold"`
	MaxExpectedScore float64 `toml:"max_expected_score" json:"max_expected_score"`
	// PressureScale maps microprice pressure (a price fraction) onto [-1, 1].
	PressureScale float64 `toml:"pressure_scale" json:"pressure_scale"`
	// Fallback scales apply until enough history exists for percentile scaling.
	FallbackVelocityScale float64 `toml:"fallback_velocity_scale" json:"fallback_velocity_scale"`
	FallbackVolumeScale   float64 `toml:"fallback_volume_scale" json:"fallback_volume_scale"`
}

// RegimeThresholds are the regime-layer breakpoints.
type RegimeThresholds struct {
	VPINWarning       float64 `toml:"vpin_warning" json:"vpin_warning"`
	VPINDanger        float64 `toml:"vpin_danger" json:"vpin_danger"`
	VPINCritical      float64 `toml:"vpin_critical" json:"vpin_critical"`
	SpreadWarningBps  float64 `toml:"spread_warning_bps" json:"spread_warning_bps"`
	SpreadDangerBps   float64 `toml:"spread_danger_bps" json:"spread_danger_bps"`
	SpreadCriticalBps float64 `toml:"spread_critical_bps" json:"spread_critical_bps"`
	MinDepth          float64 `toml:"min_depth" json:"min_depth"`
	// DangerOverride is the inclusive confidence at which DANGER admits entries.
	DangerOverride float64 `toml:"danger_override" json:"danger_override"`
	// Depth imbalance breakpoints; zero disables the check.
	ImbalanceWarning  float64 `toml:"imbalance_warning" json:"imbalance_warning"`
	ImbalanceDanger   float64 `toml:"imbalance_danger" json:"imbalance_danger"`
	ImbalanceCritical float64 `toml:"imbalance_critical" json:"imbalance_critical"`
}

// SizingParams sets the fraction of capital committed per entry.
type SizingParams struct {
	Capital           float64 `toml:"capital" json:"capital"`
	BaseFraction      float64 `toml:"base_fraction" json:"base_fraction"`
	MinFraction       float64 `toml:"min_fraction" json:"min_fraction"`
	MaxFraction       float64 `toml:"max_fraction" json:"max_fraction"`
	WarningMultiplier float64 `toml:"warning_multiplier" json:"warning_multiplier"`
	// ConfidenceWeight in [0,1] blends size from flat (0) to fully
	// confidence-proportional (1).
	ConfidenceWeight float64 `toml:"confidence_weight" json:"confidence_weight"`
}

// LeverageParams is a tagged variant: static uses Static, dynamic scales
// between Min and Max.
type LeverageParams struct {
	Policy      string  `toml:"policy" json:"policy"`
	Static      float64 `toml:"static" json:"static"`
	Min         float64 `toml:"min" json:"min"`
	Max         float64 `toml:"max" json:"max"`
	SpreadScale float64 `toml:"spread_scale" json:"spread_scale"`
}

// ExitParams covers TP/SL policy, trailing stop and holding limits.
type ExitParams struct {
	Policy            string   `toml:"policy" json:"policy"`
	StopLossPct       float64  `toml:"stop_loss_pct" json:"stop_loss_pct"`
	TakeProfitPct     float64  `toml:"take_profit_pct" json:"take_profit_pct"`
	MinStopLossPct    float64  `toml:"min_stop_loss_pct" json:"min_stop_loss_pct"`
	MaxStopLossPct    float64  `toml:"max_stop_loss_pct" json:"max_stop_loss_pct"`
	MinTakeProfitPct  float64  `toml:"min_take_profit_pct" json:"min_take_profit_pct"`
	MaxTakeProfitPct  float64  `toml:"max_take_profit_pct" json:"max_take_profit_pct"`
	RiskBudgetPct     float64  `toml:"risk_budget_pct" json:"risk_budget_pct"`
	RewardRisk        float64  `toml:"reward_risk" json:"reward_risk"`
	TrailingTrigger   float64  `toml:"trailing_trigger_pct" json:"trailing_trigger_pct"`
	TrailingOffset    float64  `toml:"trailing_offset_pct" json:"trailing_offset_pct"`
	MaxHolding        Duration `toml:"max_holding" json:"max_holding"`
	MinHolding        Duration `toml:"min_holding" json:"min_holding"`
	ReverseConfidence float64  `toml:"reverse_confidence" json:"reverse_confidence"`
}

// CostParams feeds the breakeven gate and realized PnL.
type CostParams struct {
	TakerFee          float64 `toml:"taker_fee" json:"taker_fee"`
	AssumedSlippage   float64 `toml:"assumed_slippage" json:"assumed_slippage"`
	SafetyMargin      float64 `toml:"safety_margin" json:"safety_margin"`
	FundingRateHourly float64 `toml:"funding_rate_hourly" json:"funding_rate_hourly"`
}

// ExecutionParams bounds how long an order may stay in flight.
type ExecutionParams struct {
	IntentTTL      Duration `toml:"intent_ttl" json:"intent_ttl"`
	PendingTimeout Duration `toml:"pending_timeout" json:"pending_timeout"`
}

// FeedbackParams pauses entries after a losing streak.
type FeedbackParams struct {
	MaxConsecutiveLosses int      `toml:"max_consecutive_losses" json:"max_consecutive_losses"`
	Cooldown             Duration `toml:"cooldown" json:"cooldown"`
}

// StrategyConfig is the full parameter set of one strategy instance. Policy
// differences between trading schemes are expressed here, not in code.
type StrategyConfig struct {
	Scheme      string                `toml:"scheme" json:"scheme"`
	Signal      SignalParams          `toml:"signal" json:"signal"`
	Regime      RegimeThresholds      `toml:"regime" json:"regime"`
	Sizing      SizingParams          `toml:"sizing" json:"sizing"`
	Leverage    LeverageParams        `toml:"leverage" json:"leverage"`
	Exit        ExitParams            `toml:"exit" json:"exit"`
	Costs       CostParams            `toml:"costs" json:"costs"`
	Execution   ExecutionParams       `toml:"execution" json:"execution"`
	Feedback    FeedbackParams        `toml:"feedback" json:"feedback"`
	Calculators microstructure.Params `toml:"calculators" json:"calculators"`
}

// DefaultConfig returns the canonical parameter set.
func DefaultConfig() StrategyConfig {
	return StrategyConfig{
		Scheme: "layered",
		Signal: SignalParams{
			Weights:               Weights{OBI: 0.4, OBIVelocity: 0.2, SignedVolume: 0.3, Microprice: 0.1},
			Threshold:             0.2,
			MaxExpectedScore:      1.0,
			PressureScale:         0.0005,
			FallbackVelocityScale: 0.1,
			FallbackVolumeScale:   100,
		},
		Regime: RegimeThresholds{
			VPINWarning:       0.3,
			VPINDanger:        0.5,
			VPINCritical:      0.7,
			SpreadWarningBps:  5,
			SpreadDangerBps:   10,
			SpreadCriticalBps: 20,
			MinDepth:          5,
			DangerOverride:    0.8,
			ImbalanceWarning:  0.5,
			ImbalanceDanger:   0.7,
			ImbalanceCritical: 0.9,
		},
		Sizing: SizingParams{
			Capital:           1000,
			BaseFraction:      0.5,
			MinFraction:       0.05,
			MaxFraction:       1.0,
			WarningMultiplier: 0.6,
		},
		Leverage: LeverageParams{
			Policy:      PolicyDynamic,
			Static:      10,
			Min:         2,
			Max:         20,
			SpreadScale: 1,
		},
		Exit: ExitParams{
			Policy:            PolicyDynamic,
			StopLossPct:       0.005,
			TakeProfitPct:     0.01,
			MinStopLossPct:    0.002,
			MaxStopLossPct:    0.02,
			MinTakeProfitPct:  0.004,
			MaxTakeProfitPct:  0.04,
			RiskBudgetPct:     0.02,
			RewardRisk:        2.0,
			TrailingTrigger:   0.006,
			TrailingOffset:    0.002,
			MaxHolding:        Duration{30 * time.Minute},
			MinHolding:        Duration{10 * time.Second},
			ReverseConfidence: 0.7,
		},
		Costs: CostParams{
			TakerFee:          0.0004,
			AssumedSlippage:   0.0002,
			SafetyMargin:      1.5,
			FundingRateHourly: 0.00003,
		},
		Execution: ExecutionParams{
			IntentTTL:      Duration{2500 * time.Millisecond},
			PendingTimeout: Duration{5 * time.Second},
		},
		Feedback: FeedbackParams{
			MaxConsecutiveLosses: 3,
			Cooldown:             Duration{5 * time.Minute},
		},
		Calculators: microstructure.DefaultParams(),
	}
}

// Validate rejects unknown or out-of-range values. It never corrects them.
// The returned error is a *domain.ConfigurationError.
func (c StrategyConfig) Validate() error {
	var p []string
	add := func(format string, args ...any) { p = append(p, fmt.Sprintf(format, args...)) }

	w := c.Signal.Weights
	for _, kv := range []struct {
		name string
		v    float64
	}{{"obi", w.OBI}, {"obi_velocity", w.OBIVelocity}, {"signed_volume", w.SignedVolume}, {"microprice", w.Microprice}} {
		if kv.v < 0 || math.IsNaN(kv.v) {
			add("signal.weights.%s must be >= 0, got %v", kv.name, kv.v)
		}
	}
	if sum := w.Sum(); math.Abs(sum-1) > weightTolerance {
		add("signal.weights must sum to 1.0, got %.12f", sum)
	}
	if c.Signal.Threshold < 0 || c.Signal.Threshold >= 1 {
		add("signal.threshold must be in [0, 1), got %v", c.Signal.Threshold)
	}
	if c.Signal.MaxExpectedScore <= 0 || c.Signal.MaxExpectedScore > 1 {
		add("signal.max_expected_score must be in (0, 1], got %v", c.Signal.MaxExpectedScore)
	}
	if c.Signal.PressureScale <= 0 {
		add("signal.pressure_scale must be > 0")
	}
	if c.Signal.FallbackVelocityScale <= 0 || c.Signal.FallbackVolumeScale <= 0 {
		add("signal fallback scales must be > 0")
	}

	r := c.Regime
	if !(0 <= r.VPINWarning && r.VPINWarning < r.VPINDanger && r.VPINDanger < r.VPINCritical && r.VPINCritical <= 1) {
		add("regime vpin thresholds must satisfy 0 <= warning < danger < critical <= 1, got %v/%v/%v",
			r.VPINWarning, r.VPINDanger, r.VPINCritical)
	}
	if !(0 < r.SpreadWarningBps && r.SpreadWarningBps < r.SpreadDangerBps && r.SpreadDangerBps < r.SpreadCriticalBps) {
		add("regime spread thresholds must satisfy 0 < warning < danger < critical, got %v/%v/%v",
			r.SpreadWarningBps, r.SpreadDangerBps, r.SpreadCriticalBps)
	}
	if r.MinDepth < 0 {
		add("regime.min_depth must be >= 0")
	}
	if r.DangerOverride <= 0 || r.DangerOverride > 1 {
		add("regime.danger_override must be in (0, 1], got %v", r.DangerOverride)
	}
	imb := []float64{r.ImbalanceWarning, r.ImbalanceDanger, r.ImbalanceCritical}
	if imb[0] != 0 || imb[1] != 0 || imb[2] != 0 {
		if !(0 < imb[0] && imb[0] < imb[1] && imb[1] < imb[2] && imb[2] <= 1) {
			add("regime imbalance thresholds must satisfy 0 < warning < danger < critical <= 1 or all be 0")
		}
	}

	s := c.Sizing
	if s.Capital <= 0 {
		add("sizing.capital must be > 0")
	}
	if !(0 < s.MinFraction && s.MinFraction <= s.BaseFraction && s.BaseFraction <= s.MaxFraction && s.MaxFraction <= 1) {
		add("sizing fractions must satisfy 0 < min <= base <= max <= 1, got %v/%v/%v",
			s.MinFraction, s.BaseFraction, s.MaxFraction)
	}
	if s.WarningMultiplier < 0.5 || s.WarningMultiplier > 0.7 {
		add("sizing.warning_multiplier must be in [0.5, 0.7], got %v", s.WarningMultiplier)
	}
	if s.ConfidenceWeight < 0 || s.ConfidenceWeight > 1 {
		add("sizing.confidence_weight must be in [0, 1]")
	}

	l := c.Leverage
	switch l.Policy {
	case PolicyStatic, PolicyDynamic:
	default:
		add("leverage.policy must be %q or %q, got %q", PolicyStatic, PolicyDynamic, l.Policy)
	}
	if !(1 <= l.Min && l.Min <= l.Max && l.Max <= 125) {
		add("leverage bounds must satisfy 1 <= min <= max <= 125, got %v/%v", l.Min, l.Max)
	}
	if l.Policy == PolicyStatic && (l.Static < l.Min || l.Static > l.Max) {
		add("leverage.static %v outside [%v, %v]", l.Static, l.Min, l.Max)
	}
	if l.SpreadScale < 0 || l.SpreadScale > 1 {
		add("leverage.spread_scale must be in [0, 1]")
	}

	e := c.Exit
	switch e.Policy {
	case PolicyStatic, PolicyDynamic:
	default:
		add("exit.policy must be %q or %q, got %q", PolicyStatic, PolicyDynamic, e.Policy)
	}
	if !(0 < e.MinStopLossPct && e.MinStopLossPct <= e.MaxStopLossPct && e.MaxStopLossPct < 1) {
		add("exit stop-loss bounds must satisfy 0 < min <= max < 1")
	}
	if !(0 < e.MinTakeProfitPct && e.MinTakeProfitPct <= e.MaxTakeProfitPct && e.MaxTakeProfitPct < 1) {
		add("exit take-profit bounds must satisfy 0 < min <= max < 1")
	}
	if e.Policy == PolicyStatic {
		if e.StopLossPct < e.MinStopLossPct || e.StopLossPct > e.MaxStopLossPct {
			add("exit.stop_loss_pct %v outside [%v, %v]", e.StopLossPct, e.MinStopLossPct, e.MaxStopLossPct)
		}
		if e.TakeProfitPct < e.MinTakeProfitPct || e.TakeProfitPct > e.MaxTakeProfitPct {
			add("exit.take_profit_pct %v outside [%v, %v]", e.TakeProfitPct, e.MinTakeProfitPct, e.MaxTakeProfitPct)
		}
	}
	if e.Policy == PolicyDynamic && (e.RiskBudgetPct <= 0 || e.RewardRisk <= 0) {
		add("exit.risk_budget_pct and exit.reward_risk must be > 0 for the dynamic policy")
	}
	if e.TrailingTrigger < 0 || e.TrailingOffset < 0 {
		add("exit trailing parameters must be >= 0")
	}
	if e.TrailingTrigger > 0 && e.TrailingOffset == 0 {
		add("exit.trailing_offset_pct must be > 0 when trailing_trigger_pct is set")
	}
	if e.MaxHolding.Duration < 0 || e.MinHolding.Duration < 0 {
		add("exit holding durations must be >= 0")
	}
	if e.MaxHolding.Duration > 0 && e.MinHolding.Duration >= e.MaxHolding.Duration {
		add("exit.min_holding must be shorter than exit.max_holding")
	}
	if e.ReverseConfidence <= 0 || e.ReverseConfidence > 1 {
		add("exit.reverse_confidence must be in (0, 1]")
	}

	k := c.Costs
	if k.TakerFee < 0 || k.TakerFee >= 0.01 {
		add("costs.taker_fee must be in [0, 0.01), got %v", k.TakerFee)
	}
	if k.AssumedSlippage < 0 {
		add("costs.assumed_slippage must be >= 0")
	}
	if k.SafetyMargin < 1 {
		add("costs.safety_margin must be >= 1, got %v", k.SafetyMargin)
	}
	if k.FundingRateHourly < 0 {
		add("costs.funding_rate_hourly must be >= 0")
	}

	if c.Execution.IntentTTL.Duration <= 0 {
		add("execution.intent_ttl must be > 0")
	}
	if c.Execution.PendingTimeout.Duration <= 0 {
		add("execution.pending_timeout must be > 0")
	}
	if c.Feedback.MaxConsecutiveLosses < 0 {
		add("feedback.max_consecutive_losses must be >= 0")
	}
	if c.Feedback.MaxConsecutiveLosses > 0 && c.Feedback.Cooldown.Duration <= 0 {
		add("feedback.cooldown must be > 0 when max_consecutive_losses is set")
	}

	p = append(p, c.Calculators.Validate()...)
	if len(p) > 0 {
		return &domain.ConfigurationError{Problems: p}
	}
	return nil
}

// ValidationResult is returned by a reload. Problems is empty when the new
// configuration was applied.
type ValidationResult struct {
	Applied          bool     `json:"applied"`
	CalculatorsReset bool     `json:"calculators_reset"`
	Problems         []string `json:"problems,omitempty"`
}

// Err returns the problems as a *domain.ConfigurationError, or nil.
func (r ValidationResult) Err() error {
	if len(r.Problems) == 0 {
		return nil
	}
	return &domain.ConfigurationError{Problems: r.Problems}
}
