package strategy

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/microflow/internal/domain"
	"github.com/alanyoungcy/microflow/internal/microstructure"
	"github.com/alanyoungcy/microflow/internal/position"
)

const recentDecisions = 50

// Instance is one strategy instance on one symbol: its own calculators, its
// own three decision layers and its own position slot. It is not safe for
// concurrent use; the engine drives each instance from a single goroutine.
type Instance struct {
	key    string
	symbol string
	cfg    StrategyConfig

	calc      *microstructure.Set
	gen       *SignalGenerator
	filter    *RegimeFilter
	exec      *ExecutionEngine
	positions *position.Manager

	lastSignal domain.Signal
	lastRegime domain.RegimeAssessment
	lastTime   time.Time
	stats      domain.DecisionStats
	recent     *microstructure.Window[domain.Decision]

	halted     bool
	haltReason string

	newID  func() string
	clock  func() time.Time
	logger *slog.Logger
}

// NewInstance validates cfg and builds a ready instance. An invalid
// configuration is returned as a *domain.ConfigurationError.
func NewInstance(key, symbol string, cfg StrategyConfig, logger *slog.Logger) (*Instance, error) {
	if key == "" || symbol == "" {
		return nil, &domain.ConfigurationError{Problems: []string{"instance key and symbol are required"}}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("strategy: instance %s: %w", key, err)
	}
	calc, err := microstructure.NewSet(cfg.Calculators)
	if err != nil {
		return nil, fmt.Errorf("strategy: instance %s: %w", key, err)
	}
	gen, err := NewSignalGenerator(cfg.Signal)
	if err != nil {
		return nil, fmt.Errorf("strategy: instance %s: %w", key, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	inst := &Instance{
		key:    key,
		symbol: symbol,
		cfg:    cfg,
		calc:   calc,
		gen:    gen,
		filter: NewRegimeFilter(cfg.Regime),
		stats:  newStats(),
		recent: microstructure.NewWindow[domain.Decision](recentDecisions),
		newID:  func() string { return uuid.New().String() },
		clock:  time.Now,
		logger: logger.With(
			slog.String("component", "strategy_instance"),
			slog.String("instance", key),
			slog.String("symbol", symbol),
		),
	}
	inst.positions = position.NewManager(key, symbol, cfg.Scheme, rulesFrom(cfg), func() string { return inst.newID() })
	inst.exec = NewExecutionEngine(cfg, inst.filter, inst.positions)
	return inst, nil
}

func newStats() domain.DecisionStats {
	return domain.DecisionStats{
		ByRisk:      make(map[domain.RiskLevel]int64),
		ByDirection: make(map[domain.Direction]int64),
	}
}

func rulesFrom(cfg StrategyConfig) position.Rules {
	return position.Rules{
		TrailingTriggerPct: cfg.Exit.TrailingTrigger,
		TrailingOffsetPct:  cfg.Exit.TrailingOffset,
		MaxHolding:         cfg.Exit.MaxHolding.Duration,
		MinHolding:         cfg.Exit.MinHolding.Duration,
		ReverseConfidence:  cfg.Exit.ReverseConfidence,
		FeeRate:            cfg.Costs.TakerFee,
		FundingRateHourly:  cfg.Costs.FundingRateHourly,
		PendingTimeout:     cfg.Execution.PendingTimeout.Duration,
	}
}

func (i *Instance) Key() string            { return i.key }
func (i *Instance) Symbol() string         { return i.symbol }
func (i *Instance) Config() StrategyConfig { return i.cfg }
func (i *Instance) Halted() bool           { return i.halted }

// Positions exposes the position slot for inspection.
func (i *Instance) Positions() *position.Manager { return i.positions }

// Calculators exposes the calculator set for inspection.
func (i *Instance) Calculators() *microstructure.Set { return i.calc }

// SetIDSource overrides intent and position id generation.
func (i *Instance) SetIDSource(fn func() string) { i.newID = fn }

// SetClock replaces the clock stamped on intent creation and expiry. It must
// be the clock the executor checks expiry against. Holding periods and
// decisions stay on event time.
func (i *Instance) SetClock(now func() time.Time) { i.clock = now }

func (i *Instance) stampIntent(in *domain.OrderIntent) {
	in.CreatedAt = i.clock()
	in.ExpiresAt = in.CreatedAt.Add(i.cfg.Execution.IntentTTL.Duration)
}

// OnMarketEvent runs one full tick: calculators, signal, regime, execution.
// It returns the intents to hand to the execution layer, at most one.
func (i *Instance) OnMarketEvent(ev domain.MarketEvent) ([]domain.OrderIntent, error) {
	if i.halted {
		return nil, fmt.Errorf("strategy: instance %s: %w", i.key, domain.ErrInstanceHalted)
	}
	now := ev.Timestamp
	i.calc.Apply(ev)
	for _, id := range i.positions.ExpirePending(now) {
		i.logger.Warn("pending order timed out", slog.String("intent_id", id))
	}

	snap := i.calc.Snapshot()
	sig := i.gen.Generate(snap, now)
	regime := i.filter.Assess(RegimeInputFrom(snap, now))
	i.lastSignal, i.lastRegime, i.lastTime = sig, regime, now

	d := i.exec.Decide(sig, regime, snap.LastPrice, now)
	var intents []domain.OrderIntent
	switch d.Outcome {
	case domain.OutcomeEnter:
		intent, err := i.enter(d, sig, regime, now)
		if err != nil {
			return nil, i.fail(err)
		}
		intents = append(intents, intent)
	case domain.OutcomeExit:
		intent, err := i.exit(d.Exit.Reason, d.Reason, snap.LastPrice, sig, regime, now)
		if err != nil {
			return nil, i.fail(err)
		}
		intents = append(intents, intent)
	}
	i.record(d, sig, regime, now)
	return intents, nil
}

func (i *Instance) enter(d Decision, sig domain.Signal, regime domain.RegimeAssessment, now time.Time) (domain.OrderIntent, error) {
	plan := d.Plan
	intent := domain.OrderIntent{
		ID:              i.newID(),
		InstanceKey:     i.key,
		Symbol:          i.symbol,
		Action:          domain.ActionEnter,
		Direction:       plan.Direction,
		Size:            plan.Size,
		SizeFraction:    plan.SizeFraction,
		Leverage:        plan.Leverage,
		StopLossPrice:   plan.StopLossPrice,
		TakeProfitPrice: plan.TakeProfitPrice,
		ReferencePrice:  plan.ReferencePrice,
		Style:           plan.Style,
		Reason:          d.Reason,
		Signal:          sig,
		Regime:          regime,
	}
	i.stampIntent(&intent)
	err := i.positions.BeginEntry(position.Entry{
		IntentID:      intent.ID,
		Direction:     plan.Direction,
		SizeFraction:  plan.SizeFraction,
		Leverage:      plan.Leverage,
		Capital:       i.cfg.Sizing.Capital,
		StopLossPct:   plan.StopLossPct,
		TakeProfitPct: plan.TakeProfitPct,
	}, now)
	if err != nil {
		return domain.OrderIntent{}, err
	}
	i.logger.Info("entry intent",
		slog.String("intent_id", intent.ID),
		slog.String("direction", string(intent.Direction)),
		slog.Float64("size_fraction", plan.SizeFraction),
		slog.Float64("leverage", plan.Leverage),
		slog.String("regime", string(regime.RiskLevel)),
	)
	return intent, nil
}

func (i *Instance) exit(reason domain.ExitReason, text string, price float64, sig domain.Signal, regime domain.RegimeAssessment, now time.Time) (domain.OrderIntent, error) {
	pos, ok := i.positions.Position()
	if !ok {
		return domain.OrderIntent{}, &domain.StateViolationError{Op: "exit", Reason: "no open position"}
	}
	intent := domain.OrderIntent{
		ID:             i.newID(),
		InstanceKey:    i.key,
		Symbol:         i.symbol,
		PositionID:     pos.ID,
		Action:         domain.ActionExit,
		Direction:      pos.Direction,
		Size:           pos.Size,
		SizeFraction:   pos.SizeFraction,
		Leverage:       pos.Leverage,
		ReferencePrice: price,
		ExitReason:     reason,
		Reason:         text,
		Signal:         sig,
		Regime:         regime,
	}
	i.stampIntent(&intent)
	if err := i.positions.BeginExit(intent.ID, reason, now); err != nil {
		return domain.OrderIntent{}, err
	}
	i.logger.Info("exit intent",
		slog.String("intent_id", intent.ID),
		slog.String("position_id", pos.ID),
		slog.String("reason", string(reason)),
	)
	return intent, nil
}

// ForceClose emits a MANUAL exit for the open position at price. It returns
// no intent when the slot is empty or an exit is already in flight.
func (i *Instance) ForceClose(price float64, now time.Time) ([]domain.OrderIntent, error) {
	pos, ok := i.positions.Position()
	if !ok || pos.Pending == domain.PendingExit {
		return nil, nil
	}
	if price <= 0 {
		price = i.calc.Snapshot().LastPrice
	}
	intent, err := i.exit(domain.ExitManual, "forced close", price, i.lastSignal, i.lastRegime, now)
	if err != nil {
		return nil, i.fail(err)
	}
	return []domain.OrderIntent{intent}, nil
}

// OnExecutionReport applies the execution layer's answer to an intent. A
// filled exit returns the realized trade record.
func (i *Instance) OnExecutionReport(r domain.ExecutionReport) (*domain.TradeRecord, error) {
	switch r.Action {
	case domain.ActionEnter:
		if r.Status == domain.ReportFilled {
			pos, err := i.positions.ConfirmEntry(r.IntentID, r.FillPrice, r.FilledSize, r.Timestamp)
			if err != nil {
				if errors.Is(err, domain.ErrStaleIntent) {
					i.logger.Warn("fill for unknown entry intent", slog.String("intent_id", r.IntentID))
					return nil, err
				}
				return nil, i.fail(err)
			}
			i.logger.Info("position opened",
				slog.String("position_id", pos.ID),
				slog.Float64("entry_price", pos.EntryPrice),
				slog.Float64("size", pos.Size),
			)
			return nil, nil
		}
		i.positions.CancelEntry(r.IntentID, string(r.Status)+": "+r.Reason, r.Timestamp)
		return nil, nil

	case domain.ActionExit:
		if r.Status != domain.ReportFilled {
			i.positions.AbortExit(r.IntentID, string(r.Status)+": "+r.Reason, r.Timestamp)
			return nil, nil
		}
		if i.positions.ExitIntent() != r.IntentID {
			return nil, fmt.Errorf("strategy: exit fill %s: %w", r.IntentID, domain.ErrStaleIntent)
		}
		pos, _ := i.positions.Position()
		posID := r.PositionID
		if posID == "" {
			posID = pos.ID
		}
		rec, err := i.positions.Close(posID, r.FillPrice, pos.PendingReason, r.Timestamp)
		if err != nil {
			return nil, i.fail(err)
		}
		i.exec.RecordOutcome(rec)
		i.logger.Info("position closed",
			slog.String("position_id", rec.PositionID),
			slog.String("reason", string(rec.ExitReason)),
			slog.String("net_pnl", rec.NetPnL.StringFixed(4)),
		)
		return &rec, nil
	}
	return nil, fmt.Errorf("strategy: unknown report action %q", r.Action)
}

// fail halts the instance on a position state violation and passes the
// error through.
func (i *Instance) fail(err error) error {
	if errors.Is(err, domain.ErrStateViolation) {
		i.halted = true
		i.haltReason = err.Error()
		i.logger.Error("instance halted", slog.String("error", err.Error()))
	}
	return err
}

// HaltReason returns why the instance stopped, if it did.
func (i *Instance) HaltReason() string { return i.haltReason }

// Reload validates cfg and, when valid, applies it between ticks. Changed
// calculator parameters rebuild and reset the calculators. The position slot
// and its open position are kept.
func (i *Instance) Reload(cfg StrategyConfig) ValidationResult {
	if err := cfg.Validate(); err != nil {
		var ce *domain.ConfigurationError
		if errors.As(err, &ce) {
			return ValidationResult{Problems: ce.Problems}
		}
		return ValidationResult{Problems: []string{err.Error()}}
	}
	gen, err := NewSignalGenerator(cfg.Signal)
	if err != nil {
		return ValidationResult{Problems: []string{err.Error()}}
	}
	res := ValidationResult{Applied: true}
	if !reflect.DeepEqual(cfg.Calculators, i.cfg.Calculators) {
		calc, err := microstructure.NewSet(cfg.Calculators)
		if err != nil {
			return ValidationResult{Problems: []string{err.Error()}}
		}
		i.calc = calc
		res.CalculatorsReset = true
	}
	i.cfg = cfg
	i.gen = gen
	i.filter = NewRegimeFilter(cfg.Regime)
	i.exec.SetConfig(cfg, i.filter)
	i.positions.SetRules(rulesFrom(cfg), cfg.Scheme)
	i.logger.Info("configuration reloaded", slog.Bool("calculators_reset", res.CalculatorsReset))
	return res
}

// DrainEvents returns and clears the position lifecycle events.
func (i *Instance) DrainEvents() []position.Event { return i.positions.DrainEvents() }

func (i *Instance) record(d Decision, sig domain.Signal, regime domain.RegimeAssessment, now time.Time) {
	i.stats.Total++
	i.stats.ByRisk[regime.RiskLevel]++
	i.stats.ByDirection[sig.Direction]++
	switch d.Outcome {
	case domain.OutcomeEnter, domain.OutcomeExit:
		i.stats.Executed++
	case domain.OutcomeBlocked:
		i.stats.Blocked++
	}
	dec := domain.Decision{
		Timestamp: now,
		Signal:    sig,
		Regime:    regime,
		Outcome:   d.Outcome,
		Reason:    d.Reason,
	}
	if d.Plan != nil {
		dec.Style = d.Plan.Style
	}
	if d.Outcome != domain.OutcomeNoTrade || sig.Direction != domain.DirectionNeutral {
		i.recent.Push(dec)
	}
}

// Diagnostics returns a copy of the instance's observable state.
func (i *Instance) Diagnostics() domain.Diagnostics {
	vpin, ready := i.calc.VPIN.Value()
	diag := domain.Diagnostics{
		InstanceKey:   i.key,
		Symbol:        i.symbol,
		Scheme:        i.cfg.Scheme,
		Halted:        i.halted,
		HaltReason:    i.haltReason,
		Regime:        i.lastRegime,
		LastSignal:    i.lastSignal,
		VPINTrend:     i.calc.VPIN.Trend(),
		Toxicity:      microstructure.Toxicity(vpin, ready),
		PendingEntry:  i.positions.PendingEntry(),
		CooldownUntil: i.exec.CooldownUntil(),
		Stats:         copyStats(i.stats),
		Recent:        i.recent.Values(),
		UpdatedAt:     i.lastTime,
	}
	if pos, ok := i.positions.Position(); ok {
		diag.Position = &pos
	}
	return diag
}

func copyStats(s domain.DecisionStats) domain.DecisionStats {
	out := s
	out.ByRisk = make(map[domain.RiskLevel]int64, len(s.ByRisk))
	for k, v := range s.ByRisk {
		out.ByRisk[k] = v
	}
	out.ByDirection = make(map[domain.Direction]int64, len(s.ByDirection))
	for k, v := range s.ByDirection {
		out.ByDirection[k] = v
	}
	return out
}
