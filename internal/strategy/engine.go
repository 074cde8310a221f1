package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/microflow/internal/domain"
	"github.com/alanyoungcy/microflow/internal/microstructure"
	"github.com/alanyoungcy/microflow/internal/position"
)

// Observer receives the engine's side effects. Calls for one instance are
// made from that instance's goroutine, in order.
type Observer interface {
	OnTradeRecord(ctx context.Context, rec domain.TradeRecord)
	OnPositionEvent(ctx context.Context, ev position.Event)
	OnDiagnostics(ctx context.Context, d domain.Diagnostics)
	OnHalt(ctx context.Context, instanceKey, reason string)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithObserver adds an observer.
func WithObserver(o Observer) EngineOption {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithDiagnosticsInterval sets how often, in event time, diagnostics are
// published per instance. Zero publishes on every event.
func WithDiagnosticsInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.diagInterval = d }
}

// WithInboxSize sets the per-instance inbox buffer.
func WithInboxSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.inboxSize = n
		}
	}
}

type reloadRequest struct {
	cfg   StrategyConfig
	reply chan ValidationResult
}

// envelope is one unit of work for an instance goroutine.
type envelope struct {
	event   *domain.MarketEvent
	report  *domain.ExecutionReport
	reload  *reloadRequest
	force   *time.Time
	barrier chan struct{}
}

// Engine fans market events out to the registered instances and forwards
// their order intents to the intent channel consumed by the executor. Each
// instance runs on its own goroutine and sees events, execution reports and
// reloads strictly in arrival order. Nothing is dropped: a full inbox blocks
// the producer.
type Engine struct {
	registry *Registry
	intentCh chan<- domain.OrderIntent
	logger   *slog.Logger

	observers    []Observer
	diagInterval time.Duration
	inboxSize    int

	guardMu sync.Mutex
	guard   *microstructure.SequenceGuard

	mu            sync.Mutex
	inboxes       map[string]chan envelope
	diagnostics   map[string]domain.Diagnostics
	recentIntents []domain.OrderIntent
	recentLimit   int
}

// NewEngine creates an Engine over registry. Emitted intents are sent to
// intentCh.
func NewEngine(registry *Registry, intentCh chan<- domain.OrderIntent, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		registry:     registry,
		intentCh:     intentCh,
		logger:       logger.With(slog.String("component", "strategy_engine")),
		diagInterval: time.Second,
		inboxSize:    256,
		guard:        microstructure.NewSequenceGuard(),
		inboxes:      make(map[string]chan envelope),
		diagnostics:  make(map[string]domain.Diagnostics),
		recentLimit:  500,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) inbox(key string) chan envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.inboxes[key]
	if !ok {
		ch = make(chan envelope, e.inboxSize)
		e.inboxes[key] = ch
	}
	return ch
}

func (e *Engine) send(ctx context.Context, key string, env envelope) error {
	select {
	case e.inbox(key) <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleEvent validates ordering and delivers ev to every instance on its
// symbol. Duplicate and out-of-order events are dropped here, once.
func (e *Engine) HandleEvent(ctx context.Context, ev domain.MarketEvent) error {
	e.guardMu.Lock()
	ok := e.guard.Accept(ev)
	e.guardMu.Unlock()
	if !ok {
		e.logger.Debug("event dropped",
			slog.String("symbol", ev.Symbol),
			slog.String("kind", string(ev.Kind)),
			slog.Int64("seq", ev.Sequence),
		)
		return nil
	}
	for _, inst := range e.registry.ForSymbol(ev.Symbol) {
		ev := ev
		if err := e.send(ctx, inst.Key(), envelope{event: &ev}); err != nil {
			return err
		}
	}
	return nil
}

// DroppedEvents returns how many events the ordering guard rejected.
func (e *Engine) DroppedEvents() int64 {
	e.guardMu.Lock()
	defer e.guardMu.Unlock()
	return e.guard.Dropped()
}

// HandleReport routes an execution report to its instance.
func (e *Engine) HandleReport(ctx context.Context, r domain.ExecutionReport) error {
	if _, err := e.registry.Get(r.InstanceKey); err != nil {
		return fmt.Errorf("strategy engine: report %s: %w", r.IntentID, err)
	}
	return e.send(ctx, r.InstanceKey, envelope{report: &r})
}

// Reload validates and applies cfg on the instance's goroutine, between
// ticks, and waits for the result.
func (e *Engine) Reload(ctx context.Context, key string, cfg StrategyConfig) (ValidationResult, error) {
	if _, err := e.registry.Get(key); err != nil {
		return ValidationResult{}, fmt.Errorf("strategy engine: reload: %w", err)
	}
	req := &reloadRequest{cfg: cfg, reply: make(chan ValidationResult, 1)}
	if err := e.send(ctx, key, envelope{reload: req}); err != nil {
		return ValidationResult{}, err
	}
	select {
	case res := <-req.reply:
		return res, nil
	case <-ctx.Done():
		return ValidationResult{}, ctx.Err()
	}
}

// ForceCloseAll asks every instance to exit its open position with reason
// MANUAL.
func (e *Engine) ForceCloseAll(ctx context.Context, now time.Time) error {
	for _, key := range e.registry.List() {
		t := now
		if err := e.send(ctx, key, envelope{force: &t}); err != nil {
			return err
		}
	}
	return nil
}

// Flush waits until every instance has processed all work queued before the
// call.
func (e *Engine) Flush(ctx context.Context) error {
	keys := e.registry.List()
	done := make([]chan struct{}, 0, len(keys))
	for _, key := range keys {
		ch := make(chan struct{})
		if err := e.send(ctx, key, envelope{barrier: ch}); err != nil {
			return err
		}
		done = append(done, ch)
	}
	for _, ch := range done {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Diagnostics returns the last published diagnostics of an instance.
func (e *Engine) Diagnostics(key string) (domain.Diagnostics, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.diagnostics[key]
	return d, ok
}

// AllDiagnostics returns the last published diagnostics of every instance,
// ordered by key.
func (e *Engine) AllDiagnostics() []domain.Diagnostics {
	keys := e.registry.List()
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Diagnostics, 0, len(keys))
	for _, k := range keys {
		if d, ok := e.diagnostics[k]; ok {
			out = append(out, d)
		}
	}
	return out
}

// RecentIntents returns up to limit most recent intents, newest first.
func (e *Engine) RecentIntents(limit int) []domain.OrderIntent {
	if limit <= 0 {
		limit = 20
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.recentIntents)
	if limit > n {
		limit = n
	}
	out := make([]domain.OrderIntent, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.recentIntents[i])
	}
	return out
}

// Run starts one goroutine per registered instance and blocks until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	instances := e.registry.List()
	if len(instances) == 0 {
		e.logger.Info("no strategy instances registered, blocking until context done")
		<-ctx.Done()
		return ctx.Err()
	}
	e.logger.Info("strategy engine started", slog.Any("instances", instances))
	defer e.logger.Info("strategy engine stopped")

	g, gctx := errgroup.WithContext(ctx)
	for _, key := range instances {
		inst, err := e.registry.Get(key)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return e.runInstance(gctx, inst)
		})
	}
	return g.Wait()
}

func (e *Engine) runInstance(ctx context.Context, inst *Instance) error {
	inbox := e.inbox(inst.Key())
	var lastDiag time.Time
	haltNotified := false
	e.publishDiagnostics(ctx, inst)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-inbox:
			switch {
			case env.event != nil:
				intents, err := inst.OnMarketEvent(*env.event)
				if err != nil && !errors.Is(err, domain.ErrInstanceHalted) {
					e.logger.Error("market event failed",
						slog.String("instance", inst.Key()),
						slog.String("error", err.Error()),
					)
				}
				e.emit(ctx, intents)
				e.forwardPositionEvents(ctx, inst)
				ts := env.event.Timestamp
				if e.diagInterval <= 0 || ts.Sub(lastDiag) >= e.diagInterval {
					lastDiag = ts
					e.publishDiagnostics(ctx, inst)
				}

			case env.report != nil:
				rec, err := inst.OnExecutionReport(*env.report)
				if err != nil {
					e.logger.Warn("execution report rejected",
						slog.String("instance", inst.Key()),
						slog.String("intent_id", env.report.IntentID),
						slog.String("error", err.Error()),
					)
				}
				e.forwardPositionEvents(ctx, inst)
				if rec != nil {
					for _, o := range e.observers {
						o.OnTradeRecord(ctx, *rec)
					}
				}
				e.publishDiagnostics(ctx, inst)

			case env.reload != nil:
				res := inst.Reload(env.reload.cfg)
				env.reload.reply <- res
				e.publishDiagnostics(ctx, inst)

			case env.force != nil:
				intents, err := inst.ForceClose(0, *env.force)
				if err != nil {
					e.logger.Error("force close failed",
						slog.String("instance", inst.Key()),
						slog.String("error", err.Error()),
					)
				}
				e.emit(ctx, intents)
				e.forwardPositionEvents(ctx, inst)

			case env.barrier != nil:
				e.publishDiagnostics(ctx, inst)
				close(env.barrier)
			}

			if inst.Halted() && !haltNotified {
				haltNotified = true
				for _, o := range e.observers {
					o.OnHalt(ctx, inst.Key(), inst.HaltReason())
				}
			}
		}
	}
}

func (e *Engine) forwardPositionEvents(ctx context.Context, inst *Instance) {
	for _, ev := range inst.DrainEvents() {
		for _, o := range e.observers {
			o.OnPositionEvent(ctx, ev)
		}
	}
}

func (e *Engine) publishDiagnostics(ctx context.Context, inst *Instance) {
	d := inst.Diagnostics()
	e.mu.Lock()
	e.diagnostics[inst.Key()] = d
	e.mu.Unlock()
	for _, o := range e.observers {
		o.OnDiagnostics(ctx, d)
	}
}

// emit sends each intent to the intent channel. It respects context
// cancellation.
func (e *Engine) emit(ctx context.Context, intents []domain.OrderIntent) {
	for i := range intents {
		select {
		case <-ctx.Done():
			e.logger.Warn("context cancelled while emitting intents",
				slog.Int("remaining", len(intents)-i),
			)
			return
		case e.intentCh <- intents[i]:
			e.rememberIntent(intents[i])
			e.logger.Debug("intent emitted",
				slog.String("intent_id", intents[i].ID),
				slog.String("instance", intents[i].InstanceKey),
				slog.String("action", string(intents[i].Action)),
			)
		}
	}
}

func (e *Engine) rememberIntent(in domain.OrderIntent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recentIntents = append(e.recentIntents, in)
	if overflow := len(e.recentIntents) - e.recentLimit; overflow > 0 {
		e.recentIntents = append([]domain.OrderIntent(nil), e.recentIntents[overflow:]...)
	}
}
