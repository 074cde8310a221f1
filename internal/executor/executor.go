// Package executor turns order intents into execution reports: it drops
// redelivered intents, cancels stale ones, applies pre-trade risk checks and
// dispatches the rest to a Broker.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// Broker executes an intent and answers with a terminal report.
type Broker interface {
	Submit(ctx context.Context, intent domain.OrderIntent) (domain.ExecutionReport, error)
}

// RiskChecker validates an entry before it reaches the broker. Exits are
// never risk-checked so a position can always be closed.
type RiskChecker interface {
	PreTradeCheck(ctx context.Context, intent domain.OrderIntent) error
}

// ReportHandler receives every report, including synthetic ones for
// duplicate-free intents that never reached the broker.
type ReportHandler interface {
	HandleReport(ctx context.Context, r domain.ExecutionReport) error
}

// Stats counts outcomes since start.
type Stats struct {
	Received   int64 `json:"received"`
	Duplicates int64 `json:"duplicates"`
	Expired    int64 `json:"expired"`
	Rejected   int64 `json:"rejected"`
	Filled     int64 `json:"filled"`
	Failed     int64 `json:"failed"`
}

// Executor reads intents from a channel and reports each outcome back.
type Executor struct {
	intentCh <-chan domain.OrderIntent
	broker   Broker
	risk     RiskChecker
	reports  ReportHandler
	dedup    *Dedup
	now      func() time.Time
	logger   *slog.Logger

	cleanupInterval time.Duration
	retryDelay      time.Duration

	received, duplicates, expired, rejected, filled, failed atomic.Int64
}

// NewExecutor creates an Executor. risk may be nil.
func NewExecutor(
	intentCh <-chan domain.OrderIntent,
	broker Broker,
	risk RiskChecker,
	reports ReportHandler,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		intentCh:        intentCh,
		broker:          broker,
		risk:            risk,
		reports:         reports,
		dedup:           NewDedup(2 * time.Minute),
		now:             time.Now,
		logger:          logger.With(slog.String("component", "executor")),
		cleanupInterval: 30 * time.Second,
		retryDelay:      250 * time.Millisecond,
	}
}

// SetClock replaces the clock used for expiry and synthetic report times.
// Replay mode passes the event-time clock. Must be called before Run.
func (e *Executor) SetClock(now func() time.Time) {
	e.now = now
}

// SetDedupTTL replaces the dedup instance with a new one using the given TTL.
func (e *Executor) SetDedupTTL(ttl time.Duration) {
	e.dedup = NewDedup(ttl)
}

// SetCleanupInterval changes how often the dedup map is garbage-collected.
// Must be called before Run.
func (e *Executor) SetCleanupInterval(d time.Duration) {
	e.cleanupInterval = d
}

// Stats returns a snapshot of the counters.
func (e *Executor) Stats() Stats {
	return Stats{
		Received:   e.received.Load(),
		Duplicates: e.duplicates.Load(),
		Expired:    e.expired.Load(),
		Rejected:   e.rejected.Load(),
		Filled:     e.filled.Load(),
		Failed:     e.failed.Load(),
	}
}

// Run processes intents until the context is cancelled, then drains what is
// already buffered and returns.
func (e *Executor) Run(ctx context.Context) error {
	e.logger.Info("executor started")
	defer e.logger.Info("executor stopped")

	cleanupTicker := time.NewTicker(e.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()

		case intent, ok := <-e.intentCh:
			if !ok {
				return nil
			}
			e.Process(ctx, intent)

		case <-cleanupTicker.C:
			e.dedup.Cleanup()
		}
	}
}

// Process runs one intent through dedup, expiry, risk and the broker, and
// delivers the resulting report.
func (e *Executor) Process(ctx context.Context, intent domain.OrderIntent) {
	e.received.Add(1)
	log := e.logger.With(
		slog.String("intent_id", intent.ID),
		slog.String("instance", intent.InstanceKey),
		slog.String("action", string(intent.Action)),
	)

	// 1. Deduplication.
	if e.dedup.IsDuplicate(intent.ID) {
		e.duplicates.Add(1)
		log.Debug("intent deduplicated, skipping")
		return
	}

	// 2. Expiry.
	if intent.Expired(e.now()) {
		e.expired.Add(1)
		log.Warn("intent expired before dispatch", slog.Time("expires_at", intent.ExpiresAt))
		e.report(ctx, e.synthetic(intent, domain.ReportExpired, "stale intent"), log)
		return
	}

	// 3. Pre-trade risk check, entries only.
	if e.risk != nil && intent.Action == domain.ActionEnter {
		if err := e.risk.PreTradeCheck(ctx, intent); err != nil {
			e.rejected.Add(1)
			log.Warn("risk check failed", slog.String("error", err.Error()))
			e.report(ctx, e.synthetic(intent, domain.ReportRejected, err.Error()), log)
			return
		}
	}

	// 4. Dispatch.
	rep, err := e.broker.Submit(ctx, intent)
	if errors.Is(err, domain.ErrRateLimited) && !intent.Expired(e.now()) {
		log.Warn("broker rate limited, retrying once")
		select {
		case <-ctx.Done():
		case <-time.After(e.retryDelay):
			rep, err = e.broker.Submit(ctx, intent)
		}
	}
	if err != nil {
		e.failed.Add(1)
		log.Error("order submission failed", slog.String("error", err.Error()))
		e.report(ctx, e.synthetic(intent, domain.ReportRejected, err.Error()), log)
		return
	}
	if rep.IntentID == "" {
		rep.IntentID = intent.ID
	}
	if rep.InstanceKey == "" {
		rep.InstanceKey = intent.InstanceKey
	}
	if rep.Action == "" {
		rep.Action = intent.Action
	}
	if rep.PositionID == "" {
		rep.PositionID = intent.PositionID
	}
	if rep.Status == domain.ReportFilled {
		e.filled.Add(1)
		log.Info("order filled",
			slog.Float64("fill_price", rep.FillPrice),
			slog.Float64("filled_size", rep.FilledSize),
		)
	} else {
		e.rejected.Add(1)
		log.Warn("order not filled",
			slog.String("status", string(rep.Status)),
			slog.String("reason", rep.Reason),
		)
	}
	e.report(ctx, rep, log)
}

func (e *Executor) synthetic(intent domain.OrderIntent, status domain.ReportStatus, reason string) domain.ExecutionReport {
	return domain.ExecutionReport{
		IntentID:    intent.ID,
		InstanceKey: intent.InstanceKey,
		PositionID:  intent.PositionID,
		Action:      intent.Action,
		Status:      status,
		Reason:      reason,
		Timestamp:   e.now(),
	}
}

func (e *Executor) report(ctx context.Context, r domain.ExecutionReport, log *slog.Logger) {
	if e.reports == nil {
		return
	}
	if err := e.reports.HandleReport(ctx, r); err != nil {
		log.Error("report delivery failed", slog.String("error", err.Error()))
	}
}

// drain processes intents already buffered after cancellation so none is
// silently dropped.
func (e *Executor) drain() {
	for {
		select {
		case intent, ok := <-e.intentCh:
			if !ok {
				return
			}
			e.logger.Warn("draining intent after shutdown", slog.String("intent_id", intent.ID))
			// Short-lived context so shutdown never hangs on external calls.
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.Process(drainCtx, intent)
			cancel()
		default:
			return
		}
	}
}

var _ fmt.Stringer = (*Executor)(nil)

func (e *Executor) String() string {
	s := e.Stats()
	return fmt.Sprintf("Executor(received=%d filled=%d rejected=%d expired=%d)", s.Received, s.Filled, s.Rejected, s.Expired)
}
