package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// PaperConfig tunes simulated fills.
type PaperConfig struct {
	SlippageBps float64 // adverse slippage applied to every fill
	MaxSize     float64 // fills above this size are rejected; 0 disables
}

// PaperBroker fills every intent immediately at its reference price moved
// against the trader by the configured slippage. It is used in paper and
// replay modes.
type PaperBroker struct {
	cfg    PaperConfig
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	fills []domain.ExecutionReport
}

// NewPaperBroker creates a PaperBroker using the wall clock.
func NewPaperBroker(cfg PaperConfig, logger *slog.Logger) *PaperBroker {
	return &PaperBroker{
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With(slog.String("component", "paper_broker")),
	}
}

// SetClock replaces the clock stamped on reports. Replay passes event time.
func (b *PaperBroker) SetClock(now func() time.Time) { b.now = now }

// Submit simulates the execution of intent.
func (b *PaperBroker) Submit(ctx context.Context, intent domain.OrderIntent) (domain.ExecutionReport, error) {
	if err := ctx.Err(); err != nil {
		return domain.ExecutionReport{}, err
	}
	rep := domain.ExecutionReport{
		IntentID:    intent.ID,
		InstanceKey: intent.InstanceKey,
		PositionID:  intent.PositionID,
		Action:      intent.Action,
		Timestamp:   b.now(),
	}
	switch {
	case intent.ReferencePrice <= 0:
		rep.Status = domain.ReportRejected
		rep.Reason = "no reference price"
		return rep, nil
	case intent.Size <= 0:
		rep.Status = domain.ReportRejected
		rep.Reason = "non-positive size"
		return rep, nil
	case b.cfg.MaxSize > 0 && intent.Size > b.cfg.MaxSize:
		rep.Status = domain.ReportRejected
		rep.Reason = "size above paper limit"
		return rep, nil
	}

	rep.Status = domain.ReportFilled
	rep.FillPrice = PaperFillPrice(intent, b.cfg.SlippageBps)
	rep.FilledSize = intent.Size

	b.mu.Lock()
	b.fills = append(b.fills, rep)
	b.mu.Unlock()

	b.logger.DebugContext(ctx, "paper fill",
		slog.String("intent_id", intent.ID),
		slog.String("action", string(intent.Action)),
		slog.Float64("fill_price", rep.FillPrice),
	)
	return rep, nil
}

// Fills returns a copy of the fills so far.
func (b *PaperBroker) Fills() []domain.ExecutionReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.ExecutionReport(nil), b.fills...)
}

// PaperFillPrice moves the reference price against the trader: buys (long
// entries, short exits) pay more and sells receive less.
func PaperFillPrice(intent domain.OrderIntent, slippageBps float64) float64 {
	buy := (intent.Action == domain.ActionEnter) == (intent.Direction == domain.DirectionLong)
	slip := slippageBps / 10_000
	if buy {
		return intent.ReferencePrice * (1 + slip)
	}
	return intent.ReferencePrice * (1 - slip)
}
