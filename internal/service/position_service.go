package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alanyoungcy/microflow/internal/domain"
	"github.com/alanyoungcy/microflow/internal/ledger"
	"github.com/alanyoungcy/microflow/internal/position"
)

// positionEvent is the bus payload for a lifecycle transition.
type positionEvent struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	IntentID string          `json:"intent_id,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	Position domain.Position `json:"position"`
	Time     string          `json:"ts"`
}

// PositionService persists and publishes what the engine does with
// positions: lifecycle snapshots, realized trade records and instance halts.
// It implements strategy.Observer.
type PositionService struct {
	NopObserver

	positions domain.PositionStore
	ledger    *ledger.Ledger
	bus       Publisher
	audit     domain.AuditStore
	notifier  Notifier
	logger    *slog.Logger

	mu   sync.Mutex
	live map[string]domain.Position
}

// NewPositionService creates a PositionService. Any dependency except the
// ledger may be nil.
func NewPositionService(
	positions domain.PositionStore,
	l *ledger.Ledger,
	bus Publisher,
	audit domain.AuditStore,
	notifier Notifier,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		positions: positions,
		ledger:    l,
		bus:       bus,
		audit:     audit,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "position_service")),
		live:      make(map[string]domain.Position),
	}
}

// OnPositionEvent stores the position snapshot and publishes the transition.
func (s *PositionService) OnPositionEvent(ctx context.Context, ev position.Event) {
	pos := ev.Position
	s.track(pos)
	if s.positions != nil && pos.ID != "" {
		if err := s.positions.Upsert(ctx, pos); err != nil {
			s.logger.WarnContext(ctx, "position upsert failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	publishJSON(ctx, s.bus, ChannelPositions, positionEvent{
		Event:    "position_" + string(ev.Kind),
		Instance: pos.InstanceKey,
		IntentID: ev.IntentID,
		Reason:   ev.Reason,
		Position: pos,
		Time:     ev.Time.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}, s.logger)

	switch ev.Kind {
	case position.EventOpened, position.EventClosed, position.EventEntryCancelled, position.EventExitAborted:
		s.auditLog(ctx, "position_"+string(ev.Kind), map[string]any{
			"position_id": pos.ID,
			"instance":    pos.InstanceKey,
			"direction":   string(pos.Direction),
			"entry_price": pos.EntryPrice,
			"exit_price":  pos.ExitPrice,
			"size":        pos.Size,
			"leverage":    pos.Leverage,
			"intent_id":   ev.IntentID,
			"reason":      ev.Reason,
		})
	}

	s.logger.DebugContext(ctx, "position event",
		slog.String("event", string(ev.Kind)),
		slog.String("instance", pos.InstanceKey),
		slog.String("position_id", pos.ID),
	)
}

// OnTradeRecord appends the record to the ledger, publishes it and alerts.
func (s *PositionService) OnTradeRecord(ctx context.Context, rec domain.TradeRecord) {
	if err := s.ledger.Append(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			s.logger.WarnContext(ctx, "duplicate trade record ignored", slog.String("position_id", rec.PositionID))
			return
		}
		// Sink failures still leave the record in memory.
		s.logger.ErrorContext(ctx, "ledger append failed",
			slog.String("position_id", rec.PositionID),
			slog.String("error", err.Error()),
		)
	}

	publishJSON(ctx, s.bus, ChannelTrades, rec, s.logger)

	s.auditLog(ctx, "trade_recorded", map[string]any{
		"position_id": rec.PositionID,
		"instance":    rec.InstanceKey,
		"net_pnl":     rec.NetPnL.String(),
		"exit_reason": string(rec.ExitReason),
	})

	if s.notifier != nil {
		title := fmt.Sprintf("%s %s closed (%s)", rec.InstanceKey, rec.Direction, rec.ExitReason)
		msg := fmt.Sprintf("entry %.2f exit %.2f size %.6f x%.0f\nnet %s (gross %s, fees %s, funding %s)",
			rec.EntryPrice, rec.ExitPrice, rec.Size, rec.Leverage,
			rec.NetPnL.StringFixed(4), rec.GrossPnL.StringFixed(4), rec.Fees.StringFixed(4), rec.Funding.StringFixed(4),
		)
		if err := s.notifier.Notify(ctx, "trade_closed", title, msg); err != nil {
			s.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
		}
	}

	s.logger.InfoContext(ctx, "trade recorded",
		slog.String("position_id", rec.PositionID),
		slog.String("instance", rec.InstanceKey),
		slog.String("net_pnl", rec.NetPnL.String()),
		slog.String("exit_reason", string(rec.ExitReason)),
	)
}

// OnHalt records and alerts on an instance halted by a state violation.
func (s *PositionService) OnHalt(ctx context.Context, instanceKey, reason string) {
	s.logger.ErrorContext(ctx, "instance halted",
		slog.String("instance", instanceKey),
		slog.String("reason", reason),
	)
	s.auditLog(ctx, "instance_halted", map[string]any{
		"instance": instanceKey,
		"reason":   reason,
	})
	publishJSON(ctx, s.bus, ChannelStatus, map[string]any{
		"event":    "instance_halted",
		"instance": instanceKey,
		"reason":   reason,
	}, s.logger)
	if s.notifier != nil {
		if err := s.notifier.NotifyAll(ctx, "instance halted: "+instanceKey, reason); err != nil {
			s.logger.WarnContext(ctx, "notify failed", slog.String("error", err.Error()))
		}
	}
}

// track keeps the latest snapshot of every position not yet closed.
func (s *PositionService) track(pos domain.Position) {
	if pos.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos.Status == domain.PositionClosed {
		delete(s.live, pos.ID)
		return
	}
	s.live[pos.ID] = pos
}

// OpenPositions returns the persisted open positions, or the positions seen
// by this process when no store is configured.
func (s *PositionService) OpenPositions(ctx context.Context) ([]domain.Position, error) {
	if s.positions == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := make([]domain.Position, 0, len(s.live))
		for _, p := range s.live {
			out = append(out, p)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	}
	out, err := s.positions.ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("position_service: list open: %w", err)
	}
	return out, nil
}

// History returns closed positions.
func (s *PositionService) History(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	if s.positions == nil {
		return nil, nil
	}
	out, err := s.positions.ListHistory(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: list history: %w", err)
	}
	return out, nil
}

func (s *PositionService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
