// Package service holds the side effects around the strategy engine:
// pre-trade risk, persistence and publication of position lifecycle events,
// diagnostics fan-out and the brokers that execute order intents.
package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/microflow/internal/domain"
	"github.com/alanyoungcy/microflow/internal/position"
)

// Bus channel names.
const (
	ChannelIntents     = "intents"
	ChannelPositions   = "positions"
	ChannelTrades      = "trades"
	ChannelDiagnostics = "diagnostics"
	ChannelStatus      = "status"
)

// Publisher is the publish half of domain.SignalBus. The websocket hub also
// satisfies it for deployments without Redis.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
	NotifyAll(ctx context.Context, title, message string) error
}

// NopObserver implements strategy.Observer with no-ops. Embed it to handle
// only some callbacks.
type NopObserver struct{}

func (NopObserver) OnTradeRecord(context.Context, domain.TradeRecord) {}
func (NopObserver) OnPositionEvent(context.Context, position.Event)   {}
func (NopObserver) OnDiagnostics(context.Context, domain.Diagnostics) {}
func (NopObserver) OnHalt(context.Context, string, string)            {}

// publishJSON marshals v and publishes it, logging failures.
func publishJSON(ctx context.Context, pub Publisher, channel string, v any, logger *slog.Logger) {
	if pub == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		logger.WarnContext(ctx, "marshal event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := pub.Publish(ctx, channel, data); err != nil {
		logger.WarnContext(ctx, "publish event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}
