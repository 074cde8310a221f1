package service

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// IntentRelay forwards intents from the engine to the executor and publishes
// each one on the bus.
type IntentRelay struct {
	in     <-chan domain.OrderIntent
	out    chan<- domain.OrderIntent
	bus    Publisher
	logger *slog.Logger
}

// NewIntentRelay creates an IntentRelay. bus may be nil.
func NewIntentRelay(in <-chan domain.OrderIntent, out chan<- domain.OrderIntent, bus Publisher, logger *slog.Logger) *IntentRelay {
	return &IntentRelay{
		in:     in,
		out:    out,
		bus:    bus,
		logger: logger.With(slog.String("component", "intent_relay")),
	}
}

// Run relays until ctx is cancelled or in is closed. Forwarding blocks when
// the executor is behind; intents are never dropped here.
func (r *IntentRelay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case intent, ok := <-r.in:
			if !ok {
				return nil
			}
			publishJSON(ctx, r.bus, ChannelIntents, intent, r.logger)
			select {
			case r.out <- intent:
			case <-ctx.Done():
				r.logger.Warn("intent not forwarded at shutdown", slog.String("intent_id", intent.ID))
				return ctx.Err()
			}
		}
	}
}
