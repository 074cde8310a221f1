package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// MarketChannel is the bus channel carrying JSON-encoded market events.
const MarketChannel = "market"

// BusPublisher is a Sink that republishes events on the bus so other
// processes (paper engines, the dashboard) can consume one exchange
// connection.
type BusPublisher struct {
	bus     domain.SignalBus
	channel string
}

// NewBusPublisher creates a BusPublisher on MarketChannel.
func NewBusPublisher(bus domain.SignalBus) *BusPublisher {
	return &BusPublisher{bus: bus, channel: MarketChannel}
}

// HandleEvent publishes ev.
func (p *BusPublisher) HandleEvent(ctx context.Context, ev domain.MarketEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("feed: marshal event: %w", err)
	}
	if err := p.bus.Publish(ctx, p.channel, data); err != nil {
		return fmt.Errorf("feed: publish event: %w", err)
	}
	return nil
}

// EngineFeeder subscribes to the market channel on the bus and feeds the
// decoded events into a sink, normally the strategy engine.
type EngineFeeder struct {
	bus     domain.SignalBus
	sink    Sink
	channel string
	logger  *slog.Logger
}

// NewEngineFeeder creates an EngineFeeder.
func NewEngineFeeder(bus domain.SignalBus, sink Sink, logger *slog.Logger) *EngineFeeder {
	return &EngineFeeder{
		bus:     bus,
		sink:    sink,
		channel: MarketChannel,
		logger:  logger.With(slog.String("component", "engine_feeder")),
	}
}

// Run subscribes and forwards until ctx is cancelled.
func (f *EngineFeeder) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, f.channel)
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", f.channel, err)
	}
	f.logger.Info("engine feeder started", slog.String("channel", f.channel))
	defer f.logger.Info("engine feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.handleMessage(ctx, data); err != nil {
				f.logger.Debug("engine feeder handle message failed",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}

func (f *EngineFeeder) handleMessage(ctx context.Context, data []byte) error {
	ev, err := DecodeEvent(data)
	if err != nil {
		return err
	}
	return f.sink.HandleEvent(ctx, ev)
}

// DecodeEvent parses a JSON market event and checks that its payload
// matches its kind.
func DecodeEvent(data []byte) (domain.MarketEvent, error) {
	var ev domain.MarketEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.MarketEvent{}, fmt.Errorf("feed: decode event: %w", err)
	}
	switch {
	case ev.Kind == domain.EventBook && ev.Book != nil:
	case ev.Kind == domain.EventTrade && ev.Trade != nil:
	default:
		return domain.MarketEvent{}, fmt.Errorf("feed: event kind %q without payload", ev.Kind)
	}
	if ev.Symbol == "" {
		return domain.MarketEvent{}, fmt.Errorf("feed: event without symbol")
	}
	return ev, nil
}
