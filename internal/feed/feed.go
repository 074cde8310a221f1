// Package feed moves normalized market events from a source (exchange
// WebSocket, the Redis bus, a recording) into sinks such as the strategy
// engine and the recorder.
package feed

import (
	"context"
	"errors"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// Sink consumes market events. strategy.Engine satisfies it.
type Sink interface {
	HandleEvent(ctx context.Context, ev domain.MarketEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev domain.MarketEvent) error

func (f SinkFunc) HandleEvent(ctx context.Context, ev domain.MarketEvent) error { return f(ctx, ev) }

// Tee delivers every event to each sink in order. All sinks see the event
// even when an earlier one fails; the errors are joined.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, ev domain.MarketEvent) error {
		var errs []error
		for _, s := range sinks {
			if err := s.HandleEvent(ctx, ev); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
