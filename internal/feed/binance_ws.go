package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/microflow/internal/domain"
	"github.com/alanyoungcy/microflow/internal/platform/binance"
)

const (
	reconnectDelay    = time.Second
	maxReconnectDelay = 30 * time.Second
)

// BinanceFeed streams depth and trades for a set of symbols from Binance
// into a sink, reconnecting with exponential backoff.
type BinanceFeed struct {
	client *binance.WSClient
	sink   Sink
	logger *slog.Logger

	received atomic.Int64
}

// NewBinanceFeed creates a feed on the combined stream at baseURL.
func NewBinanceFeed(baseURL string, symbols []string, depthLevels int, interval string, aggTrades bool, sink Sink, logger *slog.Logger) *BinanceFeed {
	url := binance.CombinedURL(baseURL, binance.StreamNames(symbols, depthLevels, interval, aggTrades))
	return &BinanceFeed{
		client: binance.NewWSClient(url, logger),
		sink:   sink,
		logger: logger.With(slog.String("component", "binance_feed")),
	}
}

// Received returns the number of events delivered to the sink.
func (f *BinanceFeed) Received() int64 { return f.received.Load() }

// Run consumes the stream until ctx is cancelled.
func (f *BinanceFeed) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		before := f.received.Load()
		err := f.client.Consume(ctx, f.deliver)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if f.received.Load() > before {
			// The connection was healthy for a while; start over.
			delay = reconnectDelay
		}
		f.logger.Warn("market stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (f *BinanceFeed) deliver(ctx context.Context, ev domain.MarketEvent) error {
	f.received.Add(1)
	if err := f.sink.HandleEvent(ctx, ev); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		// A sink failure must not tear down the market connection.
		f.logger.Warn("sink failed", slog.String("error", err.Error()))
	}
	return nil
}
