package binance

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/microflow/internal/domain"
)

const (
	// writeWait is the time allowed to write a control frame.
	writeWait = 10 * time.Second

	// pongWait is the time allowed between frames from the server. Binance
	// pings every 3 minutes and the market streams are never idle that long.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	handshakeTimeout = 15 * time.Second
)

// EventHandler receives every parsed event. Returning an error closes the
// connection.
type EventHandler func(ctx context.Context, ev domain.MarketEvent) error

// WSClient consumes one Binance combined stream connection.
type WSClient struct {
	url    string
	now    func() time.Time
	logger *slog.Logger

	parseErrors atomic.Int64
}

// NewWSClient creates a client for url, as built by CombinedURL.
func NewWSClient(url string, logger *slog.Logger) *WSClient {
	return &WSClient{
		url:    url,
		now:    time.Now,
		logger: logger.With(slog.String("component", "binance_ws")),
	}
}

// ParseErrors returns the number of frames that could not be decoded.
func (c *WSClient) ParseErrors() int64 { return c.parseErrors.Load() }

// Consume dials, then reads frames and hands parsed events to fn until ctx
// is cancelled, the connection fails or fn returns an error. It always
// returns a non-nil error; ctx.Err() after cancellation.
func (c *WSClient) Consume(ctx context.Context, fn EventHandler) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("binance/ws: connect: %w", err)
	}
	c.logger.Info("connected", slog.String("url", c.url))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			conn.Close()
		case <-done:
			conn.Close()
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	go c.pingLoop(conn, done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("binance/ws: read: %w: %w", domain.ErrWSDisconnect, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		ev, err := ParseMessage(raw, c.now())
		if err != nil {
			c.parseErrors.Add(1)
			c.logger.Debug("dropping frame", slog.String("error", err.Error()))
			continue
		}
		if err := fn(ctx, ev); err != nil {
			return err
		}
	}
}

func (c *WSClient) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
