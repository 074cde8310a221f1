package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking. Acquire takes a lock for one
// bounded job; Hold keeps renewing it and closes lost if renewal fails.
// Both return ErrLockHeld when another process owns key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
	Hold(ctx context.Context, key string, ttl time.Duration) (unlock func(), lost <-chan struct{}, err error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// DiagnosticsCache keeps the latest diagnostics per instance for readers
// outside the engine process.
type DiagnosticsCache interface {
	SetDiagnostics(ctx context.Context, d Diagnostics) error
	GetDiagnostics(ctx context.Context, instanceKey string) (Diagnostics, error)
	ListDiagnostics(ctx context.Context) ([]Diagnostics, error)
}
