package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit       int
	Offset      int
	InstanceKey string
	Since       *time.Time
	Until       *time.Time
}

// TradeRecordStore persists the realized trade ledger.
type TradeRecordStore interface {
	Insert(ctx context.Context, rec TradeRecord) error
	List(ctx context.Context, opts ListOpts) ([]TradeRecord, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]TradeRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
	SumNet(ctx context.Context, instanceKey string, since time.Time) (decimal.Decimal, error)
}

// PositionStore persists position lifecycle snapshots.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	ListHistory(ctx context.Context, opts ListOpts) ([]Position, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// StrategyConfigRecord is the persisted JSON form of one instance's
// strategy configuration.
type StrategyConfigRecord struct {
	InstanceKey string    `json:"instance"`
	Payload     []byte    `json:"payload"`
	Version     int64     `json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// StrategyConfigStore persists strategy configurations.
type StrategyConfigStore interface {
	Get(ctx context.Context, instanceKey string) (StrategyConfigRecord, error)
	Upsert(ctx context.Context, rec StrategyConfigRecord) (int64, error)
	List(ctx context.Context) ([]StrategyConfigRecord, error)
}
