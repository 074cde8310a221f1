package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus tracks whether a position is open or closed.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// PendingState marks an order in flight for the position slot.
type PendingState string

const (
	PendingNone  PendingState = ""
	PendingEntry PendingState = "PENDING_ENTRY"
	PendingExit  PendingState = "PENDING_EXIT"
)

// ExitReason explains why a position was closed.
type ExitReason string

const (
	ExitTakeProfit    ExitReason = "TAKE_PROFIT"
	ExitStopLoss      ExitReason = "STOP_LOSS"
	ExitTrailingStop  ExitReason = "TRAILING_STOP"
	ExitTimeLimit     ExitReason = "TIME_LIMIT"
	ExitReverseSignal ExitReason = "REVERSE_SIGNAL"
	ExitManual        ExitReason = "MANUAL"
)

// TrailingState is the ratchet of a trailing stop.
type TrailingState struct {
	Armed     bool    `json:"armed"`
	BestPrice float64 `json:"best_price"`
	StopPrice float64 `json:"stop_price,omitempty"`
}

// Position is a single directional exposure owned by one strategy instance.
type Position struct {
	ID              string         `json:"id"`
	InstanceKey     string         `json:"instance"`
	Symbol          string         `json:"symbol"`
	Direction       Direction      `json:"direction"`
	EntryPrice      float64        `json:"entry_price"`
	EntryTime       time.Time      `json:"entry_time"`
	Size            float64        `json:"size"`
	SizeFraction    float64        `json:"size_fraction"`
	Leverage        float64        `json:"leverage"`
	StopLossPrice   float64        `json:"stop_loss_price"`
	TakeProfitPrice float64        `json:"take_profit_price"`
	Trailing        TrailingState  `json:"trailing"`
	Status          PositionStatus `json:"status"`
	Pending         PendingState   `json:"pending,omitempty"`
	PendingReason   ExitReason     `json:"pending_reason,omitempty"`
	PendingSince    time.Time      `json:"pending_since,omitempty"`
	ExitPrice       float64        `json:"exit_price,omitempty"`
	ExitTime        time.Time      `json:"exit_time,omitempty"`
	ExitReason      ExitReason     `json:"exit_reason,omitempty"`
}

// Notional returns the entry value in quote units.
func (p Position) Notional() float64 {
	return p.EntryPrice * p.Size
}

// MovePct returns the favorable price move since entry as a fraction of the
// entry price. Negative values are adverse.
func (p Position) MovePct(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice * p.Direction.Sign()
}

// TradeRecord is the immutable ledger row for a closed position.
type TradeRecord struct {
	PositionID      string          `json:"position_id"`
	InstanceKey     string          `json:"instance"`
	Scheme          string          `json:"scheme"`
	Symbol          string          `json:"symbol"`
	Direction       Direction       `json:"direction"`
	EntryPrice      float64         `json:"entry_price"`
	ExitPrice       float64         `json:"exit_price"`
	Size            float64         `json:"size"`
	Leverage        float64         `json:"leverage"`
	EntryTime       time.Time       `json:"entry_time"`
	ExitTime        time.Time       `json:"exit_time"`
	HoldingDuration time.Duration   `json:"holding_ns"`
	GrossPnL        decimal.Decimal `json:"gross_pnl"`
	Fees            decimal.Decimal `json:"fees"`
	Funding         decimal.Decimal `json:"funding"`
	NetPnL          decimal.Decimal `json:"net_pnl"`
	ExitReason      ExitReason      `json:"exit_reason"`
}

// Win reports whether the trade closed with positive net PnL.
func (r TradeRecord) Win() bool {
	return r.NetPnL.IsPositive()
}
