package domain

import "time"

// IntentAction is what an order intent asks the execution layer to do.
type IntentAction string

const (
	ActionEnter IntentAction = "ENTER"
	ActionExit  IntentAction = "EXIT"
)

// ExecutionStyle labels how urgently an entry should be worked.
type ExecutionStyle string

const (
	StyleAggressive   ExecutionStyle = "AGGRESSIVE"
	StyleModerate     ExecutionStyle = "MODERATE"
	StyleConservative ExecutionStyle = "CONSERVATIVE"
)

// OrderIntent is emitted by a strategy instance for the execution layer.
type OrderIntent struct {
	ID              string           `json:"id"`
	InstanceKey     string           `json:"instance"`
	Symbol          string           `json:"symbol"`
	PositionID      string           `json:"position_id,omitempty"`
	Action          IntentAction     `json:"action"`
	Direction       Direction        `json:"direction"`
	Size            float64          `json:"size"`
	SizeFraction    float64          `json:"size_fraction"`
	Leverage        float64          `json:"leverage"`
	StopLossPrice   float64          `json:"stop_loss_price,omitempty"`
	TakeProfitPrice float64          `json:"take_profit_price,omitempty"`
	ReferencePrice  float64          `json:"reference_price"`
	Style           ExecutionStyle   `json:"style,omitempty"`
	ExitReason      ExitReason       `json:"exit_reason,omitempty"`
	Reason          string           `json:"reason"`
	Signal          Signal           `json:"signal"`
	Regime          RegimeAssessment `json:"regime"`
	CreatedAt       time.Time        `json:"created_at"`
	ExpiresAt       time.Time        `json:"expires_at"`
}

// Expired reports whether the intent is past its validity window at now.
func (i OrderIntent) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// ReportStatus is the terminal state of an order intent.
type ReportStatus string

const (
	ReportFilled    ReportStatus = "FILLED"
	ReportRejected  ReportStatus = "REJECTED"
	ReportCancelled ReportStatus = "CANCELLED"
	ReportExpired   ReportStatus = "EXPIRED"
)

// ExecutionReport is the execution layer's answer to an OrderIntent.
type ExecutionReport struct {
	IntentID    string       `json:"intent_id"`
	InstanceKey string       `json:"instance"`
	PositionID  string       `json:"position_id,omitempty"`
	Action      IntentAction `json:"action"`
	Status      ReportStatus `json:"status"`
	FillPrice   float64      `json:"fill_price,omitempty"`
	FilledSize  float64      `json:"filled_size,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Timestamp   time.Time    `json:"ts"`
}
