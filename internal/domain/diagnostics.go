package domain

import "time"

// DecisionOutcome is what one decision tick resolved to.
type DecisionOutcome string

const (
	OutcomeEnter   DecisionOutcome = "ENTER"
	OutcomeExit    DecisionOutcome = "EXIT"
	OutcomeHold    DecisionOutcome = "HOLD"
	OutcomeNoTrade DecisionOutcome = "NO_TRADE"
	OutcomeBlocked DecisionOutcome = "BLOCKED"
)

// Decision is the inspectable record of one tick: why we did or did not trade.
type Decision struct {
	Timestamp time.Time        `json:"ts"`
	Signal    Signal           `json:"signal"`
	Regime    RegimeAssessment `json:"regime"`
	Outcome   DecisionOutcome  `json:"outcome"`
	Reason    string           `json:"reason,omitempty"`
	Style     ExecutionStyle   `json:"style,omitempty"`
}

// DecisionStats aggregates decisions for one instance.
type DecisionStats struct {
	Total       int64               `json:"total"`
	Executed    int64               `json:"executed"`
	Blocked     int64               `json:"blocked"`
	ByRisk      map[RiskLevel]int64 `json:"by_risk"`
	ByDirection map[Direction]int64 `json:"by_direction"`
}

// BlockRate returns Blocked/Total, or 0 before any decision.
func (s DecisionStats) BlockRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Blocked) / float64(s.Total)
}

// Diagnostics is the observable state of one strategy instance.
type Diagnostics struct {
	InstanceKey   string           `json:"instance"`
	Symbol        string           `json:"symbol"`
	Scheme        string           `json:"scheme"`
	Halted        bool             `json:"halted"`
	HaltReason    string           `json:"halt_reason,omitempty"`
	Regime        RegimeAssessment `json:"regime"`
	LastSignal    Signal           `json:"last_signal"`
	VPINTrend     string           `json:"vpin_trend,omitempty"`
	Toxicity      string           `json:"toxicity,omitempty"`
	Position      *Position        `json:"position,omitempty"`
	PendingEntry  bool             `json:"pending_entry"`
	CooldownUntil time.Time        `json:"cooldown_until,omitempty"`
	Stats         DecisionStats    `json:"stats"`
	Recent        []Decision       `json:"recent,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}
