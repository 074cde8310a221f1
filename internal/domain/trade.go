package domain

import "time"

// Side is the aggressor side of an executed trade.
type Side string

const (
	SideBuy     Side = "BUY"
	SideSell    Side = "SELL"
	SideUnknown Side = "UNKNOWN"
)

// Sign returns +1 for buys, -1 for sells and 0 when unclassified.
func (s Side) Sign() float64 {
	switch s {
	case SideBuy:
		return 1
	case SideSell:
		return -1
	default:
		return 0
	}
}

// Trade is a single executed trade from the exchange tape.
type Trade struct {
	Symbol   string  `json:"symbol"`
	TradeID  int64   `json:"id,omitempty"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"qty"`
	// IsBuyerMaker is the exchange taker flag; nil when the venue omits it.
	IsBuyerMaker *bool     `json:"m,omitempty"`
	Side         Side      `json:"side,omitempty"`
	Timestamp    time.Time `json:"ts"`
}

// Notional returns price * quantity in quote units.
func (t Trade) Notional() float64 {
	return t.Price * t.Quantity
}
