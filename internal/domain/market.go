package domain

import "time"

// PriceLevel is a single price+size entry in an order book.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// MarketSnapshot is a point-in-time view of the top of a book.
// Bids are ordered best (highest) first, asks best (lowest) first.
type MarketSnapshot struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Sequence  int64        `json:"seq,omitempty"`
	Timestamp time.Time    `json:"ts"`
}

// BestBid returns the top bid level, if any.
func (s MarketSnapshot) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (s MarketSnapshot) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// Mid returns the midpoint of the best bid and ask. ok is false when either
// side is empty.
func (s MarketSnapshot) Mid() (mid float64, ok bool) {
	bid, okb := s.BestBid()
	ask, oka := s.BestAsk()
	if !okb || !oka {
		return 0, false
	}
	return (bid.Price + ask.Price) / 2, true
}

// Crossed reports a locked or crossed book (best ask at or below best bid).
func (s MarketSnapshot) Crossed() bool {
	bid, okb := s.BestBid()
	ask, oka := s.BestAsk()
	return okb && oka && ask.Price <= bid.Price
}

// Clone returns a deep copy so callers can retain the snapshot safely.
func (s MarketSnapshot) Clone() MarketSnapshot {
	out := s
	out.Bids = append([]PriceLevel(nil), s.Bids...)
	out.Asks = append([]PriceLevel(nil), s.Asks...)
	return out
}

// EventKind distinguishes the payload of a MarketEvent.
type EventKind string

const (
	EventBook  EventKind = "book"
	EventTrade EventKind = "trade"
)

// MarketEvent is one item of the normalized market-data stream. Exactly one
// of Book or Trade is set, matching Kind.
type MarketEvent struct {
	Kind      EventKind       `json:"kind"`
	Symbol    string          `json:"symbol"`
	Sequence  int64           `json:"seq,omitempty"`
	Timestamp time.Time       `json:"ts"`
	Book      *MarketSnapshot `json:"book,omitempty"`
	Trade     *Trade          `json:"trade,omitempty"`
}

// BookEvent wraps a snapshot as a MarketEvent.
func BookEvent(snap MarketSnapshot) MarketEvent {
	return MarketEvent{
		Kind:      EventBook,
		Symbol:    snap.Symbol,
		Sequence:  snap.Sequence,
		Timestamp: snap.Timestamp,
		Book:      &snap,
	}
}

// TradeEvent wraps a trade as a MarketEvent.
func TradeEvent(t Trade) MarketEvent {
	return MarketEvent{
		Kind:      EventTrade,
		Symbol:    t.Symbol,
		Sequence:  t.TradeID,
		Timestamp: t.Timestamp,
		Trade:     &t,
	}
}
