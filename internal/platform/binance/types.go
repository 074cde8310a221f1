// Package binance maps Binance market-data stream messages to domain
// events and provides a combined-stream WebSocket client.
package binance

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// StreamMessage is the combined-stream envelope:
// {"stream":"btcusdt@trade","data":{...}}.
type StreamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// DepthMessage is a partial book depth payload. Spot streams carry only
// lastUpdateId and the levels; futures streams add E, T and s.
//
// encoding/json matches keys case-insensitively, so every single-letter key
// Binance sends has its own field.
type DepthMessage struct {
	EventType    string     `json:"e"`
	LastUpdateID int64      `json:"lastUpdateId"`
	EventTime    int64      `json:"E"`
	TransactTime int64      `json:"T"`
	Symbol       string     `json:"s"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
	// Futures partial depth uses b/a.
	BidsShort [][]string `json:"b"`
	AsksShort [][]string `json:"a"`
	// Futures partial depth names the update ids U and u.
	FirstUpdateID int64 `json:"U"`
	FinalUpdateID int64 `json:"u"`
}

// TradeMessage is a trade or aggTrade payload.
type TradeMessage struct {
	EventType    string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeID      int64  `json:"t"`
	AggTradeID   int64  `json:"a"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
	Ignore       bool   `json:"M"`
}

// ToSnapshot converts the depth payload. symbol is used when the payload
// omits it; recv stamps payloads without an event time.
func (d DepthMessage) ToSnapshot(symbol string, recv time.Time) (domain.MarketSnapshot, error) {
	bids, asks := d.Bids, d.Asks
	if len(bids) == 0 && len(asks) == 0 {
		bids, asks = d.BidsShort, d.AsksShort
	}
	snap := domain.MarketSnapshot{
		Symbol:    symbol,
		Sequence:  d.LastUpdateID,
		Timestamp: recv.UTC(),
	}
	if d.Symbol != "" {
		snap.Symbol = d.Symbol
	}
	if snap.Sequence == 0 {
		snap.Sequence = d.FinalUpdateID
	}
	switch {
	case d.TransactTime > 0:
		snap.Timestamp = time.UnixMilli(d.TransactTime).UTC()
	case d.EventTime > 0:
		snap.Timestamp = time.UnixMilli(d.EventTime).UTC()
	}

	var err error
	if snap.Bids, err = parseLevels(bids); err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("binance: bids: %w", err)
	}
	if snap.Asks, err = parseLevels(asks); err != nil {
		return domain.MarketSnapshot{}, fmt.Errorf("binance: asks: %w", err)
	}
	return snap, nil
}

// parseLevels converts ["price","qty"] pairs, skipping empty levels.
func parseLevels(raw [][]string) ([]domain.PriceLevel, error) {
	out := make([]domain.PriceLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		price, err := strconv.ParseFloat(lvl[0], 64)
		if err != nil {
			return nil, fmt.Errorf("price %q: %w", lvl[0], err)
		}
		qty, err := strconv.ParseFloat(lvl[1], 64)
		if err != nil {
			return nil, fmt.Errorf("qty %q: %w", lvl[1], err)
		}
		if qty > 0 {
			out = append(out, domain.PriceLevel{Price: price, Size: qty})
		}
	}
	return out, nil
}

// ToTrade converts the trade payload. The taker flag is always present on
// Binance trades.
func (t TradeMessage) ToTrade() (domain.Trade, error) {
	price, err := strconv.ParseFloat(t.Price, 64)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("binance: trade price %q: %w", t.Price, err)
	}
	qty, err := strconv.ParseFloat(t.Quantity, 64)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("binance: trade qty %q: %w", t.Quantity, err)
	}
	id := t.TradeID
	if t.EventType == "aggTrade" {
		id = t.AggTradeID
	}
	ts := t.TradeTime
	if ts == 0 {
		ts = t.EventTime
	}
	maker := t.IsBuyerMaker
	return domain.Trade{
		Symbol:       strings.ToUpper(t.Symbol),
		TradeID:      id,
		Price:        price,
		Quantity:     qty,
		IsBuyerMaker: &maker,
		Timestamp:    time.UnixMilli(ts).UTC(),
	}, nil
}

// ParseMessage decodes one combined-stream frame into a market event.
func ParseMessage(raw []byte, recv time.Time) (domain.MarketEvent, error) {
	var msg StreamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.MarketEvent{}, fmt.Errorf("binance: decode envelope: %w", err)
	}
	if msg.Stream == "" {
		return domain.MarketEvent{}, fmt.Errorf("binance: frame without stream name")
	}
	symbol, channel, _ := strings.Cut(msg.Stream, "@")
	symbol = strings.ToUpper(symbol)

	switch {
	case strings.HasPrefix(channel, "depth"):
		var d DepthMessage
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			return domain.MarketEvent{}, fmt.Errorf("binance: decode depth: %w", err)
		}
		snap, err := d.ToSnapshot(symbol, recv)
		if err != nil {
			return domain.MarketEvent{}, err
		}
		return domain.BookEvent(snap), nil

	case channel == "trade" || channel == "aggTrade":
		var t TradeMessage
		if err := json.Unmarshal(msg.Data, &t); err != nil {
			return domain.MarketEvent{}, fmt.Errorf("binance: decode trade: %w", err)
		}
		tr, err := t.ToTrade()
		if err != nil {
			return domain.MarketEvent{}, err
		}
		if tr.Symbol == "" {
			tr.Symbol = symbol
		}
		return domain.TradeEvent(tr), nil

	default:
		return domain.MarketEvent{}, fmt.Errorf("binance: unsupported stream %q", msg.Stream)
	}
}

// StreamNames returns the depth and trade stream names for symbols.
// levels is 5, 10 or 20; interval is "100ms" or "" for the default.
func StreamNames(symbols []string, levels int, interval string, aggTrades bool) []string {
	tradeCh := "trade"
	if aggTrades {
		tradeCh = "aggTrade"
	}
	out := make([]string, 0, 2*len(symbols))
	for _, s := range symbols {
		s = strings.ToLower(s)
		depth := fmt.Sprintf("%s@depth%d", s, levels)
		if interval != "" {
			depth += "@" + interval
		}
		out = append(out, depth, s+"@"+tradeCh)
	}
	return out
}

// CombinedURL joins stream names onto the combined-stream endpoint, e.g.
// wss://stream.binance.com:9443/stream?streams=a/b.
func CombinedURL(base string, streams []string) string {
	return strings.TrimRight(base, "/") + "/stream?streams=" + strings.Join(streams, "/")
}
