package binance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/microflow/internal/domain"
)

var recv = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

const (
	spotDepth = `{"stream":"btcusdt@depth20@100ms","data":{"lastUpdateId":160,"bids":[["100.00","2.5"],["99.99","0"],["99.98","1"]],"asks":[["100.01","0.5"]]}}`
	futDepth  = `{"stream":"btcusdt@depth20@100ms","data":{"e":"depthUpdate","E":1772600767100,"T":1772600767090,"s":"BTCUSDT","U":157,"u":160,"pu":149,"b":[["100.00","1"]],"a":[["100.02","3"]]}}`
	spotTrade = `{"stream":"btcusdt@trade","data":{"e":"trade","E":1772600767200,"s":"BTCUSDT","t":12345,"p":"100.01","q":"0.25","T":1772600767199,"m":false,"M":true}}`
	aggTrade  = `{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","E":1772600767200,"s":"BTCUSDT","a":77,"p":"100.00","q":"1.5","f":1,"l":3,"T":1772600767198,"m":true,"M":true}}`
)

func TestParseDepth(t *testing.T) {
	ev, err := ParseMessage([]byte(spotDepth), recv)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != domain.EventBook || ev.Symbol != "BTCUSDT" || ev.Sequence != 160 {
		t.Fatalf("event = %+v", ev)
	}
	if !ev.Timestamp.Equal(recv) {
		t.Errorf("spot depth ts = %v, want receive time", ev.Timestamp)
	}
	if len(ev.Book.Bids) != 2 || ev.Book.Bids[1].Price != 99.98 {
		t.Errorf("bids = %+v (zero level must be skipped)", ev.Book.Bids)
	}

	ev, err = ParseMessage([]byte(futDepth), recv)
	if err != nil {
		t.Fatalf("futures depth: %v", err)
	}
	if ev.Sequence != 160 || len(ev.Book.Asks) != 1 || ev.Book.Asks[0].Size != 3 {
		t.Errorf("futures event = %+v", ev.Book)
	}
	if want := time.UnixMilli(1772600767090).UTC(); !ev.Timestamp.Equal(want) {
		t.Errorf("futures ts = %v, want %v", ev.Timestamp, want)
	}
}

func TestParseTrades(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		id    int64
		maker bool
		qty   float64
	}{
		{"trade", spotTrade, 12345, false, 0.25},
		{"aggTrade", aggTrade, 77, true, 1.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseMessage([]byte(tt.raw), recv)
			if err != nil {
				t.Fatal(err)
			}
			tr := ev.Trade
			if ev.Kind != domain.EventTrade || tr == nil {
				t.Fatalf("event = %+v", ev)
			}
			if tr.TradeID != tt.id || tr.Quantity != tt.qty || tr.IsBuyerMaker == nil || *tr.IsBuyerMaker != tt.maker {
				t.Errorf("trade = %+v", tr)
			}
			if ev.Sequence != tt.id {
				t.Errorf("sequence = %d", ev.Sequence)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"data":{}}`,
		`{"stream":"btcusdt@kline_1m","data":{}}`,
		`{"stream":"btcusdt@trade","data":{"p":"x","q":"1"}}`,
	} {
		if _, err := ParseMessage([]byte(raw), recv); err == nil {
			t.Errorf("ParseMessage(%s) succeeded", raw)
		}
	}
}

func TestStreamNames(t *testing.T) {
	got := CombinedURL("wss://stream.binance.com:9443/", StreamNames([]string{"BTCUSDT"}, 20, "100ms", false))
	want := "wss://stream.binance.com:9443/stream?streams=btcusdt@depth20@100ms/btcusdt@trade"
	if got != want {
		t.Errorf("url = %s", got)
	}
}

func TestConsume(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, m := range []string{spotDepth, "garbage", spotTrade} {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(m))
		}
		// Hold the connection until the client goes away.
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c := NewWSClient("ws"+strings.TrimPrefix(srv.URL, "http"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.now = func() time.Time { return recv }

	stop := errors.New("enough")
	var got []domain.MarketEvent
	err := c.Consume(context.Background(), func(_ context.Context, ev domain.MarketEvent) error {
		got = append(got, ev)
		if len(got) == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("Consume = %v", err)
	}
	if got[0].Kind != domain.EventBook || got[1].Kind != domain.EventTrade {
		t.Errorf("kinds = %s, %s", got[0].Kind, got[1].Kind)
	}
	if c.ParseErrors() != 1 {
		t.Errorf("parse errors = %d", c.ParseErrors())
	}
}
