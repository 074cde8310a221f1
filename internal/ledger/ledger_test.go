package ledger

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/microflow/internal/domain"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func rec(id, scheme string, net int64, reason domain.ExitReason) domain.TradeRecord {
	return domain.TradeRecord{
		PositionID:      id,
		InstanceKey:     "btc-" + scheme,
		Scheme:          scheme,
		Symbol:          "BTCUSDT",
		Direction:       domain.DirectionLong,
		NetPnL:          decimal.NewFromInt(net),
		GrossPnL:        decimal.NewFromInt(net + 1),
		Fees:            decimal.NewFromInt(1),
		HoldingDuration: time.Minute,
		ExitReason:      reason,
	}
}

type failingSink struct{}

func (failingSink) Write(context.Context, domain.TradeRecord) error { return errors.New("disk full") }

func TestCompute(t *testing.T) {
	st := Compute([]domain.TradeRecord{
		rec("a", "layered", 2, domain.ExitTakeProfit),
		rec("b", "layered", -3, domain.ExitStopLoss),
		rec("c", "layered", 1, domain.ExitTakeProfit),
	})
	if st.Trades != 3 || st.Wins != 2 || st.Losses != 1 {
		t.Fatalf("counts = %d/%d/%d", st.Trades, st.Wins, st.Losses)
	}
	if !st.NetPnL.Equal(decimal.Zero) {
		t.Errorf("net = %s, want 0", st.NetPnL)
	}
	if !st.MaxDrawdown.Equal(decimal.NewFromInt(3)) {
		t.Errorf("max drawdown = %s, want 3", st.MaxDrawdown)
	}
	if !st.Fees.Equal(decimal.NewFromInt(3)) {
		t.Errorf("fees = %s, want 3", st.Fees)
	}
	if st.ByExitReason[domain.ExitTakeProfit] != 2 || st.ByExitReason[domain.ExitStopLoss] != 1 {
		t.Errorf("by reason = %v", st.ByExitReason)
	}
	if st.AvgHolding != time.Minute {
		t.Errorf("avg holding = %v", st.AvgHolding)
	}
}

func TestComputeEmpty(t *testing.T) {
	st := Compute(nil)
	if st.Trades != 0 || st.WinRate != 0 || !st.AvgNetPnL.IsZero() {
		t.Fatalf("empty stats = %+v", st)
	}
}

func TestLedgerAppendOnce(t *testing.T) {
	var buf bytes.Buffer
	l := New(quiet(), NewJSONLSink(&buf))
	ctx := context.Background()

	if err := l.Append(ctx, rec("p1", "layered", 5, domain.ExitTakeProfit)); err != nil {
		t.Fatal(err)
	}
	err := l.Append(ctx, rec("p1", "layered", 5, domain.ExitTakeProfit))
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("second append err = %v, want ErrAlreadyExists", err)
	}
	if l.Len() != 1 {
		t.Errorf("len = %d, want 1", l.Len())
	}

	got, err := ReadJSONL(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].PositionID != "p1" || !got[0].NetPnL.Equal(decimal.NewFromInt(5)) {
		t.Errorf("sink contents = %+v", got)
	}
}

func TestLedgerKeepsRecordWhenSinkFails(t *testing.T) {
	l := New(quiet(), failingSink{})
	err := l.Append(context.Background(), rec("p1", "layered", 1, domain.ExitManual))
	if err == nil {
		t.Fatal("expected sink error")
	}
	if l.Len() != 1 {
		t.Errorf("record dropped on sink failure")
	}
}

func TestLedgerStatsPerScheme(t *testing.T) {
	l := New(quiet())
	ctx := context.Background()
	_ = l.Append(ctx, rec("a", "layered", 4, domain.ExitTakeProfit))
	_ = l.Append(ctx, rec("b", "static", -1, domain.ExitStopLoss))
	_ = l.Append(ctx, rec("c", "layered", -2, domain.ExitTimeLimit))

	if st := l.Stats("layered"); st.Trades != 2 || !st.NetPnL.Equal(decimal.NewFromInt(2)) {
		t.Errorf("layered = %+v", st)
	}
	if st := l.Stats(""); st.Trades != 3 {
		t.Errorf("all = %d trades, want 3", st.Trades)
	}
	all := l.AllStats()
	if len(all) != 2 || all[0].Scheme != "layered" || all[1].Scheme != "static" {
		t.Errorf("schemes = %+v", all)
	}
}

func TestLedgerSumNet(t *testing.T) {
	l := New(quiet())
	day := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	for i, r := range []domain.TradeRecord{
		rec("a", "x", -4, domain.ExitStopLoss),
		rec("b", "x", 1, domain.ExitTakeProfit),
		rec("c", "y", -2, domain.ExitStopLoss),
	} {
		r.ExitTime = day.Add(time.Duration(i-1) * time.Hour)
		if err := l.Append(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := l.SumNet(context.Background(), "btc-x", day)
	if !got.Equal(decimal.NewFromInt(1)) {
		t.Errorf("SumNet(btc-x) = %s, want 1", got)
	}
	got, _ = l.SumNet(context.Background(), "", day)
	if !got.Equal(decimal.NewFromInt(-1)) {
		t.Errorf("SumNet(all) = %s, want -1", got)
	}
}

func TestLedgerList(t *testing.T) {
	l := New(quiet())
	day := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c", "d"} {
		scheme := "x"
		if i == 2 {
			scheme = "y"
		}
		r := rec(id, scheme, int64(i), domain.ExitTakeProfit)
		r.ExitTime = day.Add(time.Duration(i) * time.Hour)
		if err := l.Append(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}
	since := day.Add(time.Hour)

	tests := []struct {
		name string
		opts domain.ListOpts
		want []string
	}{
		{"all newest first", domain.ListOpts{}, []string{"d", "c", "b", "a"}},
		{"instance", domain.ListOpts{InstanceKey: "btc-x"}, []string{"d", "b", "a"}},
		{"since", domain.ListOpts{Since: &since}, []string{"d", "c", "b"}},
		{"page", domain.ListOpts{Limit: 2, Offset: 1}, []string{"c", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.List(context.Background(), tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			var ids []string
			for _, r := range got {
				ids = append(ids, r.PositionID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("ids = %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Fatalf("ids = %v, want %v", ids, tt.want)
				}
			}
		})
	}
}
