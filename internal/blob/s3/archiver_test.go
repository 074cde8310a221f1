package s3blob

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/microflow/internal/domain"
)

type memWriter struct {
	objects  map[string][]byte
	metadata map[string]map[string]string
	failPut  error
}

func newMemWriter() *memWriter {
	return &memWriter{objects: make(map[string][]byte), metadata: make(map[string]map[string]string)}
}

func (w *memWriter) Put(_ context.Context, obj domain.BlobObject) error {
	if w.failPut != nil {
		return w.failPut
	}
	w.objects[obj.Path] = append([]byte(nil), obj.Body...)
	w.metadata[obj.Path] = obj.Metadata
	return nil
}

func (w *memWriter) paths() []string {
	var out []string
	for p := range w.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// memTrades keeps records sorted by exit time, like the SQL store.
type memTrades struct {
	recs []domain.TradeRecord
}

func (m *memTrades) ListBefore(_ context.Context, before time.Time, limit int) ([]domain.TradeRecord, error) {
	var out []domain.TradeRecord
	for _, r := range m.recs {
		if r.ExitTime.Before(before) && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memTrades) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	var keep []domain.TradeRecord
	var n int64
	for _, r := range m.recs {
		if r.ExitTime.Before(before) {
			n++
			continue
		}
		keep = append(keep, r)
	}
	m.recs = keep
	return n, nil
}

type memAudit struct{ events []string }

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

var t0 = time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)

func records(times ...time.Duration) []domain.TradeRecord {
	out := make([]domain.TradeRecord, len(times))
	for i, d := range times {
		out[i] = domain.TradeRecord{
			PositionID: "p" + string(rune('a'+i)),
			ExitTime:   t0.Add(d),
			NetPnL:     decimal.NewFromInt(int64(i)),
		}
	}
	return out
}

func TestArchiveTradeRecordsBatches(t *testing.T) {
	store := &memTrades{recs: records(0, time.Minute, 2*time.Minute, 2*time.Minute, 3*time.Minute, time.Hour)}
	w := newMemWriter()
	audit := &memAudit{}
	a := NewArchiver(w, store, audit, 3)

	n, err := a.ArchiveTradeRecords(context.Background(), t0.Add(30*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Errorf("archived = %d, want 5", n)
	}
	if len(store.recs) != 1 || store.recs[0].ExitTime != t0.Add(time.Hour) {
		t.Errorf("remaining = %+v", store.recs)
	}
	lines := 0
	for _, p := range w.paths() {
		if !strings.HasPrefix(p, "ledger/2024-03-01/20240301T10") {
			t.Errorf("unexpected path %s", p)
		}
		lines += bytes.Count(w.objects[p], []byte("\n"))
	}
	if len(w.objects) != 3 || lines != 5 {
		t.Errorf("objects = %d lines = %d, want 3 and 5", len(w.objects), lines)
	}
	if len(audit.events) != 1 || audit.events[0] != "archive_trade_records" {
		t.Errorf("audit = %v", audit.events)
	}
}

func TestArchiveTradeRecordsUploadFailureKeepsRows(t *testing.T) {
	store := &memTrades{recs: records(0, time.Minute)}
	w := newMemWriter()
	w.failPut = errors.New("bucket gone")
	a := NewArchiver(w, store, nil, 10)

	if _, err := a.ArchiveTradeRecords(context.Background(), t0.Add(time.Hour)); err == nil {
		t.Fatal("expected error")
	}
	if len(store.recs) != 2 {
		t.Errorf("rows deleted after failed upload: %d left", len(store.recs))
	}
}

func TestArchiveTradeRecordsTiedBatch(t *testing.T) {
	store := &memTrades{recs: records(0, 0, 0)}
	a := NewArchiver(newMemWriter(), store, nil, 2)
	if _, err := a.ArchiveTradeRecords(context.Background(), t0.Add(time.Hour)); err == nil {
		t.Fatal("expected error for batch of identical exit times")
	}
	if len(store.recs) != 3 {
		t.Errorf("rows deleted: %d left", len(store.recs))
	}
}

func TestArchiveRecording(t *testing.T) {
	w := newMemWriter()
	a := NewArchiver(w, nil, nil, 0)
	events := []domain.MarketEvent{
		domain.TradeEvent(domain.Trade{Symbol: "BTCUSDT", TradeID: 1, Price: 100, Quantity: 1, Timestamp: t0}),
		domain.TradeEvent(domain.Trade{Symbol: "BTCUSDT", TradeID: 2, Price: 101, Quantity: 1, Timestamp: t0.Add(time.Second)}),
	}

	path, err := a.ArchiveRecording(context.Background(), "btcusdt", events)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(path, RecordingPrefix("BTCUSDT", t0)+"20240301T101500.000000000Z-") {
		t.Errorf("path = %s", path)
	}
	if got := bytes.Count(w.objects[path], []byte("\n")); got != 2 {
		t.Errorf("lines = %d", got)
	}
	if md := w.metadata[path]; md["symbol"] != "BTCUSDT" || md["events"] != "2" {
		t.Errorf("metadata = %v", md)
	}

	if path, err := a.ArchiveRecording(context.Background(), "BTCUSDT", nil); err != nil || path != "" {
		t.Errorf("empty chunk = %q, %v", path, err)
	}
}

func TestObjectPathSortsChronologically(t *testing.T) {
	early := objectPath("recordings/BTCUSDT", t0)
	late := objectPath("recordings/BTCUSDT", t0.Add(9*time.Second))
	if !(early < late) {
		t.Errorf("%s should sort before %s", early, late)
	}
}

func TestNormaliseEndpoint(t *testing.T) {
	tests := []struct {
		in     string
		ssl    bool
		wanted string
	}{
		{"http://minio:9000", true, "http://minio:9000"},
		{"minio:9000", false, "http://minio:9000"},
		{"s3.example.com", true, "https://s3.example.com"},
	}
	for _, tt := range tests {
		if got := normaliseEndpoint(tt.in, tt.ssl); got != tt.wanted {
			t.Errorf("normaliseEndpoint(%q, %v) = %q, want %q", tt.in, tt.ssl, got, tt.wanted)
		}
	}
}
