package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/microflow/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"

	defaultArchiveBatch = 5000
)

// TradeArchiveStore is the part of the ledger store the archiver drains.
type TradeArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.TradeRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// Archiver implements domain.Archiver. Ledger rows are copied to JSONL
// objects before they are deleted from the primary store; recorded market
// events are written as one JSONL object per chunk.
//
// Object layout:
//
//	ledger/2024-03-01/20240301T101500.000000000Z-<uuid>.jsonl
//	recordings/BTCUSDT/2024-03-01/20240301T101500.000000000Z-<uuid>.jsonl
//
// The timestamp prefix is the first record's time, so lexical order of keys
// under one prefix is chronological.
type Archiver struct {
	writer    domain.BlobWriter
	trades    TradeArchiveStore
	audit     domain.AuditStore
	batchSize int
}

// NewArchiver creates an Archiver. trades and audit may be nil when only
// recordings are archived.
func NewArchiver(writer domain.BlobWriter, trades TradeArchiveStore, audit domain.AuditStore, batchSize int) *Archiver {
	if batchSize <= 0 {
		batchSize = defaultArchiveBatch
	}
	return &Archiver{writer: writer, trades: trades, audit: audit, batchSize: batchSize}
}

// ArchiveTradeRecords moves every ledger row that closed before the cutoff
// to object storage, batch by batch, deleting each batch only after its
// upload succeeded. It returns the number of rows archived.
func (a *Archiver) ArchiveTradeRecords(ctx context.Context, before time.Time) (int64, error) {
	if a.trades == nil {
		return 0, fmt.Errorf("s3blob: archive trade records: no trade store configured")
	}

	var total int64
	var paths []string
	for {
		recs, err := a.trades.ListBefore(ctx, before, a.batchSize)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive trade records query: %w", err)
		}
		if len(recs) == 0 {
			break
		}

		cutoff := before
		if len(recs) == a.batchSize {
			// Rows sharing the last exit time may continue past the batch,
			// so they wait for the next round.
			cutoff = recs[len(recs)-1].ExitTime
			recs = closedBefore(recs, cutoff)
			if len(recs) == 0 {
				return total, fmt.Errorf("s3blob: archive trade records: more than %d rows share exit time %s",
					a.batchSize, cutoff.Format(time.RFC3339Nano))
			}
		}

		buf, err := marshalJSONL(recs)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive trade records marshal: %w", err)
		}
		path := objectPath("ledger", recs[0].ExitTime)
		err = a.writer.Put(ctx, domain.BlobObject{
			Path:        path,
			Body:        buf,
			ContentType: jsonlContentType,
			Metadata: map[string]string{
				"records":   strconv.Itoa(len(recs)),
				"last-exit": recs[len(recs)-1].ExitTime.UTC().Format(time.RFC3339Nano),
			},
		})
		if err != nil {
			return total, fmt.Errorf("s3blob: archive trade records upload: %w", err)
		}
		if _, err := a.trades.DeleteBefore(ctx, cutoff); err != nil {
			return total, fmt.Errorf("s3blob: archive trade records delete: %w", err)
		}
		total += int64(len(recs))
		paths = append(paths, path)

		if cutoff.Equal(before) {
			break
		}
	}

	if total > 0 && a.audit != nil {
		if err := a.audit.Log(ctx, "archive_trade_records", map[string]any{
			"paths":  paths,
			"count":  total,
			"before": before.UTC().Format(time.RFC3339),
		}); err != nil {
			return total, fmt.Errorf("s3blob: archive trade records audit log: %w", err)
		}
	}
	return total, nil
}

// ArchiveRecording writes one chunk of recorded market events for symbol and
// returns its object path.
func (a *Archiver) ArchiveRecording(ctx context.Context, symbol string, events []domain.MarketEvent) (string, error) {
	if len(events) == 0 {
		return "", nil
	}
	buf, err := marshalJSONL(events)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive recording %s marshal: %w", symbol, err)
	}

	symbol = strings.ToUpper(symbol)
	path := objectPath("recordings/"+symbol, events[0].Timestamp)
	err = a.writer.Put(ctx, domain.BlobObject{
		Path:        path,
		Body:        buf,
		ContentType: jsonlContentType,
		Metadata: map[string]string{
			"symbol": symbol,
			"events": strconv.Itoa(len(events)),
			"last":   events[len(events)-1].Timestamp.UTC().Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3blob: archive recording %s upload: %w", symbol, err)
	}
	return path, nil
}

// RecordingPrefix is the key prefix of a symbol's recordings, optionally
// narrowed to one UTC day.
func RecordingPrefix(symbol string, day time.Time) string {
	prefix := "recordings/" + strings.ToUpper(symbol) + "/"
	if !day.IsZero() {
		prefix += day.UTC().Format("2006-01-02") + "/"
	}
	return prefix
}

func closedBefore(recs []domain.TradeRecord, cutoff time.Time) []domain.TradeRecord {
	n := 0
	for n < len(recs) && recs[n].ExitTime.Before(cutoff) {
		n++
	}
	return recs[:n]
}

func objectPath(prefix string, first time.Time) string {
	first = first.UTC()
	return fmt.Sprintf("%s/%s/%s-%s.jsonl",
		prefix, first.Format("2006-01-02"), first.Format("20060102T150405.000000000Z"), uuid.NewString())
}

// marshalJSONL serialises values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*Archiver)(nil)
