package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// StoreSink persists records through a TradeRecordStore.
type StoreSink struct {
	store domain.TradeRecordStore
}

func NewStoreSink(store domain.TradeRecordStore) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Write(ctx context.Context, rec domain.TradeRecord) error {
	if err := s.store.Insert(ctx, rec); err != nil {
		return fmt.Errorf("ledger: store sink: %w", err)
	}
	return nil
}

// JSONLSink writes one JSON object per line.
type JSONLSink struct {
	mu     sync.Mutex
	w      *bufio.Writer
	closer io.Closer
}

// NewJSONLSink writes to w. Close flushes and closes w if it is an io.Closer.
func NewJSONLSink(w io.Writer) *JSONLSink {
	s := &JSONLSink{w: bufio.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// OpenJSONLFile appends to the file at path, creating it if needed.
func OpenJSONLFile(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	return NewJSONLSink(f), nil
}

func (s *JSONLSink) Write(_ context.Context, rec domain.TradeRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger: marshal record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("ledger: write record: %w", err)
	}
	// Flush per record so a crash loses at most the line being written.
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("ledger: flush: %w", err)
	}
	return nil
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// ReadJSONL decodes records written by a JSONLSink.
func ReadJSONL(r io.Reader) ([]domain.TradeRecord, error) {
	var out []domain.TradeRecord
	dec := json.NewDecoder(r)
	for {
		var rec domain.TradeRecord
		if err := dec.Decode(&rec); err == io.EOF {
			return out, nil
		} else if err != nil {
			return out, fmt.Errorf("ledger: decode record %d: %w", len(out)+1, err)
		}
		out = append(out, rec)
	}
}
