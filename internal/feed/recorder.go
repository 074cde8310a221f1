package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// StreamKey returns the Redis stream holding the recording of symbol.
func StreamKey(symbol string) string {
	return "stream:market:" + strings.ToUpper(symbol)
}

// RecorderConfig tunes the recorder.
type RecorderConfig struct {
	FlushInterval time.Duration // how often buffered events are archived
	ChunkSize     int           // archive early once a symbol buffers this many events
}

// Recorder is a Sink that captures live market events: each event is
// appended to a per-symbol Redis stream and written as a JSONL line, and
// buffered events are periodically archived to object storage in chunks.
// Any destination may be nil.
type Recorder struct {
	bus      domain.SignalBus
	archiver domain.Archiver
	out      io.Writer
	cfg      RecorderConfig
	logger   *slog.Logger

	mu      sync.Mutex
	buf     map[string][]domain.MarketEvent
	flushCh chan struct{}

	recorded atomic.Int64
	archived atomic.Int64
}

// NewRecorder creates a Recorder.
func NewRecorder(bus domain.SignalBus, archiver domain.Archiver, out io.Writer, cfg RecorderConfig, logger *slog.Logger) *Recorder {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 10_000
	}
	return &Recorder{
		bus:      bus,
		archiver: archiver,
		out:      out,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "recorder")),
		buf:      make(map[string][]domain.MarketEvent),
		flushCh:  make(chan struct{}, 1),
	}
}

// Recorded returns the number of events captured.
func (r *Recorder) Recorded() int64 { return r.recorded.Load() }

// Archived returns the number of events handed to the archiver.
func (r *Recorder) Archived() int64 { return r.archived.Load() }

// HandleEvent records ev. Stream and file failures are returned; archiving
// happens later in Run.
func (r *Recorder) HandleEvent(ctx context.Context, ev domain.MarketEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("recorder: marshal: %w", err)
	}

	var errs []error
	if r.bus != nil {
		if err := r.bus.StreamAppend(ctx, StreamKey(ev.Symbol), data); err != nil {
			errs = append(errs, fmt.Errorf("recorder: stream append: %w", err))
		}
	}

	r.mu.Lock()
	if r.out != nil {
		if _, err := r.out.Write(append(data, '\n')); err != nil {
			errs = append(errs, fmt.Errorf("recorder: write: %w", err))
		}
	}
	full := false
	if r.archiver != nil {
		r.buf[ev.Symbol] = append(r.buf[ev.Symbol], ev)
		full = len(r.buf[ev.Symbol]) >= r.cfg.ChunkSize
	}
	r.mu.Unlock()

	r.recorded.Add(1)
	if full {
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
	return errors.Join(errs...)
}

// Run archives buffered events every FlushInterval, or sooner when a chunk
// fills, until ctx is cancelled; then it archives what is left.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := r.Flush(flushCtx); err != nil {
				r.logger.Error("final flush failed", slog.String("error", err.Error()))
			}
			return ctx.Err()
		case <-ticker.C:
		case <-r.flushCh:
		}
		if err := r.Flush(ctx); err != nil {
			r.logger.Warn("flush failed", slog.String("error", err.Error()))
		}
	}
}

// Flush archives every buffered event. Events of a symbol whose archive
// fails are put back in front of the buffer.
func (r *Recorder) Flush(ctx context.Context) error {
	if r.archiver == nil {
		return nil
	}
	r.mu.Lock()
	pending := r.buf
	r.buf = make(map[string][]domain.MarketEvent, len(pending))
	r.mu.Unlock()

	symbols := make([]string, 0, len(pending))
	for s := range pending {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var errs []error
	for _, sym := range symbols {
		events := pending[sym]
		if len(events) == 0 {
			continue
		}
		path, err := r.archiver.ArchiveRecording(ctx, sym, events)
		if err != nil {
			errs = append(errs, fmt.Errorf("recorder: archive %s: %w", sym, err))
			r.mu.Lock()
			r.buf[sym] = append(events, r.buf[sym]...)
			r.mu.Unlock()
			continue
		}
		r.archived.Add(int64(len(events)))
		r.logger.Info("recording archived",
			slog.String("symbol", sym),
			slog.Int("events", len(events)),
			slog.String("path", path),
		)
	}
	return errors.Join(errs...)
}
