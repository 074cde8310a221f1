package feed

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// maxLineBytes bounds one JSONL line; a 20-level book is well under this.
const maxLineBytes = 1 << 20

// Clock is an event-time clock: it reads as the timestamp of the latest
// replayed event and never moves backwards. It is safe for concurrent use.
type Clock struct {
	ns atomic.Int64
}

// Now returns the current event time, or the zero time before any event.
func (c *Clock) Now() time.Time {
	ns := c.ns.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// Advance moves the clock to t if t is later.
func (c *Clock) Advance(t time.Time) {
	n := t.UnixNano()
	for {
		cur := c.ns.Load()
		if n <= cur || c.ns.CompareAndSwap(cur, n) {
			return
		}
	}
}

// ReadEvents decodes JSONL market events from r and calls fn for each.
// Blank lines are skipped.
func ReadEvents(r io.Reader, fn func(domain.MarketEvent) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}
		ev, err := DecodeEvent(b)
		if err != nil {
			return fmt.Errorf("feed: line %d: %w", line, err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("feed: read recording: %w", err)
	}
	return nil
}

// Replayer plays recorded events into a sink in file order, advancing the
// event-time clock before each event. After is called once per event once
// the sink returns, which lets the caller settle the engine and executor
// synchronously so a replay is deterministic.
type Replayer struct {
	clock  *Clock
	sink   Sink
	after  func(ctx context.Context) error
	logger *slog.Logger

	events atomic.Int64
}

// NewReplayer creates a Replayer. after may be nil.
func NewReplayer(clock *Clock, sink Sink, after func(ctx context.Context) error, logger *slog.Logger) *Replayer {
	return &Replayer{
		clock:  clock,
		sink:   sink,
		after:  after,
		logger: logger.With(slog.String("component", "replayer")),
	}
}

// Events returns the number of events replayed.
func (r *Replayer) Events() int64 { return r.events.Load() }

// ReplayReader replays a JSONL stream.
func (r *Replayer) ReplayReader(ctx context.Context, in io.Reader) error {
	return ReadEvents(in, func(ev domain.MarketEvent) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.clock.Advance(ev.Timestamp)
		if err := r.sink.HandleEvent(ctx, ev); err != nil {
			return fmt.Errorf("feed: replay event: %w", err)
		}
		r.events.Add(1)
		if r.after != nil {
			return r.after(ctx)
		}
		return nil
	})
}

// ReplayFile replays a local JSONL recording.
func (r *Replayer) ReplayFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("feed: open recording: %w", err)
	}
	defer f.Close()
	r.logger.Info("replaying file", slog.String("path", path))
	return r.ReplayReader(ctx, f)
}

// ReplayBlobs replays every object under prefix in path order. Archived
// chunk names sort chronologically.
func (r *Replayer) ReplayBlobs(ctx context.Context, blobs domain.BlobReader, prefix string) error {
	infos, err := blobs.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("feed: list recordings: %w", err)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	r.logger.Info("replaying blobs", slog.String("prefix", prefix), slog.Int("objects", len(infos)))

	for _, info := range infos {
		rc, err := blobs.Get(ctx, info.Path)
		if err != nil {
			return fmt.Errorf("feed: get recording %s: %w", info.Path, err)
		}
		err = r.ReplayReader(ctx, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("feed: replay %s: %w", info.Path, err)
		}
	}
	return nil
}
