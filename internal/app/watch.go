package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/microflow/internal/domain"
	"github.com/alanyoungcy/microflow/internal/feed"
	"github.com/alanyoungcy/microflow/internal/notify"
)

// feedWatch timestamps every market event passing through it and raises a
// feed_down alert when the stream goes quiet for longer than stale.
type feedWatch struct {
	next     feed.Sink
	stale    time.Duration
	notifier *notify.Notifier
	now      func() time.Time
	logger   *slog.Logger

	started time.Time
	last    atomic.Int64
	events  atomic.Int64
	down    atomic.Bool
}

func newFeedWatch(next feed.Sink, stale time.Duration, notifier *notify.Notifier, logger *slog.Logger) *feedWatch {
	return &feedWatch{
		next:     next,
		stale:    stale,
		notifier: notifier,
		now:      time.Now,
		started:  time.Now(),
		logger:   logger.With(slog.String("component", "feed_watch")),
	}
}

// HandleEvent records the arrival and forwards ev.
func (w *feedWatch) HandleEvent(ctx context.Context, ev domain.MarketEvent) error {
	w.last.Store(w.now().UnixNano())
	w.events.Add(1)
	return w.next.HandleEvent(ctx, ev)
}

// Events returns the number of events seen.
func (w *feedWatch) Events() int64 { return w.events.Load() }

// idle returns how long the feed has been silent. Before the first event it
// counts from start.
func (w *feedWatch) idle() time.Duration {
	last := w.last.Load()
	if last == 0 {
		return w.now().Sub(w.started)
	}
	return w.now().Sub(time.Unix(0, last))
}

// Check reports the feed unhealthy once it has been silent for stale.
func (w *feedWatch) Check(context.Context) error {
	if idle := w.idle(); idle > w.stale {
		return fmt.Errorf("no market events for %s", idle.Truncate(time.Second))
	}
	return nil
}

// poll alerts on the transition to stale and logs the recovery.
func (w *feedWatch) poll(ctx context.Context) {
	err := w.Check(ctx)
	switch {
	case err != nil && !w.down.Swap(true):
		w.logger.WarnContext(ctx, "market feed stale", slog.String("error", err.Error()))
		if w.notifier != nil {
			if nerr := w.notifier.Notify(ctx, notify.EventFeedDown, "market feed stale", err.Error()); nerr != nil {
				w.logger.WarnContext(ctx, "notify failed", slog.String("error", nerr.Error()))
			}
		}
	case err == nil && w.down.Swap(false):
		w.logger.InfoContext(ctx, "market feed recovered")
	}
}

// Run polls until ctx is cancelled.
func (w *feedWatch) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.stale / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}
