package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/microflow/internal/blob/s3"
	"github.com/alanyoungcy/microflow/internal/config"
	"github.com/alanyoungcy/microflow/internal/domain"
	"github.com/alanyoungcy/microflow/internal/executor"
	"github.com/alanyoungcy/microflow/internal/feed"
	"github.com/alanyoungcy/microflow/internal/ledger"
	"github.com/alanyoungcy/microflow/internal/position"
	"github.com/alanyoungcy/microflow/internal/server"
	"github.com/alanyoungcy/microflow/internal/server/handler"
	"github.com/alanyoungcy/microflow/internal/server/ws"
	"github.com/alanyoungcy/microflow/internal/service"
)

const (
	feedStaleAfter   = 30 * time.Second
	forceCloseBudget = 15 * time.Second
)

// LiveMode trades the exchange feed through the order gateway.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	broker, err := a.gatewayBroker()
	if err != nil {
		return err
	}
	return a.runTrading(ctx, deps, broker)
}

// PaperMode runs the same pipeline as live mode against simulated fills.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	return a.runTrading(ctx, deps, a.paperBroker())
}

// runTrading wires feed, engine, relay, executor and the API, and runs them
// until ctx is cancelled. The engine side outlives the feed so open positions
// can be force-closed on the way out.
func (a *App) runTrading(ctx context.Context, deps *Dependencies, broker executor.Broker) error {
	a.logger.InfoContext(ctx, "starting trading", slog.String("mode", a.cfg.Mode))

	var (
		p   *pipeline
		hub *ws.Hub
	)
	if a.cfg.Server.Enabled {
		hub = a.newHub(deps, func() any {
			return map[string]any{"mode": a.cfg.Mode, "instances": p.instances.List()}
		})
	}
	p, err := a.buildPipeline(deps, pipelineOpts{publisher: publisherFor(deps, hub), persist: true})
	if err != nil {
		return err
	}

	if n, err := p.instances.RestorePersisted(ctx); err != nil {
		a.logger.WarnContext(ctx, "restore persisted configs failed", slog.String("error", err.Error()))
	} else if n > 0 {
		a.logger.InfoContext(ctx, "persisted configs restored", slog.Int("instances", n))
	}

	execCh := make(chan domain.OrderIntent, a.cfg.Executor.QueueSize)
	relay := service.NewIntentRelay(p.engineOut, execCh, publisherFor(deps, hub), a.logger)
	exec := a.newExecutor(execCh, broker, p, deps.Notifier)

	g, gctx := errgroup.WithContext(ctx)

	if deps.LockManager != nil {
		if err := a.holdLeadership(gctx, g, deps, p.registry.List()); err != nil {
			return err
		}
	}

	// The engine, relay and executor stop only after the shutdown step below.
	coreCtx, stopCore := context.WithCancel(context.WithoutCancel(ctx))
	defer stopCore()
	g.Go(func() error { return p.engine.Run(coreCtx) })
	g.Go(func() error { return relay.Run(coreCtx) })
	g.Go(func() error { return exec.Run(coreCtx) })

	watch := newFeedWatch(p.engine, feedStaleAfter, deps.Notifier, a.logger)
	deps.Checks["feed"] = watch.Check
	if err := a.startFeed(gctx, g, deps, watch); err != nil {
		return err
	}
	g.Go(func() error { return watch.Run(gctx) })

	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		g.Go(func() error { return a.runArchiveLoop(gctx, deps) })
	}

	if a.cfg.Server.Enabled {
		var trades handler.TradeLister = p.ledger
		if deps.TradeRecords != nil {
			trades = deps.TradeRecords
		}
		srv := a.newServer(deps, server.Handlers{
			Instances: handler.NewInstanceHandler(p.instances, a.logger),
			Positions: handler.NewPositionHandler(p.positions, a.logger),
			Trades:    handler.NewTradeHandler(trades, p.ledger, a.logger),
		}, hub, map[string]func() any{
			"instances":   func() any { return p.instances.List() },
			"diagnostics": func() any { return p.engine.AllDiagnostics() },
			"executor":    func() any { return exec.Stats() },
			"feed": func() any {
				return map[string]any{"events": watch.Events(), "dropped": p.engine.DroppedEvents()}
			},
			"ledger": func() any { return p.ledger.Stats("") },
		})
		g.Go(func() error { return hub.Run(gctx) })
		g.Go(func() error { return srv.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		defer stopCore()
		if a.cfg.Executor.ForceCloseOnExit && a.cfg.Mode != config.ModeLive {
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), forceCloseBudget)
			defer cancel()
			if err := p.engine.ForceCloseAll(fctx, time.Now()); err != nil {
				a.logger.Error("force close failed", slog.String("error", err.Error()))
				return nil
			}
			if err := settle(fctx, p); err != nil {
				a.logger.Error("force close incomplete", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	err = g.Wait()
	st := p.ledger.Stats("")
	a.logger.Info("trading stopped",
		slog.Int("trades", st.Trades),
		slog.String("net_pnl", st.NetPnL.String()),
	)
	return err
}

// startFeed starts the configured market data source feeding sink.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies, sink feed.Sink) error {
	switch a.cfg.Feed.Source {
	case config.FeedBus:
		if deps.SignalBus == nil {
			return errors.New("app: bus feed requires redis")
		}
		feeder := feed.NewEngineFeeder(deps.SignalBus, sink, a.logger)
		g.Go(func() error { return feeder.Run(ctx) })
	default:
		if a.cfg.Feed.Publish && deps.SignalBus != nil {
			sink = feed.Tee(sink, feed.NewBusPublisher(deps.SignalBus))
		}
		bf := feed.NewBinanceFeed(a.cfg.Feed.BaseURL, a.cfg.Symbols(), a.cfg.Feed.DepthLevels,
			a.cfg.Feed.Interval, a.cfg.Feed.AggTrades, sink, a.logger)
		g.Go(func() error { return bf.Run(ctx) })
	}
	return nil
}

// holdLeadership takes one lock per instance so two processes never trade
// the same instance. Losing a lock stops the process.
func (a *App) holdLeadership(ctx context.Context, g *errgroup.Group, deps *Dependencies, keys []string) error {
	for _, key := range keys {
		unlock, lost, err := deps.LockManager.Hold(ctx, "instance:"+key, a.cfg.Redis.LockTTL.Duration)
		if err != nil {
			return fmt.Errorf("app: lead instance %s: %w", key, err)
		}
		a.closers = append(a.closers, unlock)
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return nil
			case <-lost:
				return fmt.Errorf("app: lost leadership of instance %s: %w", key, domain.ErrLockHeld)
			}
		})
	}
	return nil
}

// ReplayMode plays a recording through a fresh engine on an event-time clock
// against the paper broker and prints the ledger statistics. Every event is
// settled before the next one, so two replays of the same recording produce
// the same ledger.
func (a *App) ReplayMode(ctx context.Context, deps *Dependencies) error {
	p, err := a.buildPipeline(deps, pipelineOpts{})
	if err != nil {
		return err
	}
	clock := &feed.Clock{}
	p.risk.SetClock(clock.Now)
	for _, key := range p.registry.List() {
		inst, err := p.registry.Get(key)
		if err != nil {
			return err
		}
		inst.SetIDSource(sequentialIDs(key))
		inst.SetClock(clock.Now)
	}

	broker := a.paperBroker()
	broker.SetClock(clock.Now)
	exec := executor.NewExecutor(nil, broker, p.risk, p.engine, a.logger)
	exec.SetClock(clock.Now)

	settleEvent := func(ctx context.Context) error {
		for {
			if err := p.engine.Flush(ctx); err != nil {
				return err
			}
			n := 0
		drain:
			for {
				select {
				case in := <-p.engineOut:
					exec.Process(ctx, in)
					n++
				default:
					break drain
				}
			}
			if n == 0 {
				return nil
			}
		}
	}

	engineCtx, stopEngine := context.WithCancel(ctx)
	defer stopEngine()
	engineDone := make(chan error, 1)
	go func() { engineDone <- p.engine.Run(engineCtx) }()

	replayer := feed.NewReplayer(clock, p.engine, settleEvent, a.logger)
	started := time.Now()
	if err := a.replaySource(ctx, deps, replayer); err != nil {
		return err
	}

	if a.cfg.Executor.ForceCloseOnExit {
		if err := p.engine.ForceCloseAll(ctx, clock.Now()); err != nil {
			return fmt.Errorf("app: replay force close: %w", err)
		}
		if err := settleEvent(ctx); err != nil {
			return err
		}
	}

	stopEngine()
	if err := <-engineDone; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("app: replay engine: %w", err)
	}

	a.logger.InfoContext(ctx, "replay finished",
		slog.Int64("events", replayer.Events()),
		slog.Int("trades", p.ledger.Len()),
		slog.Duration("elapsed", time.Since(started)),
	)
	return a.printReplayReport(replayer.Events(), p, exec)
}

// sequentialIDs numbers intents and positions per instance so replay output
// is reproducible.
func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%06d", prefix, n)
	}
}

func (a *App) replaySource(ctx context.Context, deps *Dependencies, r *feed.Replayer) error {
	rc := a.cfg.Replay
	if rc.File != "" {
		return r.ReplayFile(ctx, rc.File)
	}
	if deps.BlobReader == nil {
		return errors.New("app: replay from object storage requires s3")
	}
	prefix := rc.Prefix
	if prefix == "" {
		day, err := time.Parse("2006-01-02", rc.Day)
		if err != nil {
			return fmt.Errorf("app: replay day: %w", err)
		}
		prefix = s3blob.RecordingPrefix(rc.Symbol, day)
	}
	return r.ReplayBlobs(ctx, deps.BlobReader, prefix)
}

// replayReport is printed to stdout at the end of a replay.
type replayReport struct {
	Events   int64                `json:"events"`
	Executor executor.Stats       `json:"executor"`
	Total    ledger.SchemeStats   `json:"total"`
	Schemes  []ledger.SchemeStats `json:"schemes"`
}

func (a *App) printReplayReport(events int64, p *pipeline, exec *executor.Executor) error {
	report := replayReport{
		Events:   events,
		Executor: exec.Stats(),
		Total:    p.ledger.Stats(""),
		Schemes:  p.ledger.AllStats(),
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("app: print replay report: %w", err)
	}
	return nil
}

// RecordMode captures the exchange feed to the Redis stream, a local JSONL
// file and S3 chunks, without trading.
func (a *App) RecordMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting record mode", slog.Any("symbols", a.cfg.Symbols()))

	var out io.Writer
	if a.cfg.Recorder.File != "" {
		f, err := os.OpenFile(a.cfg.Recorder.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("app: open recording: %w", err)
		}
		a.closers = append(a.closers, func() { _ = f.Close() })
		out = f
	}
	var archiver domain.Archiver
	if deps.Archiver != nil {
		archiver = deps.Archiver
	}
	rec := feed.NewRecorder(deps.SignalBus, archiver, out, feed.RecorderConfig{
		FlushInterval: a.cfg.Recorder.FlushInterval.Duration,
		ChunkSize:     a.cfg.Recorder.ChunkSize,
	}, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	watch := newFeedWatch(rec, feedStaleAfter, deps.Notifier, a.logger)
	deps.Checks["feed"] = watch.Check
	if err := a.startFeed(gctx, g, deps, watch); err != nil {
		return err
	}
	g.Go(func() error { return watch.Run(gctx) })
	g.Go(func() error { return rec.Run(gctx) })

	if a.cfg.Server.Enabled {
		srv := a.newServer(deps, server.Handlers{}, nil, map[string]func() any{
			"recorder": func() any {
				return map[string]int64{"recorded": rec.Recorded(), "archived": rec.Archived()}
			},
		})
		g.Go(func() error { return srv.Run(gctx) })
	}
	return g.Wait()
}

// MonitorMode serves the API and WebSocket stream for engines running in
// other processes. Trades and positions are mirrored from the bus.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	led := ledger.New(a.logger)
	if deps.TradeRecords != nil {
		if err := preloadLedger(ctx, led, deps.TradeRecords); err != nil {
			a.logger.WarnContext(ctx, "ledger preload failed", slog.String("error", err.Error()))
		}
	}
	positions := service.NewPositionService(deps.PositionStore, led, nil, nil, nil, a.logger)
	diag := service.NewDiagnosticsService(deps.DiagCache, nil, a.logger)

	g, gctx := errgroup.WithContext(ctx)
	if deps.SignalBus != nil {
		g.Go(func() error { return a.mirrorBus(gctx, deps.SignalBus, positions) })
	}
	if a.cfg.Archive.Enabled && deps.Archiver != nil {
		g.Go(func() error { return a.runArchiveLoop(gctx, deps) })
	}

	var trades handler.TradeLister = led
	if deps.TradeRecords != nil {
		trades = deps.TradeRecords
	}
	hub := a.newHub(deps, func() any { return map[string]any{"mode": a.cfg.Mode} })
	srv := a.newServer(deps, server.Handlers{
		Positions: handler.NewPositionHandler(positions, a.logger),
		Trades:    handler.NewTradeHandler(trades, led, a.logger),
	}, hub, map[string]func() any{
		"diagnostics": func() any {
			dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			list, err := diag.List(dctx)
			if err != nil {
				return map[string]string{"error": err.Error()}
			}
			return list
		},
	})
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	return g.Wait()
}

// preloadLedger appends the most recent stored trades oldest first.
func preloadLedger(ctx context.Context, led *ledger.Ledger, store handler.TradeLister) error {
	recs, err := store.List(ctx, domain.ListOpts{Limit: 10_000})
	if err != nil {
		return err
	}
	for i := len(recs) - 1; i >= 0; i-- {
		if err := led.Append(ctx, recs[i]); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
			return err
		}
	}
	return nil
}

// busPositionEvent is the subset of the positions channel payload the
// monitor needs.
type busPositionEvent struct {
	Event    string          `json:"event"`
	IntentID string          `json:"intent_id"`
	Reason   string          `json:"reason"`
	Position domain.Position `json:"position"`
	Time     string          `json:"ts"`
}

// mirrorBus applies trades and position transitions published by engines
// to the local ledger and position view.
func (a *App) mirrorBus(ctx context.Context, bus domain.SignalBus, positions *service.PositionService) error {
	tradesCh, err := bus.Subscribe(ctx, service.ChannelTrades)
	if err != nil {
		return fmt.Errorf("app: subscribe trades: %w", err)
	}
	posCh, err := bus.Subscribe(ctx, service.ChannelPositions)
	if err != nil {
		return fmt.Errorf("app: subscribe positions: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-tradesCh:
			if !ok {
				return nil
			}
			var rec domain.TradeRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				a.logger.Debug("bad trade payload", slog.String("error", err.Error()))
				continue
			}
			positions.OnTradeRecord(ctx, rec)
		case data, ok := <-posCh:
			if !ok {
				return nil
			}
			var ev busPositionEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				a.logger.Debug("bad position payload", slog.String("error", err.Error()))
				continue
			}
			ts, err := time.Parse(time.RFC3339Nano, ev.Time)
			if err != nil {
				ts = time.Now()
			}
			positions.OnPositionEvent(ctx, position.Event{
				Kind:     position.EventKind(strings.TrimPrefix(ev.Event, "position_")),
				Position: ev.Position,
				IntentID: ev.IntentID,
				Reason:   ev.Reason,
				Time:     ts,
			})
		}
	}
}

// runArchiveLoop moves ledger rows older than the retention period to S3 on
// every interval. With Redis, a lock keeps concurrent processes from
// archiving the same rows.
func (a *App) runArchiveLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(a.cfg.Archive.Interval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		a.archiveOnce(ctx, deps)
	}
}

func (a *App) archiveOnce(ctx context.Context, deps *Dependencies) {
	if deps.LockManager != nil {
		unlock, err := deps.LockManager.Acquire(ctx, "archive", a.cfg.Archive.Interval.Duration/2)
		if err != nil {
			a.logger.InfoContext(ctx, "archive skipped", slog.String("reason", err.Error()))
			return
		}
		defer unlock()
	}
	before := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)
	n, err := deps.Archiver.ArchiveTradeRecords(ctx, before)
	if err != nil {
		a.logger.ErrorContext(ctx, "archive trade records failed",
			slog.Int64("archived", n),
			slog.String("error", err.Error()),
		)
		return
	}
	a.logger.InfoContext(ctx, "trade records archived",
		slog.Int64("archived", n),
		slog.Time("before", before),
	)

	if p, ok := deps.AuditStore.(auditPruner); ok {
		pruned, err := p.Prune(ctx, before)
		if err != nil {
			a.logger.ErrorContext(ctx, "audit prune failed", slog.String("error", err.Error()))
			return
		}
		if pruned > 0 {
			a.logger.InfoContext(ctx, "audit log pruned", slog.Int64("deleted", pruned))
		}
	}
}

// auditPruner is implemented by audit stores that support retention.
type auditPruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

func (a *App) newHub(deps *Dependencies, snapshot func() any) *ws.Hub {
	return ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		StartedAt:      a.startedAt,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
		Snapshot:       snapshot,
	})
}

// newServer adds the health and status handlers common to every mode.
func (a *App) newServer(deps *Dependencies, h server.Handlers, hub *ws.Hub, sections map[string]func() any) *server.Server {
	redacted := a.cfg.Redacted()
	h.Health = handler.NewHealthHandler(deps.Checks, a.logger)
	h.Status = handler.NewStatusHandler(a.cfg.Mode, a.startedAt, redacted, sections)
	return server.NewServer(server.Config{
		Addr:        fmt.Sprintf(":%d", a.cfg.Server.Port),
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, h, hub, deps.RateLimiter, a.logger)
}

// publisherFor picks the Redis bus when configured, else the local hub.
func publisherFor(deps *Dependencies, hub *ws.Hub) service.Publisher {
	if deps.SignalBus != nil {
		return deps.SignalBus
	}
	if hub != nil {
		return hub
	}
	return nil
}
