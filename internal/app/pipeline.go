package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/microflow/internal/crypto"
	"github.com/alanyoungcy/microflow/internal/domain"
	"github.com/alanyoungcy/microflow/internal/executor"
	"github.com/alanyoungcy/microflow/internal/ledger"
	"github.com/alanyoungcy/microflow/internal/notify"
	"github.com/alanyoungcy/microflow/internal/service"
	"github.com/alanyoungcy/microflow/internal/strategy"
)

// pipeline is the engine side shared by the live, paper and replay modes:
// instances, the engine and the observers that persist and publish what the
// engine does.
type pipeline struct {
	registry  *strategy.Registry
	engine    *strategy.Engine
	engineOut chan domain.OrderIntent
	ledger    *ledger.Ledger
	positions *service.PositionService
	diag      *service.DiagnosticsService
	instances *service.InstanceService
	risk      *service.RiskService
}

// pipelineOpts selects which side effects a pipeline has. Replay keeps
// everything in memory.
type pipelineOpts struct {
	publisher service.Publisher
	persist   bool
}

func (a *App) buildRegistry() (*strategy.Registry, error) {
	reg := strategy.NewRegistry()
	for _, ic := range a.cfg.Instances {
		inst, err := strategy.NewInstance(ic.Key, strings.ToUpper(ic.Symbol), ic.Strategy, a.logger)
		if err != nil {
			return nil, fmt.Errorf("app: instance %s: %w", ic.Key, err)
		}
		if err := reg.Register(inst); err != nil {
			return nil, fmt.Errorf("app: register %s: %w", ic.Key, err)
		}
	}
	return reg, nil
}

func (a *App) buildPipeline(deps *Dependencies, opts pipelineOpts) (*pipeline, error) {
	reg, err := a.buildRegistry()
	if err != nil {
		return nil, err
	}

	var sinks []ledger.Sink
	if opts.persist && deps.TradeRecords != nil {
		sinks = append(sinks, ledger.NewStoreSink(deps.TradeRecords))
	}
	if a.cfg.Ledger.File != "" {
		js, err := ledger.OpenJSONLFile(a.cfg.Ledger.File)
		if err != nil {
			return nil, fmt.Errorf("app: ledger file: %w", err)
		}
		a.closers = append(a.closers, func() { _ = js.Close() })
		sinks = append(sinks, js)
	}
	led := ledger.New(a.logger, sinks...)

	var (
		positionStore domain.PositionStore
		audit         domain.AuditStore
		diagCache     domain.DiagnosticsCache
		configs       domain.StrategyConfigStore
		limiter       domain.RateLimiter
		notifier      service.Notifier
		pnl           service.NetPnLSource = led
	)
	if opts.persist {
		positionStore = deps.PositionStore
		audit = deps.AuditStore
		diagCache = deps.DiagCache
		configs = deps.StrategyConfigs
		limiter = deps.RateLimiter
		notifier = deps.Notifier
		if deps.TradeRecords != nil {
			pnl = deps.TradeRecords
		}
	}

	positions := service.NewPositionService(positionStore, led, opts.publisher, audit, notifier, a.logger)
	diag := service.NewDiagnosticsService(diagCache, opts.publisher, a.logger)

	engineOut := make(chan domain.OrderIntent, a.cfg.Executor.QueueSize)
	engine := strategy.NewEngine(reg, engineOut, a.logger,
		strategy.WithObserver(positions),
		strategy.WithObserver(diag),
		strategy.WithDiagnosticsInterval(a.cfg.Executor.DiagnosticsInterval.Duration),
		strategy.WithInboxSize(a.cfg.Executor.InboxSize),
	)

	risk := service.NewRiskService(limiter, pnl, service.RiskConfig{
		MaxNotional:    a.cfg.Risk.MaxNotional,
		MaxEntries:     a.cfg.Risk.MaxEntries,
		EntryWindow:    a.cfg.Risk.EntryWindow.Duration,
		MaxDailyLoss:   a.cfg.Risk.MaxDailyLoss,
		AllowedSymbols: a.cfg.Risk.AllowedSymbols,
	}, a.logger)

	return &pipeline{
		registry:  reg,
		engine:    engine,
		engineOut: engineOut,
		ledger:    led,
		positions: positions,
		diag:      diag,
		instances: service.NewInstanceService(engine, reg, configs, audit, a.logger),
		risk:      risk,
	}, nil
}

// newExecutor builds the executor reading from in. Risk rejections are
// alerted when a notifier is given.
func (a *App) newExecutor(in <-chan domain.OrderIntent, broker executor.Broker, p *pipeline, notifier *notify.Notifier) *executor.Executor {
	var risk executor.RiskChecker = p.risk
	if notifier != nil {
		risk = alertingRisk{next: p.risk, notifier: notifier, logger: a.logger}
	}
	exec := executor.NewExecutor(in, broker, risk, p.engine, a.logger)
	exec.SetDedupTTL(a.cfg.Executor.DedupTTL.Duration)
	return exec
}

func (a *App) paperBroker() *service.PaperBroker {
	return service.NewPaperBroker(service.PaperConfig{
		SlippageBps: a.cfg.Executor.PaperSlippageBps,
		MaxSize:     a.cfg.Executor.PaperMaxSize,
	}, a.logger)
}

func (a *App) gatewayBroker() (*service.GatewayBroker, error) {
	gw := a.cfg.Gateway
	secret, err := crypto.LoadSecret(crypto.SecretConfig{
		RawSecret:     gw.Secret,
		EncryptedPath: gw.EncryptedSecretPath,
		Password:      gw.SecretPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("app: gateway secret: %w", err)
	}
	auth := &crypto.HMACAuth{Key: gw.APIKey, Secret: secret, Passphrase: gw.Passphrase}
	a.logger.Info("gateway broker configured",
		slog.String("base_url", gw.BaseURL),
		slog.String("auth", auth.String()),
	)
	return service.NewGatewayBroker(gw.BaseURL, auth, gw.Timeout.Duration, a.logger), nil
}

// alertingRisk notifies operators of rejected entries. The notifier's quiet
// period keeps a rejecting streak to one alert.
type alertingRisk struct {
	next     executor.RiskChecker
	notifier *notify.Notifier
	logger   *slog.Logger
}

func (r alertingRisk) PreTradeCheck(ctx context.Context, intent domain.OrderIntent) error {
	err := r.next.PreTradeCheck(ctx, intent)
	if err != nil && errors.Is(err, domain.ErrRiskRejected) {
		if nerr := r.notifier.Notify(ctx, notify.EventRiskRejected, "entry rejected: "+intent.InstanceKey, err.Error()); nerr != nil {
			r.logger.WarnContext(ctx, "notify failed", slog.String("error", nerr.Error()))
		}
	}
	return err
}

// settle waits until every position is closed or ctx expires, flushing the
// engine between polls so execution reports are applied.
func settle(ctx context.Context, p *pipeline) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := p.engine.Flush(ctx); err != nil {
			return err
		}
		open, err := p.positions.OpenPositions(ctx)
		if err != nil {
			return err
		}
		if len(open) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("app: %d positions still open: %w", len(open), ctx.Err())
		case <-ticker.C:
		}
	}
}
