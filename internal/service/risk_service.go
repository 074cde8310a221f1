package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// RiskConfig holds the tunable parameters for pre-trade risk checks.
type RiskConfig struct {
	MaxNotional    float64       // per-entry notional cap in quote units; 0 disables
	MaxEntries     int           // entries per instance per EntryWindow; 0 disables
	EntryWindow    time.Duration // rate limiter window
	MaxDailyLoss   float64       // realized net loss since UTC midnight; 0 disables
	AllowedSymbols []string      // empty allows every symbol
}

// NetPnLSource reports realized net PnL. Both the postgres trade record
// store and the in-memory ledger satisfy it.
type NetPnLSource interface {
	SumNet(ctx context.Context, instanceKey string, since time.Time) (decimal.Decimal, error)
}

// RiskService provides pre-trade risk checks so entries stay within the
// configured limits before being dispatched.
type RiskService struct {
	limiter domain.RateLimiter
	pnl     NetPnLSource
	cfg     RiskConfig
	symbols map[string]bool
	now     func() time.Time
	logger  *slog.Logger
}

// NewRiskService creates a RiskService. limiter and pnl may be nil, which
// disables the checks that need them.
func NewRiskService(
	limiter domain.RateLimiter,
	pnl NetPnLSource,
	cfg RiskConfig,
	logger *slog.Logger,
) *RiskService {
	symbols := make(map[string]bool, len(cfg.AllowedSymbols))
	for _, s := range cfg.AllowedSymbols {
		symbols[s] = true
	}
	return &RiskService{
		limiter: limiter,
		pnl:     pnl,
		cfg:     cfg,
		symbols: symbols,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "risk_service")),
	}
}

// SetClock replaces the clock used to find the start of the trading day.
func (s *RiskService) SetClock(now func() time.Time) { s.now = now }

// PreTradeCheck validates an entry intent. It returns an error wrapping
// domain.ErrRiskRejected describing the first failed check. Exit intents
// always pass.
//
// Checks performed:
//  1. Symbol allow-list
//  2. Entry notional within limits
//  3. Daily realized loss above the kill-switch level
//  4. Entry rate per instance
func (s *RiskService) PreTradeCheck(ctx context.Context, intent domain.OrderIntent) error {
	if intent.Action != domain.ActionEnter {
		return nil
	}
	log := s.logger.With(slog.String("instance", intent.InstanceKey), slog.String("intent_id", intent.ID))

	// Check 1: symbol.
	if len(s.symbols) > 0 && !s.symbols[intent.Symbol] {
		log.WarnContext(ctx, "symbol not allowed", slog.String("symbol", intent.Symbol))
		return fmt.Errorf("risk_service: symbol %s not allowed: %w", intent.Symbol, domain.ErrRiskRejected)
	}

	// Check 2: notional.
	notional := intent.ReferencePrice * intent.Size
	if s.cfg.MaxNotional > 0 && notional > s.cfg.MaxNotional {
		log.WarnContext(ctx, "entry notional exceeds limit",
			slog.Float64("notional", notional),
			slog.Float64("max", s.cfg.MaxNotional),
		)
		return fmt.Errorf("risk_service: notional %.2f exceeds max %.2f: %w", notional, s.cfg.MaxNotional, domain.ErrRiskRejected)
	}

	// Check 3: daily loss kill switch.
	if s.pnl != nil && s.cfg.MaxDailyLoss > 0 {
		now := s.now().UTC()
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		net, err := s.pnl.SumNet(ctx, intent.InstanceKey, dayStart)
		if err != nil {
			return fmt.Errorf("risk_service: daily pnl: %w", err)
		}
		limit := decimal.NewFromFloat(s.cfg.MaxDailyLoss).Neg()
		if net.LessThanOrEqual(limit) {
			log.WarnContext(ctx, "daily loss limit reached",
				slog.String("net_pnl", net.String()),
				slog.Float64("max_daily_loss", s.cfg.MaxDailyLoss),
			)
			return fmt.Errorf("risk_service: daily loss %s at limit: %w", net.StringFixed(2), domain.ErrRiskRejected)
		}
	}

	// Check 4: entry rate.
	if s.limiter != nil && s.cfg.MaxEntries > 0 {
		allowed, err := s.limiter.Allow(ctx, "entries:"+intent.InstanceKey, s.cfg.MaxEntries, s.cfg.EntryWindow)
		if err != nil {
			// A limiter outage does not block trading.
			log.WarnContext(ctx, "rate limiter unavailable", slog.String("error", err.Error()))
			return nil
		}
		if !allowed {
			log.WarnContext(ctx, "entry rate limit reached",
				slog.Int("max_entries", s.cfg.MaxEntries),
				slog.Duration("window", s.cfg.EntryWindow),
			)
			return fmt.Errorf("risk_service: entry rate limit: %w", domain.ErrRiskRejected)
		}
	}

	return nil
}
