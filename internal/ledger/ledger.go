// Package ledger keeps the append-only record of realized trades and derives
// per-scheme performance from it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// Sink receives every record appended to the ledger.
type Sink interface {
	Write(ctx context.Context, rec domain.TradeRecord) error
}

// Ledger is an in-memory, append-only list of trade records mirrored to its
// sinks. A position id is recorded at most once. It is safe for concurrent
// use.
type Ledger struct {
	mu      sync.RWMutex
	records []domain.TradeRecord
	seen    map[string]struct{}
	sinks   []Sink
	logger  *slog.Logger
}

func New(logger *slog.Logger, sinks ...Sink) *Ledger {
	return &Ledger{
		seen:   make(map[string]struct{}),
		sinks:  sinks,
		logger: logger.With(slog.String("component", "ledger")),
	}
}

// Append records rec and forwards it to every sink. The in-memory record is
// kept even when a sink fails; sink failures are joined into the returned
// error.
func (l *Ledger) Append(ctx context.Context, rec domain.TradeRecord) error {
	l.mu.Lock()
	if _, dup := l.seen[rec.PositionID]; dup {
		l.mu.Unlock()
		return fmt.Errorf("ledger: append %s: %w", rec.PositionID, domain.ErrAlreadyExists)
	}
	l.seen[rec.PositionID] = struct{}{}
	l.records = append(l.records, rec)
	l.mu.Unlock()

	var errs []error
	for _, s := range l.sinks {
		if err := s.Write(ctx, rec); err != nil {
			l.logger.WarnContext(ctx, "ledger sink write failed",
				slog.String("position_id", rec.PositionID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("ledger: append %s: %w", rec.PositionID, errors.Join(errs...))
	}
	return nil
}

// Records returns a copy of all records in append order.
func (l *Ledger) Records() []domain.TradeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.TradeRecord, len(l.records))
	copy(out, l.records)
	return out
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// List returns records newest first, filtered by instance and exit time and
// paginated like the SQL store.
func (l *Ledger) List(_ context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []domain.TradeRecord
	skipped := 0
	for i := len(l.records) - 1; i >= 0; i-- {
		r := l.records[i]
		if opts.InstanceKey != "" && r.InstanceKey != opts.InstanceKey {
			continue
		}
		if opts.Since != nil && r.ExitTime.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && r.ExitTime.After(*opts.Until) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, r)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// SumNet returns the net PnL of instanceKey's trades that exited at or after
// since. An empty key sums every instance.
func (l *Ledger) SumNet(_ context.Context, instanceKey string, since time.Time) (decimal.Decimal, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum := decimal.Zero
	for _, r := range l.records {
		if instanceKey != "" && r.InstanceKey != instanceKey {
			continue
		}
		if r.ExitTime.Before(since) {
			continue
		}
		sum = sum.Add(r.NetPnL)
	}
	return sum, nil
}

// Stats aggregates the records of one scheme; an empty scheme aggregates
// everything.
func (l *Ledger) Stats(scheme string) SchemeStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var recs []domain.TradeRecord
	for _, r := range l.records {
		if scheme == "" || r.Scheme == scheme {
			recs = append(recs, r)
		}
	}
	st := Compute(recs)
	st.Scheme = scheme
	return st
}

// AllStats returns Stats for every scheme present, ordered by scheme.
func (l *Ledger) AllStats() []SchemeStats {
	l.mu.RLock()
	schemes := make(map[string]struct{})
	for _, r := range l.records {
		schemes[r.Scheme] = struct{}{}
	}
	l.mu.RUnlock()

	names := make([]string, 0, len(schemes))
	for s := range schemes {
		names = append(names, s)
	}
	sort.Strings(names)
	out := make([]SchemeStats, 0, len(names))
	for _, s := range names {
		out = append(out, l.Stats(s))
	}
	return out
}

// SchemeStats summarizes realized performance.
type SchemeStats struct {
	Scheme       string                     `json:"scheme"`
	Trades       int                        `json:"trades"`
	Wins         int                        `json:"wins"`
	Losses       int                        `json:"losses"`
	WinRate      float64                    `json:"win_rate"`
	GrossPnL     decimal.Decimal            `json:"gross_pnl"`
	Fees         decimal.Decimal            `json:"fees"`
	Funding      decimal.Decimal            `json:"funding"`
	NetPnL       decimal.Decimal            `json:"net_pnl"`
	AvgNetPnL    decimal.Decimal            `json:"avg_net_pnl"`
	MaxDrawdown  decimal.Decimal            `json:"max_drawdown"`
	AvgHolding   time.Duration              `json:"avg_holding_ns"`
	ByExitReason map[domain.ExitReason]int  `json:"by_exit_reason"`
	ByInstance   map[string]decimal.Decimal `json:"net_by_instance"`
}

// Compute aggregates recs in order. Max drawdown is the largest fall of
// cumulative net PnL from its running peak.
func Compute(recs []domain.TradeRecord) SchemeStats {
	st := SchemeStats{
		ByExitReason: make(map[domain.ExitReason]int),
		ByInstance:   make(map[string]decimal.Decimal),
	}
	var cum, peak decimal.Decimal
	var held time.Duration
	for _, r := range recs {
		st.Trades++
		if r.Win() {
			st.Wins++
		} else {
			st.Losses++
		}
		st.GrossPnL = st.GrossPnL.Add(r.GrossPnL)
		st.Fees = st.Fees.Add(r.Fees)
		st.Funding = st.Funding.Add(r.Funding)
		st.NetPnL = st.NetPnL.Add(r.NetPnL)
		st.ByExitReason[r.ExitReason]++
		st.ByInstance[r.InstanceKey] = st.ByInstance[r.InstanceKey].Add(r.NetPnL)
		held += r.HoldingDuration

		cum = cum.Add(r.NetPnL)
		if cum.GreaterThan(peak) {
			peak = cum
		}
		if dd := peak.Sub(cum); dd.GreaterThan(st.MaxDrawdown) {
			st.MaxDrawdown = dd
		}
	}
	if st.Trades > 0 {
		st.WinRate = float64(st.Wins) / float64(st.Trades)
		st.AvgNetPnL = st.NetPnL.Div(decimal.NewFromInt(int64(st.Trades)))
		st.AvgHolding = held / time.Duration(st.Trades)
	}
	return st
}
