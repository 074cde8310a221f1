// Package position owns the lifecycle of the single position slot of a
// strategy instance: pending entry, open, pending exit and closed.
package position

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// Rules are the exit and accounting parameters applied to the open position.
type Rules struct {
	TrailingTriggerPct float64
	TrailingOffsetPct  float64
	MaxHolding         time.Duration
	MinHolding         time.Duration
	ReverseConfidence  float64
	FeeRate            float64
	FundingRateHourly  float64
	PendingTimeout     time.Duration
}

// EventKind names a position lifecycle transition.
type EventKind string

const (
	EventEntryPending   EventKind = "entry_pending"
	EventEntryCancelled EventKind = "entry_cancelled"
	EventOpened         EventKind = "opened"
	EventTrailingArmed  EventKind = "trailing_armed"
	EventExitPending    EventKind = "exit_pending"
	EventExitAborted    EventKind = "exit_aborted"
	EventClosed         EventKind = "closed"
)

// Event is emitted on every lifecycle transition.
type Event struct {
	Kind     EventKind
	Position domain.Position
	IntentID string
	Reason   string
	Time     time.Time
}

// Entry describes an entry that has been decided but not yet filled. Stop
// and target are expressed as fractions of the fill price.
type Entry struct {
	IntentID      string
	Direction     domain.Direction
	SizeFraction  float64
	Leverage      float64
	Capital       float64
	StopLossPct   float64
	TakeProfitPct float64
}

// OpenParams opens a position at explicit prices.
type OpenParams struct {
	Direction       domain.Direction
	EntryPrice      float64
	EntryTime       time.Time
	Size            float64
	SizeFraction    float64
	Leverage        float64
	StopLossPrice   float64
	TakeProfitPrice float64
}

// ExitCheck is the result of evaluating exit rules on one tick.
type ExitCheck struct {
	Fire     bool
	Reason   domain.ExitReason
	Deferred bool
}

type pendingEntry struct {
	entry Entry
	since time.Time
}

// Manager guards the one-position-per-instance invariant. It is not safe for
// concurrent use.
type Manager struct {
	instanceKey string
	symbol      string
	scheme      string
	rules       Rules
	newID       func() string

	pos        *domain.Position
	pending    *pendingEntry
	exitIntent string
	lastClosed *domain.Position
	closedIDs  map[string]struct{}
	events     []Event
}

func NewManager(instanceKey, symbol, scheme string, rules Rules, newID func() string) *Manager {
	return &Manager{
		instanceKey: instanceKey,
		symbol:      symbol,
		scheme:      scheme,
		rules:       rules,
		newID:       newID,
		closedIDs:   make(map[string]struct{}),
	}
}

// SetRules replaces the rules. The open position keeps its stop and target
// prices.
func (m *Manager) SetRules(r Rules, scheme string) {
	m.rules = r
	m.scheme = scheme
}

func (m *Manager) Rules() Rules { return m.rules }

// Position returns a copy of the open position.
func (m *Manager) Position() (domain.Position, bool) {
	if m.pos == nil {
		return domain.Position{}, false
	}
	return *m.pos, true
}

// LastClosed returns a copy of the most recently closed position.
func (m *Manager) LastClosed() (domain.Position, bool) {
	if m.lastClosed == nil {
		return domain.Position{}, false
	}
	return *m.lastClosed, true
}

// PendingEntry reports whether an entry order is in flight.
func (m *Manager) PendingEntry() bool { return m.pending != nil }

// Busy reports whether the slot is occupied by a position or an in-flight
// entry.
func (m *Manager) Busy() bool { return m.pos != nil || m.pending != nil }

// DrainEvents returns and clears the recorded lifecycle events.
func (m *Manager) DrainEvents() []Event {
	out := m.events
	m.events = nil
	return out
}

func (m *Manager) emit(kind EventKind, intentID, reason string, now time.Time) {
	ev := Event{Kind: kind, IntentID: intentID, Reason: reason, Time: now}
	switch {
	case m.pos != nil:
		ev.Position = *m.pos
	case kind == EventClosed && m.lastClosed != nil:
		ev.Position = *m.lastClosed
	}
	m.events = append(m.events, ev)
}

// BeginEntry reserves the slot for an entry order.
func (m *Manager) BeginEntry(e Entry, now time.Time) error {
	if m.pos != nil {
		return &domain.StateViolationError{Op: "begin_entry", PositionID: m.pos.ID, Reason: "position already open"}
	}
	if m.pending != nil {
		return &domain.StateViolationError{Op: "begin_entry", Reason: "entry already pending " + m.pending.entry.IntentID}
	}
	m.pending = &pendingEntry{entry: e, since: now}
	m.emit(EventEntryPending, e.IntentID, string(e.Direction), now)
	return nil
}

// ConfirmEntry opens the position for a filled entry. Stop and target are
// placed relative to the fill price. A fill for an intent that is no longer
// pending is reported as stale.
func (m *Manager) ConfirmEntry(intentID string, fillPrice, filledSize float64, ts time.Time) (domain.Position, error) {
	if m.pending == nil || m.pending.entry.IntentID != intentID {
		return domain.Position{}, fmt.Errorf("position: confirm entry %s: %w", intentID, domain.ErrStaleIntent)
	}
	if fillPrice <= 0 {
		return domain.Position{}, fmt.Errorf("position: confirm entry %s: non-positive fill price %v", intentID, fillPrice)
	}
	e := m.pending.entry
	m.pending = nil

	size := filledSize
	if size <= 0 {
		size = e.Capital * e.SizeFraction * e.Leverage / fillPrice
	}
	sign := e.Direction.Sign()
	return m.Open(OpenParams{
		Direction:       e.Direction,
		EntryPrice:      fillPrice,
		EntryTime:       ts,
		Size:            size,
		SizeFraction:    e.SizeFraction,
		Leverage:        e.Leverage,
		StopLossPrice:   fillPrice * (1 - sign*e.StopLossPct),
		TakeProfitPrice: fillPrice * (1 + sign*e.TakeProfitPct),
	})
}

// CancelEntry releases the slot after a rejected, cancelled or expired entry.
func (m *Manager) CancelEntry(intentID, reason string, now time.Time) bool {
	if m.pending == nil || m.pending.entry.IntentID != intentID {
		return false
	}
	m.pending = nil
	m.emit(EventEntryCancelled, intentID, reason, now)
	return true
}

// Open creates a brand-new OPEN position. Opening while a position exists is
// a state violation.
func (m *Manager) Open(p OpenParams) (domain.Position, error) {
	if m.pos != nil {
		return domain.Position{}, &domain.StateViolationError{Op: "open", PositionID: m.pos.ID, Reason: "position already open"}
	}
	if p.Direction != domain.DirectionLong && p.Direction != domain.DirectionShort {
		return domain.Position{}, &domain.StateViolationError{Op: "open", Reason: "direction must be LONG or SHORT"}
	}
	m.pos = &domain.Position{
		ID:              m.newID(),
		InstanceKey:     m.instanceKey,
		Symbol:          m.symbol,
		Direction:       p.Direction,
		EntryPrice:      p.EntryPrice,
		EntryTime:       p.EntryTime,
		Size:            p.Size,
		SizeFraction:    p.SizeFraction,
		Leverage:        p.Leverage,
		StopLossPrice:   p.StopLossPrice,
		TakeProfitPrice: p.TakeProfitPrice,
		Trailing:        domain.TrailingState{BestPrice: p.EntryPrice},
		Status:          domain.PositionOpen,
	}
	m.emit(EventOpened, "", "", p.EntryTime)
	return *m.pos, nil
}

// Evaluate ratchets the trailing stop and checks exit rules in fixed
// priority: stop-loss, take-profit, trailing stop, time limit, reverse
// signal. Before the minimum holding time only the stop-loss may fire.
func (m *Manager) Evaluate(price float64, now time.Time, sig domain.Signal) ExitCheck {
	p := m.pos
	if p == nil || p.Pending == domain.PendingExit || price <= 0 {
		return ExitCheck{}
	}
	long := p.Direction == domain.DirectionLong

	m.ratchet(price, now)

	if (long && price <= p.StopLossPrice) || (!long && price >= p.StopLossPrice) {
		return ExitCheck{Fire: true, Reason: domain.ExitStopLoss}
	}

	var reason domain.ExitReason
	switch {
	case (long && price >= p.TakeProfitPrice) || (!long && price <= p.TakeProfitPrice):
		reason = domain.ExitTakeProfit
	case p.Trailing.Armed && m.retraced(price):
		reason = domain.ExitTrailingStop
	case m.rules.MaxHolding > 0 && now.Sub(p.EntryTime) >= m.rules.MaxHolding:
		reason = domain.ExitTimeLimit
	case sig.Direction == p.Direction.Opposite() && sig.Confidence >= m.rules.ReverseConfidence:
		reason = domain.ExitReverseSignal
	default:
		return ExitCheck{}
	}
	if now.Sub(p.EntryTime) < m.rules.MinHolding {
		return ExitCheck{Reason: reason, Deferred: true}
	}
	return ExitCheck{Fire: true, Reason: reason}
}

func (m *Manager) ratchet(price float64, now time.Time) {
	p := m.pos
	t := &p.Trailing
	if p.Direction == domain.DirectionLong && price > t.BestPrice {
		t.BestPrice = price
	}
	if p.Direction == domain.DirectionShort && price < t.BestPrice {
		t.BestPrice = price
	}
	if m.rules.TrailingTriggerPct <= 0 {
		return
	}
	if !t.Armed && p.MovePct(t.BestPrice) >= m.rules.TrailingTriggerPct {
		t.Armed = true
		m.emit(EventTrailingArmed, "", "", now)
	}
	if t.Armed {
		t.StopPrice = t.BestPrice * (1 - p.Direction.Sign()*m.rules.TrailingOffsetPct)
	}
}

func (m *Manager) retraced(price float64) bool {
	p := m.pos
	best := p.Trailing.BestPrice
	if best <= 0 {
		return false
	}
	if p.Direction == domain.DirectionLong {
		return (best-price)/best > m.rules.TrailingOffsetPct
	}
	return (price-best)/best > m.rules.TrailingOffsetPct
}

// BeginExit marks the open position as having an exit order in flight.
func (m *Manager) BeginExit(intentID string, reason domain.ExitReason, now time.Time) error {
	if m.pos == nil {
		return &domain.StateViolationError{Op: "begin_exit", Reason: "no open position"}
	}
	if m.pos.Pending == domain.PendingExit {
		return &domain.StateViolationError{Op: "begin_exit", PositionID: m.pos.ID, Reason: "exit already pending"}
	}
	m.pos.Pending = domain.PendingExit
	m.pos.PendingReason = reason
	m.pos.PendingSince = now
	m.exitIntent = intentID
	m.emit(EventExitPending, intentID, string(reason), now)
	return nil
}

// AbortExit returns a pending-exit position to plain OPEN so the exit rules
// are evaluated again on the next tick.
func (m *Manager) AbortExit(intentID, reason string, now time.Time) bool {
	if m.pos == nil || m.pos.Pending != domain.PendingExit || m.exitIntent != intentID {
		return false
	}
	m.pos.Pending = domain.PendingNone
	m.pos.PendingReason = ""
	m.pos.PendingSince = time.Time{}
	m.exitIntent = ""
	m.emit(EventExitAborted, intentID, reason, now)
	return true
}

// ExitIntent returns the intent id of the in-flight exit, if any.
func (m *Manager) ExitIntent() string { return m.exitIntent }

// Close transitions the open position to CLOSED and returns its ledger
// record. Closing with no open position, or closing an id that is already
// closed, is a state violation.
func (m *Manager) Close(positionID string, exitPrice float64, reason domain.ExitReason, ts time.Time) (domain.TradeRecord, error) {
	if _, done := m.closedIDs[positionID]; done {
		return domain.TradeRecord{}, &domain.StateViolationError{Op: "close", PositionID: positionID, Reason: "position already closed"}
	}
	if m.pos == nil {
		return domain.TradeRecord{}, &domain.StateViolationError{Op: "close", PositionID: positionID, Reason: "no open position"}
	}
	if positionID != "" && positionID != m.pos.ID {
		return domain.TradeRecord{}, &domain.StateViolationError{Op: "close", PositionID: positionID, Reason: "not the open position " + m.pos.ID}
	}
	if exitPrice <= 0 {
		return domain.TradeRecord{}, fmt.Errorf("position: close %s: non-positive exit price %v", m.pos.ID, exitPrice)
	}

	closed := *m.pos
	closed.Status = domain.PositionClosed
	closed.Pending = domain.PendingNone
	closed.PendingReason = ""
	closed.PendingSince = time.Time{}
	closed.ExitPrice = exitPrice
	closed.ExitTime = ts
	closed.ExitReason = reason

	rec := Realize(closed, m.scheme, m.rules.FeeRate, m.rules.FundingRateHourly)

	m.pos = nil
	m.exitIntent = ""
	m.lastClosed = &closed
	m.closedIDs[closed.ID] = struct{}{}
	m.emit(EventClosed, "", string(reason), ts)
	return rec, nil
}

// ExpirePending treats in-flight orders older than the pending timeout as
// failed: a pending entry frees the slot and a pending exit reverts to OPEN.
// It returns the intent ids that timed out.
func (m *Manager) ExpirePending(now time.Time) []string {
	timeout := m.rules.PendingTimeout
	if timeout <= 0 {
		return nil
	}
	var expired []string
	if m.pending != nil && now.Sub(m.pending.since) >= timeout {
		id := m.pending.entry.IntentID
		m.CancelEntry(id, "pending timeout", now)
		expired = append(expired, id)
	}
	if m.pos != nil && m.pos.Pending == domain.PendingExit && now.Sub(m.pos.PendingSince) >= timeout {
		id := m.exitIntent
		m.AbortExit(id, "pending timeout", now)
		expired = append(expired, id)
	}
	return expired
}

// Realize computes the ledger record of a closed position:
// gross = (exit-entry) * sign * size, fees on entry and exit notional,
// funding on entry notional per hour held, net = gross - fees - funding.
func Realize(p domain.Position, scheme string, feeRate, fundingHourly float64) domain.TradeRecord {
	entry := decimal.NewFromFloat(p.EntryPrice)
	exit := decimal.NewFromFloat(p.ExitPrice)
	size := decimal.NewFromFloat(p.Size)
	sign := decimal.NewFromFloat(p.Direction.Sign())

	gross := exit.Sub(entry).Mul(sign).Mul(size)
	entryNotional := entry.Mul(size)
	exitNotional := exit.Mul(size)
	fees := entryNotional.Add(exitNotional).Mul(decimal.NewFromFloat(feeRate))

	held := p.ExitTime.Sub(p.EntryTime)
	if held < 0 {
		held = 0
	}
	hours := decimal.NewFromFloat(held.Hours())
	funding := entryNotional.Mul(decimal.NewFromFloat(fundingHourly)).Mul(hours)

	return domain.TradeRecord{
		PositionID:      p.ID,
		InstanceKey:     p.InstanceKey,
		Scheme:          scheme,
		Symbol:          p.Symbol,
		Direction:       p.Direction,
		EntryPrice:      p.EntryPrice,
		ExitPrice:       p.ExitPrice,
		Size:            p.Size,
		Leverage:        p.Leverage,
		EntryTime:       p.EntryTime,
		ExitTime:        p.ExitTime,
		HoldingDuration: held,
		GrossPnL:        gross,
		Fees:            fees,
		Funding:         funding,
		NetPnL:          gross.Sub(fees).Sub(funding),
		ExitReason:      p.ExitReason,
	}
}
