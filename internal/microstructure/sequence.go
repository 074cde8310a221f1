package microstructure

import (
	"time"

	"github.com/alanyoungcy/microflow/internal/domain"
)

type streamKey struct {
	symbol string
	kind   domain.EventKind
}

type fingerprint struct {
	a, b, c, d float64
	n          int
}

type streamMark struct {
	seq    int64
	ts     time.Time
	sameTS []fingerprint
}

// SequenceGuard drops replayed, duplicate and out-of-order market events.
// Book and trade streams of each symbol are tracked independently. Events
// with a sequence number are ordered by it; all events must be
// non-decreasing in timestamp, and an event identical to one already seen at
// the same timestamp is a duplicate.
type SequenceGuard struct {
	marks   map[streamKey]*streamMark
	dropped int64
}

func NewSequenceGuard() *SequenceGuard {
	return &SequenceGuard{marks: make(map[streamKey]*streamMark)}
}

// Accept reports whether ev should be processed and records it if so.
func (g *SequenceGuard) Accept(ev domain.MarketEvent) bool {
	key := streamKey{symbol: ev.Symbol, kind: ev.Kind}
	m, ok := g.marks[key]
	if !ok {
		g.marks[key] = &streamMark{seq: ev.Sequence, ts: ev.Timestamp, sameTS: []fingerprint{fingerprintOf(ev)}}
		return true
	}

	if ev.Sequence > 0 && m.seq > 0 && ev.Sequence <= m.seq {
		g.dropped++
		return false
	}
	if ev.Timestamp.Before(m.ts) {
		g.dropped++
		return false
	}

	fp := fingerprintOf(ev)
	if ev.Timestamp.Equal(m.ts) {
		if ev.Sequence == 0 {
			for _, seen := range m.sameTS {
				if seen == fp {
					g.dropped++
					return false
				}
			}
		}
		m.sameTS = append(m.sameTS, fp)
	} else {
		m.ts = ev.Timestamp
		m.sameTS = append(m.sameTS[:0], fp)
	}
	if ev.Sequence > 0 {
		m.seq = ev.Sequence
	}
	return true
}

// Dropped returns the number of rejected events.
func (g *SequenceGuard) Dropped() int64 { return g.dropped }

func fingerprintOf(ev domain.MarketEvent) fingerprint {
	switch {
	case ev.Trade != nil:
		fp := fingerprint{a: ev.Trade.Price, b: ev.Trade.Quantity}
		if ev.Trade.IsBuyerMaker != nil {
			fp.n = 1
			if *ev.Trade.IsBuyerMaker {
				fp.n = 2
			}
		}
		return fp
	case ev.Book != nil:
		fp := fingerprint{n: len(ev.Book.Bids)<<16 | len(ev.Book.Asks)}
		if bid, ok := ev.Book.BestBid(); ok {
			fp.a, fp.b = bid.Price, bid.Size
		}
		if ask, ok := ev.Book.BestAsk(); ok {
			fp.c, fp.d = ask.Price, ask.Size
		}
		return fp
	default:
		return fingerprint{}
	}
}
