package microstructure

import (
	"fmt"
	"math"
	"time"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// SpreadDepthReading is one liquidity observation. On an empty or crossed
// book SpreadBps is +Inf, Depth is 0 and Valid is false.
type SpreadDepthReading struct {
	SpreadBps      float64
	Depth          float64
	BidDepth       float64
	AskDepth       float64
	DepthImbalance float64
	Valid          bool
	Time           time.Time
}

// SpreadDepth tracks bid-ask spread and top-of-book depth.
type SpreadDepth struct {
	levels  int
	last    SpreadDepthReading
	spreads *Stats
}

func NewSpreadDepth(levels, history int) (*SpreadDepth, error) {
	if levels < 1 {
		return nil, fmt.Errorf("microstructure: depth levels must be >= 1, got %d", levels)
	}
	return &SpreadDepth{
		levels:  levels,
		last:    degenerate(time.Time{}),
		spreads: NewStats(history),
	}, nil
}

func (m *SpreadDepth) Update(snap domain.MarketSnapshot) SpreadDepthReading {
	bid, okb := snap.BestBid()
	ask, oka := snap.BestAsk()
	mid, _ := snap.Mid()
	if !okb || !oka || ask.Price <= bid.Price || mid <= 0 {
		m.last = degenerate(snap.Timestamp)
		return m.last
	}

	r := SpreadDepthReading{
		SpreadBps: (ask.Price - bid.Price) / mid * 10000,
		BidDepth:  sumTop(snap.Bids, m.levels),
		AskDepth:  sumTop(snap.Asks, m.levels),
		Valid:     true,
		Time:      snap.Timestamp,
	}
	r.Depth = r.BidDepth + r.AskDepth
	if r.Depth > 0 {
		r.DepthImbalance = (r.BidDepth - r.AskDepth) / r.Depth
	}
	m.spreads.Push(r.SpreadBps)
	m.last = r
	return r
}

func (m *SpreadDepth) Last() SpreadDepthReading { return m.last }

// MeanSpread is the mean of recent valid spreads.
func (m *SpreadDepth) MeanSpread() (float64, bool) { return m.spreads.Mean() }

// History returns recent valid spreads, oldest first.
func (m *SpreadDepth) History() []float64 { return m.spreads.Values() }

func (m *SpreadDepth) Reset() {
	m.spreads.Reset()
	m.last = degenerate(time.Time{})
}

func degenerate(ts time.Time) SpreadDepthReading {
	return SpreadDepthReading{SpreadBps: math.Inf(1), Time: ts}
}
