package microstructure

import "github.com/alanyoungcy/microflow/internal/domain"

// MicropriceReading is a depth-weighted fair price and its pressure against
// the mid. Pressure is positive under buy pressure.
type MicropriceReading struct {
	Microprice float64
	Mid        float64
	Pressure   float64
	Valid      bool
}

// Microprice derives the size-weighted fair price from the best levels.
type Microprice struct {
	last MicropriceReading
}

func NewMicroprice() *Microprice { return &Microprice{} }

// Update computes the reading for snap. An empty or crossed book is invalid.
// Zero resting size on both best levels yields the mid with zero pressure,
// flagged invalid because it carries no directional information.
func (m *Microprice) Update(snap domain.MarketSnapshot) MicropriceReading {
	bid, okb := snap.BestBid()
	ask, oka := snap.BestAsk()
	if !okb || !oka || ask.Price <= bid.Price {
		m.last = MicropriceReading{}
		return m.last
	}
	mid := (bid.Price + ask.Price) / 2
	total := bid.Size + ask.Size
	if total <= 0 {
		m.last = MicropriceReading{Microprice: mid, Mid: mid}
		return m.last
	}
	micro := (bid.Price*ask.Size + ask.Price*bid.Size) / total
	m.last = MicropriceReading{
		Microprice: micro,
		Mid:        mid,
		Pressure:   (micro - mid) / mid,
		Valid:      true,
	}
	return m.last
}

func (m *Microprice) Last() MicropriceReading { return m.last }

func (m *Microprice) Reset() { m.last = MicropriceReading{} }
