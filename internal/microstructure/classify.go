package microstructure

import "github.com/alanyoungcy/microflow/internal/domain"

// Classifier assigns an aggressor side to trades. The exchange taker flag
// wins when present; otherwise the tick rule compares against the previous
// trade price and an unchanged price repeats the last known side.
type Classifier struct {
	lastPrice float64
	lastSide  domain.Side
	seen      bool
}

func NewClassifier() *Classifier {
	return &Classifier{lastSide: domain.SideUnknown}
}

// Classify returns the aggressor side of t and advances the tick-rule state.
func (c *Classifier) Classify(t domain.Trade) domain.Side {
	side := domain.SideUnknown
	switch {
	case t.IsBuyerMaker != nil:
		// buyer resting on the bid means the taker sold
		if *t.IsBuyerMaker {
			side = domain.SideSell
		} else {
			side = domain.SideBuy
		}
	case t.Side == domain.SideBuy || t.Side == domain.SideSell:
		side = t.Side
	case !c.seen:
		side = domain.SideUnknown
	case t.Price > c.lastPrice:
		side = domain.SideBuy
	case t.Price < c.lastPrice:
		side = domain.SideSell
	default:
		side = c.lastSide
	}

	c.lastPrice = t.Price
	c.seen = true
	if side != domain.SideUnknown {
		c.lastSide = side
	}
	return side
}

func (c *Classifier) Reset() {
	*c = Classifier{lastSide: domain.SideUnknown}
}
