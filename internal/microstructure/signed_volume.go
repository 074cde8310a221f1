package microstructure

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// SignedVolume keeps a count-bounded window of signed trade quantities:
// buys positive, sells negative, unclassified trades zero.
type SignedVolume struct {
	classifier *Classifier
	window     *Window[float64]
	scale      *Stats
}

func NewSignedVolume(window, scaleHistory int) (*SignedVolume, error) {
	if window < 1 {
		return nil, fmt.Errorf("microstructure: signed volume window must be >= 1, got %d", window)
	}
	return &SignedVolume{
		classifier: NewClassifier(),
		window:     NewWindow[float64](window),
		scale:      NewStats(scaleHistory),
	}, nil
}

// AddTrade classifies t and records its signed quantity.
func (s *SignedVolume) AddTrade(t domain.Trade) domain.Side {
	side := s.classifier.Classify(t)
	s.window.Push(side.Sign() * t.Quantity)
	s.scale.Push(math.Abs(s.Total()))
	return side
}

// Total is the net signed volume over the whole window; 0 before any trade.
func (s *SignedVolume) Total() float64 {
	return s.Last(s.window.Len())
}

// Last sums the n most recent signed quantities. n beyond the window size
// is capped.
func (s *SignedVolume) Last(n int) float64 {
	if n > s.window.Len() {
		n = s.window.Len()
	}
	var sum float64
	for k := n - 1; k >= 0; k-- {
		v, _ := s.window.Back(k)
		sum += v
	}
	return sum
}

// Scale returns the p-quantile of recent |net signed volume| once at least
// minSamples trades have been seen.
func (s *SignedVolume) Scale(p float64, minSamples int) (float64, bool) {
	if s.scale.Len() < minSamples {
		return 0, false
	}
	v, ok := s.scale.Percentile(p)
	if !ok || v <= 0 {
		return 0, false
	}
	return v, true
}

// History returns the signed quantities in the window, oldest first.
func (s *SignedVolume) History() []float64 { return s.window.Values() }

func (s *SignedVolume) Reset() {
	s.classifier.Reset()
	s.window.Reset()
	s.scale.Reset()
}
