package microstructure

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// OBISample is one order-book imbalance reading. Valid is false when the
// top-K book carried no volume; Value is then 0 and must not be treated as
// directional evidence.
type OBISample struct {
	Value float64
	Valid bool
	Time  time.Time
}

// OBI computes top-K order-book imbalance and its rate of change.
type OBI struct {
	depth   int
	lag     int
	samples *Window[OBISample]
	last    OBISample
	// |velocity| history used to normalise velocity into [-1, 1]
	velScale *Stats
}

// NewOBI returns an OBI calculator over the top depth levels whose velocity
// compares against the sample lag steps back.
func NewOBI(depth, lag, scaleHistory int) (*OBI, error) {
	if depth < 1 {
		return nil, fmt.Errorf("microstructure: obi depth must be >= 1, got %d", depth)
	}
	if lag < 1 {
		return nil, fmt.Errorf("microstructure: obi velocity lag must be >= 1, got %d", lag)
	}
	return &OBI{
		depth:    depth,
		lag:      lag,
		samples:  NewWindow[OBISample](lag + 1),
		velScale: NewStats(scaleHistory),
	}, nil
}

// Update consumes a snapshot and returns the new reading. Only valid
// readings enter the velocity window.
func (o *OBI) Update(snap domain.MarketSnapshot) OBISample {
	bidVol := sumTop(snap.Bids, o.depth)
	askVol := sumTop(snap.Asks, o.depth)
	total := bidVol + askVol

	s := OBISample{Time: snap.Timestamp}
	if total > 0 {
		s.Value = clamp((bidVol-askVol)/total, -1, 1)
		s.Valid = true
		o.samples.Push(s)
		if o.samples.Len() >= 2 {
			v := o.Velocity()
			if v < 0 {
				v = -v
			}
			o.velScale.Push(v)
		}
	}
	o.last = s
	return s
}

// Last returns the most recent reading, valid or not.
func (o *OBI) Last() OBISample { return o.last }

// Velocity is (obi_now - obi_k_ago) / elapsed seconds over valid samples,
// using the oldest retained sample when fewer than lag+1 exist. It is 0 with
// fewer than 2 samples or a non-positive elapsed time.
func (o *OBI) Velocity() float64 {
	n := o.samples.Len()
	if n < 2 {
		return 0
	}
	now, _ := o.samples.Back(0)
	then := o.samples.At(0)
	elapsed := now.Time.Sub(then.Time).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return (now.Value - then.Value) / elapsed
}

// VelocityReady reports whether the window spans a positive time with at
// least two samples.
func (o *OBI) VelocityReady() bool {
	if o.samples.Len() < 2 {
		return false
	}
	now, _ := o.samples.Back(0)
	return now.Time.After(o.samples.At(0).Time)
}

// VelocityScale returns the p-quantile of recent |velocity| values once at
// least minSamples have been observed.
func (o *OBI) VelocityScale(p float64, minSamples int) (float64, bool) {
	if o.velScale.Len() < minSamples {
		return 0, false
	}
	v, ok := o.velScale.Percentile(p)
	if !ok || v <= 0 {
		return 0, false
	}
	return v, true
}

// History returns the valid samples currently in the velocity window.
func (o *OBI) History() []OBISample { return o.samples.Values() }

func (o *OBI) Reset() {
	o.samples.Reset()
	o.velScale.Reset()
	o.last = OBISample{}
}

func sumTop(levels []domain.PriceLevel, k int) float64 {
	var sum float64
	for i := 0; i < len(levels) && i < k; i++ {
		if levels[i].Size > 0 {
			sum += levels[i].Size
		}
	}
	return sum
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
