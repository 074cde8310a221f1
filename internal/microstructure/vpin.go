package microstructure

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/microflow/internal/domain"
)

// VPIN trend labels.
const (
	TrendIncreasing = "INCREASING"
	TrendDecreasing = "DECREASING"
	TrendStable     = "STABLE"
	TrendUnknown    = "UNKNOWN"
)

const trendThreshold = 0.01

// VPIN estimates order-flow toxicity from volume-synchronised buckets.
type VPIN struct {
	bucketSize  float64
	numBuckets  int
	useNotional bool

	classifier *Classifier
	buy        float64
	sell       float64
	unknown    float64
	history    *Window[float64]
	completed  int64
}

// NewVPIN returns an estimator whose buckets close every bucketSize units of
// volume (base quantity, or quote notional when useNotional is set) and which
// averages over the last numBuckets buckets.
func NewVPIN(bucketSize float64, numBuckets int, useNotional bool) (*VPIN, error) {
	if bucketSize <= 0 {
		return nil, fmt.Errorf("microstructure: vpin bucket size must be > 0, got %v", bucketSize)
	}
	if numBuckets < 1 {
		return nil, fmt.Errorf("microstructure: vpin num buckets must be >= 1, got %d", numBuckets)
	}
	return &VPIN{
		bucketSize:  bucketSize,
		numBuckets:  numBuckets,
		useNotional: useNotional,
		classifier:  NewClassifier(),
		history:     NewWindow[float64](numBuckets),
	}, nil
}

// ProcessTrade classifies t and pours its volume into the open bucket,
// closing as many buckets as it fills. Volume beyond a bucket's capacity
// carries into the next one. It returns the number of buckets closed.
// Non-finite or non-positive volume is ignored.
func (v *VPIN) ProcessTrade(t domain.Trade) int {
	qty := t.Quantity
	if v.useNotional {
		qty = t.Notional()
	}
	if !(qty > 0) || math.IsInf(qty, 1) {
		return 0
	}
	side := v.classifier.Classify(t)

	room := v.bucketSize - (v.buy + v.sell + v.unknown)
	if qty < room {
		v.add(side, qty)
		return 0
	}
	v.add(side, room)
	v.closeBucket()
	rem := qty - room

	// every further full bucket is one-sided; only the last numBuckets
	// of them can survive in the history
	full := math.Floor(rem / v.bucketSize)
	rem -= full * v.bucketSize
	if rem < 0 || rem >= v.bucketSize {
		rem = 0
	}
	k := int64(maxClosedPerTrade)
	if full < maxClosedPerTrade {
		k = int64(full)
	}
	imbalance := 0.0
	if side == domain.SideBuy || side == domain.SideSell {
		imbalance = 1
	}
	for i := int64(0); i < k && i < int64(v.numBuckets); i++ {
		v.history.Push(imbalance)
	}
	v.completed += k
	if rem > 0 {
		v.add(side, rem)
	}
	return int(k) + 1
}

// maxClosedPerTrade bounds the bucket count a single trade can report.
const maxClosedPerTrade = 1 << 40

func (v *VPIN) add(side domain.Side, qty float64) {
	switch side {
	case domain.SideBuy:
		v.buy += qty
	case domain.SideSell:
		v.sell += qty
	default:
		// unclassified volume fills the bucket without moving the imbalance
		v.unknown += qty
	}
}

func (v *VPIN) closeBucket() {
	diff := v.buy - v.sell
	if diff < 0 {
		diff = -diff
	}
	v.history.Push(clamp(diff/v.bucketSize, 0, 1))
	v.completed++
	v.buy, v.sell, v.unknown = 0, 0, 0
}

// Value returns the mean imbalance over the last numBuckets buckets. ok is
// false during warm-up, which callers must treat as maximum risk rather than
// as a low reading.
func (v *VPIN) Value() (float64, bool) {
	if v.history.Len() < v.numBuckets {
		return 0, false
	}
	var sum float64
	for i := 0; i < v.history.Len(); i++ {
		sum += v.history.At(i)
	}
	return sum / float64(v.history.Len()), true
}

// Completed is the number of buckets closed since construction or Reset.
func (v *VPIN) Completed() int64 { return v.completed }

// History returns the retained bucket imbalances, oldest first.
func (v *VPIN) History() []float64 { return v.history.Values() }

// OpenBucket returns the buy, sell and total volume of the bucket being filled.
func (v *VPIN) OpenBucket() (buy, sell, total float64) {
	return v.buy, v.sell, v.buy + v.sell + v.unknown
}

// Trend fits a least-squares slope over the bucket history.
func (v *VPIN) Trend() string {
	n := v.history.Len()
	if n < 3 {
		return TrendUnknown
	}
	var sx, sy, sxx, sxy float64
	for i := 0; i < n; i++ {
		x := float64(i)
		y := v.history.At(i)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	fn := float64(n)
	den := fn*sxx - sx*sx
	if den == 0 {
		return TrendStable
	}
	slope := (fn*sxy - sx*sy) / den
	switch {
	case slope > trendThreshold:
		return TrendIncreasing
	case slope < -trendThreshold:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

func (v *VPIN) Reset() {
	v.classifier.Reset()
	v.history.Reset()
	v.buy, v.sell, v.unknown = 0, 0, 0
	v.completed = 0
}

// Toxicity labels a VPIN value for diagnostics.
func Toxicity(vpin float64, ok bool) string {
	switch {
	case !ok:
		return "WARMING_UP"
	case vpin < 0.3:
		return "LOW"
	case vpin < 0.5:
		return "MEDIUM"
	case vpin < 0.7:
		return "HIGH"
	default:
		return "CRITICAL"
	}
}
