// Package microstructure holds the per-instance market microstructure
// calculators. None of the types here are safe for concurrent use; each
// strategy instance owns its own set and drives it from one goroutine.
package microstructure

import (
	"math"
	"slices"
)

// Window is a fixed-capacity FIFO ring. Pushing beyond capacity evicts the
// oldest element.
type Window[T any] struct {
	buf  []T
	head int
	n    int
}

// NewWindow returns an empty window holding at most capacity elements.
// Capacities below 1 are raised to 1.
func NewWindow[T any](capacity int) *Window[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Window[T]{buf: make([]T, capacity)}
}

// Push appends v. When the window is full the oldest element is evicted and
// returned with ok set.
func (w *Window[T]) Push(v T) (evicted T, ok bool) {
	if w.n < len(w.buf) {
		w.buf[(w.head+w.n)%len(w.buf)] = v
		w.n++
		return evicted, false
	}
	evicted = w.buf[w.head]
	w.buf[w.head] = v
	w.head = (w.head + 1) % len(w.buf)
	return evicted, true
}

func (w *Window[T]) Len() int { return w.n }
func (w *Window[T]) Cap() int { return len(w.buf) }

// Full reports whether the window holds Cap elements.
func (w *Window[T]) Full() bool { return w.n == len(w.buf) }

// At returns the i-th element, oldest first. It panics when i is out of range.
func (w *Window[T]) At(i int) T {
	if i < 0 || i >= w.n {
		panic("microstructure: window index out of range")
	}
	return w.buf[(w.head+i)%len(w.buf)]
}

// Back returns the element k steps before the newest (k=0 is the newest).
func (w *Window[T]) Back(k int) (T, bool) {
	var zero T
	if k < 0 || k >= w.n {
		return zero, false
	}
	return w.At(w.n - 1 - k), true
}

// Values copies the contents, oldest first.
func (w *Window[T]) Values() []T {
	out := make([]T, w.n)
	for i := range out {
		out[i] = w.At(i)
	}
	return out
}

func (w *Window[T]) Reset() {
	var zero T
	for i := range w.buf {
		w.buf[i] = zero
	}
	w.head, w.n = 0, 0
}

// Stats is a rolling window of float64 samples with O(1) mean and standard
// deviation. A sorted copy of the window is maintained on push so that
// percentiles never sort.
type Stats struct {
	w      *Window[float64]
	sorted []float64
	sum    float64
	sumSq  float64
}

func NewStats(capacity int) *Stats {
	w := NewWindow[float64](capacity)
	return &Stats{w: w, sorted: make([]float64, 0, w.Cap())}
}

// Push appends v, evicting the oldest sample when full.
func (s *Stats) Push(v float64) {
	old, evicted := s.w.Push(v)
	if evicted {
		s.sum -= old
		s.sumSq -= old * old
		if i, found := slices.BinarySearch(s.sorted, old); found {
			s.sorted = slices.Delete(s.sorted, i, i+1)
		}
	}
	s.sum += v
	s.sumSq += v * v
	i, _ := slices.BinarySearch(s.sorted, v)
	s.sorted = slices.Insert(s.sorted, i, v)
}

func (s *Stats) Len() int     { return s.w.Len() }
func (s *Stats) Sum() float64 { return s.sum }

// Mean returns the window mean. ok is false with fewer than 2 samples so that
// "no data" is never confused with a real zero.
func (s *Stats) Mean() (float64, bool) {
	n := s.w.Len()
	if n < 2 {
		return 0, false
	}
	return s.sum / float64(n), true
}

// Std returns the population standard deviation. ok is false with fewer than
// 2 samples.
func (s *Stats) Std() (float64, bool) {
	n := s.w.Len()
	if n < 2 {
		return 0, false
	}
	mean := s.sum / float64(n)
	variance := s.sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance), true
}

// Percentile returns the p-quantile (0..1) with linear interpolation. ok is
// false when the window is empty.
func (s *Stats) Percentile(p float64) (float64, bool) {
	vals := s.sorted
	if len(vals) == 0 {
		return 0, false
	}
	if p <= 0 {
		return vals[0], true
	}
	if p >= 1 {
		return vals[len(vals)-1], true
	}
	pos := p * float64(len(vals)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return vals[lo] + (vals[hi]-vals[lo])*frac, true
}

func (s *Stats) Values() []float64 { return s.w.Values() }

func (s *Stats) Reset() {
	s.w.Reset()
	s.sorted = s.sorted[:0]
	s.sum, s.sumSq = 0, 0
}
