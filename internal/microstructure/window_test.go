package microstructure

import (
	"math"
	"math/rand"
	"sort"
	"testing"
)

func TestWindowEvictsOldest(t *testing.T) {
	w := NewWindow[int](3)
	for i := 1; i <= 5; i++ {
		w.Push(i)
		if w.Len() > w.Cap() {
			t.Fatalf("len %d exceeds capacity %d", w.Len(), w.Cap())
		}
	}
	got := w.Values()
	want := []int{3, 4, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Values() = %v, want %v", got, want)
		}
	}
	if v, ok := w.Back(0); !ok || v != 5 {
		t.Fatalf("Back(0) = %v, %v", v, ok)
	}
	if v, ok := w.Back(2); !ok || v != 3 {
		t.Fatalf("Back(2) = %v, %v", v, ok)
	}
	if _, ok := w.Back(3); ok {
		t.Fatal("Back beyond length should fail")
	}
}

func TestWindowPushReportsEviction(t *testing.T) {
	w := NewWindow[string](1)
	if _, ok := w.Push("a"); ok {
		t.Fatal("first push should not evict")
	}
	old, ok := w.Push("b")
	if !ok || old != "a" {
		t.Fatalf("evicted = %q, %v", old, ok)
	}
}

func TestStatsNeedsTwoSamples(t *testing.T) {
	s := NewStats(10)
	if _, ok := s.Mean(); ok {
		t.Fatal("mean with no samples should not be ok")
	}
	s.Push(4)
	if _, ok := s.Mean(); ok {
		t.Fatal("mean with one sample should not be ok")
	}
	if _, ok := s.Std(); ok {
		t.Fatal("std with one sample should not be ok")
	}
	s.Push(8)
	mean, ok := s.Mean()
	if !ok || mean != 6 {
		t.Fatalf("mean = %v, %v", mean, ok)
	}
	std, ok := s.Std()
	if !ok || math.Abs(std-2) > 1e-12 {
		t.Fatalf("std = %v, %v", std, ok)
	}
}

func TestStatsRollingEviction(t *testing.T) {
	s := NewStats(3)
	for _, v := range []float64{100, 1, 2, 3} {
		s.Push(v)
	}
	mean, _ := s.Mean()
	if mean != 2 {
		t.Fatalf("mean = %v after eviction, want 2", mean)
	}
	if s.Sum() != 6 {
		t.Fatalf("sum = %v", s.Sum())
	}
}

func TestStatsPercentile(t *testing.T) {
	s := NewStats(5)
	for _, v := range []float64{5, 1, 4, 2, 3} {
		s.Push(v)
	}
	tests := []struct {
		p    float64
		want float64
	}{
		{0, 1}, {0.5, 3}, {1, 5}, {0.9, 4.6},
	}
	for _, tt := range tests {
		got, ok := s.Percentile(tt.p)
		if !ok || math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("Percentile(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}
	if _, ok := NewStats(3).Percentile(0.5); ok {
		t.Error("percentile of empty window should not be ok")
	}
}

func TestStatsPercentileTracksRollingWindow(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	s := NewStats(50)
	for i := 0; i < 1000; i++ {
		v := rng.NormFloat64()
		if i%7 == 0 {
			// repeated values must evict one copy at a time
			v = 0.5
		}
		s.Push(v)

		vals := s.Values()
		sort.Float64s(vals)
		for _, p := range []float64{0, 0.25, 0.9, 1} {
			got, ok := s.Percentile(p)
			pos := p * float64(len(vals)-1)
			lo, hi := int(math.Floor(pos)), int(math.Ceil(pos))
			want := vals[lo] + (vals[hi]-vals[lo])*(pos-float64(lo))
			if !ok || got != want {
				t.Fatalf("push %d: Percentile(%v) = %v, want %v", i, p, got, want)
			}
		}
	}
	s.Reset()
	if _, ok := s.Percentile(0.5); ok {
		t.Fatal("percentile after reset should not be ok")
	}
	s.Push(2)
	if got, _ := s.Percentile(0.5); got != 2 {
		t.Fatalf("Percentile after reset = %v, want 2", got)
	}
}
