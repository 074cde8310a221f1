package microstructure

import (
	"testing"

	"github.com/alanyoungcy/microflow/internal/domain"
)

func boolPtr(b bool) *bool { return &b }

func TestClassifier(t *testing.T) {
	tests := []struct {
		name   string
		trades []domain.Trade
		want   []domain.Side
	}{
		{
			name: "maker flag wins over tick rule",
			trades: []domain.Trade{
				{Price: 100, IsBuyerMaker: boolPtr(false)},
				{Price: 101, IsBuyerMaker: boolPtr(true)},
			},
			want: []domain.Side{domain.SideBuy, domain.SideSell},
		},
		{
			name: "tick rule",
			trades: []domain.Trade{
				{Price: 100},
				{Price: 101},
				{Price: 101},
				{Price: 99},
				{Price: 99},
			},
			want: []domain.Side{domain.SideUnknown, domain.SideBuy, domain.SideBuy, domain.SideSell, domain.SideSell},
		},
		{
			name: "unchanged price inherits flagged side",
			trades: []domain.Trade{
				{Price: 100, IsBuyerMaker: boolPtr(true)},
				{Price: 100},
			},
			want: []domain.Side{domain.SideSell, domain.SideSell},
		},
		{
			name: "pre-classified side is kept",
			trades: []domain.Trade{
				{Price: 100, Side: domain.SideSell},
				{Price: 101},
			},
			want: []domain.Side{domain.SideSell, domain.SideBuy},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier()
			for i, tr := range tt.trades {
				if got := c.Classify(tr); got != tt.want[i] {
					t.Fatalf("trade %d: side = %s, want %s", i, got, tt.want[i])
				}
			}
		})
	}
}
