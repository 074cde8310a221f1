package domain

import (
	"encoding/json"
	"math"
	"time"
)

// RiskLevel classifies market health. Levels are ordered by severity.
type RiskLevel string

const (
	RiskSafe     RiskLevel = "SAFE"
	RiskWarning  RiskLevel = "WARNING"
	RiskDanger   RiskLevel = "DANGER"
	RiskCritical RiskLevel = "CRITICAL"
)

// Severity maps the level to 0 (SAFE) .. 3 (CRITICAL). Unknown levels are
// treated as CRITICAL.
func (r RiskLevel) Severity() int {
	switch r {
	case RiskSafe:
		return 0
	case RiskWarning:
		return 1
	case RiskDanger:
		return 2
	default:
		return 3
	}
}

// Max returns the more severe of two levels.
func (r RiskLevel) Max(o RiskLevel) RiskLevel {
	if o.Severity() > r.Severity() {
		return o
	}
	return r
}

// Bps is a basis-point value that may hold the +Inf sentinel for a
// degenerate book. It encodes +Inf as JSON null.
type Bps float64

func (b Bps) MarshalJSON() ([]byte, error) {
	f := float64(b)
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return []byte("null"), nil
	}
	return json.Marshal(f)
}

func (b *Bps) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = Bps(math.Inf(1))
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*b = Bps(f)
	return nil
}

// RegimeAssessment is the output of the regime layer. VPIN is nil while the
// estimator is still warming up.
type RegimeAssessment struct {
	RiskLevel       RiskLevel `json:"risk_level"`
	VPIN            *float64  `json:"vpin"`
	SpreadBps       Bps       `json:"spread_bps"`
	Depth           float64   `json:"depth"`
	DepthImbalance  float64   `json:"depth_imbalance"`
	BlockingReasons []string  `json:"blocking_reasons,omitempty"`
	Timestamp       time.Time `json:"ts"`
}

// Degenerate reports the empty/crossed-book sentinel.
func (a RegimeAssessment) Degenerate() bool {
	return math.IsInf(float64(a.SpreadBps), 1) || a.Depth == 0
}
