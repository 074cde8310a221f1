package strategy

import (
	"math"
	"time"

	"github.com/alanyoungcy/microflow/internal/domain"
	"github.com/alanyoungcy/microflow/internal/microstructure"
)

// SignalGenerator fuses the calculator read-outs into one directional score.
// It holds no state beyond its parameters.
type SignalGenerator struct {
	p SignalParams
}

// NewSignalGenerator rejects weights that do not sum to 1 (within 1e-9) or
// that are negative.
func NewSignalGenerator(p SignalParams) (*SignalGenerator, error) {
	w := p.Weights
	var problems []string
	if w.OBI < 0 || w.OBIVelocity < 0 || w.SignedVolume < 0 || w.Microprice < 0 {
		problems = append(problems, "signal weights must be >= 0")
	}
	if sum := w.Sum(); math.Abs(sum-1) > weightTolerance {
		problems = append(problems, "signal weights must sum to 1.0")
	}
	if p.MaxExpectedScore <= 0 {
		problems = append(problems, "signal.max_expected_score must be > 0")
	}
	if len(problems) > 0 {
		return nil, &domain.ConfigurationError{Problems: problems}
	}
	return &SignalGenerator{p: p}, nil
}

// Generate scores one tick. Components flagged invalid contribute nothing
// and are left out of the confidence base, so a degraded input narrows
// confidence instead of steering direction.
func (g *SignalGenerator) Generate(in microstructure.Snapshot, ts time.Time) domain.Signal {
	velScale := g.p.FallbackVelocityScale
	if in.VelocityScaleOK {
		velScale = in.VelocityScale
	}
	volScale := g.p.FallbackVolumeScale
	if in.SignedVolumeOK {
		volScale = in.SignedVolumeScale
	}

	w := g.p.Weights
	comps := map[string]domain.ComponentScore{
		domain.ComponentOBI:          component(in.OBI.Value, 1, w.OBI, in.OBI.Valid),
		domain.ComponentOBIVelocity:  component(in.OBIVelocity, velScale, w.OBIVelocity, in.OBIVelocityOK),
		domain.ComponentSignedVolume: component(in.SignedVolume, volScale, w.SignedVolume, in.TradesSeen),
		domain.ComponentMicroprice:   component(in.Micro.Pressure, g.p.PressureScale, w.Microprice, in.Micro.Valid),
	}

	var score, validWeight float64
	for _, name := range []string{
		domain.ComponentOBI, domain.ComponentOBIVelocity,
		domain.ComponentSignedVolume, domain.ComponentMicroprice,
	} {
		c := comps[name]
		if !c.Valid {
			continue
		}
		score += c.Contribution
		validWeight += c.Weight
	}

	sig := domain.Signal{
		Direction:  domain.DirectionNeutral,
		Score:      score,
		Components: comps,
		Timestamp:  ts,
	}
	if validWeight > 0 {
		sig.Confidence = math.Min(1, math.Abs(score)/(g.p.MaxExpectedScore*validWeight))
	}
	switch {
	case score > g.p.Threshold:
		sig.Direction = domain.DirectionLong
	case score < -g.p.Threshold:
		sig.Direction = domain.DirectionShort
	}
	return sig
}

func component(raw, scale, weight float64, valid bool) domain.ComponentScore {
	c := domain.ComponentScore{Raw: raw, Weight: weight, Valid: valid}
	if !valid || scale <= 0 || math.IsNaN(raw) || math.IsInf(raw, 0) {
		c.Valid = false
		return c
	}
	c.Normalized = clampUnit(raw / scale)
	c.Contribution = weight * c.Normalized
	return c
}

func clampUnit(v float64) float64 {
	return math.Max(-1, math.Min(1, v))
}
