package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/alanyoungcy/microflow/internal/domain"
	"github.com/alanyoungcy/microflow/internal/microstructure"
)

// RegimeInput is the market-health read-out the filter evaluates.
type RegimeInput struct {
	VPIN           float64
	VPINReady      bool
	SpreadBps      float64
	Depth          float64
	DepthImbalance float64
	Time           time.Time
}

// RegimeInputFrom extracts the filter inputs from a calculator snapshot.
func RegimeInputFrom(s microstructure.Snapshot, ts time.Time) RegimeInput {
	return RegimeInput{
		VPIN:           s.VPIN,
		VPINReady:      s.VPINReady,
		SpreadBps:      s.Spread.SpreadBps,
		Depth:          s.Spread.Depth,
		DepthImbalance: s.Spread.DepthImbalance,
		Time:           ts,
	}
}

// Admission is the regime layer's verdict on a new entry.
type Admission struct {
	Allowed  bool
	Override bool
	Reason   string
}

// RegimeFilter classifies market health and gates entries. It never changes
// signal direction.
type RegimeFilter struct {
	t RegimeThresholds
}

func NewRegimeFilter(t RegimeThresholds) *RegimeFilter {
	return &RegimeFilter{t: t}
}

// Assess resolves the risk level. Rules run in fixed order and the first
// matching level wins; every trigger of that level is reported. Depth
// imbalance runs last and can only raise the level.
func (f *RegimeFilter) Assess(in RegimeInput) domain.RegimeAssessment {
	a := domain.RegimeAssessment{
		SpreadBps:      domain.Bps(in.SpreadBps),
		Depth:          in.Depth,
		DepthImbalance: in.DepthImbalance,
		Timestamp:      in.Time,
	}
	if in.VPINReady {
		v := in.VPIN
		a.VPIN = &v
	}

	t := f.t
	switch {
	case !in.VPINReady:
		a.RiskLevel = domain.RiskCritical
		a.BlockingReasons = []string{"insufficient warm-up data: vpin not ready"}
		return a
	case math.IsInf(in.SpreadBps, 1) || math.IsNaN(in.SpreadBps) || in.Depth == 0:
		a.RiskLevel = domain.RiskCritical
		a.BlockingReasons = []string{"degenerate book: empty or crossed"}
		return a
	}

	var reasons []string
	level := domain.RiskSafe
	if in.VPIN >= t.VPINCritical {
		reasons = append(reasons, fmt.Sprintf("vpin %.3f >= critical %.2f", in.VPIN, t.VPINCritical))
	}
	if in.SpreadBps > t.SpreadCriticalBps {
		reasons = append(reasons, fmt.Sprintf("spread %.2fbps > critical %.2fbps", in.SpreadBps, t.SpreadCriticalBps))
	}
	if len(reasons) > 0 {
		level = domain.RiskCritical
	} else {
		if in.VPIN >= t.VPINDanger {
			reasons = append(reasons, fmt.Sprintf("vpin %.3f >= danger %.2f", in.VPIN, t.VPINDanger))
		}
		if in.SpreadBps > t.SpreadDangerBps {
			reasons = append(reasons, fmt.Sprintf("spread %.2fbps > danger %.2fbps", in.SpreadBps, t.SpreadDangerBps))
		}
		if in.Depth < t.MinDepth {
			reasons = append(reasons, fmt.Sprintf("depth %.3f < min %.3f", in.Depth, t.MinDepth))
		}
		if len(reasons) > 0 {
			level = domain.RiskDanger
		} else {
			if in.VPIN >= t.VPINWarning {
				reasons = append(reasons, fmt.Sprintf("vpin %.3f >= warning %.2f", in.VPIN, t.VPINWarning))
			}
			if in.SpreadBps > t.SpreadWarningBps {
				reasons = append(reasons, fmt.Sprintf("spread %.2fbps > warning %.2fbps", in.SpreadBps, t.SpreadWarningBps))
			}
			if len(reasons) > 0 {
				level = domain.RiskWarning
			}
		}
	}

	if imb, reason := f.imbalanceLevel(in.DepthImbalance); imb.Severity() > level.Severity() {
		level = imb
		reasons = append(reasons, reason)
	}
	a.RiskLevel = level
	a.BlockingReasons = reasons
	return a
}

func (f *RegimeFilter) imbalanceLevel(imbalance float64) (domain.RiskLevel, string) {
	t := f.t
	if t.ImbalanceCritical == 0 {
		return domain.RiskSafe, ""
	}
	abs := math.Abs(imbalance)
	switch {
	case abs > t.ImbalanceCritical:
		return domain.RiskCritical, fmt.Sprintf("depth imbalance %.2f > critical %.2f", abs, t.ImbalanceCritical)
	case abs > t.ImbalanceDanger:
		return domain.RiskDanger, fmt.Sprintf("depth imbalance %.2f > danger %.2f", abs, t.ImbalanceDanger)
	case abs > t.ImbalanceWarning:
		return domain.RiskWarning, fmt.Sprintf("depth imbalance %.2f > warning %.2f", abs, t.ImbalanceWarning)
	default:
		return domain.RiskSafe, ""
	}
}

// Admit applies the gating policy. CRITICAL blocks every entry. DANGER
// blocks unless confidence reaches the override threshold (inclusive).
// WARNING and SAFE admit; sizing handles the WARNING reduction.
func (f *RegimeFilter) Admit(sig domain.Signal, a domain.RegimeAssessment) Admission {
	switch a.RiskLevel {
	case domain.RiskSafe, domain.RiskWarning:
		return Admission{Allowed: true}
	case domain.RiskDanger:
		if sig.Confidence >= f.t.DangerOverride {
			return Admission{Allowed: true, Override: true, Reason: "danger override: high confidence"}
		}
		return Admission{Reason: fmt.Sprintf("regime DANGER: confidence %.3f below override %.2f", sig.Confidence, f.t.DangerOverride)}
	default:
		return Admission{Reason: "regime CRITICAL: entries blocked"}
	}
}
