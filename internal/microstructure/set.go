package microstructure

import (
	"github.com/alanyoungcy/microflow/internal/domain"
)

// Params configures a calculator Set.
type Params struct {
	OBIDepth           int     `toml:"obi_depth" json:"obi_depth"`
	OBIVelocityLag     int     `toml:"obi_velocity_lag" json:"obi_velocity_lag"`
	SignedVolumeWindow int     `toml:"signed_volume_window" json:"signed_volume_window"`
	VPINBucketSize     float64 `toml:"vpin_bucket_size" json:"vpin_bucket_size"`
	VPINNumBuckets     int     `toml:"vpin_num_buckets" json:"vpin_num_buckets"`
	VPINUseNotional    bool    `toml:"vpin_use_notional" json:"vpin_use_notional"`
	DepthLevels        int     `toml:"depth_levels" json:"depth_levels"`
	ScaleHistory       int     `toml:"scale_history" json:"scale_history"`
	ScalePercentile    float64 `toml:"scale_percentile" json:"scale_percentile"`
	ScaleMinSamples    int     `toml:"scale_min_samples" json:"scale_min_samples"`
}

// DefaultParams mirrors the research defaults: 5-level OBI, 100-trade signed
// volume, $50k VPIN buckets averaged over 50.
func DefaultParams() Params {
	return Params{
		OBIDepth:           5,
		OBIVelocityLag:     5,
		SignedVolumeWindow: 100,
		VPINBucketSize:     50000,
		VPINNumBuckets:     50,
		VPINUseNotional:    true,
		DepthLevels:        5,
		ScaleHistory:       500,
		ScalePercentile:    0.9,
		ScaleMinSamples:    20,
	}
}

// Validate returns every problem with p; nil means valid.
func (p Params) Validate() []string {
	var problems []string
	if p.OBIDepth < 1 {
		problems = append(problems, "calculators.obi_depth must be >= 1")
	}
	if p.OBIVelocityLag < 1 {
		problems = append(problems, "calculators.obi_velocity_lag must be >= 1")
	}
	if p.SignedVolumeWindow < 1 {
		problems = append(problems, "calculators.signed_volume_window must be >= 1")
	}
	if p.VPINBucketSize <= 0 {
		problems = append(problems, "calculators.vpin_bucket_size must be > 0")
	}
	if p.VPINNumBuckets < 1 {
		problems = append(problems, "calculators.vpin_num_buckets must be >= 1")
	}
	if p.DepthLevels < 1 {
		problems = append(problems, "calculators.depth_levels must be >= 1")
	}
	if p.ScaleHistory < 1 {
		problems = append(problems, "calculators.scale_history must be >= 1")
	}
	if p.ScalePercentile <= 0 || p.ScalePercentile > 1 {
		problems = append(problems, "calculators.scale_percentile must be in (0, 1]")
	}
	if p.ScaleMinSamples < 1 || p.ScaleMinSamples > p.ScaleHistory {
		problems = append(problems, "calculators.scale_min_samples must be in [1, scale_history]")
	}
	return problems
}

// Set is the full calculator chain owned by one strategy instance.
type Set struct {
	params Params

	OBI          *OBI
	SignedVolume *SignedVolume
	VPIN         *VPIN
	SpreadDepth  *SpreadDepth
	Microprice   *Microprice

	lastPrice float64
}

func NewSet(p Params) (*Set, error) {
	obi, err := NewOBI(p.OBIDepth, p.OBIVelocityLag, p.ScaleHistory)
	if err != nil {
		return nil, err
	}
	sv, err := NewSignedVolume(p.SignedVolumeWindow, p.ScaleHistory)
	if err != nil {
		return nil, err
	}
	vpin, err := NewVPIN(p.VPINBucketSize, p.VPINNumBuckets, p.VPINUseNotional)
	if err != nil {
		return nil, err
	}
	sd, err := NewSpreadDepth(p.DepthLevels, p.ScaleHistory)
	if err != nil {
		return nil, err
	}
	return &Set{
		params:       p,
		OBI:          obi,
		SignedVolume: sv,
		VPIN:         vpin,
		SpreadDepth:  sd,
		Microprice:   NewMicroprice(),
	}, nil
}

func (s *Set) Params() Params { return s.params }

// Apply routes one market event through the calculators it concerns.
func (s *Set) Apply(ev domain.MarketEvent) {
	switch {
	case ev.Kind == domain.EventBook && ev.Book != nil:
		s.OBI.Update(*ev.Book)
		s.SpreadDepth.Update(*ev.Book)
		m := s.Microprice.Update(*ev.Book)
		if m.Mid > 0 {
			s.lastPrice = m.Mid
		}
	case ev.Kind == domain.EventTrade && ev.Trade != nil:
		s.SignedVolume.AddTrade(*ev.Trade)
		s.VPIN.ProcessTrade(*ev.Trade)
		s.lastPrice = ev.Trade.Price
	}
}

// Snapshot is the latest read-out of every calculator.
type Snapshot struct {
	OBI               OBISample
	OBIVelocity       float64
	OBIVelocityOK     bool
	VelocityScale     float64
	VelocityScaleOK   bool
	SignedVolume      float64
	SignedVolumeScale float64
	SignedVolumeOK    bool
	TradesSeen        bool
	VPIN              float64
	VPINReady         bool
	Spread            SpreadDepthReading
	Micro             MicropriceReading
	LastPrice         float64
}

func (s *Set) Snapshot() Snapshot {
	vpin, ready := s.VPIN.Value()
	velScale, velOK := s.OBI.VelocityScale(s.params.ScalePercentile, s.params.ScaleMinSamples)
	svScale, svOK := s.SignedVolume.Scale(s.params.ScalePercentile, s.params.ScaleMinSamples)
	return Snapshot{
		OBI:               s.OBI.Last(),
		OBIVelocity:       s.OBI.Velocity(),
		OBIVelocityOK:     s.OBI.VelocityReady(),
		VelocityScale:     velScale,
		VelocityScaleOK:   velOK,
		SignedVolume:      s.SignedVolume.Total(),
		SignedVolumeScale: svScale,
		SignedVolumeOK:    svOK,
		TradesSeen:        s.SignedVolume.window.Len() > 0,
		VPIN:              vpin,
		VPINReady:         ready,
		Spread:            s.SpreadDepth.Last(),
		Micro:             s.Microprice.Last(),
		LastPrice:         s.lastPrice,
	}
}

// Reset clears all calculator state.
func (s *Set) Reset() {
	s.OBI.Reset()
	s.SignedVolume.Reset()
	s.VPIN.Reset()
	s.SpreadDepth.Reset()
	s.Microprice.Reset()
	s.lastPrice = 0
}
