// Package regime classifies the volatility of a prediction-error stream
// into one of three regimes and signals drift events that downstream
// schedulers react to.
package regime

import (
	"math"
)

// Regime is the current volatility classification, ordered by severity.
type Regime int

const (
	Calm Regime = iota
	PreStorm
	Storm
)

func (r Regime) String() string {
	switch r {
	case Calm:
		return "calm"
	case PreStorm:
		return "pre_storm"
	case Storm:
		return "storm"
	default:
		return "unknown"
	}
}

// ParseRegime maps a stored regime label back to its value. Unknown labels
// resolve to Calm.
func ParseRegime(s string) Regime {
	switch s {
	case "pre_storm":
		return PreStorm
	case "storm":
		return Storm
	default:
		return Calm
	}
}

// RegimeChange is the outcome of a single observation. The zero value means
// the observation stayed within the active threshold.
type RegimeChange struct {
	Drift        bool
	CurrentError float32
	Threshold    float32
}

// DetectorConfig holds the thresholds for drift detection and the
// hysteresis confirmation counts for regime transitions.
type DetectorConfig struct {
	// WindowSize is the number of recent error magnitudes retained for
	// short-horizon statistics.
	WindowSize int
	// RatioThreshold declares drift when a deviation exceeds the learned
	// baseline by this fraction (0.8 means 1.8x baseline).
	RatioThreshold float32
	// AbsThreshold is a hard ceiling independent of the learned baseline.
	AbsThreshold float32
	// BaselineAlpha is the EWMA smoothing factor for the typical error
	// magnitude.
	BaselineAlpha float32
	// EscalateAfter is the number of consecutive drift observations
	// required before the regime escalates one level.
	EscalateAfter int
	// DeescalateAfter is the number of consecutive calm observations
	// required before the regime de-escalates one level. Kept higher than
	// EscalateAfter so nodes ramp down slowly after a storm.
	DeescalateAfter int
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		WindowSize:      64,
		RatioThreshold:  0.8,
		AbsThreshold:    100.0,
		BaselineAlpha:   0.1,
		EscalateAfter:   3,
		DeescalateAfter: 5,
	}
}

func (c DetectorConfig) normalized() DetectorConfig {
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultDetectorConfig().WindowSize
	}
	if c.AbsThreshold <= 0 {
		c.AbsThreshold = DefaultDetectorConfig().AbsThreshold
	}
	if c.BaselineAlpha <= 0 || c.BaselineAlpha > 1 {
		c.BaselineAlpha = DefaultDetectorConfig().BaselineAlpha
	}
	if c.EscalateAfter < 1 {
		c.EscalateAfter = 1
	}
	if c.DeescalateAfter < 1 {
		c.DeescalateAfter = 1
	}
	return c
}

// Detector maintains rolling statistics over error magnitudes and derives
// the current regime. Transitions are a pure function of the observation
// sequence and the configuration: replaying the same inputs through a fresh
// detector yields the same outputs.
type Detector struct {
	cfg DetectorConfig

	window []float32
	idx    int
	count  int

	baseline float32
	primed   bool

	regime      Regime
	driftStreak int
	calmStreak  int
}

func NewDetector(cfg DetectorConfig) *Detector {
	cfg = cfg.normalized()
	return &Detector{
		cfg:    cfg,
		window: make([]float32, cfg.WindowSize),
		regime: Calm,
	}
}

// Observe feeds one signed error sample. It never fails: NaN and Inf are
// normalized to a maximal deviation so malformed input biases the detector
// toward the more-awake regime.
func (d *Detector) Observe(err float32) RegimeChange {
	dev := float32(math.Abs(float64(err)))
	finite := !math.IsNaN(float64(dev)) && !math.IsInf(float64(dev), 0)
	if !finite {
		dev = math.MaxFloat32
	}

	// Decide drift against the historical baseline before folding the new
	// sample in.
	threshold := d.cfg.AbsThreshold
	drift := dev > d.cfg.AbsThreshold
	if d.primed {
		ratioThreshold := d.baseline * (1 + d.cfg.RatioThreshold)
		if dev > ratioThreshold {
			drift = true
			threshold = ratioThreshold
		}
	}

	if finite {
		d.updateStats(dev)
	}
	d.applyHysteresis(drift)

	if !drift {
		return RegimeChange{}
	}
	return RegimeChange{Drift: true, CurrentError: dev, Threshold: threshold}
}

func (d *Detector) updateStats(dev float32) {
	d.window[d.idx] = dev
	d.idx = (d.idx + 1) % d.cfg.WindowSize
	if d.count < d.cfg.WindowSize {
		d.count++
	}

	if !d.primed {
		d.baseline = dev
		d.primed = true
		return
	}
	a := d.cfg.BaselineAlpha
	d.baseline = (1-a)*d.baseline + a*dev
}

// applyHysteresis escalates one level after EscalateAfter consecutive drift
// observations and de-escalates one level after DeescalateAfter consecutive
// calm observations. A single borderline sample never flips the regime.
func (d *Detector) applyHysteresis(drift bool) {
	if drift {
		d.calmStreak = 0
		d.driftStreak++
		if d.driftStreak >= d.cfg.EscalateAfter && d.regime < Storm {
			d.regime++
			d.driftStreak = 0
		}
		return
	}

	d.driftStreak = 0
	d.calmStreak++
	if d.calmStreak >= d.cfg.DeescalateAfter && d.regime > Calm {
		d.regime--
		d.calmStreak = 0
	}
}

// CurrentRegime returns the confirmed regime. Initial state is Calm.
func (d *Detector) CurrentRegime() Regime {
	return d.regime
}

// Baseline returns the EWMA of typical error magnitude.
func (d *Detector) Baseline() float32 {
	return d.baseline
}

// WindowMean is the mean magnitude over the retained window, for
// observability. Returns 0 before the first observation.
func (d *Detector) WindowMean() float32 {
	if d.count == 0 {
		return 0
	}
	var sum float32
	for _, v := range d.window[:d.count] {
		sum += v
	}
	return sum / float32(d.count)
}

// DriftStreak reports the current run of consecutive drift observations.
func (d *Detector) DriftStreak() int {
	return d.driftStreak
}

// Reset clears all learned state. The regime returns to Calm.
func (d *Detector) Reset() {
	for i := range d.window {
		d.window[i] = 0
	}
	d.idx = 0
	d.count = 0
	d.baseline = 0
	d.primed = false
	d.regime = Calm
	d.driftStreak = 0
	d.calmStreak = 0
}
