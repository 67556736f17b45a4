package regime

// DriftFunc is invoked when an observation exceeds the active threshold.
// Callers use it to retune model thresholds or request a scheduler
// re-evaluation; the loop itself attaches no meaning to it.
type DriftFunc func(currentError, threshold float32)

// FeedbackLoop converts (prediction, actual) pairs into error samples for a
// Detector. It carries no state of its own beyond the wrapped detector.
type FeedbackLoop struct {
	detector *Detector
	onDrift  DriftFunc
}

// NewFeedbackLoop wraps a detector. onDrift may be nil.
func NewFeedbackLoop(detector *Detector, onDrift DriftFunc) *FeedbackLoop {
	return &FeedbackLoop{detector: detector, onDrift: onDrift}
}

// Observe derives error = prediction - actual and feeds the detector.
// A drift result triggers the adaptation hook; a non-drift result has no
// observable effect.
func (f *FeedbackLoop) Observe(prediction, actual float32) RegimeChange {
	change := f.detector.Observe(prediction - actual)
	if change.Drift && f.onDrift != nil {
		f.onDrift(change.CurrentError, change.Threshold)
	}
	return change
}

// Detector exposes the wrapped detector for regime queries.
func (f *FeedbackLoop) Detector() *Detector {
	return f.detector
}
