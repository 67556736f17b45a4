// Package predict holds the lightweight heuristic predictors whose blended
// output feeds the regime feedback loop.
package predict

// Predictor consumes a sample stream and emits the next-value estimate.
// Implementations are single-owner; callers serialize Observe and Predict.
type Predictor interface {
	Observe(sample float32)
	Predict() float32
}

// MovingAverage predicts with a linearly decaying window: the newest sample
// carries the most weight, the oldest the least. An empty window predicts
// zero.
type MovingAverage struct {
	window []float32
	next   int
	count  int
}

func NewMovingAverage(windowSize int) *MovingAverage {
	if windowSize < 1 {
		windowSize = 1
	}
	return &MovingAverage{window: make([]float32, windowSize)}
}

func (m *MovingAverage) Observe(sample float32) {
	m.window[m.next] = sample
	m.next = (m.next + 1) % len(m.window)
	if m.count < len(m.window) {
		m.count++
	}
}

func (m *MovingAverage) Predict() float32 {
	if m.count == 0 {
		return 0
	}
	var weighted, total float32
	// Walk oldest to newest so the decay weights line up with recency.
	start := m.next - m.count
	if start < 0 {
		start += len(m.window)
	}
	for i := 0; i < m.count; i++ {
		w := float32(i + 1)
		weighted += w * m.window[(start+i)%len(m.window)]
		total += w
	}
	return weighted / total
}

// LastValue predicts that the next sample equals the most recent one. It is
// the naive baseline the weighted predictors have to beat.
type LastValue struct {
	last float32
	seen bool
}

func NewLastValue() *LastValue {
	return &LastValue{}
}

func (l *LastValue) Observe(sample float32) {
	l.last = sample
	l.seen = true
}

func (l *LastValue) Predict() float32 {
	if !l.seen {
		return 0
	}
	return l.last
}
