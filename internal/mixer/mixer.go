// Package mixer blends the outputs of several predictors into a single
// estimate using a mutable weight vector. The weights are the state that
// swarm peers keep entangled through seeded per-epoch perturbations.
package mixer

import "fmt"

// defaultSixWeights is the standard allocation for the six-predictor stack:
// the primary predictor dominates, the secondary gets double the tail share.
var defaultSixWeights = []float32{0.4, 0.2, 0.1, 0.1, 0.1, 0.1}

// Mixer holds one weight per predictor. Not safe for concurrent use.
type Mixer struct {
	weights []float32
}

// New builds a mixer for n predictors. n of 6 gets the standard allocation;
// any other width starts uniform.
func New(n int) (*Mixer, error) {
	if n < 1 {
		return nil, fmt.Errorf("mixer: need at least one predictor, got %d", n)
	}
	weights := make([]float32, n)
	if n == len(defaultSixWeights) {
		copy(weights, defaultSixWeights)
	} else {
		for i := range weights {
			weights[i] = 1 / float32(n)
		}
	}
	return &Mixer{weights: weights}, nil
}

// Blend returns the weighted sum of the predictions. The prediction slice
// must match the mixer's width.
func (m *Mixer) Blend(predictions []float32) (float32, error) {
	if len(predictions) != len(m.weights) {
		return 0, fmt.Errorf("mixer: got %d predictions for %d weights", len(predictions), len(m.weights))
	}
	var out float32
	for i, p := range predictions {
		out += m.weights[i] * p
	}
	return out, nil
}

// Weights returns the live weight slice. Mutating it (for example through a
// per-epoch sync perturbation) changes how Blend mixes from then on.
func (m *Mixer) Weights() []float32 {
	return m.weights
}

// Snapshot returns an independent copy of the current weights.
func (m *Mixer) Snapshot() []float32 {
	out := make([]float32, len(m.weights))
	copy(out, m.weights)
	return out
}

// SetWeights replaces the weight vector, for restoring persisted state.
func (m *Mixer) SetWeights(w []float32) error {
	if len(w) != len(m.weights) {
		return fmt.Errorf("mixer: got %d weights, want %d", len(w), len(m.weights))
	}
	copy(m.weights, w)
	return nil
}

// Normalize rescales the weights to unit sum. A sum of zero is left alone.
func (m *Mixer) Normalize() {
	var sum float32
	for _, w := range m.weights {
		sum += w
	}
	if sum == 0 {
		return
	}
	for i := range m.weights {
		m.weights[i] /= sum
	}
}
