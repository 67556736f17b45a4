// Package qes implements quantum-entanglement-style weight synchronization:
// nodes sharing a seed derive identical pseudo-random weight perturbations
// each epoch without exchanging any bytes. The radio only ever needs to
// carry the epoch number for divergence detection.
package qes

import (
	"math/rand"
)

// DeltaMagnitude bounds each per-epoch weight perturbation: deltas fall in
// [-DeltaMagnitude, DeltaMagnitude).
const DeltaMagnitude = 0.01

// renormEpsilon guards renormalization: a clamped weight sum below this is
// left untouched rather than amplified by division.
const renormEpsilon = 0.001

// SyncManager is a deterministic delta generator. Two managers built from
// the same seed produce byte-identical delta sequences as long as they are
// stepped the same number of times with the same width. Not safe for
// concurrent use.
type SyncManager struct {
	seed  int64
	epoch uint64
	rng   *rand.Rand
}

func NewSyncManager(seed int64) *SyncManager {
	return &SyncManager{
		seed: seed,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// GenerateDeltas advances one epoch and returns n deltas, each in
// [-DeltaMagnitude, DeltaMagnitude). Every call consumes entropy: peers
// must call it with the same n in the same order to stay entangled.
func (m *SyncManager) GenerateDeltas(n int) []float32 {
	m.epoch++
	deltas := make([]float32, n)
	for i := range deltas {
		deltas[i] = float32(m.rng.Float64()*2*DeltaMagnitude - DeltaMagnitude)
	}
	return deltas
}

// ApplyToWeights perturbs weights in place with this epoch's deltas, clamps
// each to [0,1], and renormalizes to unit sum. Renormalization is skipped
// when the clamped sum has collapsed below a small epsilon, so a degenerate
// weight vector is never amplified. Returns the new epoch.
func (m *SyncManager) ApplyToWeights(weights []float32) uint64 {
	deltas := m.GenerateDeltas(len(weights))
	var sum float32
	for i := range weights {
		w := weights[i] + deltas[i]
		if w < 0 {
			w = 0
		}
		if w > 1 {
			w = 1
		}
		weights[i] = w
		sum += w
	}
	if sum >= renormEpsilon {
		for i := range weights {
			weights[i] /= sum
		}
	}
	return m.epoch
}

// Epoch is the number of delta generations since construction or the last
// restore. Peers with equal seeds and equal epochs hold identical weights.
func (m *SyncManager) Epoch() uint64 {
	return m.epoch
}

func (m *SyncManager) Seed() int64 {
	return m.seed
}

// Restore rebuilds the generator state after a restart by replaying epoch
// generations of width n from a fresh seed. The manager ends entangled with
// peers that stepped the same way live.
func (m *SyncManager) Restore(epoch uint64, n int) {
	m.rng = rand.New(rand.NewSource(m.seed))
	m.epoch = 0
	for i := uint64(0); i < epoch; i++ {
		m.GenerateDeltas(n)
	}
}
