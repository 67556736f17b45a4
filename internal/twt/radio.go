package twt

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrTransmitFailed reports a recoverable transmit failure. Schedulers
// retain pending batches and retry on the next wake cycle.
var ErrTransmitFailed = errors.New("twt: transmit failed")

// Radio is the capability boundary to the physical (or simulated) radio.
// Transmit may be slow and may fail; ReceiveNonblocking never blocks.
type Radio interface {
	Transmit(ctx context.Context, payload []byte) error
	ReceiveNonblocking() ([]byte, bool)
}

// MockRadio is a deterministic in-memory radio for tests and simulation.
// Latency and packet loss are injectable so retry behavior is exercisable
// without hardware. Loss decisions come from a seeded PRNG, so a given seed
// always fails the same transmit attempts.
type MockRadio struct {
	mu       sync.Mutex
	latency  time.Duration
	lossRate float64
	rng      *rand.Rand

	sent    [][]byte
	inbound [][]byte

	hub   *MemoryHub
	hubID string
}

func NewMockRadio(seed int64) *MockRadio {
	return &MockRadio{rng: rand.New(rand.NewSource(seed))}
}

// SetLatency injects a fixed delay into every Transmit call.
func (r *MockRadio) SetLatency(d time.Duration) {
	r.mu.Lock()
	r.latency = d
	r.mu.Unlock()
}

// SetLossRate drops the given fraction of transmit attempts (0 disables).
func (r *MockRadio) SetLossRate(p float64) {
	r.mu.Lock()
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	r.lossRate = p
	r.mu.Unlock()
}

func (r *MockRadio) Transmit(ctx context.Context, payload []byte) error {
	r.mu.Lock()
	latency := r.latency
	drop := r.lossRate > 0 && r.rng.Float64() < r.lossRate
	r.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(latency):
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if drop {
		return ErrTransmitFailed
	}

	frame := make([]byte, len(payload))
	copy(frame, payload)

	r.mu.Lock()
	r.sent = append(r.sent, frame)
	hub, hubID := r.hub, r.hubID
	r.mu.Unlock()

	if hub != nil {
		hub.broadcast(hubID, frame)
	}
	return nil
}

func (r *MockRadio) ReceiveNonblocking() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.inbound) == 0 {
		return nil, false
	}
	frame := r.inbound[0]
	r.inbound = r.inbound[1:]
	return frame, true
}

// Inject places a frame in the receive buffer, as if it arrived over the air.
func (r *MockRadio) Inject(frame []byte) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	r.mu.Lock()
	r.inbound = append(r.inbound, cp)
	r.mu.Unlock()
}

// Sent returns copies of every successfully transmitted frame.
func (r *MockRadio) Sent() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.sent))
	for i, f := range r.sent {
		cp := make([]byte, len(f))
		copy(cp, f)
		out[i] = cp
	}
	return out
}

// MemoryHub links mock radios so a transmit on one is delivered to the
// receive buffers of all others. It stands in for the shared medium in
// multi-node tests and the swarm simulator.
type MemoryHub struct {
	mu     sync.Mutex
	radios map[string]*MockRadio
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{radios: make(map[string]*MockRadio)}
}

// Attach registers a radio under the given node ID. Frames transmitted by
// that radio are delivered to every other attached radio.
func (h *MemoryHub) Attach(id string, r *MockRadio) {
	h.mu.Lock()
	h.radios[id] = r
	h.mu.Unlock()

	r.mu.Lock()
	r.hub = h
	r.hubID = id
	r.mu.Unlock()
}

func (h *MemoryHub) broadcast(fromID string, frame []byte) {
	h.mu.Lock()
	peers := make([]*MockRadio, 0, len(h.radios))
	for id, peer := range h.radios {
		if id == fromID {
			continue
		}
		peers = append(peers, peer)
	}
	h.mu.Unlock()

	for _, peer := range peers {
		peer.Inject(frame)
	}
}
