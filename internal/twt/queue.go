package twt

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// UpdateKind tags the payload class of a GhostUpdate.
type UpdateKind string

const (
	UpdateTelemetry      UpdateKind = "telemetry"
	UpdateRegimeAnnounce UpdateKind = "regime_announce"
	UpdateWakeSignal     UpdateKind = "wake_signal"
)

// GhostUpdate is an opaque, size-bounded gossip payload accumulated while a
// node sleeps and burst-transmitted on wake. The payload encoding is the
// producer's concern; the scheduler only moves bytes.
type GhostUpdate struct {
	ID        string     `json:"id"`
	Origin    string     `json:"origin"`
	Kind      UpdateKind `json:"kind"`
	Epoch     uint64     `json:"epoch"`
	Payload   []byte     `json:"payload,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// NewGhostUpdate stamps a fresh update with a unique ID.
func NewGhostUpdate(origin string, kind UpdateKind, epoch uint64, payload []byte) GhostUpdate {
	return GhostUpdate{
		ID:        uuid.NewString(),
		Origin:    origin,
		Kind:      kind,
		Epoch:     epoch,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
}

// EncodeFrame serializes an update for the radio.
func EncodeFrame(u GhostUpdate) ([]byte, error) {
	return json.Marshal(u)
}

// DecodeFrame parses a received radio frame.
func DecodeFrame(frame []byte) (GhostUpdate, error) {
	var u GhostUpdate
	err := json.Unmarshal(frame, &u)
	return u, err
}

// GossipBatchQueue is a bounded ordered buffer of pending updates, owned by
// exactly one scheduler. Overflow drops the oldest entry: recent telemetry
// supersedes stale telemetry.
type GossipBatchQueue struct {
	updates  []GhostUpdate
	capacity int

	totalEnqueued uint64
	totalDropped  uint64
}

func NewGossipBatchQueue(capacity int) *GossipBatchQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &GossipBatchQueue{
		updates:  make([]GhostUpdate, 0, capacity),
		capacity: capacity,
	}
}

// Enqueue appends an update. At capacity the oldest pending update is
// discarded, the new one admitted, and false returned so the caller can
// account for the loss.
func (q *GossipBatchQueue) Enqueue(u GhostUpdate) bool {
	q.totalEnqueued++
	if len(q.updates) < q.capacity {
		q.updates = append(q.updates, u)
		return true
	}
	copy(q.updates, q.updates[1:])
	q.updates[len(q.updates)-1] = u
	q.totalDropped++
	return false
}

// Batch returns the pending updates in arrival order without removing them.
// A flush that fails mid-way keeps the remainder for the next wake cycle.
func (q *GossipBatchQueue) Batch() []GhostUpdate {
	out := make([]GhostUpdate, len(q.updates))
	copy(out, q.updates)
	return out
}

// Remove discards the oldest n updates after a successful transmit.
func (q *GossipBatchQueue) Remove(n int) {
	if n <= 0 {
		return
	}
	if n >= len(q.updates) {
		q.updates = q.updates[:0]
		return
	}
	copy(q.updates, q.updates[n:])
	q.updates = q.updates[:len(q.updates)-n]
}

// Clear drops every pending update and returns how many were discarded.
func (q *GossipBatchQueue) Clear() int {
	n := len(q.updates)
	q.updates = q.updates[:0]
	return n
}

// Len is the number of pending updates.
func (q *GossipBatchQueue) Len() int {
	return len(q.updates)
}

// Capacity is the configured bound.
func (q *GossipBatchQueue) Capacity() int {
	return q.capacity
}

// TotalEnqueued counts every Enqueue call since construction.
func (q *GossipBatchQueue) TotalEnqueued() uint64 {
	return q.totalEnqueued
}

// TotalDropped counts updates evicted by the overflow policy.
func (q *GossipBatchQueue) TotalDropped() uint64 {
	return q.totalDropped
}
