package twt

import (
	"fmt"
	"testing"
)

func makeUpdate(i int) GhostUpdate {
	return NewGhostUpdate("node-a", UpdateTelemetry, uint64(i), []byte(fmt.Sprintf("sample-%d", i)))
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	q := NewGossipBatchQueue(4)
	for i := 0; i < 4; i++ {
		if !q.Enqueue(makeUpdate(i)) {
			t.Fatalf("enqueue %d should succeed below capacity", i)
		}
	}
	if q.Enqueue(makeUpdate(4)) {
		t.Fatalf("enqueue at capacity must report the eviction")
	}
	if q.Len() != 4 {
		t.Fatalf("queue length must stay at capacity, got %d", q.Len())
	}

	batch := q.Batch()
	if batch[0].Epoch != 1 {
		t.Fatalf("oldest update (epoch 0) should have been evicted, head is epoch %d", batch[0].Epoch)
	}
	if batch[len(batch)-1].Epoch != 4 {
		t.Fatalf("newest update must be admitted, tail is epoch %d", batch[len(batch)-1].Epoch)
	}
	if q.TotalDropped() != 1 {
		t.Fatalf("expected 1 dropped, got %d", q.TotalDropped())
	}
	if q.TotalEnqueued() != 5 {
		t.Fatalf("expected 5 enqueued, got %d", q.TotalEnqueued())
	}
}

func TestQueueNeverExceedsCapacity(t *testing.T) {
	q := NewGossipBatchQueue(8)
	for i := 0; i < 100; i++ {
		q.Enqueue(makeUpdate(i))
		if q.Len() > q.Capacity() {
			t.Fatalf("length %d exceeds capacity %d after %d enqueues", q.Len(), q.Capacity(), i+1)
		}
	}
	if q.Len() != 8 {
		t.Fatalf("expected a full queue, got %d", q.Len())
	}
	batch := q.Batch()
	for i, u := range batch {
		if want := uint64(92 + i); u.Epoch != want {
			t.Fatalf("batch[%d]: expected epoch %d, got %d", i, want, u.Epoch)
		}
	}
}

func TestQueueBatchDoesNotRemove(t *testing.T) {
	q := NewGossipBatchQueue(4)
	q.Enqueue(makeUpdate(0))
	q.Enqueue(makeUpdate(1))

	if got := len(q.Batch()); got != 2 {
		t.Fatalf("expected batch of 2, got %d", got)
	}
	if q.Len() != 2 {
		t.Fatalf("batch must not drain the queue, len %d", q.Len())
	}

	q.Remove(1)
	if q.Len() != 1 {
		t.Fatalf("remove(1) should leave 1 pending, got %d", q.Len())
	}
	if head := q.Batch()[0]; head.Epoch != 1 {
		t.Fatalf("remove must discard oldest-first, head is epoch %d", head.Epoch)
	}
}

func TestQueueClear(t *testing.T) {
	q := NewGossipBatchQueue(4)
	for i := 0; i < 3; i++ {
		q.Enqueue(makeUpdate(i))
	}
	if n := q.Clear(); n != 3 {
		t.Fatalf("clear should report 3 discarded, got %d", n)
	}
	if q.Len() != 0 {
		t.Fatalf("queue should be empty after clear, len %d", q.Len())
	}
}

func TestFrameRoundTrip(t *testing.T) {
	u := NewGhostUpdate("node-b", UpdateRegimeAnnounce, 7, []byte("storm"))
	frame, err := EncodeFrame(u)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != u.ID || got.Origin != u.Origin || got.Kind != u.Kind || got.Epoch != u.Epoch {
		t.Fatalf("frame did not survive the round trip: %+v vs %+v", got, u)
	}
	if string(got.Payload) != "storm" {
		t.Fatalf("payload corrupted: %q", got.Payload)
	}
}
