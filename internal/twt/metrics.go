package twt

import "time"

// PowerMetrics accumulates per-node power and traffic counters. Every field
// is monotonically non-decreasing; snapshots are safe to diff over time.
type PowerMetrics struct {
	// SleepTime is the total time spent in the asleep state.
	SleepTime time.Duration
	// WakeCount is the number of asleep-to-awake transitions.
	WakeCount uint64
	// BytesSent counts payload bytes handed to the radio successfully.
	BytesSent uint64
	// UpdatesSent counts updates flushed through the radio.
	UpdatesSent uint64
	// UpdatesEnqueued counts every enqueue attempt.
	UpdatesEnqueued uint64
	// UpdatesDropped counts updates lost to overflow eviction or payload
	// bound rejection.
	UpdatesDropped uint64
	// FlushFailures counts failed transmit attempts.
	FlushFailures uint64
	// BatchesDropped counts whole batches abandoned after the retry limit.
	BatchesDropped uint64
}
