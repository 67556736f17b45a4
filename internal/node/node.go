// Package node wires the per-node control loop: predictors feed the regime
// detector, the detector drives the wake scheduler, and the sync manager
// keeps the mixer weights entangled with the rest of the swarm.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/edgeflock/swarmwake/internal/config"
	"github.com/edgeflock/swarmwake/internal/mixer"
	"github.com/edgeflock/swarmwake/internal/predict"
	"github.com/edgeflock/swarmwake/internal/qes"
	"github.com/edgeflock/swarmwake/internal/regime"
	"github.com/edgeflock/swarmwake/internal/store"
	"github.com/edgeflock/swarmwake/internal/twt"
)

// Telemetry is the payload of a telemetry gossip update.
type Telemetry struct {
	Sample     float32 `json:"sample"`
	Prediction float32 `json:"prediction"`
	Regime     string  `json:"regime"`
}

// Node owns one edge node's state. All methods must be called from a single
// control goroutine; Run is that goroutine in the daemon.
type Node struct {
	id   string
	role twt.NodeRole
	cfg  config.Config

	detector *regime.Detector
	loop     *regime.FeedbackLoop
	sched    *twt.Scheduler
	mix      *mixer.Mixer
	sync     *qes.SyncManager
	preds    []predict.Predictor
	st       *store.Store

	lastRegime   regime.Regime
	lastEpochAt  time.Time
	lastSampleAt time.Time
	lastPurgeAt  time.Time
	maxPeerEpoch uint64
}

// New builds a node from config. A nil store disables persistence (the
// simulator runs this way); with a store, any previously saved weight state
// is restored so the node rejoins the swarm entangled.
func New(ctx context.Context, cfg config.Config, radio twt.Radio, st *store.Store) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	role, err := twt.ParseRole(cfg.Role)
	if err != nil {
		return nil, err
	}
	id := cfg.NodeID
	if id == "" {
		id = uuid.NewString()
	}

	detector := regime.NewDetector(cfg.Detector.DetectorConfig())
	mix, err := mixer.New(cfg.Sync.NumWeights)
	if err != nil {
		return nil, err
	}

	n := &Node{
		id:         id,
		role:       role,
		cfg:        cfg,
		detector:   detector,
		loop:       regime.NewFeedbackLoop(detector, nil),
		sched:      twt.NewScheduler(id, role, cfg.Wake.SchedulerConfig(), radio),
		mix:        mix,
		sync:       qes.NewSyncManager(cfg.Sync.Seed),
		preds:      buildPredictors(cfg.Sync.NumWeights, cfg.Predict.WindowSize),
		st:         st,
		lastRegime: regime.Calm,
	}

	if st != nil {
		saved, err := st.LoadNodeState(ctx, id)
		switch {
		case err == nil:
			n.sync.Restore(saved.Epoch, cfg.Sync.NumWeights)
			if len(saved.Weights) == cfg.Sync.NumWeights {
				if err := mix.SetWeights(saved.Weights); err != nil {
					return nil, err
				}
			}
		case errors.Is(err, store.ErrNotFound):
			// First boot.
		default:
			return nil, fmt.Errorf("restore node state: %w", err)
		}
	}
	return n, nil
}

// buildPredictors assembles the heuristic stack: a last-value baseline plus
// moving averages over progressively wider windows.
func buildPredictors(n, baseWindow int) []predict.Predictor {
	preds := make([]predict.Predictor, n)
	preds[0] = predict.NewLastValue()
	for i := 1; i < n; i++ {
		preds[i] = predict.NewMovingAverage(baseWindow * i)
	}
	return preds
}

// Ingest feeds one sensor sample through the predict-compare-adapt path.
// The blended prediction is scored against the sample, the regime detector
// absorbs the error, and a telemetry update is queued for the next flush.
func (n *Node) Ingest(ctx context.Context, sample float32, now time.Time) (regime.RegimeChange, error) {
	estimates := make([]float32, len(n.preds))
	for i, p := range n.preds {
		estimates[i] = p.Predict()
	}
	prediction, err := n.mix.Blend(estimates)
	if err != nil {
		return regime.RegimeChange{}, err
	}

	change := n.loop.Observe(prediction, sample)

	// Non-finite samples still reach the detector (which treats them as
	// drift) but must not poison the predictor windows.
	if finite(sample) {
		for _, p := range n.preds {
			p.Observe(sample)
		}
	}

	// Corrupt readings register as drift above but are not worth gossiping
	// (and NaN has no JSON encoding).
	if finite(sample) && finite(prediction) {
		payload, err := json.Marshal(Telemetry{
			Sample:     sample,
			Prediction: prediction,
			Regime:     n.detector.CurrentRegime().String(),
		})
		if err != nil {
			return change, fmt.Errorf("encode telemetry: %w", err)
		}
		n.sched.Enqueue(twt.NewGhostUpdate(n.id, twt.UpdateTelemetry, n.sync.Epoch(), payload))
	}

	if current := n.detector.CurrentRegime(); current != n.lastRegime {
		if err := n.onRegimeTransition(ctx, n.lastRegime, current, change, now); err != nil {
			return change, err
		}
		n.lastRegime = current
	}
	return change, nil
}

func (n *Node) onRegimeTransition(ctx context.Context, from, to regime.Regime, change regime.RegimeChange, now time.Time) error {
	n.sched.OnRegimeChange(to, now)

	announce, err := json.Marshal(map[string]string{"from": from.String(), "to": to.String()})
	if err != nil {
		return fmt.Errorf("encode regime announce: %w", err)
	}
	n.sched.Enqueue(twt.NewGhostUpdate(n.id, twt.UpdateRegimeAnnounce, n.sync.Epoch(), announce))

	// Sentinels pull the swarm awake when a storm is confirmed.
	if n.role == twt.RoleSentinel && to == regime.Storm && from < regime.Storm {
		if err := n.sched.BroadcastWake(ctx, now); err != nil && !errors.Is(err, twt.ErrTransmitFailed) {
			return err
		}
	}

	if n.st != nil {
		tr := store.RegimeTransition{
			NodeID:       n.id,
			From:         from,
			To:           to,
			CurrentError: change.CurrentError,
			Threshold:    change.Threshold,
			OccurredAt:   now,
		}
		if err := n.st.RecordRegimeTransition(ctx, tr); err != nil {
			return err
		}
	}
	return nil
}

// Step advances the timed machinery to now: inbound frames are drained, the
// scheduler ticks, and the epoch/metrics timers fire if due. Returns the
// peer updates received this step.
func (n *Node) Step(ctx context.Context, now time.Time) ([]twt.GhostUpdate, error) {
	received := n.sched.PollRadio(now)
	for _, u := range received {
		if u.Epoch > n.maxPeerEpoch {
			n.maxPeerEpoch = u.Epoch
		}
	}

	n.sched.Tick(ctx, now)

	if n.lastEpochAt.IsZero() {
		n.lastEpochAt = now
	}
	if now.Sub(n.lastEpochAt) >= n.cfg.Sync.EpochInterval.Duration {
		if err := n.advanceEpoch(ctx, now); err != nil {
			return received, err
		}
		n.lastEpochAt = now
	}

	if n.st != nil {
		if n.lastSampleAt.IsZero() {
			n.lastSampleAt = now
		}
		if now.Sub(n.lastSampleAt) >= n.cfg.MetricsInterval.Duration {
			if err := n.samplePower(ctx, now); err != nil {
				return received, err
			}
			n.lastSampleAt = now
		}
		if n.cfg.Retention.Duration > 0 {
			if n.lastPurgeAt.IsZero() {
				n.lastPurgeAt = now
			}
			if now.Sub(n.lastPurgeAt) >= n.cfg.Retention.Duration/2 {
				if err := n.st.PurgeRetention(ctx, now.Add(-n.cfg.Retention.Duration)); err != nil {
					return received, err
				}
				n.lastPurgeAt = now
			}
		}
	}
	return received, nil
}

// advanceEpoch perturbs the mixer weights with this epoch's shared deltas
// and persists the result.
func (n *Node) advanceEpoch(ctx context.Context, now time.Time) error {
	epoch := n.sync.ApplyToWeights(n.mix.Weights())
	if n.st == nil {
		return nil
	}
	return n.st.SaveNodeState(ctx, store.NodeState{
		NodeID:    n.id,
		Regime:    n.detector.CurrentRegime(),
		Epoch:     epoch,
		Weights:   n.mix.Snapshot(),
		UpdatedAt: now,
	})
}

func (n *Node) samplePower(ctx context.Context, now time.Time) error {
	m := n.sched.Metrics()
	return n.st.RecordPowerSample(ctx, store.PowerSample{
		NodeID:         n.id,
		SleepMillis:    m.SleepTime.Milliseconds(),
		WakeCount:      m.WakeCount,
		BytesSent:      m.BytesSent,
		UpdatesSent:    m.UpdatesSent,
		UpdatesDropped: m.UpdatesDropped,
		FlushFailures:  m.FlushFailures,
		BatchesDropped: m.BatchesDropped,
		SampledAt:      now,
	})
}

// Run drives Step on a wall-clock ticker until the context ends.
func (n *Node) Run(ctx context.Context) error {
	interval := n.stepInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if _, err := n.Step(ctx, now); err != nil {
				return err
			}
		}
	}
}

// stepInterval picks a tick granularity fine enough to honor the burst
// window and the storm cadence.
func (n *Node) stepInterval() time.Duration {
	interval := n.cfg.Wake.BurstWindow.Duration / 2
	if storm := n.cfg.Wake.StormInterval.Duration / 2; storm > 0 && storm < interval {
		interval = storm
	}
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	return interval
}

func (n *Node) ID() string {
	return n.id
}

func (n *Node) Role() twt.NodeRole {
	return n.role
}

func (n *Node) Regime() regime.Regime {
	return n.detector.CurrentRegime()
}

func (n *Node) Epoch() uint64 {
	return n.sync.Epoch()
}

// Weights returns a copy of the current mixer weights.
func (n *Node) Weights() []float32 {
	return n.mix.Snapshot()
}

func (n *Node) Metrics() twt.PowerMetrics {
	return n.sched.Metrics()
}

func (n *Node) State() twt.PowerState {
	return n.sched.State()
}

// MaxPeerEpoch is the highest epoch seen in peer gossip, for divergence
// monitoring: a gap against Epoch means missed sync epochs.
func (n *Node) MaxPeerEpoch() uint64 {
	return n.maxPeerEpoch
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
