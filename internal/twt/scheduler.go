// Package twt implements Target Wake Time scheduling for power-constrained
// swarm nodes. A node's role and the current regime decide when its radio
// sleeps; gossip updates produced while asleep are batched and burst-flushed
// on wake through a pluggable radio capability.
package twt

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/edgeflock/swarmwake/internal/regime"
)

// NodeRole governs wake behavior. Assigned at provisioning, immutable for
// the node's lifetime.
type NodeRole string

const (
	// RoleSentinel never sleeps and broadcasts wake signals on emergencies.
	RoleSentinel NodeRole = "sentinel"
	// RoleOnDemand sleeps until a sentinel wake broadcast or a local trigger.
	RoleOnDemand NodeRole = "on_demand"
	// RoleScheduled sleeps for the regime-derived interval.
	RoleScheduled NodeRole = "scheduled"
)

// ParseRole validates a role label from config.
func ParseRole(s string) (NodeRole, error) {
	switch NodeRole(s) {
	case RoleSentinel, RoleOnDemand, RoleScheduled:
		return NodeRole(s), nil
	default:
		return "", fmt.Errorf("twt: unknown node role %q", s)
	}
}

// PowerState is the wake/sleep state of the node's radio.
type PowerState string

const (
	StateAwake  PowerState = "awake"
	StateAsleep PowerState = "asleep"
)

// Base wake intervals per regime.
const (
	CalmInterval     = 4 * time.Hour
	PreStormInterval = 10 * time.Minute
	StormInterval    = 30 * time.Second
)

// minWeightFraction floors the weighted interval at base/5 so a node with
// zero battery headroom still sleeps a meaningful fraction of the base.
const minWeightFraction = 0.2

// Config is the per-node TWT table. Loaded once; read-only afterwards.
type Config struct {
	CalmInterval     time.Duration
	PreStormInterval time.Duration
	StormInterval    time.Duration

	// QueueCapacity bounds the gossip batch queue.
	QueueCapacity int
	// MaxPayloadBytes rejects oversized GhostUpdate payloads at enqueue.
	MaxPayloadBytes int
	// Weight is the per-node blending factor in [0,1] (battery headroom or
	// role priority). It staggers wake times so the swarm does not wake in
	// lockstep.
	Weight float64
	// JitterFraction spreads wake times by up to this fraction of the
	// interval in either direction.
	JitterFraction float64
	// JitterSeed makes the jitter sequence reproducible per node.
	JitterSeed int64
	// FlushRetryLimit is the number of consecutive failed flush cycles
	// tolerated before the pending batch is dropped.
	FlushRetryLimit int
	// BurstWindow is how long a scheduled node stays awake per cycle.
	BurstWindow time.Duration
	// StormBurstWindow replaces BurstWindow during Storm for sustained
	// coordination.
	StormBurstWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		CalmInterval:     CalmInterval,
		PreStormInterval: PreStormInterval,
		StormInterval:    StormInterval,
		QueueCapacity:    64,
		MaxPayloadBytes:  1024,
		Weight:           1.0,
		JitterFraction:   0.10,
		JitterSeed:       1,
		FlushRetryLimit:  3,
		BurstWindow:      500 * time.Millisecond,
		StormBurstWindow: 5 * time.Second,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.CalmInterval <= 0 {
		c.CalmInterval = def.CalmInterval
	}
	if c.PreStormInterval <= 0 {
		c.PreStormInterval = def.PreStormInterval
	}
	if c.StormInterval <= 0 {
		c.StormInterval = def.StormInterval
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.Weight <= 0 || c.Weight > 1 {
		c.Weight = def.Weight
	}
	if c.JitterFraction < 0 || c.JitterFraction >= 1 {
		c.JitterFraction = def.JitterFraction
	}
	if c.FlushRetryLimit < 0 {
		c.FlushRetryLimit = def.FlushRetryLimit
	}
	if c.BurstWindow <= 0 {
		c.BurstWindow = def.BurstWindow
	}
	if c.StormBurstWindow <= 0 {
		c.StormBurstWindow = def.StormBurstWindow
	}
	return c
}

// RegimeInterval maps a regime to its base wake interval.
func (c Config) RegimeInterval(r regime.Regime) time.Duration {
	switch r {
	case regime.Storm:
		return c.StormInterval
	case regime.PreStorm:
		return c.PreStormInterval
	default:
		return c.CalmInterval
	}
}

// calmerInterval returns the base interval of the next-calmer regime, or 0
// when there is none (Calm has no ceiling).
func (c Config) calmerInterval(r regime.Regime) time.Duration {
	switch r {
	case regime.Storm:
		return c.PreStormInterval
	case regime.PreStorm:
		return c.CalmInterval
	default:
		return 0
	}
}

// WeightedInterval blends the regime's base interval with the per-node
// weight. The result scales linearly from base/5 at weight 0 to the full
// base at weight 1, and is clamped so it never collapses to zero and never
// exceeds the next-calmer regime's base interval. Escalation therefore
// always shortens the effective interval.
func WeightedInterval(cfg Config, r regime.Regime, weight float64) time.Duration {
	cfg = cfg.normalized()
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}
	base := cfg.RegimeInterval(r)
	scale := minWeightFraction + weight*(1-minWeightFraction)
	return clampInterval(cfg, r, time.Duration(float64(base)*scale))
}

func clampInterval(cfg Config, r regime.Regime, d time.Duration) time.Duration {
	if d < time.Millisecond {
		d = time.Millisecond
	}
	if ceiling := cfg.calmerInterval(r); ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}

// Scheduler is the per-node wake/sleep state machine. It is owned by a
// single control thread: Tick, Enqueue, OnRegimeChange, and PollRadio must
// not be called concurrently.
type Scheduler struct {
	nodeID string
	role   NodeRole
	cfg    Config
	radio  Radio

	queue   *GossipBatchQueue
	metrics PowerMetrics

	regime regime.Regime
	state  PowerState

	lastWake   time.Time
	sleepStart time.Time
	nextWake   time.Time

	emergencyPending bool
	localTrigger     bool
	flushFailures    int

	jitter *rand.Rand
}

// NewScheduler builds a scheduler for the given role. Sentinel and
// Scheduled nodes start awake; OnDemand nodes start asleep.
func NewScheduler(nodeID string, role NodeRole, cfg Config, radio Radio) *Scheduler {
	cfg = cfg.normalized()
	s := &Scheduler{
		nodeID: nodeID,
		role:   role,
		cfg:    cfg,
		radio:  radio,
		queue:  NewGossipBatchQueue(cfg.QueueCapacity),
		regime: regime.Calm,
		state:  StateAwake,
		jitter: rand.New(rand.NewSource(cfg.JitterSeed)),
	}
	if role == RoleOnDemand {
		s.state = StateAsleep
	}
	return s
}

// Tick advances the wake/sleep state machine to the given instant and
// returns the resulting state. Radio failures during flush are recoverable
// and accounted in the metrics; Tick itself never fails.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) PowerState {
	switch s.role {
	case RoleSentinel:
		// Always awake: transmit as soon as anything is pending.
		if s.queue.Len() > 0 {
			s.flush(ctx)
		}

	case RoleOnDemand:
		if s.state == StateAsleep && (s.emergencyPending || s.localTrigger) {
			s.wake(now)
		}
		if s.state == StateAwake {
			s.flush(ctx)
			if s.queue.Len() == 0 {
				if s.localTrigger {
					// Trigger serviced; sleep on the next tick.
					s.localTrigger = false
				} else {
					s.sleep(now)
				}
			}
		}

	case RoleScheduled:
		if s.state == StateAsleep && (s.emergencyPending || !now.Before(s.nextWake)) {
			s.wake(now)
		}
		if s.state == StateAwake {
			if s.lastWake.IsZero() {
				s.lastWake = now
			}
			s.flush(ctx)
			if now.Sub(s.lastWake) >= s.burstWindow() {
				s.sleep(now)
			}
		}
	}
	return s.state
}

func (s *Scheduler) burstWindow() time.Duration {
	if s.regime == regime.Storm {
		return s.cfg.StormBurstWindow
	}
	return s.cfg.BurstWindow
}

// Enqueue adds an outbound update to the batch queue. It returns false when
// the update was rejected for size or when admitting it evicted the oldest
// pending update, so the caller can account for the loss.
func (s *Scheduler) Enqueue(u GhostUpdate) bool {
	s.metrics.UpdatesEnqueued++
	if s.cfg.MaxPayloadBytes > 0 && len(u.Payload) > s.cfg.MaxPayloadBytes {
		s.metrics.UpdatesDropped++
		return false
	}
	ok := s.queue.Enqueue(u)
	if !ok {
		s.metrics.UpdatesDropped++
	}
	return ok
}

// OnRegimeChange re-evaluates the wake schedule immediately. A scheduled
// node sleeping under a stale, longer interval wakes early on escalation:
// responsiveness takes priority over power savings.
func (s *Scheduler) OnRegimeChange(r regime.Regime, now time.Time) {
	old := s.regime
	s.regime = r
	if s.role != RoleScheduled || r == old {
		return
	}
	if s.state == StateAsleep {
		if r > old {
			s.wake(now)
		} else {
			// De-escalation mid-sleep: stretch to the new, calmer cadence.
			s.scheduleNextWake(now)
		}
	}
}

// WakeNow is a best-effort interrupt that preempts any remaining sleep
// without losing queued updates. Used for sentinel wake broadcasts and
// operator intervention.
func (s *Scheduler) WakeNow(now time.Time) {
	if s.role == RoleSentinel {
		return
	}
	s.emergencyPending = true
	if s.state == StateAsleep {
		s.wake(now)
	}
}

// TriggerWake is the OnDemand-local wake trigger.
func (s *Scheduler) TriggerWake(now time.Time) {
	s.localTrigger = true
	if s.state == StateAsleep {
		s.wake(now)
	}
}

// BroadcastWake emits a wake signal to the swarm. Only sentinels detect
// emergencies, but the broadcast itself is role-agnostic.
func (s *Scheduler) BroadcastWake(ctx context.Context, now time.Time) error {
	frame, err := EncodeFrame(NewGhostUpdate(s.nodeID, UpdateWakeSignal, 0, nil))
	if err != nil {
		return err
	}
	if err := s.radio.Transmit(ctx, frame); err != nil {
		s.metrics.FlushFailures++
		return err
	}
	s.metrics.BytesSent += uint64(len(frame))
	return nil
}

// PollRadio drains the radio's receive buffer. Wake signals are consumed
// internally (waking a sleeping node); all other updates are returned to
// the caller. Undecodable frames are discarded.
func (s *Scheduler) PollRadio(now time.Time) []GhostUpdate {
	var received []GhostUpdate
	for {
		frame, ok := s.radio.ReceiveNonblocking()
		if !ok {
			break
		}
		u, err := DecodeFrame(frame)
		if err != nil {
			continue
		}
		if u.Kind == UpdateWakeSignal {
			if s.role != RoleSentinel {
				s.WakeNow(now)
			}
			continue
		}
		received = append(received, u)
	}
	return received
}

// flush transmits pending updates oldest-first, stopping at the first
// radio failure. A failed cycle retains the remainder; after
// FlushRetryLimit consecutive failed cycles the batch is dropped
// oldest-first (all of it) and recorded.
func (s *Scheduler) flush(ctx context.Context) int {
	batch := s.queue.Batch()
	sent := 0
	for _, u := range batch {
		frame, err := EncodeFrame(u)
		if err != nil {
			s.queue.Remove(1)
			s.metrics.UpdatesDropped++
			continue
		}
		if err := s.radio.Transmit(ctx, frame); err != nil {
			s.metrics.FlushFailures++
			s.flushFailures++
			if s.flushFailures > s.cfg.FlushRetryLimit {
				dropped := s.queue.Clear()
				s.metrics.BatchesDropped++
				s.metrics.UpdatesDropped += uint64(dropped)
				s.flushFailures = 0
			}
			return sent
		}
		s.queue.Remove(1)
		s.flushFailures = 0
		s.metrics.UpdatesSent++
		s.metrics.BytesSent += uint64(len(frame))
		sent++
	}
	return sent
}

func (s *Scheduler) wake(now time.Time) {
	if s.state == StateAwake {
		return
	}
	s.state = StateAwake
	s.lastWake = now
	s.metrics.WakeCount++
	if !s.sleepStart.IsZero() {
		s.metrics.SleepTime += now.Sub(s.sleepStart)
		s.sleepStart = time.Time{}
	}
	s.emergencyPending = false
}

func (s *Scheduler) sleep(now time.Time) {
	if s.state == StateAsleep {
		return
	}
	s.state = StateAsleep
	s.sleepStart = now
	if s.role == RoleScheduled {
		s.scheduleNextWake(now)
	}
}

func (s *Scheduler) scheduleNextWake(now time.Time) {
	interval := WeightedInterval(s.cfg, s.regime, s.cfg.Weight)
	if s.cfg.JitterFraction > 0 {
		spread := 1 + s.cfg.JitterFraction*(2*s.jitter.Float64()-1)
		interval = clampInterval(s.cfg, s.regime, time.Duration(float64(interval)*spread))
	}
	s.nextWake = now.Add(interval)
}

// NextWake reports the next scheduled wake instant. The zero time means no
// periodic wake is scheduled (sentinel, on-demand, or currently awake).
func (s *Scheduler) NextWake() time.Time {
	if s.role != RoleScheduled || s.state != StateAsleep {
		return time.Time{}
	}
	return s.nextWake
}

func (s *Scheduler) State() PowerState {
	if s.role == RoleSentinel {
		return StateAwake
	}
	return s.state
}

func (s *Scheduler) Role() NodeRole {
	return s.role
}

func (s *Scheduler) Regime() regime.Regime {
	return s.regime
}

// Pending is the number of updates waiting in the batch queue.
func (s *Scheduler) Pending() int {
	return s.queue.Len()
}

// Metrics returns a snapshot of the accumulated power counters.
func (s *Scheduler) Metrics() PowerMetrics {
	return s.metrics
}
