package twt

import (
	"context"
	"testing"
	"time"

	"github.com/edgeflock/swarmwake/internal/regime"
)

func testSchedConfig() Config {
	cfg := DefaultConfig()
	cfg.JitterFraction = 0 // deterministic wake times
	cfg.BurstWindow = 100 * time.Millisecond
	cfg.StormBurstWindow = 200 * time.Millisecond
	return cfg
}

func TestRegimeIntervalTable(t *testing.T) {
	cfg := DefaultConfig()
	cases := []struct {
		r    regime.Regime
		want int64
	}{
		{regime.Calm, 14_400_000},
		{regime.PreStorm, 600_000},
		{regime.Storm, 30_000},
	}
	for _, tc := range cases {
		if got := cfg.RegimeInterval(tc.r).Milliseconds(); got != tc.want {
			t.Fatalf("%v: expected %dms, got %dms", tc.r, tc.want, got)
		}
	}
}

func TestWeightedIntervalBounds(t *testing.T) {
	cfg := DefaultConfig()
	for _, r := range []regime.Regime{regime.Calm, regime.PreStorm, regime.Storm} {
		base := cfg.RegimeInterval(r)
		for _, w := range []float64{0, 0.25, 0.5, 0.75, 1} {
			got := WeightedInterval(cfg, r, w)
			if got <= 0 {
				t.Fatalf("%v weight %v: interval must never be zero, got %v", r, w, got)
			}
			if got > base {
				t.Fatalf("%v weight %v: interval %v exceeds base %v", r, w, got, base)
			}
			if min := time.Duration(float64(base) * minWeightFraction); got < min {
				t.Fatalf("%v weight %v: interval %v below floor %v", r, w, got, min)
			}
		}
		if ceiling := cfg.calmerInterval(r); ceiling > 0 {
			if got := WeightedInterval(cfg, r, 1); got > ceiling {
				t.Fatalf("%v: interval %v exceeds next-calmer base %v", r, got, ceiling)
			}
		}
	}
}

func TestWeightedIntervalMonotonicInWeight(t *testing.T) {
	cfg := DefaultConfig()
	prev := time.Duration(0)
	for w := 0.0; w <= 1.0; w += 0.1 {
		got := WeightedInterval(cfg, regime.PreStorm, w)
		if got < prev {
			t.Fatalf("interval should not shrink as weight grows: weight %v gave %v after %v", w, got, prev)
		}
		prev = got
	}
}

func TestSentinelNeverSleeps(t *testing.T) {
	radio := NewMockRadio(1)
	s := NewScheduler("sentinel-1", RoleSentinel, testSchedConfig(), radio)

	now := time.Unix(1000, 0)
	for i := 0; i < 10; i++ {
		if got := s.Tick(context.Background(), now); got != StateAwake {
			t.Fatalf("tick %d: sentinel must stay awake, got %v", i, got)
		}
		now = now.Add(time.Hour)
	}
	if s.Metrics().SleepTime != 0 {
		t.Fatalf("sentinel accumulated sleep time: %v", s.Metrics().SleepTime)
	}
}

func TestSentinelFlushesImmediately(t *testing.T) {
	radio := NewMockRadio(1)
	s := NewScheduler("sentinel-1", RoleSentinel, testSchedConfig(), radio)

	s.Enqueue(NewGhostUpdate("sentinel-1", UpdateTelemetry, 1, []byte("t")))
	s.Tick(context.Background(), time.Unix(1000, 0))

	if s.Pending() != 0 {
		t.Fatalf("sentinel should drain its queue on the next tick, %d pending", s.Pending())
	}
	if got := s.Metrics().UpdatesSent; got != 1 {
		t.Fatalf("expected 1 update sent, got %d", got)
	}
	if len(radio.Sent()) != 1 {
		t.Fatalf("radio should have 1 frame, got %d", len(radio.Sent()))
	}
}

func TestScheduledSleepsAfterBurstWindow(t *testing.T) {
	s := NewScheduler("node-1", RoleScheduled, testSchedConfig(), NewMockRadio(1))

	t0 := time.Unix(1000, 0)
	if got := s.Tick(context.Background(), t0); got != StateAwake {
		t.Fatalf("scheduled node should start awake, got %v", got)
	}
	if got := s.Tick(context.Background(), t0.Add(150*time.Millisecond)); got != StateAsleep {
		t.Fatalf("should sleep after the burst window, got %v", got)
	}

	wake := s.NextWake()
	if wake.IsZero() {
		t.Fatalf("sleeping scheduled node must have a next wake")
	}
	if want := t0.Add(150 * time.Millisecond).Add(CalmInterval); !wake.Equal(want) {
		t.Fatalf("expected calm-interval wake at %v, got %v", want, wake)
	}

	// Still asleep before the scheduled instant, awake at it.
	if got := s.Tick(context.Background(), wake.Add(-time.Second)); got != StateAsleep {
		t.Fatalf("woke early at %v", got)
	}
	if got := s.Tick(context.Background(), wake); got != StateAwake {
		t.Fatalf("should wake at the scheduled instant, got %v", got)
	}
}

func TestEscalationPreemptsSleep(t *testing.T) {
	s := NewScheduler("node-1", RoleScheduled, testSchedConfig(), NewMockRadio(1))

	t0 := time.Unix(1000, 0)
	s.Tick(context.Background(), t0)
	s.Tick(context.Background(), t0.Add(150*time.Millisecond)) // asleep under Calm

	stormAt := t0.Add(2 * time.Second)
	s.OnRegimeChange(regime.Storm, stormAt)
	if got := s.State(); got != StateAwake {
		t.Fatalf("escalation must preempt the remaining sleep, got %v", got)
	}
	if s.Metrics().WakeCount != 1 {
		t.Fatalf("expected 1 wake, got %d", s.Metrics().WakeCount)
	}

	// The next sleep cycle uses the storm interval, not the stale calm one.
	sleepAt := stormAt.Add(s.cfg.StormBurstWindow)
	s.Tick(context.Background(), sleepAt)
	if got := s.State(); got != StateAsleep {
		t.Fatalf("should sleep after the storm burst window, got %v", got)
	}
	if want := sleepAt.Add(StormInterval); !s.NextWake().Equal(want) {
		t.Fatalf("expected storm-interval wake at %v, got %v", want, s.NextWake())
	}
}

func TestDeescalationStretchesSleep(t *testing.T) {
	cfg := testSchedConfig()
	s := NewScheduler("node-1", RoleScheduled, cfg, NewMockRadio(1))
	s.OnRegimeChange(regime.Storm, time.Unix(1000, 0))

	t0 := time.Unix(1000, 0)
	s.Tick(context.Background(), t0)
	sleepAt := t0.Add(cfg.StormBurstWindow)
	s.Tick(context.Background(), sleepAt) // asleep under Storm

	calmAt := sleepAt.Add(time.Second)
	s.OnRegimeChange(regime.Calm, calmAt)
	if got := s.State(); got != StateAsleep {
		t.Fatalf("de-escalation must not wake the node, got %v", got)
	}
	if want := calmAt.Add(CalmInterval); !s.NextWake().Equal(want) {
		t.Fatalf("expected rescheduled calm wake at %v, got %v", want, s.NextWake())
	}
}

func TestOnDemandWakesOnBroadcast(t *testing.T) {
	hub := NewMemoryHub()
	sentinelRadio := NewMockRadio(1)
	odRadio := NewMockRadio(2)
	hub.Attach("sentinel-1", sentinelRadio)
	hub.Attach("od-1", odRadio)

	sentinel := NewScheduler("sentinel-1", RoleSentinel, testSchedConfig(), sentinelRadio)
	od := NewScheduler("od-1", RoleOnDemand, testSchedConfig(), odRadio)

	now := time.Unix(1000, 0)
	if got := od.Tick(context.Background(), now); got != StateAsleep {
		t.Fatalf("on-demand node should start asleep, got %v", got)
	}

	if err := sentinel.BroadcastWake(context.Background(), now); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	received := od.PollRadio(now.Add(time.Second))
	if len(received) != 0 {
		t.Fatalf("wake signals must be consumed internally, got %d updates", len(received))
	}
	if got := od.State(); got != StateAwake {
		t.Fatalf("on-demand node should wake on the broadcast, got %v", got)
	}
}

func TestOnDemandSleepsWhenDrained(t *testing.T) {
	s := NewScheduler("od-1", RoleOnDemand, testSchedConfig(), NewMockRadio(1))

	now := time.Unix(1000, 0)
	s.TriggerWake(now)
	if got := s.State(); got != StateAwake {
		t.Fatalf("local trigger should wake, got %v", got)
	}

	s.Enqueue(NewGhostUpdate("od-1", UpdateTelemetry, 1, []byte("t")))
	s.Tick(context.Background(), now.Add(time.Second))
	if s.Pending() != 0 {
		t.Fatalf("awake on-demand node should flush, %d pending", s.Pending())
	}
	if got := s.Tick(context.Background(), now.Add(2*time.Second)); got != StateAsleep {
		t.Fatalf("drained on-demand node should return to sleep, got %v", got)
	}
	if got := s.Metrics().SleepTime; got != 0 {
		// Sleep time accrues only from this point on.
		t.Fatalf("unexpected sleep time before the first sleep interval: %v", got)
	}
}

func TestFailedFlushRetainsBatch(t *testing.T) {
	radio := NewMockRadio(1)
	s := NewScheduler("sentinel-1", RoleSentinel, testSchedConfig(), radio)

	for i := 0; i < 3; i++ {
		s.Enqueue(NewGhostUpdate("sentinel-1", UpdateTelemetry, uint64(i), []byte("t")))
	}

	radio.SetLossRate(1.0)
	s.Tick(context.Background(), time.Unix(1000, 0))
	if s.Pending() != 3 {
		t.Fatalf("failed flush must retain the batch, %d pending", s.Pending())
	}
	if s.Metrics().FlushFailures != 1 {
		t.Fatalf("expected 1 flush failure, got %d", s.Metrics().FlushFailures)
	}

	radio.SetLossRate(0)
	s.Tick(context.Background(), time.Unix(1001, 0))
	if s.Pending() != 0 {
		t.Fatalf("retained batch should go out once the radio recovers, %d pending", s.Pending())
	}
	if got := s.Metrics().UpdatesSent; got != 3 {
		t.Fatalf("expected 3 updates sent, got %d", got)
	}
}

func TestFlushRetryLimitDropsBatch(t *testing.T) {
	cfg := testSchedConfig()
	cfg.FlushRetryLimit = 2
	radio := NewMockRadio(1)
	radio.SetLossRate(1.0)
	s := NewScheduler("sentinel-1", RoleSentinel, cfg, radio)

	for i := 0; i < 3; i++ {
		s.Enqueue(NewGhostUpdate("sentinel-1", UpdateTelemetry, uint64(i), []byte("t")))
	}

	now := time.Unix(1000, 0)
	for i := 0; i < 2; i++ {
		s.Tick(context.Background(), now.Add(time.Duration(i)*time.Second))
		if s.Pending() != 3 {
			t.Fatalf("cycle %d: batch should survive below the retry limit, %d pending", i, s.Pending())
		}
	}

	s.Tick(context.Background(), now.Add(3*time.Second))
	if s.Pending() != 0 {
		t.Fatalf("batch should be dropped past the retry limit, %d pending", s.Pending())
	}
	m := s.Metrics()
	if m.BatchesDropped != 1 {
		t.Fatalf("expected 1 batch dropped, got %d", m.BatchesDropped)
	}
	if m.UpdatesDropped != 3 {
		t.Fatalf("expected 3 updates dropped, got %d", m.UpdatesDropped)
	}
}

func TestEnqueueRejectsOversizedPayload(t *testing.T) {
	cfg := testSchedConfig()
	cfg.MaxPayloadBytes = 16
	s := NewScheduler("node-1", RoleScheduled, cfg, NewMockRadio(1))

	if s.Enqueue(NewGhostUpdate("node-1", UpdateTelemetry, 1, make([]byte, 17))) {
		t.Fatalf("oversized payload must be rejected")
	}
	if s.Pending() != 0 {
		t.Fatalf("rejected update must not be queued, %d pending", s.Pending())
	}
	if !s.Enqueue(NewGhostUpdate("node-1", UpdateTelemetry, 2, make([]byte, 16))) {
		t.Fatalf("payload at the bound should be accepted")
	}
}

func TestSleepTimeAccounting(t *testing.T) {
	s := NewScheduler("node-1", RoleScheduled, testSchedConfig(), NewMockRadio(1))

	t0 := time.Unix(1000, 0)
	s.Tick(context.Background(), t0)
	sleepAt := t0.Add(150 * time.Millisecond)
	s.Tick(context.Background(), sleepAt)

	wakeAt := sleepAt.Add(90 * time.Minute)
	s.WakeNow(wakeAt)
	if got := s.Metrics().SleepTime; got != 90*time.Minute {
		t.Fatalf("expected 90m of sleep, got %v", got)
	}
	if got := s.Metrics().WakeCount; got != 1 {
		t.Fatalf("expected 1 wake, got %d", got)
	}
}

func TestJitterIsDeterministicPerSeed(t *testing.T) {
	cfg := testSchedConfig()
	cfg.JitterFraction = 0.10
	cfg.JitterSeed = 7

	nextWake := func(c Config) time.Time {
		s := NewScheduler("node-1", RoleScheduled, c, NewMockRadio(1))
		t0 := time.Unix(1000, 0)
		s.Tick(context.Background(), t0)
		s.Tick(context.Background(), t0.Add(150*time.Millisecond))
		return s.NextWake()
	}

	first := nextWake(cfg)
	second := nextWake(cfg)
	if !first.Equal(second) {
		t.Fatalf("same seed must give the same jittered wake: %v vs %v", first, second)
	}

	base := time.Unix(1000, 0).Add(150 * time.Millisecond)
	offset := first.Sub(base)
	calm := CalmInterval
	lo := time.Duration(float64(calm) * 0.9)
	hi := time.Duration(float64(calm) * 1.1)
	if offset < lo || offset > hi {
		t.Fatalf("jittered interval %v outside ±10%% of %v", offset, CalmInterval)
	}
}
