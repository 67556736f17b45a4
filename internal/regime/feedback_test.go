package regime

import "testing"

func TestFeedbackLoopComputesError(t *testing.T) {
	d := NewDetector(testConfig())
	loop := NewFeedbackLoop(d, nil)

	for i := 0; i < 20; i++ {
		loop.Observe(10.0, 9.0) // error magnitude 1.0
	}
	change := loop.Observe(510.0, 10.0) // error magnitude 500
	if !change.Drift {
		t.Fatalf("large prediction error should drift, got %+v", change)
	}
	if change.CurrentError != 500.0 {
		t.Fatalf("expected |prediction-actual| = 500, got %+v", change)
	}
}

func TestFeedbackLoopInvokesDriftHook(t *testing.T) {
	d := NewDetector(testConfig())
	var gotErr, gotThreshold float32
	calls := 0
	loop := NewFeedbackLoop(d, func(currentError, threshold float32) {
		calls++
		gotErr = currentError
		gotThreshold = threshold
	})

	for i := 0; i < 20; i++ {
		loop.Observe(1.0, 0.0)
	}
	if calls != 0 {
		t.Fatalf("calm observations must not invoke the hook, got %d calls", calls)
	}

	loop.Observe(500.0, 0.0)
	if calls != 1 {
		t.Fatalf("drift should invoke the hook exactly once, got %d calls", calls)
	}
	if gotErr != 500.0 {
		t.Fatalf("hook received wrong error: %v", gotErr)
	}
	if gotThreshold <= 0 {
		t.Fatalf("hook received non-positive threshold: %v", gotThreshold)
	}
}

func TestFeedbackLoopNilHookIsSafe(t *testing.T) {
	loop := NewFeedbackLoop(NewDetector(testConfig()), nil)
	for i := 0; i < 5; i++ {
		loop.Observe(1000.0, 0.0)
	}
	if got := loop.Detector().CurrentRegime(); got != PreStorm {
		t.Fatalf("detector should still escalate without a hook, got %v", got)
	}
}
