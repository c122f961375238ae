package interp

import (
	"math"
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestSampleEasesTowardTarget(t *testing.T) {
	b := New(100*time.Millisecond, 0, 0)
	b.SetTarget("V_Open", 1.0, t0)

	if got := b.Sample("V_Open", t0); got != 0 {
		t.Fatalf("value at start = %v, want 0", got)
	}
	if got := b.Sample("V_Open", t0.Add(50*time.Millisecond)); math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("value at midpoint = %v, want 0.5", got)
	}
	if got := b.Sample("V_Open", t0.Add(100*time.Millisecond)); got != 1.0 {
		t.Fatalf("value at duration = %v, want exactly 1", got)
	}
	if got := b.Sample("V_Open", t0.Add(200*time.Millisecond)); got != 1.0 {
		t.Fatalf("value past duration = %v, want 1", got)
	}
}

func TestSampleIsMonotonicDuringTransition(t *testing.T) {
	b := New(100*time.Millisecond, 0, 0)
	b.SetTarget("V_Open", 0.8, t0)

	prev := -1.0
	for ms := 0; ms <= 100; ms += 5 {
		got := b.Sample("V_Open", t0.Add(time.Duration(ms)*time.Millisecond))
		if got < prev {
			t.Fatalf("value decreased at %dms: %v after %v", ms, got, prev)
		}
		prev = got
	}
}

func TestEaseInOutCubicShape(t *testing.T) {
	cases := []struct {
		t, want float64
	}{
		{0, 0},
		{0.25, 4 * 0.25 * 0.25 * 0.25},
		{0.5, 0.5},
		{0.75, 1 - math.Pow(-2*0.75+2, 3)/2},
		{1, 1},
	}
	for _, tc := range cases {
		if got := easeInOutCubic(tc.t); math.Abs(got-tc.want) > 1e-12 {
			t.Fatalf("easeInOutCubic(%v) = %v, want %v", tc.t, got, tc.want)
		}
	}
	// Ends are flat, midsection is steep.
	early := easeInOutCubic(0.1) - easeInOutCubic(0.0)
	mid := easeInOutCubic(0.55) - easeInOutCubic(0.45)
	if mid <= early {
		t.Fatalf("midsection slope %v should exceed early slope %v", mid, early)
	}
}

func TestRetargetMidFlightIsContinuous(t *testing.T) {
	b := New(100*time.Millisecond, 0, 0)
	b.SetTarget("V_Open", 1.0, t0)

	mid := t0.Add(40 * time.Millisecond)
	before := b.Sample("V_Open", mid)

	b.SetTarget("V_Open", 0.2, mid)
	after := b.Sample("V_Open", mid)
	if math.Abs(after-before) > 1e-9 {
		t.Fatalf("retarget jumped from %v to %v", before, after)
	}
	// The new transition starts from the interpolated value, not the old
	// target.
	if got := b.Sample("V_Open", mid.Add(100*time.Millisecond)); got != 0.2 {
		t.Fatalf("value after retargeted transition = %v, want 0.2", got)
	}
}

func TestDecayAfterTimeout(t *testing.T) {
	b := New(50*time.Millisecond, 500*time.Millisecond, 100*time.Millisecond)
	b.SetTarget("V_Open", 0.8, t0)

	// Still held at the target right before the timeout.
	if got := b.Sample("V_Open", t0.Add(500*time.Millisecond)); got != 0.8 {
		t.Fatalf("value at timeout = %v, want 0.8", got)
	}
	// Decay runs over the following 100ms window.
	if got := b.Sample("V_Open", t0.Add(600*time.Millisecond)); got > 0.01 {
		t.Fatalf("value at timeout+decay = %v, want <= 0.01", got)
	}
	if b.Decayed() != 1 {
		t.Fatalf("Decayed = %d, want 1", b.Decayed())
	}
}

func TestDecayConvergesRegardlessOfSamplingGaps(t *testing.T) {
	b := New(50*time.Millisecond, 500*time.Millisecond, 100*time.Millisecond)
	b.SetTarget("V_Open", 0.8, t0)

	// First sample long after the decay window already passed: the decay is
	// anchored at lastTarget+timeout, so the value is at rest, not mid-fade.
	if got := b.Sample("V_Open", t0.Add(5*time.Second)); got != 0 {
		t.Fatalf("value after long gap = %v, want 0", got)
	}
}

func TestTouchPostponesDecay(t *testing.T) {
	b := New(50*time.Millisecond, 500*time.Millisecond, 100*time.Millisecond)
	b.SetTarget("V_Open", 0.4, t0)

	// A producer restating the value is a liveness signal: each touch moves
	// the decay deadline without starting a new transition.
	for ms := 200; ms <= 2000; ms += 200 {
		b.Touch("V_Open", t0.Add(time.Duration(ms)*time.Millisecond))
	}
	if got := b.Sample("V_Open", t0.Add(2200*time.Millisecond)); got != 0.4 {
		t.Fatalf("touched channel decayed to %v, want 0.4", got)
	}
	if b.Decayed() != 0 {
		t.Fatalf("Decayed = %d, want 0", b.Decayed())
	}

	// Once the touches stop, the timeout runs from the last one.
	if got := b.Sample("V_Open", t0.Add(2700*time.Millisecond)); got > 0.01 {
		t.Fatalf("channel should decay after touches stop, got %v", got)
	}
}

func TestTouchIgnoresUnknownAndDecayingChannels(t *testing.T) {
	b := New(50*time.Millisecond, 500*time.Millisecond, 100*time.Millisecond)
	b.Touch("never_set", t0)
	if b.Len() != 0 {
		t.Fatalf("touch must not create channel state")
	}

	b.SetTarget("V_Open", 0.8, t0)
	late := t0.Add(550 * time.Millisecond)
	b.Sample("V_Open", late) // decay in flight
	b.Touch("V_Open", late)
	if got := b.Sample("V_Open", t0.Add(700*time.Millisecond)); got != 0 {
		t.Fatalf("touch must not interrupt a decay in flight, got %v", got)
	}
}

func TestTakeDecayedReportsAndClears(t *testing.T) {
	b := New(50*time.Millisecond, 500*time.Millisecond, 100*time.Millisecond)
	b.SetTarget("V_Open", 0.8, t0)
	b.SetTarget("Mouth_Smile_L", 0.3, t0)

	b.Each(t0.Add(time.Second), func(string, float64) {})
	decayed := b.TakeDecayed()
	if len(decayed) != 2 {
		t.Fatalf("TakeDecayed = %v, want both channels", decayed)
	}
	if again := b.TakeDecayed(); len(again) != 0 {
		t.Fatalf("second TakeDecayed should be empty, got %v", again)
	}
}

func TestFreshTargetCancelsDecay(t *testing.T) {
	b := New(50*time.Millisecond, 500*time.Millisecond, 100*time.Millisecond)
	b.SetTarget("V_Open", 0.8, t0)

	// Decay started.
	late := t0.Add(550 * time.Millisecond)
	if got := b.Sample("V_Open", late); got >= 0.8 {
		t.Fatalf("decay should have started, got %v", got)
	}

	b.SetTarget("V_Open", 0.9, late)
	if got := b.Sample("V_Open", late.Add(50*time.Millisecond)); got != 0.9 {
		t.Fatalf("fresh target should override decay, got %v", got)
	}
}

func TestChannelAtRestDoesNotDecayAgain(t *testing.T) {
	b := New(50*time.Millisecond, 500*time.Millisecond, 100*time.Millisecond)
	b.SetTarget("V_Open", 0.0, t0)

	if got := b.Sample("V_Open", t0.Add(time.Second)); got != 0 {
		t.Fatalf("resting channel sampled %v, want 0", got)
	}
	if b.Decayed() != 0 {
		t.Fatalf("resting channel should not count as decayed")
	}
}

func TestEachVisitsChannelsInStableOrderAndPrunes(t *testing.T) {
	b := New(50*time.Millisecond, 500*time.Millisecond, 100*time.Millisecond)
	b.SetTarget("B_Chan", 0.5, t0)
	b.SetTarget("A_Chan", 0.0, t0)

	var order []string
	b.Each(t0.Add(time.Hour), func(id string, _ float64) {
		order = append(order, id)
	})
	if len(order) != 2 || order[0] != "A_Chan" || order[1] != "B_Chan" {
		t.Fatalf("iteration order = %v, want [A_Chan B_Chan]", order)
	}

	// Both channels have settled at zero by now (one decayed, one at rest)
	// and get pruned.
	if b.Len() != 0 {
		t.Fatalf("Len = %d after pruning pass, want 0", b.Len())
	}
}

func TestSetTransitionDurationAppliesToFutureTransitions(t *testing.T) {
	b := New(100*time.Millisecond, 0, 0)
	b.SetTarget("V_Open", 1.0, t0)
	b.SetTransitionDuration(200 * time.Millisecond)

	// In-flight transition keeps the 100ms duration.
	if got := b.Sample("V_Open", t0.Add(100*time.Millisecond)); got != 1.0 {
		t.Fatalf("in-flight transition retuned, got %v", got)
	}

	later := t0.Add(time.Second)
	b.SetTarget("V_Open", 0.0, later)
	if got := b.Sample("V_Open", later.Add(100*time.Millisecond)); got != 0.5 {
		t.Fatalf("new transition should take 200ms, midpoint = %v, want 0.5", got)
	}
}

func TestUnknownChannelSamplesZero(t *testing.T) {
	b := New(0, 0, 0)
	if got := b.Sample("never_set", t0); got != 0 {
		t.Fatalf("unknown channel = %v, want 0", got)
	}
}
