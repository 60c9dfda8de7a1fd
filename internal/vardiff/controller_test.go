package vardiff

import (
	"testing"
	"time"
)

var epoch = time.Unix(1700000000, 0)

func TestObserveFirstCallOnlyInitializes(t *testing.T) {
	c := New(DefaultConfig(), 512, epoch)
	if got := c.Observe(epoch.Add(time.Second), 1e6); got != 512 {
		t.Errorf("first Observe() = %v, want 512", got)
	}
	if c.Output() != 0 {
		t.Errorf("output after first call = %v, want 0", c.Output())
	}
}

func TestObserveOnTargetIsStable(t *testing.T) {
	c := New(DefaultConfig(), 512, epoch)
	now := epoch
	for i := 0; i < 40; i++ {
		now = now.Add(15 * time.Second)
		if got := c.Observe(now, 1e6); got != 512 {
			t.Fatalf("step %d: difficulty = %v, want 512", i, got)
		}
	}
}

func TestObserveFastSharesRaiseDifficulty(t *testing.T) {
	const blockDifficulty = 5000

	c := New(DefaultConfig(), 512, epoch)
	now := epoch
	c.Observe(now, blockDifficulty)

	prev := c.Difficulty()
	for i := 0; i < 50; i++ {
		now = now.Add(time.Second)
		got := c.Observe(now, blockDifficulty)
		if got > blockDifficulty {
			t.Fatalf("step %d: difficulty %v above block difficulty", i, got)
		}
		if got < prev {
			t.Fatalf("step %d: difficulty fell from %v to %v", i, prev, got)
		}
		if got == prev && got != blockDifficulty {
			t.Fatalf("step %d: difficulty stuck at %v", i, got)
		}
		prev = got
	}
	if prev != blockDifficulty {
		t.Errorf("difficulty = %v, want it to reach the block difficulty", prev)
	}
}

func TestObserveSlowSharesHitFloor(t *testing.T) {
	c := New(DefaultConfig(), 512, epoch)
	now := epoch
	c.Observe(now, 1e6)
	now = now.Add(10 * time.Minute)
	if got := c.Observe(now, 1e6); got != 1 {
		t.Errorf("difficulty = %v, want floor 1", got)
	}
}

func TestIntegralIsClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Kp, cfg.Kd = 0, 0
	c := New(cfg, 1000, epoch)

	now := epoch
	c.Observe(now, 1e12)
	for i := 0; i < 30; i++ {
		now = now.Add(time.Millisecond)
		c.Observe(now, 1e12)
	}
	// With only the integral term active the output saturates at Ki * -100.
	if got, want := c.Output(), cfg.Ki*-cfg.IntegralLimit; got != want {
		t.Errorf("output = %v, want %v", got, want)
	}
}

func TestWindowSlides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Window = 2
	c := New(cfg, 512, epoch)

	now := epoch
	c.Observe(now, 1e6)
	for _, d := range []time.Duration{time.Second, 15 * time.Second, 15 * time.Second} {
		now = now.Add(d)
		c.Observe(now, 1e6)
	}
	if len(c.samples) != 2 {
		t.Fatalf("window holds %d samples, want 2", len(c.samples))
	}
	for _, v := range c.samples {
		if v != 15 {
			t.Errorf("sample %v survived the slide", v)
		}
	}
}

func TestHalveRespectsFloor(t *testing.T) {
	c := New(DefaultConfig(), 3, epoch)
	if got := c.Halve(); got != 1.5 {
		t.Errorf("Halve() = %v, want 1.5", got)
	}
	if got := c.Halve(); got != 1 {
		t.Errorf("Halve() = %v, want 1", got)
	}
}

func TestIdle(t *testing.T) {
	c := New(DefaultConfig(), 512, epoch)
	if got := c.Idle(epoch.Add(time.Minute)); got != time.Minute {
		t.Errorf("Idle() before any share = %v, want 1m", got)
	}

	c.Observe(epoch.Add(2*time.Minute), 1e6)
	if got := c.Idle(epoch.Add(3 * time.Minute)); got != time.Minute {
		t.Errorf("Idle() = %v, want 1m", got)
	}

	c.Touch(epoch.Add(4 * time.Minute))
	if got := c.Idle(epoch.Add(4 * time.Minute)); got != 0 {
		t.Errorf("Idle() after Touch = %v, want 0", got)
	}
}
