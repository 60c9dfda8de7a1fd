// Package vardiff retargets each connection's share difficulty with a PID
// loop over the average interval between its submissions.
package vardiff

import (
	"math"
	"sync"
	"time"
)

// Config holds the controller tuning.
type Config struct {
	Target        time.Duration
	Window        int
	Kp            float64
	Ki            float64
	Kd            float64
	IntegralLimit float64
	Floor         float64
}

// DefaultConfig returns a 15s target over a 15 sample window.
func DefaultConfig() Config {
	return Config{
		Target:        15 * time.Second,
		Window:        15,
		Kp:            0.02,
		Ki:            0.002,
		Kd:            0.01,
		IntegralLimit: 100,
		Floor:         1,
	}
}

// Controller is the per-connection difficulty state. It is safe for use by
// the connection's reader and the stale sweep at the same time.
type Controller struct {
	cfg Config

	mu         sync.Mutex
	difficulty float64
	samples    []float64
	next       int
	integral   float64
	lastError  float64
	output     float64
	lastSubmit time.Time
	created    time.Time
}

// New returns a controller starting at difficulty start.
func New(cfg Config, start float64, now time.Time) *Controller {
	if cfg.Window <= 0 {
		cfg.Window = 1
	}
	if cfg.Floor < 1 {
		cfg.Floor = 1
	}
	return &Controller{
		cfg:        cfg,
		difficulty: math.Max(start, cfg.Floor),
		samples:    make([]float64, 0, cfg.Window),
		created:    now,
	}
}

// Difficulty returns the current difficulty.
func (c *Controller) Difficulty() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.difficulty
}

// Output returns the last PID output.
func (c *Controller) Output() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output
}

// Observe records a processed submission at now and retargets. The first
// call only starts the clock. The result lies in [Floor, blockDifficulty].
func (c *Controller) Observe(now time.Time, blockDifficulty float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastSubmit.IsZero() {
		c.lastSubmit = now
		return c.difficulty
	}

	elapsed := now.Sub(c.lastSubmit).Seconds()
	c.lastSubmit = now
	c.push(elapsed)

	avg := 0.0
	for _, v := range c.samples {
		avg += v
	}
	avg /= float64(len(c.samples))

	e := avg - c.cfg.Target.Seconds()
	c.integral = clamp(c.integral+e, -c.cfg.IntegralLimit, c.cfg.IntegralLimit)
	derivative := e - c.lastError
	c.lastError = e

	c.output = c.cfg.Kp*e + c.cfg.Ki*c.integral + c.cfg.Kd*derivative
	c.difficulty = c.bound(c.difficulty*(1-c.output), blockDifficulty)
	return c.difficulty
}

// Halve cuts the difficulty in half for a connection that stopped submitting.
func (c *Controller) Halve() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.difficulty = math.Max(c.difficulty/2, c.cfg.Floor)
	return c.difficulty
}

// Idle returns the time since the last submission, or since creation when
// nothing was submitted yet.
func (c *Controller) Idle(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSubmit.IsZero() {
		return now.Sub(c.created)
	}
	return now.Sub(c.lastSubmit)
}

// Touch restarts the idle clock without recording a sample.
func (c *Controller) Touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSubmit.IsZero() {
		c.created = now
		return
	}
	c.lastSubmit = now
}

func (c *Controller) push(v float64) {
	if len(c.samples) < c.cfg.Window {
		c.samples = append(c.samples, v)
		return
	}
	c.samples[c.next] = v
	c.next = (c.next + 1) % c.cfg.Window
}

func (c *Controller) bound(d, blockDifficulty float64) float64 {
	if math.IsNaN(d) {
		d = c.cfg.Floor
	}
	if blockDifficulty >= c.cfg.Floor && d > blockDifficulty {
		d = blockDifficulty
	}
	return math.Max(d, c.cfg.Floor)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
