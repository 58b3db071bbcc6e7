package pid

import (
	"time"
)

const (
	outputMin    = 0.0
	outputMax    = 100.0
	integralMax  = 100.0
)

// Controller is one PID loop emitting 0-100%, the fraction of the PWM
// period its device should be on.
type Controller struct {
	kp, ki, kd float64

	integral float64
	lastErr  float64
	hasLast  bool
	lastTime time.Time
	output   float64

	maxDt time.Duration
}

// NewController builds a controller. maxDt caps the integration step so
// a long service pause cannot blow up the integral.
func NewController(kp, ki, kd float64, maxDt time.Duration) *Controller {
	return &Controller{kp: kp, ki: ki, kd: kd, maxDt: maxDt}
}

// SetTunings swaps gains in place. The integral term is preserved so a
// live retune does not bump the output.
func (c *Controller) SetTunings(kp, ki, kd float64) {
	c.kp = kp
	c.ki = ki
	c.kd = kd
}

func (c *Controller) Tunings() (kp, ki, kd float64) {
	return c.kp, c.ki, c.kd
}

// Update advances the loop with a fresh error sample and returns the
// clamped output.
func (c *Controller) Update(err float64, now time.Time) float64 {
	var dt float64
	if c.hasLast {
		elapsed := now.Sub(c.lastTime)
		if elapsed > c.maxDt {
			elapsed = c.maxDt
		}
		if elapsed < 0 {
			elapsed = 0
		}
		dt = elapsed.Seconds()
	}

	p := c.kp * err

	newIntegral := clamp(c.integral+c.ki*err*dt, -integralMax, integralMax)

	var d float64
	if dt > 0 {
		d = c.kd * (err - c.lastErr) / dt
	}

	u := p + newIntegral + d

	// Anti-windup: when the output saturates and the integral is still
	// pushing in the error's direction, drop the integration step.
	if (u > outputMax || u < outputMin) && sameSign(err, newIntegral) {
		newIntegral = c.integral
		u = p + newIntegral + d
	}

	c.integral = newIntegral
	c.lastErr = err
	c.lastTime = now
	c.hasLast = true
	c.output = clamp(u, outputMin, outputMax)
	return c.output
}

// Hold returns the previous output without touching the integral. Used
// while the sensor is stale or a lower-priority loop is idle.
func (c *Controller) Hold() float64 {
	return c.output
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
