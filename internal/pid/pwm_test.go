package pid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPWMDutyCycle(t *testing.T) {
	p := NewPWM(100*time.Second, 5*time.Second, 5*time.Second)

	// 75% output: on for the first 75s of the period, off after.
	on, duty := p.State(75, t0)
	assert.True(t, on)
	assert.Equal(t, 75.0, duty)

	on, _ = p.State(75, t0.Add(74*time.Second))
	assert.True(t, on)
	on, _ = p.State(75, t0.Add(75*time.Second))
	assert.False(t, on)
	on, _ = p.State(75, t0.Add(99*time.Second))
	assert.False(t, on)

	// Next period starts on again.
	on, _ = p.State(75, t0.Add(100*time.Second))
	assert.True(t, on)
}

func TestPWMMinOnSnapsToZero(t *testing.T) {
	p := NewPWM(100*time.Second, 5*time.Second, 5*time.Second)

	// 3% of 100s is 3s, below min-on: snapped to fully off.
	on, duty := p.State(3, t0)
	assert.False(t, on)
	assert.Equal(t, 0.0, duty)
}

func TestPWMMinOffSnapsToFull(t *testing.T) {
	p := NewPWM(100*time.Second, 5*time.Second, 5*time.Second)

	// 98% leaves a 2s off slot, below min-off: snapped to fully on.
	on, duty := p.State(98, t0)
	assert.True(t, on)
	assert.Equal(t, 100.0, duty)
}

func TestPWMPhaseClockSurvivesRecompute(t *testing.T) {
	p := NewPWM(100*time.Second, 0, 0)

	on, _ := p.State(50, t0)
	assert.True(t, on)

	// Raising the output mid-period moves only the falling edge; the
	// period boundary stays anchored to first use.
	on, _ = p.State(60, t0.Add(55*time.Second))
	assert.True(t, on)
	on, _ = p.State(60, t0.Add(61*time.Second))
	assert.False(t, on)

	on, _ = p.State(60, t0.Add(100*time.Second))
	assert.True(t, on)
}

func TestPWMExtremes(t *testing.T) {
	p := NewPWM(100*time.Second, 0, 0)
	on, duty := p.State(0, t0)
	assert.False(t, on)
	assert.Equal(t, 0.0, duty)

	on, duty = p.State(100, t0.Add(time.Second))
	assert.True(t, on)
	assert.Equal(t, 100.0, duty)
}
