package pid

import "time"

// PWM realizes a 0-100% output as a time-based on/off cycle. The phase
// clock starts at first use and is never restarted: recomputing the
// duty mid-period shifts only where the falling edge lands.
type PWM struct {
	period time.Duration
	minOn  time.Duration
	minOff time.Duration

	epoch   time.Time
	started bool
}

func NewPWM(period, minOn, minOff time.Duration) *PWM {
	return &PWM{period: period, minOn: minOn, minOff: minOff}
}

// State returns whether the device should be on right now for output u,
// plus the effective duty cycle percent after min-time snapping.
func (p *PWM) State(u float64, now time.Time) (bool, float64) {
	if !p.started {
		p.epoch = now
		p.started = true
	}

	ton := time.Duration(clamp(u, 0, 100) / 100 * float64(p.period))
	if ton < p.minOn {
		ton = 0
	} else if p.period-ton < p.minOff {
		ton = p.period
	}

	duty := float64(ton) / float64(p.period) * 100

	if ton == 0 {
		return false, 0
	}
	if ton == p.period {
		return true, 100
	}

	phase := now.Sub(p.epoch) % p.period
	return phase < ton, duty
}
