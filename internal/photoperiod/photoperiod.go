// Package photoperiod computes light intensity over the daily cycle.
// All functions are pure over time-of-day so the engine can evaluate
// them at any tick without carrying state between calls.
package photoperiod

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Phoenix5595/grow-controller/internal/model"
)

// Program is a normalized per-zone light program. Ramps are guaranteed
// not to overlap after Normalize.
type Program struct {
	model.Photoperiod
}

// Normalize shrinks overlapping ramps so they meet at the photoperiod
// midpoint. Logs a warning when reshaping was needed.
func Normalize(pp model.Photoperiod) Program {
	dur := Duration(pp)
	if dur > 0 && pp.RampUp+pp.RampDown > dur {
		scale := float64(dur) / float64(pp.RampUp+pp.RampDown)
		origUp, origDown := pp.RampUp, pp.RampDown
		pp.RampUp = time.Duration(float64(pp.RampUp) * scale)
		pp.RampDown = dur - pp.RampUp
		log.Warn().
			Str("zone", pp.Zone.String()).
			Dur("ramp_up", origUp).
			Dur("ramp_down", origDown).
			Dur("photoperiod", dur).
			Msg("Light ramps exceed photoperiod, shrinking to meet at midpoint")
	}
	return Program{Photoperiod: pp}
}

// Duration returns the lights-on span, handling windows that wrap
// midnight. Equal start and end means no photoperiod at all.
func Duration(pp model.Photoperiod) time.Duration {
	if pp.DayStart == pp.DayEnd {
		return 0
	}
	return pp.DayEnd.SinceStart(pp.DayStart)
}

// Intensity returns the commanded light level in [0, target] at
// time-of-day t. Zero outside the photoperiod.
func (p Program) Intensity(target float64, t model.TimeOfDay) float64 {
	if !p.Enabled {
		return 0
	}
	dur := Duration(p.Photoperiod)
	if dur == 0 {
		return 0
	}

	elapsed := t.SinceStart(p.DayStart)
	if elapsed >= dur {
		return 0
	}
	if p.RampUp > 0 && elapsed < p.RampUp {
		return target * float64(elapsed) / float64(p.RampUp)
	}
	remaining := dur - elapsed
	if p.RampDown > 0 && remaining <= p.RampDown {
		return target * float64(remaining) / float64(p.RampDown)
	}
	return target
}

// IsDay reports whether t falls inside the lights-on window.
func (p Program) IsDay(t model.TimeOfDay) bool {
	if !p.Enabled || Duration(p.Photoperiod) == 0 {
		return false
	}
	return t.SinceStart(p.DayStart) < Duration(p.Photoperiod)
}

// Command maps an intensity to the relay command for a light. Dimmable
// lights carry the level, plain relays only the on/off edge.
func Command(d *model.Device, intensity float64) model.Command {
	cmd := model.Command{
		On:     intensity > 0,
		Reason: model.ReasonPhotoperiod,
	}
	if d.Dimmable() {
		level := intensity
		cmd.Intensity = &level
	}
	return cmd
}
