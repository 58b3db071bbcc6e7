// Package climate partitions the 24-hour cycle into phases and blends
// setpoints across phase boundaries. It only answers "what are the
// targets right now"; device decisions belong to the control loop.
package climate

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Phoenix5595/grow-controller/internal/model"
)

// phaseOrder is the daily progression. NIGHT wraps back to PRE_DAY.
var phaseOrder = []model.Phase{model.PhasePreDay, model.PhaseDay, model.PhasePreNight, model.PhaseNight}

const day = 24 * time.Hour

// PhaseAt returns the climate phase at time-of-day t along with the
// phase's start and the phase preceding it. Empty pre-phases collapse
// into their neighbors.
func PhaseAt(pp model.Photoperiod, t model.TimeOfDay) (phase model.Phase, start model.TimeOfDay, prev model.Phase) {
	spans := phaseSpans(pp)

	anchor := pp.DayStart.Add(-pp.PreDay)
	elapsed := t.SinceStart(anchor)

	var offset time.Duration
	for i, p := range phaseOrder {
		span := spans[p]
		if span == 0 {
			continue
		}
		if elapsed < offset+span {
			return p, anchor.Add(offset), prevPhase(spans, i)
		}
		offset += span
	}
	// elapsed lands exactly on 24h due to rounding; treat as cycle start.
	return firstPhase(spans), anchor, prevPhase(spans, indexOf(firstPhase(spans)))
}

// phaseSpans computes the length of each phase. Pre-phase durations
// come off the DAY and NIGHT ends per the phase layout; a zero span
// means the phase never occurs.
func phaseSpans(pp model.Photoperiod) map[model.Phase]time.Duration {
	photoperiod := pp.DayEnd.SinceStart(pp.DayStart)
	if pp.DayStart == pp.DayEnd {
		photoperiod = 0
	}

	preDay := pp.PreDay
	preNight := pp.PreNight
	if preNight > photoperiod {
		preNight = photoperiod
	}
	night := day - photoperiod - preDay
	if night < 0 {
		preDay += night
		night = 0
	}

	return map[model.Phase]time.Duration{
		model.PhasePreDay:   preDay,
		model.PhaseDay:      photoperiod - preNight,
		model.PhasePreNight: preNight,
		model.PhaseNight:    night,
	}
}

func prevPhase(spans map[model.Phase]time.Duration, i int) model.Phase {
	for step := 1; step <= len(phaseOrder); step++ {
		p := phaseOrder[(i-step+len(phaseOrder)*2)%len(phaseOrder)]
		if spans[p] > 0 {
			return p
		}
	}
	return phaseOrder[i]
}

func firstPhase(spans map[model.Phase]time.Duration) model.Phase {
	for _, p := range phaseOrder {
		if spans[p] > 0 {
			return p
		}
	}
	return model.PhaseDay
}

func indexOf(p model.Phase) int {
	for i, q := range phaseOrder {
		if q == p {
			return i
		}
	}
	return 0
}

// ActiveSetpoints returns the blended targets for time-of-day t. At a
// phase boundary each configured value ramps linearly from the previous
// phase's value over the new phase's ramp-in window.
func ActiveSetpoints(pp model.Photoperiod, byPhase map[model.Phase]model.Setpoints, t model.TimeOfDay) (model.Setpoints, model.Phase) {
	phase, start, prev := PhaseAt(pp, t)

	cur, ok := byPhase[phase]
	if !ok {
		return model.Setpoints{}, phase
	}
	if cur.RampIn <= 0 {
		return cur, phase
	}
	prevSP, ok := byPhase[prev]
	if !ok {
		return cur, phase
	}

	frac := float64(t.SinceStart(start)) / float64(cur.RampIn)
	if frac >= 1 {
		return cur, phase
	}

	out := model.Setpoints{RampIn: cur.RampIn}
	out.Heating = blend(prevSP.Heating, cur.Heating, frac)
	out.Cooling = blend(prevSP.Cooling, cur.Cooling, frac)
	out.VPD = blend(prevSP.VPD, cur.VPD, frac)
	out.CO2 = blend(prevSP.CO2, cur.CO2, frac)
	return out, phase
}

// blend interpolates between two optional values. A value configured on
// only one side takes effect without ramping.
func blend(prev, cur *float64, frac float64) *float64 {
	if cur == nil {
		return nil
	}
	if prev == nil {
		v := *cur
		return &v
	}
	v := *prev + (*cur-*prev)*frac
	return &v
}

// CheckRampWarnings flags long VPD ramp-ins on load. Stomata respond on
// the order of minutes, so a slow VPD swing can stall transpiration.
func CheckRampWarnings(zone model.Zone, byPhase map[model.Phase]model.Setpoints) {
	for phase, sp := range byPhase {
		if sp.VPD != nil && sp.RampIn > 15*time.Minute {
			log.Warn().
				Str("zone", zone.String()).
				Str("phase", string(phase)).
				Dur("ramp_in", sp.RampIn).
				Msg("VPD ramp-in exceeds 15 minutes, may cause stomatal shock")
		}
	}
}
