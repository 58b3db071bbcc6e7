// Package schedule answers whether a time window is active and what it
// implies for the devices it controls.
package schedule

import (
	"time"

	"github.com/Phoenix5595/grow-controller/internal/model"
)

// IsActive reports whether s covers the wall time now. Windows may wrap
// midnight; start equal to end is empty and never active.
func IsActive(s model.Schedule, now time.Time) bool {
	if !s.Enabled {
		return false
	}
	if s.DayOfWeek != nil && *s.DayOfWeek != now.Weekday() {
		return false
	}
	t := model.At(now)
	return t.InWindow(s.Start, s.End)
}

// Set indexes the loaded schedules for the lookups the control loop
// needs: gating by id and per-device arbitration.
type Set struct {
	byID     map[int64]model.Schedule
	byDevice map[string][]model.Schedule // zone/device key
}

func NewSet(schedules []model.Schedule) *Set {
	set := &Set{
		byID:     make(map[int64]model.Schedule, len(schedules)),
		byDevice: make(map[string][]model.Schedule),
	}
	for _, s := range schedules {
		set.byID[s.ID] = s
		key := deviceKey(s.Zone, s.DeviceName)
		set.byDevice[key] = append(set.byDevice[key], s)
	}
	return set
}

func deviceKey(zone model.Zone, device string) string {
	return zone.String() + "/" + device
}

// ActiveByID reports whether the schedule with the given id is active.
// Unknown ids gate closed.
func (s *Set) ActiveByID(id int64, now time.Time) bool {
	sched, ok := s.byID[id]
	if !ok {
		return false
	}
	return IsActive(sched, now)
}

// TargetIntensity returns the configured light level for a device,
// taken from the lowest-id enabled schedule that names it. The
// photoperiod engine owns the timing; this only supplies the level.
func (s *Set) TargetIntensity(zone model.Zone, device string) *float64 {
	var (
		best   *float64
		bestID int64
	)
	for _, sched := range s.byDevice[deviceKey(zone, device)] {
		if !sched.Enabled || sched.TargetIntensity == nil {
			continue
		}
		if best == nil || sched.ID < bestID {
			best = sched.TargetIntensity
			bestID = sched.ID
		}
	}
	return best
}

// Decision is the schedule layer's verdict for one device.
type Decision struct {
	Controlled bool // at least one schedule targets the device
	On         bool
	ScheduleID int64
	Intensity  *float64
}

// Evaluate returns the schedule decision for a device. Disabled rows
// are ignored entirely; a device whose schedules are all disabled falls
// through to closed-loop control. When several schedules are active at
// once the lowest id wins, keeping attribution stable.
func (s *Set) Evaluate(zone model.Zone, device string, now time.Time) Decision {
	var dec Decision
	for _, sched := range s.byDevice[deviceKey(zone, device)] {
		if !sched.Enabled {
			continue
		}
		dec.Controlled = true
		if !IsActive(sched, now) {
			continue
		}
		if !dec.On || sched.ID < dec.ScheduleID {
			dec.On = true
			dec.ScheduleID = sched.ID
			dec.Intensity = sched.TargetIntensity
		}
	}
	return dec
}
