// Package rules evaluates sensor-condition rules against the current
// readings. Rules sit above schedules and below manual overrides in the
// arbitration order.
package rules

import (
	"github.com/Phoenix5595/grow-controller/internal/model"
)

// SensorReader resolves a sensor name to a fresh reading. The second
// return is false when the sensor is missing or stale; a rule that
// depends on it cannot match.
type SensorReader func(sensor string) (model.Reading, bool)

// ScheduleGate reports whether a gating schedule id is currently
// active.
type ScheduleGate func(id int64) bool

func compare(op string, value, threshold float64) bool {
	switch op {
	case "<":
		return value < threshold
	case ">":
		return value > threshold
	case "<=":
		return value <= threshold
	case ">=":
		return value >= threshold
	case "==":
		return value == threshold
	}
	return false
}

// Matches reports whether a single rule fires right now.
func Matches(r model.Rule, read SensorReader, gate ScheduleGate) bool {
	if !r.Enabled {
		return false
	}
	if r.ScheduleID != 0 && !gate(r.ScheduleID) {
		return false
	}
	reading, fresh := read(r.Sensor)
	if !fresh {
		return false
	}
	return compare(r.Operator, reading.Value, r.Value)
}

// Evaluate returns the winning rule for one device, or nil when no rule
// fires. Highest priority wins; equal priorities break by lowest id.
func Evaluate(ruleset []model.Rule, zone model.Zone, device string, read SensorReader, gate ScheduleGate) *model.Rule {
	var winner *model.Rule
	for i := range ruleset {
		r := &ruleset[i]
		if r.Zone != zone || r.Device != device {
			continue
		}
		if !Matches(*r, read, gate) {
			continue
		}
		if winner == nil || r.Priority > winner.Priority || (r.Priority == winner.Priority && r.ID < winner.ID) {
			winner = r
		}
	}
	return winner
}
