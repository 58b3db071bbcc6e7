package engine

import (
	"github.com/Phoenix5595/grow-controller/internal/model"
)

const deadbandFraction = 0.05

// evaluateHysteresis is the two-point controller for automatic devices
// without PID. The second return is false when no decision could be
// made: no relevant setpoint, or the sensor is missing, or the value
// sits inside the deadband. The caller keeps the previous state then.
func evaluateHysteresis(d *model.Device, sp model.Setpoints, read func(kind string) (model.Reading, bool), currentOn bool) (bool, bool) {
	switch d.Type {
	case model.TypeDehumidifier:
		target, ok := sp.Kind(model.KindVPD)
		if !ok {
			return false, false
		}
		reading, fresh := read(model.KindVPD)
		if !fresh {
			return false, false
		}
		return band(reading.Value, target, currentOn, true)

	case model.TypeHumidifier:
		target, ok := sp.Kind(model.KindVPD)
		if !ok {
			return false, false
		}
		reading, fresh := read(model.KindVPD)
		if !fresh {
			return false, false
		}
		return band(reading.Value, target, currentOn, false)

	case model.TypeFan, model.TypeExhaustFan:
		target, ok := sp.Kind(model.KindCooling)
		if !ok {
			return false, false
		}
		reading, fresh := read(model.KindCooling)
		if !fresh {
			return false, false
		}
		return band(reading.Value, target, currentOn, false)

	case model.TypeHeater:
		target, ok := sp.Kind(model.KindHeating)
		if !ok {
			return false, false
		}
		reading, fresh := read(model.KindHeating)
		if !fresh {
			return false, false
		}
		return band(reading.Value, target, currentOn, true)
	}
	return false, false
}

// band applies the two thresholds around the setpoint. onBelow selects
// which side of the band turns the device on: heaters and
// dehumidifiers act when the value is low, fans and humidifiers when
// it is high.
func band(value, target float64, currentOn, onBelow bool) (bool, bool) {
	deadband := deadbandFraction * abs(target)
	low := target - deadband
	high := target + deadband

	switch {
	case value < low:
		return onBelow, true
	case value > high:
		return !onBelow, true
	default:
		return currentOn, true
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
