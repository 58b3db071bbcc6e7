package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Phoenix5595/grow-controller/db"
	"github.com/Phoenix5595/grow-controller/internal/climate"
	"github.com/Phoenix5595/grow-controller/internal/history"
	"github.com/Phoenix5595/grow-controller/internal/model"
	"github.com/Phoenix5595/grow-controller/internal/photoperiod"
	"github.com/Phoenix5595/grow-controller/internal/rules"
	"github.com/Phoenix5595/grow-controller/internal/statebus"
)

// arbitrate picks the command for one device: failsafe, then manual,
// rules, schedules (photoperiod for lights), PID or hysteresis. A nil
// return means no change this tick.
func (e *Engine) arbitrate(d *model.Device, st model.DeviceState, data *tickData, reads *readSet, now time.Time) *model.Command {
	if e.alarms.InFailsafe(d.Zone) {
		return failsafeCommand(d)
	}
	if data.zoneModes[d.Zone] == model.ZoneManual || st.Mode == model.ModeManual {
		return nil
	}

	// Rules.
	gate := func(id int64) bool { return data.schedules.ActiveByID(id, now) }
	if winner := rules.Evaluate(data.rules, d.Zone, d.Name, reads.byName(d.Zone), gate); winner != nil {
		return &model.Command{On: winner.ActionOn, Reason: model.ReasonRule, RuleID: winner.ID}
	}

	// Lights follow the photoperiod when one is enabled for the zone.
	if d.Type == model.TypeLight {
		if prog, ok := data.periods[d.Zone]; ok && prog.Enabled {
			target := 100.0
			if t := data.schedules.TargetIntensity(d.Zone, d.Name); t != nil {
				target = *t
			}
			cmd := photoperiod.Command(d, prog.Intensity(target, model.At(now)))
			return &cmd
		}
	}

	// Schedules.
	if dec := data.schedules.Evaluate(d.Zone, d.Name, now); dec.Controlled {
		cmd := &model.Command{On: dec.On, Reason: model.ReasonSchedule, ScheduleID: dec.ScheduleID}
		if d.Dimmable() {
			level := 0.0
			if dec.On {
				level = 100
				if dec.Intensity != nil {
					level = *dec.Intensity
				}
			}
			cmd.Intensity = &level
		}
		return cmd
	}

	sp, _ := e.activeSetpoints(d.Zone, data, now)

	// PID.
	if d.PIDEnabled {
		eval := e.bank.Evaluate(d, sp, reads.byKind(d.Zone), now)
		if !eval.OK && !st.On && eval.Output == 0 {
			return nil
		}
		return &model.Command{
			On:        eval.On,
			DutyCycle: eval.Duty,
			PIDOutput: eval.Output,
			Reason:    model.ReasonPID,
		}
	}

	// Hysteresis for the remaining automatic device types.
	if want, decided := evaluateHysteresis(d, sp, reads.byKind(d.Zone), st.On); decided && want != st.On {
		return &model.Command{On: want, Reason: model.ReasonPID}
	}
	return nil
}

// failsafeCommand maps a device to its configured safe state.
// LAST_KNOWN devices are left alone.
func failsafeCommand(d *model.Device) *model.Command {
	switch d.SafeState {
	case model.SafeOn:
		return &model.Command{On: true, Reason: model.ReasonFailsafe}
	case model.SafeLastKnown:
		return nil
	default:
		off := 0.0
		cmd := &model.Command{On: false, Reason: model.ReasonFailsafe}
		if d.Dimmable() {
			cmd.Intensity = &off
		}
		return cmd
	}
}

// activeSetpoints resolves the zone's blended targets for this tick.
func (e *Engine) activeSetpoints(zone model.Zone, data *tickData, now time.Time) (model.Setpoints, model.Phase) {
	byPhase := data.setpoints[zone]
	if len(byPhase) == 0 {
		return model.Setpoints{}, model.PhaseDay
	}
	pp, ok := data.periods[zone]
	if !ok {
		// No photoperiod: the zone is permanently in DAY.
		return byPhase[model.PhaseDay], model.PhaseDay
	}
	return climate.ActiveSetpoints(pp.Photoperiod, byPhase, model.At(now))
}

// kindQuantity maps a setpoint kind to the measured quantity the zone
// sensor config names.
func kindQuantity(kind string) string {
	switch kind {
	case model.KindHeating, model.KindCooling:
		return "temperature"
	case model.KindVPD:
		return "vpd"
	case model.KindCO2:
		return "co2"
	}
	return ""
}

// readSet memoizes sensor reads within one tick so a sensor shared by
// rules and PIDs is fetched once, and records every outcome for the
// alarm manager.
type readSet struct {
	e    *Engine
	ctx  context.Context
	now  time.Time
	vals map[string]model.Reading
	ok   map[string]bool
	seen map[model.Zone]map[string]bool
}

func newReadSet(e *Engine, ctx context.Context, now time.Time) *readSet {
	return &readSet{
		e:    e,
		ctx:  ctx,
		now:  now,
		vals: make(map[string]model.Reading),
		ok:   make(map[string]bool),
		seen: make(map[model.Zone]map[string]bool),
	}
}

func (r *readSet) read(zone model.Zone, sensor string) (model.Reading, bool) {
	if sensor == "" {
		return model.Reading{}, false
	}
	if _, done := r.ok[sensor]; !done {
		reading, err := r.e.cache.Read(r.ctx, zone, sensor, r.now)
		fresh := err == nil && reading.Fresh(r.e.cfg.Control.LastGoodHold())
		r.vals[sensor] = reading
		r.ok[sensor] = fresh
		if r.seen[zone] == nil {
			r.seen[zone] = make(map[string]bool)
		}
		r.seen[zone][sensor] = fresh
	}
	return r.vals[sensor], r.ok[sensor]
}

// byName adapts the set to the rules package: sensors referenced by
// name.
func (r *readSet) byName(zone model.Zone) rules.SensorReader {
	return func(sensor string) (model.Reading, bool) {
		return r.read(zone, sensor)
	}
}

// byKind adapts the set to the PID bank and hysteresis: setpoint kinds
// resolved through the zone's sensor config.
func (r *readSet) byKind(zone model.Zone) func(kind string) (model.Reading, bool) {
	return func(kind string) (model.Reading, bool) {
		sensor := r.e.zoneSensors[zone][kindQuantity(kind)]
		return r.read(zone, sensor)
	}
}

// observe reports every read outcome of the tick to the alarm manager.
func (r *readSet) observe() {
	for zone, sensors := range r.seen {
		for sensor, fresh := range sensors {
			r.e.alarms.ObserveSensor(zone, sensor, fresh, r.now)
		}
	}
}

// paramsSource resolves PID tunings: the state bus first, then the DB
// with a write-back so the bus key repopulates after TTL expiry.
type paramsSource struct {
	bus  statebus.Bus
	conn *sql.DB
}

func (s *paramsSource) Params(deviceType string) (*model.PIDParams, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	p, err := s.bus.GetPIDParams(ctx, deviceType)
	if err == nil {
		return p, true
	}
	if !errors.Is(err, statebus.ErrNotFound) {
		log.Debug().Err(err).Str("device_type", deviceType).Msg("PID params bus read failed")
	}

	p, err = db.GetPIDParams(s.conn, deviceType)
	if err != nil {
		return nil, false
	}
	if werr := s.bus.SetPIDParams(ctx, deviceType, *p); werr != nil {
		log.Debug().Err(werr).Str("device_type", deviceType).Msg("PID params write-back failed")
	}
	return p, true
}

// TransitionRecorder fans a transition out to the history writer and
// the bus event stream. Wired as the relay manager's sink.
type TransitionRecorder struct {
	Hist *history.Writer
	Bus  statebus.Bus
}

func (r *TransitionRecorder) RecordTransition(t model.Transition) {
	if r.Hist != nil {
		r.Hist.RecordTransition(t)
	}
	if r.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		newState := 0
		if t.NewState {
			newState = 1
		}
		if err := r.Bus.AppendEvent(ctx, map[string]interface{}{
			"kind":   "transition",
			"zone":   t.Zone.String(),
			"device": t.Device,
			"seq":    t.Seq,
			"state":  newState,
			"reason": string(t.Reason),
		}); err != nil {
			log.Debug().Err(err).Msg("Failed to append transition event")
		}
	}
}
