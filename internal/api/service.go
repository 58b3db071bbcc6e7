// Package api is the operator-facing surface of the controller. Every
// mutating call validates against the config-derived ranges and returns
// a structured error naming the offending field and the allowed range.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Phoenix5595/grow-controller/db"
	"github.com/Phoenix5595/grow-controller/internal/alarm"
	"github.com/Phoenix5595/grow-controller/internal/config"
	"github.com/Phoenix5595/grow-controller/internal/model"
	"github.com/Phoenix5595/grow-controller/internal/relay"
	"github.com/Phoenix5595/grow-controller/internal/statebus"
)

// ValidationError reports a rejected mutating call with enough context
// for the operator to correct it.
type ValidationError struct {
	Field   string
	Value   string
	Allowed string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s=%s, allowed %s", e.Field, e.Value, e.Allowed)
}

// Service exposes the controller to the API layer. It never touches
// hardware directly; device moves go through the relay manager and
// failsafe questions through the alarm manager.
type Service struct {
	cfg    *config.Config
	conn   *sql.DB
	bus    statebus.Bus
	relays *relay.Manager
	alarms *alarm.Manager
}

func NewService(cfg *config.Config, conn *sql.DB, bus statebus.Bus, relays *relay.Manager, alarms *alarm.Manager) *Service {
	return &Service{cfg: cfg, conn: conn, bus: bus, relays: relays, alarms: alarms}
}

func key(zone model.Zone, name string) string {
	return zone.Location + "/" + zone.Cluster + "/" + name
}

// GetDeviceState returns the live runtime record for one device.
func (s *Service) GetDeviceState(zone model.Zone, name string) (model.DeviceState, error) {
	st, ok := s.relays.ReadState(key(zone, name))
	if !ok {
		return model.DeviceState{}, fmt.Errorf("unknown device %s/%s", zone, name)
	}
	return st, nil
}

// ApplyManual commands a device directly. The device keeps the state
// until another manual command or a failsafe overrides it; setting the
// device to manual mode first makes the override sticky.
func (s *Service) ApplyManual(zone model.Zone, name string, on bool, intensity *float64) error {
	k := key(zone, name)
	d, ok := s.relays.Device(k)
	if !ok {
		return fmt.Errorf("unknown device %s/%s", zone, name)
	}
	if s.alarms.InFailsafe(zone) {
		return fmt.Errorf("zone %s is in failsafe, manual commands are rejected", zone)
	}
	if intensity != nil {
		if !d.Dimmable() {
			return &ValidationError{Field: "intensity", Value: fmt.Sprintf("%.1f", *intensity), Allowed: "none (device is not dimmable)"}
		}
		if *intensity < 0 || *intensity > 100 {
			return &ValidationError{Field: "intensity", Value: fmt.Sprintf("%.1f", *intensity), Allowed: "0-100"}
		}
	}
	return s.relays.Apply(k, model.Command{On: on, Intensity: intensity, Reason: model.ReasonManual})
}

// SetDeviceMode switches a device between manual and automatic control.
func (s *Service) SetDeviceMode(zone model.Zone, name string, mode model.DeviceMode) error {
	switch mode {
	case model.ModeManual, model.ModeAuto, model.ModeScheduled:
	default:
		return &ValidationError{Field: "mode", Value: string(mode), Allowed: "manual, auto, scheduled"}
	}
	return s.relays.SetMode(key(zone, name), mode)
}

// UpsertSetpoint validates and stores one phase's targets for a zone.
func (s *Service) UpsertSetpoint(zone model.Zone, phase model.Phase, sp model.Setpoints) error {
	if err := config.ValidateSetpoints(sp.Heating, sp.Cooling, sp.VPD, sp.CO2, int(sp.RampIn/time.Minute)); err != nil {
		s.alarms.SetpointRejected(zone, err.Error())
		return &ValidationError{Field: "setpoint", Value: err.Error(), Allowed: "temperature 10-35, vpd 0-5, co2 400-2000, ramp 0-240min"}
	}
	if err := db.UpsertSetpoints(s.conn, zone, phase, sp); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.bus.SetSetpoints(ctx, zone, phase, sp); err != nil {
		// DB holds the truth; readers fall back to it.
		log.Warn().Err(err).Str("zone", zone.String()).Msg("Failed to push setpoints to state bus")
	}
	log.Info().Str("zone", zone.String()).Str("phase", string(phase)).Msg("Setpoints updated")
	return nil
}

// UpsertSchedule validates and stores a schedule. Schedule edits that
// would change a locked photoperiod's duration are rejected here; the
// control core assumes the invariant holds.
func (s *Service) UpsertSchedule(sched model.Schedule) (int64, error) {
	if sched.Start == sched.End {
		// Legal but never active; accepted so operators can stage rows.
		log.Warn().Str("schedule", sched.Name).Msg("Schedule has an empty window")
	}
	if err := s.checkLockedPhotoperiod(sched); err != nil {
		return 0, err
	}
	return db.UpsertSchedule(s.conn, sched)
}

func (s *Service) checkLockedPhotoperiod(sched model.Schedule) error {
	d, ok := s.relays.Device(key(sched.Zone, sched.DeviceName))
	if !ok || d.Type != model.TypeLight {
		return nil
	}
	periods, err := db.GetAllPhotoperiods(s.conn)
	if err != nil {
		return err
	}
	for _, pp := range periods {
		if pp.Zone != sched.Zone || pp.LockedHours == nil {
			continue
		}
		want := time.Duration(*pp.LockedHours * float64(time.Hour))
		got := sched.End.SinceStart(sched.Start)
		if got != want {
			return &ValidationError{
				Field:   "schedule.duration",
				Value:   got.String(),
				Allowed: fmt.Sprintf("exactly %s (photoperiod is locked)", want),
			}
		}
	}
	return nil
}

// UpsertRule validates and stores a rule.
func (s *Service) UpsertRule(r model.Rule) (int64, error) {
	switch r.Operator {
	case "<", ">", "<=", ">=", "==":
	default:
		return 0, &ValidationError{Field: "condition_operator", Value: r.Operator, Allowed: "< > <= >= =="}
	}
	if r.Priority < 0 || r.Priority > 100 {
		return 0, &ValidationError{Field: "priority", Value: fmt.Sprintf("%d", r.Priority), Allowed: "0-100"}
	}
	return db.UpsertRule(s.conn, r)
}

// SetPIDParams validates gains against the per-type limits and pushes
// them to the DB and the parameter cache. The control loop picks them
// up within its rate-limit window.
func (s *Service) SetPIDParams(deviceType string, p model.PIDParams) error {
	if err := s.cfg.ValidatePIDParams(deviceType, p); err != nil {
		return &ValidationError{Field: "pid_params", Value: err.Error(), Allowed: "per-type limits from config"}
	}
	p.UpdatedAt = time.Now()
	if p.Source == "" {
		p.Source = "api"
	}
	if err := db.UpsertPIDParams(s.conn, deviceType, p); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.bus.SetPIDParams(ctx, deviceType, p); err != nil {
		// DB holds the truth; the bus key repopulates on next reload.
		log.Warn().Err(err).Str("device_type", deviceType).Msg("Failed to push PID params to state bus")
	}
	log.Info().
		Str("device_type", deviceType).
		Float64("kp", p.Kp).
		Float64("ki", p.Ki).
		Float64("kd", p.Kd).
		Msg("PID parameters updated")
	return nil
}

// GetFailsafe reports whether a zone is in failsafe and why.
func (s *Service) GetFailsafe(zone model.Zone) (bool, string) {
	return s.alarms.InFailsafe(zone), s.alarms.FailsafeReason(zone)
}

// ClearFailsafe asks the alarm manager to release a zone. Rejected
// while the originating condition is still active.
func (s *Service) ClearFailsafe(zone model.Zone) error {
	return s.alarms.ClearFailsafe(zone)
}

// AckAlarm acknowledges an active alarm.
func (s *Service) AckAlarm(zone model.Zone, name string) error {
	return s.alarms.Ack(zone, name, time.Now())
}

// Alarms lists the active alarms.
func (s *Service) Alarms() []model.Alarm {
	return s.alarms.Active()
}
