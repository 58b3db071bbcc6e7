package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Phoenix5595/grow-controller/internal/model"
)

// GetAllDevices retrieves every configured device, sorted by zone then
// name so callers iterate in the control order.
func GetAllDevices(conn *sql.DB) ([]model.Device, error) {
	rows, err := conn.Query(`SELECT location, cluster, name, device_type, board, channel, active_high,
		dimming_board, dimming_channel, pid_enabled, pid_setpoints, pwm_period_seconds,
		min_on_seconds, min_off_seconds, interlock_with, interlock_winner, safe_state
		FROM devices ORDER BY location, cluster, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		var (
			d            model.Device
			dimBoard     sql.NullString
			dimChannel   sql.NullInt64
			pidSetpoints string
			pwmSeconds   int
			minOn        int
			minOff       int
			interlocks   string
			safeState    string
		)
		err = rows.Scan(&d.Zone.Location, &d.Zone.Cluster, &d.Name, &d.Type, &d.Board, &d.Channel, &d.ActiveHigh,
			&dimBoard, &dimChannel, &d.PIDEnabled, &pidSetpoints, &pwmSeconds, &minOn, &minOff, &interlocks,
			&d.InterlockWinner, &safeState)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		if dimBoard.Valid {
			d.Dimming = &model.Dimming{BoardID: dimBoard.String, Channel: int(dimChannel.Int64)}
		}
		json.Unmarshal([]byte(pidSetpoints), &d.PIDSetpoints)
		json.Unmarshal([]byte(interlocks), &d.InterlockWith)
		d.PWMPeriod = time.Duration(pwmSeconds) * time.Second
		d.MinOn = time.Duration(minOn) * time.Second
		d.MinOff = time.Duration(minOff) * time.Second
		d.SafeState = model.SafeState(safeState)
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// GetDeviceState retrieves the persisted runtime record for one device.
func GetDeviceState(conn *sql.DB, zone model.Zone, name string) (*model.DeviceState, error) {
	var (
		st          model.DeviceState
		stateInt    int
		lastChanged string
	)
	err := conn.QueryRow(`SELECT state, mode, intensity, duty_cycle, last_changed, last_reason, last_rule_id, last_schedule_id, seq
		FROM device_state WHERE location = ? AND cluster = ? AND name = ?`,
		zone.Location, zone.Cluster, name).
		Scan(&stateInt, &st.Mode, &st.Intensity, &st.DutyCycle, &lastChanged, &st.LastReason, &st.RuleID, &st.ScheduleID, &st.Seq)
	if err != nil {
		return nil, fmt.Errorf("failed to get device state %s/%s: %w", zone, name, err)
	}
	st.On = stateInt != 0
	st.LastChanged, _ = time.Parse(time.RFC3339, lastChanged)
	return &st, nil
}

// GetAllSchedules retrieves every schedule row.
func GetAllSchedules(conn *sql.DB) ([]model.Schedule, error) {
	rows, err := conn.Query(`SELECT id, name, location, cluster, device_name, day_of_week, start_time, end_time,
		enabled, target_intensity, ramp_up_min, ramp_down_min FROM schedules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}
	defer rows.Close()

	var schedules []model.Schedule
	for rows.Next() {
		var (
			s         model.Schedule
			dow       sql.NullInt64
			start     string
			end       string
			intensity sql.NullFloat64
			rampUp    int
			rampDown  int
		)
		err = rows.Scan(&s.ID, &s.Name, &s.Zone.Location, &s.Zone.Cluster, &s.DeviceName, &dow, &start, &end,
			&s.Enabled, &intensity, &rampUp, &rampDown)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		if dow.Valid {
			wd := time.Weekday(dow.Int64)
			s.DayOfWeek = &wd
		}
		if s.Start, err = model.ParseTimeOfDay(start); err != nil {
			return nil, err
		}
		if s.End, err = model.ParseTimeOfDay(end); err != nil {
			return nil, err
		}
		if intensity.Valid {
			v := intensity.Float64
			s.TargetIntensity = &v
		}
		s.RampUp = time.Duration(rampUp) * time.Minute
		s.RampDown = time.Duration(rampDown) * time.Minute
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// GetAllRules retrieves every rule row.
func GetAllRules(conn *sql.DB) ([]model.Rule, error) {
	rows, err := conn.Query(`SELECT id, name, enabled, location, cluster, condition_sensor, condition_operator,
		condition_value, action_device, action_state, priority, schedule_id FROM rules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	var rules []model.Rule
	for rows.Next() {
		var (
			r        model.Rule
			actionOn int
		)
		err = rows.Scan(&r.ID, &r.Name, &r.Enabled, &r.Zone.Location, &r.Zone.Cluster, &r.Sensor, &r.Operator,
			&r.Value, &r.Device, &actionOn, &r.Priority, &r.ScheduleID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		r.ActionOn = actionOn != 0
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// GetAllPhotoperiods retrieves the per-zone light programs.
func GetAllPhotoperiods(conn *sql.DB) ([]model.Photoperiod, error) {
	rows, err := conn.Query(`SELECT location, cluster, day_start, day_end, ramp_up_min, ramp_down_min,
		enabled, locked_hours, pre_day_min, pre_night_min FROM photoperiods`)
	if err != nil {
		return nil, fmt.Errorf("failed to query photoperiods: %w", err)
	}
	defer rows.Close()

	var periods []model.Photoperiod
	for rows.Next() {
		var (
			p        model.Photoperiod
			start    string
			end      string
			rampUp   int
			rampDown int
			locked   sql.NullFloat64
			preDay   int
			preNight int
		)
		err = rows.Scan(&p.Zone.Location, &p.Zone.Cluster, &start, &end, &rampUp, &rampDown,
			&p.Enabled, &locked, &preDay, &preNight)
		if err != nil {
			return nil, fmt.Errorf("failed to scan photoperiod: %w", err)
		}
		if p.DayStart, err = model.ParseTimeOfDay(start); err != nil {
			return nil, err
		}
		if p.DayEnd, err = model.ParseTimeOfDay(end); err != nil {
			return nil, err
		}
		if locked.Valid {
			v := locked.Float64
			p.LockedHours = &v
		}
		p.RampUp = time.Duration(rampUp) * time.Minute
		p.RampDown = time.Duration(rampDown) * time.Minute
		p.PreDay = time.Duration(preDay) * time.Minute
		p.PreNight = time.Duration(preNight) * time.Minute
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

// GetSetpoints retrieves the setpoint tuples for a zone keyed by phase.
// The empty phase key holds the phase-independent defaults.
func GetSetpoints(conn *sql.DB, zone model.Zone) (map[model.Phase]model.Setpoints, error) {
	rows, err := conn.Query(`SELECT phase, heating, cooling, vpd, co2, ramp_in_min
		FROM setpoints WHERE location = ? AND cluster = ?`, zone.Location, zone.Cluster)
	if err != nil {
		return nil, fmt.Errorf("failed to query setpoints for %s: %w", zone, err)
	}
	defer rows.Close()

	result := make(map[model.Phase]model.Setpoints)
	for rows.Next() {
		var (
			phase   string
			heating sql.NullFloat64
			cooling sql.NullFloat64
			vpd     sql.NullFloat64
			co2     sql.NullFloat64
			rampIn  int
		)
		if err := rows.Scan(&phase, &heating, &cooling, &vpd, &co2, &rampIn); err != nil {
			return nil, fmt.Errorf("failed to scan setpoint: %w", err)
		}
		sp := model.Setpoints{RampIn: time.Duration(rampIn) * time.Minute}
		if heating.Valid {
			v := heating.Float64
			sp.Heating = &v
		}
		if cooling.Valid {
			v := cooling.Float64
			sp.Cooling = &v
		}
		if vpd.Valid {
			v := vpd.Float64
			sp.VPD = &v
		}
		if co2.Valid {
			v := co2.Float64
			sp.CO2 = &v
		}
		result[model.Phase(phase)] = sp
	}
	return result, rows.Err()
}

// GetPIDParams retrieves the tuning for one device type.
func GetPIDParams(conn *sql.DB, deviceType string) (*model.PIDParams, error) {
	var (
		p         model.PIDParams
		updatedAt string
	)
	err := conn.QueryRow(`SELECT kp, ki, kd, updated_at, source FROM pid_params WHERE device_type = ?`, deviceType).
		Scan(&p.Kp, &p.Ki, &p.Kd, &updatedAt, &p.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to get pid params for %s: %w", deviceType, err)
	}
	p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &p, nil
}

// GetZoneMode retrieves the persisted mode for a zone.
func GetZoneMode(conn *sql.DB, zone model.Zone) (model.ZoneMode, error) {
	var mode string
	err := conn.QueryRow(`SELECT mode FROM zone_modes WHERE location = ? AND cluster = ?`,
		zone.Location, zone.Cluster).Scan(&mode)
	if err != nil {
		return model.ZoneAuto, fmt.Errorf("failed to get zone mode for %s: %w", zone, err)
	}
	return model.ZoneMode(mode), nil
}

// GetAllZones returns the distinct zones present in the devices table.
func GetAllZones(conn *sql.DB) ([]model.Zone, error) {
	rows, err := conn.Query(`SELECT DISTINCT location, cluster FROM devices ORDER BY location, cluster`)
	if err != nil {
		return nil, fmt.Errorf("failed to query zones: %w", err)
	}
	defer rows.Close()

	var zones []model.Zone
	for rows.Next() {
		var z model.Zone
		if err := rows.Scan(&z.Location, &z.Cluster); err != nil {
			return nil, fmt.Errorf("failed to scan zone: %w", err)
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}

// LatestSensorReading returns the most recent stored value for a sensor
// no older than the lookback window. Used as the last fallback tier of
// the sensor cache.
func LatestSensorReading(conn *sql.DB, sensor string, lookback time.Duration, now time.Time) (float64, time.Time, error) {
	cutoff := now.Add(-lookback).UTC().Format(time.RFC3339Nano)
	var (
		value float64
		ts    string
	)
	err := conn.QueryRow(`SELECT value, time FROM sensor_history WHERE sensor = ? AND time >= ?
		ORDER BY time DESC LIMIT 1`, sensor, cutoff).Scan(&value, &ts)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to query sensor history for %s: %w", sensor, err)
	}
	t, _ := time.Parse(time.RFC3339Nano, ts)
	return value, t, nil
}
