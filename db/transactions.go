package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/Phoenix5595/grow-controller/internal/model"
)

// UpsertDeviceState persists the authoritative runtime record after a
// successful hardware apply.
func UpsertDeviceState(conn *sql.DB, zone model.Zone, name string, st model.DeviceState) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	stateInt := 0
	if st.On {
		stateInt = 1
	}
	_, err = tx.Exec(`INSERT OR REPLACE INTO device_state
		(location, cluster, name, state, mode, intensity, duty_cycle, last_changed, last_reason, last_rule_id, last_schedule_id, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		zone.Location, zone.Cluster, name, stateInt, st.Mode, st.Intensity, st.DutyCycle,
		st.LastChanged.Format(time.RFC3339), st.LastReason, st.RuleID, st.ScheduleID, st.Seq)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("upsert device state: %w", err)
	}
	return tx.Commit()
}

// UpdateDeviceMode persists a per-device mode change.
func UpdateDeviceMode(conn *sql.DB, zone model.Zone, name string, mode model.DeviceMode) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	_, err = tx.Exec(`UPDATE device_state SET mode = ? WHERE location = ? AND cluster = ? AND name = ?`,
		mode, zone.Location, zone.Cluster, name)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("update device mode: %w", err)
	}
	return tx.Commit()
}

// UpdateZoneMode persists a zone mode change with its source.
func UpdateZoneMode(conn *sql.DB, zone model.Zone, mode model.ZoneMode, source string) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	_, err = tx.Exec(`INSERT OR REPLACE INTO zone_modes (location, cluster, mode, source) VALUES (?, ?, ?, ?)`,
		zone.Location, zone.Cluster, mode, source)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("update zone mode: %w", err)
	}
	return tx.Commit()
}

// UpsertSetpoints writes the setpoint tuple for one (zone, phase).
func UpsertSetpoints(conn *sql.DB, zone model.Zone, phase model.Phase, sp model.Setpoints) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	_, err = tx.Exec(`INSERT OR REPLACE INTO setpoints (location, cluster, phase, heating, cooling, vpd, co2, ramp_in_min)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		zone.Location, zone.Cluster, string(phase), sp.Heating, sp.Cooling, sp.VPD, sp.CO2,
		int(sp.RampIn/time.Minute))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("upsert setpoints: %w", err)
	}
	return tx.Commit()
}

// UpsertSchedule inserts or updates a schedule and returns its id.
func UpsertSchedule(conn *sql.DB, s model.Schedule) (int64, error) {
	tx, err := conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("start transaction: %w", err)
	}
	var dow *int
	if s.DayOfWeek != nil {
		v := int(*s.DayOfWeek)
		dow = &v
	}
	rampUp := int(s.RampUp / time.Minute)
	rampDown := int(s.RampDown / time.Minute)

	if s.ID == 0 {
		res, err := tx.Exec(`INSERT INTO schedules
			(name, location, cluster, device_name, day_of_week, start_time, end_time, enabled, target_intensity, ramp_up_min, ramp_down_min)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.Name, s.Zone.Location, s.Zone.Cluster, s.DeviceName, dow, s.Start.String(), s.End.String(),
			s.Enabled, s.TargetIntensity, rampUp, rampDown)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("insert schedule: %w", err)
		}
		id, _ := res.LastInsertId()
		return id, tx.Commit()
	}

	_, err = tx.Exec(`UPDATE schedules SET name = ?, location = ?, cluster = ?, device_name = ?, day_of_week = ?,
		start_time = ?, end_time = ?, enabled = ?, target_intensity = ?, ramp_up_min = ?, ramp_down_min = ? WHERE id = ?`,
		s.Name, s.Zone.Location, s.Zone.Cluster, s.DeviceName, dow, s.Start.String(), s.End.String(),
		s.Enabled, s.TargetIntensity, rampUp, rampDown, s.ID)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("update schedule: %w", err)
	}
	return s.ID, tx.Commit()
}

// UpsertRule inserts or updates a rule and returns its id.
func UpsertRule(conn *sql.DB, r model.Rule) (int64, error) {
	tx, err := conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("start transaction: %w", err)
	}
	actionOn := 0
	if r.ActionOn {
		actionOn = 1
	}

	if r.ID == 0 {
		res, err := tx.Exec(`INSERT INTO rules
			(name, enabled, location, cluster, condition_sensor, condition_operator, condition_value, action_device, action_state, priority, schedule_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Name, r.Enabled, r.Zone.Location, r.Zone.Cluster, r.Sensor, r.Operator, r.Value, r.Device, actionOn, r.Priority, r.ScheduleID)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("insert rule: %w", err)
		}
		id, _ := res.LastInsertId()
		return id, tx.Commit()
	}

	_, err = tx.Exec(`UPDATE rules SET name = ?, enabled = ?, location = ?, cluster = ?, condition_sensor = ?,
		condition_operator = ?, condition_value = ?, action_device = ?, action_state = ?, priority = ?, schedule_id = ? WHERE id = ?`,
		r.Name, r.Enabled, r.Zone.Location, r.Zone.Cluster, r.Sensor, r.Operator, r.Value, r.Device, actionOn, r.Priority, r.ScheduleID, r.ID)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("update rule: %w", err)
	}
	return r.ID, tx.Commit()
}

// UpsertPIDParams writes the tuning for one device type.
func UpsertPIDParams(conn *sql.DB, deviceType string, p model.PIDParams) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	_, err = tx.Exec(`INSERT OR REPLACE INTO pid_params (device_type, kp, ki, kd, updated_at, source)
		VALUES (?, ?, ?, ?, ?, ?)`,
		deviceType, p.Kp, p.Ki, p.Kd, p.UpdatedAt.Format(time.RFC3339), p.Source)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("upsert pid params: %w", err)
	}
	return tx.Commit()
}

// InsertTransition appends one control_history row. The primary key on
// (time, zone, device, seq) makes retried writes idempotent.
func InsertTransition(conn *sql.DB, t model.Transition) error {
	oldState, newState := 0, 0
	if t.OldState {
		oldState = 1
	}
	if t.NewState {
		newState = 1
	}
	_, err := conn.Exec(`INSERT OR IGNORE INTO control_history
		(time, location, cluster, device, seq, old_state, new_state, reason, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Time.UTC().Format(time.RFC3339Nano), t.Zone.Location, t.Zone.Cluster, t.Device, t.Seq,
		oldState, newState, t.Reason, t.Detail)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// InsertSnapshot appends one automation_state row, replacing any prior
// row for the same (time, device).
func InsertSnapshot(conn *sql.DB, s model.Snapshot) error {
	stateInt := 0
	if s.On {
		stateInt = 1
	}
	_, err := conn.Exec(`INSERT OR REPLACE INTO automation_state
		(time, location, cluster, device, state, mode, duty_cycle, pid_output, intensity, rule_id, schedule_id, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Time.UTC().Format(time.RFC3339Nano), s.Zone.Location, s.Zone.Cluster, s.Device, stateInt, s.Mode,
		s.DutyCycle, s.PIDOutput, s.Intensity, s.RuleID, s.ScheduleID, s.Reason)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// InsertSensorReading stores one sensor point for DB-fallback reads.
func InsertSensorReading(conn *sql.DB, sensor string, value float64, ts time.Time) error {
	_, err := conn.Exec(`INSERT INTO sensor_history (time, sensor, value) VALUES (?, ?, ?)`,
		ts.UTC().Format(time.RFC3339Nano), sensor, value)
	if err != nil {
		return fmt.Errorf("insert sensor reading: %w", err)
	}
	return nil
}
