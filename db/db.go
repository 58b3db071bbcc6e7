package db

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/Phoenix5595/grow-controller/internal/config"
	"github.com/Phoenix5595/grow-controller/internal/model"
)

//go:embed schema.sql
var Schema string

// Open opens the controller database and applies the schema.
func Open(dbPath string) (*sql.DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite is single-writer; one pooled connection avoids lock
	// contention and keeps :memory: databases coherent.
	conn.SetMaxOpenConns(1)
	if err := ApplySchema(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// ApplySchema creates any missing tables.
func ApplySchema(conn *sql.DB) error {
	if _, err := conn.Exec(Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Seed populates the database from config. Config is the source of
// truth only until first load; existing rows win on conflict for
// operator-editable tables.
func Seed(conn *sql.DB, cfg *config.Config) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Format(time.RFC3339)

	for _, d := range cfg.Devices {
		activeHigh := true
		if d.ActiveHigh != nil {
			activeHigh = *d.ActiveHigh
		}
		var dimBoard *string
		var dimChannel *int
		if d.Dimming != nil {
			dimBoard = &d.Dimming.BoardID
			dimChannel = &d.Dimming.Channel
		}
		safeState := d.SafeState
		if safeState == "" {
			safeState = string(model.SafeOff)
		}
		pwmPeriod := d.PWMPeriodSecs
		if pwmPeriod == 0 {
			pwmPeriod = 100
		}
		_, err = tx.Exec(`INSERT OR REPLACE INTO devices
			(location, cluster, name, device_type, board, channel, active_high, dimming_board, dimming_channel,
			 pid_enabled, pid_setpoints, pwm_period_seconds, min_on_seconds, min_off_seconds, interlock_with, interlock_winner, safe_state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.Location, d.Cluster, d.Name, d.Type, d.Board, d.Channel, activeHigh, dimBoard, dimChannel,
			d.PIDEnabled, marshalJSON(d.PIDSetpoints), pwmPeriod, d.MinOnSeconds, d.MinOffSeconds,
			marshalJSON(d.InterlockWith), d.InterlockWinner, safeState)
		if err != nil {
			return fmt.Errorf("failed to insert device %s: %w", d.Name, err)
		}

		_, err = tx.Exec(`INSERT OR IGNORE INTO device_state (location, cluster, name, last_changed, last_reason)
			VALUES (?, ?, ?, ?, ?)`,
			d.Location, d.Cluster, d.Name, now, model.ReasonStartup)
		if err != nil {
			return fmt.Errorf("failed to insert device state %s: %w", d.Name, err)
		}
	}

	for _, z := range cfg.Zones {
		_, err = tx.Exec(`INSERT OR IGNORE INTO zone_modes (location, cluster, mode, source) VALUES (?, ?, ?, ?)`,
			z.Location, z.Cluster, model.ZoneAuto, "seed")
		if err != nil {
			return fmt.Errorf("failed to insert zone mode %s/%s: %w", z.Location, z.Cluster, err)
		}
	}

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM schedules`).Scan(&count); err != nil {
		return fmt.Errorf("failed to count schedules: %w", err)
	}
	if count == 0 {
		for _, s := range cfg.Schedules {
			_, err = tx.Exec(`INSERT INTO schedules
				(name, location, cluster, device_name, day_of_week, start_time, end_time, enabled, target_intensity, ramp_up_min, ramp_down_min)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				s.Name, s.Location, s.Cluster, s.Device, s.DayOfWeek, s.Start, s.End, s.Enabled, s.TargetIntensity, s.RampUpMin, s.RampDownMin)
			if err != nil {
				return fmt.Errorf("failed to insert schedule %s: %w", s.Name, err)
			}
		}
	}

	if err := tx.QueryRow(`SELECT COUNT(*) FROM rules`).Scan(&count); err != nil {
		return fmt.Errorf("failed to count rules: %w", err)
	}
	if count == 0 {
		for _, r := range cfg.Rules {
			_, err = tx.Exec(`INSERT INTO rules
				(name, enabled, location, cluster, condition_sensor, condition_operator, condition_value, action_device, action_state, priority, schedule_id)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.Name, r.Enabled, r.Location, r.Cluster, r.Sensor, r.Operator, r.Value, r.Device, r.ActionOn, r.Priority, r.ScheduleID)
			if err != nil {
				return fmt.Errorf("failed to insert rule %s: %w", r.Name, err)
			}
		}
	}

	for _, p := range cfg.Photoperiods {
		_, err = tx.Exec(`INSERT OR IGNORE INTO photoperiods
			(location, cluster, day_start, day_end, ramp_up_min, ramp_down_min, enabled, locked_hours, pre_day_min, pre_night_min)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Location, p.Cluster, p.DayStart, p.DayEnd, p.RampUpMin, p.RampDownMin, p.Enabled, p.LockedHours, p.PreDayMin, p.PreNightMin)
		if err != nil {
			return fmt.Errorf("failed to insert photoperiod %s/%s: %w", p.Location, p.Cluster, err)
		}
	}

	for _, sp := range cfg.Setpoints {
		_, err = tx.Exec(`INSERT OR IGNORE INTO setpoints
			(location, cluster, phase, heating, cooling, vpd, co2, ramp_in_min)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sp.Location, sp.Cluster, sp.Phase, sp.Heating, sp.Cooling, sp.VPD, sp.CO2, sp.RampInMin)
		if err != nil {
			return fmt.Errorf("failed to insert setpoint %s/%s/%s: %w", sp.Location, sp.Cluster, sp.Phase, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit seed transaction: %w", err)
	}

	log.Info().Int("devices", len(cfg.Devices)).Msg("Database seeded from config")
	return nil
}

func marshalJSON(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}
