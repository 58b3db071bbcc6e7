package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Phoenix5595/grow-controller/internal/model"
)

type Control struct {
	UpdateIntervalSeconds  int  `json:"update_interval_seconds"`
	FreshnessWindowSeconds int  `json:"freshness_window_seconds"`
	LastGoodHoldSeconds    int  `json:"last_good_hold_seconds"`
	MaxDBLookbackSeconds   int  `json:"max_db_lookback_seconds"`
	MissingAlarmSeconds    int  `json:"missing_alarm_seconds"`
	PIDRateLimitSeconds    int  `json:"pid_params_per_device_type_seconds"`
	PWMMinOnSeconds        int  `json:"pwm_min_on_seconds"`
	PWMMinOffSeconds       int  `json:"pwm_min_off_seconds"`
	InterlockMaxPasses     int  `json:"interlock_max_passes"`
	FailsafeClearHoldSecs  int  `json:"failsafe_clear_hold_seconds"`
	HistoryBufferSize      int  `json:"history_buffer_size"`
	HardwareDeadlineMillis int  `json:"hardware_deadline_ms"`
	SensorDeadlineMillis   int  `json:"sensor_deadline_ms"`
	SafeStart              bool `json:"safe_start"`
}

type PIDLimit struct {
	KpMin float64 `json:"kp_min"`
	KpMax float64 `json:"kp_max"`
	KiMin float64 `json:"ki_min"`
	KiMax float64 `json:"ki_max"`
	KdMin float64 `json:"kd_min"`
	KdMax float64 `json:"kd_max"`
}

type Board struct {
	ID      string `json:"id"`
	Type    string `json:"type"` // "relay" or "dac"
	Address int    `json:"address"`
}

type Hardware struct {
	I2CBus     string  `json:"i2c_bus"`
	Simulation bool    `json:"simulation"`
	Boards     []Board `json:"boards"`
}

type StateBus struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type Database struct {
	Path string `json:"path"`
}

type Notifications struct {
	NtfyServer string `json:"ntfy_server"`
	NtfyTopic  string `json:"ntfy_topic"`
}

type Datadog struct {
	Enabled   bool     `json:"enabled"`
	AgentAddr string   `json:"agent_addr"`
	Namespace string   `json:"namespace"`
	Tags      []string `json:"tags"`
}

// ZoneConfig binds a zone to its sensor names per measured quantity.
type ZoneConfig struct {
	Location string            `json:"location"`
	Cluster  string            `json:"cluster"`
	Sensors  map[string]string `json:"sensors"` // temperature|vpd|co2 -> sensor name
}

type DeviceConfig struct {
	Location        string         `json:"location"`
	Cluster         string         `json:"cluster"`
	Name            string         `json:"name"`
	Type            string         `json:"device_type"`
	Board           string         `json:"board"`
	Channel         int            `json:"channel"`
	ActiveHigh      *bool          `json:"active_high"`
	Dimming         *model.Dimming `json:"dimming"`
	PIDEnabled      bool           `json:"pid_enabled"`
	PIDSetpoints    map[string]int `json:"pid_setpoints"`
	PWMPeriodSecs   int            `json:"pwm_period_seconds"`
	MinOnSeconds    int            `json:"min_on_seconds"`
	MinOffSeconds   int            `json:"min_off_seconds"`
	InterlockWith   []string       `json:"interlock_with"`
	SafeState       string         `json:"safe_state"`
	InterlockWinner bool           `json:"interlock_winner"`
}

type ScheduleConfig struct {
	Name            string   `json:"name"`
	Location        string   `json:"location"`
	Cluster         string   `json:"cluster"`
	Device          string   `json:"device_name"`
	DayOfWeek       *int     `json:"day_of_week"`
	Start           string   `json:"start_time"`
	End             string   `json:"end_time"`
	Enabled         bool     `json:"enabled"`
	TargetIntensity *float64 `json:"target_intensity"`
	RampUpMin       int      `json:"ramp_up_duration_min"`
	RampDownMin     int      `json:"ramp_down_duration_min"`
}

type RuleConfig struct {
	Name       string  `json:"name"`
	Enabled    bool    `json:"enabled"`
	Location   string  `json:"location"`
	Cluster    string  `json:"cluster"`
	Sensor     string  `json:"condition_sensor"`
	Operator   string  `json:"condition_operator"`
	Value      float64 `json:"condition_value"`
	Device     string  `json:"action_device"`
	ActionOn   int     `json:"action_state"`
	Priority   int     `json:"priority"`
	ScheduleID int64   `json:"schedule_id"`
}

type PhotoperiodConfig struct {
	Location    string   `json:"location"`
	Cluster     string   `json:"cluster"`
	DayStart    string   `json:"day_start"`
	DayEnd      string   `json:"day_end"`
	RampUpMin   int      `json:"ramp_up_duration_min"`
	RampDownMin int      `json:"ramp_down_duration_min"`
	Enabled     bool     `json:"enabled"`
	LockedHours *float64 `json:"locked_photoperiod_hours"`
	PreDayMin   int      `json:"pre_day_duration_min"`
	PreNightMin int      `json:"pre_night_duration_min"`
}

type SetpointConfig struct {
	Location  string   `json:"location"`
	Cluster   string   `json:"cluster"`
	Phase     string   `json:"phase"` // empty means all phases
	Heating   *float64 `json:"heating_setpoint"`
	Cooling   *float64 `json:"cooling_setpoint"`
	VPD       *float64 `json:"vpd"`
	CO2       *float64 `json:"co2"`
	RampInMin int      `json:"ramp_in_duration_min"`
}

type Config struct {
	ConfigFile string
	LogFile    string
	LogLevel   zerolog.Level

	Control       Control             `json:"control"`
	PIDLimits     map[string]PIDLimit `json:"pid_limits"`
	Hardware      Hardware            `json:"hardware"`
	StateBus      StateBus            `json:"statebus"`
	Database      Database            `json:"database"`
	Datadog       Datadog             `json:"datadog"`
	Notifications Notifications       `json:"notifications"`

	Zones        []ZoneConfig        `json:"zones"`
	Devices      []DeviceConfig      `json:"devices"`
	Schedules    []ScheduleConfig    `json:"schedules"`
	Rules        []RuleConfig        `json:"rules"`
	Photoperiods []PhotoperiodConfig `json:"photoperiods"`
	Setpoints    []SetpointConfig    `json:"setpoints"`
}

func Load() *Config {
	var (
		cfg      Config
		logLevel string
	)

	flag.StringVar(&cfg.ConfigFile, "config-file", "config.json", "Path to controller config file")
	flag.StringVar(&cfg.LogFile, "log-file", "/var/log/grow-controller.log", "Path to log file")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg.LogLevel = parseLogLevel(logLevel)

	file, err := os.Open(cfg.ConfigFile)
	if err != nil {
		panic("Failed to load config file: " + err.Error())
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		panic("Failed to parse config file: " + err.Error())
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		panic("Invalid config: " + err.Error())
	}
	return &cfg
}

func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (cfg *Config) applyDefaults() {
	c := &cfg.Control
	if c.UpdateIntervalSeconds == 0 {
		c.UpdateIntervalSeconds = 1
	}
	if c.FreshnessWindowSeconds == 0 {
		c.FreshnessWindowSeconds = 30
	}
	if c.LastGoodHoldSeconds == 0 {
		c.LastGoodHoldSeconds = 30
	}
	if c.MaxDBLookbackSeconds == 0 {
		c.MaxDBLookbackSeconds = 300
	}
	if c.MissingAlarmSeconds == 0 {
		c.MissingAlarmSeconds = 60
	}
	if c.PIDRateLimitSeconds == 0 {
		c.PIDRateLimitSeconds = 5
	}
	if c.PWMMinOnSeconds == 0 {
		c.PWMMinOnSeconds = 5
	}
	if c.PWMMinOffSeconds == 0 {
		c.PWMMinOffSeconds = 5
	}
	if c.InterlockMaxPasses == 0 {
		c.InterlockMaxPasses = 8
	}
	if c.FailsafeClearHoldSecs == 0 {
		c.FailsafeClearHoldSecs = 60
	}
	if c.HistoryBufferSize == 0 {
		c.HistoryBufferSize = 1024
	}
	if c.HardwareDeadlineMillis == 0 {
		c.HardwareDeadlineMillis = 200
	}
	if c.SensorDeadlineMillis == 0 {
		c.SensorDeadlineMillis = 50
	}

	if cfg.PIDLimits == nil {
		cfg.PIDLimits = map[string]PIDLimit{}
	}
	for _, t := range []string{"heater", "fan", "exhaust_fan", "co2"} {
		if _, ok := cfg.PIDLimits[t]; !ok {
			cfg.PIDLimits[t] = PIDLimit{KpMax: 100, KiMax: 1, KdMax: 10}
		}
	}
}

// Validate checks the full config. Channel ownership mirrors the GPIO
// pin conflict scan: a (board, channel) pair may be claimed by exactly
// one device, and dimming outputs may not collide either.
func (cfg *Config) Validate() error {
	var problems []string

	boards := map[string]Board{}
	for _, b := range cfg.Boards() {
		if b.Type != "relay" && b.Type != "dac" {
			problems = append(problems, fmt.Sprintf("board %s has unknown type %q", b.ID, b.Type))
		}
		if _, dup := boards[b.ID]; dup {
			problems = append(problems, fmt.Sprintf("duplicate board id %s", b.ID))
		}
		boards[b.ID] = b
	}

	usedRelay := map[string]string{}
	usedDAC := map[string]string{}
	deviceKeys := map[string]bool{}

	for _, d := range cfg.Devices {
		key := d.Location + "/" + d.Cluster + "/" + d.Name
		if deviceKeys[key] {
			problems = append(problems, "duplicate device "+key)
		}
		deviceKeys[key] = true

		if !validDeviceType(d.Type) {
			problems = append(problems, fmt.Sprintf("device %s has unknown type %q", key, d.Type))
		}
		if d.Channel < 0 || d.Channel > 15 {
			problems = append(problems, fmt.Sprintf("device %s channel %d out of range 0-15", key, d.Channel))
		}
		ch := fmt.Sprintf("%s:%d", d.Board, d.Channel)
		if other, taken := usedRelay[ch]; taken {
			problems = append(problems, fmt.Sprintf("%s and %s both use relay channel %s", key, other, ch))
		} else {
			usedRelay[ch] = key
		}
		if d.Dimming != nil {
			dch := fmt.Sprintf("%s:%d", d.Dimming.BoardID, d.Dimming.Channel)
			if other, taken := usedDAC[dch]; taken {
				problems = append(problems, fmt.Sprintf("%s and %s both use dac channel %s", key, other, dch))
			} else {
				usedDAC[dch] = key
			}
		}
		if d.Type == string(model.TypeLight) && d.PIDEnabled {
			problems = append(problems, fmt.Sprintf("light device %s may not enable pid", key))
		}
		switch d.SafeState {
		case "", string(model.SafeOff), string(model.SafeOn), string(model.SafeLastKnown):
		default:
			problems = append(problems, fmt.Sprintf("device %s has unknown safe_state %q", key, d.SafeState))
		}
	}

	for _, sp := range cfg.Setpoints {
		if err := ValidateSetpoints(sp.Heating, sp.Cooling, sp.VPD, sp.CO2, sp.RampInMin); err != nil {
			problems = append(problems, fmt.Sprintf("setpoint %s/%s/%s: %v", sp.Location, sp.Cluster, sp.Phase, err))
		}
	}

	for _, s := range cfg.Schedules {
		if _, err := model.ParseTimeOfDay(s.Start); err != nil {
			problems = append(problems, fmt.Sprintf("schedule %s: %v", s.Name, err))
		}
		if _, err := model.ParseTimeOfDay(s.End); err != nil {
			problems = append(problems, fmt.Sprintf("schedule %s: %v", s.Name, err))
		}
		if s.DayOfWeek != nil && (*s.DayOfWeek < 0 || *s.DayOfWeek > 6) {
			problems = append(problems, fmt.Sprintf("schedule %s day_of_week %d out of range", s.Name, *s.DayOfWeek))
		}
	}

	for _, r := range cfg.Rules {
		switch r.Operator {
		case "<", ">", "<=", ">=", "==":
		default:
			problems = append(problems, fmt.Sprintf("rule %s has unknown operator %q", r.Name, r.Operator))
		}
		if r.Priority < 0 || r.Priority > 100 {
			problems = append(problems, fmt.Sprintf("rule %s priority %d out of range 0-100", r.Name, r.Priority))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Boards returns the configured boards, including implicit sim boards
// referenced by devices when running in simulation with no board list.
func (cfg *Config) Boards() []Board {
	if len(cfg.Hardware.Boards) > 0 || !cfg.Hardware.Simulation {
		return cfg.Hardware.Boards
	}
	seen := map[string]bool{}
	var boards []Board
	for _, d := range cfg.Devices {
		if !seen[d.Board] {
			seen[d.Board] = true
			boards = append(boards, Board{ID: d.Board, Type: "relay"})
		}
		if d.Dimming != nil && !seen[d.Dimming.BoardID] {
			seen[d.Dimming.BoardID] = true
			boards = append(boards, Board{ID: d.Dimming.BoardID, Type: "dac"})
		}
	}
	return boards
}

func validDeviceType(t string) bool {
	switch model.DeviceType(t) {
	case model.TypeHeater, model.TypeFan, model.TypeExhaustFan,
		model.TypeDehumidifier, model.TypeHumidifier, model.TypeCO2, model.TypeLight:
		return true
	}
	return false
}

// ValidateSetpoints enforces the allowed ranges for zone targets.
// Shared by config load and the operator-facing upsert path.
func ValidateSetpoints(heating, cooling, vpd, co2 *float64, rampInMin int) error {
	if heating != nil && (*heating < 10 || *heating > 35) {
		return fmt.Errorf("heating_setpoint %.1f outside 10-35", *heating)
	}
	if cooling != nil && (*cooling < 10 || *cooling > 35) {
		return fmt.Errorf("cooling_setpoint %.1f outside 10-35", *cooling)
	}
	if heating != nil && cooling != nil && *heating > *cooling {
		return fmt.Errorf("heating_setpoint %.1f above cooling_setpoint %.1f", *heating, *cooling)
	}
	if vpd != nil && (*vpd < 0 || *vpd > 5) {
		return fmt.Errorf("vpd %.2f outside 0-5", *vpd)
	}
	if co2 != nil && (*co2 < 400 || *co2 > 2000) {
		return fmt.Errorf("co2 %.0f outside 400-2000", *co2)
	}
	if rampInMin < 0 || rampInMin > 240 {
		return fmt.Errorf("ramp_in_duration_min %d outside 0-240", rampInMin)
	}
	return nil
}

// ValidatePIDParams checks gains against the configured per-type limits.
func (cfg *Config) ValidatePIDParams(deviceType string, p model.PIDParams) error {
	lim, ok := cfg.PIDLimits[deviceType]
	if !ok {
		return fmt.Errorf("no pid limits configured for device type %q", deviceType)
	}
	if p.Kp < lim.KpMin || p.Kp > lim.KpMax {
		return fmt.Errorf("kp %.3f outside %.3f-%.3f", p.Kp, lim.KpMin, lim.KpMax)
	}
	if p.Ki < lim.KiMin || p.Ki > lim.KiMax {
		return fmt.Errorf("ki %.3f outside %.3f-%.3f", p.Ki, lim.KiMin, lim.KiMax)
	}
	if p.Kd < lim.KdMin || p.Kd > lim.KdMax {
		return fmt.Errorf("kd %.3f outside %.3f-%.3f", p.Kd, lim.KdMin, lim.KdMax)
	}
	return nil
}

func (c Control) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalSeconds) * time.Second
}

func (c Control) FreshnessWindow() time.Duration {
	return time.Duration(c.FreshnessWindowSeconds) * time.Second
}

func (c Control) LastGoodHold() time.Duration {
	return time.Duration(c.LastGoodHoldSeconds) * time.Second
}

func (c Control) MaxDBLookback() time.Duration {
	return time.Duration(c.MaxDBLookbackSeconds) * time.Second
}

func (c Control) MissingAlarmPeriod() time.Duration {
	return time.Duration(c.MissingAlarmSeconds) * time.Second
}

func (c Control) FailsafeClearHold() time.Duration {
	return time.Duration(c.FailsafeClearHoldSecs) * time.Second
}

func (c Control) PWMMinOn() time.Duration {
	return time.Duration(c.PWMMinOnSeconds) * time.Second
}

func (c Control) PWMMinOff() time.Duration {
	return time.Duration(c.PWMMinOffSeconds) * time.Second
}
