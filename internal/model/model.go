package model

import (
	"fmt"
	"time"
)

type DeviceType string

const (
	TypeHeater       DeviceType = "heater"
	TypeFan          DeviceType = "fan"
	TypeExhaustFan   DeviceType = "exhaust_fan"
	TypeDehumidifier DeviceType = "dehumidifier"
	TypeHumidifier   DeviceType = "humidifier"
	TypeCO2          DeviceType = "co2"
	TypeLight        DeviceType = "light"
)

type DeviceMode string

const (
	ModeManual    DeviceMode = "manual"
	ModeAuto      DeviceMode = "auto"
	ModeScheduled DeviceMode = "scheduled"
)

type ZoneMode string

const (
	ZoneAuto     ZoneMode = "auto"
	ZoneManual   ZoneMode = "manual"
	ZoneOverride ZoneMode = "override"
	ZoneFailsafe ZoneMode = "failsafe"
)

type SafeState string

const (
	SafeOff       SafeState = "OFF"
	SafeOn        SafeState = "ON"
	SafeLastKnown SafeState = "LAST_KNOWN"
)

type Reason string

const (
	ReasonRule        Reason = "rule"
	ReasonSchedule    Reason = "schedule"
	ReasonPID         Reason = "pid"
	ReasonPhotoperiod Reason = "photoperiod"
	ReasonManual      Reason = "manual"
	ReasonInterlock   Reason = "interlock"
	ReasonFailsafe    Reason = "failsafe"
	ReasonStartup     Reason = "startup"
)

type Phase string

const (
	PhasePreDay   Phase = "PRE_DAY"
	PhaseDay      Phase = "DAY"
	PhasePreNight Phase = "PRE_NIGHT"
	PhaseNight    Phase = "NIGHT"
)

// Setpoint kinds used in Device.PIDSetpoints priority maps.
const (
	KindHeating = "heating"
	KindCooling = "cooling"
	KindVPD     = "vpd"
	KindCO2     = "co2"
)

// Zone names a controlled space as a (location, cluster) pair.
type Zone struct {
	Location string `json:"location"`
	Cluster  string `json:"cluster"`
}

func (z Zone) String() string {
	return z.Location + "/" + z.Cluster
}

// Dimming identifies the DAC output for a dimmable device.
type Dimming struct {
	BoardID string `json:"board_id"`
	Channel int    `json:"dac_channel"`
}

type Device struct {
	Zone          Zone
	Name          string
	Type          DeviceType
	Board         string
	Channel       int
	ActiveHigh    bool
	Dimming       *Dimming
	PIDEnabled    bool
	PIDSetpoints  map[string]int // setpoint kind -> priority, lower wins
	PWMPeriod     time.Duration
	MinOn         time.Duration
	MinOff        time.Duration
	InterlockWith   []string
	InterlockWinner bool
	SafeState       SafeState
}

// Key returns the stable identity used in maps and logs.
func (d *Device) Key() string {
	return fmt.Sprintf("%s/%s/%s", d.Zone.Location, d.Zone.Cluster, d.Name)
}

func (d *Device) Dimmable() bool {
	return d.Dimming != nil
}

// DeviceState is the authoritative runtime record for one device. Only
// the relay manager mutates it, and only after a successful hardware
// apply.
type DeviceState struct {
	On          bool
	Mode        DeviceMode
	Intensity   float64 // percent, dimmable devices only
	DutyCycle   float64 // percent, PID devices only
	LastChanged time.Time
	LastReason  Reason
	RuleID      int64 // 0 when not rule-driven
	ScheduleID  int64 // 0 when not schedule-driven
	Seq         int64
}

// Setpoints holds the targets for one zone in one climate phase. Nil
// fields are not configured for that phase.
type Setpoints struct {
	Heating *float64
	Cooling *float64
	VPD     *float64
	CO2     *float64
	RampIn  time.Duration
}

// Kind returns the value for a named setpoint kind, if configured.
func (s Setpoints) Kind(kind string) (float64, bool) {
	var p *float64
	switch kind {
	case KindHeating:
		p = s.Heating
	case KindCooling:
		p = s.Cooling
	case KindVPD:
		p = s.VPD
	case KindCO2:
		p = s.CO2
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

type Schedule struct {
	ID              int64
	Name            string
	Zone            Zone
	DeviceName      string
	DayOfWeek       *time.Weekday // nil means daily
	Start           TimeOfDay
	End             TimeOfDay
	Enabled         bool
	TargetIntensity *float64
	RampUp          time.Duration
	RampDown        time.Duration
}

type Rule struct {
	ID         int64
	Name       string
	Enabled    bool
	Zone       Zone
	Sensor     string
	Operator   string // one of < > <= >= ==
	Value      float64
	Device     string
	ActionOn   bool
	Priority   int   // 0-100, higher wins
	ScheduleID int64 // 0 means no gating schedule
}

type PIDParams struct {
	Kp        float64   `json:"kp"`
	Ki        float64   `json:"ki"`
	Kd        float64   `json:"kd"`
	UpdatedAt time.Time `json:"updated_at"`
	Source    string    `json:"source"`
}

type ReadingSource string

const (
	SourceLive     ReadingSource = "live"
	SourceLastGood ReadingSource = "last_good"
	SourceDB       ReadingSource = "db"
)

type Reading struct {
	Value     float64
	Timestamp time.Time
	Source    ReadingSource
	Age       time.Duration
}

// Fresh reports whether the reading is recent enough to drive a PID or
// rule decision.
func (r Reading) Fresh(hold time.Duration) bool {
	return (r.Source == SourceLive || r.Source == SourceLastGood) && r.Age <= hold
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alarm classes.
const (
	AlarmSensorMissing      = "sensor_missing"
	AlarmSensorLoss         = "sensor_loss"
	AlarmHardwareFault      = "hardware_fault"
	AlarmDBLoss             = "db_loss"
	AlarmInterlockCycle     = "interlock_cycle"
	AlarmSetpointOutOfRange = "setpoint_out_of_range"
)

type Alarm struct {
	Zone         Zone
	Name         string
	Severity     Severity
	Message      string
	RaisedAt     time.Time
	Acknowledged *time.Time
}

// Photoperiod is the per-zone light program plus the climate pre-phase
// durations that hang off the same day boundaries.
type Photoperiod struct {
	Zone        Zone
	DayStart    TimeOfDay
	DayEnd      TimeOfDay
	RampUp      time.Duration
	RampDown    time.Duration
	Enabled     bool
	LockedHours *float64
	PreDay      time.Duration
	PreNight    time.Duration
}

// Command is one arbitration outcome for one device in one tick.
type Command struct {
	On         bool
	Intensity  *float64 // percent, dimmable devices only
	DutyCycle  float64
	PIDOutput  float64
	Reason     Reason
	RuleID     int64
	ScheduleID int64
}

// Transition is one control_history row: a single device state change.
type Transition struct {
	Time     time.Time
	Zone     Zone
	Device   string
	Seq      int64
	OldState bool
	NewState bool
	Reason   Reason
	Detail   string
}

// Snapshot is one automation_state row: the per-tick telemetry record
// for a device, written best-effort.
type Snapshot struct {
	Time       time.Time
	Zone       Zone
	Device     string
	On         bool
	Mode       DeviceMode
	DutyCycle  float64
	PIDOutput  float64
	Intensity  float64
	RuleID     int64
	ScheduleID int64
	Reason     Reason
}
