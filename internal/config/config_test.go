package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Phoenix5595/grow-controller/internal/model"
)

func fp(v float64) *float64 { return &v }

func baseConfig() *Config {
	cfg := &Config{
		Hardware: Hardware{Simulation: true},
		Zones: []ZoneConfig{
			{Location: "Flower", Cluster: "front", Sensors: map[string]string{"temperature": "dry_bulb_f"}},
		},
		Devices: []DeviceConfig{
			{Location: "Flower", Cluster: "front", Name: "heater_1", Type: "heater", Board: "relay0", Channel: 0},
			{Location: "Flower", Cluster: "front", Name: "exhaust_fan", Type: "exhaust_fan", Board: "relay0", Channel: 1},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg := baseConfig()

	assert.Equal(t, time.Second, cfg.Control.UpdateInterval())
	assert.Equal(t, 30*time.Second, cfg.Control.FreshnessWindow())
	assert.Equal(t, 30*time.Second, cfg.Control.LastGoodHold())
	assert.Equal(t, 5*time.Minute, cfg.Control.MaxDBLookback())
	assert.Equal(t, time.Minute, cfg.Control.MissingAlarmPeriod())
	assert.Equal(t, time.Minute, cfg.Control.FailsafeClearHold())
	assert.Equal(t, 5*time.Second, cfg.Control.PWMMinOn())
	assert.Equal(t, 8, cfg.Control.InterlockMaxPasses)
	assert.Equal(t, 1024, cfg.Control.HistoryBufferSize)

	// Every PID-capable device type gets fallback gain limits.
	for _, dt := range []string{"heater", "fan", "exhaust_fan", "co2"} {
		lim, ok := cfg.PIDLimits[dt]
		require.True(t, ok, dt)
		assert.Equal(t, 100.0, lim.KpMax)
	}
}

func TestValidateAcceptsBaseConfig(t *testing.T) {
	assert.NoError(t, baseConfig().Validate())
}

func TestValidateRelayChannelConflict(t *testing.T) {
	cfg := baseConfig()
	cfg.Devices[1].Channel = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both use relay channel")
}

func TestValidateDACChannelConflict(t *testing.T) {
	cfg := baseConfig()
	cfg.Devices[0].Dimming = &model.Dimming{BoardID: "dac0", Channel: 0}
	cfg.Devices[1].Dimming = &model.Dimming{BoardID: "dac0", Channel: 0}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both use dac channel")
}

func TestValidateDuplicateDevice(t *testing.T) {
	cfg := baseConfig()
	cfg.Devices[1].Name = "heater_1"
	cfg.Devices[1].Channel = 1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate device")
}

func TestValidateUnknownDeviceType(t *testing.T) {
	cfg := baseConfig()
	cfg.Devices[0].Type = "chiller"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown type")
}

func TestValidateLightWithPID(t *testing.T) {
	cfg := baseConfig()
	cfg.Devices[0] = DeviceConfig{
		Location: "Flower", Cluster: "front", Name: "light_1", Type: "light",
		Board: "relay0", Channel: 0, PIDEnabled: true,
	}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "may not enable pid")
}

func TestValidateBadSchedule(t *testing.T) {
	cfg := baseConfig()
	cfg.Schedules = []ScheduleConfig{
		{Name: "bad", Location: "Flower", Cluster: "front", Device: "heater_1", Start: "25:00", End: "08:00"},
	}
	assert.Error(t, cfg.Validate())
}

func TestValidateBadRule(t *testing.T) {
	cfg := baseConfig()
	cfg.Rules = []RuleConfig{
		{Name: "bad", Location: "Flower", Cluster: "front", Sensor: "dry_bulb_f", Operator: "!=", Value: 1, Device: "heater_1"},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown operator")

	cfg.Rules[0].Operator = ">"
	cfg.Rules[0].Priority = 101
	assert.Error(t, cfg.Validate())
}

func TestValidateSetpoints(t *testing.T) {
	assert.NoError(t, ValidateSetpoints(fp(22), fp(28), fp(1.2), fp(1000), 30))

	assert.Error(t, ValidateSetpoints(fp(9), nil, nil, nil, 0))
	assert.Error(t, ValidateSetpoints(nil, fp(36), nil, nil, 0))
	assert.Error(t, ValidateSetpoints(fp(28), fp(22), nil, nil, 0)) // heating above cooling
	assert.Error(t, ValidateSetpoints(nil, nil, fp(5.5), nil, 0))
	assert.Error(t, ValidateSetpoints(nil, nil, nil, fp(300), 0))
	assert.Error(t, ValidateSetpoints(nil, nil, nil, nil, 241))
	assert.NoError(t, ValidateSetpoints(nil, nil, nil, nil, 0))
}

func TestValidatePIDParams(t *testing.T) {
	cfg := baseConfig()

	assert.NoError(t, cfg.ValidatePIDParams("heater", model.PIDParams{Kp: 25, Ki: 0.5, Kd: 1}))
	assert.Error(t, cfg.ValidatePIDParams("heater", model.PIDParams{Kp: 200}))
	assert.Error(t, cfg.ValidatePIDParams("heater", model.PIDParams{Kp: 25, Ki: 2}))
	assert.Error(t, cfg.ValidatePIDParams("light", model.PIDParams{Kp: 1}))
}

func TestBoardsSynthesizedInSimulation(t *testing.T) {
	cfg := baseConfig()
	cfg.Devices[0].Dimming = &model.Dimming{BoardID: "dac0", Channel: 0}

	boards := cfg.Boards()
	require.Len(t, boards, 2)

	types := map[string]string{}
	for _, b := range boards {
		types[b.ID] = b.Type
	}
	assert.Equal(t, "relay", types["relay0"])
	assert.Equal(t, "dac", types["dac0"])
}

func TestBoardsExplicitListWins(t *testing.T) {
	cfg := baseConfig()
	cfg.Hardware.Boards = []Board{{ID: "relay7", Type: "relay", Address: 0x20}}

	boards := cfg.Boards()
	require.Len(t, boards, 1)
	assert.Equal(t, "relay7", boards[0].ID)
}
