package api

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Phoenix5595/grow-controller/db"
	"github.com/Phoenix5595/grow-controller/internal/alarm"
	"github.com/Phoenix5595/grow-controller/internal/config"
	"github.com/Phoenix5595/grow-controller/internal/hardware"
	"github.com/Phoenix5595/grow-controller/internal/model"
	"github.com/Phoenix5595/grow-controller/internal/relay"
	"github.com/Phoenix5595/grow-controller/internal/statebus"
)

var zone = model.Zone{Location: "Flower", Cluster: "front"}

func fp(v float64) *float64 { return &v }

type fixture struct {
	svc    *Service
	conn   *sql.DB
	bus    statebus.Bus
	alarms *alarm.Manager
	sim    *hardware.Sim
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := statebus.NewRedisBusWithClient(client)
	t.Cleanup(func() { bus.Close() })

	conn, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	locked := 16.0
	cfg := &config.Config{
		PIDLimits: map[string]config.PIDLimit{
			"heater": {KpMax: 100, KiMax: 1, KdMax: 10},
		},
		Photoperiods: []config.PhotoperiodConfig{
			{Location: "Flower", Cluster: "front", DayStart: "06:00", DayEnd: "22:00",
				Enabled: true, LockedHours: &locked},
		},
	}
	require.NoError(t, db.Seed(conn, cfg))

	devices := []model.Device{
		{Zone: zone, Name: "heater_1", Type: model.TypeHeater, Board: "relay0", Channel: 0, ActiveHigh: true},
		{Zone: zone, Name: "light_1", Type: model.TypeLight, Board: "relay0", Channel: 1, ActiveHigh: true,
			Dimming: &model.Dimming{BoardID: "dac0", Channel: 0}},
	}

	sim := hardware.NewSim([]string{"relay0"}, []string{"dac0"})
	alarms := alarm.NewManager(bus, conn, time.Minute, time.Minute)
	relays := relay.NewManager(sim, conn, devices, nil, alarms)

	return &fixture{
		svc:    NewService(cfg, conn, bus, relays, alarms),
		conn:   conn,
		bus:    bus,
		alarms: alarms,
		sim:    sim,
	}
}

func TestGetDeviceState(t *testing.T) {
	f := newFixture(t)

	st, err := f.svc.GetDeviceState(zone, "heater_1")
	require.NoError(t, err)
	assert.False(t, st.On)
	assert.Equal(t, model.ModeAuto, st.Mode)

	_, err = f.svc.GetDeviceState(zone, "nope")
	assert.Error(t, err)
}

func TestApplyManual(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.svc.ApplyManual(zone, "heater_1", true, nil))
	st, err := f.svc.GetDeviceState(zone, "heater_1")
	require.NoError(t, err)
	assert.True(t, st.On)
	assert.Equal(t, model.ReasonManual, st.LastReason)

	on, err := f.sim.ReadChannel("relay0", 0)
	require.NoError(t, err)
	assert.True(t, on)
}

func TestApplyManualValidatesIntensity(t *testing.T) {
	f := newFixture(t)

	err := f.svc.ApplyManual(zone, "heater_1", true, fp(50))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "intensity", verr.Field)

	err = f.svc.ApplyManual(zone, "light_1", true, fp(120))
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "0-100", verr.Allowed)

	require.NoError(t, f.svc.ApplyManual(zone, "light_1", true, fp(60)))
	st, err := f.svc.GetDeviceState(zone, "light_1")
	require.NoError(t, err)
	assert.Equal(t, 60.0, st.Intensity)
}

func TestApplyManualRejectedInFailsafe(t *testing.T) {
	f := newFixture(t)

	f.alarms.HardwareFailure(zone, "heater_1", 3)
	require.True(t, f.alarms.InFailsafe(zone))

	err := f.svc.ApplyManual(zone, "heater_1", true, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failsafe")
}

func TestSetDeviceMode(t *testing.T) {
	f := newFixture(t)

	err := f.svc.SetDeviceMode(zone, "heater_1", model.DeviceMode("turbo"))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	require.NoError(t, f.svc.SetDeviceMode(zone, "heater_1", model.ModeManual))
	st, err := f.svc.GetDeviceState(zone, "heater_1")
	require.NoError(t, err)
	assert.Equal(t, model.ModeManual, st.Mode)
}

func TestUpsertSetpoint(t *testing.T) {
	f := newFixture(t)

	err := f.svc.UpsertSetpoint(zone, model.PhaseDay, model.Setpoints{Heating: fp(40)})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	// The rejection is visible as an informational alarm.
	var found bool
	for _, a := range f.svc.Alarms() {
		if a.Name == model.AlarmSetpointOutOfRange {
			found = true
		}
	}
	assert.True(t, found)

	sp := model.Setpoints{Heating: fp(22), Cooling: fp(28), VPD: fp(1.2), RampIn: 30 * time.Minute}
	require.NoError(t, f.svc.UpsertSetpoint(zone, model.PhaseDay, sp))

	byPhase, err := db.GetSetpoints(f.conn, zone)
	require.NoError(t, err)
	got := byPhase[model.PhaseDay]
	require.NotNil(t, got.Heating)
	assert.Equal(t, 22.0, *got.Heating)
	assert.Equal(t, 30*time.Minute, got.RampIn)
}

func TestUpsertScheduleLockedPhotoperiod(t *testing.T) {
	f := newFixture(t)

	sched := model.Schedule{
		Name:       "lights",
		Zone:       zone,
		DeviceName: "light_1",
		Start:      model.TimeOfDay(6 * 3600),
		End:        model.TimeOfDay(21 * 3600), // 15h against a 16h lock
		Enabled:    true,
	}
	_, err := f.svc.UpsertSchedule(sched)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "schedule.duration", verr.Field)

	sched.End = model.TimeOfDay(22 * 3600)
	id, err := f.svc.UpsertSchedule(sched)
	require.NoError(t, err)
	assert.NotZero(t, id)

	// Non-light schedules are not bound by the lock.
	fanSched := model.Schedule{
		Name: "heat", Zone: zone, DeviceName: "heater_1",
		Start: model.TimeOfDay(0), End: model.TimeOfDay(6 * 3600), Enabled: true,
	}
	_, err = f.svc.UpsertSchedule(fanSched)
	assert.NoError(t, err)
}

func TestUpsertRule(t *testing.T) {
	f := newFixture(t)

	r := model.Rule{
		Name: "hot", Enabled: true, Zone: zone,
		Sensor: "dry_bulb_f", Operator: "!=", Value: 29,
		Device: "heater_1", Priority: 50,
	}
	_, err := f.svc.UpsertRule(r)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "condition_operator", verr.Field)

	r.Operator = ">"
	r.Priority = 200
	_, err = f.svc.UpsertRule(r)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "priority", verr.Field)

	r.Priority = 50
	id, err := f.svc.UpsertRule(r)
	require.NoError(t, err)
	assert.NotZero(t, id)
}

func TestSetPIDParams(t *testing.T) {
	f := newFixture(t)

	err := f.svc.SetPIDParams("heater", model.PIDParams{Kp: 500})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	require.NoError(t, f.svc.SetPIDParams("heater", model.PIDParams{Kp: 25, Ki: 0.5}))

	stored, err := db.GetPIDParams(f.conn, "heater")
	require.NoError(t, err)
	assert.Equal(t, 25.0, stored.Kp)
	assert.Equal(t, "api", stored.Source)

	cached, err := f.bus.GetPIDParams(context.Background(), "heater")
	require.NoError(t, err)
	assert.Equal(t, 25.0, cached.Kp)
}

func TestFailsafeSurface(t *testing.T) {
	f := newFixture(t)

	active, _ := f.svc.GetFailsafe(zone)
	assert.False(t, active)

	f.alarms.HardwareFailure(zone, "heater_1", 3)
	active, reason := f.svc.GetFailsafe(zone)
	assert.True(t, active)
	assert.Equal(t, model.AlarmHardwareFault, reason)

	assert.Error(t, f.svc.ClearFailsafe(zone))

	f.alarms.HardwareSuccess(zone, "heater_1")
	require.NoError(t, f.svc.ClearFailsafe(zone))
	active, _ = f.svc.GetFailsafe(zone)
	assert.False(t, active)
}

func TestAckAlarm(t *testing.T) {
	f := newFixture(t)

	assert.Error(t, f.svc.AckAlarm(zone, "nope"))

	f.alarms.SetpointRejected(zone, "vpd out of range")
	require.NoError(t, f.svc.AckAlarm(zone, model.AlarmSetpointOutOfRange))

	alarms := f.svc.Alarms()
	require.Len(t, alarms, 1)
	assert.NotNil(t, alarms[0].Acknowledged)
}
