package alarm

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Phoenix5595/grow-controller/internal/model"
	"github.com/Phoenix5595/grow-controller/internal/statebus"
)

var (
	zone1 = model.Zone{Location: "Flower", Cluster: "front"}
	t0    = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
)

func testManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := statebus.NewRedisBusWithClient(client)
	t.Cleanup(func() { bus.Close() })
	return NewManager(bus, nil, time.Minute, time.Minute), mr
}

func alarmNamed(m *Manager, name string) (model.Alarm, bool) {
	for _, a := range m.Active() {
		if a.Name == name {
			return a, true
		}
	}
	return model.Alarm{}, false
}

func TestSensorMissingEscalates(t *testing.T) {
	m, _ := testManager(t)

	m.ObserveSensor(zone1, "dry_bulb_f", false, t0)
	m.EndTick(t0)
	assert.Empty(t, m.Active())

	m.EndTick(t0.Add(61 * time.Second))
	a, ok := alarmNamed(m, model.AlarmSensorMissing+":dry_bulb_f")
	require.True(t, ok)
	assert.Equal(t, model.SeverityWarning, a.Severity)
	raisedAt := a.RaisedAt

	m.EndTick(t0.Add(6 * time.Minute))
	a, ok = alarmNamed(m, model.AlarmSensorMissing+":dry_bulb_f")
	require.True(t, ok)
	assert.Equal(t, model.SeverityCritical, a.Severity)
	// Escalation keeps the original raise time.
	assert.Equal(t, raisedAt, a.RaisedAt)
}

func TestSensorRecoveryClears(t *testing.T) {
	m, _ := testManager(t)

	m.ObserveSensor(zone1, "dry_bulb_f", false, t0)
	m.EndTick(t0.Add(2 * time.Minute))
	require.Len(t, m.Active(), 1)

	m.ObserveSensor(zone1, "dry_bulb_f", true, t0.Add(3*time.Minute))
	assert.Empty(t, m.Active())
}

func TestZoneLossEntersFailsafe(t *testing.T) {
	m, mr := testManager(t)
	m.RegisterZone(zone1, []string{"dry_bulb_f", "rh_f"})

	m.ObserveSensor(zone1, "dry_bulb_f", false, t0)
	m.ObserveSensor(zone1, "rh_f", false, t0)

	// Inside the loss window only the per-sensor alarms fire.
	m.EndTick(t0.Add(90 * time.Second))
	assert.False(t, m.InFailsafe(zone1))

	m.EndTick(t0.Add(2 * time.Minute))
	assert.True(t, m.InFailsafe(zone1))
	assert.Equal(t, model.AlarmSensorLoss, m.FailsafeReason(zone1))

	a, ok := alarmNamed(m, model.AlarmSensorLoss)
	require.True(t, ok)
	assert.Equal(t, model.SeverityCritical, a.Severity)

	raw, err := mr.Get("failsafe:" + zone1.String())
	require.NoError(t, err)
	assert.Contains(t, raw, `"active":true`)
	raw, err = mr.Get("mode:" + zone1.String())
	require.NoError(t, err)
	assert.Contains(t, raw, `"mode":"failsafe"`)
}

func TestPartialLossDoesNotTripZone(t *testing.T) {
	m, _ := testManager(t)
	m.RegisterZone(zone1, []string{"dry_bulb_f", "rh_f"})

	m.ObserveSensor(zone1, "dry_bulb_f", false, t0)
	m.ObserveSensor(zone1, "rh_f", true, t0)

	m.EndTick(t0.Add(5 * time.Minute))
	assert.False(t, m.InFailsafe(zone1))
	_, ok := alarmNamed(m, model.AlarmSensorLoss)
	assert.False(t, ok)
}

func TestFailsafeExitsAfterClearHold(t *testing.T) {
	m, mr := testManager(t)
	m.RegisterZone(zone1, []string{"dry_bulb_f"})

	m.ObserveSensor(zone1, "dry_bulb_f", false, t0)
	m.EndTick(t0.Add(2 * time.Minute))
	require.True(t, m.InFailsafe(zone1))

	// Sensor recovers; failsafe holds until the condition stays clear.
	recovered := t0.Add(3 * time.Minute)
	m.ObserveSensor(zone1, "dry_bulb_f", true, recovered)
	m.EndTick(recovered)
	assert.True(t, m.InFailsafe(zone1))

	m.EndTick(recovered.Add(30 * time.Second))
	assert.True(t, m.InFailsafe(zone1))

	m.EndTick(recovered.Add(61 * time.Second))
	assert.False(t, m.InFailsafe(zone1))

	raw, err := mr.Get("mode:" + zone1.String())
	require.NoError(t, err)
	assert.Contains(t, raw, `"mode":"auto"`)
}

func TestManualClearFailsafe(t *testing.T) {
	m, _ := testManager(t)
	m.RegisterZone(zone1, []string{"dry_bulb_f"})

	m.ObserveSensor(zone1, "dry_bulb_f", false, t0)
	m.EndTick(t0.Add(2 * time.Minute))
	require.True(t, m.InFailsafe(zone1))

	// Rejected while the sensors are still down.
	assert.Error(t, m.ClearFailsafe(zone1))

	// Accepted once the condition is gone, without waiting out the hold.
	m.ObserveSensor(zone1, "dry_bulb_f", true, t0.Add(3*time.Minute))
	require.NoError(t, m.ClearFailsafe(zone1))
	assert.False(t, m.InFailsafe(zone1))

	// Clearing a zone not in failsafe is a no-op.
	assert.NoError(t, m.ClearFailsafe(zone1))
}

func TestHardwareFaultFailsafe(t *testing.T) {
	m, _ := testManager(t)
	m.RegisterZone(zone1, []string{"dry_bulb_f"})

	m.HardwareFailure(zone1, "heater_1", 3)
	assert.True(t, m.InFailsafe(zone1))
	assert.Equal(t, model.AlarmHardwareFault, m.FailsafeReason(zone1))

	_, ok := alarmNamed(m, model.AlarmHardwareFault+":heater_1")
	assert.True(t, ok)

	m.HardwareSuccess(zone1, "heater_1")
	_, ok = alarmNamed(m, model.AlarmHardwareFault+":heater_1")
	assert.False(t, ok)

	// Still in failsafe until the hold elapses.
	assert.True(t, m.InFailsafe(zone1))
	now := time.Now()
	m.EndTick(now)
	m.EndTick(now.Add(61 * time.Second))
	assert.False(t, m.InFailsafe(zone1))
}

func TestBufferWatermark(t *testing.T) {
	m, _ := testManager(t)

	m.BufferWatermark(0.5)
	_, ok := alarmNamed(m, model.AlarmDBLoss)
	assert.False(t, ok)

	m.BufferWatermark(0.9)
	_, ok = alarmNamed(m, model.AlarmDBLoss)
	assert.True(t, ok)

	m.DBWriteOK()
	_, ok = alarmNamed(m, model.AlarmDBLoss)
	assert.False(t, ok)
}

func TestInterlockCycle(t *testing.T) {
	m, _ := testManager(t)

	m.InterlockCycle(zone1)
	_, ok := alarmNamed(m, model.AlarmInterlockCycle)
	assert.True(t, ok)
	assert.False(t, m.InFailsafe(zone1))

	m.CleanTick(zone1)
	_, ok = alarmNamed(m, model.AlarmInterlockCycle)
	assert.False(t, ok)
}

func TestAck(t *testing.T) {
	m, _ := testManager(t)

	assert.Error(t, m.Ack(zone1, "nope", t0))

	m.SetpointRejected(zone1, "heating above range")
	require.NoError(t, m.Ack(zone1, model.AlarmSetpointOutOfRange, t0))

	a, ok := alarmNamed(m, model.AlarmSetpointOutOfRange)
	require.True(t, ok)
	require.NotNil(t, a.Acknowledged)
	assert.Equal(t, t0, *a.Acknowledged)
}
