package photoperiod

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Phoenix5595/grow-controller/internal/model"
)

func mustTOD(t *testing.T, s string) model.TimeOfDay {
	tod, err := model.ParseTimeOfDay(s)
	require.NoError(t, err)
	return tod
}

func standardProgram(t *testing.T) Program {
	return Normalize(model.Photoperiod{
		Zone:     model.Zone{Location: "Flower", Cluster: "front"},
		DayStart: mustTOD(t, "06:00"),
		DayEnd:   mustTOD(t, "22:00"),
		RampUp:   30 * time.Minute,
		RampDown: 30 * time.Minute,
		Enabled:  true,
	})
}

func TestIntensityRamp(t *testing.T) {
	p := standardProgram(t)
	target := 80.0

	assert.InDelta(t, 0, p.Intensity(target, mustTOD(t, "06:00")), 0.01)
	assert.InDelta(t, 40, p.Intensity(target, mustTOD(t, "06:15")), 0.01)
	assert.InDelta(t, 80, p.Intensity(target, mustTOD(t, "06:30")), 0.01)
	assert.InDelta(t, 80, p.Intensity(target, mustTOD(t, "12:00")), 0.01)
	assert.InDelta(t, 80, p.Intensity(target, mustTOD(t, "21:30")), 0.01)
	assert.InDelta(t, 40, p.Intensity(target, mustTOD(t, "21:45")), 0.01)
	assert.InDelta(t, 0, p.Intensity(target, mustTOD(t, "22:00")), 0.01)
	assert.InDelta(t, 0, p.Intensity(target, mustTOD(t, "03:00")), 0.01)
}

func TestIntensityFullAtRampEnd(t *testing.T) {
	// Exactly target at day_start + ramp_up, exactly 0 at day_end.
	p := standardProgram(t)
	assert.Equal(t, 100.0, p.Intensity(100, mustTOD(t, "06:30")))
	assert.Equal(t, 0.0, p.Intensity(100, mustTOD(t, "22:00")))
}

func TestWrapMidnight(t *testing.T) {
	p := Normalize(model.Photoperiod{
		DayStart: mustTOD(t, "20:00"),
		DayEnd:   mustTOD(t, "08:00"),
		RampUp:   time.Hour,
		RampDown: time.Hour,
		Enabled:  true,
	})
	assert.InDelta(t, 50, p.Intensity(100, mustTOD(t, "20:30")), 0.01)
	assert.InDelta(t, 100, p.Intensity(100, mustTOD(t, "23:00")), 0.01)
	assert.InDelta(t, 100, p.Intensity(100, mustTOD(t, "02:00")), 0.01)
	assert.InDelta(t, 50, p.Intensity(100, mustTOD(t, "07:30")), 0.01)
	assert.InDelta(t, 0, p.Intensity(100, mustTOD(t, "12:00")), 0.01)
}

func TestOverlappingRampsShrinkToMidpoint(t *testing.T) {
	// 2h photoperiod with 90m+90m ramps; shrunk ramps must meet in the
	// middle, peaking at the target exactly once.
	p := Normalize(model.Photoperiod{
		DayStart: mustTOD(t, "10:00"),
		DayEnd:   mustTOD(t, "12:00"),
		RampUp:   90 * time.Minute,
		RampDown: 90 * time.Minute,
		Enabled:  true,
	})
	assert.Equal(t, time.Hour, p.RampUp)
	assert.Equal(t, time.Hour, p.RampDown)
	assert.InDelta(t, 100, p.Intensity(100, mustTOD(t, "11:00")), 0.01)
	assert.InDelta(t, 50, p.Intensity(100, mustTOD(t, "10:30")), 0.01)
	assert.InDelta(t, 50, p.Intensity(100, mustTOD(t, "11:30")), 0.01)
}

func TestDisabledAndEmpty(t *testing.T) {
	p := standardProgram(t)
	p.Enabled = false
	assert.Equal(t, 0.0, p.Intensity(80, mustTOD(t, "12:00")))
	assert.False(t, p.IsDay(mustTOD(t, "12:00")))

	empty := Normalize(model.Photoperiod{
		DayStart: mustTOD(t, "06:00"),
		DayEnd:   mustTOD(t, "06:00"),
		Enabled:  true,
	})
	assert.Equal(t, 0.0, empty.Intensity(80, mustTOD(t, "06:00")))
}

func TestIsDay(t *testing.T) {
	p := standardProgram(t)
	assert.True(t, p.IsDay(mustTOD(t, "06:00")))
	assert.True(t, p.IsDay(mustTOD(t, "21:59")))
	assert.False(t, p.IsDay(mustTOD(t, "22:00")))
	assert.False(t, p.IsDay(mustTOD(t, "05:59")))
}

func TestCommand(t *testing.T) {
	dimmable := &model.Device{
		Name:    "light_1",
		Type:    model.TypeLight,
		Dimming: &model.Dimming{BoardID: "dac1", Channel: 0},
	}
	cmd := Command(dimmable, 40)
	assert.True(t, cmd.On)
	require.NotNil(t, cmd.Intensity)
	assert.Equal(t, 40.0, *cmd.Intensity)
	assert.Equal(t, model.ReasonPhotoperiod, cmd.Reason)

	plain := &model.Device{Name: "light_2", Type: model.TypeLight}
	cmd = Command(plain, 0)
	assert.False(t, cmd.On)
	assert.Nil(t, cmd.Intensity)
}
